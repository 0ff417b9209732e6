package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// stageSize bounds the plaintext pulled out of crypto/tls in one fill.
const stageSize = 64 << 10

// Buffered is implemented by transports that can hold already-received bytes the
// kernel no longer reports as readable.
type Buffered interface {
	Buffered() int
}

// Flusher is implemented by transports that can hold output the kernel has not
// accepted yet. Unflushed must reach zero before the descriptor is closed.
type Flusher interface {
	Flush() error
	Unflushed() int
}

// ErrHandshakeTimeout reports a client that did not finish the handshake in time.
var ErrHandshakeTimeout = errors.New("transport: tls handshake timed out")

// TLS is an encrypted transport. The handshake completes before the descriptor is
// switched to non-blocking; afterwards TryRead/TryWrite never block.
//
// crypto/tls decrypts whole records, so a small read leaves plaintext behind that
// select(2) cannot see. TLS drains every record into a staging slice and reports
// its length through Buffered.
//
// On the write side crypto/tls treats every error as permanent, so the socket
// never reports EAGAIN to it. Ciphertext the kernel refuses is held and sent by
// Flush; TryWrite accepts no new plaintext until that backlog is gone.
type TLS struct {
	fd      int
	raw     *fdConn
	conn    *tls.Conn
	scratch []byte
	staged  []byte
	err     error // sticky: io.EOF or a fatal error
}

// TryRead implements Transport.
func (t *TLS) TryRead(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	var fillErr error
	if len(t.staged) == 0 {
		fillErr = t.fill()
	}
	if len(t.staged) == 0 {
		if errors.Is(fillErr, io.EOF) {
			return 0, nil
		}
		return 0, fillErr
	}
	n := copy(b, t.staged)
	t.staged = t.staged[n:]
	return n, nil
}

// fill decrypts records until crypto/tls would have to wait for the socket.
func (t *TLS) fill() error {
	if t.err != nil {
		return t.err
	}
	if t.scratch == nil {
		t.scratch = make([]byte, 16<<10)
	}
	t.staged = t.staged[:0]
	for len(t.staged) < stageSize {
		n, err := t.conn.Read(t.scratch)
		t.staged = append(t.staged, t.scratch[:n]...)
		if err != nil {
			if IsTransient(err) {
				if errors.Is(err, ErrInterrupted) {
					return ErrInterrupted
				}
				return ErrWouldBlock
			}
			t.err = err
			return err
		}
	}
	return nil
}

// Buffered reports decrypted bytes waiting to be read.
func (t *TLS) Buffered() int { return len(t.staged) }

// TryWrite implements Transport.
func (t *TLS) TryWrite(b []byte) (int, error) {
	if err := t.raw.flush(); err != nil {
		return 0, err
	}
	return t.conn.Write(b)
}

// Flush sends held ciphertext. It returns ErrWouldBlock while some remains.
func (t *TLS) Flush() error { return t.raw.flush() }

// Unflushed reports ciphertext bytes the kernel has not accepted yet.
func (t *TLS) Unflushed() int { return len(t.raw.out) }

// Fd implements Transport.
func (t *TLS) Fd() int { return t.fd }

// Scheme implements Transport.
func (t *TLS) Scheme() string { return "https" }

// Close sends close_notify when possible and releases the descriptor.
func (t *TLS) Close() error {
	_ = t.conn.CloseWrite()
	_ = t.raw.flush()
	return t.raw.Close()
}

// TLSAcceptor performs a server handshake on every accepted descriptor.
type TLSAcceptor struct {
	Config *tls.Config
	// HandshakeTimeout bounds the whole handshake. Zero waits forever.
	HandshakeTimeout time.Duration
}

// Blocks reports that Accept waits on the client; callers run it off their loop.
func (a *TLSAcceptor) Blocks() bool { return true }

// Accept implements Acceptor. It blocks until the handshake completes or fails.
func (a *TLSAcceptor) Accept(fd int) (Transport, error) {
	raw := &fdConn{fd: fd}
	if err := unix.SetNonblock(fd, false); err != nil {
		return nil, fmt.Errorf("set blocking on fd %d: %w", fd, err)
	}
	if err := setSocketTimeout(fd, a.HandshakeTimeout); err != nil {
		return nil, err
	}

	var timer *time.Timer
	if a.HandshakeTimeout > 0 {
		// A client trickling one byte per timeout would otherwise never expire.
		timer = time.AfterFunc(a.HandshakeTimeout, func() {
			_ = unix.Shutdown(fd, unix.SHUT_RDWR)
		})
	}
	conn := tls.Server(raw, a.Config)
	err := conn.Handshake()
	if timer != nil && !timer.Stop() {
		return nil, fmt.Errorf("tls handshake on fd %d: %w", fd, ErrHandshakeTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("tls handshake on fd %d: %w", fd, err)
	}

	if err := setSocketTimeout(fd, 0); err != nil {
		return nil, err
	}
	if err := SetNonblock(fd); err != nil {
		return nil, err
	}
	raw.hold = true
	t := &TLS{fd: fd, raw: raw, conn: conn}
	// Records that arrived with the client's Finished are already inside
	// crypto/tls; stage them so the first Buffered check sees them.
	_ = t.fill()
	return t, nil
}

func setSocketTimeout(fd int, d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("set receive timeout on fd %d: %w", fd, err)
	}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		return fmt.Errorf("set send timeout on fd %d: %w", fd, err)
	}
	return nil
}

// transientError is returned to crypto/tls for EAGAIN and EINTR. It is a temporary
// net.Error, so tls.Conn keeps its record state and the read can be resumed.
type transientError struct {
	err error
}

func (e transientError) Error() string   { return e.err.Error() }
func (e transientError) Unwrap() error   { return e.err }
func (e transientError) Timeout() bool   { return errors.Is(e.err, ErrWouldBlock) }
func (e transientError) Temporary() bool { return true }

// fdConn exposes a raw descriptor as a net.Conn for crypto/tls.
type fdConn struct {
	fd int
	// hold is set once the handshake is done. Writes then always succeed in
	// full: whatever the kernel refuses is appended to out.
	hold bool
	out  []byte
}

func (c *fdConn) Read(b []byte) (int, error) {
	n, err := unix.Read(c.fd, b)
	if err != nil {
		if err = classify(err); IsTransient(err) {
			return 0, transientError{err: err}
		}
		return 0, err
	}
	if n == 0 && len(b) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (c *fdConn) Write(b []byte) (int, error) {
	if c.hold && len(c.out) > 0 {
		c.out = append(c.out, b...)
		return len(b), nil
	}
	written := 0
	for written < len(b) {
		n, err := unix.Write(c.fd, b[written:])
		if err != nil {
			err = classify(err)
			switch {
			case errors.Is(err, ErrInterrupted):
				continue
			case c.hold && errors.Is(err, ErrWouldBlock):
				c.out = append(c.out, b[written:]...)
				return len(b), nil
			case IsTransient(err):
				return written, transientError{err: err}
			}
			return written, err
		}
		written += n
	}
	return written, nil
}

// flush writes held ciphertext until it is gone or the kernel pushes back.
func (c *fdConn) flush() error {
	for len(c.out) > 0 {
		n, err := unix.Write(c.fd, c.out)
		if err != nil {
			return classify(err)
		}
		c.out = c.out[n:]
	}
	c.out = nil
	return nil
}

func (c *fdConn) Close() error { return unix.Close(c.fd) }

func (c *fdConn) LocalAddr() net.Addr {
	sa, err := unix.Getsockname(c.fd)
	if err != nil {
		return nil
	}
	return SockaddrToTCP(sa)
}

func (c *fdConn) RemoteAddr() net.Addr {
	sa, err := unix.Getpeername(c.fd)
	if err != nil {
		return nil
	}
	return SockaddrToTCP(sa)
}

func (c *fdConn) SetDeadline(time.Time) error      { return nil }
func (c *fdConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fdConn) SetWriteDeadline(time.Time) error { return nil }

// SockaddrToTCP converts an inet socket address; other families yield nil.
func SockaddrToTCP(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]).To16(), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return nil
	}
}
