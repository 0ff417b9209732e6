// Package transport provides the byte channels a connection reads from and writes to.
//
// Both variants share one contract: a call either transfers bytes immediately or
// reports ErrWouldBlock / ErrInterrupted without changing any state. A read of zero
// bytes with a nil error means the peer closed its side.
package transport

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock reports that the descriptor is not ready. Retry on the next cycle.
	ErrWouldBlock = errors.New("transport: operation would block")
	// ErrInterrupted reports an interrupted system call. Retry on the next cycle.
	ErrInterrupted = errors.New("transport: interrupted")
)

// Transport is a non-blocking byte channel over one accepted descriptor.
type Transport interface {
	// TryRead attempts to read up to len(p) bytes.
	TryRead(p []byte) (int, error)
	// TryWrite attempts to write all of p and reports how many bytes were sent.
	TryWrite(p []byte) (int, error)
	// Fd returns the underlying descriptor.
	Fd() int
	// Scheme names the variant ("http" or "https").
	Scheme() string
	// Close releases the transport and its descriptor.
	Close() error
}

// Acceptor turns a freshly accepted descriptor into a Transport.
// It is chosen once per listener, never per call.
type Acceptor interface {
	Accept(fd int) (Transport, error)
}

// Blocking is implemented by acceptors whose Accept waits on the client.
type Blocking interface {
	Blocks() bool
}

// IsTransient reports whether err leaves the connection untouched.
func IsTransient(err error) bool {
	return errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrInterrupted)
}

// SetNonblock switches fd to non-blocking mode.
func SetNonblock(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("set non-blocking on fd %d: %w", fd, err)
	}
	return nil
}

// classify maps raw errno values onto the transient sentinels.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EINTR):
		return ErrInterrupted
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
		return ErrWouldBlock
	default:
		return err
	}
}
