package transport

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		in   error
		want error
	}{
		{nil, nil},
		{unix.EINTR, ErrInterrupted},
		{unix.EAGAIN, ErrWouldBlock},
		{unix.EWOULDBLOCK, ErrWouldBlock},
		{unix.ECONNRESET, unix.ECONNRESET},
	}
	for _, tt := range tests {
		if got := classify(tt.in); !errors.Is(got, tt.want) && got != tt.want {
			t.Errorf("classify(%v): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(ErrWouldBlock) || !IsTransient(ErrInterrupted) {
		t.Error("Expected sentinels to be transient")
	}
	if IsTransient(io.EOF) || IsTransient(nil) {
		t.Error("Expected EOF and nil not to be transient")
	}
	if !IsTransient(transientError{err: ErrWouldBlock}) {
		t.Error("Expected wrapped sentinel to be transient")
	}
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair() error = %v", err)
	}
	return fds[0], fds[1]
}

func TestPlain(t *testing.T) {
	server, client := socketPair(t)
	defer unix.Close(client)

	tr, err := PlainAcceptor{}.Accept(server)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	defer tr.Close()

	if tr.Scheme() != "http" || tr.Fd() != server {
		t.Errorf("Expected http transport on fd %d, got %s on %d", server, tr.Scheme(), tr.Fd())
	}

	buf := make([]byte, 8)
	if _, err := tr.TryRead(buf); !errors.Is(err, ErrWouldBlock) {
		t.Errorf("Expected ErrWouldBlock with nothing sent, got %v", err)
	}

	if _, err := unix.Write(client, []byte("GET")); err != nil {
		t.Fatal(err)
	}
	n, err := tr.TryRead(buf[:1])
	if err != nil || n != 1 || buf[0] != 'G' {
		t.Errorf("Expected one byte G, got %d %q %v", n, buf[:n], err)
	}

	if n, err := tr.TryWrite([]byte("HTTP/1.1")); err != nil || n != 8 {
		t.Errorf("Expected 8 bytes written, got %d %v", n, err)
	}
	got := make([]byte, 8)
	if _, err := unix.Read(client, got); err != nil || string(got) != "HTTP/1.1" {
		t.Errorf("Expected peer to receive HTTP/1.1, got %q %v", got, err)
	}

	_ = unix.Shutdown(client, unix.SHUT_WR)
	for i := 0; i < 2; i++ {
		n, err = tr.TryRead(buf)
	}
	if n != 0 || err != nil {
		t.Errorf("Expected (0, nil) after peer close, got (%d, %v)", n, err)
	}
}

func selfSigned(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}}}
}

// readEventually retries TryRead until it stops reporting ErrWouldBlock.
func readEventually(t *testing.T, tr Transport, p []byte) (int, error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := tr.TryRead(p)
		if !errors.Is(err, ErrWouldBlock) || time.Now().After(deadline) {
			return n, err
		}
		time.Sleep(time.Millisecond)
	}
}

// tlsPair completes a handshake between a crypto/tls client on client and the
// acceptor on server.
func tlsPair(t *testing.T, server, client int) (*tls.Conn, Transport) {
	t.Helper()
	f := os.NewFile(uintptr(client), "client")
	nc, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		t.Fatalf("FileConn() error = %v", err)
	}
	tc := tls.Client(nc, &tls.Config{InsecureSkipVerify: true})
	t.Cleanup(func() { _ = tc.Close() })

	type accepted struct {
		tr  Transport
		err error
	}
	ch := make(chan accepted, 1)
	go func() {
		tr, err := (&TLSAcceptor{Config: selfSigned(t), HandshakeTimeout: 5 * time.Second}).Accept(server)
		ch <- accepted{tr, err}
	}()

	if err := tc.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	a := <-ch
	if a.err != nil {
		t.Fatalf("Accept() error = %v", a.err)
	}
	t.Cleanup(func() { _ = a.tr.Close() })
	return tc, a.tr
}

func TestTLS(t *testing.T) {
	server, client := socketPair(t)
	tc, tr := tlsPair(t, server, client)

	if tr.Scheme() != "https" {
		t.Errorf("Expected https, got %s", tr.Scheme())
	}
	buffered, ok := tr.(Buffered)
	if !ok {
		t.Fatal("Expected TLS transport to report buffered plaintext")
	}

	buf := make([]byte, 1)
	if _, err := tr.TryRead(buf); !errors.Is(err, ErrWouldBlock) {
		t.Errorf("Expected ErrWouldBlock before any data, got %v", err)
	}

	if _, err := tc.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	n, err := readEventually(t, tr, buf)
	if err != nil || n != 1 || buf[0] != 'h' {
		t.Fatalf("Expected first byte h, got %d %q %v", n, buf[:n], err)
	}
	if buffered.Buffered() != 4 {
		t.Errorf("Expected 4 plaintext bytes staged, got %d", buffered.Buffered())
	}
	rest := make([]byte, 8)
	if n, _ := tr.TryRead(rest); string(rest[:n]) != "ello" {
		t.Errorf("Expected staged bytes ello, got %q", rest[:n])
	}

	if n, err := tr.TryWrite([]byte("world")); err != nil || n != 5 {
		t.Fatalf("Expected 5 bytes written, got %d %v", n, err)
	}
	got := make([]byte, 5)
	_ = tc.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(tc, got); err != nil || string(got) != "world" {
		t.Errorf("Expected client to read world, got %q %v", got, err)
	}

	_ = tc.Close()
	n, err = readEventually(t, tr, buf)
	if n != 0 || err != nil {
		t.Errorf("Expected (0, nil) after close_notify, got (%d, %v)", n, err)
	}
}

func TestTLS_WriteBackpressure(t *testing.T) {
	server, client := socketPair(t)
	for _, fd := range []int{server, client} {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096)
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, 4096)
	}
	tc, tr := tlsPair(t, server, client)
	flusher, ok := tr.(Flusher)
	if !ok {
		t.Fatal("Expected TLS transport to report unflushed output")
	}

	chunk := bytes.Repeat([]byte("z"), 1024)
	sent := 0
	for i := 0; i < 10000; i++ {
		n, err := tr.TryWrite(chunk)
		if errors.Is(err, ErrWouldBlock) {
			if n != 0 {
				t.Errorf("Expected no plaintext taken while blocked, got %d", n)
			}
			break
		}
		if err != nil {
			t.Fatalf("TryWrite() error = %v", err)
		}
		sent += n
	}
	if flusher.Unflushed() == 0 {
		t.Fatal("Expected ciphertext held back by the full socket")
	}

	done := make(chan error, 1)
	go func() {
		_ = tc.SetReadDeadline(time.Now().Add(5 * time.Second))
		got := make([]byte, sent+1)
		if _, err := io.ReadFull(tc, got); err != nil {
			done <- err
			return
		}
		if got[sent] != 'x' || !bytes.Equal(got[:sent], bytes.Repeat([]byte("z"), sent)) {
			done <- errors.New("client read corrupted plaintext")
			return
		}
		done <- nil
	}()

	flushAll := func() {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for flusher.Unflushed() > 0 {
			if err := flusher.Flush(); err != nil && !IsTransient(err) {
				t.Fatalf("Flush() error = %v", err)
			}
			if time.Now().After(deadline) {
				t.Fatalf("Expected the backlog to drain, %d bytes left", flusher.Unflushed())
			}
			time.Sleep(time.Millisecond)
		}
	}
	flushAll()

	// The connection must still accept plaintext once the peer caught up.
	if n, err := tr.TryWrite([]byte("x")); err != nil || n != 1 {
		t.Fatalf("Expected 1 byte written after the drain, got %d %v", n, err)
	}
	flushAll()

	if err := <-done; err != nil {
		t.Errorf("Expected the client to read every byte, got %v", err)
	}
}

func TestTLSAcceptor_HandshakeDeadline(t *testing.T) {
	server, client := socketPair(t)
	defer unix.Close(client)

	// A record header announcing 512 bytes, then one byte at a time: every read
	// makes progress, so only the whole-handshake deadline can end it.
	if _, err := unix.Write(client, []byte{0x16, 0x03, 0x01, 0x02, 0x00}); err != nil {
		t.Fatal(err)
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := unix.Write(client, []byte{0}); err != nil {
					return
				}
			}
		}
	}()

	start := time.Now()
	_, err := (&TLSAcceptor{Config: selfSigned(t), HandshakeTimeout: 200 * time.Millisecond}).Accept(server)
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Errorf("Expected ErrHandshakeTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected the handshake to end near its deadline, took %v", elapsed)
	}
	_ = unix.Close(server)
}

func TestTLSAcceptor_Blocks(t *testing.T) {
	var a Acceptor = &TLSAcceptor{}
	if b, ok := a.(Blocking); !ok || !b.Blocks() {
		t.Error("Expected the TLS acceptor to report a blocking Accept")
	}
	if _, ok := Acceptor(PlainAcceptor{}).(Blocking); ok {
		t.Error("Expected the plain acceptor not to block")
	}
}

func TestTLSAcceptor_HandshakeFailure(t *testing.T) {
	server, client := socketPair(t)
	if _, err := unix.Write(client, []byte("GET / HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	_ = unix.Close(client)

	_, err := (&TLSAcceptor{Config: selfSigned(t), HandshakeTimeout: time.Second}).Accept(server)
	if err == nil {
		t.Fatal("Expected handshake to fail on plaintext input")
	}
	_ = unix.Close(server)
}

func TestSockaddrToTCP(t *testing.T) {
	a := SockaddrToTCP(&unix.SockaddrInet4{Port: 8080, Addr: [4]byte{127, 0, 0, 1}})
	if a == nil || a.Port != 8080 || !a.IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Errorf("Expected 127.0.0.1:8080, got %v", a)
	}
	if SockaddrToTCP(&unix.SockaddrUnix{Name: "/tmp/x"}) != nil {
		t.Error("Expected nil for a unix socket address")
	}
}
