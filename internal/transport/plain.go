package transport

import "golang.org/x/sys/unix"

// Plain is a plaintext transport over a raw socket descriptor.
type Plain struct {
	fd int
}

// NewPlain wraps fd. The caller is expected to have made it non-blocking.
func NewPlain(fd int) *Plain {
	return &Plain{fd: fd}
}

// TryRead implements Transport.
func (p *Plain) TryRead(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	n, err := unix.Read(p.fd, b)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// TryWrite implements Transport.
func (p *Plain) TryWrite(b []byte) (int, error) {
	n, err := unix.Write(p.fd, b)
	if err != nil {
		if n < 0 {
			n = 0
		}
		return n, classify(err)
	}
	return n, nil
}

// Fd implements Transport.
func (p *Plain) Fd() int { return p.fd }

// Scheme implements Transport.
func (p *Plain) Scheme() string { return "http" }

// Close implements Transport.
func (p *Plain) Close() error {
	return unix.Close(p.fd)
}

// PlainAcceptor switches accepted descriptors to non-blocking mode and wraps them.
type PlainAcceptor struct{}

// Accept implements Acceptor.
func (PlainAcceptor) Accept(fd int) (Transport, error) {
	if err := SetNonblock(fd); err != nil {
		return nil, err
	}
	return NewPlain(fd), nil
}
