package pool

import (
	"errors"
	"fmt"
	"net"

	"github.com/FumingPower3925/liso/internal/transport"
	"golang.org/x/sys/unix"
)

// Listener is a bound, listening, non-blocking socket and the transport variant
// assigned to every connection it accepts.
type Listener struct {
	fd       int
	addr     *net.TCPAddr
	acceptor transport.Acceptor
}

// Listen binds a TCP socket to addr ("host:port") and starts listening.
func Listen(addr string, acceptor transport.Acceptor) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	family := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := tcpAddr.IP.To4(); ip4 != nil || tcpAddr.IP == nil {
		a := &unix.SockaddrInet4{Port: tcpAddr.Port}
		if ip4 != nil {
			copy(a.Addr[:], ip4)
		}
		sa = a
	} else {
		family = unix.AF_INET6
		a := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(a.Addr[:], tcpAddr.IP.To16())
		sa = a
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if err := transport.SetNonblock(fd); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	bound := tcpAddr
	if name, err := unix.Getsockname(fd); err == nil {
		if a := transport.SockaddrToTCP(name); a != nil {
			bound = a
		}
	}
	return &Listener{fd: fd, addr: bound, acceptor: acceptor}, nil
}

// Fd returns the listening descriptor.
func (l *Listener) Fd() int { return l.fd }

// Addr returns the bound address, with the port resolved when ":0" was requested.
func (l *Listener) Addr() *net.TCPAddr { return l.addr }

// accept takes one pending connection. It returns -1 and a nil error when none is
// pending.
func (l *Listener) accept() (int, error) {
	fd, _, err := unix.Accept(l.fd)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) ||
			errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
			return -1, nil
		}
		return -1, fmt.Errorf("accept on fd %d: %w", l.fd, err)
	}
	unix.CloseOnExec(fd)
	return fd, nil
}

// Close closes the listening socket.
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}
