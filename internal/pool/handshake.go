package pool

import (
	"fmt"
	"sync"

	"github.com/FumingPower3925/liso/internal/transport"
	"golang.org/x/sys/unix"
)

// handshake is the outcome of one off-loop Accept.
type handshake struct {
	fd  int
	t   transport.Transport
	err error
}

// handshakes runs blocking acceptors on their own goroutines and hands finished
// transports back to the event loop. Writing to the wake pipe makes the loop's
// select return so a finished handshake never waits out a full poll interval.
//
// inflight is owned by the loop; everything else is guarded by mu.
type handshakes struct {
	mu       sync.Mutex
	closed   bool
	done     chan handshake
	wakeR    int
	wakeW    int
	inflight int
}

func newHandshakes(capacity int) (*handshakes, error) {
	h := &handshakes{done: make(chan handshake, capacity), wakeR: -1, wakeW: -1}
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		return h, fmt.Errorf("wake pipe: %w", err)
	}
	if fds[1] >= FDSetSize {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return h, fmt.Errorf("wake pipe: fd %d outside descriptor set", fds[1])
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := transport.SetNonblock(fd); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return h, err
		}
	}
	h.wakeR, h.wakeW = fds[0], fds[1]
	return h, nil
}

// start accepts fd with a on a new goroutine. The acceptor owns fd until it
// returns; a failed handshake closes it.
func (h *handshakes) start(a transport.Acceptor, fd int) {
	h.inflight++
	go func() {
		t, err := a.Accept(fd)
		if err != nil {
			_ = unix.Close(fd)
		}

		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed {
			if t != nil {
				_ = t.Close()
			}
			return
		}
		// done holds capacity entries and inflight never exceeds capacity.
		h.done <- handshake{fd: fd, t: t, err: err}
		if h.wakeW >= 0 {
			_, _ = unix.Write(h.wakeW, []byte{1})
		}
	}()
}

// finished returns the handshakes completed since the last call.
func (h *handshakes) finished() []handshake {
	var out []handshake
	for {
		select {
		case hs := <-h.done:
			h.inflight--
			out = append(out, hs)
		default:
			return out
		}
	}
}

// watch adds the wake pipe to the read interest.
func (h *handshakes) watch(in *Interest) {
	if h.wakeR >= 0 {
		in.markRead(h.wakeR)
	}
}

// clear empties the wake pipe once select reported it.
func (h *handshakes) clear(in *Interest) {
	if h.wakeR < 0 || !in.Readable(h.wakeR) {
		return
	}
	var buf [64]byte
	for {
		if n, err := unix.Read(h.wakeR, buf[:]); err != nil || n < len(buf) {
			return
		}
	}
}

// close stops delivery. Handshakes still running close their own transports, and
// any already delivered but not collected are closed here.
func (h *handshakes) close() {
	h.mu.Lock()
	h.closed = true
	if h.wakeR >= 0 {
		_ = unix.Close(h.wakeR)
		_ = unix.Close(h.wakeW)
		h.wakeR, h.wakeW = -1, -1
	}
	h.mu.Unlock()

	for _, hs := range h.finished() {
		if hs.t != nil {
			_ = hs.t.Close()
		}
	}
}
