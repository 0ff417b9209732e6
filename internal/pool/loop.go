package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FumingPower3925/liso/internal/response"
	"github.com/FumingPower3925/liso/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultPollInterval bounds one readiness wait so Serve notices cancellation.
const DefaultPollInterval = 500 * time.Millisecond

// Serve runs the event loop until ctx is done. Each turn evicts finished
// connections, waits for readiness, accepts new connections, then reads, generates
// and writes for every ready connection.
func (p *Pool) Serve(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := p.Turn(pollInterval); err != nil {
			return err
		}
	}
}

// Turn runs one cycle of the event loop, waiting at most wait for readiness.
func (p *Pool) Turn(wait time.Duration) error {
	p.Evict()
	for _, hs := range p.pending.finished() {
		p.register(hs.fd, hs.t, hs.err)
	}
	in := p.PrepareReadiness()
	p.pending.watch(in)

	tv := unix.NsecToTimeval(wait.Nanoseconds())
	if len(in.Pending) > 0 {
		tv = unix.Timeval{}
	}
	n, err := unix.Select(in.MaxFD+1, &in.Read, &in.Write, nil, &tv)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			p.logger.Warn("select() EINTR, try again later")
			return nil
		}
		return fmt.Errorf("select: %w", err)
	}
	p.pending.clear(in)
	for _, fd := range in.Pending {
		in.Read.Set(fd)
	}
	p.recorder.PollCycle(n)

	for _, l := range p.listeners {
		if in.Readable(l.fd) {
			p.acceptAll(l)
		}
	}
	p.dispatch(in)
	return nil
}

// dispatch services the connections the wait reported ready. Connections accepted
// during this turn are not in the interest sets and wait for the next one.
func (p *Pool) dispatch(in *Interest) {
	for fd, c := range p.conns {
		readable, writable := in.Readable(fd), in.Writable(fd)
		if !readable && !writable {
			continue
		}
		if readable {
			c.HandleRead()
		}
		if c.Evictable() {
			continue
		}
		if writable {
			c.HandleWrite()
		} else {
			c.Respond()
		}
	}
}

// acceptAll drains the listener's backlog, admitting connections until the pool
// rejects one or nothing is pending.
func (p *Pool) acceptAll(l *Listener) {
	for {
		fd, err := l.accept()
		if err != nil {
			p.logger.Error("accept", zap.Error(err))
			return
		}
		if fd < 0 {
			return
		}
		if !p.admit(l, fd) {
			return
		}
	}
}

// admit wraps fd in the listener's transport and adds it to the pool. It reports
// false once the pool is full. Handshakes still running count against capacity.
//
// Acceptors that block on the client run on their own goroutine; the transport
// joins the pool at the start of a later turn.
func (p *Pool) admit(l *Listener, fd int) bool {
	if len(p.conns)+p.pending.inflight >= p.capacity {
		p.reject(fd, ErrPoolFull)
		return false
	}
	if b, ok := l.acceptor.(transport.Blocking); ok && b.Blocks() {
		p.pending.start(l.acceptor, fd)
		return true
	}
	t, err := l.acceptor.Accept(fd)
	if err != nil {
		_ = unix.Close(fd)
	}
	return p.register(fd, t, err)
}

// register adds a transport whose setup finished with err. It reports false once
// the pool is full.
func (p *Pool) register(fd int, t transport.Transport, err error) bool {
	if err != nil {
		p.logger.Warn("set up transport", zap.Int("fd", fd), zap.Error(err))
		p.recorder.ConnectionRejected("transport")
		return true
	}
	if err := p.Add(t); err != nil {
		p.logger.Warn("add client", zap.Int("fd", fd), zap.Error(err))
		p.recorder.ConnectionRejected(reason(err))
		_ = t.Close()
		return !errors.Is(err, ErrPoolFull)
	}
	p.logger.Info("client connected", zap.Int("fd", fd), zap.String("scheme", t.Scheme()))
	return true
}

// reject sends a best-effort 503 on a descriptor that will not be admitted.
func (p *Pool) reject(fd int, cause error) {
	p.logger.Warn("connection rejected", zap.Int("fd", fd), zap.Error(cause))
	p.recorder.ConnectionRejected(reason(cause))
	if err := transport.SetNonblock(fd); err == nil {
		_, _ = unix.Write(fd, []byte(response.Unavailable))
	}
	_ = unix.Close(fd)
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrPoolFull):
		return "pool_full"
	case errors.Is(err, ErrAllocation):
		return "allocation"
	default:
		return "other"
	}
}
