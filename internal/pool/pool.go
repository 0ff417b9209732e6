// Package pool owns the listening sockets and the bounded set of live connections,
// and multiplexes them over select(2) on a single goroutine.
package pool

import (
	"errors"
	"fmt"

	"github.com/FumingPower3925/liso/internal/conn"
	"github.com/FumingPower3925/liso/internal/metrics"
	"github.com/FumingPower3925/liso/internal/transport"
	"go.uber.org/zap"
)

var (
	// ErrPoolFull rejects a connection when the pool is at capacity.
	ErrPoolFull = errors.New("pool: connection limit reached")
	// ErrAllocation rejects a connection that could not be constructed.
	ErrAllocation = errors.New("pool: cannot admit connection")
)

// Config defines the pool options.
type Config struct {
	// Capacity is the maximum number of live connections, clamped to FDSetSize.
	Capacity int
	Conn     conn.Config
	Recorder metrics.Recorder
	Logger   *zap.Logger
}

// Pool is the connection registry and readiness multiplexer. It is not safe for
// concurrent use; the connection set is mutated only between readiness passes.
type Pool struct {
	listeners []*Listener
	conns     map[int]*conn.Connection
	capacity  int
	connCfg   conn.Config
	recorder  metrics.Recorder
	logger    *zap.Logger
	pending   *handshakes
}

// New creates a pool serving the given listeners.
func New(config Config, listeners ...*Listener) *Pool {
	if config.Capacity <= 0 || config.Capacity > FDSetSize {
		config.Capacity = FDSetSize
	}
	if config.Recorder == nil {
		config.Recorder = metrics.Nop{}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Conn.Recorder == nil {
		config.Conn.Recorder = config.Recorder
	}
	if config.Conn.Logger == nil {
		config.Conn.Logger = config.Logger
	}
	pending, err := newHandshakes(config.Capacity)
	if err != nil {
		config.Logger.Warn("finished handshakes wait for the poll interval", zap.Error(err))
	}
	return &Pool{
		listeners: listeners,
		conns:     make(map[int]*conn.Connection),
		capacity:  config.Capacity,
		connCfg:   config.Conn,
		recorder:  config.Recorder,
		logger:    config.Logger,
		pending:   pending,
	}
}

// Len returns the number of live connections.
func (p *Pool) Len() int { return len(p.conns) }

// Capacity returns the maximum number of live connections.
func (p *Pool) Capacity() int { return p.capacity }

// Get returns the connection registered under fd.
func (p *Pool) Get(fd int) (*conn.Connection, bool) {
	c, ok := p.conns[fd]
	return c, ok
}

// Listeners returns the pool's listening sockets.
func (p *Pool) Listeners() []*Listener { return p.listeners }

// Add admits a connection over t. It fails with ErrPoolFull at capacity and with
// ErrAllocation when the descriptor cannot be polled or is already registered;
// on failure the pool is unchanged and the caller keeps ownership of t.
func (p *Pool) Add(t transport.Transport) error {
	if t == nil {
		return fmt.Errorf("%w: nil transport", ErrAllocation)
	}
	if len(p.conns) >= p.capacity {
		return ErrPoolFull
	}
	fd := t.Fd()
	if fd < 0 || fd >= FDSetSize {
		return fmt.Errorf("%w: fd %d outside descriptor set", ErrAllocation, fd)
	}
	if _, dup := p.conns[fd]; dup {
		return fmt.Errorf("%w: fd %d already registered", ErrAllocation, fd)
	}
	p.conns[fd] = conn.New(t, p.connCfg)
	p.recorder.ConnectionOpened(t.Scheme())
	return nil
}

// PrepareReadiness builds this cycle's interest: every listener is readable, and
// each connection is marked readable per CanRead and writable per CanWrite.
//
// Faulted connections must have been evicted first; finding one is a bug.
func (p *Pool) PrepareReadiness() *Interest {
	in := &Interest{MaxFD: -1}
	for _, l := range p.listeners {
		in.markRead(l.fd)
	}
	for fd, c := range p.conns {
		if c.Lifecycle() == conn.Faulted {
			panic(fmt.Sprintf("pool: faulted connection fd %d still registered", fd))
		}
		if c.CanRead() {
			in.markRead(fd)
			p.logger.Debug("add client to read set", zap.Int("fd", fd))
			if c.Buffered() > 0 {
				in.Pending = append(in.Pending, fd)
			}
		}
		if c.CanWrite() {
			in.markWrite(fd)
			p.logger.Debug("add client to write set", zap.Int("fd", fd))
		}
	}
	return in
}

// Evict removes and closes every connection that is Faulted or Draining with an
// empty write buffer, and returns their descriptors.
func (p *Pool) Evict() []int {
	var evicted []int
	for fd, c := range p.conns {
		if !c.Evictable() {
			continue
		}
		p.remove(fd, c)
		evicted = append(evicted, fd)
	}
	return evicted
}

func (p *Pool) remove(fd int, c *conn.Connection) {
	delete(p.conns, fd)
	if err := c.Close(); err != nil {
		p.logger.Warn("close connection", zap.Int("fd", fd), zap.Error(err))
	}
	p.recorder.ConnectionClosed(c.Fault())
	p.logger.Debug("connection evicted",
		zap.Int("fd", fd),
		zap.Stringer("lifecycle", c.Lifecycle()),
		zap.String("fault", c.Fault()))
}

// Close closes every connection and listener. Handshakes still in progress
// discard their transports when they finish.
func (p *Pool) Close() error {
	var errs []error
	p.pending.close()
	for fd, c := range p.conns {
		p.remove(fd, c)
	}
	for _, l := range p.listeners {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
