// Package gnetsrv drives the connection core from gnet's event loop instead of the
// select(2) pool. gnet owns the sockets and their readiness; every callback runs on
// the single loop goroutine, so the per-connection state is never shared.
package gnetsrv

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FumingPower3925/liso/internal/conn"
	"github.com/FumingPower3925/liso/internal/metrics"
	"github.com/FumingPower3925/liso/internal/response"
	"github.com/FumingPower3925/liso/internal/transport"
	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"
)

// maxTurns bounds the read/generate/write rounds of one OnTraffic call.
const maxTurns = 64

// stallRetry is how often connections blocked on a full outbound buffer are
// woken to try again.
const stallRetry = 10 * time.Millisecond

// Config defines the configuration options for the gnet engine.
type Config struct {
	Addr           string
	MaxConnections uint32
	Conn           conn.Config
	Recorder       metrics.Recorder
	Logger         *zap.Logger
}

// Server implements gnet.EventHandler over conn.Connection.
type Server struct {
	gnet.BuiltinEventEngine
	addr           string
	maxConnections uint32
	activeConns    uint32
	connCfg        conn.Config
	recorder       metrics.Recorder
	logger         *zap.Logger
	engine         gnet.Engine
	booted         chan struct{}
	engineStarted  atomic.Bool

	mu      sync.Mutex
	stalled map[gnet.Conn]struct{}
}

// NewServer creates a gnet-backed server.
func NewServer(config Config) *Server {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Recorder == nil {
		config.Recorder = metrics.Nop{}
	}
	if config.Conn.Recorder == nil {
		config.Conn.Recorder = config.Recorder
	}
	if config.Conn.Logger == nil {
		config.Conn.Logger = config.Logger
	}
	return &Server{
		addr:           config.Addr,
		maxConnections: config.MaxConnections,
		connCfg:        config.Conn,
		recorder:       config.Recorder,
		logger:         config.Logger,
		booted:         make(chan struct{}),
		stalled:        make(map[gnet.Conn]struct{}),
	}
}

// Run blocks serving on the configured address with a single event loop.
func (s *Server) Run() error {
	s.logger.Info("starting gnet engine", zap.String("addr", s.addr))
	return gnet.Run(s, "tcp://"+s.addr,
		gnet.WithMulticore(false),
		gnet.WithNumEventLoop(1),
		gnet.WithReusePort(false),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithReadBufferCap(s.bufferCap()),
		gnet.WithWriteBufferCap(s.bufferCap()),
		gnet.WithTicker(true),
		gnet.WithLogger(s.logger.Sugar()),
	)
}

func (s *Server) bufferCap() int {
	if s.connCfg.BufferSize > 0 {
		return s.connCfg.BufferSize
	}
	return conn.DefaultBufferSize
}

// Booted is closed once the engine is listening.
func (s *Server) Booted() <-chan struct{} { return s.booted }

// Stop gracefully stops the engine.
func (s *Server) Stop(ctx context.Context) error {
	if !s.engineStarted.Load() {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.engine.Stop(stopCtx); err != nil {
		s.logger.Error("stop gnet engine", zap.Error(err))
		return err
	}
	s.logger.Info("gnet engine stopped")
	return nil
}

// OnBoot is called when the engine is ready to accept connections.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.engineStarted.Store(true)
	close(s.booted)
	s.logger.Info("gnet engine listening", zap.String("addr", s.addr))
	return gnet.None
}

// OnShutdown is called when the engine is shutting down.
func (s *Server) OnShutdown(_ gnet.Engine) {
	s.engineStarted.Store(false)
}

// OnOpen admits a connection or rejects it with a 503 at capacity.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	if s.maxConnections > 0 && atomic.LoadUint32(&s.activeConns) >= s.maxConnections {
		s.logger.Warn("connection rejected: too many connections",
			zap.Stringer("remote", c.RemoteAddr()),
			zap.Uint32("max", s.maxConnections))
		s.recorder.ConnectionRejected("pool_full")
		return []byte(response.Unavailable), gnet.Close
	}
	atomic.AddUint32(&s.activeConns, 1)

	t := &gnetTransport{c: c, limit: s.bufferCap()}
	c.SetContext(conn.New(t, s.connCfg))
	s.recorder.ConnectionOpened(t.Scheme())
	return nil, gnet.None
}

// OnClose releases the connection core.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	cc, ok := c.Context().(*conn.Connection)
	if !ok {
		return gnet.None
	}
	atomic.AddUint32(&s.activeConns, ^uint32(0))
	s.mu.Lock()
	delete(s.stalled, c)
	s.mu.Unlock()
	if err != nil {
		s.logger.Debug("connection closed with error", zap.Int("fd", cc.Fd()), zap.Error(err))
	}
	_ = cc.Close()
	s.recorder.ConnectionClosed(cc.Fault())
	return gnet.None
}

// OnTraffic runs read/generate/write rounds until no progress is possible.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	cc, ok := c.Context().(*conn.Connection)
	if !ok {
		s.logger.Error("connection context not found")
		return gnet.Close
	}

	for turn := 0; turn < maxTurns; turn++ {
		progressed := false
		if cc.CanRead() && c.InboundBuffered() > 0 {
			cc.HandleRead()
			progressed = true
		}
		if cc.Evictable() {
			return gnet.Close
		}
		if cc.CanWrite() {
			before := cc.Response().Written()
			cc.HandleWrite()
			progressed = progressed || cc.Response().Written() != before
		}
		if cc.Evictable() {
			return gnet.Close
		}
		if !progressed {
			break
		}
	}

	if !cc.CanWrite() {
		return gnet.None
	}
	// The response is unfinished. With room in the outbound buffer, ask for
	// another turn right away; otherwise let OnTick retry once gnet has flushed.
	if c.OutboundBuffered() >= s.bufferCap() {
		s.mu.Lock()
		s.stalled[c] = struct{}{}
		s.mu.Unlock()
		return gnet.None
	}
	if err := c.Wake(nil); err != nil {
		s.logger.Warn("wake connection", zap.Error(err))
	}
	return gnet.None
}

// OnTick wakes the connections that stopped on a full outbound buffer.
func (s *Server) OnTick() (time.Duration, gnet.Action) {
	s.mu.Lock()
	stalled := s.stalled
	s.stalled = make(map[gnet.Conn]struct{})
	s.mu.Unlock()

	for c := range stalled {
		if err := c.Wake(nil); err != nil {
			s.logger.Debug("wake stalled connection", zap.Error(err))
		}
	}
	return stallRetry, gnet.None
}

// gnetTransport adapts gnet.Conn to transport.Transport. Reads come from the
// inbound buffer. Writes are taken whole, but once limit bytes are still queued
// for the socket the transport reports ErrWouldBlock so a slow client cannot
// grow gnet's outbound buffer without bound.
type gnetTransport struct {
	c     gnet.Conn
	limit int
}

func (t *gnetTransport) TryRead(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if t.c.InboundBuffered() == 0 {
		return 0, transport.ErrWouldBlock
	}
	n, err := t.c.Read(p)
	if err != nil {
		if n > 0 {
			return n, nil
		}
		if errors.Is(err, io.ErrShortBuffer) {
			return 0, transport.ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

func (t *gnetTransport) TryWrite(p []byte) (int, error) {
	if t.limit > 0 && t.c.OutboundBuffered() >= t.limit {
		if err := t.c.Flush(); err != nil {
			return 0, err
		}
		if t.c.OutboundBuffered() >= t.limit {
			return 0, transport.ErrWouldBlock
		}
	}
	return t.c.Write(p)
}

func (t *gnetTransport) Fd() int        { return t.c.Fd() }
func (t *gnetTransport) Scheme() string { return "http" }

// Close is a no-op; gnet owns the socket.
func (t *gnetTransport) Close() error { return nil }
