package liso

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/FumingPower3925/liso/internal/conn"
	"github.com/FumingPower3925/liso/internal/date"
	"github.com/FumingPower3925/liso/internal/gnetsrv"
	"github.com/FumingPower3925/liso/internal/logging"
	"github.com/FumingPower3925/liso/internal/metrics"
	"github.com/FumingPower3925/liso/internal/pool"
	"github.com/FumingPower3925/liso/internal/resource"
	"github.com/FumingPower3925/liso/internal/response"
	"github.com/FumingPower3925/liso/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents a server instance.
type Server struct {
	config   Config
	logger   *zap.Logger
	registry *prometheus.Registry
	recorder *metrics.Prometheus

	mu          sync.Mutex
	started     bool
	pool        *pool.Pool
	engine      *gnetsrv.Server
	metrics     *http.Server
	metricsAddr net.Addr
	stopDate    func()
	cancel      context.CancelFunc
	done        chan error
}

// New creates a new Server with the provided configuration.
func New(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		l, err := logging.New(logging.Options{Level: config.LogLevel, File: config.LogFile})
		if err != nil {
			return nil, err
		}
		logger = l
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Server{
		config:   config,
		logger:   logger,
		registry: registry,
		recorder: metrics.NewPrometheus(registry),
	}, nil
}

// Registry returns the registry holding the server collectors.
func (s *Server) Registry() *prometheus.Registry { return s.registry }

// Start binds the listeners and runs the event loop on its own goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("liso: server already started")
	}

	generator := response.NewGenerator(response.Config{
		Resolver: resource.NewDir(s.config.Root, s.config.DefaultDocument),
		Tracer:   s.config.Tracing.tracer(),
		Recorder: s.recorder,
	})
	connCfg := conn.Config{
		BufferSize:         s.config.BufferSize,
		RetryPartialWrites: s.config.RetryPartialWrites,
		Generator:          generator,
		Recorder:           s.recorder,
		Logger:             s.logger,
	}

	s.stopDate = date.StartTicker()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)

	var err error
	if s.config.Engine == EngineGnet {
		err = s.startGnet(connCfg)
	} else {
		err = s.startSelect(ctx, connCfg)
	}
	if err != nil {
		cancel()
		s.stopDate()
		return err
	}

	if s.config.MetricsAddr != "" {
		if err := s.startMetrics(); err != nil {
			cancel()
			if s.engine != nil {
				_ = s.engine.Stop(context.Background())
			}
			<-s.done
			s.stopDate()
			return err
		}
	}
	s.started = true
	return nil
}

func (s *Server) startSelect(ctx context.Context, connCfg conn.Config) error {
	var listeners []*pool.Listener
	closeAll := func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}

	if s.config.HTTPAddr != "" {
		l, err := pool.Listen(s.config.HTTPAddr, transport.PlainAcceptor{})
		if err != nil {
			return fmt.Errorf("listen http: %w", err)
		}
		listeners = append(listeners, l)
		s.logger.Info("listening", zap.String("scheme", "http"), zap.Stringer("addr", l.Addr()))
	}
	if s.config.HTTPSAddr != "" {
		tlsCfg, err := s.config.tlsConfig()
		if err != nil {
			closeAll()
			return err
		}
		l, err := pool.Listen(s.config.HTTPSAddr, &transport.TLSAcceptor{
			Config:           tlsCfg,
			HandshakeTimeout: s.config.HandshakeTimeout,
		})
		if err != nil {
			closeAll()
			return fmt.Errorf("listen https: %w", err)
		}
		listeners = append(listeners, l)
		s.logger.Info("listening", zap.String("scheme", "https"), zap.Stringer("addr", l.Addr()))
	}

	s.pool = pool.New(pool.Config{
		Capacity: s.config.MaxConnections,
		Conn:     connCfg,
		Recorder: s.recorder,
		Logger:   s.logger,
	}, listeners...)

	p := s.pool
	go func() {
		err := p.Serve(ctx, s.config.PollInterval)
		if cerr := p.Close(); cerr != nil {
			s.logger.Warn("close pool", zap.Error(cerr))
		}
		s.done <- err
	}()
	return nil
}

func (s *Server) startGnet(connCfg conn.Config) error {
	s.engine = gnetsrv.NewServer(gnetsrv.Config{
		Addr:           s.config.HTTPAddr,
		MaxConnections: uint32(s.config.MaxConnections),
		Conn:           connCfg,
		Recorder:       s.recorder,
		Logger:         s.logger,
	})

	engine := s.engine
	go func() {
		s.done <- engine.Run()
	}()

	select {
	case <-engine.Booted():
		return nil
	case err := <-s.done:
		if err == nil {
			err = errors.New("gnet engine exited before boot")
		}
		return fmt.Errorf("start gnet engine: %w", err)
	case <-time.After(5 * time.Second):
		return errors.New("liso: timed out waiting for gnet engine")
	}
}

func (s *Server) startMetrics() error {
	ln, err := net.Listen("tcp", s.config.MetricsAddr)
	if err != nil {
		return fmt.Errorf("listen metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	srv := s.metrics
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server", zap.Error(err))
		}
	}()
	s.metricsAddr = ln.Addr()
	s.logger.Info("serving metrics", zap.Stringer("addr", ln.Addr()))
	return nil
}

// MetricsAddr returns the bound address of the metrics endpoint, or nil when it
// is disabled or the server is not running.
func (s *Server) MetricsAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metricsAddr
}

// Addrs returns the bound listener addresses of the select engine in the order
// http, https. It is empty before Start.
func (s *Server) Addrs() []*net.TCPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil
	}
	var addrs []*net.TCPAddr
	for _, l := range s.pool.Listeners() {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Serve starts the server and blocks until ctx is done, then stops it.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case err := <-s.done:
		// The loop died on its own; put the result back for Stop.
		s.done <- err
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}

// Stop ends the event loop, closes every connection and listener, and shuts down
// the metrics endpoint.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	var errs []error
	s.cancel()
	if s.engine != nil {
		if err := s.engine.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	select {
	case err := <-s.done:
		if err != nil {
			errs = append(errs, err)
		}
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	if s.metrics != nil {
		if err := s.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.metrics, s.metricsAddr = nil, nil
	}
	s.stopDate()
	s.logger.Info("server stopped")
	_ = s.logger.Sync()
	return errors.Join(errs...)
}
