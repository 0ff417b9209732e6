// Package conn provides the buffered duplex channel between a transport and the
// request parser / response generator.
package conn

import (
	"errors"

	"github.com/FumingPower3925/liso/internal/buffer"
	"github.com/FumingPower3925/liso/internal/metrics"
	"github.com/FumingPower3925/liso/internal/request"
	"github.com/FumingPower3925/liso/internal/response"
	"github.com/FumingPower3925/liso/internal/transport"
	"go.uber.org/zap"
)

// Lifecycle is the connection's teardown state. It only escalates from Open.
type Lifecycle uint8

const (
	Open Lifecycle = iota
	// Draining closes gracefully once the write buffer is empty.
	Draining
	// Faulted closes immediately.
	Faulted
)

func (l Lifecycle) String() string {
	switch l {
	case Open:
		return "open"
	case Draining:
		return "draining"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Fault reasons recorded when a connection is faulted.
const (
	FaultReadError     = "read_error"
	FaultPeerClosed    = "peer_closed"
	FaultWriteError    = "write_error"
	FaultShortWrite    = "short_write"
	FaultContentLength = "content_length"
	FaultResponse      = "response_error"
)

// DefaultBufferSize is the capacity of each connection buffer.
const DefaultBufferSize = 8192

// Config defines per-connection options shared by the pool.
type Config struct {
	BufferSize int
	// RetryPartialWrites keeps the unsent suffix of a short write for the next cycle
	// instead of faulting the connection.
	RetryPartialWrites bool
	Generator          *response.Generator
	Recorder           metrics.Recorder
	Logger             *zap.Logger
}

// Connection represents one accepted client.
type Connection struct {
	fd        int
	transport transport.Transport
	rbuf      *buffer.Fixed
	wbuf      *buffer.Fixed
	lifecycle Lifecycle
	fault     string

	req  *request.Request
	resp *response.State

	retryPartial bool
	generator    *response.Generator
	recorder     metrics.Recorder
	logger       *zap.Logger
}

// New creates a connection in its initial state: parser at the request line and a
// fresh response.
func New(t transport.Transport, config Config) *Connection {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.Recorder == nil {
		config.Recorder = metrics.Nop{}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Generator == nil {
		config.Generator = response.NewGenerator(response.Config{Recorder: config.Recorder})
	}
	logger := config.Logger.With(zap.Int("fd", t.Fd()), zap.String("scheme", t.Scheme()))
	return &Connection{
		fd:           t.Fd(),
		transport:    t,
		rbuf:         buffer.NewFixed(config.BufferSize),
		wbuf:         buffer.NewFixed(config.BufferSize),
		req:          request.New(),
		resp:         response.NewState(logger),
		retryPartial: config.RetryPartialWrites,
		generator:    config.Generator,
		recorder:     config.Recorder,
		logger:       logger,
	}
}

// Fd returns the connection's descriptor.
func (c *Connection) Fd() int { return c.fd }

// Lifecycle returns the connection's teardown state.
func (c *Connection) Lifecycle() Lifecycle { return c.lifecycle }

// Fault returns the reason the connection was faulted, or "".
func (c *Connection) Fault() string { return c.fault }

// Request returns the parse state of the current request.
func (c *Connection) Request() *request.Request { return c.req }

// Response returns the generation state of the current response.
func (c *Connection) Response() *response.State { return c.resp }

// ReadBuffer returns the read buffer.
func (c *Connection) ReadBuffer() *buffer.Fixed { return c.rbuf }

// WriteBuffer returns the write buffer.
func (c *Connection) WriteBuffer() *buffer.Fixed { return c.wbuf }

// CanRead reports read eligibility: the current request is still being captured
// and the read buffer has room.
func (c *Connection) CanRead() bool {
	return !c.req.Done() && !c.rbuf.Full()
}

// CanWrite reports write eligibility: a request is complete, the response is
// already pipelining, or the transport still holds output.
func (c *Connection) CanWrite() bool {
	return c.req.Done() || c.resp.Pipelining() || c.Unflushed() > 0
}

// Buffered reports received bytes held by the transport that readiness polling
// cannot see.
func (c *Connection) Buffered() int {
	if b, ok := c.transport.(transport.Buffered); ok {
		return b.Buffered()
	}
	return 0
}

// Unflushed reports output the transport accepted but the kernel has not.
func (c *Connection) Unflushed() int {
	if f, ok := c.transport.(transport.Flusher); ok {
		return f.Unflushed()
	}
	return 0
}

// Evictable reports whether the pool should remove the connection.
func (c *Connection) Evictable() bool {
	if c.lifecycle == Faulted {
		return true
	}
	return c.lifecycle == Draining && c.wbuf.Empty() && c.Unflushed() == 0
}

// drain escalates Open to Draining. Faulted is never downgraded.
func (c *Connection) drain() {
	if c.lifecycle == Open {
		c.lifecycle = Draining
	}
}

// faultWith escalates to Faulted and records why.
func (c *Connection) faultWith(reason string) {
	if c.lifecycle == Faulted {
		return
	}
	c.lifecycle = Faulted
	c.fault = reason
}

// AttemptRead performs one non-blocking read into the read buffer. It sizes the
// read by parse phase: one byte at a time while framing the request line and
// headers, up to the outstanding content (bounded by free space) in the body.
func (c *Connection) AttemptRead() {
	if c.rbuf.Full() {
		return
	}

	var size int
	switch c.req.Phase {
	case request.PhaseContent:
		if c.req.ContentLength < c.req.ContentRead {
			c.logger.Error("content-length is wrong",
				zap.Int64("content_length", c.req.ContentLength),
				zap.Int64("content_read", c.req.ContentRead))
			c.faultWith(FaultContentLength)
			return
		}
		size = int(min(c.req.ContentLength-c.req.ContentRead, int64(c.rbuf.Free())))
		if size == 0 {
			return
		}
	case request.PhaseLine, request.PhaseHeader:
		size = 1
	default:
		return
	}

	n, err := c.transport.TryRead(c.rbuf.Tail(size))
	switch {
	case errors.Is(err, transport.ErrInterrupted):
		c.logger.Warn("read interrupted, try again later")
	case errors.Is(err, transport.ErrWouldBlock):
		c.logger.Debug("read would block")
	case err != nil:
		c.logger.Error("read error", zap.Error(err))
		c.faultWith(FaultReadError)
	case n == 0:
		c.logger.Debug("client connection closed")
		c.faultWith(FaultPeerClosed)
	default:
		c.rbuf.Commit(n)
		c.recorder.BytesRead(n)
		c.logger.Debug("read from client", zap.Int("bytes", n))
	}
}

// Parse feeds buffered bytes to the request parser and discards what it consumed.
func (c *Connection) Parse() {
	if c.rbuf.Empty() {
		return
	}
	n := c.req.Feed(c.rbuf.Bytes())
	c.rbuf.Consume(n)
	if c.req.Done() {
		c.logger.Debug("request parsed",
			zap.String("method", c.req.Method),
			zap.String("target", c.req.Target),
			zap.Bool("malformed", c.req.Malformed))
	}
}

// HandleRead reads and parses until the transport has nothing more to give or the
// request is complete.
func (c *Connection) HandleRead() {
	for c.lifecycle != Faulted && c.CanRead() {
		before := c.rbuf.Len()
		c.AttemptRead()
		if c.rbuf.Len() == before {
			return
		}
		c.Parse()
	}
}

// Respond runs the response generator until it is blocked on the write buffer or
// the response is complete.
func (c *Connection) Respond() response.Result {
	if c.lifecycle == Faulted {
		return response.Idle
	}
	res, err := c.generator.Run(c.resp, c.req, c.wbuf)
	if err != nil {
		c.logger.Error("generate response", zap.Error(err))
		c.faultWith(FaultResponse)
	}
	return res
}

// AttemptWrite performs one non-blocking write of all pending output.
func (c *Connection) AttemptWrite() {
	if c.wbuf.Empty() {
		return
	}

	pending := c.wbuf.Len()
	n, err := c.transport.TryWrite(c.wbuf.Bytes())
	switch {
	case errors.Is(err, transport.ErrInterrupted):
		c.logger.Warn("write interrupted, try again later")
		return
	case errors.Is(err, transport.ErrWouldBlock) && n <= 0:
		c.logger.Debug("write would block")
		return
	case err != nil && !errors.Is(err, transport.ErrWouldBlock):
		c.logger.Error("write error", zap.Error(err))
		c.faultWith(FaultWriteError)
		return
	case n != pending:
		if !c.retryPartial {
			c.logger.Warn("can't send whole buffer to client", zap.Int("sent", n), zap.Int("pending", pending))
			c.faultWith(FaultShortWrite)
			return
		}
		c.wbuf.Consume(n)
		c.recorder.BytesWritten(n)
		c.logger.Debug("partial write, retrying remainder", zap.Int("sent", n), zap.Int("pending", pending))
		return
	}

	c.wbuf.Reset()
	c.recorder.BytesWritten(n)
	c.logger.Info("sent to client", zap.Int("bytes", n))
	if c.resp.Done() {
		c.drain()
	}
}

// Flush pushes output held by the transport and reports whether none is left.
func (c *Connection) Flush() bool {
	f, ok := c.transport.(transport.Flusher)
	if !ok || f.Unflushed() == 0 {
		return true
	}
	err := f.Flush()
	switch {
	case err == nil:
		return true
	case transport.IsTransient(err):
		c.logger.Debug("flush would block", zap.Int("pending", f.Unflushed()))
	default:
		c.logger.Error("flush error", zap.Error(err))
		c.faultWith(FaultWriteError)
	}
	return false
}

// HandleWrite generates output and flushes it while the transport takes whole
// buffers, stopping once the response is complete or a write is left pending.
func (c *Connection) HandleWrite() {
	if c.lifecycle == Faulted || !c.Flush() {
		return
	}
	for c.lifecycle == Open && c.CanWrite() {
		res := c.Respond()
		if c.wbuf.Empty() {
			if res == response.Complete {
				c.drain()
			}
			return
		}
		c.AttemptWrite()
		if !c.wbuf.Empty() {
			return
		}
	}
}

// Close releases the response resources and the transport.
func (c *Connection) Close() error {
	if err := c.resp.Close(); err != nil {
		c.logger.Warn("release response", zap.Error(err))
	}
	return c.transport.Close()
}
