// Package response generates HTTP responses into a fixed-capacity write buffer.
//
// Generation is resumable: every literal and the file body are copied through one
// segmented cursor, and a segment that does not fit leaves the phase unchanged so
// the next invocation continues at the same offset once the buffer has drained.
package response

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/FumingPower3925/liso/internal/buffer"
	"github.com/FumingPower3925/liso/internal/date"
	"github.com/FumingPower3925/liso/internal/metrics"
	"github.com/FumingPower3925/liso/internal/request"
	"github.com/FumingPower3925/liso/internal/resource"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Result is the outcome of one generator invocation.
type Result uint8

const (
	// Idle means the request is not complete and pipelining has not begun.
	Idle Result = iota
	// Blocked means the write buffer filled before the response was complete.
	Blocked
	// Complete means the response has been fully emitted.
	Complete
)

func (r Result) String() string {
	switch r {
	case Idle:
		return "idle"
	case Blocked:
		return "blocked"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// ErrNoTransition reports a phase with no row in the transition table.
var ErrNoTransition = errors.New("response: no transition for phase")

// Config defines the collaborators of a Generator.
type Config struct {
	Resolver resource.Resolver
	// Date returns the current HTTP date (default: date.Current).
	Date     func() (string, error)
	Tracer   trace.Tracer
	Recorder metrics.Recorder
}

// Generator drives States. It holds no per-response data and may be shared by
// every connection of a loop.
type Generator struct {
	resolver resource.Resolver
	date     func() (string, error)
	tracer   trace.Tracer
	recorder metrics.Recorder
}

// NewGenerator creates a generator, filling unset collaborators with defaults.
func NewGenerator(config Config) *Generator {
	if config.Date == nil {
		config.Date = date.Current
	}
	if config.Tracer == nil {
		config.Tracer = otel.Tracer("liso")
	}
	if config.Recorder == nil {
		config.Recorder = metrics.Nop{}
	}
	return &Generator{
		resolver: config.Resolver,
		date:     config.Date,
		tracer:   config.Tracer,
		recorder: config.Recorder,
	}
}

// Run emits as much of the response as fits into out. It returns Idle without side
// effects when req is not Done and s is not pipelining. An error means the body
// source failed mid-stream; the connection cannot be salvaged.
func (g *Generator) Run(s *State, req *request.Request, out *buffer.Fixed) (Result, error) {
	if s.phase == PhaseDone {
		return Complete, nil
	}
	if !req.Done() && !s.pipelining {
		return Idle, nil
	}
	if !s.preprocessed {
		g.preprocess(s, req)
	}

	for {
		switch s.phase {
		case PhaseDone:
			g.finish(s)
			return Complete, nil
		case PhaseBody:
			if !s.pipelining {
				restart(s, req)
			}
			before := out.Len()
			ok, err := s.cursor.CopyFile(out, s.body, s.size)
			s.written += int64(out.Len() - before)
			if err != nil {
				s.fail(err)
				return Blocked, fmt.Errorf("stream %s: %w", s.target, err)
			}
			if !ok {
				return Blocked, nil
			}
			s.logger.Debug("body streamed", zap.Int64("bytes", s.size))
			s.phase = PhaseDone
		default:
			t, ok := s.lookup()
			if !ok {
				err := fmt.Errorf("%w %s (method %s)", ErrNoTransition, s.phase, s.method)
				s.fail(err)
				return Blocked, err
			}
			before := out.Len()
			complete := s.cursor.CopyString(out, t.emit(s))
			s.written += int64(out.Len() - before)
			if !complete {
				return Blocked, nil
			}
			if s.phase == PhaseStatusLine {
				s.logger.Info("response status line", zap.Int("status", s.status), zap.String("target", s.target))
			}
			next := t.next(s)
			if next == PhaseDone && !s.pipelining {
				restart(s, req)
			}
			s.phase = next
		}
	}
}

// restart lets the connection begin parsing the next request while this response
// is still draining. The State itself is not reset.
func restart(s *State, req *request.Request) {
	s.pipelining = true
	req.Reset()
}

// preprocess resolves the fixed fields once per response.
func (g *Generator) preprocess(s *State, req *request.Request) {
	s.preprocessed = true
	s.method = req.Method
	s.target = req.Target
	_, s.span = g.tracer.Start(context.Background(), s.method+" "+s.target,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", s.method),
			attribute.String("http.target", s.target),
		),
	)

	d, err := g.date()
	if err != nil {
		s.logger.Error("format date", zap.Error(err))
		s.status = StatusInternalServerError
		s.date = crlf
		return
	}
	s.date = d + crlf

	if req.Malformed {
		s.logger.Warn("malformed request", zap.String("reason", req.Reason))
		s.status = StatusBadRequest
		return
	}

	switch s.method {
	case methodGET, methodHEAD:
		g.resolve(s, req)
	case methodPOST:
		if !req.HasHeader("Content-Length") {
			s.status = StatusLengthRequired
		}
	default:
		s.status = StatusNotImplemented
	}
}

// resolve fills the entity fields for GET and HEAD; GET also opens the body.
func (g *Generator) resolve(s *State, req *request.Request) {
	if g.resolver == nil {
		s.status = StatusInternalServerError
		return
	}
	meta, err := g.resolver.Lookup(req.Path())
	if err != nil {
		s.status = statusFor(err)
		s.logger.Info("resolve target", zap.String("target", s.target), zap.Error(err))
		return
	}
	lm, err := date.Format(meta.ModTime)
	if err != nil {
		s.logger.Error("format last-modified", zap.String("path", meta.Path), zap.Error(err))
		s.status = StatusInternalServerError
		return
	}
	s.size = meta.Size
	s.contentLength = strconv.FormatInt(meta.Size, 10) + crlf
	s.lastModified = lm + crlf
	s.contentType = g.resolver.ContentType(meta) + crlf
	s.logger.Info("serving file",
		zap.String("path", meta.Path),
		zap.Int64("size", meta.Size),
		zap.String("last_modified", lm),
	)

	if s.method != methodGET {
		return
	}
	h, err := g.resolver.Open(meta)
	if err != nil {
		s.logger.Error("open resource", zap.String("path", meta.Path), zap.Error(err))
		s.status = statusFor(err)
		if s.status == StatusNotFound {
			s.status = StatusInternalServerError
		}
		return
	}
	s.body = h
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, resource.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, resource.ErrForbidden):
		return StatusForbidden
	default:
		return StatusInternalServerError
	}
}

// finish releases the body and records the completed response.
func (g *Generator) finish(s *State) {
	if s.finished {
		return
	}
	if s.body != nil {
		if err := s.body.Close(); err != nil {
			s.logger.Warn("close resource", zap.Error(err))
		}
		s.body = nil
	}
	g.recorder.ResponseDone(s.method, s.status, s.written)
	if s.span != nil {
		s.span.SetAttributes(
			attribute.Int("http.status_code", s.status),
			attribute.Int64("http.response_size", s.written),
		)
		if s.status >= 400 {
			s.span.SetStatus(codes.Error, "HTTP error")
		} else {
			s.span.SetStatus(codes.Ok, "")
		}
		s.span.End()
	}
	s.finished = true
}

// fail marks the span of a response that can no longer complete.
func (s *State) fail(err error) {
	if s.span != nil && !s.finished {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
}
