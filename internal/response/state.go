package response

import (
	"github.com/FumingPower3925/liso/internal/buffer"
	"github.com/FumingPower3925/liso/internal/resource"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	methodGET  = "GET"
	methodHEAD = "HEAD"
	methodPOST = "POST"
)

// State is the generation state of one response. A fresh State is needed for every
// request/response cycle.
type State struct {
	phase        Phase
	preprocessed bool
	pipelining   bool
	finished     bool
	cursor       buffer.Cursor

	// Captured at preprocessing; the parser is reset once pipelining starts.
	method string
	target string

	status        int
	date          string
	contentType   string
	contentLength string
	lastModified  string
	body          resource.Handle
	size          int64

	written int64
	span    trace.Span
	logger  *zap.Logger
}

// NewState returns a state positioned at the status line.
func NewState(logger *zap.Logger) *State {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &State{phase: PhaseStatusLine, status: StatusOK, logger: logger}
}

// Phase returns the current phase.
func (s *State) Phase() Phase { return s.phase }

// Done reports whether the response has been fully emitted.
func (s *State) Done() bool { return s.phase == PhaseDone }

// Pipelining reports whether the next request may already be parsed.
func (s *State) Pipelining() bool { return s.pipelining }

// Preprocessed reports whether the fixed fields have been resolved.
func (s *State) Preprocessed() bool { return s.preprocessed }

// Status returns the resolved status code.
func (s *State) Status() int { return s.status }

// Method returns the captured request method.
func (s *State) Method() string { return s.method }

// Written returns the number of response bytes placed in write buffers so far.
func (s *State) Written() int64 { return s.written }

// Offset returns the resume offset inside the current segment.
func (s *State) Offset() int64 { return s.cursor.Offset() }

// Close releases the body handle and ends the span of an abandoned response.
func (s *State) Close() error {
	var err error
	if s.body != nil {
		err = s.body.Close()
		s.body = nil
	}
	if s.span != nil && !s.finished {
		s.span.End()
	}
	s.finished = true
	return err
}
