// Package request provides the incremental HTTP/1.x request parser a connection
// feeds from its read buffer.
//
// The parser is byte-fed: during the Line and Header phases it accepts whatever the
// connection hands it (one byte at a time in practice) and never consumes beyond the
// blank line that ends the header block. During the Content phase it consumes at
// most the declared Content-Length.
package request

import (
	"strings"
)

// Phase is the parser's position in the request.
type Phase uint8

const (
	PhaseLine Phase = iota
	PhaseHeader
	PhaseContent
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseLine:
		return "line"
	case PhaseHeader:
		return "header"
	case PhaseContent:
		return "content"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// MaxLineBytes bounds one request or header line including its terminator.
const MaxLineBytes = 8192

// MaxHeaders bounds the number of header fields in one request.
const MaxHeaders = 100

// Request represents a request being parsed or a fully parsed one.
type Request struct {
	Phase   Phase
	Method  string
	Target  string
	Version string
	// Headers holds name/value pairs as received, names unmodified.
	Headers [][2]string
	// ContentLength is -1 when no Content-Length header was seen.
	ContentLength int64
	// ContentRead counts content bytes consumed so far.
	ContentRead int64
	// Malformed is set when parsing stopped on a protocol error; Phase is then Done.
	Malformed bool
	// Reason describes the protocol error for logging.
	Reason string

	line []byte
}

// New returns a request positioned at the start of the request line.
func New() *Request {
	r := &Request{}
	r.Reset()
	return r
}

// Reset clears the request fields for reuse.
func (r *Request) Reset() {
	r.Phase = PhaseLine
	r.Method = ""
	r.Target = ""
	r.Version = ""
	r.Headers = r.Headers[:0]
	r.ContentLength = -1
	r.ContentRead = 0
	r.Malformed = false
	r.Reason = ""
	r.line = r.line[:0]
}

// Done reports whether the request is complete.
func (r *Request) Done() bool { return r.Phase == PhaseDone }

// ContentRemaining returns the content bytes still expected.
func (r *Request) ContentRemaining() int64 {
	if r.ContentLength <= r.ContentRead {
		return 0
	}
	return r.ContentLength - r.ContentRead
}

// Header returns the first value of the named header (ASCII case-insensitive).
func (r *Request) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h[0], name) {
			return h[1], true
		}
	}
	return "", false
}

// HasHeader reports whether the named header is present.
func (r *Request) HasHeader(name string) bool {
	_, ok := r.Header(name)
	return ok
}

// Path returns the target without its query string.
func (r *Request) Path() string {
	if i := strings.IndexByte(r.Target, '?'); i >= 0 {
		return r.Target[:i]
	}
	return r.Target
}

func (r *Request) fail(reason string) {
	r.Malformed = true
	r.Reason = reason
	r.Phase = PhaseDone
	r.line = r.line[:0]
}
