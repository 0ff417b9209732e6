package request

import (
	"bytes"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var (
	sGET    = "GET"
	sHEAD   = "HEAD"
	sPOST   = "POST"
	sHTTP11 = "HTTP/1.1"
	sHTTP10 = "HTTP/1.0"
)

// Feed consumes bytes from b and returns how many were used. It stops at the end of
// the header block, at the end of the declared content, or when b runs out, so bytes
// belonging to a following request are never consumed.
func (r *Request) Feed(b []byte) int {
	consumed := 0
	for consumed < len(b) {
		switch r.Phase {
		case PhaseLine, PhaseHeader:
			nl := bytes.IndexByte(b[consumed:], '\n')
			if nl == -1 {
				r.line = append(r.line, b[consumed:]...)
				consumed = len(b)
				if len(r.line) > MaxLineBytes {
					r.fail("line too long")
				}
				return consumed
			}
			r.line = append(r.line, b[consumed:consumed+nl+1]...)
			consumed += nl + 1
			if len(r.line) > MaxLineBytes {
				r.fail("line too long")
				return consumed
			}
			line := trimEOL(r.line)
			if r.Phase == PhaseLine {
				r.parseRequestLine(line)
			} else {
				r.parseHeaderLine(line)
			}
			r.line = r.line[:0]
		case PhaseContent:
			n := int(min(r.ContentRemaining(), int64(len(b)-consumed)))
			r.ContentRead += int64(n)
			consumed += n
			if r.ContentRemaining() == 0 {
				r.Phase = PhaseDone
			}
		default:
			return consumed
		}
	}
	return consumed
}

// parseRequestLine parses METHOD SP TARGET SP VERSION.
func (r *Request) parseRequestLine(line []byte) {
	// Leading empty lines are tolerated per RFC 9112 section 2.2.
	if len(line) == 0 {
		return
	}
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		r.fail("invalid request line")
		return
	}
	method := internMethod(parts[0])
	if !httpguts.ValidHeaderFieldName(method) {
		r.fail("invalid method token")
		return
	}
	if len(parts[1]) == 0 {
		r.fail("empty request target")
		return
	}
	r.Method = method
	r.Target = string(parts[1])
	switch {
	case bytes.Equal(parts[2], []byte(sHTTP11)):
		r.Version = sHTTP11
	case bytes.Equal(parts[2], []byte(sHTTP10)):
		r.Version = sHTTP10
	default:
		r.fail("unsupported HTTP version: " + string(parts[2]))
		return
	}
	r.Phase = PhaseHeader
}

// parseHeaderLine parses one NAME: VALUE line, or the blank line ending the block.
func (r *Request) parseHeaderLine(line []byte) {
	if len(line) == 0 {
		if r.ContentLength > 0 {
			r.Phase = PhaseContent
		} else {
			r.Phase = PhaseDone
		}
		return
	}
	if len(r.Headers) >= MaxHeaders {
		r.fail("too many headers")
		return
	}
	colonIdx := bytes.IndexByte(line, ':')
	if colonIdx <= 0 {
		r.fail("invalid header line")
		return
	}
	name := string(line[:colonIdx])
	value := string(bytes.TrimSpace(line[colonIdx+1:]))
	if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
		r.fail("invalid header field")
		return
	}
	if strings.EqualFold(name, "Content-Length") {
		cl, ok := parseInt64(value)
		if !ok {
			r.fail("invalid content-length")
			return
		}
		if r.ContentLength >= 0 && r.ContentLength != cl {
			r.fail("conflicting content-length")
			return
		}
		r.ContentLength = cl
	}
	r.Headers = append(r.Headers, [2]string{name, value})
}

func internMethod(b []byte) string {
	switch {
	case bytes.Equal(b, []byte(sGET)):
		return sGET
	case bytes.Equal(b, []byte(sHEAD)):
		return sHEAD
	case bytes.Equal(b, []byte(sPOST)):
		return sPOST
	default:
		return string(b)
	}
}

// trimEOL strips a trailing LF or CRLF.
func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.TrimSuffix(b, []byte("\r"))
}

// parseInt64 parses a base-10 non-negative int64, returning ok=false on error.
func parseInt64(s string) (int64, bool) {
	if len(s) == 0 || len(s) > 18 {
		return 0, false
	}
	var n int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}
