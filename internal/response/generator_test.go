package response

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/FumingPower3925/liso/internal/buffer"
	"github.com/FumingPower3925/liso/internal/request"
	"github.com/FumingPower3925/liso/internal/resource"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

const testDate = "Thu, 01 Jan 1970 00:00:00 GMT"

type memFile struct {
	data    string
	modTime time.Time
}

type memHandle struct {
	*strings.Reader
	closed *int
}

func (h memHandle) Close() error {
	*h.closed++
	return nil
}

type brokenHandle struct{}

func (brokenHandle) ReadAt([]byte, int64) (int, error) { return 0, io.ErrUnexpectedEOF }
func (brokenHandle) Close() error                      { return nil }

// memResolver serves files from memory.
type memResolver struct {
	files     map[string]memFile
	lookupErr error
	openErr   error
	broken    bool
	closed    int
}

func (m *memResolver) Lookup(target string) (resource.Meta, error) {
	if m.lookupErr != nil {
		return resource.Meta{}, m.lookupErr
	}
	f, ok := m.files[target]
	if !ok {
		return resource.Meta{}, resource.ErrNotFound
	}
	return resource.Meta{Path: target, Size: int64(len(f.data)), ModTime: f.modTime}, nil
}

func (m *memResolver) Open(meta resource.Meta) (resource.Handle, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	if m.broken {
		return brokenHandle{}, nil
	}
	return memHandle{Reader: strings.NewReader(m.files[meta.Path].data), closed: &m.closed}, nil
}

func (m *memResolver) ContentType(resource.Meta) string { return "text/html" }

type recordedResponse struct {
	method string
	status int
	size   int64
}

type responseRecorder struct {
	done []recordedResponse
}

func (r *responseRecorder) ConnectionOpened(string)   {}
func (r *responseRecorder) ConnectionRejected(string) {}
func (r *responseRecorder) ConnectionClosed(string)   {}
func (r *responseRecorder) BytesRead(int)             {}
func (r *responseRecorder) BytesWritten(int)          {}
func (r *responseRecorder) PollCycle(int)             {}
func (r *responseRecorder) ResponseDone(method string, status int, size int64) {
	r.done = append(r.done, recordedResponse{method, status, size})
}

var body100 = strings.Repeat("0123456789", 10)

func newResolver() *memResolver {
	return &memResolver{files: map[string]memFile{
		"/index.html": {data: body100, modTime: time.Unix(0, 0)},
		"/empty.txt":  {data: "", modTime: time.Unix(0, 0)},
	}}
}

func newGenerator(r resource.Resolver) *Generator {
	return NewGenerator(Config{
		Resolver: r,
		Date:     func() (string, error) { return testDate, nil },
	})
}

func parsed(t *testing.T, raw string) *request.Request {
	t.Helper()
	req := request.New()
	req.Feed([]byte(raw))
	if !req.Done() {
		t.Fatalf("request %q did not complete", raw)
	}
	return req
}

// generate runs g until the response completes, draining a buffer of the given
// capacity after every invocation.
func generate(t *testing.T, g *Generator, s *State, req *request.Request, capacity int) string {
	t.Helper()
	out := buffer.NewFixed(capacity)
	var sb strings.Builder
	for i := 0; i < 1_000_000; i++ {
		res, err := g.Run(s, req, out)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		sb.Write(out.Bytes())
		out.Reset()
		switch res {
		case Complete:
			return sb.String()
		case Idle:
			t.Fatal("Run() returned Idle for a complete request")
		}
	}
	t.Fatal("response did not complete")
	return ""
}

func okHeader(length string) string {
	return "HTTP/1.1 200 OK\r\n" +
		"Date: " + testDate + "\r\n" +
		"Server: Liso/1.0\r\n" +
		"Connection: close\r\n" +
		"Content-Type: text/html\r\n" +
		"Content-Length: " + length + "\r\n" +
		"Last-Modified: " + testDate + "\r\n" +
		"\r\n"
}

func errorResponse(statusLine, date string) string {
	return statusLine +
		"Date: " + date + "\r\n" +
		"Server: Liso/1.0\r\n" +
		"Content-Length: 6\r\n\r\nFailed"
}

func TestRun_Scenarios(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   string
		status int
	}{
		{"GET file", "GET /index.html HTTP/1.1\r\n\r\n", okHeader("100") + body100, StatusOK},
		{"GET empty file", "GET /empty.txt HTTP/1.1\r\n\r\n", okHeader("0"), StatusOK},
		{"GET query ignored", "GET /index.html?v=1 HTTP/1.1\r\n\r\n", okHeader("100") + body100, StatusOK},
		{"HEAD file", "HEAD /index.html HTTP/1.1\r\n\r\n", okHeader("100"), StatusOK},
		{"GET missing", "GET /missing HTTP/1.1\r\n\r\n", errorResponse("HTTP/1.1 404 NOT FOUND\r\n", testDate), StatusNotFound},
		{"HEAD missing", "HEAD /missing HTTP/1.0\r\n\r\n", errorResponse("HTTP/1.1 404 NOT FOUND\r\n", testDate), StatusNotFound},
		{
			"POST with length",
			"POST /form HTTP/1.1\r\nContent-Length: 3\r\n\r\nabc",
			"HTTP/1.1 200 OK\r\nDate: " + testDate + "\r\nServer: Liso/1.0\r\nConnection: close\r\n\r\n",
			StatusOK,
		},
		{"POST without length", "POST /form HTTP/1.1\r\n\r\n", errorResponse("HTTP/1.1 411 LENGTH REQUIRED\r\n", testDate), StatusLengthRequired},
		{"unsupported method", "DELETE /index.html HTTP/1.1\r\n\r\n", errorResponse("HTTP/1.1 501 NOT IMPLEMENTED\r\n", testDate), StatusNotImplemented},
		{"malformed", "GET / HTTP/9.9\r\n\r\n", errorResponse("HTTP/1.1 400 BAD REQUEST\r\n", testDate), StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &responseRecorder{}
			g := NewGenerator(Config{
				Resolver: newResolver(),
				Date:     func() (string, error) { return testDate, nil },
				Recorder: rec,
			})
			s := NewState(zaptest.NewLogger(t))
			got := generate(t, g, s, parsed(t, tt.raw), 1<<16)

			if got != tt.want {
				t.Errorf("Expected response\n%q\ngot\n%q", tt.want, got)
			}
			if s.Status() != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, s.Status())
			}
			if !s.Done() {
				t.Error("Expected state done")
			}
			if s.Written() != int64(len(tt.want)) {
				t.Errorf("Expected %d bytes written, got %d", len(tt.want), s.Written())
			}
			if len(rec.done) != 1 || rec.done[0].status != tt.status {
				t.Errorf("Expected one recorded response with status %d, got %+v", tt.status, rec.done)
			}
		})
	}
}

func TestRun_ResumesAcrossCapacities(t *testing.T) {
	requests := []string{
		"GET /index.html HTTP/1.1\r\n\r\n",
		"HEAD /index.html HTTP/1.1\r\n\r\n",
		"GET /missing HTTP/1.1\r\n\r\n",
		"POST / HTTP/1.1\r\nContent-Length: 0\r\n\r\n",
	}

	for _, raw := range requests {
		g := newGenerator(newResolver())
		want := generate(t, g, NewState(nil), parsed(t, raw), 1<<16)

		for capacity := 1; capacity <= 48; capacity++ {
			got := generate(t, g, NewState(nil), parsed(t, raw), capacity)
			if got != want {
				t.Errorf("%q capacity %d: resumed output differs\nwant %q\ngot  %q", raw, capacity, want, got)
			}
		}
	}
}

func TestRun_BlockedKeepsPhase(t *testing.T) {
	g := newGenerator(newResolver())
	s := NewState(nil)
	req := parsed(t, "GET /index.html HTTP/1.1\r\n\r\n")
	out := buffer.NewFixed(10)

	res, err := g.Run(s, req, out)
	if err != nil {
		t.Fatal(err)
	}
	if res != Blocked {
		t.Fatalf("Expected Blocked, got %s", res)
	}
	if s.Phase() != PhaseStatusLine {
		t.Errorf("Expected status line still pending, got %s", s.Phase())
	}
	if s.Offset() != 10 {
		t.Errorf("Expected offset 10, got %d", s.Offset())
	}

	// A full buffer makes no progress.
	res, _ = g.Run(s, req, out)
	if res != Blocked || s.Offset() != 10 || out.Len() != 10 {
		t.Errorf("Expected no progress on full buffer, got %s offset %d len %d", res, s.Offset(), out.Len())
	}
}

func TestRun_Idle(t *testing.T) {
	g := newGenerator(newResolver())
	s := NewState(nil)
	req := request.New()
	req.Feed([]byte("GET /index.html HTTP/1.1\r\n"))
	out := buffer.NewFixed(64)

	res, err := g.Run(s, req, out)
	if err != nil {
		t.Fatal(err)
	}
	if res != Idle {
		t.Errorf("Expected Idle, got %s", res)
	}
	if s.Preprocessed() || !out.Empty() {
		t.Error("Expected no side effects while the request is incomplete")
	}
}

func TestRun_CompleteIsStable(t *testing.T) {
	g := newGenerator(newResolver())
	s := NewState(nil)
	generate(t, g, s, parsed(t, "HEAD / HTTP/1.1\r\n\r\n"), 256)

	out := buffer.NewFixed(64)
	res, err := g.Run(s, request.New(), out)
	if err != nil || res != Complete {
		t.Errorf("Expected Complete, got %s (%v)", res, err)
	}
	if !out.Empty() {
		t.Errorf("Expected no output after completion, got %q", out.Bytes())
	}
}

func TestRun_PipeliningRestart(t *testing.T) {
	g := newGenerator(newResolver())
	s := NewState(nil)
	req := parsed(t, "GET /index.html HTTP/1.1\r\n\r\n")
	out := buffer.NewFixed(16)
	var sb strings.Builder

	fed := false
	for i := 0; i < 10000 && !s.Done(); i++ {
		if _, err := g.Run(s, req, out); err != nil {
			t.Fatal(err)
		}
		sb.Write(out.Bytes())
		out.Reset()
		if s.Pipelining() && !fed {
			if s.Phase() != PhaseBody {
				t.Errorf("Expected pipelining to start in the body phase, got %s", s.Phase())
			}
			if req.Phase != request.PhaseLine {
				t.Errorf("Expected parser reset, got %s", req.Phase)
			}
			// The next request arrives while the body is still streaming.
			req.Feed([]byte("HEAD /other HTTP/1.1\r\n\r\n"))
			fed = true
		}
	}

	if !fed {
		t.Fatal("Expected pipelining to start")
	}
	if got, want := sb.String(), okHeader("100")+body100; got != want {
		t.Errorf("Expected GET response to continue after reset\nwant %q\ngot  %q", want, got)
	}
	if s.Method() != "GET" {
		t.Errorf("Expected captured method GET, got %s", s.Method())
	}
	if !req.Done() || req.Method != "HEAD" {
		t.Errorf("Expected next request parsed, got %s %s", req.Phase, req.Method)
	}
}

func TestRun_PipeliningAtEnd(t *testing.T) {
	g := newGenerator(newResolver())
	for _, raw := range []string{"HEAD /index.html HTTP/1.1\r\n\r\n", "GET /missing HTTP/1.1\r\n\r\n"} {
		s := NewState(nil)
		req := parsed(t, raw)
		generate(t, g, s, req, 512)
		if !s.Pipelining() {
			t.Errorf("%q: expected pipelining after completion", raw)
		}
		if req.Phase != request.PhaseLine {
			t.Errorf("%q: expected parser reset, got %s", raw, req.Phase)
		}
	}
}

func TestRun_FailureStatuses(t *testing.T) {
	tests := []struct {
		name       string
		resolver   resource.Resolver
		date       func() (string, error)
		statusLine string
		dateValue  string
		status     int
	}{
		{
			name:       "forbidden",
			resolver:   &memResolver{lookupErr: resource.ErrForbidden},
			statusLine: "HTTP/1.1 403 FORBIDDEN\r\n",
			dateValue:  testDate,
			status:     StatusForbidden,
		},
		{
			name:       "lookup failure",
			resolver:   &memResolver{lookupErr: errors.New("disk on fire")},
			statusLine: "HTTP/1.1 500 INTERNAL SERVER ERROR\r\n",
			dateValue:  testDate,
			status:     StatusInternalServerError,
		},
		{
			name:       "open vanished",
			resolver:   &memResolver{files: newResolver().files, openErr: resource.ErrNotFound},
			statusLine: "HTTP/1.1 500 INTERNAL SERVER ERROR\r\n",
			dateValue:  testDate,
			status:     StatusInternalServerError,
		},
		{
			name:       "no resolver",
			resolver:   nil,
			statusLine: "HTTP/1.1 500 INTERNAL SERVER ERROR\r\n",
			dateValue:  testDate,
			status:     StatusInternalServerError,
		},
		{
			name: "modification time out of range",
			resolver: &memResolver{files: map[string]memFile{
				"/index.html": {data: "x", modTime: time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)},
			}},
			statusLine: "HTTP/1.1 500 INTERNAL SERVER ERROR\r\n",
			dateValue:  testDate,
			status:     StatusInternalServerError,
		},
		{
			name:       "date unavailable",
			resolver:   newResolver(),
			date:       func() (string, error) { return "", errors.New("year out of range") },
			statusLine: "HTTP/1.1 500 INTERNAL SERVER ERROR\r\n",
			dateValue:  "",
			status:     StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			date := tt.date
			if date == nil {
				date = func() (string, error) { return testDate, nil }
			}
			g := NewGenerator(Config{Resolver: tt.resolver, Date: date})
			s := NewState(nil)
			got := generate(t, g, s, parsed(t, "GET /index.html HTTP/1.1\r\n\r\n"), 32)

			if want := errorResponse(tt.statusLine, tt.dateValue); got != want {
				t.Errorf("Expected\n%q\ngot\n%q", want, got)
			}
			if s.Status() != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, s.Status())
			}
		})
	}
}

func TestRun_BodyReadError(t *testing.T) {
	r := newResolver()
	r.broken = true
	g := newGenerator(r)
	s := NewState(nil)
	req := parsed(t, "GET /index.html HTTP/1.1\r\n\r\n")
	out := buffer.NewFixed(4096)

	_, err := g.Run(s, req, out)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("Expected body read error, got %v", err)
	}
	if s.Done() {
		t.Error("Expected response to stay incomplete")
	}
	if got := string(out.Bytes()); got != okHeader("100") {
		t.Errorf("Expected only the header block, got %q", got)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestRun_ReleasesBody(t *testing.T) {
	r := newResolver()
	g := newGenerator(r)
	s := NewState(nil)
	generate(t, g, s, parsed(t, "GET /index.html HTTP/1.1\r\n\r\n"), 64)

	if r.closed != 1 {
		t.Errorf("Expected body closed once, got %d", r.closed)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if r.closed != 1 {
		t.Errorf("Expected Close after completion not to close again, got %d", r.closed)
	}
}

func TestRun_CloseAbandoned(t *testing.T) {
	r := newResolver()
	g := newGenerator(r)
	s := NewState(nil)
	out := buffer.NewFixed(200)
	if _, err := g.Run(s, parsed(t, "GET /index.html HTTP/1.1\r\n\r\n"), out); err != nil {
		t.Fatal(err)
	}
	if s.Done() {
		t.Fatal("Expected response to be blocked mid-body")
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if r.closed != 1 {
		t.Errorf("Expected abandoned body to be closed, got %d", r.closed)
	}
}

func TestRun_Span(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	g := NewGenerator(Config{
		Resolver: newResolver(),
		Date:     func() (string, error) { return testDate, nil },
		Tracer:   tp.Tracer("test"),
	})

	generate(t, g, NewState(nil), parsed(t, "GET /index.html HTTP/1.1\r\n\r\n"), 64)
	generate(t, g, NewState(nil), parsed(t, "GET /missing HTTP/1.1\r\n\r\n"), 64)

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("Expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "GET /index.html" {
		t.Errorf("Expected span name GET /index.html, got %s", spans[0].Name())
	}

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if got := attrs["http.status_code"].AsInt64(); got != 200 {
		t.Errorf("Expected status attribute 200, got %d", got)
	}
	if got := attrs["http.response_size"].AsInt64(); got != int64(len(okHeader("100"))+100) {
		t.Errorf("Expected response size attribute, got %d", got)
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("Expected ok span status, got %v", spans[0].Status().Code)
	}
	if spans[1].Status().Code != codes.Error {
		t.Errorf("Expected error span status for 404, got %v", spans[1].Status().Code)
	}
}

func TestStatusLine(t *testing.T) {
	tests := map[int]string{
		StatusOK:                  "HTTP/1.1 200 OK\r\n",
		StatusNotFound:            "HTTP/1.1 404 NOT FOUND\r\n",
		StatusServiceUnavailable:  "HTTP/1.1 503 SERVICE UNAVAILABLE\r\n",
		StatusInternalServerError: "HTTP/1.1 500 INTERNAL SERVER ERROR\r\n",
		418:                       "HTTP/1.1 500 INTERNAL SERVER ERROR\r\n",
	}
	for code, want := range tests {
		if got := statusLine(code); got != want {
			t.Errorf("statusLine(%d): expected %q, got %q", code, want, got)
		}
	}
	if !strings.HasSuffix(Unavailable, "\r\n\r\nFailed") {
		t.Errorf("Expected Unavailable to end with the error body, got %q", Unavailable)
	}
}

func TestLookup_TableCoverage(t *testing.T) {
	for _, method := range []string{methodGET, methodHEAD, methodPOST} {
		s := &State{method: method}
		for p := PhaseStatusLine; p <= PhaseConnection; p++ {
			s.phase = p
			if _, ok := s.lookup(); !ok {
				t.Errorf("%s: missing transition for %s", method, p)
			}
		}
	}

	s := &State{method: methodPOST, phase: PhaseContentLengthLabel}
	if _, ok := s.lookup(); ok {
		t.Error("Expected POST to have no entity header phases")
	}
	s = &State{method: methodGET, phase: PhaseBody}
	if _, ok := s.lookup(); ok {
		t.Error("Expected the body phase to be handled outside the table")
	}
}
