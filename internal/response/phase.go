package response

// Phase is a position in the response sequence. The numeric values are the wire
// order; PhaseDone is the terminal value.
type Phase int

const (
	PhaseDone               Phase = -1
	PhaseStatusLine         Phase = 0
	PhaseDateLabel          Phase = 1
	PhaseDateValue          Phase = 2
	PhaseServer             Phase = 3
	PhaseErrorBody          Phase = 4
	PhaseConnection         Phase = 5
	PhaseContentTypeLabel   Phase = 6 // POST emits the header terminator here
	PhaseContentTypeValue   Phase = 7
	PhaseContentLengthLabel Phase = 8
	PhaseContentLengthValue Phase = 9
	PhaseLastModifiedLabel  Phase = 10
	PhaseLastModifiedValue  Phase = 11
	PhaseHeaderEnd          Phase = 12
	PhaseBody               Phase = 13
)

func (p Phase) String() string {
	switch p {
	case PhaseDone:
		return "done"
	case PhaseStatusLine:
		return "status-line"
	case PhaseDateLabel:
		return "date-label"
	case PhaseDateValue:
		return "date-value"
	case PhaseServer:
		return "server"
	case PhaseErrorBody:
		return "error-body"
	case PhaseConnection:
		return "connection"
	case PhaseContentTypeLabel:
		return "content-type-label"
	case PhaseContentTypeValue:
		return "content-type-value"
	case PhaseContentLengthLabel:
		return "content-length-label"
	case PhaseContentLengthValue:
		return "content-length-value"
	case PhaseLastModifiedLabel:
		return "last-modified-label"
	case PhaseLastModifiedValue:
		return "last-modified-value"
	case PhaseHeaderEnd:
		return "header-end"
	case PhaseBody:
		return "body"
	default:
		return "unknown"
	}
}

const (
	crlf           = "\r\n"
	labelDate      = "Date: "
	lineServer     = "Server: Liso/1.0\r\n"
	errorBody      = "Content-Length: 6\r\n\r\nFailed"
	lineConnection = "Connection: close\r\n"
	labelType      = "Content-Type: "
	labelLength    = "Content-Length: "
	labelModified  = "Last-Modified: "
)

// transition is one row of the phase table: the literal a phase emits and the phase
// that follows once the literal is fully in the write buffer.
type transition struct {
	emit func(s *State) string
	next func(s *State) Phase
}

func literal(v string) func(*State) string { return func(*State) string { return v } }
func goTo(p Phase) func(*State) Phase      { return func(*State) Phase { return p } }

// headTable covers phases shared by every method. A non-200 status skips from the
// server line straight to the short error body.
var headTable = map[Phase]transition{
	PhaseStatusLine: {emit: func(s *State) string { return statusLine(s.status) }, next: goTo(PhaseDateLabel)},
	PhaseDateLabel:  {emit: literal(labelDate), next: goTo(PhaseDateValue)},
	PhaseDateValue:  {emit: func(s *State) string { return s.date }, next: goTo(PhaseServer)},
	PhaseServer: {emit: literal(lineServer), next: func(s *State) Phase {
		if s.status != StatusOK {
			return PhaseErrorBody
		}
		return PhaseConnection
	}},
	PhaseErrorBody:  {emit: literal(errorBody), next: goTo(PhaseDone)},
	PhaseConnection: {emit: literal(lineConnection), next: goTo(PhaseContentTypeLabel)},
}

// entityTable covers the GET/HEAD header block. HEAD ends with the blank line.
var entityTable = map[Phase]transition{
	PhaseContentTypeLabel:   {emit: literal(labelType), next: goTo(PhaseContentTypeValue)},
	PhaseContentTypeValue:   {emit: func(s *State) string { return s.contentType }, next: goTo(PhaseContentLengthLabel)},
	PhaseContentLengthLabel: {emit: literal(labelLength), next: goTo(PhaseContentLengthValue)},
	PhaseContentLengthValue: {emit: func(s *State) string { return s.contentLength }, next: goTo(PhaseLastModifiedLabel)},
	PhaseLastModifiedLabel:  {emit: literal(labelModified), next: goTo(PhaseLastModifiedValue)},
	PhaseLastModifiedValue:  {emit: func(s *State) string { return s.lastModified }, next: goTo(PhaseHeaderEnd)},
	PhaseHeaderEnd: {emit: literal(crlf), next: func(s *State) Phase {
		if s.method == methodHEAD {
			return PhaseDone
		}
		return PhaseBody
	}},
}

// postTable ends a POST response right after the connection line.
var postTable = map[Phase]transition{
	PhaseContentTypeLabel: {emit: literal(crlf), next: goTo(PhaseDone)},
}

// lookup returns the table row for the current phase and captured method.
func (s *State) lookup() (transition, bool) {
	if s.phase < PhaseContentTypeLabel {
		t, ok := headTable[s.phase]
		return t, ok
	}
	if s.method == methodPOST {
		t, ok := postTable[s.phase]
		return t, ok
	}
	t, ok := entityTable[s.phase]
	return t, ok
}
