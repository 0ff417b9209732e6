package response

// Status codes the generator can resolve.
const (
	StatusOK                  = 200
	StatusBadRequest          = 400
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusLengthRequired      = 411
	StatusInternalServerError = 500
	StatusNotImplemented      = 501
	StatusServiceUnavailable  = 503
)

// statusLine returns the full status line for code; unknown codes render as 500.
func statusLine(code int) string {
	switch code {
	case StatusOK:
		return "HTTP/1.1 200 OK\r\n"
	case StatusBadRequest:
		return "HTTP/1.1 400 BAD REQUEST\r\n"
	case StatusForbidden:
		return "HTTP/1.1 403 FORBIDDEN\r\n"
	case StatusNotFound:
		return "HTTP/1.1 404 NOT FOUND\r\n"
	case StatusLengthRequired:
		return "HTTP/1.1 411 LENGTH REQUIRED\r\n"
	case StatusNotImplemented:
		return "HTTP/1.1 501 NOT IMPLEMENTED\r\n"
	case StatusServiceUnavailable:
		return "HTTP/1.1 503 SERVICE UNAVAILABLE\r\n"
	default:
		return "HTTP/1.1 500 INTERNAL SERVER ERROR\r\n"
	}
}

// Unavailable is the complete response sent to a connection refused at capacity.
const Unavailable = "HTTP/1.1 503 SERVICE UNAVAILABLE\r\n" +
	lineServer +
	lineConnection +
	errorBody
