package errs

import (
	"errors"
	"net/http"
)

// Error kinds shared by every layer between the serial port and the HTTP API.
// Callers wrap these with fmt.Errorf("...: %w", ErrX) and test with errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotConnected    = errors.New("device disconnected")
	ErrNotFound        = errors.New("not found")
	ErrTimeout         = errors.New("timeout")
	ErrProtocol        = errors.New("protocol error")
	ErrInternal        = errors.New("internal error")
	ErrIO              = errors.New("i/o error")
)

// HTTPStatus maps an error to the status code the control API responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrIO):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Kind returns a short machine-readable name for the error's kind.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrNotConnected):
		return "aborted"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrIO):
		return "io"
	default:
		return "internal"
	}
}
