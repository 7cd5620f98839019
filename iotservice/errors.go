package iotservice

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidArg     = errors.New("invalid argument")
	ErrDeviceExist    = errors.New("device already exists")
	ErrDeviceNotExist = errors.New("device doesn't exist")
	ErrHTTPAPI        = errors.New("http api error")
	ErrInvalidJSON    = errors.New("invalid json")
	ErrCallbackNotSet = errors.New("callback is not set")
	ErrNotOpen        = errors.New("messaging is not open")
	ErrTimeout        = errors.New("operation timed out")
	ErrClosed         = errors.New("client is closed")
)

// HTTPStatusError is a non-2xx response that has no dedicated error.
type HTTPStatusError struct {
	Code int
	Body []byte
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("code = %d, desc = %q", e.Code, e.Body)
}

// statusError maps a failed response to an error.
func statusError(code int, body []byte) error {
	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrDeviceNotExist, body)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrDeviceExist, body)
	default:
		return &HTTPStatusError{Code: code, Body: body}
	}
}

// Result is a numeric service operation result.
type Result int

const (
	ResultOK Result = iota
	ResultInvalidArg
	ResultError
	ResultJSONError
	ResultHTTPAPIError
	ResultHTTPStatusError
	ResultDeviceExist
	ResultDeviceNotExist
	ResultCallbackNotSet
	ResultTimeout
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultInvalidArg:
		return "INVALID_ARG"
	case ResultJSONError:
		return "JSON_ERROR"
	case ResultHTTPAPIError:
		return "HTTPAPI_ERROR"
	case ResultHTTPStatusError:
		return "HTTP_STATUS_ERROR"
	case ResultDeviceExist:
		return "DEVICE_EXIST"
	case ResultDeviceNotExist:
		return "DEVICE_NOT_EXIST"
	case ResultCallbackNotSet:
		return "CALLBACK_NOT_SET"
	case ResultTimeout:
		return "TIMEOUT"
	default:
		return "ERROR"
	}
}

// ResultOf maps an error returned by a service client to a Result.
func ResultOf(err error) Result {
	var serr *HTTPStatusError
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrInvalidArg):
		return ResultInvalidArg
	case errors.Is(err, ErrInvalidJSON):
		return ResultJSONError
	case errors.Is(err, ErrHTTPAPI):
		return ResultHTTPAPIError
	case errors.As(err, &serr):
		return ResultHTTPStatusError
	case errors.Is(err, ErrDeviceExist):
		return ResultDeviceExist
	case errors.Is(err, ErrDeviceNotExist):
		return ResultDeviceNotExist
	case errors.Is(err, ErrCallbackNotSet):
		return ResultCallbackNotSet
	case errors.Is(err, ErrTimeout):
		return ResultTimeout
	default:
		return ResultError
	}
}
