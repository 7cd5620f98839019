package transport

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArg      = errors.New("invalid argument")
	ErrInvalidSize     = errors.New("invalid size")
	ErrIndefiniteTime  = errors.New("time is not available")
	ErrTimeout         = errors.New("operation timed out")
	ErrNotImplemented  = errors.New("not implemented by transport")
	ErrNotConnected    = errors.New("not connected")
	ErrUnknownOption   = fmt.Errorf("%w: unknown option", ErrInvalidArg)
	ErrOptionType      = errors.New("option value type mismatch")
	ErrBadCredential   = errors.New("bad credential")
	ErrDeviceDisabled  = errors.New("device disabled")
	ErrExpiredSASToken = errors.New("sas token expired")
)

// Result is a numeric client operation result.
type Result int

const (
	ResultOK Result = iota
	ResultInvalidArg
	ResultError
	ResultInvalidSize
	ResultIndefiniteTime
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "IOTHUB_CLIENT_OK"
	case ResultInvalidArg:
		return "IOTHUB_CLIENT_INVALID_ARG"
	case ResultInvalidSize:
		return "IOTHUB_CLIENT_INVALID_SIZE"
	case ResultIndefiniteTime:
		return "IOTHUB_CLIENT_INDEFINITE_TIME"
	default:
		return "IOTHUB_CLIENT_ERROR"
	}
}

// ResultOf maps an error returned by a driver or a client to a Result,
// errors outside of the taxonomy are ResultError.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrInvalidArg):
		return ResultInvalidArg
	case errors.Is(err, ErrInvalidSize):
		return ResultInvalidSize
	case errors.Is(err, ErrIndefiniteTime):
		return ResultIndefiniteTime
	default:
		return ResultError
	}
}

// StatusError is a non-2xx status reported by the hub for a request.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("request failed with %d status code", e.Code)
	}
	return fmt.Sprintf("request failed with %d status code: %s", e.Code, e.Body)
}
