package iotdevice

import (
	"fmt"
	"sync/atomic"
)

// ConfirmationResult is the terminal result of an asynchronous send.
type ConfirmationResult int

const (
	ConfirmationOK ConfirmationResult = iota
	ConfirmationBecauseDestroy
	ConfirmationMessageTimeout
	ConfirmationError
)

func (r ConfirmationResult) String() string {
	switch r {
	case ConfirmationOK:
		return "IOTHUB_CLIENT_CONFIRMATION_OK"
	case ConfirmationBecauseDestroy:
		return "IOTHUB_CLIENT_CONFIRMATION_BECAUSE_DESTROY"
	case ConfirmationMessageTimeout:
		return "IOTHUB_CLIENT_CONFIRMATION_MESSAGE_TIMEOUT"
	default:
		return "IOTHUB_CLIENT_CONFIRMATION_ERROR"
	}
}

// ConnectionStatus is reported to the connection status callback.
type ConnectionStatus int

const (
	ConnectionUnauthenticated ConnectionStatus = iota
	ConnectionAuthenticated
)

func (s ConnectionStatus) String() string {
	if s == ConnectionAuthenticated {
		return "IOTHUB_CLIENT_CONNECTION_AUTHENTICATED"
	}
	return "IOTHUB_CLIENT_CONNECTION_UNAUTHENTICATED"
}

// SendStatus tells whether there are sends waiting for confirmation.
type SendStatus int

const (
	SendIdle SendStatus = iota
	SendBusy
)

func (s SendStatus) String() string {
	if s == SendBusy {
		return "IOTHUB_CLIENT_SEND_STATUS_BUSY"
	}
	return "IOTHUB_CLIENT_SEND_STATUS_IDLE"
}

// TwinUpdateState distinguishes full twin documents from desired patches.
type TwinUpdateState int

const (
	TwinComplete TwinUpdateState = iota
	TwinPartial
)

func (s TwinUpdateState) String() string {
	if s == TwinPartial {
		return "DEVICE_TWIN_UPDATE_PARTIAL"
	}
	return "DEVICE_TWIN_UPDATE_COMPLETE"
}

// FileUploadResult is the terminal result of a blob upload.
type FileUploadResult int

const (
	FileUploadOK FileUploadResult = iota
	FileUploadError
)

func (r FileUploadResult) String() string {
	if r == FileUploadOK {
		return "FILE_UPLOAD_OK"
	}
	return "FILE_UPLOAD_ERROR"
}

// SecurityType is the authentication kind of a provisioned identity.
type SecurityType int

const (
	SecurityUnknown SecurityType = iota
	SecuritySAS
	SecurityX509
)

func (t SecurityType) String() string {
	switch t {
	case SecuritySAS:
		return "SAS"
	case SecurityX509:
		return "X509"
	default:
		return "UNKNOWN"
	}
}

// Kind discriminates device and module sessions.
type Kind int

const (
	KindDevice Kind = iota
	KindModule
)

func (k Kind) String() string {
	if k == KindModule {
		return "module"
	}
	return "device"
}

// State is the session lifecycle state.
type State uint32

const (
	StateUnconnected State = iota
	StateConnecting
	StateAuthenticated
	StateUnauthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

type stateManager struct {
	state atomic.Uint32
}

func (sm *stateManager) get() State {
	return State(sm.state.Load())
}

func (sm *stateManager) set(s State) {
	sm.state.Store(uint32(s))
}

// transition moves from one of the given states to the target one.
func (sm *stateManager) transition(to State, from ...State) bool {
	for _, f := range from {
		if sm.state.CompareAndSwap(uint32(f), uint32(to)) {
			return true
		}
	}
	return false
}
