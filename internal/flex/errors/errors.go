package errors

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed        = errors.New("Malformed payload")
	ErrTimeout          = errors.New("Connect timed out")
	ErrRefused          = errors.New("Connection refused")
	ErrProtocolMismatch = errors.New("Protocol mismatch")
	ErrNotConnected     = errors.New("Not connected")
	ErrAlreadyConnected = errors.New("Connection already in progress")
	ErrCancelled        = errors.New("Cancelled")
	ErrRequestRejected  = errors.New("Request rejected")
	ErrBindFailed       = errors.New("Bind failed")
	ErrLoginRequired    = errors.New("Smartlink login required")
	ErrLoginFailed      = errors.New("Smartlink login failed")
	ErrRelayUnavailable = errors.New("Smartlink relay unavailable")
	ErrNoSuchRadio      = errors.New("No such radio")
	ErrTakeoverRejected = errors.New("Takeover rejected")
	ErrBadState         = errors.New("Invalid state for operation")
	ErrNoSuchStream     = errors.New("No such stream")
	ErrNoMode           = errors.New("Neither local nor smartlink discovery is enabled")
)

// Reason is the user facing category of a failed connection attempt.
type Reason string

const (
	ReasonTimeout          Reason = "connection timed out"
	ReasonRefused          Reason = "connection refused"
	ReasonProtocolMismatch Reason = "radio firmware not supported"
	ReasonTakeover         Reason = "radio refused to disconnect the other station"
	ReasonLoginRequired    Reason = "smartlink login required"
	ReasonRelay            Reason = "smartlink connection failed"
	ReasonBusy             Reason = "a connection is already active"
	ReasonUnknown          Reason = "connection failed"
)

// ConnectionError is what a failed connect reports to the user.
type ConnectionError struct {
	Reason Reason
	Serial string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Serial, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Serial, e.Reason, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func NewConnectionError(serial string, err error) *ConnectionError {
	return &ConnectionError{Reason: ParseReason(err), Serial: serial, Err: err}
}

func ParseReason(err error) Reason {
	switch {
	case errors.Is(err, ErrTimeout):
		return ReasonTimeout
	case errors.Is(err, ErrRefused):
		return ReasonRefused
	case errors.Is(err, ErrProtocolMismatch):
		return ReasonProtocolMismatch
	case errors.Is(err, ErrTakeoverRejected):
		return ReasonTakeover
	case errors.Is(err, ErrLoginRequired), errors.Is(err, ErrLoginFailed):
		return ReasonLoginRequired
	case errors.Is(err, ErrRelayUnavailable):
		return ReasonRelay
	case errors.Is(err, ErrAlreadyConnected):
		return ReasonBusy
	default:
		return ReasonUnknown
	}
}

// RejectedError carries the radio's error code for a refused command.
type RejectedError struct {
	Command string
	Code    uint32
	Payload string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %q returned 0x%08X %s", ErrRequestRejected, e.Command, e.Code, e.Payload)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRequestRejected
}
