package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound indicates that no job with the given id is in the store.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition indicates an edge that the job state machine does not allow.
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrStateMismatch indicates a compare-and-set lost against a concurrent transition.
	ErrStateMismatch = errors.New("job state changed concurrently")
	// ErrQueueClosed is returned by the dispatch queue once shutdown has begun.
	ErrQueueClosed = errors.New("dispatch queue closed")
	// ErrDeviceUnavailable indicates that no device session is open.
	ErrDeviceUnavailable = errors.New("device session unavailable")
	// ErrValidation wraps every rejected submission. Such requests never become jobs.
	ErrValidation = errors.New("validation failed")
)

// ErrorKind classifies failures for callers and metrics.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation_error"
	KindDeviceUnavailable ErrorKind = "device_unavailable"
	KindDeviceTimeout     ErrorKind = "device_timeout"
	KindDeviceError       ErrorKind = "device_error"
	KindPermission        ErrorKind = "permission_error"
	KindInternal          ErrorKind = "internal_error"
)

// Public error codes, as exposed on the status API.
const (
	CodeModemNotAvailable = "MODEM_NOT_AVAILABLE"
	CodeModemTimeout      = "MODEM_TIMEOUT"
	CodeModemDeviceError  = "MODEM_DEVICE_ERROR"
	CodeModemPermission   = "MODEM_PERMISSION_ERROR"
	CodeSendFailed        = "SEND_FAILED"
)

// Code maps the kind to its public error code.
func (k ErrorKind) Code() string {
	switch k {
	case KindDeviceUnavailable:
		return CodeModemNotAvailable
	case KindDeviceTimeout:
		return CodeModemTimeout
	case KindDeviceError:
		return CodeModemDeviceError
	case KindPermission:
		return CodeModemPermission
	default:
		return CodeSendFailed
	}
}

// Retryable reports whether a reconnect-and-retry cycle may help.
func (k ErrorKind) Retryable() bool {
	return k == KindDeviceError || k == KindDeviceTimeout
}

// DeviceError is returned by device drivers for every failed primitive.
type DeviceError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// NewDeviceError wraps err for the given operation.
func NewDeviceError(kind ErrorKind, op string, err error) *DeviceError {
	return &DeviceError{Kind: kind, Op: op, Err: err}
}

// KindOf classifies any error returned from the device layer.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var devErr *DeviceError
	if errors.As(err, &devErr) {
		return devErr.Kind
	}
	switch {
	case errors.Is(err, ErrDeviceUnavailable):
		return KindDeviceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return KindDeviceTimeout
	}
	return KindDeviceError
}

// NewJobError builds the error record stored on a failed job.
func NewJobError(kind ErrorKind, err error) *JobError {
	msg := string(kind)
	if err != nil {
		msg = err.Error()
	}
	return &JobError{Kind: kind, Code: kind.Code(), Message: msg}
}
