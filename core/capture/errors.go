package capture

import (
	"errors"
	"fmt"
)

// ErrorType classifies device failures.
type ErrorType string

const (
	ErrPermissionDenied ErrorType = "PERMISSION_DENIED"
	ErrNoDeviceFound    ErrorType = "NO_DEVICE_FOUND"
	ErrConstraint       ErrorType = "CONSTRAINT_ERROR"
	ErrUnknown          ErrorType = "UNKNOWN_ERROR"
)

// DeviceError reports a missing handle, missing tracks or a device-layer failure.
type DeviceError struct {
	Type    ErrorType
	Message string
	Err     error
}

// NewDeviceError builds a DeviceError; an empty message falls back to a generic one.
func NewDeviceError(typ ErrorType, msg string, err error) *DeviceError {
	if msg == "" {
		msg = "an unexpected error occurred"
	}
	if typ == "" {
		typ = ErrUnknown
	}
	return &DeviceError{Type: typ, Message: msg, Err: err}
}

func (e *DeviceError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DeviceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsDeviceError reports whether err is a DeviceError of type typ (any type when typ is empty).
func IsDeviceError(err error, typ ErrorType) bool {
	var de *DeviceError
	if !errors.As(err, &de) {
		return false
	}
	return typ == "" || de.Type == typ
}
