package media

import (
	"errors"
	"fmt"

	"github.com/dkeye/Huddle/internal/domain"
)

type Cause int

const (
	CauseUnknown Cause = iota
	CausePermissionDenied
	CauseDeviceNotFound
	CauseDeviceBusy
	CauseConstraintsUnsatisfiable
)

func (c Cause) String() string {
	switch c {
	case CausePermissionDenied:
		return "permission_denied"
	case CauseDeviceNotFound:
		return "device_not_found"
	case CauseDeviceBusy:
		return "device_busy"
	case CauseConstraintsUnsatisfiable:
		return "constraints_unsatisfiable"
	}
	return "unknown"
}

// UserMessage is the text shown to the user for this cause.
func (c Cause) UserMessage() string {
	switch c {
	case CausePermissionDenied:
		return "Access to camera or microphone was denied. Allow access and try again."
	case CauseDeviceNotFound:
		return "No camera or microphone was found. Connect a device and try again."
	case CauseDeviceBusy:
		return "Your camera or microphone is in use by another application."
	case CauseConstraintsUnsatisfiable:
		return "Your devices do not support the requested media settings."
	}
	return "Could not start camera or microphone."
}

type AcquisitionError struct {
	Cause Cause
	Err   error
}

func (e *AcquisitionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media acquisition failed: %s", e.Cause)
	}
	return fmt.Sprintf("media acquisition failed: %s: %v", e.Cause, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// AcquisitionFailure wraps err as a MediaAcquisitionFailure domain error.
func AcquisitionFailure(op string, cause Cause, err error) error {
	return domain.NewError(domain.KindMediaAcquisitionFailure, op, &AcquisitionError{Cause: cause, Err: err})
}

// CauseOf extracts the acquisition cause from err's chain.
func CauseOf(err error) (Cause, bool) {
	var ae *AcquisitionError
	if errors.As(err, &ae) {
		return ae.Cause, true
	}
	return CauseUnknown, false
}

// UserMessage maps any acquisition error to its user-facing text.
func UserMessage(err error) string {
	cause, _ := CauseOf(err)
	return cause.UserMessage()
}
