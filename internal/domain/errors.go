package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindInvalidInput            ErrorKind = "invalid_input"
	KindNotFound                ErrorKind = "not_found"
	KindTimeout                 ErrorKind = "timeout"
	KindNegotiationFailure      ErrorKind = "negotiation_failure"
	KindTransportFailure        ErrorKind = "transport_failure"
	KindMediaAcquisitionFailure ErrorKind = "media_acquisition_failure"
	KindInternal                ErrorKind = "internal"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrTargetNotMember  = errors.New("target is not a member of the room")
	ErrNotMember        = errors.New("sender is not a member of the room")
	ErrTargetMissing    = errors.New("target member id missing")
	ErrPayloadMissing   = errors.New("payload missing")
	ErrMessageEmpty     = errors.New("message text empty")
	ErrMessageTooLong   = errors.New("message text too long")
	ErrRateLimited      = errors.New("too many join attempts")
	ErrUnknownType      = errors.New("unknown message type")
	ErrJoinTimeout      = errors.New("timed out waiting for join acknowledgement")
	ErrNoPeerConnection = errors.New("no peer connection")
)

// Error carries a kind from the failure taxonomy together with the operation
// that produced it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func InvalidInput(op string, err error) *Error { return NewError(KindInvalidInput, op, err) }

func NotFound(op string, err error) *Error { return NewError(KindNotFound, op, err) }

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
