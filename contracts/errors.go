package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadySettled is matched by SettleError
	ErrAlreadySettled = errors.New("contracts: message already settled")
	// ErrFrozen is returned when the context repository is written after start
	ErrFrozen = errors.New("contracts: context repository is frozen")
	// ErrNoHandlers is reported when a delivery arrives for an unknown key
	ErrNoHandlers = errors.New("contracts: no handlers registered")
)

// SettleError is returned when an envelope is settled twice
type SettleError struct {
	Attempted Outcome
	Previous  Outcome
}

func (e *SettleError) Error() string {
	return fmt.Sprintf("cannot %s: message already settled with %s", e.Attempted, e.Previous)
}

func (e *SettleError) Is(target error) bool {
	return target == ErrAlreadySettled
}

// DecodeError reports a body that does not match its content type
type DecodeError struct {
	ContentType string
	Err         error
}

func (e *DecodeError) Error() string {
	if e.ContentType == "" {
		return fmt.Sprintf("decode error: %v", e.Err)
	}
	return fmt.Sprintf("decode error (%s): %v", e.ContentType, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// CastReason classifies a CastError
type CastReason string

const (
	ReasonIncompatible CastReason = "incompatible"
	ReasonMissingField CastReason = "missing_field"
	ReasonUnknownField CastReason = "unknown_field"
)

// CastError reports a value that cannot be converted to a declared type
type CastError struct {
	Reason CastReason
	// Field is the parameter or record field being resolved, if any
	Field  string
	Target string
	Value  any
}

func (e *CastError) Error() string {
	switch e.Reason {
	case ReasonMissingField:
		return fmt.Sprintf("cast error: missing required field %q for %s", e.Field, e.Target)
	case ReasonUnknownField:
		return fmt.Sprintf("cast error: unknown field %q for %s", e.Field, e.Target)
	}
	if e.Field != "" {
		return fmt.Sprintf("cast error: %s: cannot convert %T to %s", e.Field, e.Value, e.Target)
	}
	return fmt.Sprintf("cast error: cannot convert %T to %s", e.Value, e.Target)
}

// HandlerError wraps a failure raised by user code
type HandlerError struct {
	Key           Key
	Handler       string
	MessageID     string
	CorrelationID string
	Err           error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s on %s failed for message %s: %v", e.Handler, e.Key, e.MessageID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// PublishError attributes a publish failure to its destination and its
// position in a publisher chain (-1 when published outside a chain).
type PublishError struct {
	Destination Destination
	Position    int
	Err         error
}

func (e *PublishError) Error() string {
	if e.Position < 0 {
		return fmt.Sprintf("publish to %s failed: %v", e.Destination, e.Err)
	}
	return fmt.Sprintf("publish to %s (chain position %d) failed: %v", e.Destination, e.Position, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConnectionError reports an unavailable transport
type ConnectionError struct {
	Transport string
	Op        string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s connection error: %s failed: %v", e.Transport, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// StateError reports an operation that is invalid for the current broker state
type StateError struct {
	Op    string
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s while broker is %s", e.Op, e.State)
}
