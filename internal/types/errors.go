package types

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindValidation ErrorKind = iota + 1
	KindConflict
	KindNotInRoom
	KindNotFound
	KindUnavailable
	KindPartialFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotInRoom:
		return "not in room"
	case KindNotFound:
		return "not found"
	case KindUnavailable:
		return "dependency unavailable"
	case KindPartialFailure:
		return "partial failure"
	default:
		return "unknown"
	}
}

// ChatError carries a client-safe message. Clients only ever see Message,
// Err is kept for logs.
type ChatError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ChatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Err.Error())
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ChatError) Unwrap() error {
	return e.Err
}

// Is matches any ChatError of the same kind, so callers can write
// errors.Is(err, types.ErrConflict).
func (e *ChatError) Is(target error) bool {
	t, ok := target.(*ChatError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrValidation     = &ChatError{Kind: KindValidation}
	ErrConflict       = &ChatError{Kind: KindConflict}
	ErrNotInRoom      = &ChatError{Kind: KindNotInRoom, Message: "User not in any room"}
	ErrNotFound       = &ChatError{Kind: KindNotFound}
	ErrUnavailable    = &ChatError{Kind: KindUnavailable}
	ErrPartialFailure = &ChatError{Kind: KindPartialFailure}
)

func NewValidationError(msg string) *ChatError {
	return &ChatError{Kind: KindValidation, Message: msg}
}

func NewConflictError(msg string) *ChatError {
	return &ChatError{Kind: KindConflict, Message: msg}
}

func NewNotFoundError(msg string) *ChatError {
	return &ChatError{Kind: KindNotFound, Message: msg}
}

func NewUnavailableError(msg string, err error) *ChatError {
	return &ChatError{Kind: KindUnavailable, Message: msg, Err: err}
}

func NewPartialFailureError(msg string, err error) *ChatError {
	return &ChatError{Kind: KindPartialFailure, Message: msg, Err: err}
}

// ClientMessage returns the text sent to a client for err, falling back to
// fallback for errors that are not ChatErrors or carry no message.
func ClientMessage(err error, fallback string) string {
	var ce *ChatError
	if errors.As(err, &ce) && ce.Message != "" && ce.Kind != KindUnavailable {
		return ce.Message
	}
	return fallback
}
