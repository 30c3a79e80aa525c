package agent

import (
	"context"
	"errors"
	"fmt"
)

// Backend produces the next message for a speaker.
//
// history is the speaker's own view of the conversation: messages it sent
// carry RoleAssistant, everything else RoleUser. system is the full system
// prompt for this call. Errors are *BackendError so callers can tell
// retryable failures from fatal ones.
type Backend interface {
	Complete(ctx context.Context, history []Message, system string) (Message, error)
}

// Class separates retryable backend failures from permanent ones.
type Class int

const (
	// Transient failures (rate limit, timeout, network) may succeed on retry.
	Transient Class = iota
	// Fatal failures (authentication, bad model, invalid request) never will.
	Fatal
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "fatal"
}

var (
	// ErrTransient matches any transient *BackendError.
	ErrTransient = errors.New("transient backend error")
	// ErrFatal matches any fatal *BackendError.
	ErrFatal = errors.New("fatal backend error")
)

// BackendError is a classified backend failure.
type BackendError struct {
	Class Class
	Op    string
	Err   error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Class, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrTransient) and errors.Is(err, ErrFatal) work.
func (e *BackendError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Class == Transient
	case ErrFatal:
		return e.Class == Fatal
	}
	return false
}

// NewTransient wraps err as a transient failure of op.
func NewTransient(op string, err error) *BackendError {
	return &BackendError{Class: Transient, Op: op, Err: err}
}

// NewFatal wraps err as a fatal failure of op.
func NewFatal(op string, err error) *BackendError {
	return &BackendError{Class: Fatal, Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
