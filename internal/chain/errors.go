package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/devchain/internal/agent"
	"github.com/fyrsmithlabs/devchain/internal/phase"
	"github.com/fyrsmithlabs/devchain/internal/roleplay"
)

// ErrPhaseTimeout marks a phase that exceeded the configured wall-clock budget.
var ErrPhaseTimeout = errors.New("phase timed out")

// Failure kinds reported by PhaseError.Kind.
const (
	KindTransient  = "transient_backend"
	KindFatal      = "fatal_backend"
	KindExtraction = "extraction"
	KindMemory     = "memory"
	KindTimeout    = "timeout"
	KindInternal   = "internal"
)

// PhaseError is the terminal failure of a chain. It names the job, the
// failing phase and, when the dialogue itself broke, the turn.
type PhaseError struct {
	JobID string
	Phase string
	// Turn is zero when the failure happened outside a dialogue turn.
	Turn int
	Err  error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("job %s: phase %s: %v", e.JobID, e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// Kind classifies the cause.
func (e *PhaseError) Kind() string {
	switch {
	case errors.Is(e.Err, ErrPhaseTimeout):
		return KindTimeout
	case errors.Is(e.Err, phase.ErrExtraction):
		return KindExtraction
	case errors.Is(e.Err, phase.ErrMemory):
		return KindMemory
	case errors.Is(e.Err, agent.ErrTransient):
		return KindTransient
	case errors.Is(e.Err, agent.ErrFatal):
		return KindFatal
	default:
		return KindInternal
	}
}

// Summary is the human-readable cause shown to API callers.
func (e *PhaseError) Summary() string {
	var what string
	switch e.Kind() {
	case KindTimeout:
		what = "did not finish in time"
	case KindExtraction:
		what = "ended without a usable artifact"
	case KindMemory:
		what = "could not read project memory"
	case KindTransient:
		what = "LLM backend kept failing after retries"
	case KindFatal:
		what = "LLM backend rejected the request"
	default:
		what = "failed"
	}
	if e.Turn > 0 {
		return fmt.Sprintf("phase %q %s at turn %d: %v", e.Phase, what, e.Turn, rootCause(e.Err))
	}
	return fmt.Sprintf("phase %q %s: %v", e.Phase, what, rootCause(e.Err))
}

// rootCause strips the session wrapper; Summary reports the turn itself.
func rootCause(err error) error {
	var se *roleplay.SessionError
	if errors.As(err, &se) && se.Err != nil {
		return se.Err
	}
	return err
}

// newPhaseError wraps err. timedOut reports that the phase's own deadline
// expired, which turns a bare context error into ErrPhaseTimeout.
func newPhaseError(jobID, name string, err error, timedOut bool) *PhaseError {
	pe := &PhaseError{JobID: jobID, Phase: name, Err: err}
	var se *roleplay.SessionError
	if errors.As(err, &se) {
		pe.Turn = se.Turn
	}
	if timedOut && errors.Is(err, context.DeadlineExceeded) {
		pe.Err = fmt.Errorf("%w: %w", ErrPhaseTimeout, err)
	}
	return pe
}
