package roleplay

import (
	"context"
	"time"
	"unicode/utf8"
)

// Side names one of the two participants.
type Side string

const (
	SideAny       Side = "any"
	SideAssistant Side = "assistant"
	SideUser      Side = "user"
)

// TerminationPolicy bounds a session.
type TerminationPolicy struct {
	// MaxTurns is the hard cap on agent messages. Must be positive.
	MaxTurns int
	// MaxTokens caps the estimated tokens of all agent replies. Zero means
	// no cap.
	MaxTokens int
	// RequireMarkerFrom restricts which side may conclude. Empty means any.
	RequireMarkerFrom Side
}

func (p TerminationPolicy) accepts(side Side) bool {
	return p.RequireMarkerFrom == "" || p.RequireMarkerFrom == SideAny || p.RequireMarkerFrom == side
}

// Reason tells why a session stopped.
type Reason string

const (
	ReasonMarker      Reason = "marker"
	ReasonMaxTurns    Reason = "max_turns"
	ReasonTokenBudget Reason = "max_tokens_exceeded"
	ReasonCancelled   Reason = "cancelled"
)

// Clean reports whether the session ended on its own terms. A session cut
// off by the turn cap or the token budget is bounded, not clean.
func (r Reason) Clean() bool {
	return r == ReasonMarker || r == ReasonCancelled
}

// EstimateTokens approximates the token count of text at four characters
// per token.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// RetryPolicy bounds retries of a transiently failing turn.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetryPolicy is three attempts starting at 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

// delay returns the wait before attempt n (n >= 1).
func (p RetryPolicy) delay(n int) time.Duration {
	d := p.Backoff
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
