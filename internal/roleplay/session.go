// Package roleplay runs a bounded, strictly alternating dialogue between two
// agents.
//
// The assistant speaks first, answering an opening message that is attributed
// to the user agent. Turns then alternate until one of them concludes with a
// marker line (see ParseMarker), the turn cap or token budget is reached, or
// the context is cancelled. A reply that arrives after cancellation is
// discarded. Transient backend failures are retried per turn; anything else
// fails the session while keeping the transcript so far.
package roleplay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devchain/internal/agent"
	"github.com/fyrsmithlabs/devchain/internal/logging"
)

var (
	// ErrSessionFailed matches every *SessionError.
	ErrSessionFailed = errors.New("dialogue failed")
	// ErrMaxTurns marks output from a dialogue cut off by the turn cap.
	ErrMaxTurns = errors.New("dialogue reached max turns")
	// ErrInvalidPolicy is returned for a non-positive turn cap or a negative
	// token budget.
	ErrInvalidPolicy = errors.New("invalid termination policy")
	// ErrOutOfTurn is returned when a speaker would talk twice in a row.
	ErrOutOfTurn = errors.New("speaker out of turn")
	// ErrAlreadyRun is returned when Run is called twice on one session.
	ErrAlreadyRun = errors.New("session already run")
)

// State is the position of the session state machine.
type State int

const (
	StateIdle State = iota
	StateAwaitAssistant
	StateAwaitUser
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitAssistant:
		return "await_assistant"
	case StateAwaitUser:
		return "await_user"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// SessionError is a failed dialogue. Transcript holds every message that
// completed before the failure.
type SessionError struct {
	Turn       int
	Speaker    string
	Err        error
	Transcript []agent.Message
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("turn %d (%s): %v", e.Turn, e.Speaker, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func (e *SessionError) Is(target error) bool {
	return target == ErrSessionFailed
}

// Result is a finished dialogue. Turns counts agent messages; the opening
// message is in Transcript at Seq 0 but is not a turn.
type Result struct {
	Transcript []agent.Message
	Reason     Reason
	Turns      int
}

// Session is one dialogue. It is not safe for concurrent use and runs once.
type Session struct {
	assistant *agent.Agent
	user      *agent.Agent
	policy    TerminationPolicy
	retry     RetryPolicy
	logger    *logging.Logger
	tracer    trace.Tracer

	state      State
	seq        int
	transcript []agent.Message
}

// Option configures a Session.
type Option func(*Session)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Session) { s.retry = p }
}

// WithLogger sets the logger. Message content is logged at trace level.
func WithLogger(l *logging.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTracer sets the tracer used for turn spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Session) {
		if t != nil {
			s.tracer = t
		}
	}
}

// NewSession prepares a dialogue between assistant and user.
func NewSession(assistant, user *agent.Agent, policy TerminationPolicy, opts ...Option) (*Session, error) {
	if assistant == nil || user == nil {
		return nil, errors.New("roleplay: both agents are required")
	}
	if policy.MaxTurns <= 0 {
		return nil, fmt.Errorf("%w: max turns must be positive, got %d", ErrInvalidPolicy, policy.MaxTurns)
	}
	if policy.MaxTokens < 0 {
		return nil, fmt.Errorf("%w: max tokens must not be negative, got %d", ErrInvalidPolicy, policy.MaxTokens)
	}
	switch policy.RequireMarkerFrom {
	case "", SideAny, SideAssistant, SideUser:
	default:
		return nil, fmt.Errorf("%w: unknown side %q", ErrInvalidPolicy, policy.RequireMarkerFrom)
	}

	s := &Session{
		assistant: assistant,
		user:      user,
		policy:    policy,
		retry:     DefaultRetryPolicy(),
		logger:    logging.NewNop(),
		tracer:    otel.Tracer("devchain.roleplay"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retry.Attempts < 1 {
		s.retry.Attempts = 1
	}
	return s, nil
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Run plays the dialogue. opening is the first message, delivered to the
// assistant as if the user agent had said it. extra is appended to both
// agents' system prompts on every turn.
//
// Cancellation is a clean stop: Run returns ReasonCancelled and a nil error.
func (s *Session) Run(ctx context.Context, opening, extra string) (Result, error) {
	if s.state != StateIdle {
		return Result{}, ErrAlreadyRun
	}
	s.assistant.Reset()
	s.user.Reset()

	open := agent.Message{
		Seq:     0,
		Speaker: s.user.Name(),
		Role:    agent.RoleUser,
		Content: opening,
		At:      time.Now().UTC(),
	}
	s.user.Remember(open)
	s.transcript = append(s.transcript, open)
	s.state = StateAwaitAssistant

	incoming := open
	turns, tokens := 0, 0
	for {
		if ctx.Err() != nil {
			return s.finish(ctx, ReasonCancelled, turns), nil
		}
		if turns >= s.policy.MaxTurns {
			return s.finish(ctx, ReasonMaxTurns, turns), nil
		}

		speaker, side := s.next()
		msg, err := s.turn(ctx, speaker, side, turns+1, incoming, extra)
		if err != nil {
			if ctx.Err() != nil {
				return s.finish(ctx, ReasonCancelled, turns), nil
			}
			return s.fail(ctx, turns+1, speaker.Name(), err)
		}
		if ctx.Err() != nil {
			return s.finish(ctx, ReasonCancelled, turns), nil
		}
		if err := s.advance(side); err != nil {
			return s.fail(ctx, turns+1, speaker.Name(), err)
		}

		turns++
		s.seq++
		msg.Seq = s.seq
		s.transcript = append(s.transcript, msg)

		if _, ok := ParseMarker(msg.Content); ok && s.policy.accepts(side) {
			return s.finish(ctx, ReasonMarker, turns), nil
		}
		tokens += EstimateTokens(msg.Content)
		if s.policy.MaxTokens > 0 && tokens >= s.policy.MaxTokens {
			return s.finish(ctx, ReasonTokenBudget, turns), nil
		}
		incoming = msg
	}
}

func (s *Session) next() (*agent.Agent, Side) {
	if s.state == StateAwaitUser {
		return s.user, SideUser
	}
	return s.assistant, SideAssistant
}

// advance moves the state machine past a completed turn by side.
func (s *Session) advance(side Side) error {
	switch {
	case s.state == StateAwaitAssistant && side == SideAssistant:
		s.state = StateAwaitUser
	case s.state == StateAwaitUser && side == SideUser:
		s.state = StateAwaitAssistant
	default:
		return fmt.Errorf("%w: %s spoke in state %s", ErrOutOfTurn, side, s.state)
	}
	return nil
}

func (s *Session) turn(ctx context.Context, speaker *agent.Agent, side Side, n int, incoming agent.Message, extra string) (agent.Message, error) {
	ctx, span := s.tracer.Start(ctx, "roleplay.Turn", trace.WithAttributes(
		attribute.Int("roleplay.turn", n),
		attribute.String("roleplay.speaker", speaker.Name()),
		attribute.String("roleplay.side", string(side)),
	))
	defer span.End()

	start := time.Now()
	var err error
	for attempt := 1; ; attempt++ {
		var msg agent.Message
		msg, err = speaker.Step(ctx, incoming, extra)
		if err == nil {
			TurnDuration.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
			span.SetAttributes(attribute.Int("roleplay.attempts", attempt))
			s.logger.Trace(ctx, "dialogue turn",
				zap.Int("turn", n),
				zap.String("speaker", speaker.Name()),
				zap.String("content", msg.Content))
			return msg, nil
		}
		if ctx.Err() != nil || !agent.IsTransient(err) || attempt >= s.retry.Attempts {
			break
		}

		TurnRetries.Inc()
		wait := s.retry.delay(attempt)
		s.logger.Warn(ctx, "transient agent failure, retrying",
			zap.Int("turn", n),
			zap.String("speaker", speaker.Name()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if serr := sleep(ctx, wait); serr != nil {
			err = serr
			break
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return agent.Message{}, err
}

func (s *Session) finish(ctx context.Context, reason Reason, turns int) Result {
	s.state = StateDone
	SessionsTotal.WithLabelValues(string(reason)).Inc()
	s.logger.Debug(ctx, "dialogue finished",
		zap.String("reason", string(reason)),
		zap.Int("turns", turns))
	return Result{Transcript: s.snapshot(), Reason: reason, Turns: turns}
}

func (s *Session) fail(ctx context.Context, turn int, speaker string, err error) (Result, error) {
	s.state = StateFailed
	SessionsTotal.WithLabelValues("failed").Inc()
	s.logger.Warn(ctx, "dialogue failed",
		zap.Int("turn", turn),
		zap.String("speaker", speaker),
		zap.Error(err))
	transcript := s.snapshot()
	return Result{Transcript: transcript, Turns: turn - 1}, &SessionError{
		Turn:       turn,
		Speaker:    speaker,
		Err:        err,
		Transcript: transcript,
	}
}

func (s *Session) snapshot() []agent.Message {
	return append([]agent.Message(nil), s.transcript...)
}
