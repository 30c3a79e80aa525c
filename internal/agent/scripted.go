package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devchain/internal/config"
)

// ReplyFunc produces a reply for speaker when no scripted reply is queued.
type ReplyFunc func(speaker string, history []Message, system string) string

type scriptedFailure struct {
	err       error
	remaining int // negative means forever
}

// ScriptedBackend replays canned replies per speaker. It backs offline
// runs (llm.provider=scripted) and tests.
type ScriptedBackend struct {
	mu       sync.Mutex
	replies  map[string][]string
	failures map[string]*scriptedFailure
	calls    map[string]int
	fallback ReplyFunc
	delay    time.Duration
}

// NewScriptedBackend returns an empty script.
func NewScriptedBackend() *ScriptedBackend {
	return &ScriptedBackend{
		replies:  make(map[string][]string),
		failures: make(map[string]*scriptedFailure),
		calls:    make(map[string]int),
	}
}

// On queues replies for speaker, consumed in order. Once the queue is
// empty the last reply repeats, unless a fallback is set.
func (s *ScriptedBackend) On(speaker string, replies ...string) *ScriptedBackend {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[speaker] = append(s.replies[speaker], replies...)
	return s
}

// Fail makes the next times calls for speaker fail with err. A negative
// times fails forever. Use "*" to match every speaker.
func (s *ScriptedBackend) Fail(speaker string, err error, times int) *ScriptedBackend {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[speaker] = &scriptedFailure{err: err, remaining: times}
	return s
}

// WithFallback sets the reply used when a speaker has no queued replies.
func (s *ScriptedBackend) WithFallback(fn ReplyFunc) *ScriptedBackend {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = fn
	return s
}

// WithDelay makes every call block for d or until ctx is done.
func (s *ScriptedBackend) WithDelay(d time.Duration) *ScriptedBackend {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
	return s
}

// Calls returns how many times speaker called Complete.
func (s *ScriptedBackend) Calls(speaker string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[speaker]
}

// Complete implements Backend.
func (s *ScriptedBackend) Complete(ctx context.Context, history []Message, system string) (Message, error) {
	speaker := SpeakerFromContext(ctx)

	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[speaker]++

	if err := s.nextFailure(speaker); err != nil {
		return Message{}, err
	}

	var content string
	switch queue := s.replies[speaker]; {
	case len(queue) > 1:
		content = queue[0]
		s.replies[speaker] = queue[1:]
	case len(queue) == 1 && s.fallback == nil:
		content = queue[0]
	case len(queue) == 1:
		content = queue[0]
		delete(s.replies, speaker)
	case s.fallback != nil:
		content = s.fallback(speaker, history, system)
	default:
		return Message{}, NewFatal("complete", fmt.Errorf("no scripted reply for %q", speaker))
	}

	return Message{Role: RoleAssistant, Content: content, At: time.Now().UTC()}, nil
}

func (s *ScriptedBackend) nextFailure(speaker string) error {
	f, ok := s.failures[speaker]
	if !ok {
		f, ok = s.failures["*"]
	}
	if !ok || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f.err
}

// NewBackend builds the backend selected by cfg.Provider.
func NewBackend(cfg config.LLMConfig, logger *zap.Logger) (Backend, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIBackend(cfg, logger)
	case config.ProviderScripted:
		return NewScriptedBackend(), nil
	default:
		return nil, fmt.Errorf("%w: unknown llm provider %q", config.ErrConfiguration, cfg.Provider)
	}
}
