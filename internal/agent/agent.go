// Package agent implements a single conversational participant.
//
// An Agent binds a Persona to a Backend and keeps its own message history.
// It holds no other state between calls; the dialogue loop in package
// roleplay decides who speaks and when.
package agent

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Role is the chat role of a message from the holder's point of view.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a dialogue.
type Message struct {
	Seq     int       `json:"seq"`
	Speaker string    `json:"speaker"`
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Persona describes who an agent is.
type Persona struct {
	Name   string `yaml:"name" json:"name"`
	Prompt string `yaml:"prompt" json:"prompt"`
}

type speakerKey struct{}

// WithSpeaker tags ctx with the name of the agent making a backend call.
func WithSpeaker(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, speakerKey{}, name)
}

// SpeakerFromContext returns the speaker set by WithSpeaker.
func SpeakerFromContext(ctx context.Context) string {
	s, _ := ctx.Value(speakerKey{}).(string)
	return s
}

type modelKey struct{}

// WithModel selects the chat model for backend calls made with ctx. An
// empty name leaves the backend's configured model in place.
func WithModel(ctx context.Context, model string) context.Context {
	if model == "" {
		return ctx
	}
	return context.WithValue(ctx, modelKey{}, model)
}

// ModelFromContext returns the model set by WithModel.
func ModelFromContext(ctx context.Context) string {
	m, _ := ctx.Value(modelKey{}).(string)
	return m
}

// Agent is a persona bound to a backend.
type Agent struct {
	persona    Persona
	backend    Backend
	maxHistory int

	mu      sync.Mutex
	history []Message
}

// Option configures an Agent.
type Option func(*Agent)

// WithMaxHistory caps the number of messages sent to the backend.
// Zero keeps everything.
func WithMaxHistory(n int) Option {
	return func(a *Agent) { a.maxHistory = n }
}

// New creates an Agent.
func New(persona Persona, backend Backend, opts ...Option) *Agent {
	a := &Agent{persona: persona, backend: backend}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the persona name.
func (a *Agent) Name() string {
	return a.persona.Name
}

// Persona returns the persona.
func (a *Agent) Persona() Persona {
	return a.persona
}

// Step records incoming, asks the backend for a reply and records that too.
// On error the history is left as it was, so the call can be retried.
func (a *Agent) Step(ctx context.Context, incoming Message, extra string) (Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	incoming.Role = RoleUser
	a.history = append(a.history, incoming)

	reply, err := a.backend.Complete(WithSpeaker(ctx, a.persona.Name), a.window(), a.systemPrompt(extra))
	if err != nil {
		a.history = a.history[:len(a.history)-1]
		return Message{}, err
	}

	reply.Speaker = a.persona.Name
	reply.Role = RoleAssistant
	if reply.At.IsZero() {
		reply.At = time.Now().UTC()
	}
	a.history = append(a.history, reply)
	return reply, nil
}

// Remember records m as something this agent said, without a backend call.
func (a *Agent) Remember(m Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m.Role = RoleAssistant
	a.history = append(a.history, m)
}

// History returns a copy of the agent's messages.
func (a *Agent) History() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Message(nil), a.history...)
}

// Reset clears the history.
func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = nil
}

// window returns the newest maxHistory messages, keeping system messages.
func (a *Agent) window() []Message {
	if a.maxHistory <= 0 || len(a.history) <= a.maxHistory {
		return append([]Message(nil), a.history...)
	}

	var system, rest []Message
	for _, m := range a.history {
		if m.Role == RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	keep := a.maxHistory - len(system)
	if keep < 1 {
		keep = 1
	}
	if len(rest) > keep {
		rest = rest[len(rest)-keep:]
	}
	return append(system, rest...)
}

func (a *Agent) systemPrompt(extra string) string {
	parts := make([]string, 0, 2)
	if p := strings.TrimSpace(a.persona.Prompt); p != "" {
		parts = append(parts, p)
	}
	if c := strings.TrimSpace(extra); c != "" {
		parts = append(parts, c)
	}
	return strings.Join(parts, "\n\n")
}
