package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/fake"

	"github.com/fyrsmithlabs/devchain/internal/config"
)

type recordingModel struct {
	messages []llms.MessageContent
	opts     llms.CallOptions
	err      error
	block    bool
}

func (m *recordingModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages
	for _, o := range options {
		o(&m.opts)
	}
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "reply"}}}, nil
}

func (m *recordingModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func testLLMConfig() config.LLMConfig {
	cfg := config.Default().LLM
	cfg.APIKey = "sk-test"
	cfg.Temperature = 0.2
	cfg.MaxTokens = 512
	cfg.RateLimit = 6000
	cfg.Burst = 10
	return cfg
}

func TestOpenAIBackend_BuildsMessages(t *testing.T) {
	model := &recordingModel{}
	b := newOpenAIBackend(model, testLLMConfig(), nil)

	history := []Message{
		{Speaker: "CEO", Role: RoleUser, Content: "build a calculator"},
		{Speaker: "CTO", Role: RoleAssistant, Content: "in Go?"},
		{Speaker: "CEO", Role: RoleUser, Content: "yes"},
	}
	reply, err := b.Complete(context.Background(), history, "You are the CTO.")
	require.NoError(t, err)
	assert.Equal(t, "reply", reply.Content)
	assert.Equal(t, RoleAssistant, reply.Role)

	require.Len(t, model.messages, 4)
	roles := make([]llms.ChatMessageType, len(model.messages))
	for i, m := range model.messages {
		roles[i] = m.Role
	}
	assert.Equal(t, []llms.ChatMessageType{
		llms.ChatMessageTypeSystem,
		llms.ChatMessageTypeHuman,
		llms.ChatMessageTypeAI,
		llms.ChatMessageTypeHuman,
	}, roles)
	assert.Equal(t, llms.TextContent{Text: "You are the CTO."}, model.messages[0].Parts[0])
	assert.InDelta(t, 0.2, model.opts.Temperature, 1e-9)
	assert.Equal(t, 512, model.opts.MaxTokens)
}

func TestOpenAIBackend_ModelFromContext(t *testing.T) {
	model := &recordingModel{}
	b := newOpenAIBackend(model, testLLMConfig(), nil)

	_, err := b.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "")
	require.NoError(t, err)
	assert.Empty(t, model.opts.Model)

	model.opts = llms.CallOptions{}
	_, err = b.Complete(WithModel(context.Background(), "gpt-4o"), []Message{{Role: RoleUser, Content: "hi"}}, "")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", model.opts.Model)
}

func TestWithModel(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ModelFromContext(ctx))
	assert.Equal(t, ctx, WithModel(ctx, ""))
	assert.Equal(t, "m1", ModelFromContext(WithModel(ctx, "m1")))
}

func TestOpenAIBackend_FakeLLM(t *testing.T) {
	b := newOpenAIBackend(fake.NewFakeLLM([]string{"first", "second"}), testLLMConfig(), nil)
	ctx := context.Background()

	m1, err := b.Complete(ctx, nil, "")
	require.NoError(t, err)
	m2, err := b.Complete(ctx, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "first", m1.Content)
	assert.Equal(t, "second", m2.Content)
}

func TestOpenAIBackend_ClassifiesErrors(t *testing.T) {
	model := &recordingModel{err: errors.New("API returned unexpected status code: 429: rate limit exceeded")}
	b := newOpenAIBackend(model, testLLMConfig(), nil)

	_, err := b.Complete(context.Background(), nil, "")
	assert.ErrorIs(t, err, ErrTransient)

	model.err = errors.New("API returned unexpected status code: 401: incorrect api key provided")
	_, err = b.Complete(context.Background(), nil, "")
	assert.ErrorIs(t, err, ErrFatal)
}

func TestOpenAIBackend_CallTimeoutIsTransient(t *testing.T) {
	cfg := testLLMConfig()
	cfg.CallTimeout = config.Duration(10 * time.Millisecond)
	b := newOpenAIBackend(&recordingModel{block: true}, cfg, nil)

	_, err := b.Complete(context.Background(), nil, "")
	assert.ErrorIs(t, err, ErrTransient)
}

func TestOpenAIBackend_CallerCancellation(t *testing.T) {
	b := newOpenAIBackend(&recordingModel{block: true}, testLLMConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := b.Complete(ctx, nil, "")
	assert.ErrorIs(t, err, context.Canceled)
	var be *BackendError
	assert.False(t, errors.As(err, &be))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), Transient},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, Transient},
		{"rate limited", errors.New("API returned unexpected status code: 429"), Transient},
		{"server error", errors.New("API returned unexpected status code: 502: bad gateway"), Transient},
		{"unavailable", errors.New("service unavailable"), Transient},
		{"unauthorized", errors.New("API returned unexpected status code: 401"), Fatal},
		{"model not found", errors.New("API returned unexpected status code: 404: model not found"), Fatal},
		{"bad key", errors.New("incorrect api key provided"), Fatal},
		{"unknown", errors.New("something odd"), Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
