package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/devchain/internal/config"
)

const (
	defaultCallTimeout = 2 * time.Minute
	defaultRateLimit   = 60.0
	defaultBurst       = 5
)

// OpenAIBackend completes turns through any OpenAI-compatible chat API.
// It is safe for concurrent use; the rate limiter is shared by all callers.
type OpenAIBackend struct {
	llm         llms.Model
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// NewOpenAIBackend creates a backend from cfg.
func NewOpenAIBackend(cfg config.LLMConfig, logger *zap.Logger) (*OpenAIBackend, error) {
	if !cfg.APIKey.IsSet() {
		return nil, fmt.Errorf("%w: llm.api_key required for provider openai", config.ErrConfiguration)
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey.Value()),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating OpenAI client: %w", config.ErrConfiguration, err)
	}
	return newOpenAIBackend(llm, cfg, logger), nil
}

func newOpenAIBackend(llm llms.Model, cfg config.LLMConfig, logger *zap.Logger) *OpenAIBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.CallTimeout.Duration()
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	perMinute := cfg.RateLimit
	if perMinute <= 0 {
		perMinute = defaultRateLimit
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return &OpenAIBackend{
		llm:         llm,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     timeout,
		limiter:     rate.NewLimiter(rate.Limit(perMinute/60.0), burst),
		logger:      logger,
	}
}

// Complete implements Backend.
func (b *OpenAIBackend) Complete(ctx context.Context, history []Message, system string) (Message, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		return Message{}, NewTransient("rate limit", err)
	}

	callCtx, cancel := contextWithTimeout(ctx, b.timeout)
	defer cancel()

	model := b.model
	opts := []llms.CallOption{llms.WithTemperature(b.temperature)}
	if m := ModelFromContext(ctx); m != "" {
		model = m
		opts = append(opts, llms.WithModel(m))
	}
	if b.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(b.maxTokens))
	}

	start := time.Now()
	resp, err := b.llm.GenerateContent(callCtx, toMessageContent(history, system), opts...)
	if err != nil {
		// Cancellation by the caller is not a backend failure.
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		class := Classify(err)
		b.logger.Debug("completion failed",
			zap.String("model", model),
			zap.Stringer("class", class),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return Message{}, &BackendError{Class: class, Op: "complete", Err: err}
	}
	if len(resp.Choices) == 0 {
		return Message{}, NewTransient("complete", errors.New("empty response"))
	}

	return Message{
		Role:    RoleAssistant,
		Content: resp.Choices[0].Content,
		At:      time.Now().UTC(),
	}, nil
}

func toMessageContent(history []Message, system string) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(history)+1)
	if system != "" {
		out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	for _, m := range history {
		var role llms.ChatMessageType
		switch m.Role {
		case RoleAssistant:
			role = llms.ChatMessageTypeAI
		case RoleSystem:
			role = llms.ChatMessageTypeSystem
		default:
			role = llms.ChatMessageTypeHuman
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

var statusCodePattern = regexp.MustCompile(`status code:?\s*(\d{3})`)

// Classify decides whether a completion error is worth retrying.
// Rate limits, timeouts, 5xx and network errors are transient. Everything
// else, including authentication and unknown models, is fatal.
func Classify(err error) Class {
	if err == nil {
		return Fatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}

	if m := statusCodePattern.FindStringSubmatch(strings.ToLower(err.Error())); m != nil {
		code, _ := strconv.Atoi(m[1])
		switch {
		case code == 429, code == 408, code >= 500:
			return Transient
		case code >= 400:
			return Fatal
		}
	}

	var llmErr *llms.Error
	if errors.As(openai.MapError(err), &llmErr) {
		switch llmErr.Code {
		case llms.ErrCodeRateLimit, llms.ErrCodeTimeout, llms.ErrCodeProviderUnavailable:
			return Transient
		}
	}
	return Fatal
}

func contextWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
