package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/devchain/internal/config"
)

func newBufferLogger(t *testing.T, cfg *Config) (*Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	core, err := newCore(cfg, zapcore.AddSync(buf), nil)
	require.NoError(t, err)
	return &Logger{zap: zap.New(core), config: cfg}, buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]interface{}{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_ContextFields(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithPhase(WithJobID(context.Background(), "job-1"), "coding")

	tl.Info(ctx, "phase started", zap.Int("turns", 4))

	tl.AssertLogged(t, zapcore.InfoLevel, "phase started")
	tl.AssertField(t, "phase started", "job.id", "job-1")
	tl.AssertField(t, "phase started", "phase.name", "coding")
}

func TestLogger_TraceLevel(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	cfg.Level = TraceLevel
	logger, buf := newBufferLogger(t, cfg)

	logger.Trace(context.Background(), "turn content", zap.String("content", "hello"))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "trace", lines[0]["level"])
}

func TestLogger_TraceFilteredAtInfo(t *testing.T) {
	logger, buf := newBufferLogger(t, NewDefaultConfig())

	logger.Trace(context.Background(), "hidden")
	logger.Debug(context.Background(), "hidden too")

	assert.Empty(t, buf.String())
}

func TestRedactingEncoder(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	logger, buf := newBufferLogger(t, cfg)

	logger.Info(context.Background(), "calling backend",
		zap.String("api_key", "sk-abcdefghijklmnopqrstu"),
		zap.String("note", "Authorization: Bearer abc.def"),
		zap.String("model", "gpt-4o-mini"),
		Secret("qdrant", config.Secret("hunter2")),
	)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "[REDACTED]", lines[0]["api_key"])
	assert.Equal(t, "[REDACTED:pattern]", lines[0]["note"])
	assert.Equal(t, "gpt-4o-mini", lines[0]["model"])
	assert.Equal(t, "[REDACTED:7]", lines[0]["qdrant"])
}

func TestSampling_NeverDropsWarnings(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling.Initial = 1
	cfg.Sampling.Thereafter = 0
	logger, buf := newBufferLogger(t, cfg)

	for i := 0; i < 5; i++ {
		logger.Info(context.Background(), "repeated")
		logger.Error(context.Background(), "failure")
	}

	var infos, errs int
	for _, line := range decodeLines(t, buf) {
		switch line["msg"] {
		case "repeated":
			infos++
		case "failure":
			errs++
		}
	}
	assert.Equal(t, 1, infos)
	assert.Equal(t, 5, errs)
}

func TestFromAppConfig(t *testing.T) {
	cfg, err := FromAppConfig(config.LoggingConfig{Level: "trace", Format: "console"}, false)
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.False(t, cfg.Sampling.Enabled)

	_, err = FromAppConfig(config.LoggingConfig{Level: "loud"}, false)
	assert.Error(t, err)

	_, err = FromAppConfig(config.LoggingConfig{Format: "xml"}, false)
	assert.Error(t, err)
}

func TestFromContext_DefaultsToNop(t *testing.T) {
	l := FromContext(context.Background())
	require.NotNil(t, l)
	assert.False(t, l.Enabled(zapcore.InfoLevel))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	assert.Same(t, tl.Logger, FromContext(ctx))
}

func TestRedactingEncoder_WithFields(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	logger, buf := newBufferLogger(t, cfg)

	child := logger.With(zap.String("token", "abc"), zap.Strings("password", []string{"a", "b"}))
	child.Info(context.Background(), "child")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "[REDACTED]", lines[0]["token"])
	assert.Equal(t, "[REDACTED]", lines[0]["password"])
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"trace", TraceLevel},
		{"DEBUG", zapcore.DebugLevel},
		{" info ", zapcore.InfoLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := LevelFromString(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := LevelFromString("verbose")
	assert.ErrorContains(t, err, "unknown level")
}

func TestTestLogger_Assertions(t *testing.T) {
	tl := NewTestLogger()
	tl.Warn(context.Background(), "backend slow", zap.Int("attempt", 2))

	assert.Len(t, tl.Entries("backend"), 1)
	assert.Len(t, tl.Entries(""), 1)
	tl.AssertLogged(t, zapcore.WarnLevel, "slow")
	tl.AssertField(t, "backend slow", "attempt", int64(2))
	tl.AssertNotLogged(t, "backend down")
}
