package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug. Dialogue message bodies are logged at this
// level and are filtered out in production.
const TraceLevel = zapcore.Level(-2)

var levelNames = map[string]zapcore.Level{
	"trace":   TraceLevel,
	"debug":   zapcore.DebugLevel,
	"info":    zapcore.InfoLevel,
	"warn":    zapcore.WarnLevel,
	"warning": zapcore.WarnLevel,
	"error":   zapcore.ErrorLevel,
	"fatal":   zapcore.FatalLevel,
}

// LevelFromString parses a case-insensitive level name. "warning" is
// accepted for warn.
func LevelFromString(level string) (zapcore.Level, error) {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(level))]; ok {
		return lvl, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown level %q (want trace, debug, info, warn, error or fatal)", level)
}

// levelName is the lowercase name written to log lines.
func levelName(l zapcore.Level) string {
	if l == TraceLevel {
		return "trace"
	}
	return l.String()
}

func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(levelName(l))
}
