package logging

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/devchain/internal/config"
)

const (
	maskedKey     = "[REDACTED]"
	maskedPattern = "[REDACTED:pattern]"
)

// Secret logs a config.Secret as its length only.
func Secret(key string, val config.Secret) zap.Field {
	return RedactedString(key, val.Value())
}

// RedactedString logs val as "[REDACTED:<len>]".
func RedactedString(key, val string) zap.Field {
	return zap.String(key, fmt.Sprintf("[REDACTED:%d]", len(val)))
}

// redactionRules decides what the encoder hides: whole values under a
// sensitive key, and string values matching a credential pattern.
type redactionRules struct {
	keys     map[string]struct{}
	patterns []*regexp.Regexp
}

func compileRedaction(cfg RedactionConfig) (*redactionRules, error) {
	rules := &redactionRules{keys: make(map[string]struct{}, len(cfg.Fields))}
	if !cfg.Enabled {
		return rules, nil
	}
	for _, f := range cfg.Fields {
		rules.keys[strings.ToLower(f)] = struct{}{}
	}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		rules.patterns = append(rules.patterns, re)
	}
	return rules, nil
}

func (r *redactionRules) hidesKey(key string) bool {
	_, ok := r.keys[strings.ToLower(key)]
	return ok
}

// mask returns the replacement for a string value, if one is needed.
func (r *redactionRules) mask(key, val string) (string, bool) {
	if r.hidesKey(key) {
		return maskedKey, true
	}
	for _, re := range r.patterns {
		if re.MatchString(val) {
			return maskedPattern, true
		}
	}
	return "", false
}

// RedactingEncoder masks sensitive fields before they reach the wrapped
// encoder. Only string-ish and structured values are inspected; numbers
// and bools pass through.
type RedactingEncoder struct {
	zapcore.Encoder
	rules *redactionRules
}

// NewRedactingEncoder wraps base with the rules in cfg. A disabled config
// yields an encoder that passes everything through.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	rules, err := compileRedaction(cfg)
	if err != nil {
		return nil, err
	}
	return &RedactingEncoder{Encoder: base, rules: rules}, nil
}

func (e *RedactingEncoder) AddString(key, val string) {
	if masked, ok := e.rules.mask(key, val); ok {
		val = masked
	}
	e.Encoder.AddString(key, val)
}

func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if masked, ok := e.rules.mask(key, string(val)); ok {
		e.Encoder.AddString(key, masked)
		return
	}
	e.Encoder.AddByteString(key, val)
}

func (e *RedactingEncoder) AddReflected(key string, val interface{}) error {
	if e.rules.hidesKey(key) {
		e.Encoder.AddString(key, maskedKey)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.rules.hidesKey(key) {
		e.Encoder.AddString(key, maskedKey)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

func (e *RedactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.rules.hidesKey(key) {
		e.Encoder.AddString(key, maskedKey)
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

// Clone keeps the rules on child encoders created by With.
func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{Encoder: e.Encoder.Clone(), rules: e.rules}
}

// EncodeEntry masks the entry's own fields. The embedded encoder would
// otherwise add them to its clone, bypassing the methods above.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	masked := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		masked[i] = e.maskField(f)
	}
	return e.Encoder.EncodeEntry(ent, masked)
}

func (e *RedactingEncoder) maskField(f zapcore.Field) zapcore.Field {
	switch f.Type {
	case zapcore.StringType:
		if masked, ok := e.rules.mask(f.Key, f.String); ok {
			return zap.String(f.Key, masked)
		}
	case zapcore.ByteStringType:
		if b, ok := f.Interface.([]byte); ok {
			if masked, ok := e.rules.mask(f.Key, string(b)); ok {
				return zap.String(f.Key, masked)
			}
		}
	case zapcore.StringerType, zapcore.ReflectType, zapcore.ObjectMarshalerType,
		zapcore.ArrayMarshalerType, zapcore.ErrorType, zapcore.BinaryType:
		if e.rules.hidesKey(f.Key) {
			return zap.String(f.Key, maskedKey)
		}
	}
	return f
}
