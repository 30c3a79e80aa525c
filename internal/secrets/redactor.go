// Package secrets redacts credentials from generated artifacts before they
// are stored in memory or returned to callers.
package secrets

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devchain/internal/config"
)

// RedactionsTotal counts redacted secrets by rule.
var RedactionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "devchain",
		Subsystem: "secrets",
		Name:      "redactions_total",
		Help:      "Total number of redacted secrets by rule",
	},
	[]string{"rule"},
)

// Finding locates a redacted secret. It never holds the secret itself.
type Finding struct {
	RuleID string `json:"rule_id"`
	Line   int    `json:"line"`
}

// Report summarises one Scan.
type Report struct {
	Findings []Finding      `json:"findings"`
	ByRule   map[string]int `json:"by_rule"`
}

// Redactor replaces detected secrets with [REDACTED:<rule>] markers. It is
// safe for concurrent use.
type Redactor struct {
	allow  *Allowlist
	logger *zap.Logger

	gitleaksOnce sync.Once
	gitleaksOff  atomic.Bool
}

// New builds a Redactor with the allowlist named by cfg.
func New(cfg config.SecretsConfig, logger *zap.Logger) (*Redactor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	allow, err := LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		return nil, err
	}
	return &Redactor{allow: allow, logger: logger}, nil
}

// Redact returns text with secrets replaced. A nil Redactor returns text
// unchanged.
func (r *Redactor) Redact(text string) string {
	out, _ := r.Scan(text)
	return out
}

type hit struct {
	rule   string
	secret string
}

// Scan redacts text and reports what it found.
func (r *Redactor) Scan(text string) (string, Report) {
	report := Report{Findings: []Finding{}, ByRule: map[string]int{}}
	if r == nil || text == "" {
		return text, report
	}

	hits := append(builtinHits(text), r.gitleaksHits(text)...)

	seen := make(map[string]bool)
	kept := hits[:0]
	for _, h := range hits {
		if len(h.secret) < 4 || seen[h.secret] || r.allow.Allowed(h.secret) {
			continue
		}
		seen[h.secret] = true
		kept = append(kept, h)
	}
	// Longest first so a secret containing another is replaced whole.
	sort.SliceStable(kept, func(i, j int) bool { return len(kept[i].secret) > len(kept[j].secret) })

	out := text
	for _, h := range kept {
		if !strings.Contains(out, h.secret) {
			continue
		}
		if i := strings.Index(text, h.secret); i >= 0 {
			report.Findings = append(report.Findings, Finding{RuleID: h.rule, Line: strings.Count(text[:i], "\n") + 1})
		}
		report.ByRule[h.rule]++
		out = strings.ReplaceAll(out, h.secret, "[REDACTED:"+h.rule+"]")
		RedactionsTotal.WithLabelValues(h.rule).Inc()
	}
	sort.Slice(report.Findings, func(i, j int) bool { return report.Findings[i].Line < report.Findings[j].Line })
	return out, report
}

// gitleaksHits runs the gitleaks default rule set. A detector is created per
// call because it accumulates findings internally.
func (r *Redactor) gitleaksHits(text string) []hit {
	if r.gitleaksOff.Load() {
		return nil
	}
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		r.gitleaksOnce.Do(func() {
			r.logger.Warn("gitleaks unavailable, using built-in rules only", zap.Error(err))
			r.gitleaksOff.Store(true)
		})
		return nil
	}
	applyAllowlist(&detector.Config, r.allow)

	var hits []hit
	for _, f := range detector.DetectString(text) {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		hits = append(hits, hit{rule: f.RuleID, secret: secret})
	}
	return hits
}

func applyAllowlist(cfg *gitleaksConfig.Config, allow *Allowlist) {
	if allow == nil || len(allow.compiled) == 0 {
		return
	}
	list := &gitleaksConfig.Allowlist{Description: "devchain allowlist"}
	for _, re := range allow.compiled {
		list.Regexes = append(list.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, list)
}

func builtinHits(text string) []hit {
	var hits []hit
	for _, rl := range builtinRules {
		for _, m := range rl.pattern.FindAllStringSubmatch(text, -1) {
			if rl.group < len(m) && m[rl.group] != "" {
				hits = append(hits, hit{rule: rl.id, secret: m[rl.group]})
			}
		}
	}
	return hits
}
