// Package scrub redacts credentials from learning content before it is
// embedded or persisted.
package scrub

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zricethezav/gitleaks/v8/detect"
	"go.uber.org/zap"
)

// Redaction replaces every detected secret.
const Redaction = "[REDACTED]"

var redactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "learnd",
	Subsystem: "scrub",
	Name:      "redactions_total",
	Help:      "Secrets redacted from stored content, by rule.",
}, []string{"rule"})

// Result is the outcome of scrubbing one string.
type Result struct {
	Content string
	RuleIDs []string
}

// Redacted reports whether anything was replaced.
func (r Result) Redacted() bool { return len(r.RuleIDs) > 0 }

// Scrubber redacts secrets.
type Scrubber interface {
	Scrub(content string) Result
}

// New returns a gitleaks-backed scrubber, or Nop when disabled. When the
// gitleaks detector cannot be built the built-in rules are used instead.
func New(enabled bool, logger *zap.Logger) Scrubber {
	if !enabled {
		return Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		logger.Warn("gitleaks detector unavailable, using built-in rules", zap.Error(err))
		return newRegexScrubber()
	}
	return &gitleaksScrubber{detector: detector, fallback: newRegexScrubber()}
}

type gitleaksScrubber struct {
	// The detector keeps per-scan state.
	mu       sync.Mutex
	detector *detect.Detector
	fallback *regexScrubber
}

func (s *gitleaksScrubber) Scrub(content string) Result {
	if content == "" {
		return Result{Content: content}
	}

	s.mu.Lock()
	findings := s.detector.DetectString(content)
	s.mu.Unlock()

	secrets := make(map[string]string, len(findings))
	for _, f := range findings {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" {
			continue
		}
		secrets[secret] = f.RuleID
	}

	// Longest first so a secret containing another is replaced whole.
	keys := make([]string, 0, len(secrets))
	for k := range secrets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })

	out := content
	var rules []string
	for _, k := range keys {
		if strings.Contains(out, k) {
			out = strings.ReplaceAll(out, k, Redaction)
			rules = append(rules, secrets[k])
		}
	}

	// Self-identifying formats the default config may allowlist still go.
	rest := s.fallback.scrub(out)
	rules = append(rules, rest.RuleIDs...)

	record(rules)
	return Result{Content: rest.Content, RuleIDs: dedupe(rules)}
}

// Nop passes content through.
type Nop struct{}

// Scrub returns content unchanged.
func (Nop) Scrub(content string) Result { return Result{Content: content} }

func record(rules []string) {
	for _, r := range rules {
		redactionsTotal.WithLabelValues(r).Inc()
	}
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
