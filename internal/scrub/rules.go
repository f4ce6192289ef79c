package scrub

import (
	"regexp"
	"strings"
)

type rule struct {
	id      string
	pattern *regexp.Regexp
	// group is the submatch holding the secret; 0 redacts the whole match.
	group int
}

var builtinRules = []rule{
	{id: "private-key", pattern: regexp.MustCompile(`-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----[\s\S]*?-----END (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`)},
	{id: "github-pat", pattern: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36}`)},
	{id: "github-fine-grained-pat", pattern: regexp.MustCompile(`github_pat_[A-Za-z0-9_]{82}`)},
	{id: "aws-access-token", pattern: regexp.MustCompile(`(?:A3T[A-Z0-9]|AKIA|ASIA|ABIA|ACCA)[A-Z0-9]{16}`)},
	{id: "slack-token", pattern: regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`)},
	{id: "generic-secret", pattern: regexp.MustCompile(`(?i)(?:password|passwd|pwd|secret|api[_-]?key|token)\s*[:=]\s*['"]?([^\s'"]{8,})`), group: 1},
}

type regexScrubber struct {
	rules []rule
}

func newRegexScrubber() *regexScrubber {
	return &regexScrubber{rules: builtinRules}
}

// Scrub applies the built-in rules.
func (s *regexScrubber) Scrub(content string) Result {
	res := s.scrub(content)
	record(res.RuleIDs)
	res.RuleIDs = dedupe(res.RuleIDs)
	return res
}

func (s *regexScrubber) scrub(content string) Result {
	out := content
	var rules []string
	for _, r := range s.rules {
		matches := r.pattern.FindAllStringSubmatchIndex(out, -1)
		if len(matches) == 0 {
			continue
		}
		// Replace back to front so earlier offsets stay valid.
		for i := len(matches) - 1; i >= 0; i-- {
			m := matches[i]
			start, end := m[2*r.group], m[2*r.group+1]
			if start < 0 {
				continue
			}
			if strings.HasPrefix(out[start:end], Redaction) {
				continue
			}
			out = out[:start] + Redaction + out[end:]
			rules = append(rules, r.id)
		}
	}
	return Result{Content: out, RuleIDs: rules}
}
