package extraction

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/learnd/internal/learning"
)

// ExtractorConfig configures an Extractor.
type ExtractorConfig struct {
	// Patterns replaces the defaults when non-empty.
	Patterns []Pattern
	// MinConfidence drops matches with a lower weight (default 0.5).
	MinConfidence float64
	// ContextWindow is how many preceding messages become the candidate's
	// context (default 2).
	ContextWindow int
	// Tags overrides the default tag rules.
	Tags map[string][]string
}

// Extractor finds learning candidates with weighted regex patterns.
type Extractor struct {
	patterns      []*compiledPattern
	minConfidence float64
	contextWindow int
	tags          *TagExtractor
}

type compiledPattern struct {
	Pattern
	regex *regexp.Regexp
}

// NewExtractor compiles the patterns. An invalid pattern is an error.
func NewExtractor(cfg ExtractorConfig) (*Extractor, error) {
	patterns := cfg.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}

	compiled := make([]*compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		if !p.Type.Valid() {
			return nil, fmt.Errorf("pattern %q: unknown type %q", p.Name, p.Type)
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p.Name, err)
		}
		compiled = append(compiled, &compiledPattern{Pattern: p, regex: re})
	}

	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.5
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 2
	}

	return &Extractor{
		patterns:      compiled,
		minConfidence: cfg.MinConfidence,
		contextWindow: cfg.ContextWindow,
		tags:          NewTagExtractor(cfg.Tags),
	}, nil
}

// Extract returns one candidate per matching user or assistant message.
// Messages whose sentence was already extracted are skipped.
func (e *Extractor) Extract(messages []Message) []Candidate {
	var out []Candidate
	seen := make(map[string]bool)

	for i, msg := range messages {
		if msg.Role != RoleAssistant && msg.Role != RoleUser {
			continue
		}

		match, loc := e.bestMatch(msg.Content)
		if match == nil || match.Weight < e.minConfidence {
			continue
		}

		content := truncate(sentenceAround(msg.Content, loc), learning.MaxContentLength-len("..."))
		key := learning.NormalizeContent(content)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		tags := e.tags.ExtractTags(msg.Content)
		tags = append(tags, e.tags.ExtractTagsFromFiles(FilePaths(msg.Content))...)

		out = append(out, Candidate{
			Content:     content,
			Context:     e.buildContext(messages, i),
			Type:        match.Type,
			Confidence:  ConfidenceFor(match.Weight),
			Weight:      match.Weight,
			Pattern:     match.Name,
			Tags:        learning.NormalizeTags(tags),
			MessageUUID: msg.UUID,
		})
	}

	return out
}

// bestMatch finds the highest-weight matching pattern. Earlier patterns win
// ties.
func (e *Extractor) bestMatch(content string) (*compiledPattern, []int) {
	var (
		best *compiledPattern
		loc  []int
	)
	for _, p := range e.patterns {
		if m := p.regex.FindStringIndex(content); m != nil {
			if best == nil || p.Weight > best.Weight {
				best, loc = p, m
			}
		}
	}
	return best, loc
}

// sentenceAround returns the sentence containing loc. A sentence ends at a
// newline or at '.', '!' or '?' followed by whitespace.
func sentenceAround(content string, loc []int) string {
	start := 0
	for i := loc[0] - 1; i >= 0; i-- {
		if sentenceEnd(content, i) {
			start = i + 1
			break
		}
	}
	end := len(content)
	for i := loc[1]; i < len(content); i++ {
		if sentenceEnd(content, i) {
			end = i + 1
			break
		}
	}
	return strings.TrimSpace(content[start:end])
}

func sentenceEnd(s string, i int) bool {
	switch s[i] {
	case '\n':
		return true
	case '.', '!', '?':
		return i+1 == len(s) || s[i+1] == ' ' || s[i+1] == '\t' || s[i+1] == '\n'
	}
	return false
}

func (e *Extractor) buildContext(messages []Message, idx int) string {
	start := max(idx-e.contextWindow, 0)
	lines := make([]string, 0, idx-start)
	for i := start; i < idx; i++ {
		lines = append(lines, formatContextMessage(messages[i]))
	}
	return strings.Join(lines, "\n")
}

func formatContextMessage(msg Message) string {
	return capitalizeFirst(msg.Role) + ": " + truncate(msg.Content, 200)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back off to a rune boundary.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func capitalizeFirst(s string) string {
	if len(s) == 0 {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
