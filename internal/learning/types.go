// Package learning defines the persisted entities of learnd: learnings,
// sessions, file claims and handoffs, together with the shared error
// taxonomy and content normalization.
package learning

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Type classifies what a learning records.
type Type string

const (
	TypeWorkingSolution       Type = "WORKING_SOLUTION"
	TypeFailedApproach        Type = "FAILED_APPROACH"
	TypeCodebasePattern       Type = "CODEBASE_PATTERN"
	TypeArchitecturalDecision Type = "ARCHITECTURAL_DECISION"
	TypeErrorFix              Type = "ERROR_FIX"
	TypeUserPreference        Type = "USER_PREFERENCE"
	TypeOpenThread            Type = "OPEN_THREAD"
)

var validTypes = map[Type]bool{
	TypeWorkingSolution:       true,
	TypeFailedApproach:        true,
	TypeCodebasePattern:       true,
	TypeArchitecturalDecision: true,
	TypeErrorFix:              true,
	TypeUserPreference:        true,
	TypeOpenThread:            true,
}

// Valid reports whether t is a known learning type.
func (t Type) Valid() bool {
	return validTypes[t]
}

// ParseType parses a learning type case-insensitively.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidLearning, s)
	}
	return t, nil
}

// Confidence is the author's confidence in a learning.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Valid reports whether c is a known confidence level.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return true
	}
	return false
}

// ParseConfidence parses a confidence level. Empty input yields medium.
func ParseConfidence(s string) (Confidence, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ConfidenceMedium, nil
	}
	c := Confidence(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown confidence %q", ErrInvalidLearning, s)
	}
	return c, nil
}

// MaxContentLength bounds the size of a single learning.
const MaxContentLength = 16 * 1024

// Learning is a short piece of knowledge captured by an agent session.
//
// A Learning is immutable once stored. Metadata carries soft corrections and
// is the only field that may change afterwards.
type Learning struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	Project    string            `json:"project"`
	Content    string            `json:"content"`
	Embedding  []float32         `json:"-"`
	Type       Type              `json:"type"`
	Context    string            `json:"context,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Confidence Confidence        `json:"confidence"`
	CreatedAt  time.Time         `json:"created_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewLearning creates a validated learning with a fresh id.
func NewLearning(sessionID, project, content string, t Type, c Confidence) (*Learning, error) {
	l := &Learning{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Project:    project,
		Content:    strings.TrimSpace(content),
		Type:       t,
		Confidence: c,
		CreatedAt:  time.Now().UTC(),
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Validate checks required fields.
func (l *Learning) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidLearning)
	}
	if l.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidLearning)
	}
	if l.Project == "" {
		return fmt.Errorf("%w: project is required", ErrInvalidLearning)
	}
	if strings.TrimSpace(l.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidLearning)
	}
	if len(l.Content) > MaxContentLength {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidLearning, MaxContentLength)
	}
	if !l.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidLearning, l.Type)
	}
	if !l.Confidence.Valid() {
		return fmt.Errorf("%w: unknown confidence %q", ErrInvalidLearning, l.Confidence)
	}
	return nil
}

// SetTags stores tags as an ordered set: trimmed, lowercased, first
// occurrence wins.
func (l *Learning) SetTags(tags []string) {
	l.Tags = NormalizeTags(tags)
}

// NormalizeTags trims, lowercases and de-duplicates tags preserving order.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// NormalizeContent lowercases, collapses whitespace and strips trailing
// punctuation. Two learnings with equal normalized content are exact
// duplicates.
func NormalizeContent(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), unicode.IsSpace)
	out := strings.Join(fields, " ")
	return strings.TrimRightFunc(out, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

// ContentHash returns the hex sha256 of the normalized content.
func ContentHash(s string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(s)))
	return hex.EncodeToString(sum[:])
}
