package extraction

import (
	"github.com/fyrsmithlabs/learnd/internal/learning"
)

// Pattern detects a learning in a message.
type Pattern struct {
	Name   string        `json:"name"`
	Regex  string        `json:"regex"`
	Weight float64       `json:"weight"`
	Type   learning.Type `json:"type"`
}

// Message is one transcript entry.
type Message struct {
	UUID    string `json:"uuid,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles scanned for learnings.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Candidate is a learning found in a transcript, ready to store.
type Candidate struct {
	Content    string              `json:"content"`
	Context    string              `json:"context,omitempty"`
	Type       learning.Type       `json:"type"`
	Confidence learning.Confidence `json:"confidence"`
	Weight     float64             `json:"weight"`
	Pattern    string              `json:"pattern"`
	Tags       []string            `json:"tags,omitempty"`
	// MessageUUID identifies the source message when the transcript had ids.
	MessageUUID string `json:"message_uuid,omitempty"`
}

// DefaultPatterns returns the built-in detection patterns.
func DefaultPatterns() []Pattern {
	return []Pattern{
		// Decisions
		{Name: "lets_use", Regex: `(?i)let'?s (go with|use|choose|pick)`, Weight: 0.9, Type: learning.TypeArchitecturalDecision},
		{Name: "decided_to", Regex: `(?i)decided to`, Weight: 0.9, Type: learning.TypeArchitecturalDecision},
		{Name: "choosing_over", Regex: `(?i)choosing .+ over`, Weight: 0.9, Type: learning.TypeArchitecturalDecision},
		{Name: "approach_is", Regex: `(?i)the approach (is|will be)`, Weight: 0.8, Type: learning.TypeArchitecturalDecision},
		{Name: "architecture", Regex: `(?i)architecture.*(should|will)`, Weight: 0.7, Type: learning.TypeArchitecturalDecision},

		// Codebase conventions
		{Name: "pattern_for", Regex: `(?i)pattern for this`, Weight: 0.7, Type: learning.TypeCodebasePattern},
		{Name: "convention", Regex: `(?i)(the )?convention (here )?is`, Weight: 0.8, Type: learning.TypeCodebasePattern},

		// Anti-patterns
		{Name: "dont_because", Regex: `(?i)don'?t (do|use).*because`, Weight: 0.8, Type: learning.TypeFailedApproach},
		{Name: "avoid_because", Regex: `(?i)avoid.*because`, Weight: 0.8, Type: learning.TypeFailedApproach},
		{Name: "failed_approach", Regex: `(?i)this (broke|failed)`, Weight: 0.7, Type: learning.TypeFailedApproach},

		// Fixes and solutions
		{Name: "fixed_by", Regex: `(?i)fixed (it |this )?by`, Weight: 0.9, Type: learning.TypeErrorFix},
		{Name: "root_cause", Regex: `(?i)root cause (is|was)`, Weight: 0.8, Type: learning.TypeErrorFix},
		{Name: "solution_is", Regex: `(?i)the (solution|fix) (is|was)`, Weight: 0.8, Type: learning.TypeWorkingSolution},
		{Name: "that_works", Regex: `(?i)\b(that|this|it) (now )?works\b`, Weight: 0.7, Type: learning.TypeWorkingSolution},

		// Explicit capture
		{Name: "remember_this", Regex: `(?i)remember (this|that)`, Weight: 1.0, Type: learning.TypeUserPreference},
		{Name: "note_future", Regex: `(?i)note for (future|later)`, Weight: 1.0, Type: learning.TypeUserPreference},

		// Unfinished work
		{Name: "follow_up", Regex: `(?i)\b(still need to|follow[- ]up on|come back to)\b`, Weight: 0.6, Type: learning.TypeOpenThread},
	}
}

// ConfidenceFor maps a pattern weight to a confidence level.
func ConfidenceFor(weight float64) learning.Confidence {
	switch {
	case weight >= 0.9:
		return learning.ConfidenceHigh
	case weight >= 0.7:
		return learning.ConfidenceMedium
	default:
		return learning.ConfidenceLow
	}
}
