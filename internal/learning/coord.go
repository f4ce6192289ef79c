package learning

import (
	"fmt"
	"strings"
	"time"
)

// Session is an agent session working on a project.
type Session struct {
	ID            string    `json:"id"`
	Project       string    `json:"project"`
	WorkingOn     string    `json:"working_on,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Active reports whether the session heartbeat falls within window of now.
func (s Session) Active(now time.Time, window time.Duration) bool {
	return now.Sub(s.LastHeartbeat) <= window
}

// FileClaim is an advisory marker that a session is editing a file.
// (FilePath, Project) identifies at most one claim.
type FileClaim struct {
	FilePath  string    `json:"file_path"`
	Project   string    `json:"project"`
	SessionID string    `json:"session_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Outcome records how a session's handoff turned out.
type Outcome string

const (
	OutcomeUnknown      Outcome = "UNKNOWN"
	OutcomeSucceeded    Outcome = "SUCCEEDED"
	OutcomePartialPlus  Outcome = "PARTIAL_PLUS"
	OutcomePartialMinus Outcome = "PARTIAL_MINUS"
	OutcomeFailed       Outcome = "FAILED"
)

// ParseOutcome parses an outcome case-insensitively.
func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(strings.ToUpper(strings.TrimSpace(s)))
	switch o {
	case OutcomeUnknown, OutcomeSucceeded, OutcomePartialPlus, OutcomePartialMinus, OutcomeFailed:
		return o, nil
	}
	return "", fmt.Errorf("%w: unknown outcome %q", ErrInvalidQuery, s)
}

// Handoff is the terminal summary of a session's work. Content is
// write-once; Outcome and OutcomeNotes are marked afterwards.
type Handoff struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Project      string    `json:"project"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
	Outcome      Outcome   `json:"outcome"`
	OutcomeNotes string    `json:"outcome_notes,omitempty"`
}
