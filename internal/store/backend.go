// Package store defines the persistence contract shared by every backend
// variant and the cross-cutting pieces that wrap them: retry, health
// monitoring and failover between a primary and a fallback backend.
//
// Variants live in sub-packages:
//
//   - postgres: pgx + pgvector, lexical and vector search
//   - sqlite: pure-Go sqlite with FTS5, lexical only
//   - embedded: sqlite rows plus an in-process chromem vector index
package store

import (
	"context"
	"slices"
	"time"

	"github.com/fyrsmithlabs/learnd/internal/learning"
)

// Kind tags a backend as vector-capable or lexical-only.
type Kind int

const (
	KindLexical Kind = iota
	KindVector
)

func (k Kind) String() string {
	if k == KindVector {
		return "vector"
	}
	return "lexical"
}

// Capabilities describes what searches a backend supports.
type Capabilities struct {
	Lexical   bool `json:"lexical"`
	Vector    bool `json:"vector"`
	Dimension int  `json:"dimension,omitempty"`
}

// Filter restricts searches. Zero fields do not filter.
type Filter struct {
	Project   string          `json:"project,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Types     []learning.Type `json:"types,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Since     time.Time       `json:"since,omitempty"`
}

// Matches reports whether l satisfies every set field of f. Tags match when
// the learning carries all of them.
func (f Filter) Matches(l *learning.Learning) bool {
	if f.Project != "" && l.Project != f.Project {
		return false
	}
	if f.SessionID != "" && l.SessionID != f.SessionID {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, l.Type) {
		return false
	}
	for _, t := range f.Tags {
		if !slices.Contains(l.Tags, t) {
			return false
		}
	}
	if !f.Since.IsZero() && l.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// Hit is a search result. Higher scores are more relevant; the scale is
// backend-local.
type Hit struct {
	Learning learning.Learning `json:"learning"`
	Score    float64           `json:"score"`
}

// Backend persists learnings, sessions, file claims and handoffs.
//
// Implementations wrap connection and timeout failures in
// learning.ErrBackendUnreachable and return learning.ErrNotFound for
// missing entities.
type Backend interface {
	// Name identifies the backend instance. It is part of recall cache keys.
	Name() string
	Capabilities() Capabilities
	Kind() Kind
	Ping(ctx context.Context) error

	InsertLearning(ctx context.Context, l *learning.Learning) error
	GetLearning(ctx context.Context, id string) (*learning.Learning, error)
	// AnnotateLearning merges md into the learning's metadata.
	AnnotateLearning(ctx context.Context, id string, md map[string]string) error
	LexicalSearch(ctx context.Context, query string, f Filter, limit int) ([]Hit, error)
	// VectorSearch returns neighbors by cosine similarity. Lexical-only
	// backends return learning.ErrVectorUnsupported.
	VectorSearch(ctx context.Context, vec []float32, f Filter, limit int) ([]Hit, error)
	// FindByContent returns learnings whose normalized content equals
	// normalized, newest first. An empty sessionID matches any session.
	FindByContent(ctx context.Context, project, sessionID, normalized string) ([]learning.Learning, error)

	// UpsertSession creates s or refreshes WorkingOn and LastHeartbeat while
	// keeping the stored StartedAt. It returns the stored row.
	UpsertSession(ctx context.Context, s learning.Session) (*learning.Session, error)
	// TouchSession sets LastHeartbeat to the later of the stored value and at.
	// It returns learning.ErrNotFound for an unknown session.
	TouchSession(ctx context.Context, id string, at time.Time) error
	GetSession(ctx context.Context, id string) (*learning.Session, error)
	// ListSessions returns sessions with LastHeartbeat at or after
	// activeSince, newest StartedAt first. An empty project lists all.
	ListSessions(ctx context.Context, project string, activeSince time.Time) ([]learning.Session, error)

	// PutClaim records c, replacing any claim on the same (FilePath, Project),
	// and returns the replaced claim if there was one.
	PutClaim(ctx context.Context, c learning.FileClaim) (*learning.FileClaim, error)
	GetClaim(ctx context.Context, filePath, project string) (*learning.FileClaim, error)
	// ReleaseClaims deletes every claim held by sessionID.
	ReleaseClaims(ctx context.Context, sessionID string) (int, error)

	// InsertHandoff returns learning.ErrHandoffExists if the id is taken.
	InsertHandoff(ctx context.Context, h *learning.Handoff) error
	MarkHandoff(ctx context.Context, id string, outcome learning.Outcome, notes string) error
	// SearchHandoffs ranks a project's handoffs lexically. An empty query
	// returns the most recent.
	SearchHandoffs(ctx context.Context, project, query string, limit int) ([]learning.Handoff, error)
	GetHandoff(ctx context.Context, id string) (*learning.Handoff, error)

	Close() error
}
