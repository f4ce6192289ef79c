// Package dedup decides whether a candidate learning duplicates one already
// stored in its scope.
package dedup

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/config"
	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/store"
)

// tieEpsilon groups neighbors whose similarity equals the maximum.
const tieEpsilon = 1e-6

// SkippedTotal counts candidates dropped as duplicates.
var SkippedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "learnd",
		Subsystem: "dedup",
		Name:      "skipped_total",
		Help:      "Candidates skipped as duplicates, by detection method",
	},
	[]string{"method"},
)

// Action is the outcome of the gate.
type Action string

const (
	ActionInsert Action = "insert"
	ActionSkip   Action = "skip"
)

// Method is how a duplicate was detected.
type Method string

const (
	MethodVector  Method = "vector"
	MethodLexical Method = "lexical"
)

// Decision is the verdict for one candidate.
type Decision struct {
	Action     Action  `json:"action"`
	ExistingID string  `json:"existing_id,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
	Method     Method  `json:"method,omitempty"`
}

// Scope bounds which stored learnings a candidate is compared against.
type Scope string

const (
	ScopeProject Scope = "project"
	ScopeSession Scope = "session"
)

// Config configures the gate.
type Config struct {
	Threshold     float64
	Scope         Scope
	NeighborLimit int
}

// ConfigFrom converts the loaded configuration.
func ConfigFrom(c config.DedupConfig) Config {
	return Config{Threshold: c.Threshold, Scope: Scope(c.Scope), NeighborLimit: c.NeighborLimit}
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = 0.92
	}
	if c.Scope == "" {
		c.Scope = ScopeProject
	}
	if c.NeighborLimit <= 0 {
		c.NeighborLimit = 5
	}
}

// Gate compares candidates against the backend.
type Gate struct {
	backend store.Backend
	cfg     Config
	logger  *zap.Logger
}

// New creates a gate over backend.
func New(backend store.Backend, cfg Config, logger *zap.Logger) (*Gate, error) {
	if backend == nil {
		return nil, errors.New("dedup: backend is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if cfg.Threshold > 1 {
		return nil, fmt.Errorf("dedup: threshold must be in (0, 1], got %v", cfg.Threshold)
	}
	if cfg.Scope != ScopeProject && cfg.Scope != ScopeSession {
		return nil, fmt.Errorf("dedup: unknown scope %q", cfg.Scope)
	}
	return &Gate{backend: backend, cfg: cfg, logger: logger}, nil
}

// Consider decides whether c should be inserted.
//
// With a vector-capable backend and an embedded candidate, the nearest
// neighbors in scope are compared against the threshold. Exact matches on
// normalized content are always duplicates, which covers lexical-only
// backends and learnings stored without a vector.
func (g *Gate) Consider(ctx context.Context, c *learning.Learning) (Decision, error) {
	sessionID := ""
	if g.cfg.Scope == ScopeSession {
		sessionID = c.SessionID
	}

	if len(c.Embedding) > 0 && g.backend.Capabilities().Vector {
		d, err := g.byVector(ctx, c, sessionID)
		switch {
		case err == nil && d.Action == ActionSkip:
			return g.skip(d), nil
		case err == nil:
		case errors.Is(err, learning.ErrVectorUnsupported), errors.Is(err, learning.ErrSchemaMismatch):
			g.logger.Debug("vector dedup unavailable, using lexical", zap.Error(err))
		default:
			return Decision{}, err
		}
	}

	d, err := g.byContent(ctx, c, sessionID)
	if err != nil {
		return Decision{}, err
	}
	if d.Action == ActionSkip {
		return g.skip(d), nil
	}
	return d, nil
}

func (g *Gate) skip(d Decision) Decision {
	SkippedTotal.WithLabelValues(string(d.Method)).Inc()
	g.logger.Debug("duplicate skipped",
		zap.String("existing_id", d.ExistingID),
		zap.String("method", string(d.Method)),
		zap.Float64("similarity", d.Similarity))
	return d
}

func (g *Gate) byVector(ctx context.Context, c *learning.Learning, sessionID string) (Decision, error) {
	hits, err := g.backend.VectorSearch(ctx, c.Embedding, store.Filter{Project: c.Project, SessionID: sessionID}, g.cfg.NeighborLimit)
	if err != nil {
		return Decision{}, err
	}
	best, ok := bestNeighbor(hits, c.ID)
	if !ok || best.Score < g.cfg.Threshold {
		return Decision{Action: ActionInsert}, nil
	}
	return Decision{
		Action:     ActionSkip,
		ExistingID: best.Learning.ID,
		Similarity: best.Score,
		Method:     MethodVector,
	}, nil
}

// bestNeighbor returns the most similar hit; among hits within tieEpsilon of
// the maximum the latest CreatedAt wins. The candidate itself is ignored.
func bestNeighbor(hits []store.Hit, selfID string) (store.Hit, bool) {
	var (
		best  store.Hit
		found bool
	)
	maxSim := 0.0
	for _, h := range hits {
		if h.Learning.ID == selfID {
			continue
		}
		if !found || h.Score > maxSim {
			maxSim = h.Score
			found = true
		}
	}
	if !found {
		return best, false
	}
	found = false
	for _, h := range hits {
		if h.Learning.ID == selfID || maxSim-h.Score > tieEpsilon {
			continue
		}
		if !found || h.Learning.CreatedAt.After(best.Learning.CreatedAt) {
			best = h
			found = true
		}
	}
	return best, found
}

func (g *Gate) byContent(ctx context.Context, c *learning.Learning, sessionID string) (Decision, error) {
	matches, err := g.backend.FindByContent(ctx, c.Project, sessionID, learning.NormalizeContent(c.Content))
	if err != nil {
		return Decision{}, err
	}
	for _, m := range matches {
		if m.ID == c.ID {
			continue
		}
		return Decision{Action: ActionSkip, ExistingID: m.ID, Similarity: 1, Method: MethodLexical}, nil
	}
	return Decision{Action: ActionInsert}, nil
}
