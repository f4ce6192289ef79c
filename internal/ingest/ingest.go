// Package ingest implements the store path: scrub, validate, embed, check
// for duplicates and insert.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/coord"
	"github.com/fyrsmithlabs/learnd/internal/dedup"
	"github.com/fyrsmithlabs/learnd/internal/embeddings"
	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/logging"
	"github.com/fyrsmithlabs/learnd/internal/scrub"
	"github.com/fyrsmithlabs/learnd/internal/store"
)

var tracer = otel.Tracer("learnd.ingest")

// StoreTotal counts store outcomes.
var StoreTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "learnd",
		Subsystem: "ingest",
		Name:      "store_total",
		Help:      "Learning store attempts by outcome",
	},
	[]string{"status"},
)

// Status is the outcome of a store.
type Status string

const (
	StatusStored  Status = "stored"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// StoreRequest is a learning as submitted by a session.
type StoreRequest struct {
	Content    string   `json:"content"`
	Type       string   `json:"type"`
	Context    string   `json:"context,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Confidence string   `json:"confidence,omitempty"`
}

// StoreResult reports what happened to a StoreRequest.
type StoreResult struct {
	ID         string `json:"id,omitempty"`
	Status     Status `json:"status"`
	ExistingID string `json:"existing_id,omitempty"`
	// VectorEligible is false when the learning was stored without a vector.
	VectorEligible bool `json:"vector_eligible"`
	// Degraded is set when embedding failed or the backend runs on its
	// fallback.
	Degraded bool     `json:"degraded,omitempty"`
	Redacted []string `json:"redacted,omitempty"`
}

// Config configures the service.
type Config struct {
	// Dimension is the deployment embedding dimension.
	Dimension int
	// EmbedTimeout bounds embedding one learning.
	EmbedTimeout time.Duration
	// OpTimeout bounds each backend operation.
	OpTimeout time.Duration
	Retry     store.RetryConfig
}

func (c *Config) applyDefaults() {
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = 5 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 5 * time.Second
	}
	c.Retry.ApplyDefaults()
}

// Service stores learnings.
type Service struct {
	backend  store.Backend
	embedder embeddings.Provider
	gate     *dedup.Gate
	scrubber scrub.Scrubber
	cfg      Config
	logger   *zap.Logger
}

// NewService wires the store path. A nil embedder stores every learning
// lexical-only; a nil scrubber disables scrubbing.
func NewService(backend store.Backend, embedder embeddings.Provider, gate *dedup.Gate, scrubber scrub.Scrubber, cfg Config, logger *zap.Logger) (*Service, error) {
	if backend == nil {
		return nil, errors.New("ingest: backend is required")
	}
	if gate == nil {
		return nil, errors.New("ingest: dedup gate is required")
	}
	if scrubber == nil {
		scrubber = scrub.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	if cfg.Dimension <= 0 && embedder != nil {
		cfg.Dimension = embedder.Dimension()
	}
	return &Service{
		backend:  backend,
		embedder: embedder,
		gate:     gate,
		scrubber: scrubber,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Store runs the store path for one learning. Validation errors and
// backend failures are returned; embedding failures only degrade the
// result.
func (s *Service) Store(ctx context.Context, sc coord.SessionContext, req StoreRequest) (StoreResult, error) {
	ctx, span := tracer.Start(ctx, "ingest.Store")
	defer span.End()
	span.SetAttributes(attribute.String("project", sc.Project), attribute.String("type", req.Type))
	logger := logging.For(logging.WithSession(ctx, sc.SessionID, sc.Project), s.logger)

	res, err := s.store(ctx, sc, req, logger)
	StoreTotal.WithLabelValues(string(res.Status)).Inc()
	span.SetAttributes(attribute.String("status", string(res.Status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (s *Service) store(ctx context.Context, sc coord.SessionContext, req StoreRequest, logger *zap.Logger) (StoreResult, error) {
	failed := StoreResult{Status: StatusFailed}

	content := s.scrubber.Scrub(req.Content)
	extra := s.scrubber.Scrub(req.Context)
	redacted := append(content.RuleIDs, extra.RuleIDs...)
	if len(redacted) > 0 {
		logger.Warn("redacted secrets from learning", zap.Strings("rules", redacted))
	}
	failed.Redacted = redacted

	l, err := s.build(sc, req, content.Content, extra.Content)
	if err != nil {
		return failed, err
	}

	res := StoreResult{ID: l.ID, Redacted: redacted}
	res.VectorEligible, res.Degraded = s.embed(ctx, l, logger)
	if d, ok := s.backend.(interface{ Degraded() bool }); ok && d.Degraded() {
		res.Degraded = true
	}

	var decision dedup.Decision
	err = store.Retry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		defer cancel()
		decision, err = s.gate.Consider(opCtx, l)
		return err
	})
	if err != nil {
		failed.Degraded = res.Degraded
		return failed, fmt.Errorf("checking duplicates: %w", err)
	}
	if decision.Action == dedup.ActionSkip {
		logger.Info("learning skipped as duplicate",
			zap.String("existing_id", decision.ExistingID),
			zap.String("method", string(decision.Method)),
			zap.Float64("similarity", decision.Similarity))
		res.ID = ""
		res.Status = StatusSkipped
		res.ExistingID = decision.ExistingID
		return res, nil
	}

	err = store.Retry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		defer cancel()
		return s.backend.InsertLearning(opCtx, l)
	})
	if err != nil {
		logger.Error("storing learning failed", zap.String("id", l.ID), zap.Error(err))
		failed.Degraded = res.Degraded
		return failed, fmt.Errorf("storing learning: %w", err)
	}

	res.Status = StatusStored
	logger.Info("learning stored",
		zap.String("id", l.ID),
		zap.String("type", string(l.Type)),
		zap.Bool("vector", res.VectorEligible),
		zap.String("backend", s.backend.Name()))
	return res, nil
}

func (s *Service) build(sc coord.SessionContext, req StoreRequest, content, extra string) (*learning.Learning, error) {
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", learning.ErrInvalidLearning, err)
	}
	t, err := learning.ParseType(req.Type)
	if err != nil {
		return nil, err
	}
	c, err := learning.ParseConfidence(req.Confidence)
	if err != nil {
		return nil, err
	}
	l, err := learning.NewLearning(sc.SessionID, sc.Project, content, t, c)
	if err != nil {
		return nil, err
	}
	l.Context = extra
	l.SetTags(req.Tags)
	return l, nil
}

// embed attaches a vector to l. It reports whether the learning is vector
// eligible and whether embedding failed.
func (s *Service) embed(ctx context.Context, l *learning.Learning, logger *zap.Logger) (eligible, degraded bool) {
	if s.embedder == nil {
		return false, false
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EmbedTimeout)
	defer cancel()

	vec, err := s.embedder.EmbedQuery(ctx, l.Content)
	if err != nil {
		logger.Warn("embedding failed, storing lexical-only", zap.String("id", l.ID), zap.Error(err))
		return false, true
	}
	if len(vec) != s.cfg.Dimension {
		logger.Warn("embedding dimension mismatch, storing lexical-only",
			zap.String("id", l.ID),
			zap.Error(fmt.Errorf("%w: got %d, want %d", learning.ErrSchemaMismatch, len(vec), s.cfg.Dimension)))
		return false, false
	}
	l.Embedding = vec
	return true, false
}

// Annotate merges soft metadata corrections into a stored learning.
func (s *Service) Annotate(ctx context.Context, id string, md map[string]string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", learning.ErrInvalidLearning)
	}
	if len(md) == 0 {
		return fmt.Errorf("%w: metadata is required", learning.ErrInvalidLearning)
	}
	err := store.Retry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		defer cancel()
		return s.backend.AnnotateLearning(opCtx, id, md)
	})
	if err != nil {
		return fmt.Errorf("annotating learning: %w", err)
	}
	s.logger.Info("learning annotated", zap.String("id", id), zap.Int("keys", len(md)))
	return nil
}
