// Package handoff records the terminal summary of a session so the next
// session on the project can pick up where it left off.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/coord"
	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/scrub"
	"github.com/fyrsmithlabs/learnd/internal/store"
)

// namespace seeds deterministic handoff ids.
var namespace = uuid.MustParse("6f9d3c1e-3b0a-4c57-9a38-0f5f1e2d7c44")

// MaxSearchLimit bounds Search.
const MaxSearchLimit = 50

// ID returns the handoff id of a session. Each session has at most one
// handoff.
func ID(sc coord.SessionContext) string {
	return uuid.NewSHA1(namespace, []byte(sc.Project+"\x00"+sc.SessionID)).String()
}

// Service creates, marks and searches handoffs.
type Service struct {
	backend  store.Backend
	scrubber scrub.Scrubber
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a handoff service. A nil scrubber disables scrubbing.
func NewService(backend store.Backend, scrubber scrub.Scrubber, logger *zap.Logger) (*Service, error) {
	if backend == nil {
		return nil, errors.New("handoff: backend is required")
	}
	if scrubber == nil {
		scrubber = scrub.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		backend:  backend,
		scrubber: scrubber,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Create writes the caller's handoff. A session's handoff is write-once;
// a second call returns learning.ErrHandoffExists.
func (s *Service) Create(ctx context.Context, sc coord.SessionContext, content string) (*learning.Handoff, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: handoff content is required", learning.ErrInvalidLearning)
	}

	res := s.scrubber.Scrub(content)
	if res.Redacted() {
		s.logger.Warn("redacted secrets from handoff",
			zap.String("session_id", sc.SessionID),
			zap.Strings("rules", res.RuleIDs))
	}

	h := &learning.Handoff{
		ID:        ID(sc),
		SessionID: sc.SessionID,
		Project:   sc.Project,
		Content:   res.Content,
		CreatedAt: s.now(),
		Outcome:   learning.OutcomeUnknown,
	}
	if err := s.backend.InsertHandoff(ctx, h); err != nil {
		if errors.Is(err, learning.ErrHandoffExists) {
			return nil, err
		}
		return nil, fmt.Errorf("creating handoff: %w", err)
	}

	s.logger.Info("handoff created",
		zap.String("id", h.ID),
		zap.String("session_id", h.SessionID),
		zap.String("project", h.Project))
	return h, nil
}

// Mark records how the session turned out.
func (s *Service) Mark(ctx context.Context, id string, outcome learning.Outcome, notes string) error {
	if id == "" {
		return fmt.Errorf("%w: handoff id is required", learning.ErrInvalidQuery)
	}
	o, err := learning.ParseOutcome(string(outcome))
	if err != nil {
		return err
	}
	if err := s.backend.MarkHandoff(ctx, id, o, strings.TrimSpace(notes)); err != nil {
		return fmt.Errorf("marking handoff: %w", err)
	}
	s.logger.Info("handoff marked", zap.String("id", id), zap.String("outcome", string(o)))
	return nil
}

// Search ranks a project's handoffs lexically; an empty query returns the
// most recent.
func (s *Service) Search(ctx context.Context, project, query string, limit int) ([]learning.Handoff, error) {
	if project == "" {
		return nil, fmt.Errorf("%w: project is required", learning.ErrInvalidQuery)
	}
	if limit <= 0 {
		limit = 10
	}
	limit = min(limit, MaxSearchLimit)
	out, err := s.backend.SearchHandoffs(ctx, project, query, limit)
	if err != nil {
		return nil, fmt.Errorf("searching handoffs: %w", err)
	}
	return out, nil
}

// Get returns one handoff.
func (s *Service) Get(ctx context.Context, id string) (*learning.Handoff, error) {
	return s.backend.GetHandoff(ctx, id)
}
