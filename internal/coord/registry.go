package coord

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/events"
	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/store"
)

// Registry tracks which sessions are active on which project.
type Registry struct {
	backend store.Backend
	cfg     Config
	options
}

// NewRegistry creates a registry over backend.
func NewRegistry(backend store.Backend, cfg Config, opts ...Option) (*Registry, error) {
	if backend == nil {
		return nil, errors.New("coord: backend is required")
	}
	cfg.ApplyDefaults()
	return &Registry{backend: backend, cfg: cfg, options: buildOptions(opts)}, nil
}

// Register creates or refreshes the caller's session. StartedAt of an
// existing session is kept.
func (r *Registry) Register(ctx context.Context, sc SessionContext, workingOn string) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	now := r.now()
	sess, err := r.backend.UpsertSession(ctx, learning.Session{
		ID:            sc.SessionID,
		Project:       sc.Project,
		WorkingOn:     workingOn,
		StartedAt:     now,
		LastHeartbeat: now,
	})
	if err != nil {
		return fmt.Errorf("registering session: %w", err)
	}

	r.logger.Info("session registered",
		zap.String("session_id", sess.ID),
		zap.String("project", sess.Project),
		zap.String("working_on", sess.WorkingOn))
	r.publisher.Publish(ctx, events.Event{
		Kind:      events.KindSessionRegistered,
		Project:   sc.Project,
		SessionID: sc.SessionID,
		At:        now,
	})
	return nil
}

// Heartbeat advances the caller's LastHeartbeat, registering the session
// if the backend does not know it.
func (r *Registry) Heartbeat(ctx context.Context, sc SessionContext) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	err := r.backend.TouchSession(ctx, sc.SessionID, r.now())
	if errors.Is(err, learning.ErrNotFound) {
		r.logger.Debug("heartbeat for unknown session, registering", zap.String("session_id", sc.SessionID))
		return r.Register(ctx, sc, "")
	}
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// ActiveSessions lists sessions whose heartbeat falls inside the activity
// window, newest StartedAt first. An empty project lists every project.
func (r *Registry) ActiveSessions(ctx context.Context, sc SessionContext, project string, excludeSelf bool) ([]learning.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	sessions, err := r.backend.ListSessions(ctx, project, r.now().Add(-r.cfg.ActivityWindow))
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	ActiveSessions.WithLabelValues(projectLabel(project)).Set(float64(len(sessions)))

	out := make([]learning.Session, 0, len(sessions))
	for _, s := range sessions {
		if excludeSelf && s.ID == sc.SessionID {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
