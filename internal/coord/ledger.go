package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/events"
	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/store"
)

// CheckResult reports who, other than the caller, claims a file.
type CheckResult struct {
	Claimed   bool      `json:"claimed"`
	ClaimedBy string    `json:"claimed_by,omitempty"`
	ClaimedAt time.Time `json:"claimed_at,omitempty"`
	// Stale is set when the claimant has not sent a heartbeat within the
	// activity window. The claim is still reported.
	Stale bool `json:"stale,omitempty"`
}

// ClaimResult describes the claim that was replaced, if any.
type ClaimResult struct {
	Previous *learning.FileClaim `json:"previous,omitempty"`
	Conflict bool                `json:"conflict"`
}

// Ledger records advisory file claims.
type Ledger struct {
	backend store.Backend
	cfg     Config
	options
}

// NewLedger creates a ledger over backend.
func NewLedger(backend store.Backend, cfg Config, opts ...Option) (*Ledger, error) {
	if backend == nil {
		return nil, errors.New("coord: backend is required")
	}
	cfg.ApplyDefaults()
	return &Ledger{backend: backend, cfg: cfg, options: buildOptions(opts)}, nil
}

// Check reports the current claim on filePath. The caller's own claim
// counts as unclaimed.
func (l *Ledger) Check(ctx context.Context, sc SessionContext, filePath string) (CheckResult, error) {
	if err := sc.Validate(); err != nil {
		return CheckResult{}, err
	}
	path, err := CleanPath(filePath)
	if err != nil {
		return CheckResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	c, err := l.backend.GetClaim(ctx, path, sc.Project)
	if errors.Is(err, learning.ErrNotFound) {
		return CheckResult{}, nil
	}
	if err != nil {
		return CheckResult{}, fmt.Errorf("checking claim: %w", err)
	}
	if c.SessionID == sc.SessionID {
		return CheckResult{}, nil
	}

	res := CheckResult{Claimed: true, ClaimedBy: c.SessionID, ClaimedAt: c.ClaimedAt}
	sess, err := l.backend.GetSession(ctx, c.SessionID)
	switch {
	case errors.Is(err, learning.ErrNotFound):
		res.Stale = true
	case err != nil:
		l.logger.Warn("claimant session lookup failed",
			zap.String("claimant", c.SessionID),
			zap.Error(err))
	default:
		res.Stale = !sess.Active(l.now(), l.cfg.ActivityWindow)
	}
	return res, nil
}

// Claim marks filePath as edited by the caller, replacing any existing claim.
func (l *Ledger) Claim(ctx context.Context, sc SessionContext, filePath string) (ClaimResult, error) {
	if err := sc.Validate(); err != nil {
		return ClaimResult{}, err
	}
	path, err := CleanPath(filePath)
	if err != nil {
		return ClaimResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	now := l.now()
	prev, err := l.backend.PutClaim(ctx, learning.FileClaim{
		FilePath:  path,
		Project:   sc.Project,
		SessionID: sc.SessionID,
		ClaimedAt: now,
	})
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claiming file: %w", err)
	}

	res := ClaimResult{Previous: prev}
	if prev != nil && prev.SessionID != sc.SessionID {
		res.Conflict = true
		ClaimConflicts.Inc()
		l.logger.Info("claim taken over",
			zap.String("file_path", path),
			zap.String("project", sc.Project),
			zap.String("session_id", sc.SessionID),
			zap.String("previous_session", prev.SessionID))
		l.publisher.Publish(ctx, events.Event{
			Kind:            events.KindClaimConflict,
			Project:         sc.Project,
			SessionID:       sc.SessionID,
			FilePath:        path,
			PreviousSession: prev.SessionID,
			At:              now,
		})
	}
	l.publisher.Publish(ctx, events.Event{
		Kind:      events.KindClaimTaken,
		Project:   sc.Project,
		SessionID: sc.SessionID,
		FilePath:  path,
		At:        now,
	})
	return res, nil
}

// Release drops every claim held by the caller.
func (l *Ledger) Release(ctx context.Context, sc SessionContext) (int, error) {
	if sc.SessionID == "" {
		return 0, fmt.Errorf("%w: session id is required", learning.ErrInvalidQuery)
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	n, err := l.backend.ReleaseClaims(ctx, sc.SessionID)
	if err != nil {
		return 0, fmt.Errorf("releasing claims: %w", err)
	}
	if n > 0 {
		l.logger.Info("claims released", zap.String("session_id", sc.SessionID), zap.Int("count", n))
	}
	return n, nil
}
