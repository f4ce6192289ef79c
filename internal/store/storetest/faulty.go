// Package storetest holds helpers shared by backend tests: a conformance
// suite every variant runs and a fault-injecting wrapper.
package storetest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/store"
)

// Faulty wraps a backend and fails every call with
// learning.ErrBackendUnreachable while Down is set.
type Faulty struct {
	store.Backend
	name  string
	down  atomic.Bool
	calls atomic.Int64
}

// NewFaulty wraps b under the given name.
func NewFaulty(b store.Backend, name string) *Faulty {
	return &Faulty{Backend: b, name: name}
}

// SetDown toggles the outage.
func (f *Faulty) SetDown(down bool) { f.down.Store(down) }

// Calls counts the calls that reached the wrapper, failed or not.
func (f *Faulty) Calls() int64 { return f.calls.Load() }

func (f *Faulty) check() error {
	f.calls.Add(1)
	if f.down.Load() {
		return fmt.Errorf("%w: %s is down", learning.ErrBackendUnreachable, f.name)
	}
	return nil
}

func (f *Faulty) Name() string { return f.name }

func (f *Faulty) Ping(ctx context.Context) error {
	if f.down.Load() {
		return fmt.Errorf("%w: %s is down", learning.ErrBackendUnreachable, f.name)
	}
	return f.Backend.Ping(ctx)
}

func (f *Faulty) InsertLearning(ctx context.Context, l *learning.Learning) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.Backend.InsertLearning(ctx, l)
}

func (f *Faulty) GetLearning(ctx context.Context, id string) (*learning.Learning, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.Backend.GetLearning(ctx, id)
}

func (f *Faulty) AnnotateLearning(ctx context.Context, id string, md map[string]string) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.Backend.AnnotateLearning(ctx, id, md)
}

func (f *Faulty) LexicalSearch(ctx context.Context, q string, flt store.Filter, limit int) ([]store.Hit, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.Backend.LexicalSearch(ctx, q, flt, limit)
}

func (f *Faulty) VectorSearch(ctx context.Context, vec []float32, flt store.Filter, limit int) ([]store.Hit, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.Backend.VectorSearch(ctx, vec, flt, limit)
}

func (f *Faulty) FindByContent(ctx context.Context, project, sessionID, normalized string) ([]learning.Learning, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.Backend.FindByContent(ctx, project, sessionID, normalized)
}

func (f *Faulty) UpsertSession(ctx context.Context, s learning.Session) (*learning.Session, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.Backend.UpsertSession(ctx, s)
}

func (f *Faulty) TouchSession(ctx context.Context, id string, at time.Time) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.Backend.TouchSession(ctx, id, at)
}

func (f *Faulty) GetSession(ctx context.Context, id string) (*learning.Session, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.Backend.GetSession(ctx, id)
}

func (f *Faulty) ListSessions(ctx context.Context, project string, since time.Time) ([]learning.Session, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.Backend.ListSessions(ctx, project, since)
}

func (f *Faulty) PutClaim(ctx context.Context, c learning.FileClaim) (*learning.FileClaim, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.Backend.PutClaim(ctx, c)
}

func (f *Faulty) GetClaim(ctx context.Context, filePath, project string) (*learning.FileClaim, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.Backend.GetClaim(ctx, filePath, project)
}

func (f *Faulty) ReleaseClaims(ctx context.Context, sessionID string) (int, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	return f.Backend.ReleaseClaims(ctx, sessionID)
}

func (f *Faulty) InsertHandoff(ctx context.Context, h *learning.Handoff) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.Backend.InsertHandoff(ctx, h)
}

func (f *Faulty) MarkHandoff(ctx context.Context, id string, o learning.Outcome, notes string) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.Backend.MarkHandoff(ctx, id, o, notes)
}

func (f *Faulty) SearchHandoffs(ctx context.Context, project, q string, limit int) ([]learning.Handoff, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.Backend.SearchHandoffs(ctx, project, q, limit)
}

func (f *Faulty) GetHandoff(ctx context.Context, id string) (*learning.Handoff, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.Backend.GetHandoff(ctx, id)
}
