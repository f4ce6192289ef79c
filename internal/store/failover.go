package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/learning"
)

// FailoverConfig configures a Failover.
type FailoverConfig struct {
	// HealthCheckInterval is how often the primary is pinged (default 15s).
	HealthCheckInterval time.Duration

	// PingTimeout bounds each health ping (default 2s).
	PingTimeout time.Duration
}

// SwitchFunc observes backend switches.
type SwitchFunc func(from, to string)

// Failover routes calls to a primary backend while it is healthy and to a
// fallback otherwise.
//
// A primary call failing with learning.ErrBackendUnreachable marks the
// primary unhealthy, counts a switch and replays the call on the fallback.
// The health monitor switches back once the primary answers pings again.
// Writes served by the fallback stay there.
type Failover struct {
	primary    Backend
	fallback   Backend
	health     *HealthMonitor
	onFallback atomic.Bool
	logger     *zap.Logger

	mu       sync.RWMutex
	onSwitch []SwitchFunc
}

var _ Backend = (*Failover)(nil)

// NewFailover selects the initial backend by pinging the primary and starts
// health monitoring.
func NewFailover(ctx context.Context, primary, fallback Backend, cfg FailoverConfig, logger *zap.Logger) (*Failover, error) {
	if primary == nil {
		return nil, fmt.Errorf("failover: primary backend is required")
	}
	if fallback == nil {
		return nil, fmt.Errorf("failover: fallback backend is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &Failover{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}

	f.health = NewHealthMonitor(ctx, primary.Name(), PingChecker{Backend: primary, Timeout: cfg.PingTimeout}, cfg.HealthCheckInterval, logger)
	if !f.health.IsHealthy() {
		f.switchTo(true)
	}
	if err := f.health.RegisterCallback(func(healthy bool) { f.switchTo(!healthy) }); err != nil {
		return nil, err
	}
	f.health.Start()

	return f, nil
}

// OnSwitch registers fn to be called after every backend switch.
func (f *Failover) OnSwitch(fn SwitchFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSwitch = append(f.onSwitch, fn)
}

func (f *Failover) switchTo(fallback bool) {
	if !f.onFallback.CompareAndSwap(!fallback, fallback) {
		return
	}
	from, to := f.primary.Name(), f.fallback.Name()
	if !fallback {
		from, to = to, from
	}
	BackendSwitches.WithLabelValues(from, to).Inc()
	f.logger.Warn("backend switch", zap.String("from", from), zap.String("to", to))

	f.mu.RLock()
	hooks := make([]SwitchFunc, len(f.onSwitch))
	copy(hooks, f.onSwitch)
	f.mu.RUnlock()
	for _, h := range hooks {
		h(from, to)
	}
}

// Degraded reports whether calls are served by the fallback.
func (f *Failover) Degraded() bool {
	return f.onFallback.Load()
}

// Health returns the primary's monitor.
func (f *Failover) Health() *HealthMonitor {
	return f.health
}

func (f *Failover) active() Backend {
	if f.onFallback.Load() {
		return f.fallback
	}
	return f.primary
}

// run executes fn on the active backend, moving to the fallback when the
// primary is unreachable.
func run[T any](f *Failover, ctx context.Context, op string, fn func(context.Context, Backend) (T, error)) (T, error) {
	b := f.active()
	start := time.Now()
	v, err := fn(ctx, b)
	observe(b.Name(), op, start)
	if err == nil || b == f.fallback || !learning.IsRetryable(err) {
		return v, err
	}

	f.logger.Warn("primary backend unreachable",
		zap.String("operation", op),
		zap.String("backend", b.Name()),
		zap.Error(err))
	f.health.MarkUnhealthy()

	start = time.Now()
	v, err = fn(ctx, f.fallback)
	observe(f.fallback.Name(), op, start)
	return v, err
}

func run0(f *Failover, ctx context.Context, op string, fn func(context.Context, Backend) error) error {
	_, err := run(f, ctx, op, func(ctx context.Context, b Backend) (struct{}, error) {
		return struct{}{}, fn(ctx, b)
	})
	return err
}

// Name returns the active backend's name.
func (f *Failover) Name() string { return f.active().Name() }

// Capabilities returns the active backend's capabilities.
func (f *Failover) Capabilities() Capabilities { return f.active().Capabilities() }

// Kind returns the active backend's kind.
func (f *Failover) Kind() Kind { return f.active().Kind() }

// Ping pings the active backend.
func (f *Failover) Ping(ctx context.Context) error {
	return f.active().Ping(ctx)
}

func (f *Failover) InsertLearning(ctx context.Context, l *learning.Learning) error {
	return run0(f, ctx, "insert_learning", func(ctx context.Context, b Backend) error {
		return b.InsertLearning(ctx, l)
	})
}

func (f *Failover) GetLearning(ctx context.Context, id string) (*learning.Learning, error) {
	return run(f, ctx, "get_learning", func(ctx context.Context, b Backend) (*learning.Learning, error) {
		return b.GetLearning(ctx, id)
	})
}

func (f *Failover) AnnotateLearning(ctx context.Context, id string, md map[string]string) error {
	return run0(f, ctx, "annotate_learning", func(ctx context.Context, b Backend) error {
		return b.AnnotateLearning(ctx, id, md)
	})
}

func (f *Failover) LexicalSearch(ctx context.Context, query string, flt Filter, limit int) ([]Hit, error) {
	return run(f, ctx, "lexical_search", func(ctx context.Context, b Backend) ([]Hit, error) {
		return b.LexicalSearch(ctx, query, flt, limit)
	})
}

func (f *Failover) VectorSearch(ctx context.Context, vec []float32, flt Filter, limit int) ([]Hit, error) {
	return run(f, ctx, "vector_search", func(ctx context.Context, b Backend) ([]Hit, error) {
		return b.VectorSearch(ctx, vec, flt, limit)
	})
}

func (f *Failover) FindByContent(ctx context.Context, project, sessionID, normalized string) ([]learning.Learning, error) {
	return run(f, ctx, "find_by_content", func(ctx context.Context, b Backend) ([]learning.Learning, error) {
		return b.FindByContent(ctx, project, sessionID, normalized)
	})
}

func (f *Failover) UpsertSession(ctx context.Context, s learning.Session) (*learning.Session, error) {
	return run(f, ctx, "upsert_session", func(ctx context.Context, b Backend) (*learning.Session, error) {
		return b.UpsertSession(ctx, s)
	})
}

func (f *Failover) TouchSession(ctx context.Context, id string, at time.Time) error {
	return run0(f, ctx, "touch_session", func(ctx context.Context, b Backend) error {
		return b.TouchSession(ctx, id, at)
	})
}

func (f *Failover) GetSession(ctx context.Context, id string) (*learning.Session, error) {
	return run(f, ctx, "get_session", func(ctx context.Context, b Backend) (*learning.Session, error) {
		return b.GetSession(ctx, id)
	})
}

func (f *Failover) ListSessions(ctx context.Context, project string, activeSince time.Time) ([]learning.Session, error) {
	return run(f, ctx, "list_sessions", func(ctx context.Context, b Backend) ([]learning.Session, error) {
		return b.ListSessions(ctx, project, activeSince)
	})
}

func (f *Failover) PutClaim(ctx context.Context, c learning.FileClaim) (*learning.FileClaim, error) {
	return run(f, ctx, "put_claim", func(ctx context.Context, b Backend) (*learning.FileClaim, error) {
		return b.PutClaim(ctx, c)
	})
}

func (f *Failover) GetClaim(ctx context.Context, filePath, project string) (*learning.FileClaim, error) {
	return run(f, ctx, "get_claim", func(ctx context.Context, b Backend) (*learning.FileClaim, error) {
		return b.GetClaim(ctx, filePath, project)
	})
}

func (f *Failover) ReleaseClaims(ctx context.Context, sessionID string) (int, error) {
	return run(f, ctx, "release_claims", func(ctx context.Context, b Backend) (int, error) {
		return b.ReleaseClaims(ctx, sessionID)
	})
}

func (f *Failover) InsertHandoff(ctx context.Context, h *learning.Handoff) error {
	return run0(f, ctx, "insert_handoff", func(ctx context.Context, b Backend) error {
		return b.InsertHandoff(ctx, h)
	})
}

func (f *Failover) MarkHandoff(ctx context.Context, id string, outcome learning.Outcome, notes string) error {
	return run0(f, ctx, "mark_handoff", func(ctx context.Context, b Backend) error {
		return b.MarkHandoff(ctx, id, outcome, notes)
	})
}

func (f *Failover) SearchHandoffs(ctx context.Context, project, query string, limit int) ([]learning.Handoff, error) {
	return run(f, ctx, "search_handoffs", func(ctx context.Context, b Backend) ([]learning.Handoff, error) {
		return b.SearchHandoffs(ctx, project, query, limit)
	})
}

func (f *Failover) GetHandoff(ctx context.Context, id string) (*learning.Handoff, error) {
	return run(f, ctx, "get_handoff", func(ctx context.Context, b Backend) (*learning.Handoff, error) {
		return b.GetHandoff(ctx, id)
	})
}

// Close stops monitoring and closes both backends.
func (f *Failover) Close() error {
	f.health.Stop()
	perr := f.primary.Close()
	ferr := f.fallback.Close()
	if perr != nil {
		return fmt.Errorf("closing primary: %w", perr)
	}
	if ferr != nil {
		return fmt.Errorf("closing fallback: %w", ferr)
	}
	return nil
}
