// Package app builds the learnd service graph from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/config"
	"github.com/fyrsmithlabs/learnd/internal/coord"
	"github.com/fyrsmithlabs/learnd/internal/dedup"
	"github.com/fyrsmithlabs/learnd/internal/embeddings"
	"github.com/fyrsmithlabs/learnd/internal/events"
	"github.com/fyrsmithlabs/learnd/internal/extraction"
	"github.com/fyrsmithlabs/learnd/internal/handoff"
	"github.com/fyrsmithlabs/learnd/internal/ingest"
	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/recall"
	"github.com/fyrsmithlabs/learnd/internal/rerank"
	"github.com/fyrsmithlabs/learnd/internal/scrub"
	"github.com/fyrsmithlabs/learnd/internal/store"
	"github.com/fyrsmithlabs/learnd/internal/store/embedded"
	"github.com/fyrsmithlabs/learnd/internal/store/postgres"
	"github.com/fyrsmithlabs/learnd/internal/store/sqlite"
)

// App holds every service of a running learnd process.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Session coord.SessionContext

	Backend   store.Backend
	Embedder  embeddings.Provider
	Publisher events.Publisher

	Ingest   *ingest.Service
	Recall   *recall.Engine
	Registry *coord.Registry
	Ledger   *coord.Ledger
	Handoffs *handoff.Service
	Queue    *extraction.Queue

	// degraded is set when the primary backend could not be opened at all.
	degraded bool
	closers  []func() error
}

// Option overrides a dependency, mostly for tests.
type Option func(*overrides)

type overrides struct {
	backend  store.Backend
	embedder embeddings.Provider
	pub      events.Publisher
}

// WithBackend uses b instead of opening the configured backend.
func WithBackend(b store.Backend) Option {
	return func(o *overrides) { o.backend = b }
}

// WithEmbedder uses p instead of the configured provider.
func WithEmbedder(p embeddings.Provider) Option {
	return func(o *overrides) { o.embedder = p }
}

// WithPublisher uses p instead of the configured event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *overrides) { o.pub = p }
}

// New opens backends and wires services. On error everything opened so far
// is closed.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var o overrides
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Session: coord.NewSessionContext(cfg.Session),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Publisher = o.pub
	if a.Publisher == nil {
		if a.Publisher, err = events.New(cfg.Events.NATSURL, logger); err != nil {
			return nil, fmt.Errorf("connecting events: %w", err)
		}
		a.onClose(a.Publisher.Close)
	}

	a.Backend = o.backend
	if a.Backend == nil {
		if a.Backend, err = a.openBackend(ctx); err != nil {
			return nil, err
		}
		a.onClose(a.Backend.Close)
	}

	a.Embedder = o.embedder
	if a.Embedder == nil {
		p, perr := embeddings.NewProvider(cfg.Embedding, logger)
		if perr != nil {
			logger.Warn("embeddings unavailable, learnings are stored lexical-only", zap.Error(perr))
		} else {
			a.Embedder = p
			a.onClose(p.Close)
		}
	}

	scrubber := scrub.New(cfg.Scrub.Enabled, logger)
	if err := a.wireServices(ctx, scrubber); err != nil {
		return nil, err
	}

	logger.Info("learnd services ready",
		zap.String("backend", a.Backend.Name()),
		zap.String("session.id", a.Session.SessionID),
		zap.String("project", a.Session.Project),
		zap.Bool("embeddings", a.Embedder != nil))
	return a, nil
}

func (a *App) wireServices(ctx context.Context, scrubber scrub.Scrubber) error {
	cfg, logger := a.Config, a.Logger

	gate, err := dedup.New(a.Backend, dedup.ConfigFrom(cfg.Dedup), logger)
	if err != nil {
		return fmt.Errorf("dedup: %w", err)
	}
	if a.Ingest, err = ingest.NewService(a.Backend, a.Embedder, gate, scrubber, ingest.Config{
		Dimension:    cfg.Embedding.Dimension,
		EmbedTimeout: cfg.Embedding.Timeout.Duration(),
		Retry:        store.RetryConfigFrom(cfg.Retry),
	}, logger); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	opts := []recall.Option{recall.WithLogger(logger)}
	reranker, err := rerank.New(cfg.Rerank)
	if err != nil {
		return fmt.Errorf("rerank: %w", err)
	}
	if reranker != nil {
		opts = append(opts, recall.WithReranker(reranker))
		a.onClose(reranker.Close)
	}
	cache, err := a.recallCache(ctx)
	if err != nil {
		return err
	}
	if cache != nil {
		opts = append(opts, recall.WithCache(cache))
		a.onClose(cache.Close)
	}
	if a.Recall, err = recall.NewEngine(a.Backend, a.Embedder, recall.ConfigFrom(cfg.Recall), opts...); err != nil {
		return fmt.Errorf("recall: %w", err)
	}

	coordCfg := coord.ConfigFrom(cfg.Coord)
	coordOpts := []coord.Option{coord.WithPublisher(a.Publisher), coord.WithLogger(logger)}
	if a.Registry, err = coord.NewRegistry(a.Backend, coordCfg, coordOpts...); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if a.Ledger, err = coord.NewLedger(a.Backend, coordCfg, coordOpts...); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if a.Handoffs, err = handoff.NewService(a.Backend, scrubber, logger); err != nil {
		return fmt.Errorf("handoff: %w", err)
	}

	extractor, err := extraction.NewExtractor(extraction.ExtractorConfig{MinConfidence: cfg.Extraction.MinConfidence})
	if err != nil {
		return fmt.Errorf("extraction: %w", err)
	}
	a.Queue = extraction.NewQueue(extractor, a.Ingest, extraction.ConfigFrom(cfg.Extraction), logger)
	return nil
}

func (a *App) recallCache(ctx context.Context) (*recall.Cache, error) {
	cfg := a.Config
	var shared recall.Shared
	if cfg.Cache.RedisAddr != "" {
		rc, err := recall.NewRedisCache(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPrefix)
		if err != nil {
			a.Logger.Warn("shared recall cache unavailable, using local cache only",
				zap.String("addr", cfg.Cache.RedisAddr), zap.Error(err))
		} else {
			shared = rc
		}
	}
	cache, err := recall.NewCache(recall.CacheConfig{TTL: cfg.Recall.CacheTTL.Duration(), Shared: shared}, a.Logger)
	if err != nil {
		if shared != nil {
			_ = shared.Close()
		}
		return nil, err
	}
	if cache == nil && shared != nil {
		_ = shared.Close()
	}
	return cache, nil
}

// openBackend opens the configured backend. Postgres is wrapped in a
// failover onto the sqlite file; if postgres cannot be reached at all the
// process runs on sqlite alone and reports itself degraded.
func (a *App) openBackend(ctx context.Context) (store.Backend, error) {
	cfg, logger := a.Config.Database, a.Logger
	dim := a.Config.Embedding.Dimension

	if err := ensureDir(cfg.FallbackPath); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case config.BackendSQLite:
		return sqlite.Open(ctx, cfg.FallbackPath, logger)

	case config.BackendEmbedded:
		return embedded.Open(ctx, embedded.Config{
			SQLitePath: cfg.FallbackPath,
			VectorPath: cfg.VectorPath,
			Dimension:  dim,
		}, logger)

	case config.BackendPostgres:
		fallback, err := sqlite.Open(ctx, cfg.FallbackPath, logger)
		if err != nil {
			return nil, fmt.Errorf("opening fallback: %w", err)
		}
		primary, err := postgres.Open(ctx, postgres.Config{
			URL:       cfg.URL.Value(),
			MaxConns:  cfg.MaxConns,
			Dimension: dim,
		}, logger)
		if err != nil {
			if errors.Is(err, learning.ErrSchemaMismatch) {
				_ = fallback.Close()
				return nil, err
			}
			logger.Error("postgres unavailable, running on sqlite fallback",
				zap.Stringer("database", cfg.URL),
				zap.Error(err))
			a.degraded = true
			store.BackendSwitches.WithLabelValues(postgres.Name, sqlite.Name).Inc()
			return fallback, nil
		}

		fo, err := store.NewFailover(ctx, primary, fallback, store.FailoverConfig{
			HealthCheckInterval: cfg.HealthInterval.Duration(),
		}, logger)
		if err != nil {
			_ = primary.Close()
			_ = fallback.Close()
			return nil, err
		}
		fo.OnSwitch(func(from, to string) {
			a.Publisher.Publish(context.Background(), events.Event{
				Kind: events.KindBackendSwitch,
				From: from,
				To:   to,
				At:   time.Now().UTC(),
			})
		})
		return fo, nil

	default:
		return nil, fmt.Errorf("unknown database.backend %q", cfg.Backend)
	}
}

func ensureDir(file string) error {
	if file == "" {
		return errors.New("database.fallback_path is required")
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	return nil
}

// Degraded reports whether the process is serving from a fallback backend.
func (a *App) Degraded() bool {
	if a.degraded {
		return true
	}
	if d, ok := a.Backend.(interface{ Degraded() bool }); ok {
		return d.Degraded()
	}
	return false
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close stops the queue and releases everything in reverse open order.
func (a *App) Close() error {
	if a.Queue != nil {
		a.Queue.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
