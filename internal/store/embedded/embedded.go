// Package embedded is a single-host, vector-capable backend. Rows and
// lexical search live in the sqlite store; vectors live in an in-process
// chromem index with one collection per project.
package embedded

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/store"
	"github.com/fyrsmithlabs/learnd/internal/store/sqlite"
)

// Name identifies this backend in metrics and cache keys.
const Name = "embedded"

// overfetch widens chromem queries when filters are applied after the fact.
const overfetch = 4

// Config configures the embedded store.
type Config struct {
	// SQLitePath is the row database file.
	SQLitePath string

	// VectorPath is the chromem persistence directory. Empty keeps vectors
	// in memory only.
	VectorPath string

	// Dimension is the deployment embedding dimension.
	Dimension int
}

// Store wraps a sqlite store with a chromem vector index.
type Store struct {
	*sqlite.Store
	vectors   *chromem.DB
	dimension int
	logger    *zap.Logger
}

var _ store.Backend = (*Store)(nil)

// Open opens both halves of the store.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedded: dimension must be > 0")
	}

	rows, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
	if err != nil {
		return nil, err
	}

	var db *chromem.DB
	if cfg.VectorPath == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.VectorPath, 0o700); err != nil {
			rows.Close()
			return nil, fmt.Errorf("embedded: creating vector dir: %w", err)
		}
		db, err = chromem.NewPersistentDB(cfg.VectorPath, false)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("embedded: opening chromem: %w", err)
		}
	}

	logger.Info("embedded store opened",
		zap.String("sqlite_path", cfg.SQLitePath),
		zap.String("vector_path", cfg.VectorPath),
		zap.Int("dimension", cfg.Dimension))

	return &Store{Store: rows, vectors: db, dimension: cfg.Dimension, logger: logger}, nil
}

func (s *Store) Name() string { return Name }

func (s *Store) Capabilities() store.Capabilities {
	return store.Capabilities{Lexical: true, Vector: true, Dimension: s.dimension}
}

func (s *Store) Kind() store.Kind { return store.KindVector }

// collectionName maps a project to a chromem-safe collection name.
func collectionName(project string) string {
	sum := sha256.Sum256([]byte(project))
	return "learnings_" + hex.EncodeToString(sum[:8])
}

// Vectors are always supplied by the caller.
func noEmbed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedded: documents must carry embeddings")
}

// InsertLearning writes the row, then indexes the vector if it has the
// deployment dimension.
func (s *Store) InsertLearning(ctx context.Context, l *learning.Learning) error {
	if err := s.Store.InsertLearning(ctx, l); err != nil {
		return err
	}
	if len(l.Embedding) == 0 {
		return nil
	}
	if len(l.Embedding) != s.dimension {
		s.logger.Warn("skipping vector with wrong dimension",
			zap.String("id", l.ID),
			zap.Int("got", len(l.Embedding)),
			zap.Int("want", s.dimension))
		return nil
	}

	col, err := s.vectors.GetOrCreateCollection(collectionName(l.Project), map[string]string{"project": l.Project}, noEmbed)
	if err != nil {
		return fmt.Errorf("embedded: collection: %w", err)
	}
	vec := make([]float32, len(l.Embedding))
	copy(vec, l.Embedding)
	err = col.AddDocument(ctx, chromem.Document{
		ID:        l.ID,
		Embedding: vec,
		Metadata: map[string]string{
			"project":    l.Project,
			"session_id": l.SessionID,
			"type":       string(l.Type),
		},
	})
	if err != nil {
		return fmt.Errorf("embedded: indexing vector: %w", err)
	}
	return nil
}

// VectorSearch queries the project's collection, or every collection when
// the filter has no project.
func (s *Store) VectorSearch(ctx context.Context, vec []float32, f store.Filter, limit int) ([]store.Hit, error) {
	if limit <= 0 {
		return nil, nil
	}
	if len(vec) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, want %d", learning.ErrSchemaMismatch, len(vec), s.dimension)
	}

	var cols []*chromem.Collection
	if f.Project != "" {
		if c := s.vectors.GetCollection(collectionName(f.Project), noEmbed); c != nil {
			cols = append(cols, c)
		}
	} else {
		for _, c := range s.vectors.ListCollections() {
			cols = append(cols, c)
		}
	}

	where := map[string]string{}
	if f.SessionID != "" {
		where["session_id"] = f.SessionID
	}
	if len(f.Types) == 1 {
		where["type"] = string(f.Types[0])
	}

	n := limit
	if len(f.Types) > 1 || len(f.Tags) > 0 || !f.Since.IsZero() {
		n = limit * overfetch
	}

	var hits []store.Hit
	for _, col := range cols {
		k := min(n, col.Count())
		if k == 0 {
			continue
		}
		results, err := col.QueryEmbedding(ctx, vec, k, where, nil)
		if err != nil {
			return nil, fmt.Errorf("embedded: querying vectors: %w", err)
		}
		for _, r := range results {
			l, err := s.Store.GetLearning(ctx, r.ID)
			if errors.Is(err, learning.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if !f.Matches(l) {
				continue
			}
			hits = append(hits, store.Hit{Learning: *l, Score: float64(r.Similarity)})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Close closes the row store. chromem persists on every write.
func (s *Store) Close() error {
	return s.Store.Close()
}
