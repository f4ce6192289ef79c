package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultCacheEntries = 10000

// CacheConfig configures the content-hash embedding cache.
type CacheConfig struct {
	// MaxEntries bounds the number of cached vectors (default 10000).
	MaxEntries int64
}

// Cache memoizes embeddings keyed by provider name and the hash of the
// exact text. Concurrent misses for one key share a single upstream call.
type Cache struct {
	next    Provider
	cache   *ristretto.Cache
	group   singleflight.Group
	logger  *zap.Logger
	metrics *Metrics
}

// NewCache wraps next with a cache.
func NewCache(next Provider, cfg CacheConfig, logger *zap.Logger) (*Cache, error) {
	if next == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultCacheEntries
	}

	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxEntries * 10,
		MaxCost:     cfg.MaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding cache: %w", err)
	}

	return &Cache{
		next:    next,
		cache:   rc,
		logger:  logger,
		metrics: NewMetrics(logger),
	}, nil
}

func (c *Cache) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.next.Name() + ":" + hex.EncodeToString(sum[:])
}

func (c *Cache) get(ctx context.Context, key string) ([]float32, bool) {
	v, ok := c.cache.Get(key)
	c.metrics.RecordCache(ctx, ok)
	if !ok {
		return nil, false
	}
	return v.([]float32), true
}

// put stores vec when it has the provider's dimension. Vectors of another
// size came from a mismatched fallback and are not memoized.
func (c *Cache) put(key string, vec []float32) {
	if len(vec) != c.next.Dimension() {
		return
	}
	c.cache.Set(key, vec, 1)
	c.cache.Wait()
}

// EmbedQuery returns the cached vector for text or computes it.
func (c *Cache) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	key := c.key(text)
	if vec, ok := c.get(ctx, key); ok {
		return vec, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		vec, err := c.next.EmbedQuery(ctx, text)
		if err != nil {
			return nil, err
		}
		c.put(key, vec)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// EmbedDocuments serves cached texts and embeds the rest in one batch.
func (c *Cache) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	var (
		missing    []string
		missingIdx []int
	)
	for i, t := range texts {
		keys[i] = c.key(t)
		if vec, ok := c.get(ctx, keys[i]); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.next.EmbedDocuments(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, idx := range missingIdx {
		out[idx] = vecs[j]
		c.put(keys[idx], vecs[j])
	}
	return out, nil
}

// Dimension returns the wrapped provider's dimension.
func (c *Cache) Dimension() int {
	return c.next.Dimension()
}

// Name returns the wrapped provider's name.
func (c *Cache) Name() string {
	return c.next.Name()
}

// Close closes the cache and the wrapped provider.
func (c *Cache) Close() error {
	c.cache.Close()
	return c.next.Close()
}
