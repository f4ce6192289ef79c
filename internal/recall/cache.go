package recall

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
)

// ErrCacheMiss is returned by a Shared tier for absent keys.
var ErrCacheMiss = errors.New("cache miss")

// Shared is a cache tier visible to peer processes.
type Shared interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int64
	// Shared is optional.
	Shared Shared
}

// Cache holds recall responses in a local ristretto tier and, when
// configured, a shared tier.
type Cache struct {
	local  *ristretto.Cache
	shared Shared
	ttl    time.Duration
	logger *zap.Logger
}

// NewCache builds a cache. A zero TTL disables caching and returns nil.
func NewCache(cfg CacheConfig, logger *zap.Logger) (*Cache, error) {
	if cfg.TTL <= 0 {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxEntries * 10,
		MaxCost:     cfg.MaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating recall cache: %w", err)
	}
	return &Cache{local: rc, shared: cfg.Shared, ttl: cfg.TTL, logger: logger}, nil
}

// Get returns the response stored under key with Cached set.
func (c *Cache) Get(ctx context.Context, key string) (Response, bool) {
	if v, ok := c.local.Get(key); ok {
		CacheRequests.WithLabelValues("hit").Inc()
		return cached(v.(Response)), true
	}
	if c.shared != nil {
		raw, err := c.shared.Get(ctx, key)
		switch {
		case err == nil:
			var resp Response
			if err := json.Unmarshal(raw, &resp); err == nil {
				c.local.SetWithTTL(key, resp, 1, c.ttl)
				c.local.Wait()
				CacheRequests.WithLabelValues("hit").Inc()
				return cached(resp), true
			}
			c.logger.Warn("discarding undecodable shared cache entry", zap.String("key", key))
		case !errors.Is(err, ErrCacheMiss):
			c.logger.Warn("shared cache read failed", zap.Error(err))
		}
	}
	CacheRequests.WithLabelValues("miss").Inc()
	return Response{}, false
}

// Set stores resp under key in every tier.
func (c *Cache) Set(ctx context.Context, key string, resp Response) {
	resp.Cached = false
	resp.Results = slices.Clone(resp.Results)
	c.local.SetWithTTL(key, resp, 1, c.ttl)
	c.local.Wait()

	if c.shared == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn("encoding recall response", zap.Error(err))
		return
	}
	if err := c.shared.Set(ctx, key, raw, c.ttl); err != nil {
		c.logger.Warn("shared cache write failed", zap.Error(err))
	}
}

// Close releases both tiers.
func (c *Cache) Close() error {
	c.local.Close()
	if c.shared != nil {
		return c.shared.Close()
	}
	return nil
}

func cached(r Response) Response {
	r.Results = slices.Clone(r.Results)
	r.DegradedReasons = slices.Clone(r.DegradedReasons)
	r.Cached = true
	return r
}

// NormalizeQuery lowercases text and collapses whitespace.
func NormalizeQuery(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Key derives the cache key of a normalized query against a backend.
func Key(q Query, backend string) string {
	f := q.Filter
	f.Types = slices.Clone(f.Types)
	slices.Sort(f.Types)
	f.Tags = slices.Clone(f.Tags)
	slices.Sort(f.Tags)
	if len(f.Types) == 0 {
		f.Types = nil
	}
	if len(f.Tags) == 0 {
		f.Tags = nil
	}
	filter, _ := json.Marshal(f)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%g|%d|%t|%s",
		NormalizeQuery(q.Text), filter, q.Mode, q.Limit,
		q.RecencyWeight, int64(q.HalfLife), q.Rerank, backend)
	return hex.EncodeToString(h.Sum(nil))
}

