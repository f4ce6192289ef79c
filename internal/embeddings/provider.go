// Package embeddings turns text into fixed-dimension vectors.
//
// Providers are pluggable: a remote TEI server or a local FastEmbed ONNX
// model. NewProvider composes the configured primary with an optional
// fallback into a Chain and wraps it in a content-hash Cache, so callers see
// a single deterministic Provider that fails with
// learning.ErrEmbeddingUnavailable when nothing can produce a vector.
package embeddings

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/config"
)

var (
	// ErrEmptyInput indicates empty or nil input texts
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider generates embeddings.
type Provider interface {
	// EmbedDocuments generates one embedding per text, in order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding dimension of the model.
	Dimension() int

	// Name identifies provider and model; it is part of cache keys.
	Name() string

	// Close releases resources held by the provider.
	Close() error
}

// NewProvider builds the provider stack described by cfg:
// Cache(Chain(primary, fallback...)).
func NewProvider(cfg config.EmbeddingConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	primary, err := newBase(cfg.Provider, cfg.Model, cfg)
	if err != nil {
		return nil, fmt.Errorf("primary embedding provider: %w", err)
	}

	var fallbacks []Provider
	if cfg.Fallback != "" && cfg.Fallback != cfg.Provider {
		model := cfg.FallbackModel
		if model == "" {
			model = cfg.Model
		}
		fb, err := newBase(cfg.Fallback, model, cfg)
		if err != nil {
			// A broken fallback must not prevent startup.
			logger.Warn("embedding fallback unavailable", zap.String("provider", cfg.Fallback), zap.Error(err))
		} else {
			fallbacks = append(fallbacks, fb)
		}
	}

	chain := NewChain(primary, fallbacks, logger)
	return NewCache(chain, CacheConfig{MaxEntries: cfg.CacheMaxEntries}, logger)
}

func newBase(name, model string, cfg config.EmbeddingConfig) (Provider, error) {
	switch name {
	case "tei":
		p, err := NewTEIProvider(TEIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     model,
			APIKey:    cfg.APIKey.Value(),
			Dimension: cfg.Dimension,
			Timeout:   cfg.Timeout.Duration(),
			RateLimit: cfg.RateLimit,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "fastembed":
		p, err := NewFastEmbedProvider(FastEmbedConfig{
			Model:    model,
			CacheDir: cfg.CacheDir,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, name)
	}
}
