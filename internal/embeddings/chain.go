package embeddings

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/learning"
)

// Chain tries its providers in order and returns the first success.
type Chain struct {
	providers []Provider
	logger    *zap.Logger
	metrics   *Metrics
}

// NewChain creates a chain of primary followed by fallbacks.
func NewChain(primary Provider, fallbacks []Provider, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	providers := make([]Provider, 0, 1+len(fallbacks))
	providers = append(providers, primary)
	providers = append(providers, fallbacks...)
	return &Chain{
		providers: providers,
		logger:    logger,
		metrics:   NewMetrics(logger),
	}
}

// EmbedDocuments embeds texts with the first provider that succeeds.
func (c *Chain) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	var lastErr error
	for i, p := range c.providers {
		if i > 0 {
			c.metrics.RecordFallback(ctx, p.Name())
		}
		vecs, err := p.EmbedDocuments(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		c.logger.Warn("embedding provider failed", zap.String("provider", p.Name()), zap.Error(err))
	}
	return nil, fmt.Errorf("%w: %w", learning.ErrEmbeddingUnavailable, lastErr)
}

// EmbedQuery embeds text with the first provider that succeeds.
func (c *Chain) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	var lastErr error
	for i, p := range c.providers {
		if i > 0 {
			c.metrics.RecordFallback(ctx, p.Name())
		}
		vec, err := p.EmbedQuery(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		c.logger.Warn("embedding provider failed", zap.String("provider", p.Name()), zap.Error(err))
	}
	return nil, fmt.Errorf("%w: %w", learning.ErrEmbeddingUnavailable, lastErr)
}

// Dimension returns the primary provider's dimension.
func (c *Chain) Dimension() int {
	return c.providers[0].Dimension()
}

// Name returns the primary provider's name.
func (c *Chain) Name() string {
	return c.providers[0].Name()
}

// Close closes every provider.
func (c *Chain) Close() error {
	var errs []error
	for _, p := range c.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s close: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
