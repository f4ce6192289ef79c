// Package rerank reorders a recall window by query relevance.
package rerank

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/learnd/internal/config"
)

// ErrRerankFailed wraps reranker backend failures.
var ErrRerankFailed = errors.New("rerank failed")

// Document is a candidate to reorder.
type Document struct {
	ID      string
	Content string
	// Score is the fused recall score.
	Score float64
}

// ScoredDocument is a reranked document.
type ScoredDocument struct {
	Document
	RerankerScore float64
	// OriginalRank is the 0-based position in the input.
	OriginalRank int
}

// Reranker reorders documents. The result holds at most topK documents
// sorted by RerankerScore descending; topK <= 0 keeps all.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error)
	Name() string
	Close() error
}

// New builds the configured reranker. Provider "none" returns nil.
func New(cfg config.RerankConfig) (Reranker, error) {
	switch cfg.Provider {
	case "", "simple":
		return NewSimple(), nil
	case "tei":
		return NewTEI(TEIConfig{BaseURL: cfg.BaseURL})
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown rerank provider %q", cfg.Provider)
	}
}
