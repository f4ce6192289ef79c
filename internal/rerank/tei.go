package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const defaultTEITimeout = 3 * time.Second

// TEIConfig configures the cross-encoder client.
type TEIConfig struct {
	BaseURL string
	Timeout time.Duration
}

// TEI calls the /rerank endpoint of a text-embeddings-inference server
// running a cross-encoder model.
type TEI struct {
	baseURL string
	client  *http.Client
}

// NewTEI creates a TEI reranker.
func NewTEI(cfg TEIConfig) (*TEI, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tei reranker: base URL required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTEITimeout
	}
	return &TEI{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (*TEI) Name() string { return "tei" }

func (*TEI) Close() error { return nil }

type teiRerankRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type teiRerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

func (r *TEI) Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error) {
	if topK <= 0 || topK > len(docs) {
		topK = len(docs)
	}
	if len(docs) == 0 {
		return []ScoredDocument{}, nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	body, err := json.Marshal(teiRerankRequest{Query: query, Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRerankFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrRerankFailed, resp.StatusCode, string(msg))
	}

	var results []teiRerankResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrRerankFailed, err)
	}

	seen := make(map[int]bool, len(results))
	out := make([]ScoredDocument, 0, len(docs))
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(docs) || seen[res.Index] {
			return nil, fmt.Errorf("%w: bad index %d", ErrRerankFailed, res.Index)
		}
		seen[res.Index] = true
		out = append(out, ScoredDocument{Document: docs[res.Index], RerankerScore: res.Score, OriginalRank: res.Index})
	}
	if len(out) != len(docs) {
		return nil, fmt.Errorf("%w: got %d scores for %d texts", ErrRerankFailed, len(out), len(docs))
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].RerankerScore > out[j].RerankerScore })
	return out[:topK], nil
}
