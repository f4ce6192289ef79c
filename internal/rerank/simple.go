package rerank

import (
	"context"
	"sort"
	"strings"
)

const (
	originalWeight = 0.5
	overlapWeight  = 0.5
)

// Simple combines the original score, scaled to the window maximum, with
// the share of query terms found in the document.
type Simple struct{}

func NewSimple() *Simple { return &Simple{} }

func (*Simple) Name() string { return "simple" }

func (*Simple) Close() error { return nil }

func (r *Simple) Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 || topK > len(docs) {
		topK = len(docs)
	}
	if len(docs) == 0 {
		return []ScoredDocument{}, nil
	}

	maxScore := 0.0
	for _, d := range docs {
		maxScore = max(maxScore, d.Score)
	}

	queryTokens := tokenize(query)
	out := make([]ScoredDocument, len(docs))
	for i, d := range docs {
		original := 0.0
		if maxScore > 0 {
			original = d.Score / maxScore
		}
		score := original
		if len(queryTokens) > 0 {
			score = originalWeight*original + overlapWeight*termOverlap(queryTokens, tokenize(d.Content))
		}
		out[i] = ScoredDocument{Document: d, RerankerScore: score, OriginalRank: i}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].RerankerScore > out[j].RerankerScore })
	return out[:topK], nil
}

var stopwords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true, "from": true,
	"was": true, "are": true, "been": true, "being": true, "have": true, "has": true,
	"had": true, "does": true, "did": true, "will": true, "would": true, "could": true,
	"should": true, "may": true, "might": true, "can": true, "this": true, "that": true,
	"these": true, "those": true, "you": true, "she": true, "they": true, "what": true,
	"which": true, "who": true, "when": true, "where": true, "why": true, "how": true,
}

// tokenize lowercases, splits on anything but [a-z0-9_] and drops stopwords
// and tokens shorter than three bytes.
func tokenize(text string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	})
	out := tokens[:0]
	for _, t := range tokens {
		if len(t) > 2 && !stopwords[t] {
			out = append(out, t)
		}
	}
	return out
}

// termOverlap is the fraction of distinct query terms present in doc.
func termOverlap(query, doc []string) float64 {
	docSet := make(map[string]bool, len(doc))
	for _, t := range doc {
		docSet[t] = true
	}
	distinct := make(map[string]bool, len(query))
	matched := 0
	for _, t := range query {
		if distinct[t] {
			continue
		}
		distinct[t] = true
		if docSet[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(distinct))
}
