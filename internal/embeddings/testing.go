package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"sync/atomic"
)

// FakeProvider is a deterministic in-process Provider for tests.
//
// Each word of the input is hashed into one of Dim buckets and the resulting
// bag-of-words vector is L2-normalized, so identical texts embed identically
// and texts sharing words are close. Vectors registered with Set take
// precedence.
type FakeProvider struct {
	Dim   int
	Label string

	calls atomic.Int64
	fail  atomic.Bool

	mu        sync.RWMutex
	overrides map[string][]float32
}

// NewFakeProvider returns a FakeProvider producing dim-sized vectors.
func NewFakeProvider(dim int) *FakeProvider {
	return &FakeProvider{Dim: dim, Label: "fake", overrides: map[string][]float32{}}
}

// Set pins the vector returned for text.
func (f *FakeProvider) Set(text string, vec []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[text] = vec
}

// SetFailing makes every call fail until reset.
func (f *FakeProvider) SetFailing(fail bool) { f.fail.Store(fail) }

// Calls returns the number of embed calls served, counting each text.
func (f *FakeProvider) Calls() int64 { return f.calls.Load() }

func (f *FakeProvider) vector(text string) []float32 {
	f.mu.RLock()
	v, ok := f.overrides[text]
	f.mu.RUnlock()
	if ok {
		return v
	}

	vec := make([]float32, f.Dim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.Trim(w, ".,;:!?\"'()")))
		vec[int(h.Sum32())%f.Dim]++
	}
	var norm float64
	for _, x := range vec {
		norm += float64(x * x)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

// EmbedDocuments implements Provider.
func (f *FakeProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.fail.Load() {
		return nil, fmt.Errorf("%w: fake provider failing", ErrEmbeddingFailed)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		f.calls.Add(1)
		out[i] = f.vector(t)
	}
	return out, nil
}

// EmbedQuery implements Provider.
func (f *FakeProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vecs, err := f.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Dimension implements Provider.
func (f *FakeProvider) Dimension() int { return f.Dim }

// Name implements Provider.
func (f *FakeProvider) Name() string { return f.Label }

// Close implements Provider.
func (f *FakeProvider) Close() error { return nil }
