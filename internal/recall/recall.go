// Package recall implements hybrid search: lexical and vector candidates are
// fused with reciprocal rank fusion, weighted by recency and optionally
// reranked.
package recall

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/config"
	"github.com/fyrsmithlabs/learnd/internal/embeddings"
	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/rerank"
	"github.com/fyrsmithlabs/learnd/internal/store"
)

var tracer = otel.Tracer("learnd.recall")

// MaxLimit caps Query.Limit.
const MaxLimit = 100

// Mode selects which candidate lists a recall uses.
type Mode string

const (
	ModeHybrid     Mode = "hybrid"
	ModeTextOnly   Mode = "text_only"
	ModeVectorOnly Mode = "vector_only"
)

// ParseMode parses a mode; empty is hybrid.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeHybrid, nil
	case ModeHybrid, ModeTextOnly, ModeVectorOnly:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", learning.ErrInvalidQuery, s)
	}
}

// Degraded reasons.
const (
	ReasonEmbedding         = "embedding"
	ReasonVectorUnsupported = "vector_unsupported"
	ReasonSchemaMismatch    = "schema_mismatch"
	ReasonVector            = "vector"
	ReasonLexical           = "lexical"
	ReasonRerank            = "rerank"
	ReasonTimeout           = "timeout"
	ReasonBackendFallback   = "backend_fallback"
)

// Query is a recall request.
type Query struct {
	Text   string       `json:"text"`
	Filter store.Filter `json:"filter"`
	Mode   Mode         `json:"mode,omitempty"`
	Limit  int          `json:"limit,omitempty"`
	// RecencyWeight boosts newer learnings; 0 disables the boost.
	RecencyWeight float64       `json:"recency_weight,omitempty"`
	HalfLife      time.Duration `json:"half_life,omitempty"`
	Rerank        bool          `json:"rerank,omitempty"`
}

// Result is one ranked learning. Ranks are 1-based; 0 means the learning
// was not in that list.
type Result struct {
	Learning    learning.Learning `json:"learning"`
	Score       float64           `json:"score"`
	LexicalRank int               `json:"lexical_rank,omitempty"`
	VectorRank  int               `json:"vector_rank,omitempty"`
}

// Response is the outcome of a recall. It is never an error for backend or
// embedding trouble; those set Degraded instead.
type Response struct {
	Results         []Result `json:"results"`
	Degraded        bool     `json:"degraded"`
	DegradedReasons []string `json:"degraded_reasons,omitempty"`
	Cached          bool     `json:"cached"`
	Backend         string   `json:"backend"`
}

func (r *Response) degrade(reason string) {
	r.Degraded = true
	for _, have := range r.DegradedReasons {
		if have == reason {
			return
		}
	}
	r.DegradedReasons = append(r.DegradedReasons, reason)
}

// Config tunes the engine.
type Config struct {
	RRFK           int
	RerankTopN     int
	HalfLife       time.Duration
	DefaultLimit   int
	CandidateLimit int
	Timeout        time.Duration
}

// ConfigFrom converts the config section.
func ConfigFrom(c config.RecallConfig) Config {
	return Config{
		RRFK:           c.RRFK,
		RerankTopN:     c.RerankTopN,
		HalfLife:       c.HalfLife.Duration(),
		DefaultLimit:   c.DefaultLimit,
		CandidateLimit: c.CandidateLimit,
		Timeout:        c.Timeout.Duration(),
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.RRFK <= 0 {
		c.RRFK = 60
	}
	if c.RerankTopN <= 0 {
		c.RerankTopN = 20
	}
	if c.HalfLife <= 0 {
		c.HalfLife = 14 * 24 * time.Hour
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 10
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = 50
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithReranker enables reranking for queries that ask for it.
func WithReranker(r rerank.Reranker) Option {
	return func(e *Engine) { e.reranker = r }
}

// WithCache serves repeated queries from c.
func WithCache(c *Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithClock overrides time.Now for recency weighting.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine answers recall queries against one backend.
type Engine struct {
	backend  store.Backend
	embedder embeddings.Provider
	reranker rerank.Reranker
	cache    *Cache
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
}

// NewEngine builds an engine. A nil embedder makes every query lexical.
func NewEngine(backend store.Backend, embedder embeddings.Provider, cfg Config, opts ...Option) (*Engine, error) {
	if backend == nil {
		return nil, errors.New("recall: backend is required")
	}
	cfg.ApplyDefaults()
	e := &Engine{
		backend:  backend,
		embedder: embedder,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// normalize validates q and fills defaults.
func (e *Engine) normalize(q Query) (Query, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return q, fmt.Errorf("%w: text is required", learning.ErrInvalidQuery)
	}
	mode, err := ParseMode(string(q.Mode))
	if err != nil {
		return q, err
	}
	q.Mode = mode
	switch {
	case q.Limit < 0:
		return q, fmt.Errorf("%w: limit must be >= 0", learning.ErrInvalidQuery)
	case q.Limit == 0:
		q.Limit = e.cfg.DefaultLimit
	case q.Limit > MaxLimit:
		q.Limit = MaxLimit
	}
	if q.RecencyWeight < 0 || math.IsNaN(q.RecencyWeight) {
		return q, fmt.Errorf("%w: recency_weight must be >= 0", learning.ErrInvalidQuery)
	}
	if q.HalfLife < 0 {
		return q, fmt.Errorf("%w: half_life must be >= 0", learning.ErrInvalidQuery)
	}
	if q.HalfLife == 0 {
		q.HalfLife = e.cfg.HalfLife
	}
	q.Filter.Tags = learning.NormalizeTags(q.Filter.Tags)
	return q, nil
}

// Recall runs q. The only error is learning.ErrInvalidQuery; backend and
// embedding failures degrade the response.
func (e *Engine) Recall(ctx context.Context, q Query) (Response, error) {
	ctx, span := tracer.Start(ctx, "recall.Recall")
	defer span.End()

	q, err := e.normalize(q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, err
	}
	backend := e.backend.Name()
	span.SetAttributes(
		attribute.String("mode", string(q.Mode)),
		attribute.Int("limit", q.Limit),
		attribute.String("backend", backend),
	)

	key := Key(q, backend)
	if e.cache != nil {
		if resp, ok := e.cache.Get(ctx, key); ok {
			span.SetAttributes(attribute.Bool("cached", true))
			RequestsTotal.WithLabelValues(string(q.Mode), "false").Inc()
			return resp, nil
		}
	}

	resp := e.run(ctx, q)
	resp.Backend = e.backend.Name()
	if d, ok := e.backend.(interface{ Degraded() bool }); ok && d.Degraded() {
		resp.degrade(ReasonBackendFallback)
	}
	span.SetAttributes(attribute.Int("results", len(resp.Results)), attribute.Bool("degraded", resp.Degraded))
	RequestsTotal.WithLabelValues(string(q.Mode), fmt.Sprint(resp.Degraded)).Inc()

	if resp.Degraded {
		e.logger.Warn("recall degraded",
			zap.String("mode", string(q.Mode)),
			zap.Strings("reasons", resp.DegradedReasons))
	} else if e.cache != nil {
		e.cache.Set(ctx, key, resp)
	}
	return resp, nil
}

func (e *Engine) run(ctx context.Context, q Query) Response {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var resp Response
	candidates := max(e.cfg.CandidateLimit, q.Limit)

	var lexCh, vecCh chan list
	pending := 0
	if q.Mode != ModeVectorOnly {
		lexCh = make(chan list, 1)
		pending++
		go func() {
			hits, err := e.lexical(ctx, q, candidates)
			lexCh <- list{hits: hits, err: err}
		}()
	}
	if q.Mode != ModeTextOnly {
		vecCh = make(chan list, 1)
		pending++
		go func() {
			hits, reason, err := e.vector(ctx, q, candidates)
			vecCh <- list{hits: hits, reason: reason, err: err}
		}()
	}

	// A list still running at the deadline is dropped.
	var lex, vec list
	for pending > 0 {
		select {
		case lex = <-lexCh:
			lexCh = nil
		case vec = <-vecCh:
			vecCh = nil
		case <-ctx.Done():
			if lexCh != nil {
				lex = list{err: ctx.Err()}
				lexCh = nil
			}
			if vecCh != nil {
				vec = list{reason: ReasonVector, err: ctx.Err()}
				vecCh = nil
			}
			pending = 0
			continue
		}
		pending--
	}
	lexical, lexErr := lex.hits, lex.err
	vector, vecReason, vecErr := vec.hits, vec.reason, vec.err

	if lexErr != nil {
		e.logger.Warn("lexical search failed", zap.Error(lexErr))
		resp.degrade(reason(lexErr, ReasonLexical))
	}
	if vecErr != nil {
		e.logger.Warn("vector search failed", zap.String("reason", vecReason), zap.Error(vecErr))
		resp.degrade(reason(vecErr, vecReason))
	}

	fused := e.fuse(ctx, q, lexical, vector)

	if q.Rerank && e.reranker != nil && len(fused) > 1 {
		if err := e.rerank(ctx, q.Text, fused); err != nil {
			e.logger.Warn("rerank failed, keeping fused order", zap.Error(err))
			resp.degrade(ReasonRerank)
		}
	}

	if len(fused) > q.Limit {
		fused = fused[:q.Limit]
	}
	resp.Results = fused
	if resp.Results == nil {
		resp.Results = []Result{}
	}
	return resp
}

// list is one candidate list, or why it is missing.
type list struct {
	hits   []store.Hit
	reason string
	err    error
}

// reason labels err, preferring timeout for an expired deadline.
func reason(err error, fallback string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return fallback
}

func (e *Engine) lexical(ctx context.Context, q Query, limit int) ([]store.Hit, error) {
	ctx, span := tracer.Start(ctx, "recall.lexical")
	defer span.End()
	defer observePhase("lexical", time.Now())

	hits, err := e.backend.LexicalSearch(ctx, q.Text, q.Filter, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("hits", len(hits)))
	return hits, nil
}

func (e *Engine) vector(ctx context.Context, q Query, limit int) ([]store.Hit, string, error) {
	ctx, span := tracer.Start(ctx, "recall.vector")
	defer span.End()
	defer observePhase("vector", time.Now())

	fail := func(reason string, err error) ([]store.Hit, string, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, reason, err
	}

	if !e.backend.Capabilities().Vector {
		return fail(ReasonVectorUnsupported, learning.ErrVectorUnsupported)
	}
	if e.embedder == nil {
		return fail(ReasonEmbedding, learning.ErrEmbeddingUnavailable)
	}
	vec, err := e.embedder.EmbedQuery(ctx, q.Text)
	if err != nil {
		return fail(ReasonEmbedding, fmt.Errorf("%w: %v", learning.ErrEmbeddingUnavailable, err))
	}
	hits, err := e.backend.VectorSearch(ctx, vec, q.Filter, limit)
	switch {
	case errors.Is(err, learning.ErrVectorUnsupported):
		return fail(ReasonVectorUnsupported, err)
	case errors.Is(err, learning.ErrSchemaMismatch):
		return fail(ReasonSchemaMismatch, err)
	case err != nil:
		return fail(ReasonVector, err)
	}
	span.SetAttributes(attribute.Int("hits", len(hits)))
	return hits, "", nil
}

// fuse combines the lists with reciprocal rank fusion and the recency
// boost, and sorts the result.
func (e *Engine) fuse(ctx context.Context, q Query, lexical, vector []store.Hit) []Result {
	_, span := tracer.Start(ctx, "recall.fusion")
	defer span.End()
	defer observePhase("fusion", time.Now())

	k := float64(e.cfg.RRFK)
	byID := make(map[string]*Result, len(lexical)+len(vector))
	var order []string
	add := func(hits []store.Hit, setRank func(*Result, int)) {
		for i, h := range hits {
			r, ok := byID[h.Learning.ID]
			if !ok {
				r = &Result{Learning: h.Learning}
				byID[h.Learning.ID] = r
				order = append(order, h.Learning.ID)
			}
			rank := i + 1
			setRank(r, rank)
			r.Score += 1 / (k + float64(rank))
		}
	}
	add(lexical, func(r *Result, rank int) { r.LexicalRank = rank })
	add(vector, func(r *Result, rank int) { r.VectorRank = rank })

	out := make([]Result, 0, len(order))
	now := e.now()
	for _, id := range order {
		r := byID[id]
		if q.RecencyWeight > 0 {
			r.Score *= recencyBoost(now, r.Learning.CreatedAt, q.RecencyWeight, q.HalfLife)
		}
		out = append(out, *r)
	}

	sortResults(out)
	span.SetAttributes(attribute.Int("results", len(out)))
	return out
}

// recencyBoost is 1 + w*exp(-age/halfLife), with negative ages clamped to 0.
func recencyBoost(now, created time.Time, w float64, halfLife time.Duration) float64 {
	age := now.Sub(created)
	if age < 0 {
		age = 0
	}
	return 1 + w*math.Exp(-float64(age)/float64(halfLife))
}

// sortResults orders by score descending, then newer CreatedAt, then id.
func sortResults(rs []Result) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Learning.CreatedAt.Equal(b.Learning.CreatedAt) {
			return a.Learning.CreatedAt.After(b.Learning.CreatedAt)
		}
		return a.Learning.ID < b.Learning.ID
	})
}

// rerank reorders the top window of rs in place. Window members keep the
// window's score multiset in descending order, so nothing enters or leaves
// the window and scores stay non-increasing. Members given equal scores are
// ordered newer first, as everywhere else.
func (e *Engine) rerank(ctx context.Context, text string, rs []Result) error {
	ctx, span := tracer.Start(ctx, "recall.rerank")
	defer span.End()
	defer observePhase("rerank", time.Now())

	n := min(e.cfg.RerankTopN, len(rs))
	window := rs[:n]
	docs := make([]rerank.Document, n)
	for i, r := range window {
		docs[i] = rerank.Document{ID: r.Learning.ID, Content: r.Learning.Content, Score: r.Score}
	}

	scored, err := e.reranker.Rerank(ctx, text, docs, 0)
	if err == nil && len(scored) != n {
		err = fmt.Errorf("%w: got %d documents for a window of %d", rerank.ErrRerankFailed, len(scored), n)
	}
	if err == nil {
		seen := make(map[int]bool, n)
		for _, sd := range scored {
			if sd.OriginalRank < 0 || sd.OriginalRank >= n || seen[sd.OriginalRank] {
				err = fmt.Errorf("%w: invalid original rank %d", rerank.ErrRerankFailed, sd.OriginalRank)
				break
			}
			seen[sd.OriginalRank] = true
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	scores := make([]float64, n)
	orig := make([]Result, n)
	for i, r := range window {
		scores[i] = r.Score
		orig[i] = r
	}
	for i, sd := range scored {
		window[i] = orig[sd.OriginalRank]
		window[i].Score = scores[i]
	}
	sortResults(window)
	span.SetAttributes(attribute.Int("window", n), attribute.String("reranker", e.reranker.Name()))
	return nil
}
