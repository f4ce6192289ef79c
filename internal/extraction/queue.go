package extraction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/config"
	"github.com/fyrsmithlabs/learnd/internal/coord"
	"github.com/fyrsmithlabs/learnd/internal/ingest"
	"github.com/fyrsmithlabs/learnd/internal/logging"
)

var (
	// ErrQueueFull is returned by Submit when the backlog is at capacity.
	ErrQueueFull = errors.New("extraction queue full")

	// ErrQueueStopped is returned for jobs submitted to, or still pending
	// in, a stopped queue.
	ErrQueueStopped = errors.New("extraction queue stopped")
)

var (
	backlogGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "learnd",
		Subsystem: "extraction",
		Name:      "backlog",
		Help:      "Extraction jobs waiting to run",
	})
	runningGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "learnd",
		Subsystem: "extraction",
		Name:      "running",
		Help:      "Extraction jobs running",
	})
	// JobsTotal counts finished jobs by status.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "learnd",
		Subsystem: "extraction",
		Name:      "jobs_total",
		Help:      "Extraction jobs by final status",
	}, []string{"status"})
)

// Sink stores extracted learnings. ingest.Service implements it.
type Sink interface {
	Store(ctx context.Context, sc coord.SessionContext, req ingest.StoreRequest) (ingest.StoreResult, error)
}

// Job is one transcript to extract.
type Job struct {
	ID       string
	Session  coord.SessionContext
	Messages []Message
}

// JobResult reports a finished job. Err is set when the job timed out,
// panicked or could not store a candidate.
type JobResult struct {
	JobID   string `json:"job_id"`
	Stored  int    `json:"stored"`
	Skipped int    `json:"skipped"`
	Failed  int    `json:"failed"`
	Err     error  `json:"-"`
}

// Config configures a Queue.
type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// ConfigFrom converts the config section.
func ConfigFrom(c config.ExtractionConfig) Config {
	return Config{Workers: c.Workers, QueueSize: c.QueueSize, Timeout: c.Timeout.Duration()}
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

type task struct {
	job  Job
	done chan JobResult
}

// Queue runs extraction jobs on a worker pool with at most one running job
// per session.
//
// A session is runnable when it has pending jobs and none running. Workers
// take the first runnable session and run its oldest job; when that job
// finishes the session becomes runnable again if more are pending.
type Queue struct {
	extractor *Extractor
	sink      Sink
	cfg       Config
	logger    *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	pending  map[string][]*task
	runnable []string
	busy     map[string]bool
	backlog  int
	stopped  bool
	started  bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewQueue builds a queue. Call Start to run workers.
func NewQueue(extractor *Extractor, sink Sink, cfg Config, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	q := &Queue{
		extractor: extractor,
		sink:      sink,
		cfg:       cfg,
		logger:    logger,
		pending:   make(map[string][]*task),
		busy:      make(map[string]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func sessionKey(sc coord.SessionContext) string {
	return sc.Project + "\x00" + sc.SessionID
}

// Submit enqueues job. The returned channel receives exactly one result and
// is then closed.
func (q *Queue) Submit(job Job) (<-chan JobResult, error) {
	if err := job.Session.Validate(); err != nil {
		return nil, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return nil, ErrQueueStopped
	}
	if q.backlog >= q.cfg.QueueSize {
		return nil, fmt.Errorf("%w: %d jobs waiting", ErrQueueFull, q.backlog)
	}

	t := &task{job: job, done: make(chan JobResult, 1)}
	key := sessionKey(job.Session)
	q.pending[key] = append(q.pending[key], t)
	if !q.busy[key] && len(q.pending[key]) == 1 {
		q.runnable = append(q.runnable, key)
	}
	q.backlog++
	backlogGauge.Set(float64(q.backlog))
	q.cond.Signal()
	return t.done, nil
}

// Backlog returns the number of jobs waiting to run.
func (q *Queue) Backlog() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backlog
}

// Start launches the workers. Canceling ctx stops the queue.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	context.AfterFunc(ctx, func() { q.shutdown() })
	q.logger.Info("extraction queue started",
		zap.Int("workers", q.cfg.Workers),
		zap.Int("queue_size", q.cfg.QueueSize))
}

// Stop rejects new jobs, fails pending ones with ErrQueueStopped and waits
// for running jobs to finish.
func (q *Queue) Stop() {
	q.shutdown()
	q.wg.Wait()
}

func (q *Queue) shutdown() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		var dropped []*task
		for key, ts := range q.pending {
			dropped = append(dropped, ts...)
			delete(q.pending, key)
		}
		q.runnable = nil
		q.backlog = 0
		backlogGauge.Set(0)
		q.cond.Broadcast()
		q.mu.Unlock()

		for _, t := range dropped {
			q.finish(t, JobResult{JobID: t.job.ID, Err: ErrQueueStopped}, "dropped")
		}
		if len(dropped) > 0 {
			q.logger.Warn("extraction queue stopped with pending jobs", zap.Int("dropped", len(dropped)))
		}
	})
}

// next blocks until a job is runnable or the queue stops.
func (q *Queue) next() (*task, string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.runnable) == 0 && !q.stopped {
		q.cond.Wait()
	}
	if q.stopped {
		return nil, "", false
	}

	key := q.runnable[0]
	q.runnable = q.runnable[1:]
	t := q.pending[key][0]
	q.pending[key] = q.pending[key][1:]
	if len(q.pending[key]) == 0 {
		delete(q.pending, key)
	}
	q.busy[key] = true
	q.backlog--
	backlogGauge.Set(float64(q.backlog))
	runningGauge.Inc()
	return t, key, true
}

func (q *Queue) release(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.busy, key)
	runningGauge.Dec()
	if !q.stopped && len(q.pending[key]) > 0 {
		q.runnable = append(q.runnable, key)
		q.cond.Signal()
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		t, key, ok := q.next()
		if !ok {
			return
		}
		res, status := q.run(ctx, t.job)
		q.release(key)
		q.finish(t, res, status)
	}
}

func (q *Queue) finish(t *task, res JobResult, status string) {
	JobsTotal.WithLabelValues(status).Inc()
	t.done <- res
	close(t.done)
}

// run extracts and stores one job under the job timeout.
func (q *Queue) run(parent context.Context, job Job) (res JobResult, status string) {
	res.JobID = job.ID
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), q.cfg.Timeout)
	defer cancel()
	logger := logging.For(logging.WithSession(ctx, job.Session.SessionID, job.Session.Project), q.logger).
		With(zap.String("job_id", job.ID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("extraction job panicked", zap.Any("panic", r), zap.Stack("stack"))
			res.Err = fmt.Errorf("extraction job panicked: %v", r)
			status = "panic"
		}
	}()

	candidates := q.extractor.Extract(job.Messages)
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			break
		}
		out, err := q.sink.Store(ctx, job.Session, ingest.StoreRequest{
			Content:    c.Content,
			Type:       string(c.Type),
			Context:    c.Context,
			Tags:       c.Tags,
			Confidence: string(c.Confidence),
		})
		switch {
		case err != nil:
			res.Failed++
			if res.Err == nil {
				res.Err = err
			}
			logger.Warn("storing extracted learning failed", zap.String("pattern", c.Pattern), zap.Error(err))
		case out.Status == ingest.StatusSkipped:
			res.Skipped++
		default:
			res.Stored++
		}
	}

	if err := ctx.Err(); err != nil {
		res.Err = err
		logger.Warn("extraction job timed out", zap.Duration("timeout", q.cfg.Timeout))
		return res, "timeout"
	}
	logger.Info("extraction job finished",
		zap.Int("candidates", len(candidates)),
		zap.Int("stored", res.Stored),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed))
	if res.Err != nil {
		return res, "failed"
	}
	return res, "ok"
}
