package extraction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/learnd/internal/coord"
	"github.com/fyrsmithlabs/learnd/internal/ingest"
	"github.com/fyrsmithlabs/learnd/internal/logging"
)

// recordingSink tracks concurrency per session and can block or fail.
type recordingSink struct {
	delay   time.Duration
	block   bool
	explode bool
	err     error

	mu      sync.Mutex
	running map[string]int
	maxRun  map[string]int
	total   int
	peak    int
	stored  []string
}

func newSink() *recordingSink {
	return &recordingSink{running: map[string]int{}, maxRun: map[string]int{}}
}

func (s *recordingSink) Store(ctx context.Context, sc coord.SessionContext, req ingest.StoreRequest) (ingest.StoreResult, error) {
	s.mu.Lock()
	if s.explode {
		s.mu.Unlock()
		panic("sink exploded")
	}
	s.running[sc.SessionID]++
	s.maxRun[sc.SessionID] = max(s.maxRun[sc.SessionID], s.running[sc.SessionID])
	s.total++
	s.peak = max(s.peak, s.total)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running[sc.SessionID]--
		s.total--
		s.mu.Unlock()
	}()

	if s.block {
		<-ctx.Done()
		return ingest.StoreResult{Status: ingest.StatusFailed}, ctx.Err()
	}
	time.Sleep(s.delay)
	if s.err != nil {
		return ingest.StoreResult{Status: ingest.StatusFailed}, s.err
	}

	s.mu.Lock()
	s.stored = append(s.stored, req.Content)
	s.mu.Unlock()
	return ingest.StoreResult{ID: "id", Status: ingest.StatusStored}, nil
}

func job(session, content string) Job {
	return Job{
		Session:  coord.SessionContext{SessionID: session, Project: "proj"},
		Messages: []Message{{Role: RoleAssistant, Content: content}},
	}
}

func newQueue(t *testing.T, sink Sink, cfg Config) *Queue {
	t.Helper()
	q := NewQueue(newExtractor(t), sink, cfg, nil)
	t.Cleanup(q.Stop)
	return q
}

func receive(t *testing.T, ch <-chan JobResult) JobResult {
	t.Helper()
	select {
	case res, ok := <-ch:
		require.True(t, ok, "result channel closed without a result")
		_, open := <-ch
		assert.False(t, open, "result channel must close after one result")
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job result")
		return JobResult{}
	}
}

func TestQueue_StoresCandidates(t *testing.T) {
	sink := newSink()
	q := newQueue(t, sink, Config{Workers: 1})
	q.Start(context.Background())

	done, err := q.Submit(job("s1", "We decided to shard by tenant. The root cause was a missing index."))
	require.NoError(t, err)
	res := receive(t, done)

	require.NoError(t, res.Err)
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, 1, res.Stored)
	assert.Equal(t, []string{"We decided to shard by tenant."}, sink.stored)
}

func TestQueue_OneJobPerSession(t *testing.T) {
	sink := newSink()
	sink.delay = 20 * time.Millisecond
	q := newQueue(t, sink, Config{Workers: 4})
	q.Start(context.Background())

	var chans []<-chan JobResult
	for i := range 4 {
		for _, s := range []string{"s1", "s2"} {
			ch, err := q.Submit(job(s, fmt.Sprintf("We decided to try option %d for %s.", i, s)))
			require.NoError(t, err)
			chans = append(chans, ch)
		}
	}
	for _, ch := range chans {
		res := receive(t, ch)
		require.NoError(t, res.Err)
		assert.Equal(t, 1, res.Stored)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 1, sink.maxRun["s1"])
	assert.Equal(t, 1, sink.maxRun["s2"])
	assert.Len(t, sink.stored, 8)
}

func TestQueue_Full(t *testing.T) {
	q := newQueue(t, newSink(), Config{Workers: 1, QueueSize: 2})

	first, err := q.Submit(job("s1", "We decided to wait."))
	require.NoError(t, err)
	second, err := q.Submit(job("s2", "We decided to wait too."))
	require.NoError(t, err)
	assert.Equal(t, 2, q.Backlog())

	_, err = q.Submit(job("s3", "We decided to overflow."))
	assert.ErrorIs(t, err, ErrQueueFull)

	q.Stop()
	assert.ErrorIs(t, receive(t, first).Err, ErrQueueStopped)
	assert.ErrorIs(t, receive(t, second).Err, ErrQueueStopped)

	_, err = q.Submit(job("s1", "We decided to come back."))
	assert.ErrorIs(t, err, ErrQueueStopped)
}

func TestQueue_Timeout(t *testing.T) {
	sink := newSink()
	sink.block = true
	q := newQueue(t, sink, Config{Workers: 1, Timeout: 20 * time.Millisecond})
	q.Start(context.Background())

	before := testutil.ToFloat64(JobsTotal.WithLabelValues("timeout"))
	done, err := q.Submit(job("s1", "We decided to hang."))
	require.NoError(t, err)
	res := receive(t, done)

	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Equal(t, before+1, testutil.ToFloat64(JobsTotal.WithLabelValues("timeout")))
}

func TestQueue_RecoversPanics(t *testing.T) {
	sink := newSink()
	sink.explode = true
	logger := logging.NewTestLogger()
	q := NewQueue(newExtractor(t), sink, Config{Workers: 1}, logger.Logger)
	t.Cleanup(q.Stop)
	q.Start(context.Background())

	done, err := q.Submit(job("s1", "We decided to explode."))
	require.NoError(t, err)
	res := receive(t, done)
	assert.ErrorContains(t, res.Err, "panicked")
	assert.Len(t, logger.Entries("extraction job panicked"), 1)

	sink.mu.Lock()
	sink.explode = false
	sink.mu.Unlock()
	done, err = q.Submit(job("s1", "We decided to recover."))
	require.NoError(t, err)
	assert.NoError(t, receive(t, done).Err)
}

func TestQueue_StoreFailure(t *testing.T) {
	sink := newSink()
	sink.err = errors.New("backend down")
	q := newQueue(t, sink, Config{Workers: 1})
	q.Start(context.Background())

	done, err := q.Submit(job("s1", "We decided to fail."))
	require.NoError(t, err)
	res := receive(t, done)
	assert.Equal(t, 1, res.Failed)
	assert.ErrorContains(t, res.Err, "backend down")
}

func TestQueue_ContextCancelStops(t *testing.T) {
	q := newQueue(t, newSink(), Config{Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	cancel()

	require.Eventually(t, func() bool {
		_, err := q.Submit(job("s1", "We decided to leave."))
		return errors.Is(err, ErrQueueStopped)
	}, time.Second, 5*time.Millisecond)
}

func TestQueue_RejectsInvalidSession(t *testing.T) {
	q := newQueue(t, newSink(), Config{})
	_, err := q.Submit(Job{Messages: []Message{{Role: RoleAssistant, Content: "x"}}})
	assert.Error(t, err)
}
