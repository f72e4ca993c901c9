package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/regenrek/moltlets/pkg/jobqueue"
)

func openTestQueue(t *testing.T) *jobqueue.Queue {
	t.Helper()
	q, err := jobqueue.Open(context.Background(), jobqueue.Config{Path: filepath.Join(t.TempDir(), "queue.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// runPoolUntil starts the pool and blocks until check passes or the deadline
// hits, then shuts the pool down.
func runPoolUntil(t *testing.T, pool *Pool, check func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
	}()

	deadline := time.After(5 * time.Second)
	for !check() {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("condition not reached before deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func waitForStatus(t *testing.T, q *jobqueue.Queue, jobID string, want jobqueue.Status) func() bool {
	t.Helper()
	return func() bool {
		job, err := q.Get(context.Background(), jobID)
		require.NoError(t, err)
		return job.Status == want
	}
}

func TestPoolRunsHandlerAndRecordsResult(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, jobqueue.EnqueueParams{
		Kind:      jobqueue.KindCattleReap,
		Requester: "test",
		Payload:   json.RawMessage(`{"dryRun":true}`),
	})
	require.NoError(t, err)

	pool := NewPool(q, Config{Workers: 1, PollInterval: 10 * time.Millisecond}, zap.NewNop())
	pool.Register(jobqueue.KindCattleReap, HandlerFunc(func(ctx context.Context, job *jobqueue.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"candidateIds":[],"deletedIds":[]}`), nil
	}))

	runPoolUntil(t, pool, waitForStatus(t, q, jobID, jobqueue.StatusSucceeded))

	job, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"candidateIds":[],"deletedIds":[]}`, string(job.Result))
	assert.Empty(t, job.Error)
}

func TestPoolFailsJobOnHandlerError(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, jobqueue.EnqueueParams{
		Kind:      jobqueue.KindCattleReap,
		Requester: "test",
		Payload:   json.RawMessage(`{"dryRun":false}`),
	})
	require.NoError(t, err)

	pool := NewPool(q, Config{Workers: 1, PollInterval: 10 * time.Millisecond}, zap.NewNop())
	pool.Register(jobqueue.KindCattleReap, HandlerFunc(func(ctx context.Context, job *jobqueue.Job) (json.RawMessage, error) {
		return nil, assert.AnError
	}))

	runPoolUntil(t, pool, waitForStatus(t, q, jobID, jobqueue.StatusFailed))

	job, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Contains(t, job.Error, assert.AnError.Error())
}

func TestPoolFailsJobWithNoHandler(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, jobqueue.EnqueueParams{
		Kind:      jobqueue.KindCattleSpawn,
		Requester: "test",
		Payload:   json.RawMessage(`{"persona":"claude-dev","task":"x"}`),
	})
	require.NoError(t, err)

	// Only the reap handler is registered.
	pool := NewPool(q, Config{Workers: 1, PollInterval: 10 * time.Millisecond}, zap.NewNop())
	pool.Register(jobqueue.KindCattleReap, HandlerFunc(func(ctx context.Context, job *jobqueue.Job) (json.RawMessage, error) {
		return nil, nil
	}))

	runPoolUntil(t, pool, waitForStatus(t, q, jobID, jobqueue.StatusFailed))

	job, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Contains(t, job.Error, "unsupported job kind")
}

func TestPoolRecoversHandlerPanic(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, jobqueue.EnqueueParams{
		Kind:      jobqueue.KindCattleReap,
		Requester: "test",
		Payload:   json.RawMessage(`{"dryRun":true}`),
	})
	require.NoError(t, err)

	pool := NewPool(q, Config{Workers: 1, PollInterval: 10 * time.Millisecond}, zap.NewNop())
	pool.Register(jobqueue.KindCattleReap, HandlerFunc(func(ctx context.Context, job *jobqueue.Job) (json.RawMessage, error) {
		panic("boom")
	}))

	runPoolUntil(t, pool, waitForStatus(t, q, jobID, jobqueue.StatusFailed))

	job, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Contains(t, job.Error, "handler panic")
}

func TestPoolHeartbeatKeepsLeaseAlive(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, jobqueue.EnqueueParams{
		Kind:      jobqueue.KindCattleReap,
		Requester: "test",
		Payload:   json.RawMessage(`{"dryRun":true}`),
	})
	require.NoError(t, err)

	// Lease far shorter than handler runtime; only the heartbeat keeps the
	// claim from going stale.
	pool := NewPool(q, Config{
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
		Lease:        60 * time.Millisecond,
		LeaseRefresh: 20 * time.Millisecond,
	}, zap.NewNop())
	pool.Register(jobqueue.KindCattleReap, HandlerFunc(func(ctx context.Context, job *jobqueue.Job) (json.RawMessage, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	}))

	runPoolUntil(t, pool, waitForStatus(t, q, jobID, jobqueue.StatusSucceeded))

	job, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StatusSucceeded, job.Status, "the heartbeat must keep ownership for the full handler runtime")
}

func TestPoolProcessesBacklogAcrossWorkers(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	const jobs = 6
	ids := make([]string, 0, jobs)
	for i := 0; i < jobs; i++ {
		id, err := q.Enqueue(ctx, jobqueue.EnqueueParams{
			Kind:      jobqueue.KindCattleReap,
			Requester: "test",
			Payload:   json.RawMessage(`{"dryRun":true}`),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var handled atomic.Int32
	pool := NewPool(q, Config{Workers: 3, PollInterval: 10 * time.Millisecond}, zap.NewNop())
	pool.Register(jobqueue.KindCattleReap, HandlerFunc(func(ctx context.Context, job *jobqueue.Job) (json.RawMessage, error) {
		handled.Add(1)
		return nil, nil
	}))

	runPoolUntil(t, pool, func() bool {
		return handled.Load() == jobs
	})

	// Every job was handled exactly once.
	assert.Equal(t, int32(jobs), handled.Load())
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, jobqueue.StatusSucceeded, job.Status)
	}
}
