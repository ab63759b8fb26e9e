package jobs

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/storage"
)

func newJobsFixture(t *testing.T) (*Queue, *Pool, *storage.Store) {
	t.Helper()

	store, err := storage.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, storage.EnsureSchema(context.Background(), store.DB(), store.Dialect(), 8))

	qcfg := config.QueueConfig{
		PollInterval:  10 * time.Millisecond,
		MaxAttempts:   3,
		RetryBackoff:  10 * time.Millisecond,
		DepthCeiling:  100,
		StaleDeadline: time.Minute,
	}
	wcfg := config.WorkerConfig{Concurrency: 2, DrainTimeout: 150 * time.Millisecond}
	log := observability.Nop()
	return NewQueue(store, qcfg, log), NewPool(store, qcfg, wcfg, log), store
}

// startPool runs the pool until test cleanup.
func startPool(t *testing.T, pool *Pool) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("pool did not stop")
		}
	})
	return cancel
}

func waitForState(t *testing.T, store *storage.Store, id uuid.UUID, want storage.JobState) *storage.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.Repos().Jobs.Get(context.Background(), id)
		require.NoError(t, err)
		if job.State == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return nil
}

func testJob(task string) *storage.Job {
	return &storage.Job{Task: task, Owner: "casey", Payload: json.RawMessage(`{"n":1}`)}
}

func TestEnqueueAndStatus(t *testing.T) {
	queue, _, _ := newJobsFixture(t)
	ctx := context.Background()

	job := testJob("test.echo")
	require.NoError(t, queue.Enqueue(ctx, job))
	require.NotEqual(t, uuid.Nil, job.ID)

	got, err := queue.Status(ctx, "casey", job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatePending, got.State)
	assert.Equal(t, 3, got.MaxAttempts)

	_, err = queue.Status(ctx, "mallory", job.ID)
	assert.ErrorIs(t, err, storage.ErrNotOwner)
}

func TestEnqueueBackpressure(t *testing.T) {
	queue, _, _ := newJobsFixture(t)
	queue.cfg.DepthCeiling = 2
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, testJob("test.echo")))
	require.NoError(t, queue.Enqueue(ctx, testJob("test.echo")))

	err := queue.Enqueue(ctx, testJob("test.echo"))
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindQuota, appErr.Kind)
	assert.Equal(t, "queue_depth", appErr.Details["limit_name"])
	assert.Equal(t, int64(2), appErr.Limit)
}

func TestPoolRunsJobToSuccess(t *testing.T) {
	queue, pool, store := newJobsFixture(t)
	ctx := context.Background()

	pool.Register("test.echo", func(ctx context.Context, job *storage.Job, progress ProgressFunc, cancelled CancelFunc) (json.RawMessage, error) {
		progress(50, "halfway")
		return json.RawMessage(`{"echo":true}`), nil
	})
	startPool(t, pool)

	job := testJob("test.echo")
	require.NoError(t, queue.Enqueue(ctx, job))

	done := waitForState(t, store, job.ID, storage.JobStateSuccess)
	assert.Equal(t, 100, done.ProgressPercent)
	assert.JSONEq(t, `{"echo":true}`, string(done.Result))
	assert.Equal(t, 1, done.Attempts)
	assert.Nil(t, done.Error)
	assert.NotNil(t, done.FinishedAt)
}

func TestPoolRetriesTransientErrors(t *testing.T) {
	queue, pool, store := newJobsFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	pool.Register("test.flaky", func(ctx context.Context, job *storage.Job, progress ProgressFunc, cancelled CancelFunc) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, apperr.OracleUnavailable(assert.AnError)
		}
		return json.RawMessage(`{}`), nil
	})
	startPool(t, pool)

	job := testJob("test.flaky")
	require.NoError(t, queue.Enqueue(ctx, job))

	done := waitForState(t, store, job.ID, storage.JobStateSuccess)
	assert.Equal(t, 2, done.Attempts)
	assert.EqualValues(t, 2, calls.Load())
}

func TestPoolFailsPermanentErrorsWithoutRetry(t *testing.T) {
	queue, pool, store := newJobsFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	pool.Register("test.bad", func(ctx context.Context, job *storage.Job, progress ProgressFunc, cancelled CancelFunc) (json.RawMessage, error) {
		calls.Add(1)
		return nil, apperr.Validation("payload makes no sense")
	})
	startPool(t, pool)

	job := testJob("test.bad")
	require.NoError(t, queue.Enqueue(ctx, job))

	done := waitForState(t, store, job.ID, storage.JobStateFailure)
	assert.Equal(t, 1, done.Attempts)
	require.NotNil(t, done.Error)
	assert.Contains(t, *done.Error, "validation")
	assert.EqualValues(t, 1, calls.Load())
}

func TestPoolExhaustsAttemptsThenFails(t *testing.T) {
	queue, pool, store := newJobsFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	pool.Register("test.down", func(ctx context.Context, job *storage.Job, progress ProgressFunc, cancelled CancelFunc) (json.RawMessage, error) {
		calls.Add(1)
		return nil, apperr.OracleUnavailable(assert.AnError)
	})
	startPool(t, pool)

	job := testJob("test.down")
	job.MaxAttempts = 2
	require.NoError(t, queue.Enqueue(ctx, job))

	done := waitForState(t, store, job.ID, storage.JobStateFailure)
	assert.Equal(t, 2, done.Attempts)
	assert.EqualValues(t, 2, calls.Load())
	require.NotNil(t, done.Error)
	assert.Contains(t, *done.Error, "oracle_unavailable")
}

func TestObserverReportsOutcomes(t *testing.T) {
	queue, pool, store := newJobsFixture(t)
	ctx := context.Background()

	type event struct {
		task    string
		outcome string
		took    time.Duration
	}
	events := make(chan event, 8)
	pool.OnJobDone(func(task, outcome string, took time.Duration) {
		events <- event{task, outcome, took}
	})

	var calls atomic.Int32
	pool.Register("test.flaky", func(ctx context.Context, job *storage.Job, progress ProgressFunc, cancelled CancelFunc) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, apperr.OracleUnavailable(assert.AnError)
		}
		return json.RawMessage(`{}`), nil
	})
	pool.Register("test.bad", func(ctx context.Context, job *storage.Job, progress ProgressFunc, cancelled CancelFunc) (json.RawMessage, error) {
		return nil, apperr.Validation("payload makes no sense")
	})
	startPool(t, pool)

	flaky := testJob("test.flaky")
	require.NoError(t, queue.Enqueue(ctx, flaky))
	waitForState(t, store, flaky.ID, storage.JobStateSuccess)

	bad := testJob("test.bad")
	require.NoError(t, queue.Enqueue(ctx, bad))
	waitForState(t, store, bad.ID, storage.JobStateFailure)

	next := func() event {
		t.Helper()
		select {
		case ev := <-events:
			return ev
		case <-time.After(5 * time.Second):
			t.Fatal("observer event never arrived")
			return event{}
		}
	}

	ev := next()
	assert.Equal(t, "test.flaky", ev.task)
	assert.Equal(t, OutcomeRetry, ev.outcome)
	assert.Greater(t, ev.took, time.Duration(0))

	ev = next()
	assert.Equal(t, "test.flaky", ev.task)
	assert.Equal(t, OutcomeSuccess, ev.outcome)

	ev = next()
	assert.Equal(t, "test.bad", ev.task)
	assert.Equal(t, OutcomeFailure, ev.outcome)
}

func TestPoolFailsUnknownTask(t *testing.T) {
	queue, pool, store := newJobsFixture(t)
	ctx := context.Background()
	startPool(t, pool)

	job := testJob("test.nobody")
	require.NoError(t, queue.Enqueue(ctx, job))

	done := waitForState(t, store, job.ID, storage.JobStateFailure)
	require.NotNil(t, done.Error)
	assert.Contains(t, *done.Error, "no handler")
}

func TestPoolSurvivesPanickingHandler(t *testing.T) {
	queue, pool, store := newJobsFixture(t)
	ctx := context.Background()

	pool.Register("test.panic", func(ctx context.Context, job *storage.Job, progress ProgressFunc, cancelled CancelFunc) (json.RawMessage, error) {
		panic("boom")
	})
	pool.Register("test.echo", func(ctx context.Context, job *storage.Job, progress ProgressFunc, cancelled CancelFunc) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	startPool(t, pool)

	bad := testJob("test.panic")
	bad.MaxAttempts = 1
	require.NoError(t, queue.Enqueue(ctx, bad))
	done := waitForState(t, store, bad.ID, storage.JobStateFailure)
	require.NotNil(t, done.Error)
	assert.Contains(t, *done.Error, "panic")

	// The pool is still alive and takes new work.
	good := testJob("test.echo")
	require.NoError(t, queue.Enqueue(ctx, good))
	waitForState(t, store, good.ID, storage.JobStateSuccess)
}

func TestCancelPendingDeletesJob(t *testing.T) {
	queue, _, _ := newJobsFixture(t)
	ctx := context.Background()

	job := testJob("test.echo")
	require.NoError(t, queue.Enqueue(ctx, job))

	deleted, err := queue.Cancel(ctx, "casey", job.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = queue.Status(ctx, "casey", job.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCancelProcessingObservedAtBoundary(t *testing.T) {
	queue, pool, store := newJobsFixture(t)
	ctx := context.Background()

	started := make(chan struct{})
	pool.Register("test.slow", func(ctx context.Context, job *storage.Job, progress ProgressFunc, cancelled CancelFunc) (json.RawMessage, error) {
		close(started)
		for {
			stop, err := cancelled(ctx)
			if err != nil {
				return nil, err
			}
			if stop {
				return nil, apperr.Cancelled()
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
	})
	startPool(t, pool)

	job := testJob("test.slow")
	require.NoError(t, queue.Enqueue(ctx, job))
	<-started

	deleted, err := queue.Cancel(ctx, "casey", job.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	done := waitForState(t, store, job.ID, storage.JobStateFailure)
	require.NotNil(t, done.Error)
	assert.Contains(t, *done.Error, "cancelled")
}

func TestCancelTerminalConflicts(t *testing.T) {
	queue, pool, store := newJobsFixture(t)
	ctx := context.Background()

	pool.Register("test.echo", func(ctx context.Context, job *storage.Job, progress ProgressFunc, cancelled CancelFunc) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	startPool(t, pool)

	job := testJob("test.echo")
	require.NoError(t, queue.Enqueue(ctx, job))
	waitForState(t, store, job.ID, storage.JobStateSuccess)

	_, err := queue.Cancel(ctx, "casey", job.ID)
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestGracefulShutdownReschedulesInFlight(t *testing.T) {
	queue, pool, store := newJobsFixture(t)
	ctx := context.Background()

	started := make(chan struct{})
	pool.Register("test.stuck", func(ctx context.Context, job *storage.Job, progress ProgressFunc, cancelled CancelFunc) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cancel := startPool(t, pool)

	job := testJob("test.stuck")
	require.NoError(t, queue.Enqueue(ctx, job))
	<-started

	// Shutdown: the drain window elapses, the job context is cut, and
	// the in-flight job lands back in RETRY for another worker.
	cancel()
	done := waitForState(t, store, job.ID, storage.JobStateRetry)
	assert.Equal(t, 1, done.Attempts)
}

func TestDepthCountsOutstandingWork(t *testing.T) {
	queue, _, _ := newJobsFixture(t)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, testJob("test.echo")))
	require.NoError(t, queue.Enqueue(ctx, testJob("test.echo")))

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}
