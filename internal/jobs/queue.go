// Package jobs runs the durable background queue: enqueue with
// backpressure, a polling worker pool with retry and backoff, and
// cancellation observed at stage boundaries. State lives in the jobs
// table, so any API process can enqueue and any worker can claim.
package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/storage"
)

// Queue accepts and tracks background work.
type Queue struct {
	store *storage.Store
	cfg   config.QueueConfig
	log   *observability.Logger
}

func NewQueue(store *storage.Store, cfg config.QueueConfig, log *observability.Logger) *Queue {
	return &Queue{store: store, cfg: cfg, log: log.Component("queue")}
}

// Enqueue persists a PENDING job behind the depth gate. The job id is
// usable for status polling as soon as this returns.
func (q *Queue) Enqueue(ctx context.Context, job *storage.Job) error {
	repos := q.store.Repos()
	if q.cfg.DepthCeiling > 0 {
		depth, err := repos.Jobs.Depth(ctx)
		if err != nil {
			return err
		}
		if depth >= int64(q.cfg.DepthCeiling) {
			// No resets_at: depth recedes as workers drain, not on a clock.
			return apperr.Quota("queue_depth", int64(q.cfg.DepthCeiling), depth, time.Time{})
		}
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.cfg.MaxAttempts
	}
	if err := repos.Jobs.Enqueue(ctx, job); err != nil {
		return err
	}
	q.log.Info().
		Str("job_id", job.ID.String()).
		Str("task", job.Task).
		Str("user", job.Owner).
		Msg("job enqueued")
	return nil
}

// Status returns a job with owner scoping.
func (q *Queue) Status(ctx context.Context, owner string, id uuid.UUID) (*storage.Job, error) {
	return q.store.Repos().Jobs.GetOwned(ctx, owner, id)
}

// List returns the owner's jobs, newest first.
func (q *Queue) List(ctx context.Context, owner string, limit int) ([]*storage.Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return q.store.Repos().Jobs.ListByOwner(ctx, owner, limit)
}

// Cancel stops a job: queued jobs are deleted outright, a PROCESSING
// job gets its cancel flag set and fails at the worker's next stage
// boundary. The flag reports which happened.
func (q *Queue) Cancel(ctx context.Context, owner string, id uuid.UUID) (deleted bool, err error) {
	deleted, err = q.store.Repos().Jobs.RequestCancel(ctx, owner, id)
	if err != nil {
		return false, err
	}
	q.log.Info().
		Str("job_id", id.String()).
		Str("user", owner).
		Bool("deleted", deleted).
		Msg("job cancel requested")
	return deleted, nil
}

// Depth reports outstanding work for metrics and backpressure.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.store.Repos().Jobs.Depth(ctx)
}
