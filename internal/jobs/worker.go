package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/storage"
)

// ProgressFunc reports stage progress. Writes double as the heartbeat
// that keeps the claim alive.
type ProgressFunc func(percent int, message string)

// CancelFunc polls the job's cancel flag. Handlers call it between
// stages and abandon work when it reports true.
type CancelFunc func(ctx context.Context) (bool, error)

// HandlerFunc executes one claimed job and returns its result
// document. Returned errors are classified: transient kinds
// reschedule the job, everything else fails it.
type HandlerFunc func(ctx context.Context, job *storage.Job, progress ProgressFunc, cancelled CancelFunc) (json.RawMessage, error)

// Job outcomes reported to the completion observer.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFailure = "failure"
)

// JobObserver receives one event per finished execution, e.g. for
// metrics. Retries count once per attempt.
type JobObserver func(task, outcome string, took time.Duration)

// Pool claims and executes jobs with a fixed number of workers. Each
// worker drains the queue, then sleeps one poll interval.
type Pool struct {
	store    *storage.Store
	cfg      config.QueueConfig
	workers  int
	drain    time.Duration
	log      *observability.Logger
	handlers map[string]HandlerFunc
	observe  JobObserver
}

func NewPool(store *storage.Store, qcfg config.QueueConfig, wcfg config.WorkerConfig, log *observability.Logger) *Pool {
	workers := wcfg.Concurrency
	if workers < 1 {
		workers = 1
	}
	drain := wcfg.DrainTimeout
	if drain <= 0 {
		drain = 15 * time.Second
	}
	return &Pool{
		store:    store,
		cfg:      qcfg,
		workers:  workers,
		drain:    drain,
		log:      log.Component("worker"),
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a task name. Call before Run.
func (p *Pool) Register(task string, h HandlerFunc) {
	p.handlers[task] = h
}

// OnJobDone installs the completion observer. Call before Run.
func (p *Pool) OnJobDone(fn JobObserver) {
	p.observe = fn
}

func (p *Pool) report(task, outcome string, took time.Duration) {
	if p.observe != nil {
		p.observe(task, outcome, took)
	}
}

// Run blocks until ctx is cancelled, then drains: in-flight jobs get
// the drain window to finish before their context is cut and they
// reschedule as RETRY for another worker.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info().Int("workers", p.workers).Msg("worker pool starting")
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Wait()
	p.log.Info().Msg("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context) {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil {
			job, err := p.store.Repos().Jobs.ClaimNextRunnable(ctx, storage.RunnablePolicy{
				StaleRunning: p.cfg.StaleDeadline,
			})
			if err != nil {
				if ctx.Err() == nil {
					p.log.Error().Err(err).Msg("claim failed")
				}
				break
			}
			if job == nil {
				break
			}
			p.execute(ctx, job)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) execute(poolCtx context.Context, job *storage.Job) {
	log := p.log.WithJob(job.ID.String()).WithUser(job.Owner)
	repos := p.store.Repos()
	start := time.Now()

	handler, ok := p.handlers[job.Task]
	if !ok {
		// Retrying cannot conjure a handler.
		p.finalize(func(ctx context.Context) error {
			return repos.Jobs.MarkFailure(ctx, job.ID, "no handler for task "+job.Task)
		})
		p.report(job.Task, OutcomeFailure, time.Since(start))
		log.Error().Str("task", job.Task).Msg("unknown task")
		return
	}

	// The job runs on its own context so pool shutdown cannot abort
	// SQL writes mid-statement. A watchdog grants the drain window,
	// then cuts the job loose; the context error reschedules it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		select {
		case <-poolCtx.Done():
			select {
			case <-time.After(p.drain):
				cancel()
			case <-done:
			}
		case <-done:
		}
	}()

	stopHeartbeat := p.heartbeat(ctx, job.ID)

	progress := func(percent int, message string) {
		if err := repos.Jobs.UpdateProgress(ctx, job.ID, percent, message); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("progress write failed")
		}
	}
	cancelled := func(ctx context.Context) (bool, error) {
		return repos.Jobs.CancelRequested(ctx, job.ID)
	}

	result, jobErr := p.run(ctx, handler, job, progress, cancelled)
	stopHeartbeat()
	close(done)

	if jobErr == nil {
		p.finalize(func(ctx context.Context) error {
			return repos.Jobs.MarkSuccess(ctx, job.ID, result)
		})
		p.report(job.Task, OutcomeSuccess, time.Since(start))
		log.Info().Str("task", job.Task).Dur("took", time.Since(start)).Msg("job succeeded")
		return
	}

	errText := jobErr.Error()
	if apperr.Transient(jobErr) && job.Attempts < job.MaxAttempts {
		delay := p.backoff(job.Attempts)
		p.finalize(func(ctx context.Context) error {
			return repos.Jobs.Reschedule(ctx, job.ID, errText, time.Now().Add(delay))
		})
		p.report(job.Task, OutcomeRetry, time.Since(start))
		log.Warn().Err(jobErr).
			Int("attempt", job.Attempts).
			Int("max_attempts", job.MaxAttempts).
			Dur("retry_in", delay).
			Msg("job rescheduled")
		return
	}

	p.finalize(func(ctx context.Context) error {
		return repos.Jobs.MarkFailure(ctx, job.ID, errText)
	})
	p.report(job.Task, OutcomeFailure, time.Since(start))
	log.Error().Err(jobErr).Str("task", job.Task).Int("attempt", job.Attempts).Msg("job failed")
}

// run invokes the handler with panic containment: a panicking job
// must not take its worker down with it.
func (p *Pool) run(ctx context.Context, handler HandlerFunc, job *storage.Job, progress ProgressFunc, cancelled CancelFunc) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.Internal(fmt.Errorf("job panic: %v", r))
		}
	}()
	return handler(ctx, job, progress, cancelled)
}

// heartbeat touches the claim timestamp so long stages survive the
// stale deadline. Returns a stop function.
func (p *Pool) heartbeat(ctx context.Context, id uuid.UUID) func() {
	if p.cfg.StaleDeadline <= 0 {
		return func() {}
	}
	interval := p.cfg.StaleDeadline / 3
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.store.Repos().Jobs.Heartbeat(ctx, id); err != nil && ctx.Err() == nil {
					p.log.Warn().Err(err).Str("job_id", id.String()).Msg("heartbeat failed")
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// finalize writes a terminal state transition on a fresh context so
// shutdown cannot strand a finished job in PROCESSING.
func (p *Pool) finalize(write func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := write(ctx); err != nil {
		p.log.Error().Err(err).Msg("job state write failed")
	}
}

// backoff doubles per attempt from the configured base.
func (p *Pool) backoff(attempt int) time.Duration {
	base := p.cfg.RetryBackoff
	if base <= 0 {
		base = 2 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 6 {
		shift = 6
	}
	return base << shift
}
