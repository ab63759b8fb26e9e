// Package usage enforces plan quotas and accumulates the per-period
// billing counters. Callers gate before doing work and record after
// it commits; the TESTING flag disables gating only, accounting runs
// either way.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/cache"
	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/storage"
)

// Accountant mediates every quota-bound operation. Monthly counters
// live in usage_records; the per-minute and per-day rate windows live
// in the cache so all API processes share them.
type Accountant struct {
	store   *storage.Store
	cache   cache.Client
	log     *observability.Logger
	plan    storage.Plan
	testing bool
	now     func() time.Time
}

func NewAccountant(store *storage.Store, c cache.Client, cfg config.UsageConfig, testing bool, log *observability.Logger) *Accountant {
	plan := storage.Plan(cfg.DefaultPlan)
	if plan == "" {
		plan = storage.PlanFree
	}
	return &Accountant{
		store:   store,
		cache:   c,
		log:     log.Component("usage"),
		plan:    plan,
		testing: testing,
		now:     time.Now,
	}
}

// Summary is the usage report returned to account owners.
type Summary struct {
	Plan        storage.Plan       `json:"plan"`
	PeriodStart time.Time          `json:"period_start"`
	PeriodEnd   time.Time          `json:"period_end"`
	Counters    CounterSnapshot    `json:"counters"`
	Limits      storage.PlanLimits `json:"limits"`
}

// CounterSnapshot mirrors the usage record columns.
type CounterSnapshot struct {
	APICalls          int64 `json:"api_calls"`
	DocumentsUploaded int64 `json:"documents_uploaded"`
	AIRequests        int64 `json:"ai_requests"`
	SearchQueries     int64 `json:"search_queries"`
	BuildSuggestions  int64 `json:"build_suggestions"`
	StorageBytes      int64 `json:"storage_bytes"`
}

// current loads the subscription and this month's usage record,
// creating both on a user's first metered operation.
func (a *Accountant) current(ctx context.Context, owner string) (*storage.Subscription, *storage.UsageRecord, error) {
	repos := a.store.Repos()
	sub, err := repos.Subscriptions.GetByOwner(ctx, owner)
	if errors.Is(err, storage.ErrNotFound) {
		sub, err = repos.Subscriptions.EnsureDefault(ctx, owner, a.plan)
	}
	if err != nil {
		return nil, nil, err
	}
	rec, err := repos.Usage.EnsureCurrent(ctx, owner, &sub.ID, a.now())
	if err != nil {
		return nil, nil, err
	}
	return sub, rec, nil
}

// Snapshot reports current-period usage against the effective limits.
func (a *Accountant) Snapshot(ctx context.Context, owner string) (*Summary, error) {
	sub, rec, err := a.current(ctx, owner)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Plan:        sub.Plan,
		PeriodStart: rec.PeriodStart,
		PeriodEnd:   rec.PeriodEnd,
		Counters: CounterSnapshot{
			APICalls:          rec.APICalls,
			DocumentsUploaded: rec.DocumentsUploaded,
			AIRequests:        rec.AIRequests,
			SearchQueries:     rec.SearchQueries,
			BuildSuggestions:  rec.BuildSuggestions,
			StorageBytes:      rec.StorageBytes,
		},
		Limits: sub.Limits(),
	}, nil
}

// APICall gates one inbound request against the per-minute and
// per-day rate windows, then counts it. The rejected call still
// occupies its window slot so hammering a closed gate never makes
// progress.
func (a *Accountant) APICall(ctx context.Context, owner string) error {
	sub, _, err := a.current(ctx, owner)
	if err != nil {
		return err
	}
	limits := sub.Limits()
	now := a.now()

	minuteCount := a.bumpWindow(ctx, rateKey(owner, "api", "m", now.Unix()/60), 2*time.Minute)
	dayCount := a.bumpWindow(ctx, rateKey(owner, "api", "d", dayIndex(now)), 48*time.Hour)

	if !a.testing {
		if limits.APICallsPerMinute >= 0 && minuteCount > limits.APICallsPerMinute {
			return apperr.Quota("api_calls_per_minute", limits.APICallsPerMinute, minuteCount,
				now.Truncate(time.Minute).Add(time.Minute))
		}
		if limits.APICallsPerDay >= 0 && dayCount > limits.APICallsPerDay {
			return apperr.Quota("api_calls_per_day", limits.APICallsPerDay, dayCount, nextUTCDay(now))
		}
	}
	return a.store.Repos().Usage.Increment(ctx, owner, now, storage.CounterAPICalls, 1)
}

// GateIngest admits a document by claiming one slot of the monthly
// allowance plus its bytes in one conditional update, so two requests
// racing at the ceiling cannot both pass. An admission whose ingest
// later fails terminally is returned through ReleaseIngest. In testing
// mode the ceilings are lifted but the claim still counts.
func (a *Accountant) GateIngest(ctx context.Context, owner string, byteSize int64) error {
	sub, rec, err := a.current(ctx, owner)
	if err != nil {
		return err
	}
	docLimit, storageLimit := int64(-1), int64(-1)
	limits := sub.Limits()
	if !a.testing {
		docLimit = limits.DocumentsPerMonth
		if limits.StorageMB >= 0 {
			storageLimit = limits.StorageMB * 1024 * 1024
		}
	}

	reserved, err := a.store.Repos().Usage.ReserveDocument(ctx, owner, a.now(), byteSize, docLimit, storageLimit)
	if err != nil {
		return err
	}
	if reserved {
		return nil
	}

	// The claim was refused; re-read to name the ceiling that blocked it.
	rec, err = a.store.Repos().Usage.GetCurrent(ctx, owner, a.now())
	if err != nil {
		return err
	}
	if docLimit >= 0 && rec.DocumentsUploaded >= docLimit {
		return apperr.Quota("documents_per_month", docLimit, rec.DocumentsUploaded, rec.PeriodEnd)
	}
	return apperr.Quota("storage_mb", limits.StorageMB, rec.StorageBytes/(1024*1024), rec.PeriodEnd)
}

// ReleaseIngest hands an admitted document's allowance back after its
// ingest failed terminally or never got queued. Failures are logged,
// never surfaced: the caller is already on an error path.
func (a *Accountant) ReleaseIngest(ctx context.Context, owner string, byteSize int64) {
	if err := a.store.Repos().Usage.ReleaseDocument(ctx, owner, a.now(), byteSize); err != nil {
		a.log.Warn().Err(err).Str("user", owner).Int64("bytes", byteSize).Msg("usage release failed")
	}
}

// GateAIRequest enforces the per-day ceiling on oracle-bound work.
func (a *Accountant) GateAIRequest(ctx context.Context, owner string) error {
	sub, _, err := a.current(ctx, owner)
	if err != nil {
		return err
	}
	now := a.now()
	count := a.bumpWindow(ctx, rateKey(owner, "ai", "d", dayIndex(now)), 48*time.Hour)

	limits := sub.Limits()
	if !a.testing && limits.AIRequestsPerDay >= 0 && count > limits.AIRequestsPerDay {
		return apperr.Quota("ai_requests_per_day", limits.AIRequestsPerDay, count, nextUTCDay(now))
	}
	return nil
}

// GateKnowledgeBaseCreate enforces the per-plan KB ceiling.
func (a *Accountant) GateKnowledgeBaseCreate(ctx context.Context, owner string) error {
	sub, rec, err := a.current(ctx, owner)
	if err != nil {
		return err
	}
	if a.testing {
		return nil
	}
	limits := sub.Limits()
	if limits.KnowledgeBases < 0 {
		return nil
	}
	n, err := a.store.Repos().KnowledgeBases.CountByOwner(ctx, owner)
	if err != nil {
		return err
	}
	if n >= limits.KnowledgeBases {
		// KB count is not period-bound; it frees up on delete.
		return apperr.Quota("knowledge_bases", limits.KnowledgeBases, n, rec.PeriodEnd)
	}
	return nil
}

// RecordAIRequest counts one oracle-bound operation.
func (a *Accountant) RecordAIRequest(ctx context.Context, owner string) {
	a.record(ctx, owner, storage.CounterAIRequests)
}

// RecordSearch counts one retrieval query.
func (a *Accountant) RecordSearch(ctx context.Context, owner string) {
	a.record(ctx, owner, storage.CounterSearchQueries)
}

// RecordBuildSuggestion counts one suggestion run.
func (a *Accountant) RecordBuildSuggestion(ctx context.Context, owner string) {
	a.record(ctx, owner, storage.CounterBuildSuggestions)
}

// record moves a monthly counter after the work succeeded. Accounting
// failures are logged, never surfaced: the user's operation already
// completed.
func (a *Accountant) record(ctx context.Context, owner string, counter storage.UsageCounter) {
	if _, _, err := a.current(ctx, owner); err != nil {
		a.log.Warn().Err(err).Str("user", owner).Str("counter", string(counter)).Msg("usage record unavailable")
		return
	}
	if err := a.store.Repos().Usage.Increment(ctx, owner, a.now(), counter, 1); err != nil {
		a.log.Warn().Err(err).Str("user", owner).Str("counter", string(counter)).Msg("usage increment failed")
	}
}

// bumpWindow increments a fixed rate window. A cache outage fails
// open: the request proceeds ungated rather than the API going down
// with the cache.
func (a *Accountant) bumpWindow(ctx context.Context, key string, ttl time.Duration) int64 {
	count, err := a.cache.Incr(ctx, key, ttl)
	if err != nil {
		a.log.Warn().Err(err).Str("key", key).Msg("rate window unavailable")
		return 0
	}
	return count
}

// rateKey embeds the window index so windows are exact; the TTL only
// garbage-collects closed windows.
func rateKey(owner, op, granularity string, window int64) string {
	return fmt.Sprintf("rate:%s:%s:%s:%d", owner, op, granularity, window)
}

func dayIndex(t time.Time) int64 {
	return t.UTC().Unix() / 86400
}

func nextUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
