package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UsageCounter names an incrementable column on usage_records.
type UsageCounter string

const (
	CounterAPICalls          UsageCounter = "api_calls"
	CounterDocumentsUploaded UsageCounter = "documents_uploaded"
	CounterAIRequests        UsageCounter = "ai_requests"
	CounterSearchQueries     UsageCounter = "search_queries"
	CounterBuildSuggestions  UsageCounter = "build_suggestions"
)

// column maps the counter onto its column name, guarding against
// arbitrary strings reaching the SQL text.
func (c UsageCounter) column() (string, error) {
	switch c {
	case CounterAPICalls, CounterDocumentsUploaded, CounterAIRequests,
		CounterSearchQueries, CounterBuildSuggestions:
		return string(c), nil
	}
	return "", fmt.Errorf("unknown usage counter: %s", c)
}

// UsageRepository accumulates per-user monthly counters.
type UsageRepository struct {
	db DB
}

// NewUsageRepository creates a new usage repository.
func NewUsageRepository(db DB) *UsageRepository {
	return &UsageRepository{db: db}
}

const usageColumns = `id, owner, subscription_id, period_start, period_end,
	api_calls, documents_uploaded, ai_requests, storage_bytes,
	search_queries, build_suggestions, created_at, updated_at`

func scanUsage(scan func(...interface{}) error) (*UsageRecord, error) {
	u := &UsageRecord{}
	err := scan(
		&u.ID, &u.Owner, &u.SubscriptionID, &u.PeriodStart, &u.PeriodEnd,
		&u.APICalls, &u.DocumentsUploaded, &u.AIRequests, &u.StorageBytes,
		&u.SearchQueries, &u.BuildSuggestions, &u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

// EnsureCurrent returns the usage record for the calendar month holding
// now, creating it when absent. Concurrent callers converge on one row
// through the (owner, period_start) unique constraint.
func (r *UsageRepository) EnsureCurrent(ctx context.Context, owner string, subscriptionID *uuid.UUID, now time.Time) (*UsageRecord, error) {
	start, end := PeriodBounds(now)

	insert := `
		INSERT INTO usage_records (id, owner, subscription_id, period_start, period_end,
			api_calls, documents_uploaded, ai_requests, storage_bytes,
			search_queries, build_suggestions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, 0, 0, 0, 0, $6, $6)
		ON CONFLICT (owner, period_start) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, insert,
		uuid.New(), owner, subscriptionID, start, end, time.Now(),
	); err != nil {
		return nil, err
	}
	return r.GetCurrent(ctx, owner, now)
}

// GetCurrent returns the usage record covering now, or ErrNotFound when
// no activity has been recorded this period.
func (r *UsageRepository) GetCurrent(ctx context.Context, owner string, now time.Time) (*UsageRecord, error) {
	start, _ := PeriodBounds(now)
	query := `SELECT ` + usageColumns + ` FROM usage_records WHERE owner = $1 AND period_start = $2`
	u, err := scanUsage(r.db.QueryRowContext(ctx, query, owner, start).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// Increment atomically adds delta to one counter of the current period.
// The record must already exist (EnsureCurrent runs at quota-check time).
func (r *UsageRepository) Increment(ctx context.Context, owner string, now time.Time, counter UsageCounter, delta int64) error {
	col, err := counter.column()
	if err != nil {
		return err
	}
	start, _ := PeriodBounds(now)

	query := fmt.Sprintf(`
		UPDATE usage_records
		SET %s = %s + $1, updated_at = $2
		WHERE owner = $3 AND period_start = $4
	`, col, col)
	result, err := r.db.ExecContext(ctx, query, delta, time.Now(), owner, start)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ReserveDocument claims one slot of the monthly document allowance
// plus its bytes in a single conditional update, so two callers racing
// at the ceiling cannot both be admitted. A negative limit means
// unlimited. It reports false when a ceiling would be crossed; the
// record must already exist.
func (r *UsageRepository) ReserveDocument(ctx context.Context, owner string, now time.Time, byteSize, docLimit, storageLimitBytes int64) (bool, error) {
	start, _ := PeriodBounds(now)
	query := `
		UPDATE usage_records
		SET documents_uploaded = documents_uploaded + 1,
			storage_bytes = storage_bytes + $1,
			updated_at = $2
		WHERE owner = $3 AND period_start = $4
			AND ($5 < 0 OR documents_uploaded < $5)
			AND ($6 < 0 OR storage_bytes + $1 <= $6)
	`
	result, err := r.db.ExecContext(ctx, query, byteSize, time.Now(), owner, start, docLimit, storageLimitBytes)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// ReleaseDocument returns a reserved document slot and its bytes after
// the ingest failed or was cancelled, clamped at zero.
func (r *UsageRepository) ReleaseDocument(ctx context.Context, owner string, now time.Time, byteSize int64) error {
	start, _ := PeriodBounds(now)
	query := `
		UPDATE usage_records
		SET documents_uploaded = CASE
				WHEN documents_uploaded > 0 THEN documents_uploaded - 1
				ELSE 0
			END,
			storage_bytes = CASE
				WHEN storage_bytes - $1 < 0 THEN 0
				ELSE storage_bytes - $1
			END,
			updated_at = $2
		WHERE owner = $3 AND period_start = $4
	`
	result, err := r.db.ExecContext(ctx, query, byteSize, time.Now(), owner, start)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AdjustStorage applies a byte delta to the current period, clamped at
// zero so deletes of documents ingested in earlier periods cannot drive
// the gauge negative.
func (r *UsageRepository) AdjustStorage(ctx context.Context, owner string, now time.Time, deltaBytes int64) error {
	start, _ := PeriodBounds(now)
	query := `
		UPDATE usage_records
		SET storage_bytes = CASE
				WHEN storage_bytes + $1 < 0 THEN 0
				ELSE storage_bytes + $1
			END,
			updated_at = $2
		WHERE owner = $3 AND period_start = $4
	`
	result, err := r.db.ExecContext(ctx, query, deltaBytes, time.Now(), owner, start)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOwner returns usage history, most recent period first.
func (r *UsageRepository) ListByOwner(ctx context.Context, owner string, limit int) ([]*UsageRecord, error) {
	query := `SELECT ` + usageColumns + ` FROM usage_records WHERE owner = $1 ORDER BY period_start DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		u, err := scanUsage(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, u)
	}
	return records, rows.Err()
}

// Limits resolves the effective quota table for a subscription,
// applying any per-account override on top of the plan defaults.
func (s *Subscription) Limits() PlanLimits {
	limits := LimitsForPlan(s.Plan)
	if len(s.LimitOverride) > 0 {
		_ = json.Unmarshal(s.LimitOverride, &limits)
	}
	return limits
}

// SubscriptionRepository handles plan assignments.
type SubscriptionRepository struct {
	db DB
}

// NewSubscriptionRepository creates a new subscription repository.
func NewSubscriptionRepository(db DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// GetByOwner retrieves a user's subscription.
func (r *SubscriptionRepository) GetByOwner(ctx context.Context, owner string) (*Subscription, error) {
	query := `
		SELECT id, owner, plan, status, limit_override, created_at, updated_at
		FROM subscriptions WHERE owner = $1
	`
	s := &Subscription{}
	var override sql.NullString
	err := r.db.QueryRowContext(ctx, query, owner).Scan(
		&s.ID, &s.Owner, &s.Plan, &s.Status, &override, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if override.Valid {
		s.LimitOverride = json.RawMessage(override.String)
	}
	return s, nil
}

// EnsureDefault returns the user's subscription, creating one on the
// given plan when absent. New users land here on their first request.
func (r *SubscriptionRepository) EnsureDefault(ctx context.Context, owner string, plan Plan) (*Subscription, error) {
	insert := `
		INSERT INTO subscriptions (id, owner, plan, status, limit_override, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULL, $5, $5)
		ON CONFLICT (owner) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, insert,
		uuid.New(), owner, plan, SubscriptionStatusActive, time.Now(),
	); err != nil {
		return nil, err
	}
	return r.GetByOwner(ctx, owner)
}

// UpdateLimitOverride replaces a user's quota override. Nil clears it
// so plan defaults apply again.
func (r *SubscriptionRepository) UpdateLimitOverride(ctx context.Context, owner string, override json.RawMessage) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET limit_override = $1, updated_at = $2 WHERE owner = $3
	`, rawText(override), time.Now(), owner)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePlan moves a user onto a different plan.
func (r *SubscriptionRepository) UpdatePlan(ctx context.Context, owner string, plan Plan, status SubscriptionStatus) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET plan = $1, status = $2, updated_at = $3 WHERE owner = $4
	`, plan, status, time.Now(), owner)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
