// Package freshness decides whether a logical dataset must be recomputed,
// independently of the expiry of any single cache entry.
package freshness

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/quualle/AgencyReporter/internal/database"
	"go.uber.org/zap"
)

// Key identifies a tracked dataset. Empty AgencyID or TimeWindow stand for
// aggregate datasets.
type Key struct {
	Category   string `json:"category"`
	AgencyID   string `json:"agency_id,omitempty"`
	TimeWindow string `json:"time_window,omitempty"`
}

// Status is the outcome of a freshness check
type Status struct {
	Fresh bool `json:"fresh"`
	// HoursUntilStale is nil when the dataset was never computed
	HoursUntilStale *float64   `json:"hours_until_stale"`
	LastUpdated     *time.Time `json:"last_updated,omitempty"`
	Duration        float64    `json:"freshness_hours,omitempty"`
	ForcedStale     bool       `json:"forced_stale,omitempty"`
}

// StaleDataset is one entry of ListStale
type StaleDataset struct {
	Category       string  `json:"category"`
	TimeWindow     string  `json:"time_window"`
	AgeHours       float64 `json:"age_hours"`
	FreshnessHours float64 `json:"freshness_hours"`
}

// Options configures an Engine
type Options struct {
	Retry database.RetryPolicy
	Now   func() time.Time
}

// Engine evaluates and records dataset freshness
type Engine struct {
	db     *database.DB
	policy atomic.Pointer[Policy]
	retry  database.RetryPolicy
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates an engine. A nil policy selects DefaultPolicy.
func NewEngine(db *database.DB, policy *Policy, opts Options, logger *zap.Logger) *Engine {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Retry.ApplyDefaults()

	e := &Engine{db: db, retry: opts.Retry, logger: logger, now: opts.Now}
	e.policy.Store(policy)
	return e
}

// Policy returns the active rule table
func (e *Engine) Policy() *Policy {
	return e.policy.Load()
}

// SetPolicy swaps the active rule table
func (e *Engine) SetPolicy(p *Policy) {
	if p == nil {
		return
	}
	e.policy.Store(p)
}

// DurationFor resolves window by name and applies the active policy
func (e *Engine) DurationFor(category, window string) time.Duration {
	return e.Policy().DurationFor(category, LookupWindow(window))
}

type record struct {
	category    string
	timeWindow  string
	lastUpdated time.Time
	duration    time.Duration
	isFresh     bool
}

func (r record) age(now time.Time) time.Duration {
	return now.Sub(r.lastUpdated)
}

func (r record) fresh(now time.Time) bool {
	return r.isFresh && r.age(now) < r.duration
}

// Check reports whether the dataset is fresh. A dataset without a record was
// never computed and is not fresh.
func (e *Engine) Check(ctx context.Context, key Key) (Status, error) {
	var (
		lastUpdated int64
		seconds     int64
		isFresh     bool
	)
	err := e.db.SQL().QueryRowContext(ctx, `SELECT last_updated, freshness_seconds, is_fresh
		FROM data_freshness WHERE category = $1 AND agency_id = $2 AND time_window = $3`,
		key.Category, key.AgencyID, key.TimeWindow).Scan(&lastUpdated, &seconds, &isFresh)
	if errors.Is(err, sql.ErrNoRows) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("query freshness: %w", err)
	}

	r := record{
		lastUpdated: database.FromMillis(lastUpdated),
		duration:    time.Duration(seconds) * time.Second,
		isFresh:     isFresh,
	}
	now := e.now()
	left := math.Max(0, (r.duration - r.age(now)).Hours())

	return Status{
		Fresh:           r.fresh(now),
		HoursUntilStale: &left,
		LastUpdated:     &r.lastUpdated,
		Duration:        r.duration.Hours(),
		ForcedStale:     !r.isFresh,
	}, nil
}

const upsertFreshness = `INSERT INTO data_freshness
	(category, agency_id, time_window, last_updated, freshness_seconds, is_fresh)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (category, agency_id, time_window) DO UPDATE SET
		last_updated = EXCLUDED.last_updated,
		freshness_seconds = EXCLUDED.freshness_seconds,
		is_fresh = EXCLUDED.is_fresh`

// MarkRefreshed records a successful recompute now, fresh for d. A
// non-positive d uses the policy duration.
func (e *Engine) MarkRefreshed(ctx context.Context, key Key, d time.Duration) error {
	if key.Category == "" {
		return errors.New("freshness: empty category")
	}
	if d <= 0 {
		d = e.DurationFor(key.Category, key.TimeWindow)
	}
	now := database.ToMillis(e.now())
	seconds := int64(d / time.Second)

	logger := e.logger.With(
		zap.String("category", key.Category),
		zap.String("agency_id", key.AgencyID),
		zap.String("time_window", key.TimeWindow))

	err := database.Retry(ctx, e.retry, logger, func(ctx context.Context) error {
		_, err := e.db.SQL().ExecContext(ctx, upsertFreshness,
			key.Category, key.AgencyID, key.TimeWindow, now, seconds, true)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert freshness: %w", err)
	}
	return nil
}

// MarkStale forces the dataset stale regardless of age. It reports false if
// the dataset is not tracked.
func (e *Engine) MarkStale(ctx context.Context, key Key) (bool, error) {
	res, err := e.db.SQL().ExecContext(ctx, `UPDATE data_freshness SET is_fresh = $1
		WHERE category = $2 AND agency_id = $3 AND time_window = $4`,
		false, key.Category, key.AgencyID, key.TimeWindow)
	if err != nil {
		return false, fmt.Errorf("mark stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListStale returns the tracked datasets of agencyID that are no longer fresh
func (e *Engine) ListStale(ctx context.Context, agencyID string) ([]StaleDataset, error) {
	rows, err := e.db.SQL().QueryContext(ctx, `SELECT category, time_window, last_updated, freshness_seconds, is_fresh
		FROM data_freshness WHERE agency_id = $1 ORDER BY category, time_window`, agencyID)
	if err != nil {
		return nil, fmt.Errorf("query freshness: %w", err)
	}
	defer func() { _ = rows.Close() }()

	now := e.now()
	stale := []StaleDataset{}
	for rows.Next() {
		var (
			r           record
			lastUpdated int64
			seconds     int64
		)
		if err := rows.Scan(&r.category, &r.timeWindow, &lastUpdated, &seconds, &r.isFresh); err != nil {
			return nil, fmt.Errorf("scan freshness: %w", err)
		}
		r.lastUpdated = database.FromMillis(lastUpdated)
		r.duration = time.Duration(seconds) * time.Second

		if !r.fresh(now) {
			stale = append(stale, StaleDataset{
				Category:       r.category,
				TimeWindow:     r.timeWindow,
				AgeHours:       r.age(now).Hours(),
				FreshnessHours: r.duration.Hours(),
			})
		}
	}
	return stale, rows.Err()
}

// Reset deletes every freshness record
func (e *Engine) Reset(ctx context.Context) (int64, error) {
	res, err := e.db.SQL().ExecContext(ctx, `DELETE FROM data_freshness`)
	if err != nil {
		return 0, fmt.Errorf("reset freshness: %w", err)
	}
	return res.RowsAffected()
}
