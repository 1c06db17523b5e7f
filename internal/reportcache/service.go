// Package reportcache is the single entry point request handlers and bulk
// jobs use for cached report data: it computes keys, reads and writes the
// cache store, keeps freshness records current and exposes preload session
// bookkeeping.
package reportcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mileusna/crontab"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quualle/AgencyReporter/internal/cache"
	"github.com/quualle/AgencyReporter/internal/database"
	"github.com/quualle/AgencyReporter/internal/freshness"
	"github.com/quualle/AgencyReporter/internal/preload"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultHousekeepingSchedule runs cleanup every quarter hour
const DefaultHousekeepingSchedule = "*/15 * * * *"

// MaxTTLHours caps explicit TTLs at ten years
const MaxTTLHours = 10 * 365 * 24

// DefaultFetchTimeout bounds one shared producer call in Fetch
const DefaultFetchTimeout = 2 * time.Minute

// Options configures a Service
type Options struct {
	Codec *cache.Codec
	// Retry bounds cache writes on the request path
	Retry database.RetryPolicy
	// FreshnessRetry bounds the background freshness update
	FreshnessRetry database.RetryPolicy
	Policy         *freshness.Policy
	SessionTimeout time.Duration
	// Housekeeping is a cron schedule for Cleanup; empty disables it
	Housekeeping string
	// FetchTimeout bounds the producer call a Fetch flight shares between callers
	FetchTimeout time.Duration
	Registry     *prometheus.Registry
	Now          func() time.Time
}

// Service is the cache facade. Construct it with New and release it with Close.
type Service struct {
	db        *database.DB
	store     *cache.Store
	freshness *freshness.Engine
	sessions  *preload.Tracker
	metrics   *Metrics
	logger    *zap.Logger

	sessionTimeout time.Duration
	fetchTimeout   time.Duration
	schedule       string
	now            func() time.Time

	inflight   singleflight.Group
	cron       *crontab.Crontab
	closeOnce  sync.Once
	mu         sync.Mutex // guards closed and background.Add
	closed     bool
	background sync.WaitGroup
}

// New creates the tables if needed and wires the store, freshness engine and
// session tracker over db.
func New(ctx context.Context, db *database.DB, opts Options, logger *zap.Logger) (*Service, error) {
	if db == nil {
		return nil, errors.New("reportcache: nil database")
	}
	if err := db.CreateTables(ctx); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = preload.DefaultSessionTimeout
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.FreshnessRetry.Attempts == 0 {
		opts.FreshnessRetry = database.RetryPolicy{Attempts: 5, InitialInterval: 500 * time.Millisecond, MaxInterval: 10 * time.Second}
	}

	metrics := NewMetrics(opts.Registry)
	store := cache.NewStore(db, cache.Options{
		Codec:    opts.Codec,
		Retry:    opts.Retry,
		Recorder: metrics,
		Now:      opts.Now,
	}, logger.Named("store"))
	engine := freshness.NewEngine(db, opts.Policy, freshness.Options{
		Retry: opts.FreshnessRetry,
		Now:   opts.Now,
	}, logger.Named("freshness"))

	s := &Service{
		db:             db,
		store:          store,
		freshness:      engine,
		sessions:       preload.NewTracker(db, opts.Now, logger.Named("preload")),
		metrics:        metrics,
		logger:         logger,
		sessionTimeout: opts.SessionTimeout,
		fetchTimeout:   opts.FetchTimeout,
		schedule:       opts.Housekeeping,
		now:            opts.Now,
	}
	return s, nil
}

// Start schedules housekeeping. It is a no-op without a schedule.
func (s *Service) Start() error {
	if s.schedule == "" {
		return nil
	}
	s.cron = crontab.New()
	if err := s.cron.AddJob(s.schedule, s.housekeep); err != nil {
		s.cron.Shutdown()
		s.cron = nil
		return fmt.Errorf("schedule housekeeping %q: %w", s.schedule, err)
	}
	s.logger.Info("housekeeping scheduled", zap.String("schedule", s.schedule))
	return nil
}

func (s *Service) housekeep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if _, err := s.Cleanup(ctx); err != nil {
		s.logger.Error("housekeeping failed", zap.Error(err))
	}
}

// Close stops housekeeping and waits for background freshness updates and
// deletions. New background work is refused afterwards.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.cron != nil {
			s.cron.Shutdown()
		}
		s.background.Wait()
		s.store.Close()
	})
}

// Metrics returns the service collectors
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// Freshness exposes the engine, e.g. for a rules file watcher
func (s *Service) Freshness() *freshness.Engine {
	return s.freshness
}

// GetCached returns the payload stored under key. Misses, expiry, corruption
// and storage failures all come back as found == false.
func (s *Service) GetCached(ctx context.Context, key string) ([]byte, bool) {
	return s.store.Get(ctx, key)
}

// Lookup returns the full entry for diagnostics
func (s *Service) Lookup(ctx context.Context, key string) (cache.Entry, error) {
	return s.store.Lookup(ctx, key)
}

// SaveRequest is one write-through
type SaveRequest struct {
	Key        string
	Payload    []byte
	Category   string
	AgencyID   string
	TimeWindow string
	// TTLHours of zero or less uses the freshness policy for the category and
	// window. Values above MaxTTLHours are capped.
	TTLHours  int
	Preloaded bool
}

func (r SaveRequest) freshnessKey() freshness.Key {
	return freshness.Key{Category: r.Category, AgencyID: r.AgencyID, TimeWindow: r.TimeWindow}
}

// SaveCached writes through to the store and then, without blocking the
// caller, marks the dataset refreshed. It reports whether the cache write
// committed; the freshness update never affects the result.
func (s *Service) SaveCached(ctx context.Context, req SaveRequest) bool {
	if req.TTLHours > MaxTTLHours {
		s.logger.Warn("ttl capped",
			zap.String("cache_key", req.Key),
			zap.Int("ttl_hours", req.TTLHours),
			zap.Int("max_ttl_hours", MaxTTLHours))
		req.TTLHours = MaxTTLHours
	}
	ttl := time.Duration(req.TTLHours) * time.Hour
	if req.TTLHours <= 0 {
		ttl = s.freshness.DurationFor(req.Category, req.TimeWindow)
	}

	origin := cache.OriginInteractive
	if req.Preloaded {
		origin = cache.OriginPreload
	}
	err := s.store.Put(ctx, cache.PutRequest{
		Key:      req.Key,
		Category: req.Category,
		Scope:    cache.Scope{AgencyID: req.AgencyID, TimeWindow: req.TimeWindow},
		Payload:  req.Payload,
		TTL:      ttl,
		Origin:   origin,
	})
	if err != nil {
		return false
	}

	if req.Category != "" {
		s.refreshInBackground(ctx, req.freshnessKey(), ttl)
	}
	return true
}

// refreshInBackground upserts the freshness record on a detached goroutine.
// Failures are logged and counted only.
func (s *Service) refreshInBackground(ctx context.Context, key freshness.Key, d time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.background.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.background.Done()

		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()

		if err := s.freshness.MarkRefreshed(bg, key, d); err != nil {
			s.metrics.FreshnessUpdates.WithLabelValues("failed").Inc()
			s.logger.Warn("freshness update failed",
				zap.String("category", key.Category),
				zap.String("agency_id", key.AgencyID),
				zap.String("time_window", key.TimeWindow),
				zap.Error(err))
			return
		}
		s.metrics.FreshnessUpdates.WithLabelValues("ok").Inc()
	}()
}

// WaitBackground blocks until pending freshness updates have finished
func (s *Service) WaitBackground() {
	s.background.Wait()
}

// IsFresh reports whether the dataset is fresh and, when it is tracked,
// how many hours remain. Storage failures read as not fresh.
func (s *Service) IsFresh(ctx context.Context, category, agencyID, timeWindow string) (bool, *float64) {
	st, err := s.freshness.Check(ctx, freshness.Key{Category: category, AgencyID: agencyID, TimeWindow: timeWindow})
	if err != nil {
		s.logger.Warn("freshness check failed", zap.String("category", category), zap.Error(err))
		return false, nil
	}
	return st.Fresh, st.HoursUntilStale
}

// ListStale returns the datasets of agencyID that need recomputation. Storage
// failures yield an empty list.
func (s *Service) ListStale(ctx context.Context, agencyID string) []freshness.StaleDataset {
	stale, err := s.freshness.ListStale(ctx, agencyID)
	if err != nil {
		s.logger.Warn("listing stale datasets failed", zap.String("agency_id", agencyID), zap.Error(err))
		return []freshness.StaleDataset{}
	}
	return stale
}

// MarkStale forces a dataset stale
func (s *Service) MarkStale(ctx context.Context, key freshness.Key) (bool, error) {
	return s.freshness.MarkStale(ctx, key)
}

// FreshnessCell is one (category, window) result of FreshnessReport
type FreshnessCell struct {
	Fresh           bool     `json:"is_fresh"`
	HoursUntilStale *float64 `json:"hours_until_stale"`
}

// FreshnessReport checks a category by window matrix for one agency
type FreshnessReport struct {
	AgencyID string                              `json:"agency_id"`
	AllFresh bool                                `json:"all_data_fresh"`
	Details  map[string]map[string]FreshnessCell `json:"freshness_details"`
	Stale    []freshness.Key                     `json:"stale_data_types"`
}

// DefaultCategories are the categories tracked by default
var DefaultCategories = []string{"quotas", "reaction_times", "problematic_stays"}

// DefaultWindows are the historical windows checked by default
var DefaultWindows = []string{"last_quarter", "last_year", "last_month", "all_time"}

// FreshnessReport checks every (category, window) pair for agencyID. Empty
// slices select DefaultCategories and DefaultWindows.
func (s *Service) FreshnessReport(ctx context.Context, agencyID string, categories, windows []string) FreshnessReport {
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	if len(windows) == 0 {
		windows = DefaultWindows
	}

	report := FreshnessReport{
		AgencyID: agencyID,
		AllFresh: true,
		Details:  make(map[string]map[string]FreshnessCell, len(categories)),
		Stale:    []freshness.Key{},
	}
	for _, category := range categories {
		row := make(map[string]FreshnessCell, len(windows))
		for _, window := range windows {
			fresh, left := s.IsFresh(ctx, category, agencyID, window)
			row[window] = FreshnessCell{Fresh: fresh, HoursUntilStale: left}
			if !fresh {
				report.AllFresh = false
				report.Stale = append(report.Stale, freshness.Key{Category: category, AgencyID: agencyID, TimeWindow: window})
			}
		}
		report.Details[category] = row
	}
	return report
}

// CreateSession starts a preload session for scopeID
func (s *Service) CreateSession(ctx context.Context, scopeID string) (string, error) {
	key, err := s.sessions.Create(ctx, scopeID)
	if err != nil {
		return "", err
	}
	s.metrics.Sessions.WithLabelValues(string(preload.StatusRunning)).Inc()
	return key, nil
}

// UpdateProgress overwrites the counters of a running session. It reports
// false for unknown, terminal or malformed updates.
func (s *Service) UpdateProgress(ctx context.Context, sessionKey string, total, successful, failed int64) bool {
	ok, err := s.sessions.UpdateProgress(ctx, sessionKey, preload.Progress{Total: total, Successful: successful, Failed: failed})
	if err != nil {
		s.logger.Warn("preload progress not recorded", zap.String("session_key", sessionKey), zap.Error(err))
		return false
	}
	return ok
}

// CompleteSession finalizes a running session. It reports false for unknown
// and already terminal sessions.
func (s *Service) CompleteSession(ctx context.Context, sessionKey string, success bool, errMsg string) bool {
	ok, err := s.sessions.Complete(ctx, sessionKey, success, errMsg)
	if err != nil {
		s.logger.Warn("preload session not completed", zap.String("session_key", sessionKey), zap.Error(err))
		return false
	}
	if ok {
		status := preload.StatusCompleted
		if !success {
			status = preload.StatusFailed
		}
		s.metrics.Sessions.WithLabelValues(string(status)).Inc()
	}
	return ok
}

// SessionInfo is a session with its derived views
type SessionInfo struct {
	preload.Session
	SuccessRate     float64 `json:"success_rate"`
	DurationMinutes float64 `json:"duration_minutes"`
}

func (s *Service) sessionInfo(sess preload.Session) SessionInfo {
	return SessionInfo{
		Session:         sess,
		SuccessRate:     sess.SuccessRate(),
		DurationMinutes: sess.Duration(s.now()).Minutes(),
	}
}

// SessionInfo returns the session for key, or false when it is unknown
func (s *Service) SessionInfo(ctx context.Context, sessionKey string) (SessionInfo, bool) {
	sess, err := s.sessions.Get(ctx, sessionKey)
	if err != nil {
		if !errors.Is(err, preload.ErrSessionNotFound) {
			s.logger.Warn("preload session lookup failed", zap.String("session_key", sessionKey), zap.Error(err))
		}
		return SessionInfo{}, false
	}
	return s.sessionInfo(sess), true
}

// RecentSessions lists the newest sessions
func (s *Service) RecentSessions(ctx context.Context, limit int) ([]SessionInfo, error) {
	sessions, err := s.sessions.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, s.sessionInfo(sess))
	}
	return out, nil
}

// RunningSessions lists running sessions of scopeID
func (s *Service) RunningSessions(ctx context.Context, scopeID string) ([]SessionInfo, error) {
	sessions, err := s.sessions.Running(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, s.sessionInfo(sess))
	}
	return out, nil
}

// CleanupReport says what housekeeping removed
type CleanupReport struct {
	DeletedEntries    int64 `json:"deleted_count"`
	AbandonedSessions int64 `json:"cleaned_sessions"`
}

// Cleanup deletes expired entries and fails abandoned sessions
func (s *Service) Cleanup(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport

	n, err := s.store.DeleteExpired(ctx)
	if err != nil {
		return report, err
	}
	report.DeletedEntries = n
	s.metrics.CleanupDeleted.WithLabelValues("entries").Add(float64(n))

	swept, err := s.sessions.SweepAbandoned(ctx, s.sessionTimeout)
	if err != nil {
		return report, err
	}
	report.AbandonedSessions = swept
	s.metrics.CleanupDeleted.WithLabelValues("sessions").Add(float64(swept))
	if swept > 0 {
		s.metrics.Sessions.WithLabelValues(string(preload.StatusFailed)).Add(float64(swept))
	}

	s.logger.Info("cache cleanup finished",
		zap.Int64("deleted_entries", report.DeletedEntries),
		zap.Int64("abandoned_sessions", report.AbandonedSessions))
	return report, nil
}

// Stats aggregates cache and session counts
type Stats struct {
	TotalEntries      int64            `json:"total_entries"`
	PreloadedEntries  int64            `json:"preloaded_entries"`
	ExpiredEntries    int64            `json:"expired_entries"`
	RecentSessions24h int64            `json:"recent_sessions_24h"`
	Bytes             int64            `json:"bytes"`
	StoredBytes       int64            `json:"stored_bytes"`
	ByCategory        map[string]int64 `json:"by_category"`
	Database          database.Info    `json:"database_info"`
}

// Stats returns aggregate counts
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	recent, err := s.sessions.CountSince(ctx, s.now().Add(-24*time.Hour))
	if err != nil {
		return Stats{}, err
	}
	info, err := s.db.Info(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		TotalEntries:      st.Total,
		PreloadedEntries:  st.Preloaded,
		ExpiredEntries:    st.Expired,
		RecentSessions24h: recent,
		Bytes:             st.Bytes,
		StoredBytes:       st.StoredBytes,
		ByCategory:        st.ByCategory,
		Database:          info,
	}, nil
}

// Invalidate deletes entries matching f
func (s *Service) Invalidate(ctx context.Context, f cache.Filter) (int64, error) {
	return s.store.Invalidate(ctx, f)
}

// ResetReport counts rows removed by Reset
type ResetReport struct {
	Entries   int64 `json:"entries"`
	Freshness int64 `json:"freshness_records"`
	Sessions  int64 `json:"sessions"`
}

// Reset removes all entries, freshness records and sessions
func (s *Service) Reset(ctx context.Context) (ResetReport, error) {
	var (
		r   ResetReport
		err error
	)
	if r.Entries, err = s.store.Reset(ctx); err != nil {
		return r, err
	}
	if r.Freshness, err = s.freshness.Reset(ctx); err != nil {
		return r, err
	}
	if r.Sessions, err = s.sessions.Reset(ctx); err != nil {
		return r, err
	}
	s.logger.Warn("cache reset",
		zap.Int64("entries", r.Entries),
		zap.Int64("freshness_records", r.Freshness),
		zap.Int64("sessions", r.Sessions))
	return r, nil
}

// Vacuum compacts the database
func (s *Service) Vacuum(ctx context.Context) error {
	return s.db.Vacuum(ctx)
}

// Health pings the database
func (s *Service) Health(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}
