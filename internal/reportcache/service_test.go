package reportcache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/quualle/AgencyReporter/internal/cache"
	"github.com/quualle/AgencyReporter/internal/database"
	"github.com/quualle/AgencyReporter/internal/database/dbtest"
	"github.com/quualle/AgencyReporter/internal/freshness"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *database.DB, *clock) {
	t.Helper()
	db := dbtest.Open(t)
	c := &clock{now: time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)}
	fast := database.RetryPolicy{Attempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

	svc, err := New(context.Background(), db, Options{
		Retry:          fast,
		FreshnessRetry: fast,
		Now:            c.Now,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, db, c
}

func TestService_SaveThenRead(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	key := "quotas/A1?time_period=last_quarter"
	payload := []byte(`{"cancellation_quota":0.12}`)

	ok := svc.SaveCached(ctx, SaveRequest{
		Key:        key,
		Payload:    payload,
		Category:   "quotas",
		AgencyID:   "A1",
		TimeWindow: "last_quarter",
		TTLHours:   24,
		Preloaded:  true,
	})
	require.True(t, ok)

	got, found := svc.GetCached(ctx, key)
	require.True(t, found)
	assert.Equal(t, payload, got)

	svc.WaitBackground()
	fresh, left := svc.IsFresh(ctx, "quotas", "A1", "last_quarter")
	assert.True(t, fresh)
	require.NotNil(t, left)
	assert.InDelta(t, 24.0, *left, 0.01)

	assert.Equal(t, 1.0, testutil.ToFloat64(svc.Metrics().FreshnessUpdates.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.Metrics().Lookups.WithLabelValues(cache.ResultHit)))
}

func TestService_IsFreshWithoutRecord(t *testing.T) {
	svc, _, _ := newTestService(t)

	fresh, left := svc.IsFresh(context.Background(), "reaction_times", "A9", "last_year")
	assert.False(t, fresh)
	assert.Nil(t, left)
}

func TestService_SaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, db, c := newTestService(t)
	req := SaveRequest{Key: "reaction_times/A2?time_period=last_month", Payload: []byte("[1,2,3]"), Category: "reaction_times", AgencyID: "A2", TimeWindow: "last_month", TTLHours: 12}

	require.True(t, svc.SaveCached(ctx, req))
	c.Advance(time.Minute)
	require.True(t, svc.SaveCached(ctx, req))
	svc.WaitBackground()

	entry, err := svc.Lookup(ctx, req.Key)
	require.NoError(t, err)
	assert.Equal(t, req.Payload, entry.Payload)
	require.NotNil(t, entry.ExpiresAt)
	assert.Equal(t, c.Now().Add(12*time.Hour), *entry.ExpiresAt, "expiry is relative to the later call")

	var entries, records int
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&entries))
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM data_freshness`).Scan(&records))
	assert.Equal(t, 1, entries)
	assert.Equal(t, 1, records)
}

func TestService_SaveWithoutTTLUsesPolicy(t *testing.T) {
	ctx := context.Background()
	svc, _, c := newTestService(t)

	require.True(t, svc.SaveCached(ctx, SaveRequest{
		Key: "quotas/A1?time_period=current_month", Payload: []byte("{}"),
		Category: "quotas", AgencyID: "A1", TimeWindow: "current_month",
	}))
	svc.WaitBackground()

	entry, err := svc.Lookup(ctx, "quotas/A1?time_period=current_month")
	require.NoError(t, err)
	require.NotNil(t, entry.ExpiresAt)
	assert.Equal(t, 2*time.Hour, entry.ExpiresAt.Sub(entry.CreatedAt))

	c.Advance(3 * time.Hour)
	_, found := svc.GetCached(ctx, "quotas/A1?time_period=current_month")
	assert.False(t, found)
	fresh, _ := svc.IsFresh(ctx, "quotas", "A1", "current_month")
	assert.False(t, fresh)
}

func TestService_SaveCapsHugeTTL(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	key := "quotas/A1?time_period=all_time"

	require.True(t, svc.SaveCached(ctx, SaveRequest{
		Key: key, Payload: []byte("{}"),
		Category: "quotas", AgencyID: "A1", TimeWindow: "all_time",
		TTLHours: 3_000_000,
	}))
	svc.WaitBackground()

	entry, err := svc.Lookup(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, entry.ExpiresAt, "a huge TTL must not turn into no expiry")
	assert.Equal(t, MaxTTLHours*time.Hour, entry.ExpiresAt.Sub(entry.CreatedAt))

	st, err := svc.Freshness().Check(ctx, freshness.Key{Category: "quotas", AgencyID: "A1", TimeWindow: "all_time"})
	require.NoError(t, err)
	assert.Equal(t, float64(MaxTTLHours), st.Duration)
}

func TestService_SaveDuringClose(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newTestService(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc.SaveCached(ctx, SaveRequest{Key: fmt.Sprintf("k%d", i), Payload: []byte("v"), Category: "quotas", AgencyID: "A1", TTLHours: 1})
		}(i)
	}
	svc.Close()
	wg.Wait()

	require.True(t, svc.SaveCached(ctx, SaveRequest{Key: "late", Payload: []byte("v"), Category: "quotas", AgencyID: "B1", TTLHours: 1}))
	got, found := svc.GetCached(ctx, "late")
	require.True(t, found, "writes still go through after Close")
	assert.Equal(t, []byte("v"), got)

	var n int
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM data_freshness WHERE agency_id = $1`, "B1").Scan(&n))
	assert.Zero(t, n, "no freshness update is started after Close")
}

func TestService_ExpiryCorrectness(t *testing.T) {
	ctx := context.Background()
	svc, _, c := newTestService(t)

	require.True(t, svc.SaveCached(ctx, SaveRequest{Key: "k", Payload: []byte("v"), Category: "quotas", TTLHours: 1}))
	c.Advance(30 * time.Minute)
	got, found := svc.GetCached(ctx, "k")
	require.True(t, found)
	assert.Equal(t, []byte("v"), got)

	c.Advance(time.Hour)
	got, found = svc.GetCached(ctx, "k")
	assert.False(t, found)
	assert.Nil(t, got)
}

func TestService_SessionScenario(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	key, err := svc.CreateSession(ctx, "A1")
	require.NoError(t, err)

	require.True(t, svc.UpdateProgress(ctx, key, 10, 6, 2))
	info, ok := svc.SessionInfo(ctx, key)
	require.True(t, ok)
	assert.Equal(t, 60.0, info.SuccessRate)
	assert.Equal(t, "running", string(info.Status))

	require.True(t, svc.CompleteSession(ctx, key, false, "timeout"))
	info, ok = svc.SessionInfo(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "failed", string(info.Status))
	assert.Equal(t, "timeout", info.ErrorMessage)

	assert.False(t, svc.UpdateProgress(ctx, key, 10, 10, 0))
	assert.False(t, svc.CompleteSession(ctx, key, true, ""))

	after, ok := svc.SessionInfo(ctx, key)
	require.True(t, ok)
	assert.Equal(t, info.Session, after.Session)

	_, ok = svc.SessionInfo(ctx, "preload_A1_00000000")
	assert.False(t, ok)
	assert.False(t, svc.UpdateProgress(ctx, key, 1, 2, 0), "malformed counters")
}

func TestService_CleanupAndStats(t *testing.T) {
	ctx := context.Background()
	svc, _, c := newTestService(t)

	require.True(t, svc.SaveCached(ctx, SaveRequest{Key: "a", Payload: []byte("1"), Category: "quotas", TTLHours: 1, Preloaded: true}))
	require.True(t, svc.SaveCached(ctx, SaveRequest{Key: "b", Payload: []byte("2"), Category: "quotas", TTLHours: 48}))
	abandoned, err := svc.CreateSession(ctx, "A1")
	require.NoError(t, err)

	c.Advance(2 * time.Hour)
	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.TotalEntries)
	assert.Equal(t, int64(1), st.PreloadedEntries)
	assert.Equal(t, int64(1), st.ExpiredEntries)
	assert.Equal(t, int64(1), st.RecentSessions24h)
	assert.Equal(t, database.DriverSQLite, st.Database.Driver)

	report, err := svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.DeletedEntries)
	assert.Equal(t, int64(1), report.AbandonedSessions)

	info, ok := svc.SessionInfo(ctx, abandoned)
	require.True(t, ok)
	assert.Equal(t, "failed", string(info.Status))

	st, err = svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.TotalEntries)
	assert.Zero(t, st.ExpiredEntries)
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.Metrics().CleanupDeleted.WithLabelValues("entries")))

	c.Advance(25 * time.Hour)
	st, err = svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.RecentSessions24h)
}

func TestService_FreshnessReport(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	for _, w := range DefaultWindows {
		require.True(t, svc.SaveCached(ctx, SaveRequest{
			Key: CacheKey("quotas/A1", map[string]any{"time_period": w}), Payload: []byte("{}"),
			Category: "quotas", AgencyID: "A1", TimeWindow: w, TTLHours: 24,
		}))
	}
	svc.WaitBackground()

	report := svc.FreshnessReport(ctx, "A1", []string{"quotas"}, nil)
	assert.True(t, report.AllFresh)
	assert.Empty(t, report.Stale)
	assert.Len(t, report.Details["quotas"], len(DefaultWindows))

	report = svc.FreshnessReport(ctx, "A1", nil, nil)
	assert.False(t, report.AllFresh)
	assert.Len(t, report.Stale, 2*len(DefaultWindows))
	for _, k := range report.Stale {
		assert.NotEqual(t, "quotas", k.Category)
	}

	ok, err := svc.MarkStale(ctx, freshness.Key{Category: "quotas", AgencyID: "A1", TimeWindow: "last_year"})
	require.NoError(t, err)
	assert.True(t, ok)

	stale := svc.ListStale(ctx, "A1")
	require.Len(t, stale, 1)
	assert.Equal(t, "last_year", stale[0].TimeWindow)
}

func TestService_InvalidateAndReset(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	require.True(t, svc.SaveCached(ctx, SaveRequest{Key: "a", Payload: []byte("1"), Category: "quotas", AgencyID: "A1"}))
	require.True(t, svc.SaveCached(ctx, SaveRequest{Key: "b", Payload: []byte("2"), Category: "reaction_times", AgencyID: "A1"}))
	_, err := svc.CreateSession(ctx, "A1")
	require.NoError(t, err)
	svc.WaitBackground()

	n, err := svc.Invalidate(ctx, cache.Filter{Category: "quotas"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	r, err := svc.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResetReport{Entries: 1, Freshness: 2, Sessions: 1}, r)

	require.NoError(t, svc.Health(ctx))
	require.NoError(t, svc.Vacuum(ctx))
}

func TestService_Housekeeping(t *testing.T) {
	db := dbtest.Open(t)

	svc, err := New(context.Background(), db, Options{Housekeeping: "not a schedule"}, zap.NewNop())
	require.NoError(t, err)
	assert.Error(t, svc.Start())
	svc.Close()

	svc, err = New(context.Background(), db, Options{Housekeeping: DefaultHousekeepingSchedule}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	svc.Close()
	svc.Close()
}
