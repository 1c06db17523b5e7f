package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/quualle/AgencyReporter/internal/bulk"
	"github.com/quualle/AgencyReporter/internal/database"
	"github.com/quualle/AgencyReporter/internal/database/dbtest"
	"github.com/quualle/AgencyReporter/internal/preload"
	"github.com/quualle/AgencyReporter/internal/reportcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testAPI struct {
	server  *Server
	svc     *reportcache.Service
	handler *CacheHandler
}

func newTestAPI(t *testing.T, opts HandlerOptions) *testAPI {
	t.Helper()
	fast := database.RetryPolicy{Attempts: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	svc, err := reportcache.New(context.Background(), dbtest.Open(t), reportcache.Options{Retry: fast, FreshnessRetry: fast}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	producer := bulk.ProducerFunc(func(_ context.Context, job bulk.Job) ([]byte, error) {
		return []byte(`{"agency":"` + job.AgencyID + `"}`), nil
	})
	runner := bulk.NewRunner(svc, producer, bulk.Options{Concurrency: 2}, zap.NewNop())
	h := NewCacheHandler(svc, runner, opts, zap.NewNop())
	t.Cleanup(h.Close)

	return &testAPI{
		server:  NewServer(Options{}, svc, h, zap.NewNop()),
		svc:     svc,
		handler: h,
	}
}

func (a *testAPI) do(t *testing.T, method, target string, body interface{}, header ...string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(w, req)

	var resp map[string]interface{}
	if w.Header().Get("Content-Type") == "application/json" {
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
	}
	return w, resp
}

func saveBodyFor(key string) map[string]interface{} {
	return map[string]interface{}{
		"cache_key":   key,
		"endpoint":    "quotas/A1/all",
		"data":        map[string]interface{}{"quota": 0.25},
		"agency_id":   "A1",
		"time_period": "last_month",
	}
}

func TestServer_OperationalEndpoints(t *testing.T) {
	a := newTestAPI(t, HandlerOptions{})

	w, resp := a.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", resp["status"])

	w, resp = a.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["ready"])

	w, _ = a.do(t, http.MethodGet, "/api/cache/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = a.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agencycache_")

	requests, errs := a.server.Counts()
	assert.Equal(t, int64(4), requests)
	assert.Zero(t, errs)
}

func TestCacheAPI_SaveAndRead(t *testing.T) {
	a := newTestAPI(t, HandlerOptions{})
	key := "quotas/A1/all?time_period=last_month"

	w, resp := a.do(t, http.MethodPost, "/api/cache/save", saveBodyFor(key))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "quotas", resp["category"])
	a.svc.WaitBackground()

	t.Run("percent-encoded key", func(t *testing.T) {
		w, resp := a.do(t, http.MethodGet, "/api/cache/data/"+url.PathEscape(key), nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, key, resp["cache_key"])
		assert.Equal(t, map[string]interface{}{"quota": 0.25}, resp["data"])
	})

	t.Run("key with a plain query string", func(t *testing.T) {
		w, resp := a.do(t, http.MethodGet, "/api/cache/data/"+key, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, key, resp["cache_key"])
	})

	t.Run("unknown key", func(t *testing.T) {
		w, resp := a.do(t, http.MethodGet, "/api/cache/data/nothing/here", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, resp["error"], "not found")
	})

	t.Run("dataset is fresh", func(t *testing.T) {
		w, resp := a.do(t, http.MethodGet, "/api/cache/freshness/A1?data_types=quotas&time_periods=last_month", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, resp["all_data_fresh"])
		assert.Empty(t, resp["stale_data_details"])
	})

	t.Run("forced stale", func(t *testing.T) {
		w, _ := a.do(t, http.MethodPost, "/api/cache/freshness/stale",
			map[string]string{"category": "quotas", "agency_id": "A1", "time_window": "last_month"})
		require.Equal(t, http.StatusOK, w.Code)

		w, resp := a.do(t, http.MethodGet, "/api/cache/freshness/A1/stale", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, resp["stale_datasets"], 1)

		w, _ = a.do(t, http.MethodPost, "/api/cache/freshness/stale",
			map[string]string{"category": "quotas", "agency_id": "A9", "time_window": "last_month"})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestCacheAPI_SaveValidation(t *testing.T) {
	a := newTestAPI(t, HandlerOptions{})

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing endpoint", map[string]interface{}{"cache_key": "k", "data": 1}},
		{"null data", map[string]interface{}{"cache_key": "k", "endpoint": "quotas", "data": nil}},
		{"empty key", map[string]interface{}{"cache_key": "", "endpoint": "quotas", "data": 1}},
		{"negative ttl", map[string]interface{}{"cache_key": "k", "endpoint": "quotas", "data": 1, "expires_hours": -1}},
		{"ttl beyond ten years", map[string]interface{}{"cache_key": "k", "endpoint": "quotas", "data": 1, "expires_hours": 3_000_000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := a.do(t, http.MethodPost, "/api/cache/save", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, resp["error"], "validation failed")
		})
	}
}

type failingBody struct{}

func (failingBody) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestCacheAPI_SaveBodyErrors(t *testing.T) {
	a := newTestAPI(t, HandlerOptions{})

	t.Run("read failure", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/cache/save", failingBody{})
		w := httptest.NewRecorder()
		a.server.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "connection reset")
	})

	t.Run("too large", func(t *testing.T) {
		body := bytes.Repeat([]byte("x"), maxSaveBody+1)
		req := httptest.NewRequest(http.MethodPost, "/api/cache/save", bytes.NewReader(body))
		w := httptest.NewRecorder()
		a.server.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}

func TestCacheAPI_SessionLifecycle(t *testing.T) {
	a := newTestAPI(t, HandlerOptions{})

	w, resp := a.do(t, http.MethodPost, "/api/cache/preload/A1", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, false, resp["all_data_fresh"])
	key, _ := resp["session_key"].(string)
	require.NotEmpty(t, key)
	assert.Len(t, resp["stale_data_types"], len(reportcache.DefaultCategories)*len(reportcache.DefaultWindows))

	base := "/api/cache/preload/session/" + key

	w, _ = a.do(t, http.MethodPut, base+"/progress?total_requests=10&successful_requests=6&failed_requests=0", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = a.do(t, http.MethodPut, base+"/progress?total_requests=10&successful_requests=9&failed_requests=2", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = a.do(t, http.MethodPut, base+"/progress?total_requests=ten", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = a.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running", resp["status"])
	assert.Equal(t, 60.0, resp["success_rate"])

	w, resp = a.do(t, http.MethodPut, base+"/complete?success=false&error_message=upstream+down", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, resp["success"])

	w, _ = a.do(t, http.MethodPut, base+"/complete", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, resp = a.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "failed", resp["status"])
	assert.Equal(t, "upstream down", resp["error_message"])

	w, _ = a.do(t, http.MethodGet, "/api/cache/preload/session/preload_A1_deadbeef", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, resp = a.do(t, http.MethodGet, "/api/cache/preload/sessions?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp["sessions"], 1)
}

func TestCacheAPI_StartPreloadWhenFresh(t *testing.T) {
	a := newTestAPI(t, HandlerOptions{})
	ctx := context.Background()

	for _, category := range reportcache.DefaultCategories {
		for _, window := range reportcache.DefaultWindows {
			ok := a.svc.SaveCached(ctx, reportcache.SaveRequest{
				Key: category + "/A1?time_period=" + window, Payload: []byte("{}"),
				Category: category, AgencyID: "A1", TimeWindow: window,
			})
			require.True(t, ok)
		}
	}
	a.svc.WaitBackground()

	w, resp := a.do(t, http.MethodPost, "/api/cache/preload/A1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["all_data_fresh"])
	assert.Nil(t, resp["session_key"])
}

func TestCacheAPI_RunPreload(t *testing.T) {
	a := newTestAPI(t, HandlerOptions{
		Windows: []string{"last_month"},
		Agencies: func(context.Context) ([]string, error) {
			return []string{"A1", "A2"}, nil
		},
	})

	w, resp := a.do(t, http.MethodPost, "/api/cache/preload/all/run", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	key, _ := resp["session_key"].(string)
	require.NotEmpty(t, key)
	assert.Equal(t, float64(2*len(bulk.Catalog)), resp["total_requests"])

	a.handler.Wait()

	info, ok := a.svc.SessionInfo(context.Background(), key)
	require.True(t, ok)
	assert.Equal(t, preload.StatusCompleted, info.Status)
	assert.Equal(t, int64(2*len(bulk.Catalog)), info.Successful)

	payload, found := a.svc.GetCached(context.Background(), "reaction_times/A2?time_period=last_month")
	require.True(t, found)
	assert.JSONEq(t, `{"agency":"A2"}`, string(payload))

	w, _ = a.do(t, http.MethodPost, "/api/cache/preload/A1/run?skip_fresh=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCacheAPI_Admin(t *testing.T) {
	a := newTestAPI(t, HandlerOptions{})
	ctx := context.Background()

	require.True(t, a.svc.SaveCached(ctx, reportcache.SaveRequest{Key: "quotas/A1", Payload: []byte("{}"), Category: "quotas", AgencyID: "A1"}))
	require.True(t, a.svc.SaveCached(ctx, reportcache.SaveRequest{Key: "reaction_times/A1", Payload: []byte("{}"), Category: "reaction_times", AgencyID: "A1"}))
	a.svc.WaitBackground()

	w, _ := a.do(t, http.MethodDelete, "/api/cache/entries", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp := a.do(t, http.MethodDelete, "/api/cache/entries?category=quotas", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, resp["deleted_entries"])

	w, resp = a.do(t, http.MethodDelete, "/api/cache/cleanup", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.0, resp["deleted_entries"])

	w, _ = a.do(t, http.MethodPost, "/api/cache/vacuum", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp = a.do(t, http.MethodDelete, "/api/cache/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, resp["entries"])
	assert.Equal(t, 2.0, resp["freshness_records"])

	w, resp = a.do(t, http.MethodGet, "/api/cache/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", resp["status"])
}

func TestCacheAPI_AdminAuth(t *testing.T) {
	const secret = "s3cret"
	a := newTestAPI(t, HandlerOptions{AdminSecret: secret})
	body := saveBodyFor("quotas/A1/all")

	w, _ := a.do(t, http.MethodPost, "/api/cache/save", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = a.do(t, http.MethodPost, "/api/cache/save", body, "Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	other, err := IssueAdminToken("other-secret", "ops", time.Hour)
	require.NoError(t, err)
	w, _ = a.do(t, http.MethodPost, "/api/cache/save", body, "Authorization", "Bearer "+other)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := IssueAdminToken(secret, "ops", time.Hour)
	require.NoError(t, err)
	w, _ = a.do(t, http.MethodPost, "/api/cache/save", body, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)

	// reads stay open
	w, _ = a.do(t, http.MethodGet, "/api/cache/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestValidateAdminToken(t *testing.T) {
	token, err := IssueAdminToken("k", "ops", time.Hour)
	require.NoError(t, err)

	claims, err := ValidateAdminToken("k", token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, AdminRole, claims.Role)

	expired, err := IssueAdminToken("k", "ops", -time.Minute)
	require.NoError(t, err)
	_, err = ValidateAdminToken("k", expired)
	assert.Error(t, err)
}
