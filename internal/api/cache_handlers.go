package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/quualle/AgencyReporter/internal/bulk"
	"github.com/quualle/AgencyReporter/internal/cache"
	"github.com/quualle/AgencyReporter/internal/freshness"
	"github.com/quualle/AgencyReporter/internal/preload"
	"github.com/quualle/AgencyReporter/internal/reportcache"
	"go.uber.org/zap"
)

// CachePrefix is the mount point of the cache admin API
const CachePrefix = "/api/cache"

const maxSaveBody = 32 << 20

// AgencySource lists every agency for runs scoped to preload.AllAgencies
type AgencySource func(ctx context.Context) ([]string, error)

// HandlerOptions configures a CacheHandler
type HandlerOptions struct {
	// AdminSecret guards mutating routes; empty leaves them open
	AdminSecret string
	Agencies    AgencySource
	// Windows of background runs; empty selects reportcache.DefaultWindows
	Windows   []string
	SkipFresh bool
}

// CacheHandler serves the cache admin API
type CacheHandler struct {
	svc    *reportcache.Service
	runner *bulk.Runner
	opts   HandlerOptions
	logger *zap.Logger

	// background runs
	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup
}

// NewCacheHandler creates a handler. runner may be nil, which disables
// background runs.
func NewCacheHandler(svc *reportcache.Service, runner *bulk.Runner, opts HandlerOptions, logger *zap.Logger) *CacheHandler {
	ctx, cancel := context.WithCancel(context.Background())
	return &CacheHandler{
		svc:    svc,
		runner: runner,
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Router returns a chi router serving the API under CachePrefix
func (h *CacheHandler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all cache API routes
func (h *CacheHandler) RegisterRoutes(r chi.Router) {
	r.Route(CachePrefix, func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/stats", h.Stats)

		r.Get("/freshness/{agencyID}", h.CheckFreshness)
		r.Get("/freshness/{agencyID}/stale", h.ListStale)

		r.Get("/preload/sessions", h.ListSessions)
		r.Get("/preload/session/{sessionKey}", h.GetSession)

		r.Get("/data/*", h.GetData)

		r.Group(func(r chi.Router) {
			r.Use(RequireAdmin(h.opts.AdminSecret))

			r.Post("/freshness/stale", h.MarkStale)

			r.Post("/preload/{scopeID}", h.StartPreload)
			r.Post("/preload/{scopeID}/run", h.RunPreload)
			r.Put("/preload/session/{sessionKey}/progress", h.UpdateProgress)
			r.Put("/preload/session/{sessionKey}/complete", h.CompleteSession)

			r.Post("/save", h.Save)
			r.Delete("/entries", h.Invalidate)
			r.Delete("/cleanup", h.Cleanup)
			r.Delete("/reset", h.Reset)
			r.Post("/vacuum", h.Vacuum)
		})
	})
}

// Wait blocks until background runs have finished
func (h *CacheHandler) Wait() {
	h.runs.Wait()
}

// Close interrupts background runs and waits for them to record their outcome
func (h *CacheHandler) Close() {
	h.cancel()
	h.runs.Wait()
}

// Health checks the database and reports stats
func (h *CacheHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Health(r.Context()); err != nil {
		h.respondError(w, http.StatusServiceUnavailable, fmt.Errorf("cache system unhealthy: %w", err))
		return
	}
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.respondError(w, http.StatusServiceUnavailable, fmt.Errorf("cache system unhealthy: %w", err))
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "healthy",
		"database_connected": true,
		"stats":              stats,
	})
}

// Stats returns cache statistics
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

// CheckFreshness reports the category by window freshness matrix of an agency.
// data_types and time_periods may be repeated or comma separated.
func (h *CacheHandler) CheckFreshness(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	query := r.URL.Query()

	report := h.svc.FreshnessReport(r.Context(), agencyID, splitList(query["data_types"]), splitList(query["time_periods"]))
	h.respondJSON(w, http.StatusOK, struct {
		reportcache.FreshnessReport
		StaleDetails []freshness.StaleDataset `json:"stale_data_details"`
	}{report, h.svc.ListStale(r.Context(), agencyID)})
}

// ListStale lists datasets of an agency that need a refresh
func (h *CacheHandler) ListStale(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"agency_id":      agencyID,
		"stale_datasets": h.svc.ListStale(r.Context(), agencyID),
	})
}

// MarkStale forces a dataset stale
func (h *CacheHandler) MarkStale(w http.ResponseWriter, r *http.Request) {
	var key freshness.Key
	if err := json.NewDecoder(r.Body).Decode(&key); err != nil {
		h.respondError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if key.Category == "" {
		h.respondError(w, http.StatusBadRequest, errors.New("category is required"))
		return
	}

	ok, err := h.svc.MarkStale(r.Context(), key)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		h.respondError(w, http.StatusNotFound, errors.New("no freshness record for dataset"))
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"marked_stale": true, "dataset": key})
}

// StartPreload opens a session for scopeID unless all of its data is fresh
func (h *CacheHandler) StartPreload(w http.ResponseWriter, r *http.Request) {
	scopeID := chi.URLParam(r, "scopeID")

	if scopeID != preload.AllAgencies {
		report := h.svc.FreshnessReport(r.Context(), scopeID, nil, nil)
		if report.AllFresh {
			h.respondJSON(w, http.StatusOK, map[string]interface{}{
				"message":          "all data is already fresh",
				"all_data_fresh":   true,
				"session_key":      nil,
				"stale_data_types": []freshness.Key{},
			})
			return
		}
		key, err := h.svc.CreateSession(r.Context(), scopeID)
		if err != nil {
			h.respondError(w, http.StatusInternalServerError, fmt.Errorf("start preload session: %w", err))
			return
		}
		h.respondJSON(w, http.StatusCreated, map[string]interface{}{
			"message":          "preload session started",
			"all_data_fresh":   false,
			"session_key":      key,
			"stale_data_types": report.Stale,
		})
		return
	}

	key, err := h.svc.CreateSession(r.Context(), scopeID)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, fmt.Errorf("start preload session: %w", err))
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"message":       "preload session started for all agencies",
		"session_key":   key,
		"comprehensive": true,
	})
}

// RunPreload starts a bulk run for scopeID in the background and returns its session key
func (h *CacheHandler) RunPreload(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		h.respondError(w, http.StatusServiceUnavailable, errors.New("bulk preload is not configured"))
		return
	}
	scopeID := chi.URLParam(r, "scopeID")

	agencies := []string{scopeID}
	if scopeID == preload.AllAgencies {
		if h.opts.Agencies == nil {
			h.respondError(w, http.StatusBadRequest, errors.New("no agency source configured"))
			return
		}
		var err error
		if agencies, err = h.opts.Agencies(r.Context()); err != nil {
			h.respondError(w, http.StatusBadGateway, fmt.Errorf("list agencies: %w", err))
			return
		}
	}

	skipFresh := h.opts.SkipFresh
	if v := r.URL.Query().Get("skip_fresh"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid skip_fresh: %w", err))
			return
		}
		skipFresh = b
	}

	plan := bulk.Plan{
		ScopeID:   scopeID,
		Agencies:  agencies,
		Windows:   h.opts.Windows,
		SkipFresh: skipFresh,
	}
	key, err := h.runner.Begin(r.Context(), plan)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}

	h.runs.Add(1)
	go func() {
		defer h.runs.Done()
		h.runner.Execute(h.ctx, key, plan)
	}()

	h.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"message":        "preload started",
		"session_key":    key,
		"total_requests": len(plan.Jobs()),
		"agencies":       len(agencies),
	})
}

// ListSessions lists recent sessions, or the running sessions of ?running=<scope>
func (h *CacheHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var (
		sessions []reportcache.SessionInfo
		err      error
	)
	if query.Has("running") {
		sessions, err = h.svc.RunningSessions(r.Context(), query.Get("running"))
	} else {
		limit, _ := strconv.Atoi(query.Get("limit"))
		if limit <= 0 {
			limit = 20
		}
		sessions, err = h.svc.RecentSessions(r.Context(), limit)
	}
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// GetSession returns one session
func (h *CacheHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	info, ok := h.svc.SessionInfo(r.Context(), chi.URLParam(r, "sessionKey"))
	if !ok {
		h.respondError(w, http.StatusNotFound, errors.New("preload session not found"))
		return
	}
	h.respondJSON(w, http.StatusOK, info)
}

// UpdateProgress overwrites the counters of a running session
func (h *CacheHandler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var p preload.Progress
	for name, dst := range map[string]*int64{
		"total_requests":      &p.Total,
		"successful_requests": &p.Successful,
		"failed_requests":     &p.Failed,
	} {
		n, err := strconv.ParseInt(query.Get(name), 10, 64)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid %s: %q", name, query.Get(name)))
			return
		}
		*dst = n
	}
	if err := p.Validate(); err != nil {
		h.respondError(w, http.StatusBadRequest, err)
		return
	}

	if !h.svc.UpdateProgress(r.Context(), chi.URLParam(r, "sessionKey"), p.Total, p.Successful, p.Failed) {
		h.respondError(w, http.StatusNotFound, errors.New("preload session not found or not running"))
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"message": "progress updated"})
}

// CompleteSession finalizes a running session
func (h *CacheHandler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	success := true
	if v := query.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid success: %w", err))
			return
		}
		success = b
	}

	if !h.svc.CompleteSession(r.Context(), chi.URLParam(r, "sessionKey"), success, query.Get("error_message")) {
		h.respondError(w, http.StatusNotFound, errors.New("preload session not found or not running"))
		return
	}
	status := preload.StatusCompleted
	if !success {
		status = preload.StatusFailed
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": fmt.Sprintf("session marked as %s", status),
		"success": success,
	})
}

// GetData returns the payload cached under the key in the path. The key may
// be percent-encoded; an unencoded query string is taken as part of the key.
func (h *CacheHandler) GetData(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "*")
	key, err := url.PathUnescape(raw)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid cache key: %w", err))
		return
	}
	if !strings.Contains(key, "?") && r.URL.RawQuery != "" {
		key += "?" + r.URL.RawQuery
	}

	payload, ok := h.svc.GetCached(r.Context(), key)
	if !ok {
		h.logger.Debug("cache miss", zap.String("cache_key", key))
		h.respondError(w, http.StatusNotFound, errors.New("cache entry not found or expired"))
		return
	}

	var data interface{} = string(payload)
	if json.Valid(payload) {
		data = json.RawMessage(payload)
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"cache_key":    key,
		"data":         data,
		"retrieved_at": time.Now().UTC().Format(time.RFC3339),
	})
}

type saveBody struct {
	CacheKey     string          `json:"cache_key"`
	Data         json.RawMessage `json:"data"`
	Endpoint     string          `json:"endpoint"`
	AgencyID     *string         `json:"agency_id"`
	TimePeriod   *string         `json:"time_period"`
	ExpiresHours int             `json:"expires_hours"`
	IsPreloaded  bool            `json:"is_preloaded"`
}

// Save writes a payload through the cache. Without expires_hours the TTL
// follows the freshness policy.
func (h *CacheHandler) Save(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSaveBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("read body: %w", err))
			return
		}
		h.respondError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}
	if err := validateBody(saveSchema, body); err != nil {
		h.respondError(w, http.StatusBadRequest, err)
		return
	}

	var req saveBody
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	save := reportcache.SaveRequest{
		Key:       req.CacheKey,
		Payload:   req.Data,
		Category:  reportcache.CategoryFromEndpoint(req.Endpoint),
		TTLHours:  req.ExpiresHours,
		Preloaded: req.IsPreloaded,
	}
	if req.AgencyID != nil {
		save.AgencyID = *req.AgencyID
	}
	if req.TimePeriod != nil {
		save.TimeWindow = *req.TimePeriod
	}

	if !h.svc.SaveCached(r.Context(), save) {
		h.respondError(w, http.StatusInternalServerError, errors.New("failed to save to cache"))
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":       "data saved to cache",
		"cache_key":     req.CacheKey,
		"category":      save.Category,
		"expires_hours": req.ExpiresHours,
	})
}

// Invalidate deletes entries matching ?category=&agency_id=&time_window=
func (h *CacheHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	f := cache.Filter{
		Category:   query.Get("category"),
		AgencyID:   query.Get("agency_id"),
		TimeWindow: query.Get("time_window"),
	}

	n, err := h.svc.Invalidate(r.Context(), f)
	if errors.Is(err, cache.ErrEmptyFilter) {
		h.respondError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"deleted_entries": n, "filter": f})
}

// Cleanup removes expired entries and fails abandoned sessions
func (h *CacheHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Cleanup(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, fmt.Errorf("cleanup cache: %w", err))
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":          "cleanup completed",
		"deleted_entries":  report.DeletedEntries,
		"cleaned_sessions": report.AbandonedSessions,
	})
}

// Reset wipes cache entries, freshness records and sessions
func (h *CacheHandler) Reset(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Reset(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, fmt.Errorf("reset cache: %w", err))
		return
	}
	h.respondJSON(w, http.StatusOK, report)
}

// Vacuum compacts the database
func (h *CacheHandler) Vacuum(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Vacuum(r.Context()); err != nil {
		h.respondError(w, http.StatusInternalServerError, fmt.Errorf("vacuum database: %w", err))
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"message": "database vacuum completed"})
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (h *CacheHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	if err := writeJSON(w, status, data); err != nil {
		h.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

func (h *CacheHandler) respondError(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		h.logger.Error("API error", zap.Error(err), zap.Int("status", status))
	} else {
		h.logger.Debug("API error", zap.Error(err), zap.Int("status", status))
	}
	h.respondJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}
