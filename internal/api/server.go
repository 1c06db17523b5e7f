package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/quualle/AgencyReporter/internal/reportcache"
	"go.uber.org/zap"
)

// Version is reported by /version and /health
var Version = "dev"

// Options configures the HTTP server
type Options struct {
	Port         int           `yaml:"port" env:"PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

type Server struct {
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	svc        *reportcache.Service
	cache      *CacheHandler
	port       int

	requestCount int64
	errorCount   int64
	startTime    time.Time
}

// NewServer wires the operational endpoints and mounts the cache admin API
func NewServer(opts Options, svc *reportcache.Service, cacheHandler *CacheHandler, logger *zap.Logger) *Server {
	if opts.Port == 0 {
		opts.Port = 8080
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 30 * time.Second
	}

	s := &Server{
		logger:    logger,
		router:    mux.NewRouter(),
		svc:       svc,
		cache:     cacheHandler,
		port:      opts.Port,
		startTime: time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      s.router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.router.Handle("/metrics", s.svc.Metrics().Handler()).Methods("GET")
	s.router.HandleFunc("/version", s.handleVersion).Methods("GET")

	if s.cache != nil {
		s.router.PathPrefix(CachePrefix).Handler(s.cache.Router())
	}

	s.router.Use(s.loggingMiddleware)
}

// Handler exposes the root router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":  "healthy",
		"version": Version,
		"uptime":  time.Since(s.startTime).Seconds(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := map[string]interface{}{
		"ready":     true,
		"memory_mb": getMemoryUsageMB(),
	}

	status := http.StatusOK
	if err := s.svc.Health(r.Context()); err != nil {
		ready["ready"] = false
		ready["error"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ready)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	version := map[string]string{
		"version": Version,
		"go":      runtime.Version(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(version)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&s.requestCount, 1)
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		if rec.status >= 500 {
			atomic.AddInt64(&s.errorCount, 1)
		}
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

// Counts returns the number of requests served and of 5xx responses
func (s *Server) Counts() (requests, errors int64) {
	return atomic.LoadInt64(&s.requestCount), atomic.LoadInt64(&s.errorCount)
}

func (s *Server) Start() error {
	s.logger.Info("Starting server", zap.Int("port", s.port))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then stops background preload runs
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.cache != nil {
		s.cache.Close()
	}
	return err
}

func getMemoryUsageMB() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc / 1024 / 1024
}
