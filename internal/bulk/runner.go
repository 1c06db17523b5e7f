package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/quualle/AgencyReporter/internal/preload"
	"github.com/quualle/AgencyReporter/internal/reportcache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Options tunes a Runner
type Options struct {
	Concurrency int `yaml:"concurrency" env:"CONCURRENCY"`
	// RatePerSecond caps producer calls; zero means unlimited
	RatePerSecond float64 `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	// ProgressEvery is the number of finished jobs between progress updates
	ProgressEvery int `yaml:"progress_every" env:"PROGRESS_EVERY"`
}

// Result summarizes a finished run
type Result struct {
	SessionKey string         `json:"session_key"`
	Status     preload.Status `json:"status"`
	Total      int64          `json:"total_requests"`
	Successful int64          `json:"successful_requests"`
	Failed     int64          `json:"failed_requests"`
	Skipped    int64          `json:"skipped_requests"`
	Error      string         `json:"error_message,omitempty"`
}

// SuccessRate is the percentage of successful jobs
func (r Result) SuccessRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Successful) / float64(r.Total) * 100
}

// Runner executes plans through the cache facade, recording each run as a
// preload session.
type Runner struct {
	svc           *reportcache.Service
	producer      Producer
	limiter       *rate.Limiter
	concurrency   int
	progressEvery int
	logger        *zap.Logger
}

// NewRunner creates a runner
func NewRunner(svc *reportcache.Service, producer Producer, opts Options, logger *zap.Logger) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 10
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	return &Runner{
		svc:           svc,
		producer:      producer,
		limiter:       limiter,
		concurrency:   opts.Concurrency,
		progressEvery: opts.ProgressEvery,
		logger:        logger,
	}
}

// Run creates a session for plan and executes it to completion
func (r *Runner) Run(ctx context.Context, plan Plan) (Result, error) {
	key, err := r.Begin(ctx, plan)
	if err != nil {
		return Result{}, err
	}
	return r.Execute(ctx, key, plan), nil
}

// Begin creates the session of plan without running it
func (r *Runner) Begin(ctx context.Context, plan Plan) (string, error) {
	scope := plan.ScopeID
	if scope == "" {
		scope = preload.AllAgencies
	}
	key, err := r.svc.CreateSession(ctx, scope)
	if err != nil {
		return "", fmt.Errorf("create preload session: %w", err)
	}
	return key, nil
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeFailed
	outcomeSkipped
)

type tally struct {
	mu         sync.Mutex
	done       int64
	successful int64
	failed     int64
	skipped    int64
}

// Execute runs plan under an existing session and finalizes it. The session
// ends failed when any job failed or ctx was cancelled.
func (r *Runner) Execute(ctx context.Context, sessionKey string, plan Plan) Result {
	jobs := plan.Jobs()
	total := int64(len(jobs))
	logger := r.logger.With(zap.String("session_key", sessionKey))

	// bookkeeping must outlive a cancelled run
	bookCtx := context.WithoutCancel(ctx)
	r.svc.UpdateProgress(bookCtx, sessionKey, total, 0, 0)
	logger.Info("preload started", zap.Int64("total_requests", total), zap.Int("agencies", len(plan.Agencies)))

	var t tally
	finish := func(o outcome) {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.done++
		switch o {
		case outcomeOK:
			t.successful++
		case outcomeFailed:
			t.failed++
		case outcomeSkipped:
			t.skipped++
		}
		if t.done%int64(r.progressEvery) == 0 {
			r.svc.UpdateProgress(bookCtx, sessionKey, total, t.successful, t.failed)
			logger.Info("preload progress",
				zap.Int64("completed", t.done),
				zap.Int64("total_requests", total))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, job := range jobs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if plan.SkipFresh {
				if fresh, _ := r.svc.IsFresh(gctx, job.Report.Category, job.AgencyID, job.Window); fresh {
					finish(outcomeSkipped)
					return nil
				}
			}
			if err := r.limiter.Wait(gctx); err != nil {
				return err
			}
			_, err := r.svc.Refresh(gctx, job.Request(), func(ctx context.Context) ([]byte, error) {
				return r.producer.Produce(ctx, job)
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Warn("preload request failed",
					zap.String("endpoint", job.Endpoint()),
					zap.String("time_window", job.Window),
					zap.Error(err))
				finish(outcomeFailed)
				return nil
			}
			finish(outcomeOK)
			return nil
		})
	}
	runErr := g.Wait()
	if runErr == nil {
		runErr = ctx.Err()
	}

	t.mu.Lock()
	res := Result{
		SessionKey: sessionKey,
		Total:      total,
		Successful: t.successful,
		Failed:     t.failed,
		Skipped:    t.skipped,
	}
	t.mu.Unlock()

	r.svc.UpdateProgress(bookCtx, sessionKey, res.Total, res.Successful, res.Failed)

	switch {
	case runErr != nil:
		res.Status = preload.StatusFailed
		res.Error = fmt.Sprintf("preload interrupted: %v", runErr)
		if errors.Is(runErr, context.DeadlineExceeded) {
			res.Error = "preload deadline exceeded"
		}
	case res.Failed > 0:
		res.Status = preload.StatusFailed
		res.Error = fmt.Sprintf("%d requests failed (excluding %d skipped)", res.Failed, res.Skipped)
	default:
		res.Status = preload.StatusCompleted
	}
	r.svc.CompleteSession(bookCtx, sessionKey, res.Status == preload.StatusCompleted, res.Error)

	logger.Info("preload finished",
		zap.String("status", string(res.Status)),
		zap.Int64("successful_requests", res.Successful),
		zap.Int64("failed_requests", res.Failed),
		zap.Int64("skipped_requests", res.Skipped))
	return res
}
