package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/quualle/AgencyReporter/internal/cache"
	"github.com/quualle/AgencyReporter/internal/config"
	"github.com/quualle/AgencyReporter/internal/database"
	"github.com/quualle/AgencyReporter/internal/freshness"
	"github.com/quualle/AgencyReporter/internal/logger"
	"github.com/quualle/AgencyReporter/internal/reportcache"
	"go.uber.org/zap"
)

// app holds the components every subcommand shares
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *database.DB
	codec  *cache.Codec
	svc    *reportcache.Service
}

func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: log}
	if err := a.open(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	policy, err := a.policy()
	if err != nil {
		return err
	}

	a.codec, err = cache.NewCodec(a.cfg.Cache.Compression, a.cfg.Cache.CompressionThreshold)
	if err != nil {
		return err
	}

	a.db, err = database.Open(ctx, a.cfg.Database, a.logger.Named("database"))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.svc, err = reportcache.New(ctx, a.db, reportcache.Options{
		Codec:          a.codec,
		Retry:          a.cfg.Cache.Retry,
		Policy:         policy,
		SessionTimeout: a.cfg.Preload.SessionTimeout,
		Housekeeping:   a.cfg.HousekeepingSchedule(),
		Registry:       reg,
	}, a.logger.Named("cache"))
	return err
}

// policy loads the rules file, or the built-in table with the configured default TTL
func (a *app) policy() (*freshness.Policy, error) {
	if a.cfg.Freshness.RulesFile == "" {
		p := freshness.DefaultPolicy()
		p.DefaultHours = a.cfg.Cache.DefaultTTLHours
		return p, nil
	}
	p, err := freshness.LoadPolicyWithDefault(a.cfg.Freshness.RulesFile, a.cfg.Cache.DefaultTTLHours)
	if err != nil {
		return nil, fmt.Errorf("load freshness rules: %w", err)
	}
	return p, nil
}

func (a *app) close() {
	if a.svc != nil {
		a.svc.Close()
	}
	if a.codec != nil {
		a.codec.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close database", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
