// Package cli implements the agencycache command line.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quualle/AgencyReporter/internal/api"
	"github.com/quualle/AgencyReporter/internal/bulk"
	"github.com/quualle/AgencyReporter/internal/config"
	"github.com/quualle/AgencyReporter/internal/freshness"
	"github.com/quualle/AgencyReporter/internal/preload"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ExecuteWithVersion runs the root command
func ExecuteWithVersion(version string) error {
	api.Version = version
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "agencycache",
		Short:         "Persistent cache and data freshness tracking for agency reports",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file (AGENCYCACHE_* variables override it)")

	cmd.AddCommand(
		newServeCmd(&configPath),
		newCleanupCmd(&configPath),
		newStatsCmd(&configPath),
		newPreloadCmd(&configPath),
		newTokenCmd(&configPath),
	)
	return cmd
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the cache admin API and run housekeeping",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	if err := a.svc.Start(); err != nil {
		return err
	}

	if a.cfg.Freshness.Watch {
		w, err := freshness.NewWatcher(a.cfg.Freshness.RulesFile, a.cfg.Cache.DefaultTTLHours, a.svc.Freshness(), a.logger.Named("rules"))
		if err != nil {
			return err
		}
		go func() { _ = w.Run(ctx) }()
	}

	var (
		runner   *bulk.Runner
		agencies api.AgencySource
	)
	if a.cfg.Preload.BaseURL != "" {
		producer := bulk.NewHTTPProducer(a.cfg.Preload.BaseURL, a.cfg.Preload.Timeout)
		defer func() { _ = producer.Close() }()
		runner = bulk.NewRunner(a.svc, producer, a.cfg.Preload.Options, a.logger.Named("bulk"))
		agencies = producer.Agencies
		if len(a.cfg.Preload.Agencies) > 0 {
			static := a.cfg.Preload.Agencies
			agencies = func(context.Context) ([]string, error) { return static, nil }
		}
	}

	handler := api.NewCacheHandler(a.svc, runner, api.HandlerOptions{
		AdminSecret: a.cfg.Admin.JWTSecret,
		Agencies:    agencies,
		Windows:     a.cfg.Preload.Windows,
		SkipFresh:   a.cfg.Preload.SkipFresh,
	}, a.logger.Named("api"))
	server := api.NewServer(api.Options{
		Port:         a.cfg.Server.Port,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}, a.svc, handler, a.logger.Named("http"))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	a.logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("shutdown error", zap.Error(err))
	}
	return nil
}

func newCleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired entries and fail abandoned preload sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.svc.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := a.svc.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

type preloadFlags struct {
	agencies  []string
	windows   []string
	skipFresh bool
}

func newPreloadCmd(configPath *string) *cobra.Command {
	var flags preloadFlags

	cmd := &cobra.Command{
		Use:   "preload",
		Short: "Refresh every report for the given agencies, or all agencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if a.cfg.Preload.BaseURL == "" {
				return errors.New("preload.base_url is not configured")
			}
			producer := bulk.NewHTTPProducer(a.cfg.Preload.BaseURL, a.cfg.Preload.Timeout)
			defer func() { _ = producer.Close() }()

			plan := bulk.Plan{
				ScopeID:   preload.AllAgencies,
				Agencies:  flags.agencies,
				Windows:   flags.windows,
				SkipFresh: flags.skipFresh || a.cfg.Preload.SkipFresh,
			}
			if len(plan.Windows) == 0 {
				plan.Windows = a.cfg.Preload.Windows
			}
			switch {
			case len(plan.Agencies) == 1:
				plan.ScopeID = plan.Agencies[0]
			case len(plan.Agencies) == 0 && len(a.cfg.Preload.Agencies) > 0:
				plan.Agencies = a.cfg.Preload.Agencies
			case len(plan.Agencies) == 0:
				if plan.Agencies, err = producer.Agencies(ctx); err != nil {
					return err
				}
			}

			runner := bulk.NewRunner(a.svc, producer, a.cfg.Preload.Options, a.logger.Named("bulk"))
			res, err := runner.Run(ctx, plan)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Status != preload.StatusCompleted {
				return fmt.Errorf("preload %s: %s", res.SessionKey, res.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&flags.agencies, "agency", "a", nil, "Agency ID to refresh (repeatable; default: every agency)")
	cmd.Flags().StringSliceVarP(&flags.windows, "window", "w", nil, "Time window to refresh (repeatable; default: preload.windows)")
	cmd.Flags().BoolVar(&flags.skipFresh, "skip-fresh", false, "Skip datasets whose freshness record is still valid")
	return cmd
}

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin bearer token signed with admin.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Admin.JWTSecret == "" {
				return errors.New("admin.jwt_secret is not configured")
			}
			token, err := api.IssueAdminToken(cfg.Admin.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "admin", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
