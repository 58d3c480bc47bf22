package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/cadence/internal/config"
	"github.com/livinlefevreloca/cadence/internal/db"
	"github.com/livinlefevreloca/cadence/internal/drive"
	"github.com/livinlefevreloca/cadence/internal/handlers"
	"github.com/livinlefevreloca/cadence/internal/lock"
	"github.com/livinlefevreloca/cadence/internal/metrics"
	"github.com/livinlefevreloca/cadence/internal/phase"
	"github.com/livinlefevreloca/cadence/internal/scheduler"
	"github.com/livinlefevreloca/cadence/internal/stats"
	"github.com/livinlefevreloca/cadence/internal/window"
)

// parseNow reads the --now flag. Empty means the wall clock.
func parseNow(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	t, err := window.ParseTimestamp(s)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "--now")
	}
	return t, nil
}

func runCmd() *cobra.Command {
	var now string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once for its next window",
		Long: `Runs the pipeline once for the next window and exits.

The exit status is non-zero when the run was aborted or a phase failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			at, err := parseNow(now)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Scheduler.Janitor {
				if _, err := a.janitor.Sweep(cmd.Context(), &a.cfg.Pipeline); err != nil {
					a.logger.Error("stale-run sweep failed", "error", err)
				}
			}

			out, err := a.runner.RunOnce(cmd.Context(), &a.cfg.Pipeline, at)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderOutcome(out))
			if !out.Succeeded() {
				return errors.Newf("run %s finished %s", out.RunID, out.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&now, "now", "", "evaluate the window at this RFC 3339 time instead of the clock")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Tick the pipeline on its schedule until interrupted",
		Long: `Runs the scheduler, the metrics endpoint and the config watcher.

Edits to the config file are picked up without a restart. A change that
fails to validate is rejected and the running config stays in effect.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			locker, closeLock := lock.FromConfig(a.cfg.Lock, a.logger)
			defer closeLock()

			sched, err := scheduler.New(a.cfg, a.runner, a.janitor, locker, a.logger)
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return sched.Run(ctx) })

			if a.cfg.Metrics.Enabled {
				a.logger.Info("metrics enabled", "address", a.cfg.Metrics.Address, "port", a.cfg.Metrics.Port)
				g.Go(func() error {
					return metrics.Serve(ctx, a.cfg.Metrics.Address, a.cfg.Metrics.Port, a.gatherer)
				})
			}

			if configPath != "" {
				w := config.NewWatcher(configPath, a.logger)
				w.Check = func(cfg *config.Config) error {
					return a.registry.Validate(&cfg.Pipeline)
				}
				w.OnChange = func(cfg *config.Config) {
					if err := sched.Reload(cfg); err != nil {
						a.logger.Error("scheduler rejected config", "error", err)
					}
				}
				g.Go(func() error { return w.Run(ctx) })
			}

			a.logger.Info("cadence is running", "pipeline", a.cfg.Pipeline.Name, "version", version)
			err = g.Wait()
			a.logger.Info("shutting down gracefully")
			return err
		},
	}
}

func windowCmd() *cobra.Command {
	var now string
	cmd := &cobra.Command{
		Use:   "window",
		Short: "Show the window the next run would process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			at, err := parseNow(now)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			b, err := a.cfg.Pipeline.Bounds()
			if err != nil {
				return err
			}
			plan, err := window.NewCalculator(a.db, a.logger).Plan(cmd.Context(), a.cfg.Pipeline.Name, b, at)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderPlan(plan, b.Granularity))
			return nil
		},
	}
	cmd.Flags().StringVar(&now, "now", "", "evaluate the window at this RFC 3339 time instead of the clock")
	return cmd
}

func historyCmd() *cobra.Command {
	var (
		date   string
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs of the pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := drive.Filter{TargetDate: date, Status: drive.Status(strings.ToUpper(status)), Limit: limit}
			if status != "" && !filter.Status.Valid() {
				return errors.Newf("unknown status %q", status)
			}
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			filter.Pipeline = a.cfg.Pipeline.Name
			recs, err := listRuns(cmd, a.db, filter)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderHistory(recs))
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "only runs whose window starts on this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	return cmd
}

func listRuns(cmd *cobra.Command, l drive.Lister, f drive.Filter) ([]*drive.Record, error) {
	recs, err := l.ListRuns(cmd.Context(), f)
	if err != nil {
		return nil, errors.Wrap(err, "listing runs")
	}
	return recs, nil
}

func statsCmd() *cobra.Command {
	var (
		date  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize recent runs of the pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			filter := drive.Filter{Pipeline: a.cfg.Pipeline.Name, TargetDate: date, Limit: limit}
			summary, err := stats.Collect(cmd.Context(), a.db, filter)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderStats(summary))
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "only runs whose window starts on this date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 200, "number of most recent records to summarize")
	return cmd
}

func janitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "janitor",
		Short: "Mark runs that stopped reporting progress as failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ids, err := a.janitor.Sweep(cmd.Context(), &a.cfg.Pipeline)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file without touching the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			// Handlers are only resolved here, never executed, so no store
			// is opened.
			var store *db.DB
			reg := phase.NewRegistry()
			if err := handlers.RegisterBuiltins(reg, store, slog.Default()); err != nil {
				return err
			}
			if err := reg.Validate(&cfg.Pipeline); err != nil {
				return errors.Wrap(err, "invalid configuration")
			}
			source := configPath
			if source == "" {
				source = "defaults"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: pipeline %s is valid\n", source, cfg.Pipeline.Name)
			return nil
		},
	}
}
