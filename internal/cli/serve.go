package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/beaver-sync/internal/controller"
	"github.com/ChuLiYu/beaver-sync/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Serve Command
// ============================================================================

func buildServeCommand() *cobra.Command {
	var (
		metricsPort int
		noMetrics   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run pipelines on their schedules until interrupted",
		Long: `Run the scheduler in the foreground.

Every tick the scheduler runs the pipelines whose cron schedule is due.
Pipelines on the same target database run one after another. Prometheus
metrics are served on /metrics unless metrics.enabled is false or
--no-metrics is given.

SIGINT or SIGTERM stops the scheduler. Jobs still running remotely are
left alone and picked up again on the next start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			collector := metrics.NewCollector(reg)

			rt, err := setup(cmd, setupOptions{api: true, history: true, metrics: collector})
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()

			// 先取得一次 token，憑證錯誤在啟動時就會失敗
			if _, err := rt.tokens.Token(ctx); err != nil {
				return fmt.Errorf("initial token request failed: %w", err)
			}
			expiry, _ := rt.tokens.Expiry()
			rt.log.Info("Authenticated", "token_expires_at", expiry)

			ctrl := controller.NewController(controller.Config{
				TickInterval:  rt.cfg.Scheduler.TickInterval,
				StatsInterval: rt.cfg.Scheduler.StatsInterval,
				Concurrency:   rt.cfg.Scheduler.Concurrency,
				JobRetention:  rt.cfg.Scheduler.JobRetention,
			}, rt.runner(nil), rt.store,
				controller.WithStats(rt.jobs, collector),
				controller.WithLogger(rt.log))

			g, gctx := errgroup.WithContext(ctx)

			if err := ctrl.Start(gctx); err != nil {
				return err
			}

			port := rt.cfg.Metrics.Port
			if cmd.Flags().Changed("metrics-port") {
				port = metricsPort
			}
			if rt.cfg.Metrics.Enabled && !noMetrics {
				g.Go(func() error {
					return metrics.Serve(gctx, port, reg)
				})
			}

			rt.log.Info("Scheduler running",
				"pipelines_file", rt.store.Path(),
				"tick_interval", rt.cfg.Scheduler.TickInterval,
				"metrics", rt.cfg.Metrics.Enabled && !noMetrics)

			g.Go(func() error {
				<-gctx.Done()
				return nil
			})

			err = g.Wait()
			if running := ctrl.Running(); len(running) > 0 {
				rt.log.Info("Interrupting running pipelines; pending jobs resume on next start", "pipelines", running)
			}
			ctrl.Stop()
			if active := rt.jobs.Active(""); len(active) > 0 {
				rt.log.Info("Jobs still running remotely", "job_ids", active)
			}
			rt.log.Info("Scheduler stopped")

			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "metrics port (default from config)")
	cmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "do not serve /metrics")

	return cmd
}
