package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-sync/internal/controller"
	"github.com/ChuLiYu/beaver-sync/internal/history"
	"github.com/ChuLiYu/beaver-sync/pkg/types"
	"github.com/spf13/cobra"
)

// ============================================================================
// Pipeline Commands
// ============================================================================

func buildRunCommand() *cobra.Command {
	var (
		all    bool
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "run [NAME]",
		Short: "Run a pipeline once",
		Long: `Run one pipeline now, or every enabled pipeline with --all.

A run submits the window (watermark, now], waits for the job and advances
the watermark only when the job succeeded. A job left pending by an
earlier run is awaited instead of submitting a new one.

--dry-run prints the window that would be submitted and needs no
credentials.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("specify a pipeline NAME or --all")
			}

			rt, err := setup(cmd, setupOptions{api: !dryRun, history: !dryRun})
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			runner := rt.runner(func(job *types.Job) {
				fmt.Fprintln(rt.out, progressLine(job))
			})

			if !all {
				result, err := runner.Run(ctx, args[0], dryRun)
				if result != nil {
					printRunResult(rt.out, result)
				}
				return err
			}

			ctrl := controller.NewController(controller.Config{
				Concurrency: rt.cfg.Scheduler.Concurrency,
			}, runner, rt.store, controller.WithLogger(rt.log))
			results, err := ctrl.RunAll(ctx, dryRun)
			for _, r := range results {
				printRunResult(rt.out, r)
			}
			if len(results) == 0 && err == nil {
				fmt.Fprintln(rt.out, "No enabled pipelines")
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "run every enabled pipeline")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be submitted without submitting")

	return cmd
}

func buildPipelinesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipelines",
		Short: "Manage pipelines",
	}

	cmd.AddCommand(buildPipelinesListCommand())
	cmd.AddCommand(buildPipelinesAddCommand())
	cmd.AddCommand(buildPipelinesToggleCommand("enable", true))
	cmd.AddCommand(buildPipelinesToggleCommand("disable", false))

	return cmd
}

func buildPipelinesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pipelines with their watermark and last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd, setupOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			if !rt.store.Exists() {
				fmt.Fprintf(rt.out, "No pipelines configured (%s does not exist yet; add one with 'pipelines add')\n", rt.store.Path())
				return nil
			}

			ps, err := rt.store.List()
			if err != nil {
				return err
			}
			printPipelines(rt.out, ps)
			return nil
		},
	}
}

func buildPipelinesAddCommand() *cobra.Command {
	var (
		p                types.Pipeline
		initialWatermark string
		disabled         bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new pipeline",
		Example: `  beaver-sync pipelines add --name orders --template tpl-1 --resource db-1
  beaver-sync pipelines add --name orders --template tpl-1 --resource db-1 \
      --schedule "*/15 * * * *" --initial-watermark 2026-01-01T00:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if initialWatermark != "" {
				t, err := time.Parse(time.RFC3339, initialWatermark)
				if err != nil {
					return fmt.Errorf("invalid --initial-watermark: %w", err)
				}
				p.InitialWatermark = t.UTC()
			}
			p.Enabled = !disabled

			rt, err := setup(cmd, setupOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.store.Add(p); err != nil {
				return err
			}
			fmt.Fprintf(rt.out, "Added pipeline %s (%s → %s)\n", p.Name, p.TemplateID, p.TargetResourceID)
			return nil
		},
	}

	cmd.Flags().StringVar(&p.Name, "name", "", "pipeline name (required)")
	cmd.Flags().StringVar(&p.TemplateID, "template", "", "import template id (required)")
	cmd.Flags().StringVar(&p.TargetResourceID, "resource", "", "target database id (required)")
	cmd.Flags().StringVar(&p.Schedule, "schedule", "", "cron schedule (default hourly)")
	cmd.Flags().StringVar(&initialWatermark, "initial-watermark", "", "first window start, RFC3339 (default full load)")
	cmd.Flags().DurationVar(&p.PollInterval, "poll-interval", 0, "poll interval override")
	cmd.Flags().DurationVar(&p.MaxWait, "max-wait", 0, "max wait override")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "add the pipeline disabled")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("resource")

	return cmd
}

func buildPipelinesToggleCommand(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " NAME",
		Short: fmt.Sprintf("%s a pipeline", verb),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd, setupOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.store.SetEnabled(args[0], enabled); err != nil {
				return err
			}
			fmt.Fprintf(rt.out, "Pipeline %s %sd\n", args[0], verb)
			return nil
		},
	}
}

func buildHistoryCommand() *cobra.Command {
	var (
		name  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent pipeline runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd, setupOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			db, err := history.Open(rt.cfg.Store.HistoryDB)
			if err != nil {
				return fmt.Errorf("failed to open run history: %w", err)
			}
			defer db.Close()

			entries, err := db.List(cmd.Context(), name, limit)
			if err != nil {
				return err
			}
			printHistory(rt.out, entries)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "pipeline", "", "only this pipeline")
	cmd.Flags().IntVar(&limit, "limit", history.DefaultLimit, "maximum number of runs")

	return cmd
}
