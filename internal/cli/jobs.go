package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-sync/internal/importapi"
	"github.com/ChuLiYu/beaver-sync/internal/pipeline"
	"github.com/ChuLiYu/beaver-sync/internal/waiter"
	"github.com/ChuLiYu/beaver-sync/pkg/types"
	"github.com/spf13/cobra"
)

// ============================================================================
// Job Commands
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var (
		templateID   string
		resourceID   string
		wait         bool
		pollInterval time.Duration
		timeout      time.Duration
		from         string
		to           string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an import job",
		Long: `Submit one import job for a template against a target database.

While the target database is busy with another import the submission is
retried with backoff. With --wait the command polls until the job finishes
and exits non-zero unless it succeeded.`,
		Example: `  beaver-sync submit --template tpl-1 --resource db-1
  beaver-sync submit --template tpl-1 --resource db-1 --wait --timeout 2h
  beaver-sync submit --template tpl-1 --resource db-1 --from 2026-01-01T00:00:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			window, err := parseWindow(from, to)
			if err != nil {
				return err
			}

			rt, err := setup(cmd, setupOptions{api: true})
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			req := importapi.CreateJobRequest{
				TemplateID:       templateID,
				TargetResourceID: resourceID,
				Window:           window,
			}

			jobID, err := rt.submitter.Submit(ctx, req, rt.retryPolicy())
			if err != nil {
				return fmt.Errorf("submit failed: %w", err)
			}
			if err := rt.jobs.Register(jobID, templateID, resourceID, "cli"); err != nil {
				rt.log.Debug("Job already registered", "job_id", jobID, "error", err)
			}

			fmt.Fprintf(rt.out, "Submitted job %s\n", jobID)
			if !wait {
				return nil
			}

			job, err := rt.waiter.Wait(ctx, jobID, rt.waitOptions(pollInterval, timeout))
			if err != nil {
				return err
			}
			printJob(rt.out, job)
			return jobOutcome(job)
		},
	}

	cmd.Flags().StringVar(&templateID, "template", "", "import template id (required)")
	cmd.Flags().StringVar(&resourceID, "resource", "", "target database id (required)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the job to finish")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 0, "poll interval while waiting (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "maximum time to wait (default from config)")
	cmd.Flags().StringVar(&from, "from", "", "window start, RFC3339")
	cmd.Flags().StringVar(&to, "to", "", "window end, RFC3339 (default now)")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("resource")

	return cmd
}

func buildStatusCommand() *cobra.Command {
	var (
		progress     bool
		watch        bool
		pollInterval time.Duration
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show the state of an import job",
		Long: `Show the state of an import job.

With --watch the job is polled until it terminates and the command exits
non-zero unless it succeeded. Without --watch a job that is still running
is not an error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := types.JobID(args[0])

			rt, err := setup(cmd, setupOptions{api: true})
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			if !watch {
				job, err := rt.client.GetJob(ctx, jobID, progress)
				if err != nil {
					return err
				}
				printJob(rt.out, job)
				if !job.State.IsTerminal() {
					return nil
				}
				return jobOutcome(job)
			}

			opts := rt.waitOptions(pollInterval, timeout)
			opts.OnProgress = func(job *types.Job) {
				fmt.Fprintln(rt.out, progressLine(job))
			}
			job, err := rt.waiter.Wait(ctx, jobID, opts)
			if err != nil {
				return err
			}
			printJob(rt.out, job)
			return jobOutcome(job)
		},
	}

	cmd.Flags().BoolVar(&progress, "progress", false, "include per-label progress")
	cmd.Flags().BoolVar(&watch, "watch", false, "poll until the job finishes")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 0, "poll interval while watching (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "maximum time to watch (default from config)")

	return cmd
}

func buildCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Request cancellation of an import job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := types.JobID(args[0])

			rt, err := setup(cmd, setupOptions{api: true})
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.client.CancelJob(cmd.Context(), jobID); err != nil {
				return err
			}
			fmt.Fprintf(rt.out, "Cancellation requested for job %s\n", jobID)
			return nil
		},
	}
}

// ============================================================================
// Helpers
// ============================================================================

func (rt *runtime) waitOptions(pollInterval, timeout time.Duration) waiter.Options {
	opts := waiter.Options{
		PollInterval: rt.cfg.Wait.PollInterval,
		MaxWait:      rt.cfg.Wait.MaxWait,
	}
	if pollInterval > 0 {
		opts.PollInterval = pollInterval
	}
	if timeout > 0 {
		opts.MaxWait = timeout
	}
	return opts
}

// parseWindow returns nil when no --from was given.
func parseWindow(from, to string) (*types.Window, error) {
	if from == "" {
		if to != "" {
			return nil, errors.New("--to requires --from")
		}
		return nil, nil
	}

	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return nil, fmt.Errorf("invalid --from: %w", err)
	}
	end := time.Now().UTC().Truncate(time.Second)
	if to != "" {
		if end, err = time.Parse(time.RFC3339, to); err != nil {
			return nil, fmt.Errorf("invalid --to: %w", err)
		}
	}
	if end.Before(start) {
		return nil, fmt.Errorf("window end %s is before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return &types.Window{From: start.UTC(), To: end.UTC()}, nil
}

// jobOutcome turns a terminal job into the command result.
func jobOutcome(job *types.Job) error {
	switch {
	case job.Succeeded():
		return nil
	case job.State == types.StateCancelled:
		return fmt.Errorf("%w: %s", pipeline.ErrJobCancelled, job.ID)
	default:
		msg := job.ExitMessage()
		if msg == "" {
			msg = "no exit message"
		}
		return fmt.Errorf("%w: %s: %s", pipeline.ErrJobFailed, job.ID, msg)
	}
}
