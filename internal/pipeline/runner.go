// ============================================================================
// Beaver-Sync Pipeline Runner - one incremental sync run
// ============================================================================
//
// Package: internal/pipeline
// File: runner.go
// Purpose: Drive a single pipeline run from window computation to the
//          watermark update.
//
// Run order (strictly sequential):
//   1. claim the pipeline name (ErrRunInProgress when already running)
//   2. load the record
//   3. resume a pending job left by a crash or a wait timeout, if any
//   4. window = [watermark, now]
//   5. dry run: log the window and the job that would be submitted, stop
//   6. lock the target resource, submit, persist the pending job id, wait
//   7. Completed/Success: watermark = window.To, pending cleared
//      Failure/Cancelled: watermark untouched, pending cleared
//      wait timeout: watermark untouched, pending kept for the next run
//
// Idempotency:
//   A failed run leaves the watermark where it was, so the next run submits
//   the same window again. Correctness then depends on the import template
//   merging rows idempotently. That guarantee belongs to the template, not to
//   this code; the runner logs a warning whenever it re-submits a window.
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/beaver-sync/internal/apperror"
	"github.com/ChuLiYu/beaver-sync/internal/clock"
	"github.com/ChuLiYu/beaver-sync/internal/importapi"
	"github.com/ChuLiYu/beaver-sync/internal/logger"
	"github.com/ChuLiYu/beaver-sync/internal/waiter"
	"github.com/ChuLiYu/beaver-sync/pkg/types"
	"github.com/google/uuid"
)

var (
	ErrPipelineDisabled = errors.New("pipeline is disabled")
	ErrJobFailed        = errors.New("import job failed")
	ErrJobCancelled     = errors.New("import job was cancelled")
	ErrWindowInverted   = errors.New("watermark is later than now")
)

// Submitter submits jobs and serializes work per target resource.
type Submitter interface {
	Submit(ctx context.Context, req importapi.CreateJobRequest, policy types.RetryPolicy) (types.JobID, error)
	Lock(ctx context.Context, resourceID string) (func(), error)
}

// Waiter blocks until a job terminates.
type Waiter interface {
	Wait(ctx context.Context, id types.JobID, opts waiter.Options) (*types.Job, error)
}

// HistoryRecorder persists finished runs.
type HistoryRecorder interface {
	Record(ctx context.Context, r *types.RunResult) error
}

// RunRecorder observes finished runs (metrics).
type RunRecorder interface {
	RecordRun(r *types.RunResult)
}

// JobRegistrar remembers submitted job ids; the remote service cannot list them.
type JobRegistrar interface {
	Register(id types.JobID, templateID, resourceID, owner string) error
}

// Defaults apply to pipelines that do not override them.
type Defaults struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	Retry        types.RetryPolicy
}

// Runner 執行單一管線
type Runner struct {
	store     *Store
	submitter Submitter
	waiter    Waiter
	defaults  Defaults

	history  HistoryRecorder
	runs     RunRecorder
	registry JobRegistrar
	progress waiter.ProgressFunc
	clock    clock.Clock
	log      *slog.Logger
}

type RunnerOption func(*Runner)

func WithHistory(h HistoryRecorder) RunnerOption      { return func(r *Runner) { r.history = h } }
func WithRunRecorder(rr RunRecorder) RunnerOption     { return func(r *Runner) { r.runs = rr } }
func WithJobRegistrar(jr JobRegistrar) RunnerOption   { return func(r *Runner) { r.registry = jr } }
func WithProgress(fn waiter.ProgressFunc) RunnerOption { return func(r *Runner) { r.progress = fn } }
func WithClock(c clock.Clock) RunnerOption            { return func(r *Runner) { r.clock = c } }
func WithLogger(l *slog.Logger) RunnerOption          { return func(r *Runner) { r.log = l } }

func NewRunner(store *Store, submitter Submitter, w Waiter, defaults Defaults, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:     store,
		submitter: submitter,
		waiter:    w,
		defaults:  defaults,
		clock:     clock.Real{},
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "runner")
	return r
}

// Store exposes the pipeline store the runner works on.
func (r *Runner) Store() *Store {
	return r.store
}

// Run executes one run of the named pipeline.
//
// The returned result is nil only when the run never started (unknown or
// disabled pipeline, run already in progress, store unreadable). Otherwise
// the result is always returned, and err is non-nil unless the status is
// success or dry_run.
func (r *Runner) Run(ctx context.Context, name string, dryRun bool) (*types.RunResult, error) {
	release, err := r.store.TryLock(name)
	if err != nil {
		return nil, err
	}
	defer release()

	p, err := r.store.Get(name)
	if err != nil {
		return nil, err
	}
	if !p.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrPipelineDisabled, name)
	}

	result := &types.RunResult{
		RunID:     uuid.NewString(),
		Pipeline:  name,
		StartedAt: r.clock.Now().UTC(),
	}
	ctx = logger.WithRunID(ctx, result.RunID)
	log := logger.FromContext(ctx, r.log).With("pipeline", name)

	defer r.finish(ctx, result, log)

	if p.Pending != nil {
		return r.resume(ctx, p, result, dryRun, log)
	}

	window := types.Window{
		From: p.WindowStart().UTC(),
		To:   r.clock.Now().UTC().Truncate(time.Second),
	}
	result.Window = window

	if window.From.After(window.To) {
		err := fmt.Errorf("%w: %s: window start %s is after now %s", ErrWindowInverted, name,
			window.From.Format(time.RFC3339), window.To.Format(time.RFC3339))
		if dryRun {
			result.Status = types.RunFailed
			result.Error = err.Error()
			log.Error("Dry run: watermark is in the future", "window_from", window.From)
			return result, err
		}
		return r.record(p, result, types.RunFailed, err, log)
	}

	if dryRun {
		log.Info("Dry run: would submit import job",
			"template_id", p.TemplateID,
			"resource_id", p.TargetResourceID,
			"window_from", window.From,
			"window_to", window.To)
		result.Status = types.RunDryRun
		return result, nil
	}

	if p.LastRun != nil && p.LastRun.Status != types.RunSuccess && p.LastRun.Window.From.Equal(window.From) {
		log.Warn("Re-submitting a window from an unsuccessful run; relies on the template merging idempotently",
			"window_from", window.From,
			"previous_status", p.LastRun.Status)
	}

	unlock, err := r.submitter.Lock(ctx, p.TargetResourceID)
	if err != nil {
		return r.fail(p, result, err, log)
	}
	defer unlock()

	log.Info("Submitting import job",
		"template_id", p.TemplateID,
		"resource_id", p.TargetResourceID,
		"window_from", window.From,
		"window_to", window.To)

	jobID, err := r.submitter.Submit(ctx, importapi.CreateJobRequest{
		TemplateID:       p.TemplateID,
		TargetResourceID: p.TargetResourceID,
		Window:           &window,
	}, r.retryPolicy(p))
	if err != nil {
		return r.fail(p, result, err, log)
	}
	result.JobID = jobID

	if r.registry != nil {
		if err := r.registry.Register(jobID, p.TemplateID, p.TargetResourceID, p.Name); err != nil {
			log.Debug("Job already registered", "job_id", jobID, "error", err)
		}
	}

	// 先記下 job id，崩潰後下一次執行可繼續等待同一個任務
	p.Pending = &types.PendingRun{JobID: jobID, Window: window, SubmittedAt: r.clock.Now().UTC()}
	if err := r.saveRun(p); err != nil {
		log.Error("Failed to record pending job; continuing to wait", "job_id", jobID, "error", err)
	}

	return r.await(ctx, p, result, log)
}

// resume picks up a job submitted by an earlier run that never saw it finish.
func (r *Runner) resume(ctx context.Context, p *types.Pipeline, result *types.RunResult, dryRun bool, log *slog.Logger) (*types.RunResult, error) {
	result.Resumed = true
	result.JobID = p.Pending.JobID
	result.Window = p.Pending.Window

	if dryRun {
		log.Info("Dry run: would resume waiting on pending job",
			"job_id", p.Pending.JobID,
			"window_from", p.Pending.Window.From,
			"window_to", p.Pending.Window.To)
		result.Status = types.RunDryRun
		return result, nil
	}

	log.Info("Resuming pending job from a previous run",
		"job_id", p.Pending.JobID,
		"submitted_at", p.Pending.SubmittedAt)

	unlock, err := r.submitter.Lock(ctx, p.TargetResourceID)
	if err != nil {
		return r.fail(p, result, err, log)
	}
	defer unlock()

	return r.await(ctx, p, result, log)
}

// await waits for the pending job and applies its outcome to the record.
func (r *Runner) await(ctx context.Context, p *types.Pipeline, result *types.RunResult, log *slog.Logger) (*types.RunResult, error) {
	job, err := r.waiter.Wait(ctx, result.JobID, r.waitOptions(p))
	result.Job = job

	var timeoutErr *waiter.TimeoutError
	switch {
	case err == nil && job.Succeeded():
		if result.Window.To.After(p.Watermark) {
			p.Watermark = result.Window.To
		}
		p.Pending = nil
		p.LastRun = r.lastRun(result, types.RunSuccess, job.ExitMessage())
		if err := r.saveRun(p); err != nil {
			// pending 仍在磁碟上，下一次執行會重新確認並推進 watermark
			result.Status = types.RunFailed
			result.Error = err.Error()
			log.Error("Job succeeded but watermark could not be saved", "job_id", result.JobID, "error", err)
			return result, fmt.Errorf("save watermark: %w", err)
		}
		result.Status = types.RunSuccess
		log.Info("Pipeline run succeeded",
			"job_id", result.JobID,
			"watermark", p.Watermark)
		return result, nil

	case err == nil:
		cause := ErrJobFailed
		if job.State == types.StateCancelled {
			cause = ErrJobCancelled
		}
		runErr := fmt.Errorf("%w: job %s: %s", cause, result.JobID, job.ExitMessage())
		p.Pending = nil
		return r.record(p, result, types.RunFailed, runErr, log)

	case errors.As(err, &timeoutErr):
		// 任務仍在遠端執行，保留 pending
		return r.record(p, result, types.RunTimeout, err, log)

	case apperror.Is(err, apperror.NotFound):
		p.Pending = nil
		return r.record(p, result, types.RunFailed, err, log)

	default:
		// ctx 取消或 API 錯誤：任務狀態未知，保留 pending
		return r.record(p, result, types.RunFailed, err, log)
	}
}

// fail records a run that never got a job id.
func (r *Runner) fail(p *types.Pipeline, result *types.RunResult, err error, log *slog.Logger) (*types.RunResult, error) {
	status := types.RunFailed
	if apperror.Is(err, apperror.ResourceBusy) {
		status = types.RunBusy
	}
	return r.record(p, result, status, err, log)
}

func (r *Runner) record(p *types.Pipeline, result *types.RunResult, status types.RunStatus, runErr error, log *slog.Logger) (*types.RunResult, error) {
	result.Status = status
	result.Error = runErr.Error()
	p.LastRun = r.lastRun(result, status, runErr.Error())

	if err := r.saveRun(p); err != nil {
		log.Error("Failed to record run outcome", "error", err)
	}
	log.Error("Pipeline run did not succeed",
		"status", status,
		"job_id", result.JobID,
		"error", runErr)
	return result, runErr
}

// saveRun writes back only the fields a run owns. Everything else comes
// from the current record, which an operator may have changed mid-run.
func (r *Runner) saveRun(p *types.Pipeline) error {
	return r.store.Update(p.Name, func(cur *types.Pipeline) {
		cur.Watermark = p.Watermark
		cur.LastRun = p.LastRun
		cur.Pending = p.Pending
	})
}

func (r *Runner) lastRun(result *types.RunResult, status types.RunStatus, msg string) *types.LastRun {
	return &types.LastRun{
		Status:  status,
		JobID:   result.JobID,
		At:      r.clock.Now().UTC(),
		Window:  result.Window,
		Message: msg,
	}
}

func (r *Runner) finish(ctx context.Context, result *types.RunResult, log *slog.Logger) {
	result.FinishedAt = r.clock.Now().UTC()
	if r.runs != nil {
		r.runs.RecordRun(result)
	}
	if r.history != nil {
		if err := r.history.Record(context.WithoutCancel(ctx), result); err != nil {
			log.Warn("Failed to record run history", "error", err)
		}
	}
}

func (r *Runner) retryPolicy(p *types.Pipeline) types.RetryPolicy {
	if p.Retry.MaxAttempts > 0 {
		return p.Retry
	}
	return r.defaults.Retry
}

func (r *Runner) waitOptions(p *types.Pipeline) waiter.Options {
	opts := waiter.Options{
		PollInterval: r.defaults.PollInterval,
		MaxWait:      r.defaults.MaxWait,
		OnProgress:   r.progress,
	}
	if p.PollInterval > 0 {
		opts.PollInterval = p.PollInterval
	}
	if p.MaxWait > 0 {
		opts.MaxWait = p.MaxWait
	}
	return opts
}
