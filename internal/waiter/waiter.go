// Package waiter polls a remote job until it reaches a terminal state.
package waiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/beaver-sync/internal/apperror"
	"github.com/ChuLiYu/beaver-sync/internal/clock"
	"github.com/ChuLiYu/beaver-sync/internal/jobmanager"
	"github.com/ChuLiYu/beaver-sync/pkg/types"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultMaxWait      = time.Hour
)

// JobGetter is the read side of the import client.
type JobGetter interface {
	GetJob(ctx context.Context, id types.JobID, includeProgress bool) (*types.Job, error)
}

// ProgressFunc observes every polled snapshot. It cannot influence the wait.
type ProgressFunc func(job *types.Job)

// Options 等待參數
type Options struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	OnProgress   ProgressFunc
}

// TimeoutError is returned when MaxWait elapses before the job terminates.
// The remote job is left running.
type TimeoutError struct {
	JobID  types.JobID
	Waited time.Duration
	Polls  int
	Last   *types.Job
}

func (e *TimeoutError) Error() string {
	state := "unknown"
	if e.Last != nil {
		state = string(e.Last.State)
	}
	return fmt.Sprintf("job %s not finished after %s (%d polls, last state %s)", e.JobID, e.Waited, e.Polls, state)
}

func (e *TimeoutError) Code() apperror.Code { return apperror.Timeout }

// Observer receives every snapshot for state-machine bookkeeping.
// *jobmanager.JobManager implements it.
type Observer interface {
	Observe(job *types.Job) error
}

// PollRecorder receives one call per poll. The metrics collector implements it.
type PollRecorder interface {
	RecordPoll(state types.JobState)
}

// Waiter 輪詢任務直到終止狀態或逾時
type Waiter struct {
	jobs     JobGetter
	clock    clock.Clock
	observer Observer
	polls    PollRecorder
	log      *slog.Logger
}

// Option customises a Waiter.
type Option func(*Waiter)

func WithClock(c clock.Clock) Option        { return func(w *Waiter) { w.clock = c } }
func WithObserver(o Observer) Option        { return func(w *Waiter) { w.observer = o } }
func WithPollRecorder(r PollRecorder) Option { return func(w *Waiter) { w.polls = r } }
func WithLogger(l *slog.Logger) Option      { return func(w *Waiter) { w.log = l } }

func New(jobs JobGetter, opts ...Option) *Waiter {
	w := &Waiter{
		jobs:  jobs,
		clock: clock.Real{},
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("component", "waiter")
	return w
}

// Wait polls jobID every PollInterval and returns the first terminal
// snapshot. Polling stops with *TimeoutError once MaxWait has elapsed, or
// with ctx.Err() as soon as ctx is done. Neither path cancels the job.
func (w *Waiter) Wait(ctx context.Context, jobID types.JobID, opts Options) (*types.Job, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}

	start := w.clock.Now()
	deadline := start.Add(maxWait)

	var last *types.Job
	polls := 0
	for {
		if err := ctx.Err(); err != nil {
			return last, err
		}

		job, err := w.jobs.GetJob(ctx, jobID, true)
		if err != nil {
			return last, fmt.Errorf("poll job %s: %w", jobID, err)
		}
		polls++
		last = job

		w.observe(job)
		w.notify(opts.OnProgress, job)

		if job.State.IsTerminal() {
			w.log.Info("Job reached terminal state",
				"job_id", jobID,
				"state", job.State,
				"succeeded", job.Succeeded(),
				"polls", polls,
				"waited", w.clock.Now().Sub(start))
			return job, nil
		}

		remaining := deadline.Sub(w.clock.Now())
		if remaining <= 0 {
			return last, w.timeout(jobID, start, polls, last)
		}

		sleep := interval
		if remaining < sleep {
			sleep = remaining
		}
		if err := clock.Sleep(ctx, w.clock, sleep); err != nil {
			return last, err
		}

		if !w.clock.Now().Before(deadline) {
			return last, w.timeout(jobID, start, polls, last)
		}
	}
}

func (w *Waiter) timeout(jobID types.JobID, start time.Time, polls int, last *types.Job) error {
	waited := w.clock.Now().Sub(start)
	w.log.Warn("Gave up waiting for job; it keeps running remotely",
		"job_id", jobID,
		"waited", waited,
		"polls", polls)
	return &TimeoutError{JobID: jobID, Waited: waited, Polls: polls, Last: last}
}

func (w *Waiter) observe(job *types.Job) {
	if w.polls != nil {
		w.polls.RecordPoll(job.State)
	}
	if w.observer == nil {
		return
	}
	if err := w.observer.Observe(job); err != nil {
		w.log.Warn("Unexpected job state transition", "job_id", job.ID, "error", err)
	}
}

func (w *Waiter) notify(fn ProgressFunc, job *types.Job) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Progress callback panicked", "job_id", job.ID, "panic", r)
		}
	}()
	snapshot := *job
	fn(&snapshot)
}

var _ Observer = (*jobmanager.JobManager)(nil)
