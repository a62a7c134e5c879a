package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-sync/internal/apperror"
	"github.com/ChuLiYu/beaver-sync/internal/clock"
	"github.com/ChuLiYu/beaver-sync/internal/importapi"
	"github.com/ChuLiYu/beaver-sync/internal/jobmanager"
	"github.com/ChuLiYu/beaver-sync/internal/submitter"
	"github.com/ChuLiYu/beaver-sync/internal/waiter"
	"github.com/ChuLiYu/beaver-sync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []importapi.CreateJobRequest
	policies []types.RetryPolicy
	err      error
	nextID   types.JobID
	locks    []string
}

func (f *fakeSubmitter) Submit(ctx context.Context, req importapi.CreateJobRequest, policy types.RetryPolicy) (types.JobID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.policies = append(f.policies, policy)
	if f.err != nil {
		return "", f.err
	}
	if f.nextID == "" {
		return "job-1", nil
	}
	return f.nextID, nil
}

func (f *fakeSubmitter) Lock(ctx context.Context, resourceID string) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks = append(f.locks, resourceID)
	return func() {}, nil
}

func (f *fakeSubmitter) submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type waitOutcome struct {
	job *types.Job
	err error
}

type fakeWaiter struct {
	mu       sync.Mutex
	outcomes []waitOutcome
	waited   []types.JobID
	opts     []waiter.Options
	block    chan struct{}
	during   func()
}

func (f *fakeWaiter) Wait(ctx context.Context, id types.JobID, opts waiter.Options) (*types.Job, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.during != nil {
		f.during()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waited = append(f.waited, id)
	f.opts = append(f.opts, opts)
	if len(f.outcomes) == 0 {
		return completedJob(id, types.ExitSuccess), nil
	}
	o := f.outcomes[0]
	f.outcomes = f.outcomes[1:]
	return o.job, o.err
}

type recordedRuns struct {
	mu   sync.Mutex
	runs []*types.RunResult
}

func (r *recordedRuns) Record(ctx context.Context, res *types.RunResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, res)
	return nil
}

func (r *recordedRuns) RecordRun(res *types.RunResult) {}

func completedJob(id types.JobID, status types.ExitStatus) *types.Job {
	return &types.Job{ID: id, State: types.StateCompleted, Exit: &types.Exit{Status: status, Message: string(status)}}
}

var (
	t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 = time.Date(2024, 3, 1, 12, 30, 15, 0, time.UTC)
)

type harness struct {
	store   *Store
	sub     *fakeSubmitter
	wait    *fakeWaiter
	history *recordedRuns
	jobs    *jobmanager.JobManager
	clk     *clock.Fake
	runner  *Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   newTestStore(t),
		sub:     &fakeSubmitter{},
		wait:    &fakeWaiter{},
		history: &recordedRuns{},
		jobs:    jobmanager.NewJobManager(),
		clk:     clock.NewFake(t1),
	}
	h.runner = NewRunner(h.store, h.sub, h.wait, Defaults{
		PollInterval: 30 * time.Second,
		MaxWait:      time.Hour,
		Retry:        types.RetryPolicy{MaxAttempts: 5, Delay: 2 * time.Minute},
	},
		WithClock(h.clk),
		WithHistory(h.history),
		WithRunRecorder(h.history),
		WithJobRegistrar(h.jobs),
	)

	p := samplePipeline("orders")
	p.Watermark = t0
	require.NoError(t, h.store.Add(p))
	return h
}

func (h *harness) pipeline(t *testing.T) *types.Pipeline {
	t.Helper()
	p, err := h.store.Get("orders")
	require.NoError(t, err)
	return p
}

// ============================================================================
// Tests
// ============================================================================

func TestRunSuccessAdvancesWatermark(t *testing.T) {
	h := newHarness(t)

	res, err := h.runner.Run(context.Background(), "orders", false)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, types.RunSuccess, res.Status)
	assert.Equal(t, types.JobID("job-1"), res.JobID)
	assert.NotEmpty(t, res.RunID)
	assert.True(t, res.Window.From.Equal(t0))
	assert.True(t, res.Window.To.Equal(t1))

	require.Len(t, h.sub.requests, 1)
	req := h.sub.requests[0]
	assert.Equal(t, "model-orders", req.TemplateID)
	assert.Equal(t, "db-1", req.TargetResourceID)
	require.NotNil(t, req.Window)
	assert.True(t, req.Window.From.Equal(t0))
	assert.Equal(t, 5, h.sub.policies[0].MaxAttempts, "defaults apply without pipeline override")

	p := h.pipeline(t)
	assert.True(t, p.Watermark.Equal(t1))
	assert.Nil(t, p.Pending)
	require.NotNil(t, p.LastRun)
	assert.Equal(t, types.RunSuccess, p.LastRun.Status)

	rec, err := h.jobs.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, "orders", rec.Owner)

	require.Len(t, h.history.runs, 1)
	assert.Equal(t, types.RunSuccess, h.history.runs[0].Status)
}

func TestRunKeepsEditsMadeWhileWaiting(t *testing.T) {
	h := newHarness(t)
	// 等待期間被停用，執行結束後不能把 Enabled 寫回 true
	h.wait.during = func() {
		require.NoError(t, h.store.SetEnabled("orders", false))
	}

	res, err := h.runner.Run(context.Background(), "orders", false)
	require.NoError(t, err)
	assert.Equal(t, types.RunSuccess, res.Status)

	p := h.pipeline(t)
	assert.False(t, p.Enabled, "disable during the run must survive")
	assert.True(t, p.Watermark.Equal(t1))
	assert.Nil(t, p.Pending)
	require.NotNil(t, p.LastRun)
	assert.Equal(t, types.RunSuccess, p.LastRun.Status)
}

func TestRunRejectsWatermarkInFuture(t *testing.T) {
	h := newHarness(t)
	future := t1.Add(time.Hour)

	p := samplePipeline("ahead")
	p.Watermark = future
	require.NoError(t, h.store.Add(p))

	res, err := h.runner.Run(context.Background(), "ahead", false)
	require.ErrorIs(t, err, ErrWindowInverted)
	require.NotNil(t, res)
	assert.Equal(t, types.RunFailed, res.Status)
	assert.Equal(t, 0, h.sub.submitted())

	got, err := h.store.Get("ahead")
	require.NoError(t, err)
	assert.True(t, got.Watermark.Equal(future), "watermark untouched")
	require.NotNil(t, got.LastRun)
	assert.Equal(t, types.RunFailed, got.LastRun.Status)

	res, err = h.runner.Run(context.Background(), "ahead", true)
	require.ErrorIs(t, err, ErrWindowInverted)
	assert.Equal(t, types.RunFailed, res.Status)
	assert.Equal(t, 0, h.sub.submitted())
}

func TestRunUsesInitialWatermarkForFirstWindow(t *testing.T) {
	h := newHarness(t)
	initial := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	p := samplePipeline("fresh")
	p.InitialWatermark = initial
	require.NoError(t, h.store.Add(p))

	res, err := h.runner.Run(context.Background(), "fresh", false)
	require.NoError(t, err)
	assert.True(t, res.Window.From.Equal(initial))
}

func TestRunDryRunSubmitsNothing(t *testing.T) {
	h := newHarness(t)

	res, err := h.runner.Run(context.Background(), "orders", true)
	require.NoError(t, err)
	assert.Equal(t, types.RunDryRun, res.Status)
	assert.True(t, res.Window.From.Equal(t0))
	assert.True(t, res.Window.To.Equal(t1))

	assert.Equal(t, 0, h.sub.submitted())
	assert.Empty(t, h.wait.waited)

	p := h.pipeline(t)
	assert.True(t, p.Watermark.Equal(t0), "dry run never moves the watermark")
	assert.Nil(t, p.LastRun)
}

func TestRunFailedJobKeepsWatermark(t *testing.T) {
	tests := []struct {
		name    string
		job     *types.Job
		wantErr error
	}{
		{"exit failure", completedJob("job-1", types.ExitFailure), ErrJobFailed},
		{"cancelled", &types.Job{ID: "job-1", State: types.StateCancelled}, ErrJobCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.wait.outcomes = []waitOutcome{{job: tt.job}}

			res, err := h.runner.Run(context.Background(), "orders", false)
			assert.ErrorIs(t, err, tt.wantErr)
			require.NotNil(t, res)
			assert.Equal(t, types.RunFailed, res.Status)

			p := h.pipeline(t)
			assert.True(t, p.Watermark.Equal(t0))
			assert.Nil(t, p.Pending)
			require.NotNil(t, p.LastRun)
			assert.Equal(t, types.RunFailed, p.LastRun.Status)
			assert.Equal(t, types.JobID("job-1"), p.LastRun.JobID)
		})
	}
}

func TestRunRetriesSameWindowAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.wait.outcomes = []waitOutcome{{job: completedJob("job-1", types.ExitFailure)}}

	_, err := h.runner.Run(context.Background(), "orders", false)
	require.Error(t, err)

	h.clk.Advance(time.Hour)
	h.sub.nextID = "job-2"
	res, err := h.runner.Run(context.Background(), "orders", false)
	require.NoError(t, err)

	require.Len(t, h.sub.requests, 2)
	assert.True(t, h.sub.requests[1].Window.From.Equal(t0), "failed window is submitted again")
	assert.True(t, h.pipeline(t).Watermark.Equal(res.Window.To))
}

func TestRunTimeoutKeepsPendingAndResumes(t *testing.T) {
	h := newHarness(t)
	h.wait.outcomes = []waitOutcome{{
		job: &types.Job{ID: "job-1", State: types.StateRunning},
		err: &waiter.TimeoutError{JobID: "job-1", Waited: time.Hour, Polls: 120},
	}}

	res, err := h.runner.Run(context.Background(), "orders", false)
	assert.True(t, apperror.Is(err, apperror.Timeout))
	assert.Equal(t, types.RunTimeout, res.Status)

	p := h.pipeline(t)
	assert.True(t, p.Watermark.Equal(t0))
	require.NotNil(t, p.Pending)
	assert.Equal(t, types.JobID("job-1"), p.Pending.JobID)
	assert.True(t, p.Pending.Window.To.Equal(t1))

	// 下一次執行繼續等待同一個任務，不重新提交
	h.clk.Advance(time.Hour)
	res, err = h.runner.Run(context.Background(), "orders", false)
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, types.JobID("job-1"), res.JobID)
	assert.Equal(t, 1, h.sub.submitted())
	assert.Equal(t, []types.JobID{"job-1", "job-1"}, h.wait.waited)

	p = h.pipeline(t)
	assert.True(t, p.Watermark.Equal(t1), "watermark moves to the resumed window end")
	assert.Nil(t, p.Pending)
}

func TestRunDryRunWithPendingJob(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Update("orders", func(p *types.Pipeline) {
		p.Pending = &types.PendingRun{JobID: "job-9", Window: types.Window{From: t0, To: t0.Add(time.Hour)}}
	}))
	_ = h.pipeline(t)

	res, err := h.runner.Run(context.Background(), "orders", true)
	require.NoError(t, err)
	assert.Equal(t, types.RunDryRun, res.Status)
	assert.True(t, res.Resumed)
	assert.Empty(t, h.wait.waited)
	assert.NotNil(t, h.pipeline(t).Pending)
}

func TestRunResourceBusy(t *testing.T) {
	h := newHarness(t)
	h.sub.err = &submitter.ResourceBusyError{
		ResourceID: "db-1",
		Attempts:   5,
		Last:       apperror.New(apperror.Conflict, "create job", "already running"),
	}

	res, err := h.runner.Run(context.Background(), "orders", false)
	assert.True(t, apperror.Is(err, apperror.ResourceBusy))
	assert.Equal(t, types.RunBusy, res.Status)
	assert.Empty(t, res.JobID)
	assert.Empty(t, h.wait.waited)

	p := h.pipeline(t)
	assert.True(t, p.Watermark.Equal(t0))
	assert.Nil(t, p.Pending)
	assert.Equal(t, types.RunBusy, p.LastRun.Status)
}

func TestRunSubmitError(t *testing.T) {
	h := newHarness(t)
	h.sub.err = apperror.New(apperror.Validation, "create job", "unknown model")

	res, err := h.runner.Run(context.Background(), "orders", false)
	assert.True(t, apperror.Is(err, apperror.Validation))
	assert.Equal(t, types.RunFailed, res.Status)
	assert.Contains(t, res.Error, "unknown model")
	assert.Len(t, h.history.runs, 1)
}

func TestRunJobNotFoundClearsPending(t *testing.T) {
	h := newHarness(t)
	h.wait.outcomes = []waitOutcome{{err: apperror.New(apperror.NotFound, "get job", "no such job")}}

	res, err := h.runner.Run(context.Background(), "orders", false)
	require.Error(t, err)
	assert.Equal(t, types.RunFailed, res.Status)
	assert.Nil(t, h.pipeline(t).Pending)
}

func TestRunAPIErrorKeepsPending(t *testing.T) {
	h := newHarness(t)
	h.wait.outcomes = []waitOutcome{{err: apperror.New(apperror.Transient, "get job", "bad gateway")}}

	res, err := h.runner.Run(context.Background(), "orders", false)
	require.Error(t, err)
	assert.Equal(t, types.RunFailed, res.Status)

	p := h.pipeline(t)
	require.NotNil(t, p.Pending, "job state unknown, resume on next run")
	assert.True(t, p.Watermark.Equal(t0))
}

func TestRunPipelineOverrides(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Update("orders", func(p *types.Pipeline) {
		p.PollInterval = 5 * time.Second
		p.MaxWait = 10 * time.Minute
		p.Retry = types.RetryPolicy{MaxAttempts: 2, Delay: time.Second}
	}))

	_, err := h.runner.Run(context.Background(), "orders", false)
	require.NoError(t, err)

	require.Len(t, h.wait.opts, 1)
	assert.Equal(t, 5*time.Second, h.wait.opts[0].PollInterval)
	assert.Equal(t, 10*time.Minute, h.wait.opts[0].MaxWait)
	assert.Equal(t, 2, h.sub.policies[0].MaxAttempts)
}

func TestRunRejectsUnknownAndDisabled(t *testing.T) {
	h := newHarness(t)

	res, err := h.runner.Run(context.Background(), "ghost", false)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrPipelineNotFound)

	require.NoError(t, h.store.SetEnabled("orders", false))
	res, err = h.runner.Run(context.Background(), "orders", false)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrPipelineDisabled)
	assert.Equal(t, 0, h.sub.submitted())
}

func TestRunConcurrentSameNameRejected(t *testing.T) {
	h := newHarness(t)
	h.wait.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.runner.Run(context.Background(), "orders", false)
		done <- err
	}()

	require.Eventually(t, func() bool { return h.sub.submitted() == 1 }, time.Second, time.Millisecond)

	_, err := h.runner.Run(context.Background(), "orders", false)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(h.wait.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.sub.submitted())
}

func TestRunContextCancelledWhileWaiting(t *testing.T) {
	h := newHarness(t)
	h.wait.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for h.sub.submitted() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	res, err := h.runner.Run(ctx, "orders", false)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, types.RunFailed, res.Status)

	p := h.pipeline(t)
	require.NotNil(t, p.Pending, "interrupted run resumes the same job next time")
	assert.True(t, p.Watermark.Equal(t0))
	assert.Len(t, h.history.runs, 1, "history is written even after cancellation")
}
