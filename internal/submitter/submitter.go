// Package submitter creates import jobs on a target resource that admits
// only one in-flight job at a time.
//
// The remote service is the only authority on whether a resource is busy.
// Submit never infers remote lock state; it reacts to the conflict signal
// with a domain-level backoff (minutes, not milliseconds) because it is
// waiting for another job to finish, not for a flaky network.
//
// Lock serializes work on the same resource inside this process so that
// two local pipelines do not spend their retry budget fighting each other.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-sync/internal/apperror"
	"github.com/ChuLiYu/beaver-sync/internal/clock"
	"github.com/ChuLiYu/beaver-sync/internal/importapi"
	"github.com/ChuLiYu/beaver-sync/internal/retry"
	"github.com/ChuLiYu/beaver-sync/pkg/types"
)

// DefaultPolicy waits up to roughly 40 minutes for a busy resource.
func DefaultPolicy() types.RetryPolicy {
	return types.RetryPolicy{
		MaxAttempts: 5,
		Delay:       2 * time.Minute,
		MaxDelay:    15 * time.Minute,
		Multiplier:  2,
	}
}

// JobCreator is the create side of the import client.
type JobCreator interface {
	CreateJob(ctx context.Context, req importapi.CreateJobRequest) (types.JobID, error)
}

// ConflictRecorder counts conflict rejections per resource.
type ConflictRecorder interface {
	RecordConflict(resourceID string)
}

// ResourceBusyError is returned when every submit attempt was rejected
// because the target resource already had a job in flight.
type ResourceBusyError struct {
	ResourceID string
	Attempts   int
	Last       error
}

func (e *ResourceBusyError) Error() string {
	return fmt.Sprintf("target resource %s is busy: %d submit attempts rejected by an in-flight job", e.ResourceID, e.Attempts)
}

func (e *ResourceBusyError) Code() apperror.Code { return apperror.ResourceBusy }
func (e *ResourceBusyError) Unwrap() error       { return e.Last }

// Submitter 負責在單一任務限制下提交任務
type Submitter struct {
	jobs      JobCreator
	clock     clock.Clock
	conflicts ConflictRecorder
	log       *slog.Logger

	mu    sync.Mutex
	locks map[string]chan struct{}
}

type Option func(*Submitter)

func WithClock(c clock.Clock) Option                { return func(s *Submitter) { s.clock = c } }
func WithConflictRecorder(r ConflictRecorder) Option { return func(s *Submitter) { s.conflicts = r } }
func WithLogger(l *slog.Logger) Option              { return func(s *Submitter) { s.log = l } }

func New(jobs JobCreator, opts ...Option) *Submitter {
	s := &Submitter{
		jobs:  jobs,
		clock: clock.Real{},
		log:   slog.Default(),
		locks: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "submitter")
	return s
}

// Submit creates the job, backing off on conflict according to policy.
// Errors other than a conflict are returned unchanged on first sight.
func (s *Submitter) Submit(ctx context.Context, req importapi.CreateJobRequest, policy types.RetryPolicy) (types.JobID, error) {
	p := toRetryPolicy(policy)

	var id types.JobID
	err := retry.Do(ctx, s.clock, p, isConflict, func(ctx context.Context, attempt int) error {
		jobID, err := s.jobs.CreateJob(ctx, req)
		if err == nil {
			id = jobID
			return nil
		}
		if isConflict(err) {
			if s.conflicts != nil {
				s.conflicts.RecordConflict(req.TargetResourceID)
			}
			if attempt < p.MaxAttempts {
				s.log.Warn("Target resource busy, backing off",
					"resource_id", req.TargetResourceID,
					"attempt", attempt,
					"max_attempts", p.MaxAttempts)
			}
		}
		return err
	})
	if err == nil {
		return id, nil
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) && isConflict(exhausted.Last) {
		busy := &ResourceBusyError{
			ResourceID: req.TargetResourceID,
			Attempts:   exhausted.Attempts,
			Last:       exhausted.Last,
		}
		s.log.Error("Giving up on busy resource", "resource_id", busy.ResourceID, "attempts", busy.Attempts)
		return "", busy
	}
	return "", err
}

// Lock blocks until this process holds the resource or ctx is done.
// The returned release func is idempotent.
func (s *Submitter) Lock(ctx context.Context, resourceID string) (func(), error) {
	for {
		release, ok := s.TryLock(resourceID)
		if ok {
			return release, nil
		}

		s.mu.Lock()
		ch, held := s.locks[resourceID]
		s.mu.Unlock()
		if !held {
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// TryLock acquires the resource without waiting.
func (s *Submitter) TryLock(resourceID string) (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.locks[resourceID]; held {
		return nil, false
	}
	ch := make(chan struct{})
	s.locks[resourceID] = ch

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.locks, resourceID)
			s.mu.Unlock()
			close(ch)
		})
	}, true
}

func isConflict(err error) bool {
	return apperror.Is(err, apperror.Conflict)
}

func toRetryPolicy(p types.RetryPolicy) retry.Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Delay <= 0 {
		p.Delay = def.Delay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.Delay {
		p.MaxDelay = p.Delay
	}
	if p.Multiplier <= 1 {
		p.Multiplier = def.Multiplier
	}
	return retry.Policy{
		MaxAttempts: p.MaxAttempts,
		BaseDelay:   p.Delay,
		MaxDelay:    p.MaxDelay,
		Multiplier:  p.Multiplier,
	}
}
