package scheduler

import (
	"context"
	"errors"
	"time"

	"webtimer/internal/models"
)

var (
	// ErrInvalidSchedule is returned by Add when the options carry both
	// or neither of ExecuteAt and Delay.
	ErrInvalidSchedule = errors.New("exactly one of ExecuteAt or Delay must be set")

	// ErrInvalidMaxRetries is returned by Add for a negative retry budget.
	ErrInvalidMaxRetries = errors.New("max retries must not be negative")

	// ErrNotInitialized is returned by Add before Init has run.
	ErrNotInitialized = errors.New("scheduler not initialized")
)

// Handler is the callback invoked for every due job.
type Handler func(ctx context.Context, job models.JobView) error

// AddOptions controls when a job fires and how often it is retried.
// Exactly one of ExecuteAt and Delay must be set.
type AddOptions struct {
	ExecuteAt  *time.Time
	Delay      *time.Duration
	MaxRetries int
}

// Scheduler decouples when a job becomes due from how it is delivered.
// Implementations persist every job through the store; armed timers and
// queue messages are advisory, the store record is authoritative on
// restart.
type Scheduler interface {
	// Init recovers or primes scheduling state from the store. It must
	// be called exactly once at process start, before Add.
	Init(ctx context.Context) error

	// Add persists a new job and arranges for it to fire at the
	// resolved execute-at time. The job never fires early; it may fire
	// late, but is never silently skipped.
	Add(ctx context.Context, payload []byte, opts AddOptions) (models.Job, error)

	// Receive registers the callback invoked for due jobs. The handler
	// slot is single: a second registration replaces the first, and a
	// given firing event is delivered to exactly one handler.
	Receive(handler Handler)

	// Get returns the current status projection for the job id, or
	// store.ErrNotFound.
	Get(ctx context.Context, id string) (models.JobStatus, error)
}

// resolveOptions validates AddOptions and computes the absolute
// execute-at time relative to now.
func resolveOptions(opts AddOptions, now time.Time) (time.Time, error) {
	if (opts.ExecuteAt == nil) == (opts.Delay == nil) {
		return time.Time{}, ErrInvalidSchedule
	}
	if opts.MaxRetries < 0 {
		return time.Time{}, ErrInvalidMaxRetries
	}
	if opts.ExecuteAt != nil {
		return *opts.ExecuteAt, nil
	}
	return now.Add(*opts.Delay), nil
}

func statusOf(job models.Job) models.JobStatus {
	return models.JobStatus{
		ID:         job.ID,
		ExecuteAt:  job.ExecuteAt,
		Payload:    job.Payload,
		IsExecuted: job.IsExecuted,
	}
}
