package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"webtimer/internal/models"
	"webtimer/internal/store"
)

// dispatcher drains due-job events and runs the retry engine. It is
// shared by both scheduling backends; they differ only in how due
// events are produced.
type dispatcher struct {
	store  store.JobStore
	logger zerolog.Logger
	sem    *semaphore.Weighted
	due    chan dueEvent
	wg     sync.WaitGroup

	mu      sync.Mutex
	handler Handler
}

// dueEvent is one firing of a job. done, when set, runs only after the
// dispatch settles the store record; the queue backend uses it to ack
// the transport delivery, so an unsettled job stays on the queue.
type dueEvent struct {
	job  models.Job
	done func()
}

func newDispatcher(jobStore store.JobStore, workerCount int, logger zerolog.Logger) *dispatcher {
	if workerCount < 1 {
		workerCount = 1
	}
	return &dispatcher{
		store:  jobStore,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(workerCount)),
		due:    make(chan dueEvent, 256),
	}
}

func (d *dispatcher) setHandler(handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
}

func (d *dispatcher) currentHandler() Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler
}

// fire hands a due job to the dispatcher. It blocks only when the due
// buffer is full and never drops an event unless ctx is cancelled.
func (d *dispatcher) fire(ctx context.Context, job models.Job, done func()) {
	select {
	case d.due <- dueEvent{job: job, done: done}:
	case <-ctx.Done():
	}
}

// run consumes due events until ctx is cancelled. Each job is handled in
// its own goroutine, bounded by the worker semaphore, so a hanging
// handler blocks only its own job.
func (d *dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case event := <-d.due:
			if err := d.sem.Acquire(ctx, 1); err != nil {
				d.wg.Wait()
				return
			}
			d.wg.Add(1)
			go func(event dueEvent) {
				defer d.sem.Release(1)
				defer d.wg.Done()
				if d.dispatch(ctx, event.job) && event.done != nil {
					event.done()
				}
			}(event)
		}
	}
}

// dispatch runs the bounded retry loop for one due job and reports
// whether the record was settled (closed as executed or terminal-failed).
// Attempts are strictly sequential with no backoff; the retry counter is
// advanced by a conditional store update, so concurrent duplicate due
// events for the same id cannot overcount attempts or reopen a closed
// record.
func (d *dispatcher) dispatch(ctx context.Context, job models.Job) bool {
	handler := d.currentHandler()
	if handler == nil {
		d.logger.Error().Str("job_id", job.ID).Msg("job due but no handler registered; leaving record pending")
		return false
	}

	view := job.View()
	for {
		err := d.invoke(ctx, handler, view)
		if err == nil {
			return d.markExecuted(ctx, job.ID, nil)
		}

		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("job handler failed")

		retries, ok, incErr := d.store.IncRetries(ctx, job.ID)
		if incErr != nil {
			d.logger.Error().Err(incErr).Str("job_id", job.ID).Msg("failed to advance retry counter")
			return false
		}
		if !ok {
			// Retry budget exhausted (or another dispatch already
			// closed the record): terminal failure.
			msg := err.Error()
			return d.markExecuted(ctx, job.ID, &msg)
		}

		d.logger.Warn().Str("job_id", job.ID).Int("retry", retries).Int("max_retries", job.MaxRetries).Msg("retrying job")
	}
}

func (d *dispatcher) invoke(ctx context.Context, handler Handler, view models.JobView) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, view)
}

func (d *dispatcher) markExecuted(ctx context.Context, jobID string, lastError *string) bool {
	transitioned, err := d.store.MarkExecuted(ctx, jobID, lastError)
	if err != nil {
		d.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to mark job executed")
		return false
	}
	if transitioned && lastError != nil {
		d.logger.Error().Str("job_id", jobID).Str("last_error", *lastError).Msg("job closed as terminal-failed")
	}
	return true
}
