package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"webtimer/internal/models"
	"webtimer/internal/store"
)

// LocalTimerScheduler is the single-process backend: every persisted job
// gets one in-memory timer. Timers are lost on crash; Init rebuilds them
// from the store, so a job may fire late after a restart but is never
// lost.
type LocalTimerScheduler struct {
	topic      string
	store      store.JobStore
	dispatcher *dispatcher
	logger     zerolog.Logger

	initOnce sync.Once
	initErr  error
	runCtx   context.Context
}

func NewLocalTimerScheduler(topic string, jobStore store.JobStore, workerCount int, logger zerolog.Logger) *LocalTimerScheduler {
	return &LocalTimerScheduler{
		topic:      topic,
		store:      jobStore,
		dispatcher: newDispatcher(jobStore, workerCount, logger),
		logger:     logger.With().Str("backend", "local").Logger(),
	}
}

// Init arms a timer for every non-terminal job in the topic. Jobs whose
// execute-at already passed fire immediately (catch-up after restart).
// A failed Init is latched: later calls return the same error, and the
// backend stays unusable.
func (s *LocalTimerScheduler) Init(ctx context.Context) error {
	s.initOnce.Do(func() {
		pending, err := s.store.Pending(ctx, s.topic)
		if err != nil {
			s.initErr = fmt.Errorf("scan pending jobs: %w", err)
			return
		}

		s.runCtx = ctx
		go s.dispatcher.run(ctx)

		for _, job := range pending {
			s.arm(job)
		}
		s.logger.Info().Int("rearmed", len(pending)).Msg("local scheduler initialized")
	})
	return s.initErr
}

func (s *LocalTimerScheduler) Add(ctx context.Context, payload []byte, opts AddOptions) (models.Job, error) {
	if s.runCtx == nil {
		return models.Job{}, ErrNotInitialized
	}

	executeAt, err := resolveOptions(opts, time.Now())
	if err != nil {
		return models.Job{}, err
	}

	created, err := s.store.Create(ctx, models.Job{
		Topic:      s.topic,
		Payload:    payload,
		ExecuteAt:  executeAt,
		MaxRetries: opts.MaxRetries,
	})
	if err != nil {
		return models.Job{}, err
	}

	s.arm(created)
	return created, nil
}

func (s *LocalTimerScheduler) Receive(handler Handler) {
	s.dispatcher.setHandler(handler)
}

func (s *LocalTimerScheduler) Get(ctx context.Context, id string) (models.JobStatus, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return models.JobStatus{}, err
	}
	return statusOf(job), nil
}

// arm spawns a timer goroutine firing at max(executeAt, now). Timers are
// advisory; the store record stays authoritative, and duplicate firing
// (a job both caught up and already armed) is absorbed by the
// dispatcher's conditional updates.
func (s *LocalTimerScheduler) arm(job models.Job) {
	delay := time.Until(job.ExecuteAt)
	if delay < 0 {
		delay = 0
	}

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-s.runCtx.Done():
			return
		case <-timer.C:
			s.dispatcher.fire(s.runCtx, job, nil)
		}
	}()
}
