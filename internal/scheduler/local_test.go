package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webtimer/internal/models"
)

const testTopic = "api-sender"

func newTestLocalScheduler(t *testing.T, jobStore *mockJobStore) (*LocalTimerScheduler, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := NewLocalTimerScheduler(testTopic, jobStore, 4, zerolog.Nop())
	return s, ctx
}

func delayOpts(delay time.Duration, maxRetries int) AddOptions {
	return AddOptions{Delay: &delay, MaxRetries: maxRetries}
}

func TestLocalScheduler_AddResolvesDelay(t *testing.T) {
	jobStore := newMockJobStore()
	s, ctx := newTestLocalScheduler(t, jobStore)
	require.NoError(t, s.Init(ctx))

	before := time.Now()
	job, err := s.Add(ctx, []byte(`{"url":"http://example.com"}`), delayOpts(time.Hour, 2))
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, 0, job.Retries)
	assert.Equal(t, 2, job.MaxRetries)
	assert.WithinDuration(t, before.Add(time.Hour), job.ExecuteAt, time.Second)
	assert.Equal(t, testTopic, job.Topic)
}

func TestLocalScheduler_AddRejectsInvalidOptions(t *testing.T) {
	jobStore := newMockJobStore()
	s, ctx := newTestLocalScheduler(t, jobStore)
	require.NoError(t, s.Init(ctx))

	executeAt := time.Now().Add(time.Minute)
	delay := time.Minute

	_, err := s.Add(ctx, nil, AddOptions{})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = s.Add(ctx, nil, AddOptions{ExecuteAt: &executeAt, Delay: &delay})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = s.Add(ctx, nil, AddOptions{Delay: &delay, MaxRetries: -1})
	assert.ErrorIs(t, err, ErrInvalidMaxRetries)

	// Nothing was persisted.
	pending, _ := jobStore.Pending(ctx, testTopic)
	assert.Empty(t, pending)
}

func TestLocalScheduler_AddBeforeInit(t *testing.T) {
	s := NewLocalTimerScheduler(testTopic, newMockJobStore(), 4, zerolog.Nop())

	_, err := s.Add(context.Background(), nil, delayOpts(time.Second, 0))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestLocalScheduler_SuccessfulJobExecutesOnce(t *testing.T) {
	jobStore := newMockJobStore()
	s, ctx := newTestLocalScheduler(t, jobStore)

	var invocations atomic.Int32
	s.Receive(func(_ context.Context, _ models.JobView) error {
		invocations.Add(1)
		return nil
	})
	require.NoError(t, s.Init(ctx))

	job, err := s.Add(ctx, []byte(`{}`), delayOpts(10*time.Millisecond, 3))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return jobStore.snapshot(job.ID).IsExecuted
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), invocations.Load())
	final := jobStore.snapshot(job.ID)
	assert.Equal(t, 0, final.Retries)
	assert.Nil(t, final.LastError)
}

func TestLocalScheduler_RetriesThenSucceeds(t *testing.T) {
	jobStore := newMockJobStore()
	s, ctx := newTestLocalScheduler(t, jobStore)

	const failures = 2
	var invocations atomic.Int32
	s.Receive(func(_ context.Context, _ models.JobView) error {
		if invocations.Add(1) <= failures {
			return errHandlerBoom
		}
		return nil
	})
	require.NoError(t, s.Init(ctx))

	job, err := s.Add(ctx, []byte(`{}`), delayOpts(10*time.Millisecond, 5))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return jobStore.snapshot(job.ID).IsExecuted
	}, 2*time.Second, 10*time.Millisecond)

	final := jobStore.snapshot(job.ID)
	assert.Equal(t, failures, final.Retries)
	assert.Nil(t, final.LastError)
	assert.Equal(t, int32(failures+1), invocations.Load())
}

func TestLocalScheduler_ExhaustedRetriesCloseJob(t *testing.T) {
	jobStore := newMockJobStore()
	s, ctx := newTestLocalScheduler(t, jobStore)

	const maxRetries = 3
	var invocations atomic.Int32
	s.Receive(func(_ context.Context, _ models.JobView) error {
		invocations.Add(1)
		return errHandlerBoom
	})
	require.NoError(t, s.Init(ctx))

	job, err := s.Add(ctx, []byte(`{}`), delayOpts(10*time.Millisecond, maxRetries))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return jobStore.snapshot(job.ID).IsExecuted
	}, 2*time.Second, 10*time.Millisecond)

	final := jobStore.snapshot(job.ID)
	assert.Equal(t, maxRetries, final.Retries)
	assert.True(t, final.IsExecuted)
	require.NotNil(t, final.LastError)
	assert.Contains(t, *final.LastError, "boom")
	assert.Equal(t, int32(maxRetries+1), invocations.Load())
}

func TestLocalScheduler_HandlerPanicCountsAsFailure(t *testing.T) {
	jobStore := newMockJobStore()
	s, ctx := newTestLocalScheduler(t, jobStore)

	s.Receive(func(_ context.Context, _ models.JobView) error {
		panic("kaboom")
	})
	require.NoError(t, s.Init(ctx))

	job, err := s.Add(ctx, []byte(`{}`), delayOpts(10*time.Millisecond, 0))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return jobStore.snapshot(job.ID).IsExecuted
	}, 2*time.Second, 10*time.Millisecond)

	final := jobStore.snapshot(job.ID)
	require.NotNil(t, final.LastError)
	assert.Contains(t, *final.LastError, "kaboom")
}

func TestLocalScheduler_InitCatchesUpOverdueJobs(t *testing.T) {
	jobStore := newMockJobStore()

	// State left behind by a previous process: the timer was lost, the
	// record was not.
	overdue := jobStore.insert(models.Job{
		Topic:     testTopic,
		Payload:   json.RawMessage(`{}`),
		ExecuteAt: time.Now().Add(-time.Hour),
	})

	s, ctx := newTestLocalScheduler(t, jobStore)

	fired := make(chan string, 1)
	s.Receive(func(_ context.Context, job models.JobView) error {
		fired <- job.ID
		return nil
	})
	require.NoError(t, s.Init(ctx))

	select {
	case id := <-fired:
		assert.Equal(t, overdue.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("overdue job was not caught up after init")
	}

	require.Eventually(t, func() bool {
		return jobStore.snapshot(overdue.ID).IsExecuted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLocalScheduler_InitIsIdempotent(t *testing.T) {
	jobStore := newMockJobStore()
	jobStore.insert(models.Job{
		Topic:     testTopic,
		Payload:   json.RawMessage(`{}`),
		ExecuteAt: time.Now().Add(-time.Minute),
	})

	s, ctx := newTestLocalScheduler(t, jobStore)

	var invocations atomic.Int32
	s.Receive(func(_ context.Context, _ models.JobView) error {
		invocations.Add(1)
		return nil
	})

	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Init(ctx))

	// A second Init must not rearm the record and double-fire it.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), invocations.Load())
}

func TestLocalScheduler_InitFailureIsLatched(t *testing.T) {
	jobStore := newMockJobStore()
	jobStore.failPending(errors.New("store down"))

	s, ctx := newTestLocalScheduler(t, jobStore)

	err := s.Init(ctx)
	require.ErrorContains(t, err, "scan pending jobs")

	// The backend stays unusable; a retried Init reports the same error.
	_, addErr := s.Add(ctx, nil, delayOpts(time.Second, 0))
	assert.ErrorIs(t, addErr, ErrNotInitialized)
	assert.Equal(t, err, s.Init(ctx))
}

func TestLocalScheduler_Get(t *testing.T) {
	jobStore := newMockJobStore()
	s, ctx := newTestLocalScheduler(t, jobStore)
	require.NoError(t, s.Init(ctx))

	job, err := s.Add(ctx, []byte(`{"url":"http://example.com"}`), delayOpts(time.Hour, 0))
	require.NoError(t, err)

	status, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, status.ID)
	assert.False(t, status.IsExecuted)
	assert.Equal(t, job.ExecuteAt, status.ExecuteAt)
}

func TestLocalScheduler_ReceiveReplacesHandler(t *testing.T) {
	jobStore := newMockJobStore()
	s, ctx := newTestLocalScheduler(t, jobStore)

	var first, second atomic.Int32
	s.Receive(func(_ context.Context, _ models.JobView) error {
		first.Add(1)
		return nil
	})
	s.Receive(func(_ context.Context, _ models.JobView) error {
		second.Add(1)
		return nil
	})
	require.NoError(t, s.Init(ctx))

	job, err := s.Add(ctx, []byte(`{}`), delayOpts(10*time.Millisecond, 0))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return jobStore.snapshot(job.ID).IsExecuted
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
}
