package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"webtimer/internal/broker"
	"webtimer/internal/models"
	"webtimer/internal/store"
)

// mockJobStore is an in-memory JobStore with the same conditional-update
// semantics as the Postgres implementation.
type mockJobStore struct {
	mu          sync.Mutex
	jobs        map[string]*models.Job
	seq         int
	subscribers []chan models.Job

	// executedTransitions counts how many MarkExecuted calls actually
	// performed the terminal transition, per job id.
	executedTransitions map[string]int

	pendingErr   error
	subscribeErr error
}

func newMockJobStore() *mockJobStore {
	return &mockJobStore{
		jobs:                make(map[string]*models.Job),
		executedTransitions: make(map[string]int),
	}
}

func (m *mockJobStore) Create(_ context.Context, job models.Job) (models.Job, error) {
	m.mu.Lock()
	m.seq++
	job.ID = fmt.Sprintf("job-%d", m.seq)
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	stored := job
	m.jobs[job.ID] = &stored
	subscribers := append([]chan models.Job(nil), m.subscribers...)
	m.mu.Unlock()

	for _, ch := range subscribers {
		ch <- job
	}
	return job, nil
}

func (m *mockJobStore) Get(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return *job, nil
}

func (m *mockJobStore) IncRetries(_ context.Context, id string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.IsExecuted || job.Retries >= job.MaxRetries {
		return 0, false, nil
	}
	job.Retries++
	job.UpdatedAt = time.Now()
	return job.Retries, true, nil
}

func (m *mockJobStore) MarkExecuted(_ context.Context, id string, lastError *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.IsExecuted {
		return false, nil
	}
	job.IsExecuted = true
	job.IsProcessed = true
	job.LastError = lastError
	job.UpdatedAt = time.Now()
	m.executedTransitions[id]++
	return true, nil
}

func (m *mockJobStore) MarkProcessed(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.IsProcessed || job.IsExecuted {
		return false, nil
	}
	job.IsProcessed = true
	job.UpdatedAt = time.Now()
	return true, nil
}

func (m *mockJobStore) UnmarkProcessed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok && !job.IsExecuted {
		job.IsProcessed = false
		job.UpdatedAt = time.Now()
	}
	return nil
}

func (m *mockJobStore) Pending(_ context.Context, topic string) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingErr != nil {
		return nil, m.pendingErr
	}
	var jobs []models.Job
	for _, job := range m.jobs {
		if job.Topic == topic && !job.IsExecuted {
			jobs = append(jobs, *job)
		}
	}
	return jobs, nil
}

func (m *mockJobStore) UnprocessedBefore(_ context.Context, topic string, threshold time.Time) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []models.Job
	for _, job := range m.jobs {
		if job.Topic == topic && !job.IsProcessed && !job.IsExecuted && job.ExecuteAt.Before(threshold) {
			jobs = append(jobs, *job)
		}
	}
	return jobs, nil
}

func (m *mockJobStore) SubscribeInserts(ctx context.Context, topic string) (<-chan models.Job, error) {
	ch := make(chan models.Job, 64)
	m.mu.Lock()
	if m.subscribeErr != nil {
		m.mu.Unlock()
		return nil, m.subscribeErr
	}
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()

	out := make(chan models.Job, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-ch:
				if job.Topic != topic {
					continue
				}
				select {
				case out <- job:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *mockJobStore) PurgeExecutedBefore(_ context.Context, topic string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, job := range m.jobs {
		if job.Topic == topic && job.IsExecuted && job.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func (m *mockJobStore) Close() error { return nil }

// insert seeds a record directly, bypassing Create, to simulate state
// left behind by a previous process.
func (m *mockJobStore) insert(job models.Job) models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%d", m.seq)
	}
	stored := job
	m.jobs[job.ID] = &stored
	return job
}

func (m *mockJobStore) snapshot(id string) models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		return *job
	}
	return models.Job{}
}

func (m *mockJobStore) failPending(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingErr = err
}

func (m *mockJobStore) failSubscribe(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

func (m *mockJobStore) terminalTransitions(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executedTransitions[id]
}

// mockBroker is a channel-backed MessageBroker with manual-ack
// semantics: every delivery carries an Ack recorded per broker.
type mockBroker struct {
	mu         sync.Mutex
	published  [][]byte
	deliveries chan broker.Delivery
	acked      int
	publishErr error
}

func newMockBroker() *mockBroker {
	return &mockBroker{deliveries: make(chan broker.Delivery, 64)}
}

func (b *mockBroker) Publish(_ string, message []byte) error {
	b.mu.Lock()
	if b.publishErr != nil {
		b.mu.Unlock()
		return b.publishErr
	}
	b.published = append(b.published, message)
	b.mu.Unlock()

	b.deliver(message)
	return nil
}

func (b *mockBroker) Consume(_ context.Context, _ string) (<-chan broker.Delivery, error) {
	return b.deliveries, nil
}

func (b *mockBroker) Close() error { return nil }

func (b *mockBroker) deliver(message []byte) {
	b.deliveries <- broker.Delivery{
		Body: message,
		Ack: func() error {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.acked++
			return nil
		},
	}
}

// redeliver feeds a message back to the consumer, the way the transport
// redelivers an unacked delivery after its consumer disconnects.
func (b *mockBroker) redeliver(message []byte) {
	b.deliver(message)
}

func (b *mockBroker) failPublishes(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

func (b *mockBroker) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func (b *mockBroker) lastPublished() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[len(b.published)-1]
}

func (b *mockBroker) ackedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// mockLockManager always grants locks; it records acquisitions so tests
// can assert the scan path takes the lock.
type mockLockManager struct {
	mu       sync.Mutex
	acquired []int
}

func (l *mockLockManager) Acquire(lockID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired = append(l.acquired, lockID)
	return nil
}

func (l *mockLockManager) TryAcquire(lockID int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired = append(l.acquired, lockID)
	return true, nil
}

func (l *mockLockManager) Release(int) error { return nil }

var errHandlerBoom = errors.New("handler boom")
