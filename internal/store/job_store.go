package store

import (
	"context"
	"errors"
	"time"

	"webtimer/internal/models"
)

// ErrNotFound is returned when a job id is unknown to the store.
var ErrNotFound = errors.New("job not found")

// JobStore defines the persistence operations the scheduling engine needs.
//
// All state mutations are conditional updates keyed by job id, so duplicate
// firing paths (a timer armed twice, subscription and reconciliation scan
// racing on the same record) stay idempotent at the state level. An update
// must be visible to subsequent Get/query calls from the same process.
type JobStore interface {
	// Create persists a new job and returns it with the store-assigned
	// id and timestamps filled in.
	Create(ctx context.Context, job models.Job) (models.Job, error)

	// Get returns the job by id, or ErrNotFound.
	Get(ctx context.Context, id string) (models.Job, error)

	// IncRetries atomically increments the retry counter while it is
	// below max_retries. It returns the new counter value and whether
	// the increment was applied; ok == false means the retry budget is
	// exhausted (or the record already reached a terminal state).
	IncRetries(ctx context.Context, id string) (retries int, ok bool, err error)

	// MarkExecuted closes the record (terminal state, monotonic). A
	// non-nil lastError records a terminal failure. Returns whether
	// this call performed the transition.
	MarkExecuted(ctx context.Context, id string, lastError *string) (bool, error)

	// MarkProcessed claims the record for transport hand-off. Returns
	// false when another path already claimed it.
	MarkProcessed(ctx context.Context, id string) (bool, error)

	// UnmarkProcessed rolls back a hand-off claim whose publish failed,
	// so a later reconciliation scan can retry it.
	UnmarkProcessed(ctx context.Context, id string) error

	// Pending returns all non-terminal jobs in the topic.
	Pending(ctx context.Context, topic string) ([]models.Job, error)

	// UnprocessedBefore returns unclaimed, non-terminal jobs due before
	// the threshold.
	UnprocessedBefore(ctx context.Context, topic string, threshold time.Time) ([]models.Job, error)

	// SubscribeInserts delivers newly created jobs in the topic until
	// ctx is cancelled.
	SubscribeInserts(ctx context.Context, topic string) (<-chan models.Job, error)

	// PurgeExecutedBefore deletes terminal jobs updated before the
	// cutoff and returns how many were removed.
	PurgeExecutedBefore(ctx context.Context, topic string, cutoff time.Time) (int64, error)

	Close() error
}
