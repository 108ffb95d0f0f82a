package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"webtimer/internal/models"
	"webtimer/internal/store"
)

// NotifyChannel is the LISTEN/NOTIFY channel the insert trigger publishes to.
const NotifyChannel = "webtimer_job_inserts"

const jobColumns = `id, topic, payload, execute_at, retries, max_retries,
       is_processed, is_executed, last_error, created_at, updated_at`

type JobStore struct {
	db      *sql.DB
	connURL string
	logger  zerolog.Logger
}

func NewJobStore(db *sql.DB, connURL string, logger zerolog.Logger) *JobStore {
	return &JobStore{
		db:      db,
		connURL: connURL,
		logger:  logger,
	}
}

func (s *JobStore) Create(ctx context.Context, job models.Job) (models.Job, error) {
	query := `
		INSERT INTO webtimer_schema.jobs (topic, payload, execute_at, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		RETURNING ` + jobColumns

	row := s.db.QueryRowContext(ctx, query, job.Topic, job.Payload, job.ExecuteAt, job.MaxRetries)
	created, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	return created, nil
}

func (s *JobStore) Get(ctx context.Context, id string) (models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM webtimer_schema.jobs WHERE id = $1`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, store.ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (s *JobStore) IncRetries(ctx context.Context, id string) (int, bool, error) {
	query := `
		UPDATE webtimer_schema.jobs
		SET retries = retries + 1,
		    updated_at = now()
		WHERE id = $1 AND retries < max_retries AND NOT is_executed
		RETURNING retries
	`

	var retries int
	err := s.db.QueryRowContext(ctx, query, id).Scan(&retries)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("increment retries for job %s: %w", id, err)
	}
	return retries, true, nil
}

func (s *JobStore) MarkExecuted(ctx context.Context, id string, lastError *string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webtimer_schema.jobs
		SET is_executed = TRUE,
		    is_processed = TRUE,
		    last_error = $2,
		    updated_at = now()
		WHERE id = $1 AND NOT is_executed
	`, id, lastError)
	if err != nil {
		return false, fmt.Errorf("mark job %s executed: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *JobStore) MarkProcessed(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webtimer_schema.jobs
		SET is_processed = TRUE,
		    updated_at = now()
		WHERE id = $1 AND NOT is_processed AND NOT is_executed
	`, id)
	if err != nil {
		return false, fmt.Errorf("mark job %s processed: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *JobStore) UnmarkProcessed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webtimer_schema.jobs
		SET is_processed = FALSE,
		    updated_at = now()
		WHERE id = $1 AND NOT is_executed
	`, id)
	if err != nil {
		return fmt.Errorf("unmark job %s processed: %w", id, err)
	}
	return nil
}

func (s *JobStore) Pending(ctx context.Context, topic string) ([]models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM webtimer_schema.jobs
		WHERE topic = $1 AND NOT is_executed
		ORDER BY execute_at ASC
	`
	return s.queryJobs(ctx, query, topic)
}

func (s *JobStore) UnprocessedBefore(ctx context.Context, topic string, threshold time.Time) ([]models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM webtimer_schema.jobs
		WHERE topic = $1 AND NOT is_processed AND NOT is_executed AND execute_at < $2
		ORDER BY execute_at ASC
	`
	return s.queryJobs(ctx, query, topic, threshold)
}

func (s *JobStore) PurgeExecutedBefore(ctx context.Context, topic string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM webtimer_schema.jobs
		WHERE topic = $1 AND is_executed AND updated_at < $2
	`, topic, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge executed jobs: %w", err)
	}
	return res.RowsAffected()
}

// SubscribeInserts listens on the insert trigger's NOTIFY channel and
// delivers new records for the topic until ctx is cancelled. The
// notification carries only the row id (NOTIFY payloads are size-capped);
// the record itself is fetched by id. The returned channel is closed on
// cancellation.
func (s *JobStore) SubscribeInserts(ctx context.Context, topic string) (<-chan models.Job, error) {
	listener := pq.NewListener(s.connURL, 2*time.Second, time.Minute, func(event pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Warn().Err(err).Msg("job insert listener event")
		}
	})

	if err := listener.Listen(NotifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen on %s: %w", NotifyChannel, err)
	}

	out := make(chan models.Job, 64)

	go func() {
		defer close(out)
		defer listener.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case n, open := <-listener.Notify:
				if !open {
					return
				}
				if n == nil {
					// Reconnect marker; the reconciliation scan
					// covers anything missed while disconnected.
					continue
				}
				job, ok := s.resolveNotification(ctx, n.Extra)
				if !ok || job.Topic != topic {
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

func (s *JobStore) Close() error {
	return s.db.Close()
}

func (s *JobStore) queryJobs(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	err := row.Scan(
		&job.ID,
		&job.Topic,
		&job.Payload,
		&job.ExecuteAt,
		&job.Retries,
		&job.MaxRetries,
		&job.IsProcessed,
		&job.IsExecuted,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	return job, err
}

// resolveNotification loads the row named by an insert notification. A
// missing row (already purged) is skipped; the reconciliation scan
// covers rows lost to transient query errors.
func (s *JobStore) resolveNotification(ctx context.Context, id string) (models.Job, bool) {
	job, err := s.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Job{}, false
	}
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", id).Msg("failed to load notified job")
		return models.Job{}, false
	}
	return job, true
}
