package lock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// PostgresDistributedLockManager takes session-scoped advisory locks on
// a dedicated connection checked out of the pool. Running the acquire
// and release on the same session matters: pg_advisory_unlock on any
// other pooled connection returns false with only a warning, leaving
// the lock held by an idle connection forever.
type PostgresDistributedLockManager struct {
	db *sql.DB

	mu   sync.Mutex
	held map[int]*sql.Conn
}

func NewPostgresDistributedLockManager(db *sql.DB) *PostgresDistributedLockManager {
	return &PostgresDistributedLockManager{
		db:   db,
		held: make(map[int]*sql.Conn),
	}
}

func (l *PostgresDistributedLockManager) Acquire(lockID int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l.mu.Lock()
	_, exists := l.held[lockID]
	l.mu.Unlock()
	if exists {
		return fmt.Errorf("lock %d is already held", lockID)
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire lock %d: %w", lockID, err)
	}

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		conn.Close()
		return fmt.Errorf("failed to acquire lock %d: %w", lockID, err)
	}

	l.remember(lockID, conn)
	return nil
}

func (l *PostgresDistributedLockManager) TryAcquire(lockID int) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l.mu.Lock()
	_, exists := l.held[lockID]
	l.mu.Unlock()
	if exists {
		return false, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to try lock %d: %w", lockID, err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("failed to try lock %d: %w", lockID, err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	l.remember(lockID, conn)
	return true, nil
}

func (l *PostgresDistributedLockManager) Release(lockID int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l.mu.Lock()
	conn, ok := l.held[lockID]
	delete(l.held, lockID)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("failed to release lock %d: not held", lockID)
	}
	defer conn.Close()

	var released bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", lockID).Scan(&released); err != nil {
		return fmt.Errorf("failed to release lock %d: %w", lockID, err)
	}
	if !released {
		return fmt.Errorf("failed to release lock %d: not held by this session", lockID)
	}
	return nil
}

func (l *PostgresDistributedLockManager) remember(lockID int, conn *sql.Conn) {
	l.mu.Lock()
	l.held[lockID] = conn
	l.mu.Unlock()
}
