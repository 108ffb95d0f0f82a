package lock

// Advisory lock ids used by webtimer. Session-scoped Postgres advisory
// locks keyed by these ids serialize work across instances.
const (
	MigrationLock = 745001
	ScanLock      = 745002
)

type DistributedLockManager interface {
	Acquire(lockID int) error
	// TryAcquire returns false without blocking when another session
	// holds the lock.
	TryAcquire(lockID int) (bool, error)
	Release(lockID int) error
}
