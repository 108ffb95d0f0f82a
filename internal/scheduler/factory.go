package scheduler

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"webtimer/internal/broker"
	"webtimer/internal/lock"
	"webtimer/internal/store"
)

// Backend selects the scheduling strategy at process start.
type Backend string

const (
	BackendLocal       Backend = "local"
	BackendDistributed Backend = "distributed"
)

// Options carries the dependencies for the backend factory. Broker and
// Locks are required only for the distributed backend.
type Options struct {
	Backend      Backend
	Topic        string
	WorkerCount  int
	Store        store.JobStore
	Broker       broker.MessageBroker
	Locks        lock.DistributedLockManager
	Horizon      time.Duration
	ScanInterval time.Duration
}

// New constructs the configured scheduling backend. Shared dispatch
// logic never branches on backend identity; the choice is made once
// here.
func New(opts Options, logger zerolog.Logger) (Scheduler, error) {
	switch opts.Backend {
	case BackendLocal:
		return NewLocalTimerScheduler(opts.Topic, opts.Store, opts.WorkerCount, logger), nil
	case BackendDistributed:
		if opts.Broker == nil {
			return nil, fmt.Errorf("distributed backend requires a message broker")
		}
		if opts.Locks == nil {
			return nil, fmt.Errorf("distributed backend requires a distributed lock manager")
		}
		return NewDistributedQueueScheduler(DistributedQueueConfig{
			Topic:        opts.Topic,
			Store:        opts.Store,
			Broker:       opts.Broker,
			Locks:        opts.Locks,
			Horizon:      opts.Horizon,
			ScanInterval: opts.ScanInterval,
			WorkerCount:  opts.WorkerCount,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown scheduler backend %q", opts.Backend)
	}
}
