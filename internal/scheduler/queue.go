package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"webtimer/internal/broker"
	"webtimer/internal/lock"
	"webtimer/internal/models"
	"webtimer/internal/store"
)

// queueMessage is the wire format handed to the transport. Delivery
// carries enough of the record to build the due event without a store
// read; the store stays authoritative for all state transitions.
type queueMessage struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	ExecuteAt  time.Time       `json:"execute_at"`
	MaxRetries int             `json:"max_retries"`
}

// DistributedQueueScheduler bridges the polling store with the push
// transport using three mechanisms: a live insert subscription for
// records due within the near-horizon window, a periodic reconciliation
// scan as the safety net for missed subscription events, and a
// claim-then-publish hand-off whose claim is rolled back on publish
// failure so the scan can retry it.
type DistributedQueueScheduler struct {
	topic        string
	queueName    string
	store        store.JobStore
	broker       broker.MessageBroker
	locks        lock.DistributedLockManager
	horizon      time.Duration
	scanInterval time.Duration
	dispatcher   *dispatcher
	logger       zerolog.Logger

	initOnce sync.Once
	initErr  error
	runCtx   context.Context
}

type DistributedQueueConfig struct {
	Topic        string
	Store        store.JobStore
	Broker       broker.MessageBroker
	Locks        lock.DistributedLockManager
	Horizon      time.Duration
	ScanInterval time.Duration
	WorkerCount  int
}

func NewDistributedQueueScheduler(cfg DistributedQueueConfig, logger zerolog.Logger) *DistributedQueueScheduler {
	return &DistributedQueueScheduler{
		topic:        cfg.Topic,
		queueName:    QueueName(cfg.Topic),
		store:        cfg.Store,
		broker:       cfg.Broker,
		locks:        cfg.Locks,
		horizon:      cfg.Horizon,
		scanInterval: cfg.ScanInterval,
		dispatcher:   newDispatcher(cfg.Store, cfg.WorkerCount, logger),
		logger:       logger.With().Str("backend", "distributed").Logger(),
	}
}

// QueueName returns the transport queue used for a topic.
func QueueName(topic string) string {
	return "webtimer-" + topic
}

// Init starts the backend once. A failed Init is latched: later calls
// return the same error, and the backend stays unusable.
func (s *DistributedQueueScheduler) Init(ctx context.Context) error {
	s.initOnce.Do(func() {
		deliveries, err := s.broker.Consume(ctx, s.queueName)
		if err != nil {
			s.initErr = fmt.Errorf("start transport consumer: %w", err)
			return
		}

		inserts, err := s.store.SubscribeInserts(ctx, s.topic)
		if err != nil {
			s.initErr = fmt.Errorf("subscribe to job inserts: %w", err)
			return
		}

		s.runCtx = ctx
		go s.dispatcher.run(ctx)
		go s.consume(ctx, deliveries)
		go s.watchInserts(ctx, inserts)
		go s.scanLoop(ctx)
		s.logger.Info().Dur("horizon", s.horizon).Dur("scan_interval", s.scanInterval).Msg("distributed scheduler initialized")
	})
	return s.initErr
}

func (s *DistributedQueueScheduler) Add(ctx context.Context, payload []byte, opts AddOptions) (models.Job, error) {
	if s.runCtx == nil {
		return models.Job{}, ErrNotInitialized
	}

	executeAt, err := resolveOptions(opts, time.Now())
	if err != nil {
		return models.Job{}, err
	}

	// The insert subscription picks the record up when it is due soon;
	// otherwise a reconciliation scan hands it off once the execute-at
	// time enters the horizon window.
	return s.store.Create(ctx, models.Job{
		Topic:      s.topic,
		Payload:    payload,
		ExecuteAt:  executeAt,
		MaxRetries: opts.MaxRetries,
	})
}

func (s *DistributedQueueScheduler) Receive(handler Handler) {
	s.dispatcher.setHandler(handler)
}

func (s *DistributedQueueScheduler) Get(ctx context.Context, id string) (models.JobStatus, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return models.JobStatus{}, err
	}
	return statusOf(job), nil
}

// watchInserts is the live hand-off path: newly created records due
// within the horizon window go straight to the transport.
func (s *DistributedQueueScheduler) watchInserts(ctx context.Context, inserts <-chan models.Job) {
	for job := range inserts {
		if time.Until(job.ExecuteAt) >= s.horizon {
			continue
		}
		if err := s.handOff(ctx, job); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("live hand-off failed")
		}
	}
}

// scanLoop runs the reconciliation scan once at startup and then every
// scan interval. The scan is the safety net: any due-soon, unclaimed
// record missed by the subscription is handed off here. Config
// validation guarantees horizon >= scan interval, so no record can slip
// between consecutive scans.
func (s *DistributedQueueScheduler) scanLoop(ctx context.Context) {
	s.scan(ctx)

	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *DistributedQueueScheduler) scan(ctx context.Context) {
	acquired, err := s.locks.TryAcquire(lock.ScanLock)
	if err != nil {
		s.logger.Error().Err(err).Msg("reconciliation scan lock failed")
		return
	}
	if !acquired {
		// Another instance is scanning this interval.
		return
	}
	defer s.locks.Release(lock.ScanLock)

	jobs, err := s.store.UnprocessedBefore(ctx, s.topic, time.Now().Add(s.horizon))
	if err != nil {
		s.logger.Error().Err(err).Msg("reconciliation scan query failed")
		return
	}

	for _, job := range jobs {
		if err := s.handOff(ctx, job); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("scan hand-off failed")
		}
	}
}

// handOff claims the record and publishes it to the transport. The
// conditional claim makes the subscription and scan paths race-safe:
// only the winner publishes. A failed publish rolls the claim back so
// the next scan retries instead of losing the job.
func (s *DistributedQueueScheduler) handOff(ctx context.Context, job models.Job) error {
	claimed, err := s.store.MarkProcessed(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		return nil
	}

	body, err := json.Marshal(queueMessage{
		ID:         job.ID,
		Topic:      job.Topic,
		Payload:    job.Payload,
		ExecuteAt:  job.ExecuteAt,
		MaxRetries: job.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}

	if err := s.broker.Publish(s.queueName, body); err != nil {
		if unmarkErr := s.store.UnmarkProcessed(ctx, job.ID); unmarkErr != nil {
			s.logger.Error().Err(unmarkErr).Str("job_id", job.ID).Msg("failed to roll back hand-off claim")
		}
		return fmt.Errorf("publish job: %w", err)
	}

	return nil
}

// consume turns transport deliveries into due events. A message may
// arrive before its execute-at time; the remaining delay is waited out
// on a timer so the job never fires early. Each delivery is acked only
// after the dispatcher settles the record, so a shutdown mid-wait
// leaves the message on the queue for redelivery.
func (s *DistributedQueueScheduler) consume(ctx context.Context, deliveries <-chan broker.Delivery) {
	for delivery := range deliveries {
		var msg queueMessage
		if err := json.Unmarshal(delivery.Body, &msg); err != nil {
			s.logger.Error().Err(err).Msg("bad transport message")
			// Unparseable messages would redeliver forever; drop them.
			if ackErr := delivery.Ack(); ackErr != nil {
				s.logger.Error().Err(ackErr).Msg("failed to ack bad transport message")
			}
			continue
		}

		go s.waitAndFire(ctx, msg, delivery)
	}
}

func (s *DistributedQueueScheduler) waitAndFire(ctx context.Context, msg queueMessage, delivery broker.Delivery) {
	if delay := time.Until(msg.ExecuteAt); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			// Deliberately not acked: the transport redelivers the
			// message after reconnect, so the job is not lost.
			return
		case <-timer.C:
		}
	}

	s.dispatcher.fire(ctx, models.Job{
		ID:         msg.ID,
		Topic:      msg.Topic,
		Payload:    msg.Payload,
		ExecuteAt:  msg.ExecuteAt,
		MaxRetries: msg.MaxRetries,
	}, func() {
		if err := delivery.Ack(); err != nil {
			s.logger.Error().Err(err).Str("job_id", msg.ID).Msg("failed to ack delivery")
		}
	})
}
