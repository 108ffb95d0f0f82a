// Package janitor purges executed job records past their retention
// period on a cron schedule. Pending records are never touched.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"webtimer/internal/store"
)

type Janitor struct {
	store     store.JobStore
	topic     string
	retention time.Duration
	logger    zerolog.Logger
	cron      *cron.Cron
}

func New(jobStore store.JobStore, topic string, retention time.Duration, logger zerolog.Logger) *Janitor {
	return &Janitor{
		store:     jobStore,
		topic:     topic,
		retention: retention,
		logger:    logger,
	}
}

// Start schedules the purge according to the cron expression and runs
// until Stop is called.
func (j *Janitor) Start(ctx context.Context, schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		j.purge(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}

	c.Start()
	j.cron = c
	j.logger.Info().Str("schedule", schedule).Dur("retention", j.retention).Msg("janitor started")
	return nil
}

func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

func (j *Janitor) purge(ctx context.Context) {
	cutoff := time.Now().Add(-j.retention)
	removed, err := j.store.PurgeExecutedBefore(ctx, j.topic, cutoff)
	if err != nil {
		j.logger.Error().Err(err).Msg("janitor purge failed")
		return
	}
	if removed > 0 {
		j.logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("purged executed jobs")
	}
}
