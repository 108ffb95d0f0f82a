package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"webtimer/internal/broker"
	"webtimer/internal/config"
	"webtimer/internal/db"
	"webtimer/internal/janitor"
	"webtimer/internal/lock"
	"webtimer/internal/logging"
	"webtimer/internal/scheduler"
	"webtimer/internal/store/postgres"
	"webtimer/internal/web"
	"webtimer/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("info", "console")
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(cfg.Postgres.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}

	locks := lock.NewPostgresDistributedLockManager(conn)
	if err := db.Init(conn, locks, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	jobStore := postgres.NewJobStore(conn, cfg.Postgres.URL, logger)
	defer jobStore.Close()

	var messageBroker broker.MessageBroker
	if cfg.Scheduler.Backend == string(scheduler.BackendDistributed) {
		rabbit, err := broker.NewRabbitMQ(cfg.RabbitMQ.URL, scheduler.QueueName(cfg.Scheduler.Topic))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to rabbitmq")
		}
		defer rabbit.Close()
		messageBroker = rabbit
	}

	sched, err := scheduler.New(scheduler.Options{
		Backend:      scheduler.Backend(cfg.Scheduler.Backend),
		Topic:        cfg.Scheduler.Topic,
		WorkerCount:  cfg.Scheduler.WorkerCount,
		Store:        jobStore,
		Broker:       messageBroker,
		Locks:        locks,
		Horizon:      cfg.Scheduler.Horizon,
		ScanInterval: cfg.Scheduler.ScanInterval,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build scheduler")
	}

	sender := webhook.NewSender(cfg.Webhook.Timeout, logger)
	sched.Receive(sender.Handler())

	if err := sched.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize scheduler")
	}
	logger.Info().Str("backend", cfg.Scheduler.Backend).Str("topic", cfg.Scheduler.Topic).Msg("scheduler started")

	if cfg.Janitor.Enabled {
		j := janitor.New(jobStore, cfg.Scheduler.Topic, cfg.Janitor.Retention, logger)
		if err := j.Start(ctx, cfg.Janitor.Schedule); err != nil {
			logger.Fatal().Err(err).Msg("failed to start janitor")
		}
		defer j.Stop()
	}

	routes := web.NewRouteHandler(sched, logger).Routes()
	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: routes,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}

	logger.Info().Msg("shutdown complete")
}
