package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/db"
	"github.com/unclebandit/campaign-dispatch/internal/gateway"
	"github.com/unclebandit/campaign-dispatch/internal/lock"
	"github.com/unclebandit/campaign-dispatch/internal/logging"
	"github.com/unclebandit/campaign-dispatch/internal/metrics"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Log)
	metrics.MustRegister()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("worker exited")
	}
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	sqlDB, err := db.Open(ctx, cfg.DB, log)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store := repository.NewStore(sqlDB)

	opts := queue.Options{
		MaxRetries: cfg.Dispatch.MaxRetries,
		Backoff:    service.RetryPolicyFrom(cfg.Dispatch).Backoff,
		Campaigns:  store,
		Logger:     log,
	}
	if cfg.AMQP.URL != "" {
		pub, err := queue.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.EventsQueue)
		if err != nil {
			return fmt.Errorf("connect amqp publisher: %w", err)
		}
		defer pub.Close()
		opts.Publisher = pub
	}
	campaignQueue := queue.NewCampaignQueue(repository.NewJobRepository(sqlDB), opts)

	processor := service.NewProcessor(campaignQueue, store, gateway.New(cfg.Gateway, log), service.ProcessorConfigFrom(cfg.Dispatch), nil, log)
	worker := service.NewWorker(campaignQueue, processor, log)
	if cfg.Dispatch.StaleAfter > 0 {
		worker.WithStaleRecovery(campaignQueue, cfg.Dispatch.StaleAfter)
	}

	if cfg.Redis.URL != "" {
		cli, err := lock.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer cli.Close()
		locker := lock.NewRedisLocker(cli)
		worker.WithTickLock(locker, cfg.Redis.TickLockKey, cfg.Redis.TickLockTTL).
			WithJobLock(locker, cfg.Redis.JobLockPrefix, cfg.Redis.JobLockTTL)
	}

	worker.Start(cfg.Dispatch.PollInterval)
	defer worker.Stop()

	if cfg.AMQP.URL != "" {
		consumer, err := queue.NewAMQPConsumer(cfg.AMQP.URL, cfg.AMQP.EventsQueue, log)
		if err != nil {
			return fmt.Errorf("connect amqp consumer: %w", err)
		}
		defer consumer.Close()

		go func() {
			if err := consumer.Run(ctx, kickHandler(worker)); err != nil {
				log.Error().Err(err).Msg("event consumer stopped")
			}
		}()
	}

	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !worker.Running() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics listener failed")
		}
	}()

	log.Info().
		Dur("poll_interval", cfg.Dispatch.PollInterval).
		Bool("amqp", cfg.AMQP.URL != "").
		Bool("redis_locks", cfg.Redis.URL != "").
		Msg("worker running")
	<-ctx.Done()

	log.Info().Msg("shutting down")
	worker.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// kicker is the part of the worker driven by job events.
type kicker interface {
	PollNow()
	Spawn(jobID string)
}

// kickHandler turns lifecycle events from other processes into worker
// activity: new or rescheduled jobs trigger a poll, resumed jobs are picked
// up directly since they are already running.
func kickHandler(w kicker) queue.Handler {
	return func(_ context.Context, ev queue.Event) error {
		switch ev.Type {
		case queue.EventEnqueued, queue.EventRetryScheduled:
			w.PollNow()
		case queue.EventResumed:
			w.Spawn(ev.JobID)
		}
		return nil
	}
}
