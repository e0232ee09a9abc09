// cmd/server/main.go
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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/controller"
	"github.com/unclebandit/campaign-dispatch/internal/db"
	"github.com/unclebandit/campaign-dispatch/internal/gateway"
	"github.com/unclebandit/campaign-dispatch/internal/handler"
	"github.com/unclebandit/campaign-dispatch/internal/lock"
	"github.com/unclebandit/campaign-dispatch/internal/logging"
	"github.com/unclebandit/campaign-dispatch/internal/metrics"
	"github.com/unclebandit/campaign-dispatch/internal/model"
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
	if !cfg.DotEnvLoaded {
		log.Info().Msg("no .env file found, relying on OS environment variables")
	}
	metrics.MustRegister()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	sqlDB, err := db.Open(ctx, cfg.DB, log)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store := repository.NewStore(sqlDB)
	jobs := repository.NewJobRepository(sqlDB)

	bus := queue.NewInMemoryBus(log)
	publishers := queue.Publishers{bus}
	if cfg.AMQP.URL != "" {
		pub, err := queue.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.EventsQueue)
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		defer pub.Close()
		publishers = append(publishers, pub)
		log.Info().Str("queue", cfg.AMQP.EventsQueue).Msg("publishing job events to amqp")
	}

	retry := service.RetryPolicyFrom(cfg.Dispatch)
	campaignQueue := queue.NewCampaignQueue(jobs, queue.Options{
		MaxRetries: cfg.Dispatch.MaxRetries,
		Backoff:    retry.Backoff,
		Publisher:  publishers,
		Campaigns:  store,
		Logger:     log,
	})

	var worker *service.Worker
	if cfg.Worker.Embedded {
		var closeLock func()
		worker, closeLock, err = newWorker(ctx, cfg, log, campaignQueue, store)
		if err != nil {
			return err
		}
		defer closeLock()

		campaignQueue.OnResume(func(j *model.Job) { worker.Spawn(j.ID) })
		kick := func(context.Context, queue.Event) error {
			worker.PollNow()
			return nil
		}
		bus.Subscribe(queue.EventEnqueued, kick)
		bus.Subscribe(queue.EventRetryScheduled, kick)

		worker.Start(cfg.Dispatch.PollInterval)
		defer worker.Stop()
	}

	campaignService := service.NewCampaignService(store, campaignQueue)
	campaignController := controller.NewCampaignController(campaignService, log)
	campaignHandler := handler.NewCampaignHandler(campaignService, log)
	jobHandler := handler.NewJobHandler(campaignQueue, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/campaigns/{id}/send", campaignController.SendCampaign)
	r.Post("/campaigns/{id}/personalized-preview", campaignController.PersonalizedPreview)
	r.Get("/campaigns/{id}", campaignHandler.GetCampaignHandlerWithStats)
	jobHandler.Routes(r)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := sqlDB.PingContext(r.Context()); err != nil {
			handler.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "db unavailable"})
			return
		}
		handler.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Bool("embedded_worker", cfg.Worker.Embedded).Msg("server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	if worker != nil {
		worker.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	bus.Wait()
	return nil
}

// newWorker builds the queue worker with its processor and, when Redis is
// configured, the distributed tick lock. The returned func releases the lock client.
func newWorker(ctx context.Context, cfg config.Config, log zerolog.Logger, q *queue.CampaignQueue, store *repository.Store) (*service.Worker, func(), error) {
	processor := service.NewProcessor(q, store, gateway.New(cfg.Gateway, log), service.ProcessorConfigFrom(cfg.Dispatch), nil, log)
	worker := service.NewWorker(q, processor, log)
	if cfg.Dispatch.StaleAfter > 0 {
		worker.WithStaleRecovery(q, cfg.Dispatch.StaleAfter)
	}

	if cfg.Redis.URL == "" {
		return worker, func() {}, nil
	}
	cli, err := lock.NewClient(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	locker := lock.NewRedisLocker(cli)
	worker.WithTickLock(locker, cfg.Redis.TickLockKey, cfg.Redis.TickLockTTL).
		WithJobLock(locker, cfg.Redis.JobLockPrefix, cfg.Redis.JobLockTTL)
	log.Info().Str("key", cfg.Redis.TickLockKey).Msg("worker tick lock enabled")
	return worker, func() { _ = cli.Close() }, nil
}
