// cmd/server/main.go
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/driftboat/mailsched-backend/internal/config"
	"github.com/driftboat/mailsched-backend/internal/controller"
	"github.com/driftboat/mailsched-backend/internal/db"
	"github.com/driftboat/mailsched-backend/internal/logging"
	"github.com/driftboat/mailsched-backend/internal/ratelimit"
	"github.com/driftboat/mailsched-backend/internal/repository"
	"github.com/driftboat/mailsched-backend/internal/scheduler"
	"github.com/driftboat/mailsched-backend/internal/sender"
	"github.com/driftboat/mailsched-backend/internal/service"
)

func main() {
	cfg := config.Load()
	log := logging.New("server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := db.Connect(cfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("database connect failed")
	}
	defer conn.Close()
	if err := db.Migrate(conn); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	jobRepo := &repository.JobRepository{DB: conn}
	campaignRepo := &repository.CampaignRepository{DB: conn}
	limiter := ratelimit.NewPostgresLimiter(conn, cfg.MaxEmailsPerHour)

	var sched scheduler.DelayScheduler
	inlineDispatch := true
	switch cfg.SchedulerBackend {
	case "amqp":
		// Dispatch belongs to the worker binary; this process only
		// expands and publishes.
		amqpSched, err := scheduler.NewAMQPScheduler(cfg.AMQPURL, cfg.WorkerConcurrency)
		if err != nil {
			log.Fatal().Err(err).Msg("amqp connect failed")
		}
		sched = amqpSched
		inlineDispatch = false
	default:
		sched = scheduler.NewMemoryScheduler()
	}
	defer sched.Close()

	campaignService := &service.CampaignService{
		CampaignRepo: campaignRepo,
		JobRepo:      jobRepo,
		Scheduler:    sched,
		Limiter:      limiter,
		Log:          log.With().Str("component", "expander").Logger(),
	}

	// The in-memory queue died with the last process; rebuild it from the
	// durable pending rows. Broker-held entries survive a restart, so
	// requeueing there would add a duplicate per pending job.
	if requeueOnStart(cfg.SchedulerBackend) {
		if _, err := campaignService.RequeuePending(ctx); err != nil {
			log.Error().Err(err).Msg("startup requeue failed")
		}
	}

	var dispatcher *service.Dispatcher
	if inlineDispatch {
		dispatcher = &service.Dispatcher{
			Jobs:      jobRepo,
			Scheduler: sched,
			Limiter:   limiter,
			Sender:    buildSender(cfg),
			Config: service.DispatcherConfig{
				Workers:        cfg.WorkerConcurrency,
				MaxAttempts:    cfg.MaxSendAttempts,
				RetryBaseDelay: cfg.RetryBaseDelay,
				DeferJitter:    time.Second,
				SendsPerSec:    cfg.SendsPerSec,
			},
			Log: log.With().Str("component", "dispatcher").Logger(),
		}
		dispatcher.Start(ctx)
	}

	janitor := &service.Janitor{
		Jobs:      jobRepo,
		Buckets:   limiter,
		Retention: time.Duration(cfg.JobRetentionDays) * 24 * time.Hour,
		Log:       log.With().Str("component", "janitor").Logger(),
	}
	if err := janitor.Start(); err != nil {
		log.Fatal().Err(err).Msg("janitor start failed")
	}
	defer janitor.Stop()

	scheduleController := controller.NewScheduleController(campaignService, jobRepo, campaignRepo, log)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/api/schedule", scheduleController.Schedule)
	r.Get("/api/scheduled-emails", scheduleController.ListScheduled)
	r.Get("/api/sent-emails", scheduleController.ListSent)
	r.Get("/api/campaigns", scheduleController.ListCampaigns)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.Info().Str("port", cfg.Port).Str("scheduler", cfg.SchedulerBackend).Msg("server running")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if dispatcher != nil {
		dispatcher.Wait()
	}
}

// requeueOnStart reports whether this process must reload pending jobs
// into the scheduler. Only the in-memory queue is lost across restarts.
func requeueOnStart(backend string) bool {
	return backend != "amqp"
}

func buildSender(cfg *config.Config) sender.Sender {
	if cfg.MockSender {
		return sender.NewMockSender(0.9, time.Now().UnixNano())
	}
	return &sender.SMTPSender{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
		From: cfg.FromAddress,
	}
}
