// cmd/worker/main.go
//
// Standalone dispatcher process for the amqp deployment: consumes due
// jobs from RabbitMQ and drives them to a terminal state. Run as many of
// these as throughput needs; the Postgres rate limiter keeps the hourly
// cap global across all of them.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftboat/mailsched-backend/internal/config"
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
	log := logging.New("worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := db.Connect(cfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("database connect failed")
	}
	defer conn.Close()

	sched, err := scheduler.NewAMQPScheduler(cfg.AMQPURL, cfg.WorkerConcurrency)
	if err != nil {
		log.Fatal().Err(err).Msg("amqp connect failed")
	}
	defer sched.Close()

	jobRepo := &repository.JobRepository{DB: conn}
	limiter := ratelimit.NewPostgresLimiter(conn, cfg.MaxEmailsPerHour)

	var transport sender.Sender
	if cfg.MockSender {
		transport = sender.NewMockSender(0.9, time.Now().UnixNano())
	} else {
		transport = &sender.SMTPSender{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			User: cfg.SMTPUser,
			Pass: cfg.SMTPPass,
			From: cfg.FromAddress,
		}
	}

	dispatcher := &service.Dispatcher{
		Jobs:      jobRepo,
		Scheduler: sched,
		Limiter:   limiter,
		Sender:    transport,
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
	log.Info().Msg("worker running, waiting for due jobs")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	dispatcher.Wait()
}
