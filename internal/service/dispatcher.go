// internal/service/dispatcher.go
package service

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/driftboat/mailsched-backend/internal/model"
	"github.com/driftboat/mailsched-backend/internal/ratelimit"
	"github.com/driftboat/mailsched-backend/internal/repository"
	"github.com/driftboat/mailsched-backend/internal/scheduler"
	"github.com/driftboat/mailsched-backend/internal/sender"
)

// DispatcherConfig tunes the worker pool.
type DispatcherConfig struct {
	Workers        int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	// DeferJitter spreads rate-limited jobs past the window boundary so a
	// full campaign does not slam the limiter in the same instant.
	DeferJitter time.Duration
	// SendsPerSec smooths the outflow independent of the hourly cap.
	// Zero disables smoothing.
	SendsPerSec int
	// PollRetryDelay paces the worker loop after a scheduler poll error,
	// such as a dropped broker connection. Zero means 2s.
	PollRetryDelay time.Duration
}

// Dispatcher pulls due jobs from the scheduler and drives each one to a
// terminal state or a re-enqueue. Rate denial is back-pressure, not a
// fault: it never consumes the attempt budget.
type Dispatcher struct {
	Jobs      repository.JobRepositoryInterface
	Scheduler scheduler.DelayScheduler
	Limiter   ratelimit.Limiter
	Sender    sender.Sender
	Config    DispatcherConfig
	Log       zerolog.Logger

	// OnComplete, if set, is invoked after every terminal transition.
	OnComplete func(jobID int64, status string)

	// Now is swappable in tests.
	Now func() time.Time

	throttle *rate.Limiter
	rngMu    sync.Mutex
	rng      *rand.Rand
	wg       sync.WaitGroup
}

// Start launches the worker pool and returns. Workers exit when ctx is
// cancelled; Wait blocks until they have.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.rng == nil {
		d.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if d.Config.SendsPerSec > 0 {
		d.throttle = rate.NewLimiter(rate.Limit(d.Config.SendsPerSec), d.Config.SendsPerSec)
	}

	workers := d.Config.Workers
	if workers <= 0 {
		workers = 1
	}
	d.Log.Info().Int("workers", workers).Msg("dispatcher starting")

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func(idx int) {
			defer d.wg.Done()
			d.worker(ctx, idx)
		}(i)
	}
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, idx int) {
	log := d.Log.With().Int("worker", idx).Logger()
	for {
		delivery, err := d.Scheduler.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// A dead scheduler returns the same error on every call;
			// pace the retries so the pool does not spin.
			log.Error().Err(err).Msg("scheduler poll failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.pollRetryDelay()):
			}
			continue
		}
		d.process(ctx, log, delivery)
	}
}

// process runs one delivery attempt end to end. Every branch resolves the
// lease exactly once, and no fault escapes to kill the worker.
func (d *Dispatcher) process(ctx context.Context, log zerolog.Logger, delivery *scheduler.Delivery) {
	job, err := d.Jobs.GetByID(delivery.JobID)
	if err != nil {
		// Store read failure: keep the job alive, try again shortly.
		log.Error().Err(err).Int64("job", delivery.JobID).Msg("job load failed")
		d.resolveReschedule(log, delivery, d.clock().Add(d.backoff(1)))
		return
	}
	if job == nil {
		// Row pruned or never existed; nothing left to deliver.
		d.resolveComplete(log, delivery)
		return
	}
	if job.Terminal() {
		// Duplicate delivery from an at-least-once scheduler.
		d.resolveComplete(log, delivery)
		return
	}

	now := d.clock()
	decision, err := d.Limiter.TryAcquire(ctx, job.SenderID, now)
	if err != nil {
		log.Warn().Err(err).Int64("sender", job.SenderID).Msg("rate limiter unavailable, failing closed")
	}
	if !decision.Allowed {
		// Expected back-pressure: defer to the next window, row untouched,
		// no attempt consumed.
		dueAt := now.Add(decision.RetryAfter + d.jitter(d.Config.DeferJitter))
		log.Debug().Int64("job", job.ID).Int64("sender", job.SenderID).Time("due_at", dueAt).Msg("rate limited, deferred")
		d.resolveReschedule(log, delivery, dueAt)
		return
	}

	if d.throttle != nil {
		if err := d.throttle.Wait(ctx); err != nil {
			// Shutting down mid-job: release it for the next run.
			d.resolveReschedule(log, delivery, d.clock())
			return
		}
	}

	subject, body := renderPayload(job)
	deliveryID, sendErr := d.Sender.Send(ctx, job.Recipient, subject, body)
	if sendErr != nil {
		d.handleFailure(log, delivery, job, sendErr)
		return
	}

	sentAt := d.clock()
	if err := d.Jobs.MarkSent(job.ID, sentAt); err != nil {
		// The send went out but the row still says pending; retrying is
		// the at-least-once answer, never dropping the job from tracking.
		log.Error().Err(err).Int64("job", job.ID).Msg("mark sent failed")
		d.handleFailure(log, delivery, job, err)
		return
	}

	log.Info().
		Int64("job", job.ID).
		Str("recipient", job.Recipient).
		Str("delivery_id", deliveryID).
		Int("attempts", job.Attempts+1).
		Msg("email sent")
	d.resolveComplete(log, delivery)
	d.signalComplete(job.ID, model.StatusSent)
}

// handleFailure covers both a failed send and a failed status write:
// consume one attempt, then either fail terminally or back off and retry.
func (d *Dispatcher) handleFailure(log zerolog.Logger, delivery *scheduler.Delivery, job *model.Job, cause error) {
	attempts, err := d.Jobs.IncrementAttempts(job.ID)
	if err != nil {
		log.Error().Err(err).Int64("job", job.ID).Msg("attempt count update failed")
		attempts = job.Attempts + 1
	}

	if attempts >= d.Config.MaxAttempts {
		if err := d.Jobs.MarkFailed(job.ID, cause.Error()); err != nil {
			// Could not persist the terminal state; retry rather than
			// lose the job.
			log.Error().Err(err).Int64("job", job.ID).Msg("mark failed failed")
			d.resolveReschedule(log, delivery, d.clock().Add(d.backoff(attempts)))
			return
		}
		log.Warn().
			Int64("job", job.ID).
			Str("recipient", job.Recipient).
			Int("attempts", attempts).
			Str("error", cause.Error()).
			Msg("job permanently failed")
		d.resolveComplete(log, delivery)
		d.signalComplete(job.ID, model.StatusFailed)
		return
	}

	delay := d.backoff(attempts)
	log.Warn().
		Err(cause).
		Int64("job", job.ID).
		Int("attempt", attempts).
		Int("max_attempts", d.Config.MaxAttempts).
		Dur("retry_in", delay).
		Msg("send failed, retrying")
	d.resolveReschedule(log, delivery, d.clock().Add(delay))
}

// backoff doubles the base delay per attempt and adds jitter so retries
// across jobs spread out. Capped at 30 minutes.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	base := d.Config.RetryBaseDelay
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt && delay < 30*time.Minute; i++ {
		delay *= 2
	}
	if delay > 30*time.Minute {
		delay = 30 * time.Minute
	}
	return delay + d.jitter(delay/4)
}

func (d *Dispatcher) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return time.Duration(d.rng.Int63n(int64(max)))
}

func (d *Dispatcher) resolveComplete(log zerolog.Logger, delivery *scheduler.Delivery) {
	if err := delivery.Complete(); err != nil {
		log.Error().Err(err).Int64("job", delivery.JobID).Msg("lease complete failed")
	}
}

func (d *Dispatcher) resolveReschedule(log zerolog.Logger, delivery *scheduler.Delivery, dueAt time.Time) {
	if err := delivery.Reschedule(dueAt); err != nil {
		log.Error().Err(err).Int64("job", delivery.JobID).Msg("lease reschedule failed")
	}
}

func (d *Dispatcher) signalComplete(jobID int64, status string) {
	if d.OnComplete != nil {
		d.OnComplete(jobID, status)
	}
}

func (d *Dispatcher) pollRetryDelay() time.Duration {
	if d.Config.PollRetryDelay > 0 {
		return d.Config.PollRetryDelay
	}
	return 2 * time.Second
}

func (d *Dispatcher) clock() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// renderPayload applies plain {recipient} substitution to the stored
// template. Anything richer is out of scope.
func renderPayload(job *model.Job) (string, string) {
	subject := strings.ReplaceAll(job.Subject, "{recipient}", job.Recipient)
	body := strings.ReplaceAll(job.Body, "{recipient}", job.Recipient)
	return subject, body
}
