// internal/service/expander.go
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftboat/mailsched-backend/internal/model"
	"github.com/driftboat/mailsched-backend/internal/ratelimit"
	"github.com/driftboat/mailsched-backend/internal/repository"
	"github.com/driftboat/mailsched-backend/internal/scheduler"
)

// CampaignService expands one submission into per-recipient jobs: each
// job row is persisted first, then handed to the delay scheduler at its
// staggered due time.
type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	JobRepo      repository.JobRepositoryInterface
	Scheduler    scheduler.DelayScheduler
	Limiter      ratelimit.Limiter
	Log          zerolog.Logger

	// Now is swappable in tests.
	Now func() time.Time
}

// RecipientError records one recipient that could not be scheduled.
type RecipientError struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
}

// ExpandResult reports partial success: CreatedCount is the number of job
// rows durably created, which the caller compares against the submission
// size.
type ExpandResult struct {
	CampaignID   string           `json:"campaign_id"`
	CreatedCount int              `json:"created_count"`
	Errors       []RecipientError `json:"errors,omitempty"`
}

// Expand creates one pending job per recipient. The i-th recipient's due
// time is max(startTime, now) + i*stagger. A recipient whose row cannot
// be persisted is skipped and reported; the rest of the batch proceeds.
func (s *CampaignService) Expand(ctx context.Context, sub *model.Submission) (*ExpandResult, error) {
	now := s.clock()

	base := now
	if sub.StartTime != nil && sub.StartTime.After(now) {
		base = *sub.StartTime
	}

	campaign := &model.Campaign{
		ID:             uuid.NewString(),
		Subject:        sub.Subject,
		Body:           sub.Body,
		SenderID:       sub.SenderID,
		ScheduledTime:  base,
		RecipientCount: len(sub.Recipients),
	}
	if err := s.CampaignRepo.Create(campaign); err != nil {
		return nil, err
	}

	if sub.RateLimitPerHour > 0 && s.Limiter != nil {
		s.Limiter.SetSenderLimit(sub.SenderID, sub.RateLimitPerHour)
	}

	stagger := sub.Stagger()
	result := &ExpandResult{CampaignID: campaign.ID}

	for i, recipient := range sub.Recipients {
		// The row keeps its own staggered due time so a startup requeue
		// restores the original spread, not a thundering herd at base.
		dueAt := base.Add(time.Duration(i) * stagger)

		job := &model.Job{
			CampaignID:    campaign.ID,
			Recipient:     recipient,
			Subject:       sub.Subject,
			Body:          sub.Body,
			SenderID:      sub.SenderID,
			Status:        model.StatusPending,
			ScheduledTime: dueAt,
		}

		// The row must be durable before the scheduler can release it.
		if err := s.JobRepo.Create(job); err != nil {
			s.Log.Error().Err(err).Str("recipient", recipient).Msg("job create failed, skipping recipient")
			result.Errors = append(result.Errors, RecipientError{Recipient: recipient, Error: err.Error()})
			continue
		}
		result.CreatedCount++

		if err := s.Scheduler.Schedule(job.ID, dueAt); err != nil {
			// The row exists and the error is reported to the caller, so
			// nothing is silently lost.
			s.Log.Error().Err(err).Int64("job", job.ID).Msg("enqueue failed")
			result.Errors = append(result.Errors, RecipientError{Recipient: recipient, Error: err.Error()})
		}
	}

	s.Log.Info().
		Str("campaign", campaign.ID).
		Int("recipients", len(sub.Recipients)).
		Int("created", result.CreatedCount).
		Dur("stagger", stagger).
		Time("base", base).
		Msg("campaign expanded")

	return result, nil
}

// RequeuePending reloads every pending job into the scheduler at
// max(scheduledTime, now). Called at startup so rows survive a crash that
// lost the in-memory queue; redelivery of an already-leased job is
// harmless because the dispatcher re-checks the row's status.
func (s *CampaignService) RequeuePending(ctx context.Context) (int, error) {
	jobs, err := s.JobRepo.PendingJobs()
	if err != nil {
		return 0, err
	}

	now := s.clock()
	requeued := 0
	for _, job := range jobs {
		dueAt := job.ScheduledTime
		if dueAt.Before(now) {
			dueAt = now
		}
		if err := s.Scheduler.Schedule(job.ID, dueAt); err != nil {
			s.Log.Error().Err(err).Int64("job", job.ID).Msg("requeue failed")
			continue
		}
		requeued++
	}

	if requeued > 0 {
		s.Log.Info().Int("count", requeued).Msg("pending jobs requeued")
	}
	return requeued, nil
}

func (s *CampaignService) clock() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
