// internal/service/janitor.go
package service

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/driftboat/mailsched-backend/internal/repository"
)

// BucketPurger is the slice of the rate limiter the janitor needs.
type BucketPurger interface {
	PurgeExpired(now time.Time) (int64, error)
}

// Janitor prunes expired rate buckets and aged terminal job rows on an
// hourly cron. Terminal rows older than Retention have been displayed
// long enough; pending rows are never touched.
type Janitor struct {
	Jobs      repository.JobRepositoryInterface
	Buckets   BucketPurger
	Retention time.Duration
	Log       zerolog.Logger

	cron *cron.Cron
}

func (j *Janitor) Start() error {
	j.cron = cron.New()
	if _, err := j.cron.AddFunc("@hourly", j.run); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

func (j *Janitor) Stop() {
	if j.cron != nil {
		j.cron.Stop()
	}
}

func (j *Janitor) run() {
	now := time.Now()

	if j.Buckets != nil {
		purged, err := j.Buckets.PurgeExpired(now)
		if err != nil {
			j.Log.Error().Err(err).Msg("rate bucket purge failed")
		} else if purged > 0 {
			j.Log.Debug().Int64("purged", purged).Msg("expired rate buckets removed")
		}
	}

	if j.Retention <= 0 {
		return
	}
	deleted, err := j.Jobs.DeleteTerminalBefore(now.Add(-j.Retention))
	if err != nil {
		j.Log.Error().Err(err).Msg("terminal job prune failed")
		return
	}
	if deleted > 0 {
		j.Log.Info().Int64("deleted", deleted).Msg("old terminal jobs pruned")
	}
}
