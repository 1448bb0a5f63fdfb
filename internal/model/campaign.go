// internal/model/campaign.go
package model

import "time"

// Campaign is one batch submission. The per-recipient jobs carry the
// payload; the campaign row exists so the read API can group them and keep
// the submission-level target time for display.
type Campaign struct {
	ID             string    `db:"id" json:"id"`
	Subject        string    `db:"subject" json:"subject"`
	Body           string    `db:"body" json:"body"`
	SenderID       int64     `db:"sender_id" json:"sender_id"`
	ScheduledTime  time.Time `db:"scheduled_time" json:"scheduled_time"`
	RecipientCount int       `db:"recipient_count" json:"recipient_count"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Submission is a campaign request as received from the ingestion layer:
// one template, an ordered recipient list and the pacing knobs.
type Submission struct {
	Subject          string     `json:"subject" validate:"required"`
	Body             string     `json:"body" validate:"required"`
	Recipients       []string   `json:"recipients" validate:"required,min=1,dive,required"`
	SenderID         int64      `json:"sender_id" validate:"required,gt=0"`
	StartTime        *time.Time `json:"start_time,omitempty"`
	RateLimitPerHour int        `json:"rate_limit_per_hour" validate:"gte=0"`
	StaggerSeconds   int        `json:"stagger_seconds" validate:"gte=0"`
}

// Stagger returns the configured spacing between successive recipients'
// due times.
func (s *Submission) Stagger() time.Duration {
	return time.Duration(s.StaggerSeconds) * time.Second
}
