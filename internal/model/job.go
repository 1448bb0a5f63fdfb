// internal/model/job.go
package model

import "time"

// Job statuses. A job is created pending and moves to exactly one of the
// terminal states; there is no persisted in-flight status.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Job is one recipient's delivery record, the single source of truth for
// that delivery's outcome.
type Job struct {
	ID            int64      `db:"id" json:"id"`
	CampaignID    string     `db:"campaign_id" json:"campaign_id"`
	Recipient     string     `db:"recipient_email" json:"recipient_email"`
	Subject       string     `db:"subject" json:"subject"`
	Body          string     `db:"body" json:"body"`
	SenderID      int64      `db:"sender_id" json:"sender_id"`
	Status        string     `db:"status" json:"status"`
	ScheduledTime time.Time  `db:"scheduled_time" json:"scheduled_time"`
	SentAt        *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	ErrorMessage  string     `db:"error_message" json:"error_message,omitempty"`
	Attempts      int        `db:"attempts" json:"attempts"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// Terminal reports whether the job has reached a final status.
func (j *Job) Terminal() bool {
	return j.Status == StatusSent || j.Status == StatusFailed
}
