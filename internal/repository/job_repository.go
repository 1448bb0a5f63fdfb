package repository

import (
	"database/sql"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/driftboat/mailsched-backend/internal/errors"
	"github.com/driftboat/mailsched-backend/internal/model"
)

type JobRepositoryInterface interface {
	Create(j *model.Job) error
	GetByID(id int64) (*model.Job, error)
	MarkSent(id int64, sentAt time.Time) error
	MarkFailed(id int64, reason string) error
	IncrementAttempts(id int64) (int, error)
	ListByStatus(statuses ...string) ([]*model.Job, error)
	ListSent() ([]*model.Job, error)
	PendingJobs() ([]*model.Job, error)
	DeleteTerminalBefore(cutoff time.Time) (int64, error)
}

type JobRepository struct {
	DB *sql.DB
}

const jobColumns = `id, campaign_id, recipient_email, subject, body, sender_id, status, scheduled_time, sent_at, error_message, attempts, created_at`

// Create inserts a pending job row and fills in the assigned ID.
func (r *JobRepository) Create(j *model.Job) error {
	if j.Status == "" {
		j.Status = model.StatusPending
	}
	j.CreatedAt = time.Now()

	query := `
        INSERT INTO scheduled_emails
        (campaign_id, recipient_email, subject, body, sender_id, status, scheduled_time, attempts, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING id
    `
	return r.DB.QueryRow(
		query,
		j.CampaignID,
		j.Recipient,
		j.Subject,
		j.Body,
		j.SenderID,
		j.Status,
		j.ScheduledTime,
		j.Attempts,
		j.CreatedAt,
	).Scan(&j.ID)
}

func (r *JobRepository) GetByID(id int64) (*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_emails WHERE id=$1`
	j, err := scanJob(r.DB.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return j, nil
}

// MarkSent records the terminal sent state. The guarded update makes it a
// no-op when the row is already sent; moving a failed row to sent is an
// invalid transition.
func (r *JobRepository) MarkSent(id int64, sentAt time.Time) error {
	query := `UPDATE scheduled_emails SET status=$1, sent_at=$2 WHERE id=$3 AND status=$4`
	res, err := r.DB.Exec(query, model.StatusSent, sentAt, id, model.StatusPending)
	if err != nil {
		return err
	}
	return r.checkTransition(res, id, model.StatusSent)
}

// MarkFailed records the terminal failed state with the last error.
// sent_at is never touched on this path.
func (r *JobRepository) MarkFailed(id int64, reason string) error {
	query := `UPDATE scheduled_emails SET status=$1, error_message=$2 WHERE id=$3 AND status=$4`
	res, err := r.DB.Exec(query, model.StatusFailed, reason, id, model.StatusPending)
	if err != nil {
		return err
	}
	return r.checkTransition(res, id, model.StatusFailed)
}

// checkTransition resolves a guarded terminal update that matched no rows:
// already in the target state is idempotent, the other terminal state is a
// refused transition, anything else is a missing job.
func (r *JobRepository) checkTransition(res sql.Result, id int64, target string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var current string
	err = r.DB.QueryRow(`SELECT status FROM scheduled_emails WHERE id=$1`, id).Scan(&current)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.NewJobNotFound(id)
		}
		return err
	}
	if current == target {
		return nil
	}
	return appErrors.NewInvalidTransition(id, current, target)
}

// IncrementAttempts bumps the attempt counter and returns the new value.
func (r *JobRepository) IncrementAttempts(id int64) (int, error) {
	var attempts int
	query := `UPDATE scheduled_emails SET attempts = attempts + 1 WHERE id=$1 RETURNING attempts`
	err := r.DB.QueryRow(query, id).Scan(&attempts)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, appErrors.NewJobNotFound(id)
		}
		return 0, err
	}
	return attempts, nil
}

// ListByStatus returns jobs in any of the given statuses, newest first.
// Display ordering only; nothing downstream depends on it.
func (r *JobRepository) ListByStatus(statuses ...string) ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_emails WHERE status = ANY($1) ORDER BY created_at DESC`
	rows, err := r.DB.Query(query, pq.Array(statuses))
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// ListSent returns delivered jobs ordered by delivery time, newest first.
func (r *JobRepository) ListSent() ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_emails WHERE status=$1 ORDER BY sent_at DESC`
	rows, err := r.DB.Query(query, model.StatusSent)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// PendingJobs returns every pending row in scheduled order. Used at
// startup to rebuild the delay queue after a crash or restart.
func (r *JobRepository) PendingJobs() ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_emails WHERE status=$1 ORDER BY scheduled_time ASC`
	rows, err := r.DB.Query(query, model.StatusPending)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// DeleteTerminalBefore prunes sent/failed rows created before the cutoff.
func (r *JobRepository) DeleteTerminalBefore(cutoff time.Time) (int64, error) {
	query := `DELETE FROM scheduled_emails WHERE status = ANY($1) AND created_at < $2`
	res, err := r.DB.Exec(query, pq.Array([]string{model.StatusSent, model.StatusFailed}), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var j model.Job
	var sentAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.CampaignID, &j.Recipient, &j.Subject, &j.Body,
		&j.SenderID, &j.Status, &j.ScheduledTime, &sentAt,
		&j.ErrorMessage, &j.Attempts, &j.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sentAt.Valid {
		j.SentAt = &sentAt.Time
	}
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*model.Job, error) {
	defer rows.Close()

	jobs := []*model.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

var _ JobRepositoryInterface = (*JobRepository)(nil)
