package repository

import (
	"database/sql"
	"time"

	appErrors "github.com/driftboat/mailsched-backend/internal/errors"
	"github.com/driftboat/mailsched-backend/internal/model"
)

type CampaignRepositoryInterface interface {
	Create(c *model.Campaign) error
	GetByID(id string) (*model.Campaign, error)
	List() ([]*model.Campaign, error)
	GetCampaignStats(campaignID string) (map[string]int, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

func (r *CampaignRepository) Create(c *model.Campaign) error {
	c.CreatedAt = time.Now()
	query := `
        INSERT INTO campaigns (id, subject, body, sender_id, scheduled_time, recipient_count, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `
	_, err := r.DB.Exec(query, c.ID, c.Subject, c.Body, c.SenderID, c.ScheduledTime, c.RecipientCount, c.CreatedAt)
	return err
}

func (r *CampaignRepository) GetByID(id string) (*model.Campaign, error) {
	query := `
        SELECT id, subject, body, sender_id, scheduled_time, recipient_count, created_at
        FROM campaigns WHERE id=$1
    `
	var c model.Campaign
	err := r.DB.QueryRow(query, id).Scan(&c.ID, &c.Subject, &c.Body, &c.SenderID, &c.ScheduledTime, &c.RecipientCount, &c.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) List() ([]*model.Campaign, error) {
	query := `
        SELECT id, subject, body, sender_id, scheduled_time, recipient_count, created_at
        FROM campaigns ORDER BY created_at DESC
    `
	rows, err := r.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c := &model.Campaign{}
		if err := rows.Scan(&c.ID, &c.Subject, &c.Body, &c.SenderID, &c.ScheduledTime, &c.RecipientCount, &c.CreatedAt); err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (r *CampaignRepository) GetCampaignStats(campaignID string) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM scheduled_emails WHERE campaign_id=$1 GROUP BY status`
	rows, err := r.DB.Query(query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{"pending": 0, "sent": 0, "failed": 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
