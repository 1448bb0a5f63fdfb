// internal/controller/schedule_controller.go
package controller

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/driftboat/mailsched-backend/internal/ingest"
	"github.com/driftboat/mailsched-backend/internal/model"
	"github.com/driftboat/mailsched-backend/internal/repository"
	"github.com/driftboat/mailsched-backend/internal/service"
)

const maxUploadBytes = 16 << 20

// ScheduleController exposes the campaign submission endpoint and the job
// read API consumed by the dashboard.
type ScheduleController struct {
	CampaignService *service.CampaignService
	JobRepo         repository.JobRepositoryInterface
	CampaignRepo    repository.CampaignRepositoryInterface
	Validate        *validator.Validate
	Log             zerolog.Logger
}

func NewScheduleController(svc *service.CampaignService, jobs repository.JobRepositoryInterface, campaigns repository.CampaignRepositoryInterface, log zerolog.Logger) *ScheduleController {
	return &ScheduleController{
		CampaignService: svc,
		JobRepo:         jobs,
		CampaignRepo:    campaigns,
		Validate:        validator.New(),
		Log:             log,
	}
}

// Schedule handles POST /api/schedule. Multipart submissions carry the
// recipient list as a CSV upload; JSON submissions carry it inline.
func (c *ScheduleController) Schedule(w http.ResponseWriter, r *http.Request) {
	var sub *model.Submission
	var err error

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		sub, err = c.parseMultipart(r)
	} else {
		sub, err = c.parseJSON(r)
	}
	if err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := c.Validate.Struct(sub); err != nil {
		http.Error(w, "invalid submission: "+err.Error(), http.StatusBadRequest)
		return
	}

	result, err := c.CampaignService.Expand(r.Context(), sub)
	if err != nil {
		http.Error(w, "failed to schedule campaign: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]interface{}{
		"message":     "Emails scheduled successfully",
		"campaign_id": result.CampaignID,
		"count":       result.CreatedCount,
		"errors":      result.Errors,
	})
}

func (c *ScheduleController) parseJSON(r *http.Request) (*model.Submission, error) {
	var sub model.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *ScheduleController) parseMultipart(r *http.Request) (*model.Submission, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	recipients, err := ingest.Recipients(file)
	if err != nil {
		return nil, err
	}

	sub := &model.Submission{
		Subject:    r.FormValue("subject"),
		Body:       r.FormValue("body"),
		Recipients: recipients,
	}
	if v := r.FormValue("senderId"); v != "" {
		sub.SenderID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := r.FormValue("rateLimit"); v != "" {
		sub.RateLimitPerHour, _ = strconv.Atoi(v)
	}
	if v := r.FormValue("startDelay"); v != "" {
		sub.StaggerSeconds, _ = strconv.Atoi(v)
	}
	if v := r.FormValue("startTime"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, err
		}
		sub.StartTime = &t
	}
	return sub, nil
}

// ListScheduled handles GET /api/scheduled-emails: pending and failed
// jobs, newest first, for the dashboard's scheduled view.
func (c *ScheduleController) ListScheduled(w http.ResponseWriter, r *http.Request) {
	jobs, err := c.JobRepo.ListByStatus(model.StatusPending, model.StatusFailed)
	if err != nil {
		c.Log.Error().Err(err).Msg("list scheduled failed")
		http.Error(w, "fetch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, jobs)
}

// ListSent handles GET /api/sent-emails: delivered jobs by send time.
func (c *ScheduleController) ListSent(w http.ResponseWriter, r *http.Request) {
	jobs, err := c.JobRepo.ListSent()
	if err != nil {
		c.Log.Error().Err(err).Msg("list sent failed")
		http.Error(w, "fetch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, jobs)
}

// ListCampaigns handles GET /api/campaigns with per-status job counts.
func (c *ScheduleController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := c.CampaignRepo.List()
	if err != nil {
		http.Error(w, "fetch failed", http.StatusInternalServerError)
		return
	}

	type campaignWithStats struct {
		*model.Campaign
		Stats map[string]int `json:"stats"`
	}

	out := make([]campaignWithStats, 0, len(campaigns))
	for _, campaign := range campaigns {
		stats, err := c.CampaignRepo.GetCampaignStats(campaign.ID)
		if err != nil {
			c.Log.Error().Err(err).Str("campaign", campaign.ID).Msg("stats fetch failed")
			stats = map[string]int{}
		}
		out = append(out, campaignWithStats{Campaign: campaign, Stats: stats})
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
