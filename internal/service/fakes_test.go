package service_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	appErrors "github.com/driftboat/mailsched-backend/internal/errors"
	"github.com/driftboat/mailsched-backend/internal/model"
	"github.com/driftboat/mailsched-backend/internal/ratelimit"
	"github.com/driftboat/mailsched-backend/internal/scheduler"
)

// memJobRepo is an in-memory JobRepositoryInterface for exercising the
// expander and dispatcher without a database.
type memJobRepo struct {
	mu  sync.Mutex
	seq int64
	// jobs are stored by value so tests read consistent snapshots.
	jobs map[int64]model.Job

	failCreateFor    map[string]bool
	failMarkSentOnce bool

	ops *opLog
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[int64]model.Job)}
}

func (r *memJobRepo) Create(j *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreateFor[j.Recipient] {
		return fmt.Errorf("insert failed for %s", j.Recipient)
	}
	r.seq++
	j.ID = r.seq
	j.CreatedAt = time.Now()
	r.jobs[j.ID] = *j
	r.ops.add("create:" + j.Recipient)
	return nil
}

func (r *memJobRepo) GetByID(id int64) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (r *memJobRepo) MarkSent(id int64, sentAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failMarkSentOnce {
		r.failMarkSentOnce = false
		return fmt.Errorf("write timeout")
	}
	j, ok := r.jobs[id]
	if !ok {
		return appErrors.NewJobNotFound(id)
	}
	if j.Status == model.StatusSent {
		return nil
	}
	if j.Status == model.StatusFailed {
		return appErrors.NewInvalidTransition(id, j.Status, model.StatusSent)
	}
	j.Status = model.StatusSent
	j.SentAt = &sentAt
	r.jobs[id] = j
	return nil
}

func (r *memJobRepo) MarkFailed(id int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return appErrors.NewJobNotFound(id)
	}
	if j.Status == model.StatusFailed {
		return nil
	}
	if j.Status == model.StatusSent {
		return appErrors.NewInvalidTransition(id, j.Status, model.StatusFailed)
	}
	j.Status = model.StatusFailed
	j.ErrorMessage = reason
	r.jobs[id] = j
	return nil
}

func (r *memJobRepo) IncrementAttempts(id int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return 0, appErrors.NewJobNotFound(id)
	}
	j.Attempts++
	r.jobs[id] = j
	return j.Attempts, nil
}

func (r *memJobRepo) ListByStatus(statuses ...string) ([]*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := map[string]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	out := []*model.Job{}
	for _, j := range r.jobs {
		if want[j.Status] {
			jc := j
			out = append(out, &jc)
		}
	}
	return out, nil
}

func (r *memJobRepo) ListSent() ([]*model.Job, error) {
	return r.ListByStatus(model.StatusSent)
}

func (r *memJobRepo) PendingJobs() ([]*model.Job, error) {
	return r.ListByStatus(model.StatusPending)
}

func (r *memJobRepo) DeleteTerminalBefore(cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, j := range r.jobs {
		if j.Status != model.StatusPending && j.CreatedAt.Before(cutoff) {
			delete(r.jobs, id)
			n++
		}
	}
	return n, nil
}

func (r *memJobRepo) snapshot(id int64) model.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id]
}

type memCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[string]model.Campaign
}

func newMemCampaignRepo() *memCampaignRepo {
	return &memCampaignRepo{campaigns: make(map[string]model.Campaign)}
}

func (r *memCampaignRepo) Create(c *model.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.CreatedAt = time.Now()
	r.campaigns[c.ID] = *c
	return nil
}

func (r *memCampaignRepo) GetByID(id string) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return &c, nil
}

func (r *memCampaignRepo) List() ([]*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*model.Campaign{}
	for _, c := range r.campaigns {
		cc := c
		out = append(out, &cc)
	}
	return out, nil
}

func (r *memCampaignRepo) GetCampaignStats(string) (map[string]int, error) {
	return map[string]int{}, nil
}

// recordScheduler captures Schedule calls for expander tests; it never
// releases anything.
type recordScheduler struct {
	mu    sync.Mutex
	calls []schedCall
	ops   *opLog
}

type schedCall struct {
	jobID int64
	dueAt time.Time
}

func (s *recordScheduler) Schedule(jobID int64, dueAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, schedCall{jobID: jobID, dueAt: dueAt})
	s.ops.add(fmt.Sprintf("schedule:%d", jobID))
	return nil
}

func (s *recordScheduler) Next(ctx context.Context) (*scheduler.Delivery, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *recordScheduler) Close() error { return nil }

// scriptedLimiter replays a fixed sequence of decisions, then allows
// everything.
type scriptedLimiter struct {
	mu        sync.Mutex
	decisions []ratelimit.Decision
	calls     int
	denials   int
	overrides map[int64]int
}

func (l *scriptedLimiter) TryAcquire(_ context.Context, _ int64, _ time.Time) (ratelimit.Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if len(l.decisions) > 0 {
		d := l.decisions[0]
		l.decisions = l.decisions[1:]
		if !d.Allowed {
			l.denials++
		}
		return d, nil
	}
	return ratelimit.Decision{Allowed: true}, nil
}

func (l *scriptedLimiter) SetSenderLimit(senderID int64, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.overrides == nil {
		l.overrides = make(map[int64]int)
	}
	l.overrides[senderID] = limit
}

type sentRecord struct {
	recipient string
	at        time.Time
}

// fakeSender counts calls and can fail all or the first N sends.
type fakeSender struct {
	mu       sync.Mutex
	failAll  bool
	failN    int
	calls    int
	sent     []sentRecord
	subjects []string
}

func (s *fakeSender) Send(_ context.Context, recipient, subject, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failAll {
		return "", fmt.Errorf("smtp 421 service not available")
	}
	if s.failN > 0 {
		s.failN--
		return "", fmt.Errorf("smtp 451 try again")
	}
	s.sent = append(s.sent, sentRecord{recipient: recipient, at: time.Now()})
	s.subjects = append(s.subjects, subject)
	return fmt.Sprintf("msg-%d", s.calls), nil
}

func (s *fakeSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// opLog records cross-fake operation ordering.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.ops))
	copy(out, l.ops)
	return out
}
