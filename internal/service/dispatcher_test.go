package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftboat/mailsched-backend/internal/model"
	"github.com/driftboat/mailsched-backend/internal/ratelimit"
	"github.com/driftboat/mailsched-backend/internal/scheduler"
	"github.com/driftboat/mailsched-backend/internal/service"
)

func newDispatcher(jobs *memJobRepo, sched scheduler.DelayScheduler, limiter *scriptedLimiter, snd *fakeSender) *service.Dispatcher {
	return &service.Dispatcher{
		Jobs:      jobs,
		Scheduler: sched,
		Limiter:   limiter,
		Sender:    snd,
		Config: service.DispatcherConfig{
			Workers:        2,
			MaxAttempts:    3,
			RetryBaseDelay: time.Millisecond,
		},
		Log: zerolog.Nop(),
	}
}

func createPending(t *testing.T, jobs *memJobRepo, recipient string, scheduled time.Time) *model.Job {
	t.Helper()
	job := &model.Job{
		CampaignID:    "c-1",
		Recipient:     recipient,
		Subject:       "Hi {recipient}",
		Body:          "Hello",
		SenderID:      1,
		Status:        model.StatusPending,
		ScheduledTime: scheduled,
	}
	require.NoError(t, jobs.Create(job))
	return job
}

func runDispatcher(t *testing.T, d *service.Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.Wait()
	})
	return cancel
}

func TestDispatcherDeliversDueJob(t *testing.T) {
	jobs := newMemJobRepo()
	sched := scheduler.NewMemoryScheduler()
	defer sched.Close()
	snd := &fakeSender{}
	d := newDispatcher(jobs, sched, &scriptedLimiter{}, snd)

	job := createPending(t, jobs, "a@x.com", time.Now())
	require.NoError(t, sched.Schedule(job.ID, time.Now()))
	runDispatcher(t, d)

	require.Eventually(t, func() bool {
		return jobs.snapshot(job.ID).Status == model.StatusSent
	}, time.Second, 5*time.Millisecond)

	got := jobs.snapshot(job.ID)
	require.NotNil(t, got.SentAt)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, 0, got.Attempts)
	// Plain substitution happened on the way out.
	assert.Equal(t, []string{"Hi a@x.com"}, snd.subjects)
}

func TestDispatcherStaggeredCampaignAllSent(t *testing.T) {
	jobs := newMemJobRepo()
	sched := scheduler.NewMemoryScheduler()
	defer sched.Close()
	snd := &fakeSender{}
	d := newDispatcher(jobs, sched, &scriptedLimiter{}, snd)

	base := time.Now().Add(20 * time.Millisecond)
	stagger := 30 * time.Millisecond
	dueTimes := map[int64]time.Time{}
	for i, addr := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		job := createPending(t, jobs, addr, base)
		due := base.Add(time.Duration(i) * stagger)
		dueTimes[job.ID] = due
		require.NoError(t, sched.Schedule(job.ID, due))
	}
	runDispatcher(t, d)

	require.Eventually(t, func() bool {
		sent, _ := jobs.ListSent()
		return len(sent) == 3
	}, 2*time.Second, 5*time.Millisecond)

	sent, err := jobs.ListSent()
	require.NoError(t, err)
	for _, j := range sent {
		require.NotNil(t, j.SentAt)
		assert.False(t, j.SentAt.Before(dueTimes[j.ID]), "job %d sent at %v before due %v", j.ID, j.SentAt, dueTimes[j.ID])
		assert.Empty(t, j.ErrorMessage)
	}
}

func TestDispatcherExhaustsRetriesThenFails(t *testing.T) {
	jobs := newMemJobRepo()
	sched := scheduler.NewMemoryScheduler()
	defer sched.Close()
	snd := &fakeSender{failAll: true}
	d := newDispatcher(jobs, sched, &scriptedLimiter{}, snd)

	job := createPending(t, jobs, "a@x.com", time.Now())
	require.NoError(t, sched.Schedule(job.ID, time.Now()))
	runDispatcher(t, d)

	require.Eventually(t, func() bool {
		return jobs.snapshot(job.ID).Status == model.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	got := jobs.snapshot(job.ID)
	// Exactly the configured budget: never fewer, never more.
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, 3, snd.callCount())
	assert.NotEmpty(t, got.ErrorMessage)
	assert.Nil(t, got.SentAt, "failed job must never carry a send time")
}

func TestDispatcherRateDenialDoesNotConsumeAttempts(t *testing.T) {
	jobs := newMemJobRepo()
	sched := scheduler.NewMemoryScheduler()
	defer sched.Close()
	snd := &fakeSender{}
	limiter := &scriptedLimiter{decisions: []ratelimit.Decision{
		{Allowed: false, RetryAfter: 20 * time.Millisecond},
		{Allowed: false, RetryAfter: 20 * time.Millisecond},
	}}
	d := newDispatcher(jobs, sched, limiter, snd)

	job := createPending(t, jobs, "a@x.com", time.Now())
	require.NoError(t, sched.Schedule(job.ID, time.Now()))
	runDispatcher(t, d)

	require.Eventually(t, func() bool {
		return jobs.snapshot(job.ID).Status == model.StatusSent
	}, 2*time.Second, 5*time.Millisecond)

	got := jobs.snapshot(job.ID)
	assert.Equal(t, 0, got.Attempts, "deferral is back-pressure, not an attempt")
	assert.Equal(t, 1, snd.callCount(), "send happens only after admission")
	assert.GreaterOrEqual(t, limiter.calls, 3)
}

func TestDispatcherDefersSecondJobInWindow(t *testing.T) {
	jobs := newMemJobRepo()
	sched := scheduler.NewMemoryScheduler()
	defer sched.Close()
	snd := &fakeSender{}
	// Limit 1/window: first admission passes, the second is deferred
	// past the (shortened) boundary, then passes in the "next window".
	limiter := &scriptedLimiter{decisions: []ratelimit.Decision{
		{Allowed: true},
		{Allowed: false, RetryAfter: 50 * time.Millisecond},
	}}
	d := newDispatcher(jobs, sched, limiter, snd)
	d.Config.Workers = 1

	j1 := createPending(t, jobs, "a@x.com", time.Now())
	j2 := createPending(t, jobs, "b@x.com", time.Now())
	require.NoError(t, sched.Schedule(j1.ID, time.Now()))
	require.NoError(t, sched.Schedule(j2.ID, time.Now().Add(5*time.Millisecond)))
	runDispatcher(t, d)

	require.Eventually(t, func() bool {
		sent, _ := jobs.ListSent()
		return len(sent) == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, limiter.denials)
	assert.Equal(t, 0, jobs.snapshot(j1.ID).Attempts)
	assert.Equal(t, 0, jobs.snapshot(j2.ID).Attempts)

	// The deferred job went out after the window boundary.
	first := jobs.snapshot(j1.ID)
	second := jobs.snapshot(j2.ID)
	require.NotNil(t, first.SentAt)
	require.NotNil(t, second.SentAt)
	assert.True(t, second.SentAt.Sub(*first.SentAt) >= 40*time.Millisecond,
		"second send %v too close to first %v", second.SentAt, first.SentAt)
}

func TestDispatcherSkipsAlreadyTerminalRow(t *testing.T) {
	jobs := newMemJobRepo()
	sched := scheduler.NewMemoryScheduler()
	defer sched.Close()
	snd := &fakeSender{}
	d := newDispatcher(jobs, sched, &scriptedLimiter{}, snd)

	job := createPending(t, jobs, "a@x.com", time.Now())
	require.NoError(t, jobs.MarkSent(job.ID, time.Now()))

	// Duplicate delivery, e.g. a requeue racing the first send.
	require.NoError(t, sched.Schedule(job.ID, time.Now()))

	runDispatcher(t, d)

	// Give the worker time to pull and resolve the duplicate.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, snd.callCount(), "terminal rows are never re-sent")
	assert.Equal(t, model.StatusSent, jobs.snapshot(job.ID).Status)
}

func TestDispatcherRetriesWhenMarkSentFails(t *testing.T) {
	jobs := newMemJobRepo()
	jobs.failMarkSentOnce = true
	sched := scheduler.NewMemoryScheduler()
	defer sched.Close()
	snd := &fakeSender{}
	d := newDispatcher(jobs, sched, &scriptedLimiter{}, snd)

	job := createPending(t, jobs, "a@x.com", time.Now())
	require.NoError(t, sched.Schedule(job.ID, time.Now()))
	runDispatcher(t, d)

	require.Eventually(t, func() bool {
		return jobs.snapshot(job.ID).Status == model.StatusSent
	}, 2*time.Second, 5*time.Millisecond)

	// The write fault cost an attempt and a re-send: at-least-once, not
	// silently dropped.
	got := jobs.snapshot(job.ID)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 2, snd.callCount())
	require.NotNil(t, got.SentAt)
}

func TestDispatcherEmitsCompletionSignal(t *testing.T) {
	jobs := newMemJobRepo()
	sched := scheduler.NewMemoryScheduler()
	defer sched.Close()
	snd := &fakeSender{}
	d := newDispatcher(jobs, sched, &scriptedLimiter{}, snd)

	var mu sync.Mutex
	completions := map[int64]string{}
	d.OnComplete = func(jobID int64, status string) {
		mu.Lock()
		defer mu.Unlock()
		completions[jobID] = status
	}

	job := createPending(t, jobs, "a@x.com", time.Now())
	require.NoError(t, sched.Schedule(job.ID, time.Now()))
	runDispatcher(t, d)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return completions[job.ID] == model.StatusSent
	}, time.Second, 5*time.Millisecond)
}

// Invariant check across a mixed outcome run: sentAt is set iff sent, and
// never alongside an error message.
func TestSentAtStatusInvariant(t *testing.T) {
	jobs := newMemJobRepo()
	sched := scheduler.NewMemoryScheduler()
	defer sched.Close()
	snd := &fakeSender{failN: 4} // first job burns its budget, rest go through
	d := newDispatcher(jobs, sched, &scriptedLimiter{}, snd)
	d.Config.Workers = 1

	var ids []int64
	for i, addr := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		job := createPending(t, jobs, addr, time.Now())
		ids = append(ids, job.ID)
		require.NoError(t, sched.Schedule(job.ID, time.Now().Add(time.Duration(i)*5*time.Millisecond)))
	}
	runDispatcher(t, d)

	require.Eventually(t, func() bool {
		pending, _ := jobs.ListByStatus(model.StatusPending)
		return len(pending) == 0
	}, 3*time.Second, 5*time.Millisecond)

	for _, id := range ids {
		j := jobs.snapshot(id)
		assert.Equal(t, j.Status == model.StatusSent, j.SentAt != nil, "job %d: sentAt iff sent", id)
		if j.SentAt != nil {
			assert.Empty(t, j.ErrorMessage, "job %d: never both sentAt and errorMessage", id)
		}
	}
}

// A scheduler whose Next keeps failing (a dropped broker does exactly
// this) must not turn the worker pool into a busy loop.
func TestDispatcherPacesPollingAfterSchedulerErrors(t *testing.T) {
	sched := &brokenScheduler{}
	d := newDispatcher(newMemJobRepo(), sched, &scriptedLimiter{}, &fakeSender{})
	d.Config.Workers = 1
	d.Config.PollRetryDelay = 20 * time.Millisecond

	runDispatcher(t, d)
	time.Sleep(100 * time.Millisecond)

	// Roughly one poll per retry delay, never hundreds.
	polls := sched.polls.Load()
	assert.GreaterOrEqual(t, polls, int64(2))
	assert.LessOrEqual(t, polls, int64(10))
}

func TestDispatcherStopsWhileWaitingOutPollError(t *testing.T) {
	sched := &brokenScheduler{}
	d := newDispatcher(newMemJobRepo(), sched, &scriptedLimiter{}, &fakeSender{})
	d.Config.Workers = 1
	d.Config.PollRetryDelay = time.Hour

	cancel := runDispatcher(t, d)

	require.Eventually(t, func() bool { return sched.polls.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit while backing off a poll error")
	}
}

type brokenScheduler struct {
	polls atomic.Int64
}

func (s *brokenScheduler) Schedule(int64, time.Time) error { return nil }

func (s *brokenScheduler) Next(ctx context.Context) (*scheduler.Delivery, error) {
	s.polls.Add(1)
	return nil, errors.New("channel closed")
}

func (s *brokenScheduler) Close() error { return nil }
