package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type entry struct {
	jobID int64
	dueAt time.Time
	index int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].dueAt.Before(h[j].dueAt) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// MemoryScheduler is an in-process min-heap delay queue. It serves the
// single-binary deployment where the API process runs the dispatcher
// inline; pending rows are re-queued from Postgres at startup, so losing
// the heap on crash only costs the in-memory timers, not the jobs.
type MemoryScheduler struct {
	mu       sync.Mutex
	heap     entryHeap
	byID     map[int64]*entry
	inflight map[int64]struct{}
	// deferred holds a due time scheduled for a job while it was leased;
	// it is applied when the lease resolves so a concurrent Schedule can
	// never produce a second live delivery of the same job.
	deferred map[int64]time.Time
	wake     chan struct{}
	closed   bool
	now      func() time.Time
}

func NewMemoryScheduler() *MemoryScheduler {
	return &MemoryScheduler{
		byID:     make(map[int64]*entry),
		inflight: make(map[int64]struct{}),
		deferred: make(map[int64]time.Time),
		wake:     make(chan struct{}),
		now:      time.Now,
	}
}

func (s *MemoryScheduler) Schedule(jobID int64, dueAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, leased := s.inflight[jobID]; leased {
		s.deferred[jobID] = dueAt
		return nil
	}
	s.insertLocked(jobID, dueAt)
	s.wakeLocked()
	return nil
}

func (s *MemoryScheduler) insertLocked(jobID int64, dueAt time.Time) {
	if e, ok := s.byID[jobID]; ok {
		e.dueAt = dueAt
		heap.Fix(&s.heap, e.index)
		return
	}
	e := &entry{jobID: jobID, dueAt: dueAt}
	heap.Push(&s.heap, e)
	s.byID[jobID] = e
}

// wakeLocked broadcasts to every blocked Next poller.
func (s *MemoryScheduler) wakeLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *MemoryScheduler) Next(ctx context.Context) (*Delivery, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, context.Canceled
		}

		var wait time.Duration
		if s.heap.Len() == 0 {
			wait = time.Hour
		} else {
			head := s.heap[0]
			now := s.now()
			if !head.dueAt.After(now) {
				e := heap.Pop(&s.heap).(*entry)
				delete(s.byID, e.jobID)
				s.inflight[e.jobID] = struct{}{}
				d := &Delivery{
					JobID:      e.jobID,
					DueAt:      e.dueAt,
					complete:   func() error { return s.resolve(e.jobID, nil) },
					reschedule: func(t time.Time) error { return s.resolve(e.jobID, &t) },
				}
				s.mu.Unlock()
				return d, nil
			}
			wait = head.dueAt.Sub(now)
		}
		wake := s.wake
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// resolve ends a lease. A nil due time is a terminal Complete; otherwise
// the job is re-queued. A due time deferred while the job was leased wins
// over a later Complete-then-Schedule race by being applied here.
func (s *MemoryScheduler) resolve(jobID int64, dueAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inflight, jobID)

	next := dueAt
	if t, ok := s.deferred[jobID]; ok {
		delete(s.deferred, jobID)
		if next == nil || t.Before(*next) {
			next = &t
		}
	}
	if next != nil {
		s.insertLocked(jobID, *next)
		s.wakeLocked()
	}
	return nil
}

func (s *MemoryScheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.wakeLocked()
	}
	return nil
}

var _ DelayScheduler = (*MemoryScheduler)(nil)
