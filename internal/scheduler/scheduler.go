// Package scheduler holds jobs back until their due time and releases
// each one to exactly one worker at a time.
//
// A released job is leased: invisible to other pollers until the worker
// resolves the lease with Complete (terminal outcome, the job leaves the
// queue) or Reschedule (the job becomes visible again at a new due time).
// Entries are routing state only; the job row in Postgres stays the
// source of truth.
package scheduler

import (
	"context"
	"time"
)

// DelayScheduler is the delay-queue capability the expander and
// dispatcher are wired against.
type DelayScheduler interface {
	// Schedule makes jobID due at dueAt. Scheduling an already-queued job
	// replaces its due time.
	Schedule(jobID int64, dueAt time.Time) error

	// Next blocks until a job is due and leases it to the caller. Safe
	// for concurrent pollers; a leased job is not handed out again until
	// its lease is resolved.
	Next(ctx context.Context) (*Delivery, error)

	Close() error
}

// Delivery is one leased due job.
type Delivery struct {
	JobID int64
	DueAt time.Time

	complete   func() error
	reschedule func(dueAt time.Time) error
}

// Complete resolves the lease after a terminal outcome; the job leaves
// the scheduler for good.
func (d *Delivery) Complete() error {
	return d.complete()
}

// Reschedule resolves the lease by re-queueing the job at a new due time.
func (d *Delivery) Reschedule(dueAt time.Time) error {
	return d.reschedule(dueAt)
}
