// Package ratelimit enforces a hard per-sender hourly ceiling on sends.
//
// Admission works reservation-style: the caller's increment and the limit
// check together behave as one atomic test, and an over-limit increment is
// undone immediately. A denied caller learns how long until the next hour
// window opens. A limiter store outage fails closed: the cap's integrity
// wins over availability.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one admission test.
type Decision struct {
	Allowed bool
	// RetryAfter is how long until the next window boundary. Only
	// meaningful when Allowed is false.
	RetryAfter time.Duration
}

// Limiter is the injected admission capability. It is the only state
// shared across senders' jobs; no other component touches the counters.
type Limiter interface {
	// TryAcquire reserves one send for senderID in the hour window
	// containing at. On error the decision is always a denial.
	TryAcquire(ctx context.Context, senderID int64, at time.Time) (Decision, error)

	// SetSenderLimit overrides the hourly cap for one sender in this
	// process. Zero or negative restores the default.
	SetSenderLimit(senderID int64, limit int)
}

// Window truncates at to the start of its hour-aligned accounting period.
func Window(at time.Time) time.Time {
	return at.Truncate(time.Hour)
}

// NextWindow returns the start of the hour window after at.
func NextWindow(at time.Time) time.Time {
	return Window(at).Add(time.Hour)
}

// Buckets expire exactly one window length after the window starts; any
// extra buffer would let a stale bucket under-count a sender that is only
// occasionally active.
const bucketTTL = time.Hour

type senderLimits struct {
	def       int
	overrides map[int64]int
}

func newSenderLimits(def int) senderLimits {
	return senderLimits{def: def, overrides: make(map[int64]int)}
}

func (l *senderLimits) set(senderID int64, limit int) {
	if limit <= 0 {
		delete(l.overrides, senderID)
		return
	}
	l.overrides[senderID] = limit
}

func (l *senderLimits) get(senderID int64) int {
	if v, ok := l.overrides[senderID]; ok {
		return v
	}
	return l.def
}
