package ratelimit

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// PostgresLimiter keeps the bucket counters in Postgres so admission stays
// correct across processes. The increment is a single upsert statement, so
// concurrent callers can momentarily push the raw counter past the limit
// but never gain more than limit admissions per window: every over-limit
// reservation is decremented back before the caller proceeds.
type PostgresLimiter struct {
	db *sql.DB

	mu     sync.Mutex
	limits senderLimits
}

func NewPostgresLimiter(db *sql.DB, defaultLimit int) *PostgresLimiter {
	return &PostgresLimiter{
		db:     db,
		limits: newSenderLimits(defaultLimit),
	}
}

func (l *PostgresLimiter) SetSenderLimit(senderID int64, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits.set(senderID, limit)
}

func (l *PostgresLimiter) limitFor(senderID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits.get(senderID)
}

const acquireQuery = `
        INSERT INTO rate_buckets (sender_id, window_start, count, expires_at)
        VALUES ($1, $2, 1, $3)
        ON CONFLICT (sender_id, window_start)
        DO UPDATE SET count = rate_buckets.count + 1
        RETURNING count
    `

const releaseQuery = `
        UPDATE rate_buckets SET count = count - 1
        WHERE sender_id=$1 AND window_start=$2 AND count > 0
    `

func (l *PostgresLimiter) TryAcquire(ctx context.Context, senderID int64, at time.Time) (Decision, error) {
	window := Window(at)
	denied := Decision{Allowed: false, RetryAfter: NextWindow(at).Sub(at)}

	var count int
	err := l.db.QueryRowContext(ctx, acquireQuery, senderID, window, window.Add(bucketTTL)).Scan(&count)
	if err != nil {
		// Fail closed: an unreachable counter store must not open the cap.
		return denied, err
	}

	if count > l.limitFor(senderID) {
		if _, err := l.db.ExecContext(ctx, releaseQuery, senderID, window); err != nil {
			return denied, err
		}
		return denied, nil
	}

	return Decision{Allowed: true}, nil
}

// PurgeExpired removes buckets whose window has fully elapsed. Their keys
// can never be hit again, so this is purely storage hygiene.
func (l *PostgresLimiter) PurgeExpired(now time.Time) (int64, error) {
	res, err := l.db.Exec(`DELETE FROM rate_buckets WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ Limiter = (*PostgresLimiter)(nil)
