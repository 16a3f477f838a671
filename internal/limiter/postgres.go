package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter implementation with sliding window and lockout.
type PG struct {
	pool pgxQuerier
	s    Settings
	now  func() time.Time
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter over a pool or transaction.
func NewPG(q pgxQuerier, s Settings) *PG {
	return &PG{pool: q, s: s.normalize(), now: time.Now}
}

// Allow reports whether a lookup is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, doctorID uuid.UUID) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM lookup_limiter WHERE doctor_id=$1`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, doctorID).Scan(&blockedUntil)
	switch {
	case err == nil:
		now := l.now()
		if blockedUntil.After(now) {
			return false, blockedUntil.Sub(now), nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for the doctor.
func (l *PG) Success(ctx context.Context, doctorID uuid.UUID) error {
	const q = `
INSERT INTO lookup_limiter (doctor_id, fail_count, blocked_until, updated_at)
VALUES ($1,0,'epoch',now())
ON CONFLICT (doctor_id)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=now()`
	_, err := l.pool.Exec(ctx, q, doctorID)
	return err
}

// Failure records a lookup miss; may set a block until a future time.
func (l *PG) Failure(ctx context.Context, doctorID uuid.UUID) (bool, time.Duration, error) {
	const q = `
INSERT INTO lookup_limiter (doctor_id, fail_count, blocked_until, updated_at)
VALUES ($1,1,'epoch',now())
ON CONFLICT (doctor_id) DO UPDATE
SET
  fail_count = CASE WHEN EXCLUDED.updated_at - lookup_limiter.updated_at > $2::interval THEN 1 ELSE lookup_limiter.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, doctorID, l.s.Window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails >= l.s.MaxFails {
		blockUntil := l.now().Add(l.s.BlockFor)
		const upd = `UPDATE lookup_limiter SET blocked_until=$2 WHERE doctor_id=$1`
		if _, err := l.pool.Exec(ctx, upd, doctorID, blockUntil); err != nil {
			return false, 0, err
		}
		return true, l.s.BlockFor, nil
	}
	return false, 0, nil
}
