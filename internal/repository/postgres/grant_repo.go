package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/medconsent/internal/errs"
	"github.com/and161185/medconsent/internal/model"
)

// issueAttempts bounds retries when the active grant disappears between the
// upsert and the follow-up read (revoked or expired in between).
const issueAttempts = 3

// GrantRepo implements GrantRepository using PostgreSQL.
//
// The access_grants table has UNIQUE(doctor_id, patient_id): one row per pair.
// An expired row is replaced in place by the upsert, an active row is kept.
type GrantRepo struct{ db *DB }

// NewGrantRepo constructs a grant repository.
func NewGrantRepo(db *DB) *GrantRepo { return &GrantRepo{db: db} }

// IssueOrGet inserts g or returns the pair's active grant.
func (r *GrantRepo) IssueOrGet(ctx context.Context, g model.Grant) (model.Grant, bool, error) {
	const q = `
INSERT INTO access_grants (id, doctor_id, patient_id, issued_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (doctor_id, patient_id) DO UPDATE
SET id = EXCLUDED.id, issued_at = EXCLUDED.issued_at, expires_at = EXCLUDED.expires_at
WHERE access_grants.expires_at <= EXCLUDED.issued_at
RETURNING id, doctor_id, patient_id, issued_at, expires_at`

	for attempt := 0; attempt < issueAttempts; attempt++ {
		var out model.Grant
		err := r.db.Pool.QueryRow(ctx, q, g.ID, g.DoctorID, g.PatientID, g.IssuedAt, g.ExpiresAt).
			Scan(&out.ID, &out.DoctorID, &out.PatientID, &out.IssuedAt, &out.ExpiresAt)
		switch {
		case err == nil:
			return out, true, nil
		case errors.Is(err, pgx.ErrNoRows):
			// Conflict with an active grant: hand back the existing one.
			cur, gerr := r.GetActive(ctx, g.DoctorID, g.PatientID, g.IssuedAt)
			if gerr == nil {
				return *cur, false, nil
			}
			if !errors.Is(gerr, errs.ErrNotFound) {
				return model.Grant{}, false, gerr
			}
		default:
			return model.Grant{}, false, err
		}
	}
	return model.Grant{}, false, errs.ErrConflict
}

// IsActive reports whether an unexpired grant exists for the pair.
func (r *GrantRepo) IsActive(ctx context.Context, doctorID, patientID uuid.UUID, now time.Time) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM access_grants WHERE doctor_id=$1 AND patient_id=$2 AND expires_at > $3)`
	var ok bool
	if err := r.db.Pool.QueryRow(ctx, q, doctorID, patientID, now).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// GetActive returns the pair's unexpired grant.
func (r *GrantRepo) GetActive(ctx context.Context, doctorID, patientID uuid.UUID, now time.Time) (*model.Grant, error) {
	const q = `
SELECT id, doctor_id, patient_id, issued_at, expires_at
FROM access_grants WHERE doctor_id=$1 AND patient_id=$2 AND expires_at > $3`
	var g model.Grant
	err := r.db.Pool.QueryRow(ctx, q, doctorID, patientID, now).
		Scan(&g.ID, &g.DoctorID, &g.PatientID, &g.IssuedAt, &g.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &g, nil
}

// ListActive returns the doctor's unexpired grants joined with patient display fields.
func (r *GrantRepo) ListActive(ctx context.Context, doctorID uuid.UUID, now time.Time) ([]model.ActiveGrant, error) {
	const q = `
SELECT g.id, g.doctor_id, g.patient_id, g.issued_at, g.expires_at, p.name, p.health_id
FROM access_grants g
JOIN patients p ON p.id = g.patient_id
WHERE g.doctor_id=$1 AND g.expires_at > $2
ORDER BY g.issued_at DESC`
	rows, err := r.db.Pool.Query(ctx, q, doctorID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.ActiveGrant{}
	for rows.Next() {
		var a model.ActiveGrant
		if err = rows.Scan(&a.ID, &a.DoctorID, &a.PatientID, &a.IssuedAt, &a.ExpiresAt, &a.PatientName, &a.HealthID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Delete removes the grant if it belongs to doctorID.
func (r *GrantRepo) Delete(ctx context.Context, grantID string, doctorID uuid.UUID) error {
	const del = `DELETE FROM access_grants WHERE id=$1 AND doctor_id=$2`
	tag, err := r.db.Pool.Exec(ctx, del, grantID, doctorID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	const sel = `SELECT doctor_id FROM access_grants WHERE id=$1`
	var owner uuid.UUID
	if err := r.db.Pool.QueryRow(ctx, sel, grantID).Scan(&owner); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrNotFound
		}
		return err
	}
	return errs.ErrNotOwner
}

// DeleteExpired removes every grant with expires_at <= now.
func (r *GrantRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const q = `DELETE FROM access_grants WHERE expires_at <= $1`
	tag, err := r.db.Pool.Exec(ctx, q, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
