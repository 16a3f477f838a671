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

// RecordRepo implements RecordRepository using PostgreSQL.
type RecordRepo struct{ db *DB }

// NewRecordRepo constructs a record repository.
func NewRecordRepo(db *DB) *RecordRepo { return &RecordRepo{db: db} }

const recordColumns = `id, patient_id, uploader_id, uploader_role, storage_ref, file_name, content_type,
size_bytes, description, created_at, processing_state, failure_reason, processed_at`

// CreateIfAbsent inserts the record unless a row with the same id exists.
func (r *RecordRepo) CreateIfAbsent(ctx context.Context, rec model.MedicalRecord) (*model.MedicalRecord, error) {
	const q = `
INSERT INTO medical_records (id, patient_id, uploader_id, uploader_role, storage_ref, file_name,
  content_type, size_bytes, description, created_at, processing_state)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING`
	_, err := r.db.Pool.Exec(ctx, q,
		rec.ID, rec.PatientID, rec.UploaderID, string(rec.UploaderRole), rec.StorageRef, rec.FileName,
		rec.ContentType, rec.SizeBytes, rec.Description, rec.CreatedAt, string(rec.State))
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, rec.ID)
}

// Get loads a record by id.
func (r *RecordRepo) Get(ctx context.Context, id uuid.UUID) (*model.MedicalRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM medical_records WHERE id=$1`
	rec, err := scanRecord(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// ListByPatient returns the patient's records ordered by created_at DESC.
func (r *RecordRepo) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]model.MedicalRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM medical_records WHERE patient_id=$1 ORDER BY created_at DESC`
	rows, err := r.db.Pool.Query(ctx, q, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.MedicalRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// SetState transitions a record that is not yet processed.
func (r *RecordRepo) SetState(ctx context.Context, id uuid.UUID, state model.ProcessingState, reason string, at time.Time) error {
	const q = `
UPDATE medical_records
SET processing_state=$2, failure_reason=$3, processed_at=$4
WHERE id=$1 AND processing_state <> 'processed'`
	tag, err := r.db.Pool.Exec(ctx, q, id, string(state), reason, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return errs.ErrVersionConflict
}

func scanRecord(row pgx.Row) (*model.MedicalRecord, error) {
	var (
		rec         model.MedicalRecord
		role, state string
		processedAt *time.Time
	)
	err := row.Scan(&rec.ID, &rec.PatientID, &rec.UploaderID, &role, &rec.StorageRef, &rec.FileName,
		&rec.ContentType, &rec.SizeBytes, &rec.Description, &rec.CreatedAt, &state, &rec.FailureReason, &processedAt)
	if err != nil {
		return nil, err
	}
	rec.UploaderRole = model.Role(role)
	rec.State = model.ProcessingState(state)
	rec.ProcessedAt = processedAt
	return &rec, nil
}
