package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/medconsent/internal/errs"
	"github.com/and161185/medconsent/internal/model"
)

// PatientRepo implements PatientRepository using PostgreSQL.
type PatientRepo struct{ db *DB }

// NewPatientRepo constructs a patient repository.
func NewPatientRepo(db *DB) *PatientRepo { return &PatientRepo{db: db} }

const patientSelect = `
SELECT id, health_id, name, blood_group, date_of_birth, gender, allergies,
  medical_history, current_medications, chronic_conditions, vaccination_status
FROM patients`

// GetByID selects a patient by ID.
func (r *PatientRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Patient, error) {
	return r.one(ctx, patientSelect+` WHERE id=$1`, id)
}

// GetByHealthID selects a patient by health ID (case-insensitive, trimmed).
func (r *PatientRepo) GetByHealthID(ctx context.Context, healthID string) (*model.Patient, error) {
	healthID = strings.ToLower(strings.TrimSpace(healthID))
	if healthID == "" {
		return nil, errs.ErrNotFound
	}
	return r.one(ctx, patientSelect+` WHERE lower(health_id)=$1`, healthID)
}

// Upsert creates or replaces a patient profile. Used by seeding and tests.
func (r *PatientRepo) Upsert(ctx context.Context, p model.Patient) error {
	const q = `
INSERT INTO patients (id, health_id, name, blood_group, date_of_birth, gender, allergies,
  medical_history, current_medications, chronic_conditions, vaccination_status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
  health_id=EXCLUDED.health_id, name=EXCLUDED.name, blood_group=EXCLUDED.blood_group,
  date_of_birth=EXCLUDED.date_of_birth, gender=EXCLUDED.gender, allergies=EXCLUDED.allergies,
  medical_history=EXCLUDED.medical_history, current_medications=EXCLUDED.current_medications,
  chronic_conditions=EXCLUDED.chronic_conditions, vaccination_status=EXCLUDED.vaccination_status`
	allergies := p.Allergies
	if allergies == nil {
		allergies = []string{}
	}
	_, err := r.db.Pool.Exec(ctx, q, p.ID, p.HealthID, p.Name, p.BloodGroup, p.DateOfBirth, p.Gender,
		allergies, p.MedicalHistory, p.CurrentMedications, p.ChronicConditions, p.VaccinationStatus)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

func (r *PatientRepo) one(ctx context.Context, q string, arg any) (*model.Patient, error) {
	var p model.Patient
	err := r.db.Pool.QueryRow(ctx, q, arg).Scan(&p.ID, &p.HealthID, &p.Name, &p.BloodGroup, &p.DateOfBirth,
		&p.Gender, &p.Allergies, &p.MedicalHistory, &p.CurrentMedications, &p.ChronicConditions, &p.VaccinationStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}
