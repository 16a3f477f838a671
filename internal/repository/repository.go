// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/medconsent/internal/model"
)

// PatientRepository reads patient profiles owned by the identity side.
type PatientRepository interface {
	// GetByID loads a patient by principal ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Patient, error)
	// GetByHealthID loads a patient by the health ID lookup key.
	GetByHealthID(ctx context.Context, healthID string) (*model.Patient, error)
}

// GrantRepository stores access grants. At most one active grant may exist per
// (doctor, patient) pair.
type GrantRepository interface {
	// IssueOrGet stores g unless an active grant exists for the pair at g.IssuedAt,
	// in which case the existing grant is returned with created=false.
	IssueOrGet(ctx context.Context, g model.Grant) (grant model.Grant, created bool, err error)
	// IsActive reports whether an unexpired grant exists for the pair at now.
	IsActive(ctx context.Context, doctorID, patientID uuid.UUID, now time.Time) (bool, error)
	// GetActive returns the unexpired grant for the pair at now.
	GetActive(ctx context.Context, doctorID, patientID uuid.UUID, now time.Time) (*model.Grant, error)
	// ListActive returns the doctor's unexpired grants, newest issuance first.
	ListActive(ctx context.Context, doctorID uuid.UUID, now time.Time) ([]model.ActiveGrant, error)
	// Delete removes a grant owned by doctorID. ErrNotFound if missing, ErrNotOwner if held by another doctor.
	Delete(ctx context.Context, grantID string, doctorID uuid.UUID) error
	// DeleteExpired removes grants with expires_at <= now and returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// RecordRepository stores medical record metadata and processing state.
type RecordRepository interface {
	// CreateIfAbsent inserts rec; an existing row with the same ID is left untouched.
	// The stored row is returned either way.
	CreateIfAbsent(ctx context.Context, rec model.MedicalRecord) (*model.MedicalRecord, error)
	// Get loads a record by ID.
	Get(ctx context.Context, id uuid.UUID) (*model.MedicalRecord, error)
	// ListByPatient returns the patient's records, newest first.
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]model.MedicalRecord, error)
	// SetState transitions a non-processed record. Processed rows are never changed (ErrVersionConflict).
	SetState(ctx context.Context, id uuid.UUID, state model.ProcessingState, reason string, at time.Time) error
}

// SummaryRepository stores per-patient summary logs.
type SummaryRepository interface {
	// Get returns the patient's log; an empty log with version 0 when none exists.
	Get(ctx context.Context, patientID uuid.UUID) (model.SummaryLog, error)
	// Update atomically reads the log, applies fn, and writes the result.
	// Concurrent updates for the same patient are serialized; none is lost.
	// When fn returns a log with an unchanged version nothing is written.
	Update(ctx context.Context, patientID uuid.UUID, fn func(model.SummaryLog) model.SummaryLog) (model.SummaryLog, error)
}
