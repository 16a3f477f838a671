// Package model defines domain entities used by services and repositories.
package model

import (
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Role is the principal kind supplied by the identity provider.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleDoctor || r == RolePatient }

// Principal is an authenticated caller. The core trusts ID and Role verbatim.
type Principal struct {
	ID   uuid.UUID
	Role Role
}

// Patient is the subset of a patient profile the core reads.
type Patient struct {
	ID                 uuid.UUID
	HealthID           string // unique lookup key handed to doctors
	Name               string
	BloodGroup         string
	DateOfBirth        string
	Gender             string
	Allergies          []string
	MedicalHistory     string
	CurrentMedications string
	ChronicConditions  string
	VaccinationStatus  string
}

// Context returns the minimal patient context passed to the digest adapter.
func (p Patient) Context() PatientContext {
	return PatientContext{
		Name:               p.Name,
		Gender:             p.Gender,
		DateOfBirth:        p.DateOfBirth,
		BloodGroup:         p.BloodGroup,
		Allergies:          append([]string(nil), p.Allergies...),
		MedicalHistory:     p.MedicalHistory,
		CurrentMedications: p.CurrentMedications,
		ChronicConditions:  p.ChronicConditions,
		VaccinationStatus:  p.VaccinationStatus,
	}
}

// PatientContext is the known-history context for digesting a document.
type PatientContext struct {
	Name               string
	Gender             string
	DateOfBirth        string
	BloodGroup         string
	Allergies          []string
	MedicalHistory     string
	CurrentMedications string
	ChronicConditions  string
	VaccinationStatus  string
}

// Empty reports whether nothing is known about the patient.
func (pc PatientContext) Empty() bool {
	return pc.Name == "" && pc.Gender == "" && pc.DateOfBirth == "" && pc.BloodGroup == "" &&
		len(pc.Allergies) == 0 && pc.MedicalHistory == "" && pc.CurrentMedications == "" &&
		pc.ChronicConditions == "" && pc.VaccinationStatus == ""
}

// Grant is a time-boxed permission for one doctor to read one patient's records.
type Grant struct {
	ID        string // ULID, sortable by issuance
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ActiveAt reports whether the grant is active at now (expiresAt > now).
func (g Grant) ActiveAt(now time.Time) bool { return g.ExpiresAt.After(now) }

// ActiveGrant is a grant joined with the patient's display fields.
type ActiveGrant struct {
	Grant
	PatientName string
	HealthID    string
}

// ProcessingState is the ingestion state of a MedicalRecord.
type ProcessingState string

const (
	StatePending   ProcessingState = "pending"
	StateProcessed ProcessingState = "processed"
	StateFailed    ProcessingState = "failed"
)

// Terminal reports whether no further automatic transition happens from s.
func (s ProcessingState) Terminal() bool { return s == StateProcessed || s == StateFailed }

// MedicalRecord is the metadata of an uploaded document.
type MedicalRecord struct {
	ID            uuid.UUID
	PatientID     uuid.UUID
	UploaderID    uuid.UUID
	UploaderRole  Role
	StorageRef    string // object store key
	FileName      string
	ContentType   string
	SizeBytes     int64
	Description   string
	CreatedAt     time.Time
	State         ProcessingState
	FailureReason string
	ProcessedAt   *time.Time
}

// IsImage reports whether the record content is an image and therefore goes through extraction.
func (r MedicalRecord) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(r.ContentType)), "image/")
}

// SummaryEntry is one digest in a patient's summary log.
type SummaryEntry struct {
	Text         string
	DocumentDate *time.Time // date found in the document, nil when none
	RecordedAt   time.Time  // ingestion time
	RecordID     uuid.UUID  // source record, uuid.Nil for entries without one
}

// SortKey is documentDate when present, else recordedAt.
func (e SummaryEntry) SortKey() time.Time {
	if e.DocumentDate != nil {
		return *e.DocumentDate
	}
	return e.RecordedAt
}

// SummaryLog is the bounded, ordered digest log owned by one patient.
type SummaryLog struct {
	PatientID uuid.UUID
	Version   int64 // incremented on each append
	Entries   []SummaryEntry
	UpdatedAt time.Time
}

// Contains reports whether the log already holds an entry for recordID.
func (l SummaryLog) Contains(recordID uuid.UUID) bool {
	if recordID == uuid.Nil {
		return false
	}
	for _, e := range l.Entries {
		if e.RecordID == recordID {
			return true
		}
	}
	return false
}
