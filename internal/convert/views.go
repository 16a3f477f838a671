// Package convert maps domain values to and from their HTTP JSON representation.
package convert

import (
	"fmt"
	"strings"
	"time"

	u "github.com/gofrs/uuid/v5"

	"github.com/and161185/medconsent/internal/clock"
	"github.com/and161185/medconsent/internal/errs"
	"github.com/and161185/medconsent/internal/model"
)

// --- helpers ---

func ts(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}

func seconds(d time.Duration) int64 { return int64(d / time.Second) }

// ParseID parses a path or form UUID. A malformed value is errs.ErrInvalidInput.
func ParseID(name, s string) (u.UUID, error) {
	id, err := u.FromString(strings.TrimSpace(s))
	if err != nil || id == u.Nil {
		return u.Nil, fmt.Errorf("%w: invalid %s", errs.ErrInvalidInput, name)
	}
	return id, nil
}

// --- Grants ---

// Grant is the JSON view of an access grant.
type Grant struct {
	ID               string    `json:"id"`
	DoctorID         string    `json:"doctor_id"`
	PatientID        string    `json:"patient_id"`
	IssuedAt         time.Time `json:"issued_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	RemainingSeconds int64     `json:"remaining_seconds"`
}

// ToGrant converts a grant; remaining time is computed against now.
func ToGrant(g model.Grant, now time.Time) Grant {
	return Grant{
		ID:               g.ID,
		DoctorID:         g.DoctorID.String(),
		PatientID:        g.PatientID.String(),
		IssuedAt:         g.IssuedAt.UTC(),
		ExpiresAt:        g.ExpiresAt.UTC(),
		RemainingSeconds: seconds(clock.Remaining(g.ExpiresAt, now)),
	}
}

// GrantRequest is the body of a grant request.
type GrantRequest struct {
	HealthID string `json:"health_id"`
}

// GrantResponse wraps the grant returned by a grant request.
type GrantResponse struct {
	Grant   Grant `json:"grant"`
	Created bool  `json:"created"`
}

// ActiveGrant is a grant listed with the patient's display fields.
type ActiveGrant struct {
	Grant
	PatientName string `json:"patient_name"`
	HealthID    string `json:"health_id"`
}

// ToActiveGrants converts a doctor's grant listing.
func ToActiveGrants(in []model.ActiveGrant, now time.Time) []ActiveGrant {
	out := make([]ActiveGrant, 0, len(in))
	for _, g := range in {
		out = append(out, ActiveGrant{Grant: ToGrant(g.Grant, now), PatientName: g.PatientName, HealthID: g.HealthID})
	}
	return out
}

// Access answers "may this doctor read this patient right now".
type Access struct {
	Authorized       bool       `json:"authorized"`
	GrantID          string     `json:"grant_id,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RemainingSeconds int64      `json:"remaining_seconds"`
}

// ToAccess converts the pair's live grant; nil means no access.
func ToAccess(g *model.Grant, now time.Time) Access {
	if g == nil || !g.ActiveAt(now) {
		return Access{}
	}
	return Access{
		Authorized:       true,
		GrantID:          g.ID,
		ExpiresAt:        ts(&g.ExpiresAt),
		RemainingSeconds: seconds(clock.Remaining(g.ExpiresAt, now)),
	}
}

// --- Records ---

// Record is the JSON view of a medical record's metadata.
type Record struct {
	ID            string     `json:"id"`
	PatientID     string     `json:"patient_id"`
	UploaderID    string     `json:"uploader_id"`
	UploaderRole  string     `json:"uploader_role"`
	FileName      string     `json:"file_name"`
	ContentType   string     `json:"content_type"`
	SizeBytes     int64      `json:"size_bytes"`
	Description   string     `json:"description,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	State         string     `json:"processing_state"`
	FailureReason string     `json:"failure_reason,omitempty"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

// ToRecord converts record metadata. The storage key is never exposed.
func ToRecord(r model.MedicalRecord) Record {
	return Record{
		ID:            r.ID.String(),
		PatientID:     r.PatientID.String(),
		UploaderID:    r.UploaderID.String(),
		UploaderRole:  string(r.UploaderRole),
		FileName:      r.FileName,
		ContentType:   r.ContentType,
		SizeBytes:     r.SizeBytes,
		Description:   r.Description,
		CreatedAt:     r.CreatedAt.UTC(),
		State:         string(r.State),
		FailureReason: r.FailureReason,
		ProcessedAt:   ts(r.ProcessedAt),
	}
}

// ToRecords converts a record listing.
func ToRecords(in []model.MedicalRecord) []Record {
	out := make([]Record, 0, len(in))
	for _, r := range in {
		out = append(out, ToRecord(r))
	}
	return out
}

// Link is a retrieval handle for a record's file.
type Link struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// --- Summary ---

// SummaryEntry is one line of the summary log. DocumentDate is a calendar date (YYYY-MM-DD).
type SummaryEntry struct {
	Text         string    `json:"text"`
	DocumentDate *string   `json:"document_date"`
	RecordedAt   time.Time `json:"recorded_at"`
	RecordID     string    `json:"record_id,omitempty"`
}

// Summary is the JSON view of a patient's summary log.
type Summary struct {
	PatientID string         `json:"patient_id"`
	Version   int64          `json:"version"`
	Entries   []SummaryEntry `json:"entries"`
}

// ToSummary converts a summary log preserving entry order.
func ToSummary(l model.SummaryLog) Summary {
	out := Summary{PatientID: l.PatientID.String(), Version: l.Version, Entries: make([]SummaryEntry, 0, len(l.Entries))}
	for _, e := range l.Entries {
		se := SummaryEntry{Text: e.Text, RecordedAt: e.RecordedAt.UTC()}
		if e.DocumentDate != nil {
			d := e.DocumentDate.Format(time.DateOnly)
			se.DocumentDate = &d
		}
		if e.RecordID != u.Nil {
			se.RecordID = e.RecordID.String()
		}
		out.Entries = append(out.Entries, se)
	}
	return out
}

// --- Errors ---

// Error is the body of every non-2xx response.
type Error struct {
	Error string `json:"error"`
}
