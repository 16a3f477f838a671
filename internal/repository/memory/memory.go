// Package memory contains in-process implementations of repository interfaces.
// They back the development mode and tests; all state is lost on restart.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/medconsent/internal/errs"
	"github.com/and161185/medconsent/internal/model"
)

// PatientRepo stores patient profiles keyed by ID.
type PatientRepo struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]model.Patient
}

// NewPatientRepo constructs an empty patient store.
func NewPatientRepo() *PatientRepo {
	return &PatientRepo{byID: map[uuid.UUID]model.Patient{}}
}

// Upsert creates or replaces a patient. A health ID held by another patient is rejected.
func (r *PatientRepo) Upsert(_ context.Context, p model.Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(p.HealthID))
	for id, cur := range r.byID {
		if id != p.ID && strings.ToLower(cur.HealthID) == key {
			return errs.ErrAlreadyExists
		}
	}
	p.Allergies = append([]string(nil), p.Allergies...)
	r.byID[p.ID] = p
	return nil
}

// GetByID loads a patient by ID.
func (r *PatientRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &p, nil
}

// GetByHealthID loads a patient by health ID (case-insensitive, trimmed).
func (r *PatientRepo) GetByHealthID(_ context.Context, healthID string) (*model.Patient, error) {
	key := strings.ToLower(strings.TrimSpace(healthID))
	if key == "" {
		return nil, errs.ErrNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.byID {
		if strings.ToLower(p.HealthID) == key {
			return &p, nil
		}
	}
	return nil, errs.ErrNotFound
}

type pairKey struct{ doctor, patient uuid.UUID }

// GrantRepo stores one grant row per (doctor, patient) pair, mirroring the
// unique constraint of the relational schema.
type GrantRepo struct {
	mu       sync.Mutex
	byPair   map[pairKey]model.Grant
	patients *PatientRepo
}

// NewGrantRepo constructs a grant store. patients is used to decorate listings.
func NewGrantRepo(patients *PatientRepo) *GrantRepo {
	return &GrantRepo{byPair: map[pairKey]model.Grant{}, patients: patients}
}

// IssueOrGet stores g unless the pair holds a grant still active at g.IssuedAt.
func (r *GrantRepo) IssueOrGet(_ context.Context, g model.Grant) (model.Grant, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := pairKey{g.DoctorID, g.PatientID}
	if cur, ok := r.byPair[k]; ok && cur.ActiveAt(g.IssuedAt) {
		return cur, false, nil
	}
	r.byPair[k] = g
	return g, true, nil
}

// IsActive reports whether the pair holds a grant active at now.
func (r *GrantRepo) IsActive(_ context.Context, doctorID, patientID uuid.UUID, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.byPair[pairKey{doctorID, patientID}]
	return ok && g.ActiveAt(now), nil
}

// GetActive returns the pair's grant active at now.
func (r *GrantRepo) GetActive(_ context.Context, doctorID, patientID uuid.UUID, now time.Time) (*model.Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.byPair[pairKey{doctorID, patientID}]
	if !ok || !g.ActiveAt(now) {
		return nil, errs.ErrNotFound
	}
	return &g, nil
}

// ListActive returns the doctor's grants active at now, newest issuance first.
func (r *GrantRepo) ListActive(ctx context.Context, doctorID uuid.UUID, now time.Time) ([]model.ActiveGrant, error) {
	r.mu.Lock()
	var gs []model.Grant
	for k, g := range r.byPair {
		if k.doctor == doctorID && g.ActiveAt(now) {
			gs = append(gs, g)
		}
	}
	r.mu.Unlock()

	sort.Slice(gs, func(i, j int) bool {
		if !gs[i].IssuedAt.Equal(gs[j].IssuedAt) {
			return gs[i].IssuedAt.After(gs[j].IssuedAt)
		}
		return gs[i].ID > gs[j].ID
	})

	out := make([]model.ActiveGrant, 0, len(gs))
	for _, g := range gs {
		p, err := r.patients.GetByID(ctx, g.PatientID)
		if err != nil {
			// inner join semantics: grants of unknown patients are not listed
			continue
		}
		out = append(out, model.ActiveGrant{Grant: g, PatientName: p.Name, HealthID: p.HealthID})
	}
	return out, nil
}

// Delete removes a grant held by doctorID.
func (r *GrantRepo) Delete(_ context.Context, grantID string, doctorID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, g := range r.byPair {
		if g.ID != grantID {
			continue
		}
		if k.doctor != doctorID {
			return errs.ErrNotOwner
		}
		delete(r.byPair, k)
		return nil
	}
	return errs.ErrNotFound
}

// DeleteExpired removes grants with expiresAt <= now.
func (r *GrantRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, g := range r.byPair {
		if !g.ActiveAt(now) {
			delete(r.byPair, k)
			n++
		}
	}
	return n, nil
}

// RecordRepo stores medical record metadata.
type RecordRepo struct {
	mu   sync.Mutex
	byID map[uuid.UUID]model.MedicalRecord
}

// NewRecordRepo constructs an empty record store.
func NewRecordRepo() *RecordRepo {
	return &RecordRepo{byID: map[uuid.UUID]model.MedicalRecord{}}
}

// CreateIfAbsent inserts rec unless its ID exists and returns the stored row.
func (r *RecordRepo) CreateIfAbsent(_ context.Context, rec model.MedicalRecord) (*model.MedicalRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byID[rec.ID]; ok {
		return &cur, nil
	}
	r.byID[rec.ID] = rec
	return &rec, nil
}

// Get loads a record by ID.
func (r *RecordRepo) Get(_ context.Context, id uuid.UUID) (*model.MedicalRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &rec, nil
}

// ListByPatient returns the patient's records, newest first.
func (r *RecordRepo) ListByPatient(_ context.Context, patientID uuid.UUID) ([]model.MedicalRecord, error) {
	r.mu.Lock()
	out := []model.MedicalRecord{}
	for _, rec := range r.byID {
		if rec.PatientID == patientID {
			out = append(out, rec)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// SetState transitions a record that is not yet processed.
func (r *RecordRepo) SetState(_ context.Context, id uuid.UUID, state model.ProcessingState, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	if rec.State == model.StateProcessed {
		return errs.ErrVersionConflict
	}
	rec.State = state
	rec.FailureReason = reason
	rec.ProcessedAt = &at
	r.byID[id] = rec
	return nil
}

// SummaryRepo stores summary logs. Update holds a per-patient lock for the
// duration of fn, so concurrent appends for one patient are serialized.
type SummaryRepo struct {
	mu    sync.Mutex
	logs  map[uuid.UUID]model.SummaryLog
	locks map[uuid.UUID]*sync.Mutex
}

// NewSummaryRepo constructs an empty summary store.
func NewSummaryRepo() *SummaryRepo {
	return &SummaryRepo{logs: map[uuid.UUID]model.SummaryLog{}, locks: map[uuid.UUID]*sync.Mutex{}}
}

// Get returns a copy of the patient's log, or an empty log at version 0.
func (r *SummaryRepo) Get(_ context.Context, patientID uuid.UUID) (model.SummaryLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(patientID), nil
}

// Update applies fn to the current log under the patient's lock.
func (r *SummaryRepo) Update(
	ctx context.Context, patientID uuid.UUID, fn func(model.SummaryLog) model.SummaryLog,
) (model.SummaryLog, error) {
	if err := ctx.Err(); err != nil {
		return model.SummaryLog{}, err
	}
	r.mu.Lock()
	l, ok := r.locks[patientID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[patientID] = l
	}
	r.mu.Unlock()

	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	cur := r.snapshot(patientID)
	r.mu.Unlock()

	next := fn(cur)
	if next.Version == cur.Version {
		return cur, nil
	}
	next.PatientID = patientID
	next.Entries = append([]model.SummaryEntry(nil), next.Entries...)

	r.mu.Lock()
	r.logs[patientID] = next
	r.mu.Unlock()
	return next, nil
}

func (r *SummaryRepo) snapshot(patientID uuid.UUID) model.SummaryLog {
	l, ok := r.logs[patientID]
	if !ok {
		return model.SummaryLog{PatientID: patientID, Entries: []model.SummaryEntry{}}
	}
	l.Entries = append([]model.SummaryEntry{}, l.Entries...)
	return l
}
