package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/medconsent/internal/adapters"
	"github.com/and161185/medconsent/internal/blob"
	"github.com/and161185/medconsent/internal/clock"
	"github.com/and161185/medconsent/internal/errs"
	"github.com/and161185/medconsent/internal/metrics"
	"github.com/and161185/medconsent/internal/model"
	"github.com/and161185/medconsent/internal/repository"
	"github.com/and161185/medconsent/internal/summary"
)

// Access is the part of GrantService the ingestion side depends on.
type Access interface {
	AuthorizeRead(ctx context.Context, p model.Principal, patientID uuid.UUID) error
	ActiveGrant(ctx context.Context, doctorID, patientID uuid.UUID) (*model.Grant, error)
}

// UploadInput is a document submitted for a patient.
type UploadInput struct {
	PatientID   uuid.UUID
	FileName    string
	ContentType string
	Description string
	Content     io.Reader
}

// IngestDeps are the collaborators of IngestService.
type IngestDeps struct {
	Records   repository.RecordRepository
	Summaries repository.SummaryRepository
	Patients  repository.PatientRepository
	Access    Access
	Blobs     blob.Store
	Signer    *blob.Signer
	Extractor adapters.Extractor
	Digester  adapters.Digester
	// Profiler seeds an empty summary log from the patient profile; nil disables it.
	Profiler adapters.Profiler
	Clock    clock.Clock
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	// MaxUpload bounds a single document; <= 0 disables the check.
	MaxUpload int64
	// LinkTTL bounds retrieval handles; doctors' handles also end with their grant.
	LinkTTL time.Duration
}

// IngestService stores documents and folds their digests into the patient's summary log.
type IngestService struct {
	d IngestDeps
}

// DefaultLinkTTL is used when IngestDeps.LinkTTL is unset.
const DefaultLinkTTL = time.Hour

// NewIngestService constructs an IngestService.
func NewIngestService(d IngestDeps) *IngestService {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.LinkTTL <= 0 {
		d.LinkTTL = DefaultLinkTTL
	}
	return &IngestService{d: d}
}

// Upload authorizes the uploader, stores the bytes and runs Ingest.
// A storage failure aborts before any record exists.
func (s *IngestService) Upload(ctx context.Context, p model.Principal, in UploadInput) (*model.MedicalRecord, error) {
	if in.PatientID == uuid.Nil || in.Content == nil || strings.TrimSpace(in.FileName) == "" {
		return nil, fmt.Errorf("%w: patient, file name and content are required", errs.ErrInvalidInput)
	}
	if err := s.d.Access.AuthorizeRead(ctx, p, in.PatientID); err != nil {
		return nil, err
	}

	src := in.Content
	if s.d.MaxUpload > 0 {
		src = io.LimitReader(in.Content, s.d.MaxUpload+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("%w: read upload: %v", errs.ErrInvalidInput, err)
	}
	if s.d.MaxUpload > 0 && int64(len(data)) > s.d.MaxUpload {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", errs.ErrTooLarge, s.d.MaxUpload)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", errs.ErrInvalidInput)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	key := blob.Key(in.PatientID, id, in.FileName)
	size, err := s.d.Blobs.Put(ctx, key, bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, blob.ErrTooLarge) {
			return nil, fmt.Errorf("%w: %v", errs.ErrTooLarge, err)
		}
		return nil, fmt.Errorf("store file: %w: %v", errs.ErrStorageFailure, err)
	}

	contentType := strings.TrimSpace(in.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	rec := model.MedicalRecord{
		ID:           id,
		PatientID:    in.PatientID,
		UploaderID:   p.ID,
		UploaderRole: p.Role,
		StorageRef:   key,
		FileName:     strings.TrimSpace(in.FileName),
		ContentType:  contentType,
		SizeBytes:    size,
		Description:  strings.TrimSpace(in.Description),
		CreatedAt:    s.d.Clock.Now(),
		State:        model.StatePending,
	}
	return s.Ingest(ctx, rec, data)
}

// Ingest drives one record through Pending -> Processed | Failed.
//
// The record is persisted first; re-running Ingest for the same record ID reuses
// the stored row, and a Processed record is returned untouched. Adapter failures
// mark the record Failed and are not returned as errors: the upload itself stands.
// Storage failures are returned and leave the record Pending.
func (s *IngestService) Ingest(ctx context.Context, rec model.MedicalRecord, content []byte) (*model.MedicalRecord, error) {
	if rec.ID == uuid.Nil || rec.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: record and patient id are required", errs.ErrInvalidInput)
	}
	if rec.State == "" {
		rec.State = model.StatePending
	}

	// 1. persist
	stored, err := s.d.Records.CreateIfAbsent(ctx, rec)
	if err != nil {
		return nil, storageErr("persist record", err)
	}
	if stored.State == model.StateProcessed {
		return stored, nil
	}
	log := s.d.Log.With(zap.String("record_id", stored.ID.String()), zap.String("patient_id", stored.PatientID.String()))

	// 2. nothing to extract
	if !stored.IsImage() {
		return s.markProcessed(ctx, stored)
	}

	pc, err := s.patientContext(ctx, stored.PatientID)
	if err != nil {
		return nil, err
	}

	// 3. extract
	text, err := s.d.Extractor.Extract(ctx, content, stored.ContentType)
	if err != nil {
		return s.markFailed(ctx, log, stored, err)
	}

	// 4. digest
	raw, err := s.d.Digester.Digest(ctx, text, pc)
	if err != nil {
		return s.markFailed(ctx, log, stored, err)
	}

	// 5. date
	entry := model.SummaryEntry{
		Text:         summary.CleanDigest(raw),
		DocumentDate: summary.ExtractDate(text),
		RecordedAt:   s.d.Clock.Now(),
		RecordID:     stored.ID,
	}

	seed := s.profileEntry(ctx, log, stored.PatientID, pc)

	// 6. a concurrent run may have resolved the record while the adapters ran
	cur, err := s.d.Records.Get(ctx, stored.ID)
	if err != nil {
		return nil, storageErr("reload record", err)
	}
	if cur.State == model.StateProcessed {
		return cur, nil
	}

	// 7. atomic append, then resolve the record.
	// Apply dedups by record ID only while the entry is still in the log: if
	// markProcessed fails here and the entry is later trimmed, a retry of this
	// Pending record appends it again.
	if _, err := s.d.Summaries.Update(ctx, stored.PatientID, func(l model.SummaryLog) model.SummaryLog {
		if seed != nil && l.Version == 0 {
			l = summary.Apply(l, *seed)
		}
		return summary.Apply(l, entry)
	}); err != nil {
		return nil, storageErr("append summary", err)
	}
	return s.markProcessed(ctx, stored)
}

// profileEntry builds the baseline entry for a patient whose log was never
// written. It is best effort: any failure leaves the log to start with the document.
func (s *IngestService) profileEntry(ctx context.Context, log *zap.Logger, patientID uuid.UUID, pc model.PatientContext) *model.SummaryEntry {
	if s.d.Profiler == nil || pc.Empty() {
		return nil
	}
	l, err := s.d.Summaries.Get(ctx, patientID)
	if err != nil {
		log.Warn("profile summary skipped", zap.Error(err))
		return nil
	}
	if l.Version != 0 {
		return nil
	}
	raw, err := s.d.Profiler.Profile(ctx, pc)
	if err != nil {
		log.Warn("profile summary skipped", zap.Error(err))
		return nil
	}
	return &model.SummaryEntry{
		Text:       summary.CleanProfile(raw),
		RecordedAt: s.d.Clock.Now(),
		RecordID:   uuid.Nil,
	}
}

func (s *IngestService) patientContext(ctx context.Context, patientID uuid.UUID) (model.PatientContext, error) {
	if s.d.Patients == nil {
		return model.PatientContext{}, nil
	}
	p, err := s.d.Patients.GetByID(ctx, patientID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.PatientContext{}, nil
		}
		return model.PatientContext{}, storageErr("patient context", err)
	}
	return p.Context(), nil
}

func (s *IngestService) markProcessed(ctx context.Context, rec *model.MedicalRecord) (*model.MedicalRecord, error) {
	now := s.d.Clock.Now()
	if err := s.d.Records.SetState(ctx, rec.ID, model.StateProcessed, "", now); err != nil {
		if errors.Is(err, errs.ErrVersionConflict) {
			// a concurrent run finished first
			cur, gerr := s.d.Records.Get(ctx, rec.ID)
			if gerr != nil {
				return nil, storageErr("reload record", gerr)
			}
			return cur, nil
		}
		return nil, storageErr("mark processed", err)
	}
	out := *rec
	out.State = model.StateProcessed
	out.FailureReason = ""
	out.ProcessedAt = &now
	s.d.Metrics.IngestOutcome(string(model.StateProcessed))
	return &out, nil
}

func (s *IngestService) markFailed(ctx context.Context, log *zap.Logger, rec *model.MedicalRecord, cause error) (*model.MedicalRecord, error) {
	now := s.d.Clock.Now()
	reason := cause.Error()
	log.Warn("record processing failed", zap.String("reason", reason))
	if err := s.d.Records.SetState(ctx, rec.ID, model.StateFailed, reason, now); err != nil {
		if errors.Is(err, errs.ErrVersionConflict) {
			cur, gerr := s.d.Records.Get(ctx, rec.ID)
			if gerr != nil {
				return nil, storageErr("reload record", gerr)
			}
			return cur, nil
		}
		return nil, storageErr("mark failed", err)
	}
	out := *rec
	out.State = model.StateFailed
	out.FailureReason = reason
	out.ProcessedAt = &now
	s.d.Metrics.IngestOutcome(string(model.StateFailed))
	return &out, nil
}

// Resubmit re-runs Ingest for a stored record using the bytes kept in the blob store.
func (s *IngestService) Resubmit(ctx context.Context, p model.Principal, recordID uuid.UUID) (*model.MedicalRecord, error) {
	rec, err := s.d.Records.Get(ctx, recordID)
	if err != nil {
		return nil, storageErr("load record", err)
	}
	if err := s.d.Access.AuthorizeRead(ctx, p, rec.PatientID); err != nil {
		return nil, err
	}
	if rec.State == model.StateProcessed {
		return rec, nil
	}
	data, err := blob.ReadAll(ctx, s.d.Blobs, rec.StorageRef)
	if err != nil {
		return nil, fmt.Errorf("load file: %w: %v", errs.ErrStorageFailure, err)
	}
	return s.Ingest(ctx, *rec, data)
}

// Summary returns the patient's summary log.
func (s *IngestService) Summary(ctx context.Context, p model.Principal, patientID uuid.UUID) (model.SummaryLog, error) {
	if err := s.d.Access.AuthorizeRead(ctx, p, patientID); err != nil {
		return model.SummaryLog{}, err
	}
	l, err := s.d.Summaries.Get(ctx, patientID)
	if err != nil {
		return model.SummaryLog{}, storageErr("load summary", err)
	}
	return l, nil
}

// Records returns the patient's records, newest first.
func (s *IngestService) Records(ctx context.Context, p model.Principal, patientID uuid.UUID) ([]model.MedicalRecord, error) {
	if err := s.d.Access.AuthorizeRead(ctx, p, patientID); err != nil {
		return nil, err
	}
	out, err := s.d.Records.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, storageErr("list records", err)
	}
	return out, nil
}

// Link issues a retrieval handle for a record's file. A doctor's handle never
// outlives the grant it was issued under.
func (s *IngestService) Link(ctx context.Context, p model.Principal, recordID uuid.UUID) (string, time.Time, error) {
	if s.d.Signer == nil {
		return "", time.Time{}, fmt.Errorf("%w: links are not configured", errs.ErrStorageFailure)
	}
	rec, err := s.d.Records.Get(ctx, recordID)
	if err != nil {
		return "", time.Time{}, storageErr("load record", err)
	}
	if err := s.d.Access.AuthorizeRead(ctx, p, rec.PatientID); err != nil {
		return "", time.Time{}, err
	}

	exp := s.d.Clock.Now().Add(s.d.LinkTTL)
	if p.Role == model.RoleDoctor {
		g, err := s.d.Access.ActiveGrant(ctx, p.ID, rec.PatientID)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return "", time.Time{}, errs.ErrForbidden
			}
			return "", time.Time{}, err
		}
		if g.ExpiresAt.Before(exp) {
			exp = g.ExpiresAt
		}
	}
	tok, err := s.d.Signer.Sign(blob.Link{Key: rec.StorageRef, ContentType: rec.ContentType, FileName: rec.FileName, ExpiresAt: exp})
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, exp, nil
}

// Open resolves a retrieval handle to the file content.
func (s *IngestService) Open(ctx context.Context, token string) (io.ReadCloser, blob.Link, error) {
	if s.d.Signer == nil {
		return nil, blob.Link{}, errs.ErrUnauthorized
	}
	l, err := s.d.Signer.Verify(token)
	if err != nil {
		return nil, blob.Link{}, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	rc, err := s.d.Blobs.Get(ctx, l.Key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, blob.Link{}, errs.ErrNotFound
		}
		return nil, blob.Link{}, fmt.Errorf("open file: %w: %v", errs.ErrStorageFailure, err)
	}
	return rc, l, nil
}
