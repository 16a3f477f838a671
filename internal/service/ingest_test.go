package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/medconsent/internal/adapters"
	"github.com/and161185/medconsent/internal/blob"
	"github.com/and161185/medconsent/internal/errs"
	"github.com/and161185/medconsent/internal/model"
	"github.com/and161185/medconsent/internal/repository/memory"
	"github.com/and161185/medconsent/internal/summary"
)

const typhidotReport = `PATHOLOGY DEPARTMENT
REGISTERED: 23-Nov-2022 10:14
TYPHIDOT (IgG / IgM)
Typhidot IgG : Negative
Typhidot IgM : Negative`

type ingestFixture struct {
	*grantFixture
	svc       *IngestService
	records   *memory.RecordRepo
	summaries *memory.SummaryRepo
	blobs     *blob.MemStore
	extracts  atomic.Int32
	digests   atomic.Int32
	extractFn func(data []byte) (string, error)
	digestFn  func(text string, pc model.PatientContext) (string, error)
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()
	f := &ingestFixture{
		grantFixture: newGrantFixture(t),
		records:      memory.NewRecordRepo(),
		summaries:    memory.NewSummaryRepo(),
		blobs:        blob.NewMemStore(1 << 20),
	}
	f.extractFn = func([]byte) (string, error) { return typhidotReport, nil }
	f.digestFn = func(string, model.PatientContext) (string, error) {
		return "Typhidot IgG and IgM negative. No significant findings.", nil
	}
	ext := adapters.ExtractorFunc(func(_ context.Context, data []byte, _ string) (string, error) {
		f.extracts.Add(1)
		return f.extractFn(data)
	})
	dig := adapters.DigesterFunc(func(_ context.Context, text string, pc model.PatientContext) (string, error) {
		f.digests.Add(1)
		return f.digestFn(text, pc)
	})
	guard := adapters.Guard{Timeout: time.Second}
	f.svc = NewIngestService(IngestDeps{
		Records:   f.records,
		Summaries: f.summaries,
		Patients:  f.patients,
		Access:    f.grantFixture.svc,
		Blobs:     f.blobs,
		Signer:    blob.NewSigner([]byte("test-link-key"), f.clk.Now),
		Extractor: guard.Extractor(ext),
		Digester:  guard.Digester(dig),
		Clock:     f.clk,
		Log:       zaptest.NewLogger(t),
		MaxUpload: 1024,
		LinkTTL:   time.Hour,
	})
	return f
}

func (f *ingestFixture) self() model.Principal {
	return model.Principal{ID: f.patient.ID, Role: model.RolePatient}
}

func (f *ingestFixture) upload(t *testing.T, name, ct string) *model.MedicalRecord {
	t.Helper()
	rec, err := f.svc.Upload(context.Background(), f.self(), UploadInput{
		PatientID: f.patient.ID, FileName: name, ContentType: ct, Content: strings.NewReader("scan-bytes"),
	})
	require.NoError(t, err)
	return rec
}

func TestUpload_TyphidotReportLandsInSummary(t *testing.T) {
	f := newIngestFixture(t)
	rec := f.upload(t, "typhidot.png", "image/png")

	require.Equal(t, model.StateProcessed, rec.State)
	require.NotNil(t, rec.ProcessedAt)

	l, err := f.svc.Summary(context.Background(), f.self(), f.patient.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), l.Version)
	require.Len(t, l.Entries, 1)
	e := l.Entries[0]
	require.Equal(t, "Typhidot IgG and IgM negative", e.Text)
	require.NotNil(t, e.DocumentDate)
	require.Equal(t, "2022-11-23", e.DocumentDate.Format(time.DateOnly))
	require.Equal(t, rec.ID, e.RecordID)
	require.True(t, e.RecordedAt.Equal(f.clk.Now()))

	got, err := blob.ReadAll(context.Background(), f.blobs, rec.StorageRef)
	require.NoError(t, err)
	require.Equal(t, "scan-bytes", string(got))
}

func TestUpload_DigestReceivesPatientContext(t *testing.T) {
	f := newIngestFixture(t)
	p := f.patient
	p.Allergies = []string{"penicillin"}
	p.MedicalHistory = "typhoid 2019"
	require.NoError(t, f.patients.Upsert(context.Background(), p))

	var seen model.PatientContext
	f.digestFn = func(_ string, pc model.PatientContext) (string, error) {
		seen = pc
		return "ok", nil
	}
	f.upload(t, "x.jpg", "image/jpeg")
	require.Equal(t, []string{"penicillin"}, seen.Allergies)
	require.Equal(t, "typhoid 2019", seen.MedicalHistory)
}

func TestUpload_NonImageSkipsAdapters(t *testing.T) {
	f := newIngestFixture(t)
	rec := f.upload(t, "discharge.pdf", "application/pdf")

	require.Equal(t, model.StateProcessed, rec.State)
	require.Zero(t, f.extracts.Load())
	require.Zero(t, f.digests.Load())

	l, err := f.svc.Summary(context.Background(), f.self(), f.patient.ID)
	require.NoError(t, err)
	require.Empty(t, l.Entries)
}

func TestUpload_AdapterFailureMarksFailed(t *testing.T) {
	f := newIngestFixture(t)
	f.extractFn = func([]byte) (string, error) { return "", errors.New("vision backend 503") }

	rec := f.upload(t, "scan.png", "image/png")
	require.Equal(t, model.StateFailed, rec.State)
	require.Contains(t, rec.FailureReason, "vision backend 503")
	require.Contains(t, rec.FailureReason, errs.ErrAdapterFailure.Error())
	require.Zero(t, f.digests.Load())

	stored, err := f.records.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, stored.State)

	l, err := f.summaries.Get(context.Background(), f.patient.ID)
	require.NoError(t, err)
	require.Empty(t, l.Entries)
}

func TestUpload_DigestFailureMarksFailed(t *testing.T) {
	f := newIngestFixture(t)
	f.digestFn = func(string, model.PatientContext) (string, error) { return "", context.DeadlineExceeded }

	rec := f.upload(t, "scan.png", "image/png")
	require.Equal(t, model.StateFailed, rec.State)
	require.NotEmpty(t, rec.FailureReason)
}

func TestResubmit_FailedRecordRecovers(t *testing.T) {
	f := newIngestFixture(t)
	f.extractFn = func([]byte) (string, error) { return "", errors.New("timeout") }
	rec := f.upload(t, "scan.png", "image/png")
	require.Equal(t, model.StateFailed, rec.State)

	f.extractFn = func(data []byte) (string, error) {
		if string(data) != "scan-bytes" {
			return "", fmt.Errorf("unexpected content %q", data)
		}
		return typhidotReport, nil
	}
	out, err := f.svc.Resubmit(context.Background(), f.self(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateProcessed, out.State)
	require.Empty(t, out.FailureReason)

	// processed is terminal
	before := f.extracts.Load()
	again, err := f.svc.Resubmit(context.Background(), f.self(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateProcessed, again.State)
	require.Equal(t, before, f.extracts.Load())

	l, err := f.svc.Summary(context.Background(), f.self(), f.patient.ID)
	require.NoError(t, err)
	require.Len(t, l.Entries, 1)
}

func TestIngest_SameRecordTwiceAppendsOnce(t *testing.T) {
	f := newIngestFixture(t)
	rec := model.MedicalRecord{
		ID: uuid.Must(uuid.NewV4()), PatientID: f.patient.ID, UploaderID: f.patient.ID,
		UploaderRole: model.RolePatient, FileName: "a.png", ContentType: "image/png", CreatedAt: f.clk.Now(),
	}
	first, err := f.svc.Ingest(context.Background(), rec, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, model.StateProcessed, first.State)

	second, err := f.svc.Ingest(context.Background(), rec, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, int32(1), f.extracts.Load())

	l, err := f.summaries.Get(context.Background(), f.patient.ID)
	require.NoError(t, err)
	require.Len(t, l.Entries, 1)
}

func TestUpload_FirstSummarySeededFromProfile(t *testing.T) {
	f := newIngestFixture(t)
	p := f.patient
	p.Allergies = []string{"penicillin"}
	require.NoError(t, f.patients.Upsert(context.Background(), p))

	var (
		profiles atomic.Int32
		seen     atomic.Value
	)
	f.svc.d.Profiler = adapters.Guard{Timeout: time.Second}.Profiler(adapters.ProfilerFunc(
		func(_ context.Context, pc model.PatientContext) (string, error) {
			profiles.Add(1)
			seen.Store(pc)
			return "Initial Profile Summary: Penicillin allergy.", nil
		}))

	first := f.upload(t, "typhidot.png", "image/png")
	require.Equal(t, model.StateProcessed, first.State)

	l, err := f.summaries.Get(context.Background(), f.patient.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), l.Version)
	require.Len(t, l.Entries, 2)
	// the undated baseline sorts by its ingestion time, ahead of the 2022 report
	base := l.Entries[0]
	require.Equal(t, uuid.Nil, base.RecordID)
	require.Equal(t, "Penicillin allergy.", base.Text)
	require.Nil(t, base.DocumentDate)
	require.Equal(t, first.ID, l.Entries[1].RecordID)
	require.Equal(t, []string{"penicillin"}, seen.Load().(model.PatientContext).Allergies)

	f.upload(t, "again.png", "image/png")
	l, err = f.summaries.Get(context.Background(), f.patient.ID)
	require.NoError(t, err)
	require.Len(t, l.Entries, 3)
	require.Equal(t, int32(1), profiles.Load())
}

func TestUpload_ProfileFailureDoesNotFailRecord(t *testing.T) {
	f := newIngestFixture(t)
	f.svc.d.Profiler = adapters.Guard{Timeout: time.Second}.Profiler(adapters.ProfilerFunc(
		func(context.Context, model.PatientContext) (string, error) { return "", errors.New("model overloaded") }))

	rec := f.upload(t, "typhidot.png", "image/png")
	require.Equal(t, model.StateProcessed, rec.State)

	l, err := f.summaries.Get(context.Background(), f.patient.ID)
	require.NoError(t, err)
	require.Len(t, l.Entries, 1)
	require.Equal(t, rec.ID, l.Entries[0].RecordID)
}

func TestIngest_RecordResolvedDuringDigestIsNotAppended(t *testing.T) {
	f := newIngestFixture(t)
	rec := model.MedicalRecord{
		ID: uuid.Must(uuid.NewV4()), PatientID: f.patient.ID, UploaderID: f.patient.ID,
		UploaderRole: model.RolePatient, FileName: "a.png", ContentType: "image/png", CreatedAt: f.clk.Now(),
	}
	// a concurrent run finishes the record while this one is digesting
	f.digestFn = func(string, model.PatientContext) (string, error) {
		if err := f.records.SetState(context.Background(), rec.ID, model.StateProcessed, "", f.clk.Now()); err != nil {
			return "", err
		}
		return "Typhidot IgG negative", nil
	}

	out, err := f.svc.Ingest(context.Background(), rec, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, model.StateProcessed, out.State)
	require.Equal(t, int32(1), f.digests.Load())

	l, err := f.summaries.Get(context.Background(), f.patient.ID)
	require.NoError(t, err)
	require.Zero(t, l.Version)
	require.Empty(t, l.Entries)
}

func TestIngest_ConcurrentUploadsKeepBoundedOrderedLog(t *testing.T) {
	f := newIngestFixture(t)
	f.extractFn = func(data []byte) (string, error) { return "REPORTED: " + string(data), nil }
	f.digestFn = func(text string, _ model.PatientContext) (string, error) { return text, nil }

	const n = 15
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := model.MedicalRecord{
				ID: uuid.Must(uuid.NewV4()), PatientID: f.patient.ID, UploaderID: f.patient.ID,
				UploaderRole: model.RolePatient, FileName: "r.png", ContentType: "image/png", CreatedAt: f.clk.Now(),
			}
			day := fmt.Sprintf("%02d/01/2023", i+1)
			out, err := f.svc.Ingest(context.Background(), rec, []byte(day))
			if err != nil {
				t.Errorf("Ingest: %v", err)
				return
			}
			if out.State != model.StateProcessed {
				t.Errorf("state %s", out.State)
			}
		}(i)
	}
	wg.Wait()

	l, err := f.summaries.Get(context.Background(), f.patient.ID)
	require.NoError(t, err)
	require.Equal(t, int64(n), l.Version)
	require.Len(t, l.Entries, summary.MaxEntries)
	for i := 1; i < len(l.Entries); i++ {
		require.True(t, l.Entries[i-1].DocumentDate.After(*l.Entries[i].DocumentDate), "entries must be newest first")
	}
	// the five oldest documents fell off
	require.Equal(t, "2023-01-06", l.Entries[len(l.Entries)-1].DocumentDate.Format(time.DateOnly))
}

func TestUpload_Validation(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	_, err := f.svc.Upload(ctx, f.self(), UploadInput{PatientID: f.patient.ID, FileName: "a.png", Content: bytes.NewReader(make([]byte, 2048))})
	require.ErrorIs(t, err, errs.ErrTooLarge)

	_, err = f.svc.Upload(ctx, f.self(), UploadInput{PatientID: f.patient.ID, FileName: "a.png", Content: strings.NewReader("")})
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = f.svc.Upload(ctx, f.self(), UploadInput{PatientID: f.patient.ID, FileName: " ", Content: strings.NewReader("x")})
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	stranger := model.Principal{ID: uuid.Must(uuid.NewV4()), Role: model.RolePatient}
	_, err = f.svc.Upload(ctx, stranger, UploadInput{PatientID: f.patient.ID, FileName: "a.png", Content: strings.NewReader("x")})
	require.ErrorIs(t, err, errs.ErrForbidden)
}

type brokenStore struct{ blob.Store }

func (brokenStore) Put(context.Context, string, io.Reader) (int64, error) {
	return 0, errors.New("bucket unreachable")
}

func TestUpload_StorageFailureCreatesNoRecord(t *testing.T) {
	f := newIngestFixture(t)
	f.svc.d.Blobs = brokenStore{}

	_, err := f.svc.Upload(context.Background(), f.self(), UploadInput{
		PatientID: f.patient.ID, FileName: "a.png", ContentType: "image/png", Content: strings.NewReader("x"),
	})
	require.ErrorIs(t, err, errs.ErrStorageFailure)

	list, err := f.records.ListByPatient(context.Background(), f.patient.ID)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestDoctorAccessFollowsGrant(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()
	rec := f.upload(t, "scan.png", "image/png")
	doc := model.Principal{ID: f.doctor, Role: model.RoleDoctor}

	_, err := f.svc.Summary(ctx, doc, f.patient.ID)
	require.ErrorIs(t, err, errs.ErrForbidden)
	_, err = f.svc.Records(ctx, doc, f.patient.ID)
	require.ErrorIs(t, err, errs.ErrForbidden)
	_, _, err = f.svc.Link(ctx, doc, rec.ID)
	require.ErrorIs(t, err, errs.ErrForbidden)

	g, _, err := f.grantFixture.svc.RequestGrant(ctx, f.doctor, f.patient.HealthID)
	require.NoError(t, err)

	list, err := f.svc.Records(ctx, doc, f.patient.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	// link is capped by the grant, then by the link TTL
	f.clk.Advance(7*time.Hour + 30*time.Minute)
	tok, exp, err := f.svc.Link(ctx, doc, rec.ID)
	require.NoError(t, err)
	require.True(t, exp.Equal(g.ExpiresAt), "doctor link must end with the grant")

	rc, l, err := f.svc.Open(ctx, tok)
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	require.Equal(t, "scan-bytes", string(body))
	require.Equal(t, "image/png", l.ContentType)

	f.clk.Advance(time.Hour)
	_, _, err = f.svc.Open(ctx, tok)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	_, err = f.svc.Summary(ctx, doc, f.patient.ID)
	require.ErrorIs(t, err, errs.ErrForbidden)

	_, exp, err = f.svc.Link(ctx, f.self(), rec.ID)
	require.NoError(t, err)
	require.True(t, exp.Equal(f.clk.Now().Add(time.Hour)))
}

func TestOpen_RejectsGarbage(t *testing.T) {
	f := newIngestFixture(t)
	_, _, err := f.svc.Open(context.Background(), "not-a-token")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}
