package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/medconsent/internal/clock"
	"github.com/and161185/medconsent/internal/config"
	"github.com/and161185/medconsent/internal/limiter"
	"github.com/and161185/medconsent/internal/metrics"
	"github.com/and161185/medconsent/internal/migrate"
	"github.com/and161185/medconsent/internal/model"
	"github.com/and161185/medconsent/internal/repository"
	"github.com/and161185/medconsent/internal/repository/memory"
	"github.com/and161185/medconsent/internal/repository/postgres"
	"github.com/and161185/medconsent/internal/service"
)

// patientWriter is implemented by both patient stores.
type patientWriter interface {
	repository.PatientRepository
	Upsert(ctx context.Context, p model.Patient) error
}

// stores is the selected storage backend.
type stores struct {
	patients  patientWriter
	grants    repository.GrantRepository
	records   repository.RecordRepository
	summaries repository.SummaryRepository
	limiter   limiter.Limiter
	ready     func(ctx context.Context) error
	close     func()
}

// openStores connects to Postgres, or falls back to in-memory stores when no DSN is set.
func openStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*stores, error) {
	if cfg.Memory() {
		log.Warn("no database configured, using in-memory stores; all state is lost on exit")
		patients := memory.NewPatientRepo()
		return &stores{
			patients:  patients,
			grants:    memory.NewGrantRepo(patients),
			records:   memory.NewRecordRepo(),
			summaries: memory.NewSummaryRepo(),
			limiter:   limiter.NewMemory(cfg.Limiter.Settings(), nil),
			close:     func() {},
		}, nil
	}

	if cfg.Database.Migrate {
		n, err := migrate.Up(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("migrate up: %w", err)
		}
		log.Info("migrations applied", zap.Int("count", n))
	}
	db, err := postgres.New(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &stores{
		patients:  postgres.NewPatientRepo(db),
		grants:    postgres.NewGrantRepo(db),
		records:   postgres.NewRecordRepo(db),
		summaries: postgres.NewSummaryRepo(db),
		limiter:   limiter.NewPG(db.Pool, cfg.Limiter.Settings()),
		ready:     db.Ping,
		close:     db.Close,
	}, nil
}

func newGrantService(cfg *config.Config, st *stores, log *zap.Logger, m *metrics.Metrics) *service.GrantServiceImpl {
	return service.NewGrantService(st.patients, st.grants, clock.Real{}, clock.NewPolicy(cfg.Grants.TTL),
		service.WithGrantLogger(log.Named("grants")),
		service.WithGrantMetrics(m),
		service.WithLimiter(st.limiter),
	)
}

// seedPatient is the JSON shape accepted by --seed-patients.
type seedPatient struct {
	ID                 uuid.UUID `json:"id"`
	HealthID           string    `json:"health_id"`
	Name               string    `json:"name"`
	BloodGroup         string    `json:"blood_group"`
	DateOfBirth        string    `json:"date_of_birth"`
	Gender             string    `json:"gender"`
	Allergies          []string  `json:"allergies"`
	MedicalHistory     string    `json:"medical_history"`
	CurrentMedications string    `json:"current_medications"`
	ChronicConditions  string    `json:"chronic_conditions"`
	VaccinationStatus  string    `json:"vaccination_status"`
}

// seedPatients upserts the patient profiles listed in a JSON file.
func seedPatients(ctx context.Context, path string, w patientWriter) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	var in []seedPatient
	if err := json.Unmarshal(raw, &in); err != nil {
		return 0, fmt.Errorf("parse seed file: %w", err)
	}
	for i, p := range in {
		if p.ID == uuid.Nil || p.HealthID == "" {
			return i, fmt.Errorf("seed patient %d: id and health_id are required", i)
		}
		if err := w.Upsert(ctx, model.Patient{
			ID: p.ID, HealthID: p.HealthID, Name: p.Name, BloodGroup: p.BloodGroup,
			DateOfBirth: p.DateOfBirth, Gender: p.Gender, Allergies: p.Allergies,
			MedicalHistory: p.MedicalHistory, CurrentMedications: p.CurrentMedications,
			ChronicConditions: p.ChronicConditions, VaccinationStatus: p.VaccinationStatus,
		}); err != nil {
			return i, fmt.Errorf("seed patient %s: %w", p.HealthID, err)
		}
	}
	return len(in), nil
}
