package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/and161185/medconsent/internal/migrate"
	"github.com/and161185/medconsent/internal/model"
	"github.com/and161185/medconsent/internal/summary"
)

// openTestDB connects to MEDCONSENT_TEST_DSN and applies migrations.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("MEDCONSENT_TEST_DSN")
	if dsn == "" {
		t.Skip("MEDCONSENT_TEST_DSN is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := migrate.Up(ctx, dsn)
	require.NoError(t, err)
	db, err := New(ctx, dsn, 16)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func seedPatient(t *testing.T, db *DB) model.Patient {
	t.Helper()
	id := uuid.Must(uuid.NewV4())
	p := model.Patient{ID: id, HealthID: "e" + id.String()[:8], Name: "Test Patient"}
	require.NoError(t, NewPatientRepo(db).Upsert(context.Background(), p))
	return p
}

func TestIntegration_ConcurrentIssueKeepsOneActiveGrant(t *testing.T) {
	db := openTestDB(t)
	repo := NewGrantRepo(db)
	p := seedPatient(t, db)
	doctor := uuid.Must(uuid.NewV4())
	now := time.Now().UTC().Truncate(time.Microsecond)

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]struct{}{}
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g := model.Grant{
				ID:        fmt.Sprintf("01J0000000000000000000%04d", i),
				DoctorID:  doctor,
				PatientID: p.ID,
				IssuedAt:  now,
				ExpiresAt: now.Add(time.Hour),
			}
			out, c, err := repo.IssueOrGet(context.Background(), g)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[out.ID] = struct{}{}
			if c {
				created++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, created)
	require.Len(t, ids, 1)

	list, err := repo.ListActive(context.Background(), doctor, now)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, p.HealthID, list[0].HealthID)
}

func TestIntegration_ExpiredGrantIsReplaced(t *testing.T) {
	db := openTestDB(t)
	repo := NewGrantRepo(db)
	p := seedPatient(t, db)
	doctor := uuid.Must(uuid.NewV4())
	t0 := time.Now().UTC().Truncate(time.Microsecond)

	first, created, err := repo.IssueOrGet(context.Background(), model.Grant{
		ID: "01J00000000000000000000AAA", DoctorID: doctor, PatientID: p.ID, IssuedAt: t0, ExpiresAt: t0.Add(time.Minute),
	})
	require.NoError(t, err)
	require.True(t, created)

	t1 := t0.Add(2 * time.Minute)
	ok, err := repo.IsActive(context.Background(), doctor, p.ID, t1)
	require.NoError(t, err)
	require.False(t, ok)

	second, created, err := repo.IssueOrGet(context.Background(), model.Grant{
		ID: "01J00000000000000000000BBB", DoctorID: doctor, PatientID: p.ID, IssuedAt: t1, ExpiresAt: t1.Add(time.Hour),
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, second.ID)
}

func TestIntegration_ConcurrentSummaryUpdatesLoseNothing(t *testing.T) {
	db := openTestDB(t)
	repo := NewSummaryRepo(db)
	p := seedPatient(t, db)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := model.SummaryEntry{
				Text:       fmt.Sprintf("digest %d", i),
				RecordedAt: base.Add(time.Duration(i) * time.Hour),
				RecordID:   uuid.Must(uuid.NewV4()),
			}
			_, err := repo.Update(context.Background(), p.ID, func(l model.SummaryLog) model.SummaryLog {
				return summary.Apply(l, e)
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	l, err := repo.Get(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, int64(n), l.Version)
	require.Len(t, l.Entries, n)
	require.Equal(t, "digest 7", l.Entries[0].Text)
}
