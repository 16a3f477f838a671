package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/medconsent/internal/errs"
	"github.com/and161185/medconsent/internal/model"
)

type countingGrants struct {
	GrantService
	calls atomic.Int32
	fail  bool
}

func (c *countingGrants) SweepExpired(context.Context) (int64, error) {
	c.calls.Add(1)
	if c.fail {
		return 0, errs.ErrStorageFailure
	}
	return 1, nil
}

func TestSweeper_RunsUntilCanceled(t *testing.T) {
	g := &countingGrants{fail: true}
	s := NewSweeper(g, 5*time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for g.calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("sweeper did not keep running after errors, calls=%d", g.calls.Load())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop on cancel")
	}
}

func TestSweeper_OnceSkipsCanceledContext(t *testing.T) {
	g := &countingGrants{}
	s := NewSweeper(g, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Once(ctx)
	if g.calls.Load() != 0 {
		t.Fatalf("canceled context must skip the sweep")
	}
}

func TestSweeper_DoesNotAffectAuthorization(t *testing.T) {
	f := newGrantFixture(t)
	ctx := context.Background()
	if _, _, err := f.svc.RequestGrant(ctx, f.doctor, f.patient.HealthID); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(8 * time.Hour)

	// expired before any sweep
	if ok, _ := f.svc.IsAuthorized(ctx, f.doctor, f.patient.ID); ok {
		t.Fatalf("expired grant authorized before sweep")
	}
	NewSweeper(f.svc, time.Minute, nil).Once(ctx)
	if ok, _ := f.svc.IsAuthorized(ctx, f.doctor, f.patient.ID); ok {
		t.Fatalf("expired grant authorized after sweep")
	}
	err := f.svc.AuthorizeRead(ctx, model.Principal{ID: f.doctor, Role: model.RoleDoctor}, f.patient.ID)
	if err == nil {
		t.Fatalf("want forbidden")
	}
	if _, err := f.svc.ListActive(ctx, uuid.Must(uuid.NewV4())); err != nil {
		t.Fatalf("ListActive: %v", err)
	}
}
