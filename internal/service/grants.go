package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/medconsent/internal/clock"
	"github.com/and161185/medconsent/internal/errs"
	"github.com/and161185/medconsent/internal/limiter"
	"github.com/and161185/medconsent/internal/metrics"
	"github.com/and161185/medconsent/internal/model"
	"github.com/and161185/medconsent/internal/repository"
)

// GrantService manages time-boxed doctor access to patient records.
type GrantService interface {
	// RequestGrant looks the patient up by health ID and returns the pair's active
	// grant, creating one if none exists. created reports whether a new grant was issued.
	RequestGrant(ctx context.Context, doctorID uuid.UUID, healthID string) (grant model.Grant, created bool, err error)
	// ListActive returns the doctor's grants with expiresAt > now.
	ListActive(ctx context.Context, doctorID uuid.UUID) ([]model.ActiveGrant, error)
	// Revoke deletes a grant held by doctorID.
	Revoke(ctx context.Context, grantID string, doctorID uuid.UUID) error
	// IsAuthorized is the live access check used on every protected read.
	IsAuthorized(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error)
	// ActiveGrant returns the pair's live grant.
	ActiveGrant(ctx context.Context, doctorID, patientID uuid.UUID) (*model.Grant, error)
	// AuthorizeRead admits a patient to their own data and a doctor holding a live grant.
	AuthorizeRead(ctx context.Context, p model.Principal, patientID uuid.UUID) error
	// SweepExpired deletes expired grants. It is housekeeping only.
	SweepExpired(ctx context.Context) (int64, error)
}

// GrantServiceImpl implements GrantService.
type GrantServiceImpl struct {
	patients repository.PatientRepository
	grants   repository.GrantRepository
	lim      limiter.Limiter
	clock    clock.Clock
	policy   clock.Policy
	log      *zap.Logger
	metrics  *metrics.Metrics
	sf       singleflight.Group
	// issueTimeout bounds the shared lookup+upsert, which outlives any single caller.
	issueTimeout time.Duration
}

// DefaultIssueTimeout bounds one shared grant issuance.
const DefaultIssueTimeout = 30 * time.Second

// GrantOption customizes a GrantServiceImpl.
type GrantOption func(*GrantServiceImpl)

// WithGrantLogger sets the logger.
func WithGrantLogger(l *zap.Logger) GrantOption {
	return func(s *GrantServiceImpl) { s.log = l }
}

// WithGrantMetrics sets the metrics sink.
func WithGrantMetrics(m *metrics.Metrics) GrantOption {
	return func(s *GrantServiceImpl) { s.metrics = m }
}

// WithLimiter sets the lookup limiter.
func WithLimiter(l limiter.Limiter) GrantOption {
	return func(s *GrantServiceImpl) { s.lim = l }
}

// WithIssueTimeout bounds the lookup and upsert shared by concurrent identical requests.
func WithIssueTimeout(d time.Duration) GrantOption {
	return func(s *GrantServiceImpl) { s.issueTimeout = d }
}

// NewGrantService constructs GrantService with required dependencies.
func NewGrantService(
	patients repository.PatientRepository, grants repository.GrantRepository,
	clk clock.Clock, policy clock.Policy, opts ...GrantOption,
) *GrantServiceImpl {
	if clk == nil {
		clk = clock.Real{}
	}
	s := &GrantServiceImpl{patients: patients, grants: grants, clock: clk, policy: clock.NewPolicy(policy.TTL)}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.issueTimeout <= 0 {
		s.issueTimeout = DefaultIssueTimeout
	}
	return s
}

type issued struct {
	grant   model.Grant
	created bool
}

// RequestGrant applies lookup rate limiting by doctor, then issues or returns the pair's grant.
// Identical concurrent calls in this process share one storage round trip; the
// repository's unique upsert covers callers in other processes. The shared call
// is detached from the caller that started it, so an abandoned request does not
// fail the retry that joined it; each caller still stops waiting on its own ctx.
func (s *GrantServiceImpl) RequestGrant(ctx context.Context, doctorID uuid.UUID, healthID string) (model.Grant, bool, error) {
	healthID = strings.TrimSpace(healthID)
	if doctorID == uuid.Nil || healthID == "" {
		return model.Grant{}, false, fmt.Errorf("%w: doctor id and health id are required", errs.ErrInvalidInput)
	}

	if s.lim != nil {
		allowed, _, err := s.lim.Allow(ctx, doctorID)
		if err != nil {
			return model.Grant{}, false, storageErr("limiter", err)
		}
		if !allowed {
			s.metrics.GrantRequest("rate_limited")
			return model.Grant{}, false, errs.ErrRateLimited
		}
	}

	key := doctorID.String() + "|" + strings.ToLower(healthID)
	ch := s.sf.DoChan(key, func() (any, error) {
		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.issueTimeout)
		defer cancel()
		g, created, err := s.issue(ictx, doctorID, healthID)
		return issued{g, created}, err
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		s.metrics.GrantRequest("error")
		return model.Grant{}, false, ctx.Err()
	}
	v, err := res.Val, res.Err
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrRateLimited):
			s.metrics.GrantRequest("rate_limited")
		case errors.Is(err, errs.ErrNotFound):
			s.metrics.GrantRequest("not_found")
		default:
			s.metrics.GrantRequest("error")
		}
		return model.Grant{}, false, err
	}
	out := v.(issued)
	if out.created {
		s.metrics.GrantRequest("created")
		s.log.Info("grant issued",
			zap.String("grant_id", out.grant.ID),
			zap.String("doctor_id", doctorID.String()),
			zap.String("patient_id", out.grant.PatientID.String()),
			zap.Time("expires_at", out.grant.ExpiresAt),
		)
	} else {
		s.metrics.GrantRequest("existing")
	}
	return out.grant, out.created, nil
}

func (s *GrantServiceImpl) issue(ctx context.Context, doctorID uuid.UUID, healthID string) (model.Grant, bool, error) {
	p, err := s.patients.GetByHealthID(ctx, healthID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			if s.lim != nil {
				blocked, _, ferr := s.lim.Failure(ctx, doctorID)
				if ferr != nil {
					s.log.Warn("limiter failure not recorded", zap.String("doctor_id", doctorID.String()), zap.Error(ferr))
				}
				if blocked {
					return model.Grant{}, false, errs.ErrRateLimited
				}
			}
			return model.Grant{}, false, fmt.Errorf("patient lookup: %w", errs.ErrNotFound)
		}
		return model.Grant{}, false, storageErr("patient lookup", err)
	}
	if s.lim != nil {
		if err := s.lim.Success(ctx, doctorID); err != nil {
			s.log.Warn("limiter reset failed", zap.String("doctor_id", doctorID.String()), zap.Error(err))
		}
	}

	now := s.clock.Now()
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return model.Grant{}, false, fmt.Errorf("grant id: %w", err)
	}
	g := model.Grant{
		ID:        id.String(),
		DoctorID:  doctorID,
		PatientID: p.ID,
		IssuedAt:  now,
		ExpiresAt: s.policy.Expiry(now),
	}
	out, created, err := s.grants.IssueOrGet(ctx, g)
	if err != nil {
		return model.Grant{}, false, storageErr("issue grant", err)
	}
	return out, created, nil
}

// ListActive returns the doctor's live grants, newest first.
func (s *GrantServiceImpl) ListActive(ctx context.Context, doctorID uuid.UUID) ([]model.ActiveGrant, error) {
	if doctorID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty doctor id", errs.ErrInvalidInput)
	}
	out, err := s.grants.ListActive(ctx, doctorID, s.clock.Now())
	if err != nil {
		return nil, storageErr("list grants", err)
	}
	return out, nil
}

// Revoke deletes the grant if doctorID holds it.
func (s *GrantServiceImpl) Revoke(ctx context.Context, grantID string, doctorID uuid.UUID) error {
	if strings.TrimSpace(grantID) == "" || doctorID == uuid.Nil {
		return fmt.Errorf("%w: grant id and doctor id are required", errs.ErrInvalidInput)
	}
	if err := s.grants.Delete(ctx, grantID, doctorID); err != nil {
		return storageErr("revoke", err)
	}
	s.metrics.GrantRevoked()
	s.log.Info("grant revoked", zap.String("grant_id", grantID), zap.String("doctor_id", doctorID.String()))
	return nil
}

// IsAuthorized checks for a grant with expiresAt > now at call time. Nothing is cached.
func (s *GrantServiceImpl) IsAuthorized(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error) {
	ok, err := s.grants.IsActive(ctx, doctorID, patientID, s.clock.Now())
	if err != nil {
		return false, storageErr("authorize", err)
	}
	s.metrics.AuthorizationCheck(ok)
	return ok, nil
}

// ActiveGrant returns the pair's live grant or errs.ErrNotFound.
func (s *GrantServiceImpl) ActiveGrant(ctx context.Context, doctorID, patientID uuid.UUID) (*model.Grant, error) {
	g, err := s.grants.GetActive(ctx, doctorID, patientID, s.clock.Now())
	if err != nil {
		return nil, storageErr("active grant", err)
	}
	return g, nil
}

// AuthorizeRead returns errs.ErrForbidden unless p may read patientID's records.
func (s *GrantServiceImpl) AuthorizeRead(ctx context.Context, p model.Principal, patientID uuid.UUID) error {
	switch p.Role {
	case model.RolePatient:
		if p.ID == patientID {
			return nil
		}
	case model.RoleDoctor:
		ok, err := s.IsAuthorized(ctx, p.ID, patientID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return errs.ErrForbidden
}

// SweepExpired removes grants that IsAuthorized already treats as expired.
func (s *GrantServiceImpl) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.grants.DeleteExpired(ctx, s.clock.Now())
	if err != nil {
		s.log.Warn("sweep expired grants failed", zap.Error(err))
		return 0, storageErr("sweep", err)
	}
	s.metrics.GrantsSwept(n)
	if n > 0 {
		s.log.Debug("expired grants swept", zap.Int64("count", n))
	}
	return n, nil
}
