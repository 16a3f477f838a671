// Package identity verifies bearer tokens minted by the external identity provider
// and carries the resulting principal through request contexts.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/medconsent/internal/errs"
	"github.com/and161185/medconsent/internal/model"
)

// Claims is the token payload: sub is the principal UUID, role is doctor or patient.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens.
type Verifier struct {
	key    []byte
	leeway time.Duration
	now    func() time.Time
}

// NewVerifier returns a Verifier. now may be nil.
func NewVerifier(key []byte, leeway time.Duration, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{key: key, leeway: leeway, now: now}
}

// Verify parses tok and returns its principal. Every failure is errs.ErrUnauthorized.
func (v *Verifier) Verify(tok string) (model.Principal, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.key, nil
	},
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !parsed.Valid {
		return model.Principal{}, fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil || id == uuid.Nil {
		return model.Principal{}, fmt.Errorf("%w: bad subject", errs.ErrUnauthorized)
	}
	role := model.Role(strings.ToLower(claims.Role))
	if !role.Valid() {
		return model.Principal{}, fmt.Errorf("%w: bad role", errs.ErrUnauthorized)
	}
	return model.Principal{ID: id, Role: role}, nil
}

// Issue signs a token for p valid for ttl. The service never mints tokens for
// real users; this backs the dev token command and tests.
func (v *Verifier) Issue(p model.Principal, ttl time.Duration) (string, time.Time, error) {
	now := v.now()
	exp := now.Add(ttl)
	claims := Claims{
		Role: string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
	return signed, exp, err
}

// ErrNoToken is returned when a request carries no bearer token.
var ErrNoToken = fmt.Errorf("%w: no bearer token", errs.ErrUnauthorized)

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	v := strings.TrimSpace(header)
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		if t := strings.TrimSpace(v[7:]); t != "" {
			return t, nil
		}
	}
	return "", ErrNoToken
}
