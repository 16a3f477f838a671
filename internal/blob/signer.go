package blob

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidLink indicates a retrieval handle that is malformed, tampered with or expired.
var ErrInvalidLink = errors.New("blob: invalid link")

const linkIssuer = "medconsent-blob"

type linkClaims struct {
	Key         string `json:"key"`
	ContentType string `json:"ct,omitempty"`
	FileName    string `json:"fn,omitempty"`
	jwt.RegisteredClaims
}

// Link is a verified retrieval handle.
type Link struct {
	Key         string
	ContentType string
	FileName    string
	ExpiresAt   time.Time
}

// Signer issues and verifies HS256-signed retrieval handles.
type Signer struct {
	key []byte
	now func() time.Time
}

// NewSigner returns a Signer. now may be nil.
func NewSigner(key []byte, now func() time.Time) *Signer {
	if now == nil {
		now = time.Now
	}
	return &Signer{key: key, now: now}
}

// Sign returns a token granting read access to l.Key until l.ExpiresAt.
func (s *Signer) Sign(l Link) (string, error) {
	if len(s.key) == 0 {
		return "", fmt.Errorf("blob: signing key not configured")
	}
	claims := linkClaims{
		Key:         l.Key,
		ContentType: l.ContentType,
		FileName:    l.FileName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    linkIssuer,
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(l.ExpiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Verify parses a token and returns the link it grants.
func (s *Signer) Verify(token string) (Link, error) {
	var claims linkClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(linkIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || claims.Key == "" {
		return Link{}, ErrInvalidLink
	}
	return Link{
		Key:         claims.Key,
		ContentType: claims.ContentType,
		FileName:    claims.FileName,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}
