package identity

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/medconsent/internal/errs"
	"github.com/and161185/medconsent/internal/model"
)

var fixedNow = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func verifier() *Verifier {
	return NewVerifier([]byte("k"), 30*time.Second, func() time.Time { return fixedNow })
}

func TestVerify_IssuedToken(t *testing.T) {
	v := verifier()
	p := model.Principal{ID: uuid.Must(uuid.NewV4()), Role: model.RoleDoctor}

	tok, exp, err := v.Issue(p, time.Hour)
	require.NoError(t, err)
	require.Equal(t, fixedNow.Add(time.Hour), exp)

	got, err := v.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestVerify_Rejects(t *testing.T) {
	v := verifier()
	id := uuid.Must(uuid.NewV4())

	sign := func(c Claims, key string) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(key))
		require.NoError(t, err)
		return s
	}
	valid := jwt.RegisteredClaims{Subject: id.String(), ExpiresAt: jwt.NewNumericDate(fixedNow.Add(time.Hour))}

	cases := map[string]string{
		"wrong key":    sign(Claims{Role: "doctor", RegisteredClaims: valid}, "other"),
		"expired":      sign(Claims{Role: "doctor", RegisteredClaims: jwt.RegisteredClaims{Subject: id.String(), ExpiresAt: jwt.NewNumericDate(fixedNow.Add(-time.Minute))}}, "k"),
		"no exp":       sign(Claims{Role: "doctor", RegisteredClaims: jwt.RegisteredClaims{Subject: id.String()}}, "k"),
		"bad subject":  sign(Claims{Role: "doctor", RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", ExpiresAt: valid.ExpiresAt}}, "k"),
		"unknown role": sign(Claims{Role: "admin", RegisteredClaims: valid}, "k"),
		"garbage":      "abc.def.ghi",
	}
	for name, tok := range cases {
		_, err := v.Verify(tok)
		require.ErrorIs(t, err, errs.ErrUnauthorized, name)
	}

	// within leeway
	tok := sign(Claims{Role: "PATIENT", RegisteredClaims: jwt.RegisteredClaims{Subject: id.String(), ExpiresAt: jwt.NewNumericDate(fixedNow.Add(-10 * time.Second))}}, "k")
	p, err := v.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, model.RolePatient, p.Role)
}

func TestBearerToken(t *testing.T) {
	tok, err := BearerToken("Bearer abc")
	require.NoError(t, err)
	require.Equal(t, "abc", tok)

	tok, err = BearerToken("  bearer   xyz ")
	require.NoError(t, err)
	require.Equal(t, "xyz", tok)

	for _, h := range []string{"", "Bearer ", "Basic abc", "abc"} {
		_, err := BearerToken(h)
		require.ErrorIs(t, err, errs.ErrUnauthorized, h)
	}
}

func TestWithPrincipal_And_PrincipalFromCtx(t *testing.T) {
	t.Parallel()

	if _, ok := PrincipalFromCtx(context.Background()); ok {
		t.Fatalf("expected no principal in empty ctx")
	}

	want := model.Principal{ID: uuid.Must(uuid.NewV4()), Role: model.RolePatient}
	got, ok := PrincipalFromCtx(WithPrincipal(context.Background(), want))
	if !ok || got != want {
		t.Fatalf("mismatch: got %+v, want %+v", got, want)
	}

	bad := context.WithValue(context.Background(), principalKey, "not-a-principal")
	if _, ok := PrincipalFromCtx(bad); ok {
		t.Fatalf("expected miss on wrong typed value")
	}
}
