package auth

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestNewTokenServiceRequiresSecret(t *testing.T) {
	_, err := NewTokenService(TokenConfig{})
	require.Error(t, err)
	require.EqualError(t, err, "token: secret must be provided")
}

func TestSignAndVerify(t *testing.T) {
	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return current }

	svc, err := NewTokenService(TokenConfig{Secret: "super-secret", Clock: now})
	require.NoError(t, err)

	signed, err := svc.Sign(Claims{
		Scope:            ScopeExam,
		RegisteredClaims: jwt.RegisteredClaims{Subject: SubjectExam},
	}, DefaultSessionTTL)
	require.NoError(t, err)
	require.NotEmpty(t, signed.Token)
	require.Equal(t, current.Add(6*time.Hour).Unix(), signed.Exp)

	claims := svc.Verify(signed.Token)
	require.NotNil(t, claims)
	require.Equal(t, SubjectExam, claims.Subject)
	require.Equal(t, ScopeExam, claims.Scope)
	require.Equal(t, DefaultIssuer, claims.Issuer)
	require.True(t, claims.IssuedAt.Time.Equal(current))
	require.True(t, claims.ExpiresAt.Time.Equal(current.Add(6*time.Hour)))

	require.NotNil(t, svc.VerifyScope(signed.Token, ScopeExam))
	require.Nil(t, svc.VerifyScope(signed.Token, ScopePre))
}

func TestSignRejectsBadInput(t *testing.T) {
	svc, err := NewTokenService(TokenConfig{Secret: "s"})
	require.NoError(t, err)

	_, err = svc.Sign(Claims{Scope: ScopePre}, time.Minute)
	require.Error(t, err)

	_, err = svc.Sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: SubjectPre}}, 0)
	require.Error(t, err)
}

func TestVerifyInvalidSignature(t *testing.T) {
	now := func() time.Time { return time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC) }

	issuer, err := NewTokenService(TokenConfig{Secret: "issuer-secret", Clock: now})
	require.NoError(t, err)
	signed, err := issuer.Sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: SubjectPre}, Scope: ScopePre}, time.Minute)
	require.NoError(t, err)

	verifier, err := NewTokenService(TokenConfig{Secret: "other-secret", Clock: now})
	require.NoError(t, err)
	require.Nil(t, verifier.Verify(signed.Token))
}

func TestVerifyExpired(t *testing.T) {
	current := time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)
	now := func() time.Time { return current }

	svc, err := NewTokenService(TokenConfig{Secret: "secret", Clock: now})
	require.NoError(t, err)

	signed, err := svc.Sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: SubjectPre}, Scope: ScopePre}, DefaultPreAccessTTL)
	require.NoError(t, err)

	current = current.Add(31 * time.Minute)
	require.Nil(t, svc.Verify(signed.Token))
}

func TestVerifyTamperedPayload(t *testing.T) {
	svc, err := NewTokenService(TokenConfig{Secret: "secret"})
	require.NoError(t, err)

	signed, err := svc.Sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: SubjectPre}, Scope: ScopePre}, time.Minute)
	require.NoError(t, err)

	parts := strings.Split(signed.Token, ".")
	require.Len(t, parts, 3)
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	forged := strings.Replace(string(payload), `"scope":"pre"`, `"scope":"exam"`, 1)
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(forged))

	require.Nil(t, svc.Verify(strings.Join(parts, ".")))
}

func TestVerifyRejectsForeignAlgorithmAndGarbage(t *testing.T) {
	svc, err := NewTokenService(TokenConfig{Secret: "secret"})
	require.NoError(t, err)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		Scope: ScopeExam,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   SubjectExam,
			Issuer:    DefaultIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	require.Nil(t, svc.Verify(token))

	for _, garbage := range []string{"", "abc", "a.b.c", "...."} {
		require.Nil(t, svc.Verify(garbage))
	}
}

func TestVerifyRejectsForeignIssuer(t *testing.T) {
	a, err := NewTokenService(TokenConfig{Secret: "shared", Issuer: "other"})
	require.NoError(t, err)
	b, err := NewTokenService(TokenConfig{Secret: "shared"})
	require.NoError(t, err)

	signed, err := a.Sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: SubjectExam}, Scope: ScopeExam}, time.Minute)
	require.NoError(t, err)
	require.Nil(t, b.Verify(signed.Token))
}
