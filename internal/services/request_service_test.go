package services

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/unlockd/internal/auth"
)

var guidPattern = regexp.MustCompile(`[0-9A-F]{8}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{12}`)

func signToken(t *testing.T, tokens *auth.TokenService, subject, scope string) string {
	t.Helper()
	signed, err := tokens.Sign(auth.Claims{
		Scope:            scope,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	}, time.Hour)
	require.NoError(t, err)
	return signed.Token
}

func newRequestService(t *testing.T, fx *serviceFixture, mailer *fakeMailer) *RequestService {
	t.Helper()
	svc, err := NewRequestService(fx.unlock, fx.tokens, mailer, RequestConfig{})
	require.NoError(t, err)
	return svc
}

func TestRequestUnlockSendsKey(t *testing.T) {
	fx := newServiceFixture(t)
	mailer := &fakeMailer{}
	svc := newRequestService(t, fx, mailer)
	ctx := context.Background()

	result, err := svc.RequestUnlock(ctx, RequestUnlockInput{
		Token:      signToken(t, fx.tokens, auth.SubjectPre, auth.ScopePre),
		Recipient:  " student@example.com ",
		TTLMinutes: intPtr(15),
	})
	require.NoError(t, err)
	require.Equal(t, "msg-001", result.ID)
	require.Equal(t, fx.clock.Now().Add(15*time.Minute).UnixMilli(), result.ExpiresAt)

	require.Len(t, mailer.sent, 1)
	msg := mailer.sent[0]
	require.Equal(t, []string{"student@example.com"}, msg.To)
	require.Equal(t, DefaultEmailSubject, msg.Subject)
	require.Contains(t, msg.HTML, "15 minutes")

	code := guidPattern.FindString(msg.HTML)
	require.NotEmpty(t, code)
	require.Contains(t, msg.Text, code)

	_, err = fx.unlock.Redeem(ctx, KeyTypeExam, code)
	require.NoError(t, err)
}

func TestRequestUnlockRequiresPreScope(t *testing.T) {
	fx := newServiceFixture(t)
	svc := newRequestService(t, fx, &fakeMailer{})

	for _, token := range []string{
		signToken(t, fx.tokens, auth.SubjectExam, auth.ScopeExam),
		"not-a-token",
		"",
	} {
		_, err := svc.RequestUnlock(context.Background(), RequestUnlockInput{Token: token, Recipient: "a@example.com"})
		require.ErrorIs(t, err, ErrUnauthorized)
	}
	require.Zero(t, fx.entryCount(t))
}

func TestRequestUnlockValidatesRecipient(t *testing.T) {
	fx := newServiceFixture(t)
	svc := newRequestService(t, fx, &fakeMailer{})
	token := signToken(t, fx.tokens, auth.SubjectPre, auth.ScopePre)

	for _, recipient := range []string{"", "   ", "not-an-email"} {
		_, err := svc.RequestUnlock(context.Background(), RequestUnlockInput{Token: token, Recipient: recipient})
		require.ErrorIs(t, err, ErrInvalidRequest)
	}
}

func TestRequestUnlockNotConfigured(t *testing.T) {
	fx := newServiceFixture(t)
	token := signToken(t, fx.tokens, auth.SubjectPre, auth.ScopePre)

	svc := newRequestService(t, fx, &fakeMailer{readyErr: errors.New("missing api key")})
	_, err := svc.RequestUnlock(context.Background(), RequestUnlockInput{Token: token, Recipient: "a@example.com"})
	require.ErrorIs(t, err, ErrDeliveryNotConfigured)

	unmailed, err := NewRequestService(fx.unlock, fx.tokens, nil, RequestConfig{})
	require.NoError(t, err)
	_, err = unmailed.RequestUnlock(context.Background(), RequestUnlockInput{Token: token, Recipient: "a@example.com"})
	require.ErrorIs(t, err, ErrDeliveryNotConfigured)

	require.Zero(t, fx.entryCount(t))
}

func TestRequestUnlockDeliveryFailureKeepsRecord(t *testing.T) {
	fx := newServiceFixture(t)
	svc := newRequestService(t, fx, &fakeMailer{sendErr: errors.New("provider returned 422")})
	token := signToken(t, fx.tokens, auth.SubjectPre, auth.ScopePre)

	_, err := svc.RequestUnlock(context.Background(), RequestUnlockInput{Token: token, Recipient: "a@example.com"})
	require.ErrorIs(t, err, ErrDeliveryFailure)
	require.Contains(t, err.Error(), "422")
	require.EqualValues(t, 1, fx.entryCount(t))
}

func TestComposeEscapesCode(t *testing.T) {
	fx := newServiceFixture(t)
	svc := newRequestService(t, fx, &fakeMailer{})

	msg, err := svc.compose("a@example.com", &IssueResult{
		Code:      "<b>X</b>",
		ExpiresAt: fx.clock.Now().UnixMilli(),
		TTL:       time.Hour,
	})
	require.NoError(t, err)
	require.NotContains(t, msg.HTML, "<b>X</b>")
	require.Contains(t, msg.HTML, "&lt;b&gt;X&lt;/b&gt;")
	require.Contains(t, msg.HTML, "60 minutes")
}
