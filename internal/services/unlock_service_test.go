package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/charlesng35/unlockd/internal/auth"
	"github.com/charlesng35/unlockd/internal/database/testutil"
	"github.com/charlesng35/unlockd/internal/kv"
	"github.com/charlesng35/unlockd/internal/models"
	"github.com/charlesng35/unlockd/pkg/crypto"
	"github.com/charlesng35/unlockd/pkg/logger"
)

func TestIssueDefaults(t *testing.T) {
	fx := newServiceFixture(t)

	result, err := fx.unlock.Issue(context.Background(), IssueRequest{})
	require.NoError(t, err)
	require.Equal(t, KeyTypeExam, result.Type)
	require.Len(t, result.Code, DefaultCodeLength)
	for _, r := range result.Code {
		require.True(t, strings.ContainsRune(crypto.CodeAlphabet, r), "unexpected rune %q", r)
	}
	require.Equal(t, fx.clock.Now().Add(time.Hour).UnixMilli(), result.ExpiresAt)
}

func TestIssueRedeemScenario(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	t0 := fx.clock.Now()

	issued, err := fx.unlock.Issue(ctx, IssueRequest{Type: "exam", Length: intPtr(8)})
	require.NoError(t, err)
	require.Len(t, issued.Code, 8)
	require.Equal(t, t0.UnixMilli()+3_600_000, issued.ExpiresAt)

	token, err := fx.unlock.Redeem(ctx, KeyTypeExam, strings.ToLower(issued.Code))
	require.NoError(t, err)
	require.Equal(t, t0.Add(6*time.Hour).Unix(), token.Exp)

	claims := fx.tokens.Verify(token.Token)
	require.NotNil(t, claims)
	require.Equal(t, auth.SubjectExam, claims.Subject)
	require.Equal(t, auth.ScopeExam, claims.Scope)

	_, err = fx.unlock.Redeem(ctx, KeyTypeExam, issued.Code)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestRedeemNormalizesInput(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	issued, err := fx.unlock.Issue(ctx, IssueRequest{Code: "ab3xq9"})
	require.NoError(t, err)
	require.Equal(t, "AB3XQ9", issued.Code)

	_, err = fx.unlock.Redeem(ctx, KeyTypeExam, " AB3XQ9 ")
	require.NoError(t, err)
}

func TestRedeemExpiredKey(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	issued, err := fx.unlock.Issue(ctx, IssueRequest{Code: "LATECOMER", TTLMinutes: intPtr(1)})
	require.NoError(t, err)

	fx.clock.Advance(61 * time.Second)

	_, err = fx.unlock.Redeem(ctx, KeyTypeExam, issued.Code)
	require.ErrorIs(t, err, ErrExpiredKey)
	require.Zero(t, fx.entryCount(t))

	_, err = fx.unlock.Redeem(ctx, KeyTypeExam, issued.Code)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestExpiredRecordOutlivesExpiryByGrace(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	issued, err := fx.unlock.Issue(ctx, IssueRequest{Code: "GRACEFUL", TTLMinutes: intPtr(1)})
	require.NoError(t, err)

	var entry models.KVEntry
	require.NoError(t, fx.db.Take(&entry).Error)
	require.NotNil(t, entry.ExpiresAt)
	require.Equal(t, issued.ExpiresAt+ExpiredGrace.Milliseconds(), entry.ExpiresAt.UnixMilli())

	fx.clock.Advance(time.Minute + ExpiredGrace + time.Second)

	_, err = fx.unlock.Redeem(ctx, KeyTypeExam, issued.Code)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestRedeemExpiredKeyRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fixedClock{now: time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)}
	tokens, err := auth.NewTokenService(auth.TokenConfig{Secret: "test-secret", Clock: clock.Now})
	require.NoError(t, err)

	unlock, err := NewUnlockService(kv.RedisFactory(client, "test:"), tokens, UnlockConfig{},
		WithUnlockClock(clock.Now),
		WithSleep(func(context.Context, time.Duration) {}),
	)
	require.NoError(t, err)

	ctx := context.Background()
	issued, err := unlock.Issue(ctx, IssueRequest{Code: "REDIS-LATE", TTLMinutes: intPtr(1)})
	require.NoError(t, err)

	clock.Advance(61 * time.Second)
	mr.FastForward(61 * time.Second)

	_, err = unlock.Redeem(ctx, KeyTypeExam, issued.Code)
	require.ErrorIs(t, err, ErrExpiredKey)

	_, err = unlock.Redeem(ctx, KeyTypeExam, issued.Code)
	require.ErrorIs(t, err, ErrInvalidKey)

	again, err := unlock.Issue(ctx, IssueRequest{Code: "REDIS-GONE", TTLMinutes: intPtr(1)})
	require.NoError(t, err)
	mr.FastForward(time.Minute + ExpiredGrace)
	clock.Advance(time.Minute + ExpiredGrace)

	_, err = unlock.Redeem(ctx, KeyTypeExam, again.Code)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestRedeemUnknownKey(t *testing.T) {
	fx := newServiceFixture(t)

	_, err := fx.unlock.Redeem(context.Background(), KeyTypeExam, "NEVER-ISSUED")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestRedeemEmptyKeyIsDelayed(t *testing.T) {
	fx := newServiceFixture(t)

	_, err := fx.unlock.Redeem(context.Background(), KeyTypeExam, "   ")
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.Equal(t, []time.Duration{DefaultEmptyKeyDelay}, fx.sleeps)
}

func TestIssueClampsTTL(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	now := fx.clock.Now()

	high, err := fx.unlock.Issue(ctx, IssueRequest{TTLMinutes: intPtr(99999)})
	require.NoError(t, err)
	require.Equal(t, now.Add(1440*time.Minute).UnixMilli(), high.ExpiresAt)

	for _, ttl := range []int{0, -5} {
		low, err := fx.unlock.Issue(ctx, IssueRequest{TTLMinutes: intPtr(ttl)})
		require.NoError(t, err)
		require.Equal(t, now.Add(time.Minute).UnixMilli(), low.ExpiresAt)
	}
}

func TestIssueClampsLengthAndSupportsGUID(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	short, err := fx.unlock.Issue(ctx, IssueRequest{Length: intPtr(2)})
	require.NoError(t, err)
	require.Len(t, short.Code, MinCodeLength)

	long, err := fx.unlock.Issue(ctx, IssueRequest{Length: intPtr(500)})
	require.NoError(t, err)
	require.Len(t, long.Code, MaxCodeLength)

	guid, err := fx.unlock.Issue(ctx, IssueRequest{GUID: true})
	require.NoError(t, err)
	require.Equal(t, strings.ToUpper(guid.Code), guid.Code)
	_, err = uuid.Parse(guid.Code)
	require.NoError(t, err)
}

func TestIssueRejectsUnknownType(t *testing.T) {
	fx := newServiceFixture(t)

	_, err := fx.unlock.Issue(context.Background(), IssueRequest{Type: "vip"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCodesAreHashedAtRest(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	issued, err := fx.unlock.Issue(ctx, IssueRequest{Code: "PLAINTEXT42"})
	require.NoError(t, err)

	var entries []models.KVEntry
	require.NoError(t, fx.db.Find(&entries).Error)
	require.Len(t, entries, 1)
	require.Equal(t, crypto.HashCode(issued.Code), entries[0].Key)
	require.NotContains(t, entries[0].Key, issued.Code)
	require.NotContains(t, string(entries[0].Value), issued.Code)
}

func TestPreAccessKeys(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	issued, err := fx.unlock.Issue(ctx, IssueRequest{Type: "pre-access", Code: "PRE-ONE"})
	require.NoError(t, err)
	require.Equal(t, KeyTypePre, issued.Type)

	_, err = fx.unlock.Redeem(ctx, KeyTypeExam, issued.Code)
	require.ErrorIs(t, err, ErrInvalidKey)

	token, err := fx.unlock.Redeem(ctx, KeyTypePre, issued.Code)
	require.NoError(t, err)
	require.Equal(t, fx.clock.Now().Add(30*time.Minute).Unix(), token.Exp)

	claims := fx.tokens.VerifyScope(token.Token, auth.ScopePre)
	require.NotNil(t, claims)
	require.Equal(t, auth.SubjectPre, claims.Subject)
}

func TestRevoke(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	_, err := fx.unlock.Issue(ctx, IssueRequest{Code: "REVOKE-ME"})
	require.NoError(t, err)

	revoked, err := fx.unlock.Revoke(ctx, KeyTypeExam, "revoke-me")
	require.NoError(t, err)
	require.True(t, revoked)

	_, err = fx.unlock.Redeem(ctx, KeyTypeExam, "REVOKE-ME")
	require.ErrorIs(t, err, ErrInvalidKey)

	revoked, err = fx.unlock.Revoke(ctx, KeyTypeExam, "REVOKE-ME")
	require.NoError(t, err)
	require.False(t, revoked)

	_, err = fx.unlock.Revoke(ctx, KeyTypeExam, "")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestStoreFailuresSurfaceAsUnavailable(t *testing.T) {
	fx := newServiceFixture(t)
	sqlDB, err := fx.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = fx.unlock.Issue(context.Background(), IssueRequest{})
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, err, kv.ErrStoreUnavailable)

	_, err = fx.unlock.Redeem(context.Background(), KeyTypeExam, "ANY")
	require.True(t, errors.Is(err, ErrStoreUnavailable))
}

func TestParseKeyType(t *testing.T) {
	cases := map[string]KeyType{
		"":           KeyTypeExam,
		"exam":       KeyTypeExam,
		" EXAM ":     KeyTypeExam,
		"pre":        KeyTypePre,
		"pre-access": KeyTypePre,
	}
	for input, want := range cases {
		got, err := ParseKeyType(input)
		require.NoError(t, err, input)
		require.Equal(t, want, got)
	}

	_, err := ParseKeyType("admin")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

type nonAtomicStore struct{ kv.Store }

func (nonAtomicStore) Capabilities() kv.Capabilities { return kv.Capabilities{} }

func TestNewUnlockServiceLeavesCapabilityWarningToCaller(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	t.Cleanup(logger.Replace(zap.New(core)))

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	tokens, err := auth.NewTokenService(auth.TokenConfig{Secret: "s"})
	require.NoError(t, err)

	factory := func(namespace string) (kv.Store, error) {
		store, err := kv.NewDatabaseStore(db, namespace)
		if err != nil {
			return nil, err
		}
		return nonAtomicStore{store}, nil
	}
	unlock, err := NewUnlockService(factory, tokens, UnlockConfig{})
	require.NoError(t, err)
	require.Zero(t, logs.Len())

	for _, store := range unlock.Stores() {
		require.False(t, store.Capabilities().AtomicConsume)
	}
}

func TestNewUnlockServiceValidation(t *testing.T) {
	tokens, err := auth.NewTokenService(auth.TokenConfig{Secret: "s"})
	require.NoError(t, err)

	_, err = NewUnlockService(nil, tokens, UnlockConfig{})
	require.Error(t, err)

	failing := func(string) (kv.Store, error) { return nil, errors.New("boom") }
	_, err = NewUnlockService(failing, tokens, UnlockConfig{})
	require.Error(t, err)
}
