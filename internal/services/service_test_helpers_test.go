package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/unlockd/internal/auth"
	"github.com/charlesng35/unlockd/internal/database/testutil"
	"github.com/charlesng35/unlockd/internal/kv"
	"github.com/charlesng35/unlockd/pkg/mail"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type serviceFixture struct {
	db      *gorm.DB
	clock   *fixedClock
	tokens  *auth.TokenService
	unlock  *UnlockService
	sleeps  []time.Duration
	sleepMu sync.Mutex
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	fx := &serviceFixture{
		db:    testutil.MustOpenTestDB(t, testutil.WithAutoMigrate()),
		clock: &fixedClock{now: time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)},
	}

	tokens, err := auth.NewTokenService(auth.TokenConfig{Secret: "test-secret", Clock: fx.clock.Now})
	require.NoError(t, err)
	fx.tokens = tokens

	unlock, err := NewUnlockService(kv.DatabaseFactory(fx.db, kv.WithDatabaseClock(fx.clock.Now)), tokens, UnlockConfig{},
		WithUnlockClock(fx.clock.Now),
		WithSleep(func(_ context.Context, d time.Duration) {
			fx.sleepMu.Lock()
			fx.sleeps = append(fx.sleeps, d)
			fx.sleepMu.Unlock()
		}),
	)
	require.NoError(t, err)
	fx.unlock = unlock

	return fx
}

func (fx *serviceFixture) entryCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, fx.db.Table("kv_entries").Count(&count).Error)
	return count
}

type fakeMailer struct {
	mu       sync.Mutex
	readyErr error
	sendErr  error
	sent     []mail.Message
}

func (m *fakeMailer) Ready() error { return m.readyErr }

func (m *fakeMailer) Provider() string { return "fake" }

func (m *fakeMailer) Send(_ context.Context, msg mail.Message) (mail.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return mail.Receipt{}, m.sendErr
	}
	m.sent = append(m.sent, msg)
	return mail.Receipt{ID: "msg-001"}, nil
}

func intPtr(v int) *int { return &v }
