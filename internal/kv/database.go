package kv

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/unlockd/internal/models"
	"github.com/charlesng35/unlockd/pkg/logger"
)

// DatabaseStore keeps entries in the kv_entries table. Expiry is emulated with
// the expires_at column: expired rows are invisible to reads and removed lazily
// or by the maintenance cleaner.
type DatabaseStore struct {
	db        *gorm.DB
	namespace string
	now       func() time.Time
}

var _ Store = (*DatabaseStore)(nil)

// DatabaseOption customises a DatabaseStore.
type DatabaseOption func(*DatabaseStore)

// WithDatabaseClock overrides the clock used for expiry checks.
func WithDatabaseClock(now func() time.Time) DatabaseOption {
	return func(s *DatabaseStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewDatabaseStore constructs a database-backed Store bound to namespace.
func NewDatabaseStore(db *gorm.DB, namespace string, opts ...DatabaseOption) (*DatabaseStore, error) {
	if db == nil {
		return nil, errors.New("kv: database handle is required")
	}
	ns, err := validNamespace(namespace)
	if err != nil {
		return nil, err
	}

	store := &DatabaseStore{db: db, namespace: ns, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// DatabaseFactory returns a Factory producing stores over the same handle.
func DatabaseFactory(db *gorm.DB, opts ...DatabaseOption) Factory {
	return func(namespace string) (Store, error) {
		return NewDatabaseStore(db, namespace, opts...)
	}
}

func (s *DatabaseStore) Namespace() string { return s.namespace }

func (s *DatabaseStore) Backend() string { return BackendDatabase }

// Capabilities reports atomic consume: the row is deleted inside the reading
// transaction and only the caller whose DELETE removes it sees the value.
func (s *DatabaseStore) Capabilities() Capabilities {
	return Capabilities{AtomicConsume: true, NativeTTL: false}
}

func (s *DatabaseStore) Get(ctx context.Context, key string) (string, bool, error) {
	return getText(ctx, s, key)
}

func (s *DatabaseStore) Set(ctx context.Context, key, value string, opts SetOptions) error {
	return setText(ctx, s, key, value, opts)
}

func (s *DatabaseStore) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	return getJSON(ctx, s, key, dest)
}

func (s *DatabaseStore) SetJSON(ctx context.Context, key string, value any, opts SetOptions) error {
	return setJSON(ctx, s, key, value, opts)
}

func (s *DatabaseStore) ConsumeJSON(ctx context.Context, key string, dest any) (bool, error) {
	return consumeJSON(ctx, s, key, dest)
}

// Delete removes the entry. Missing keys are not an error.
func (s *DatabaseStore) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND entry_key = ?", s.namespace, key).
		Delete(&models.KVEntry{}).Error
	if err != nil {
		return unavailable(BackendDatabase, "delete", err)
	}
	return nil
}

func (s *DatabaseStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable(BackendDatabase, "ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable(BackendDatabase, "ping", err)
	}
	return nil
}

func (s *DatabaseStore) setBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := models.KVEntry{
		Namespace: s.namespace,
		Key:       key,
		Value:     value,
	}
	if ttl > 0 {
		expiry := s.now().Add(ttl).UTC()
		entry.ExpiresAt = &expiry
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "namespace"}, {Name: "entry_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
		}).Create(&entry).Error
	if err != nil {
		return unavailable(BackendDatabase, "set", err)
	}
	return nil
}

func (s *DatabaseStore) getBytes(ctx context.Context, key string) ([]byte, bool, error) {
	var entry models.KVEntry
	err := s.db.WithContext(ctx).
		Take(&entry, "namespace = ? AND entry_key = ?", s.namespace, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable(BackendDatabase, "get", err)
	}

	if entry.Expired(s.now()) {
		s.lazyDelete(ctx, key)
		return nil, false, nil
	}
	return entry.Value, true, nil
}

func (s *DatabaseStore) consumeBytes(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry models.KVEntry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Take(&entry, "namespace = ? AND entry_key = ?", s.namespace, key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		res := tx.Where("namespace = ? AND entry_key = ?", s.namespace, key).Delete(&models.KVEntry{})
		if res.Error != nil {
			return res.Error
		}
		// Another consumer removed the row between our read and delete.
		if res.RowsAffected == 0 {
			return nil
		}
		if entry.Expired(s.now()) {
			return nil
		}

		value = entry.Value
		found = true
		return nil
	})
	if err != nil {
		return nil, false, unavailable(BackendDatabase, "consume", err)
	}
	return value, found, nil
}

func (s *DatabaseStore) lazyDelete(ctx context.Context, key string) {
	if err := s.Delete(ctx, key); err != nil {
		logger.WithModule("kv").Debug("lazy delete of expired entry failed",
			zap.String("backend", BackendDatabase),
			zap.String("namespace", s.namespace),
			zap.Error(err),
		)
	}
}

// PurgeExpired deletes expired rows of this namespace and reports how many were removed.
func (s *DatabaseStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("namespace = ? AND expires_at IS NOT NULL AND expires_at <= ?", s.namespace, now.UTC()).
		Delete(&models.KVEntry{})
	if res.Error != nil {
		return 0, unavailable(BackendDatabase, "purge", res.Error)
	}
	return res.RowsAffected, nil
}
