package middleware

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/unlockd/internal/models"
)

// RateStore coordinates rate limiting counters for a specific key.
type RateStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int, ttl time.Duration, err error)
}

// MemoryRateStore provides process-local rate limiting. It is concurrency-safe.
type MemoryRateStore struct {
	mu    sync.Mutex
	data  map[string]*memoryCounter
	tick  *time.Ticker
	done  chan struct{}
	once  sync.Once
	clock func() time.Time
}

type memoryCounter struct {
	count     int
	windowEnd time.Time
}

// NewMemoryRateStore constructs an in-memory rate store. Close stops its
// background cleanup.
func NewMemoryRateStore(clock func() time.Time) *MemoryRateStore {
	if clock == nil {
		clock = time.Now
	}
	store := &MemoryRateStore{
		data:  make(map[string]*memoryCounter),
		tick:  time.NewTicker(time.Minute),
		done:  make(chan struct{}),
		clock: clock,
	}

	go store.cleanupLoop()
	return store
}

func (s *MemoryRateStore) cleanupLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.tick.C:
			now := s.clock()
			s.mu.Lock()
			for key, counter := range s.data {
				if now.After(counter.windowEnd) {
					delete(s.data, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *MemoryRateStore) Increment(_ context.Context, key string, window time.Duration) (int, time.Duration, error) {
	if window <= 0 {
		window = time.Minute
	}

	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.data[key]
	if !ok || !now.Before(counter.windowEnd) {
		counter = &memoryCounter{windowEnd: now.Add(window)}
		s.data[key] = counter
	}

	counter.count++

	return counter.count, counter.windowEnd.Sub(now), nil
}

func (s *MemoryRateStore) Close() error {
	s.once.Do(func() {
		s.tick.Stop()
		close(s.done)
	})
	return nil
}

// RedisRateStore keeps counters in Redis so every instance shares them.
type RedisRateStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRateStore wraps a go-redis client. Keys are "<prefix>rl:<key>".
func NewRedisRateStore(client redis.UniversalClient, prefix string) *RedisRateStore {
	return &RedisRateStore{client: client, prefix: prefix + "rl:"}
}

// Increment bumps the counter and arms the expiry on the first hit of a window.
func (s *RedisRateStore) Increment(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	if window <= 0 {
		window = time.Minute
	}
	prefixed := s.prefix + key

	count, err := s.client.Incr(ctx, prefixed).Result()
	if err != nil {
		return 0, 0, err
	}
	if count == 1 {
		if err := s.client.PExpire(ctx, prefixed, window).Err(); err != nil {
			return 0, 0, err
		}
	}

	ttl, err := s.client.PTTL(ctx, prefixed).Result()
	if err != nil || ttl < 0 {
		return int(count), window, nil
	}
	return int(count), ttl, nil
}

// DatabaseRateStore keeps counters in the rate_counters table.
type DatabaseRateStore struct {
	db    *gorm.DB
	clock func() time.Time
}

func NewDatabaseRateStore(db *gorm.DB, clock func() time.Time) *DatabaseRateStore {
	if clock == nil {
		clock = time.Now
	}
	return &DatabaseRateStore{db: db, clock: clock}
}

// Increment atomically increments a counter for the supplied key.
func (s *DatabaseRateStore) Increment(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	if s == nil || s.db == nil {
		return 0, 0, errors.New("rate store: database not initialised")
	}
	if window <= 0 {
		window = time.Minute
	}

	now := s.clock().UTC()
	var counter models.RateCounter

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Acquire row-level lock
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Take(&counter, "counter_key = ?", key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			counter = models.RateCounter{Key: key, Count: 1, WindowEnd: now.Add(window)}
			return tx.Create(&counter).Error
		}
		if err != nil {
			return err
		}

		if !now.Before(counter.WindowEnd) {
			counter.Count = 1
			counter.WindowEnd = now.Add(window)
		} else {
			counter.Count++
		}
		return tx.Save(&counter).Error
	})
	if err != nil {
		return 0, 0, err
	}

	return int(counter.Count), counter.WindowEnd.Sub(now), nil
}

// PurgeExpired drops counters whose window ended before now.
func (s *DatabaseRateStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("window_end < ?", now.UTC()).Delete(&models.RateCounter{})
	return res.RowsAffected, res.Error
}
