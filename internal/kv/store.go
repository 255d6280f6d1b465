package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charlesng35/unlockd/pkg/metrics"
)

// Backend names accepted by configuration.
const (
	BackendDatabase = "database"
	BackendRedis    = "redis"
	BackendBlob     = "blob"
)

var (
	// ErrStoreUnavailable wraps every failure caused by an unreachable or failing backend.
	ErrStoreUnavailable = errors.New("kv: store unavailable")
	// ErrEmptyKey is returned when an operation is called without a key.
	ErrEmptyKey = errors.New("kv: key must not be empty")
)

// SetOptions tune a write. A zero TTL stores the value without expiry.
type SetOptions struct {
	TTL time.Duration
}

// Capabilities describe backend guarantees callers may want to log or assert on.
type Capabilities struct {
	// AtomicConsume is true when ConsumeJSON reads and deletes in one indivisible step.
	// When false, two concurrent consumers may both observe the value.
	AtomicConsume bool
	// NativeTTL is true when the backend expires entries on its own.
	NativeTTL bool
}

// Store is the key-value contract shared by every backend. A Store is bound to
// a single namespace.
type Store interface {
	Namespace() string
	Backend() string
	Capabilities() Capabilities

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, opts SetOptions) error
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, opts SetOptions) error
	ConsumeJSON(ctx context.Context, key string, dest any) (bool, error)
	Delete(ctx context.Context, key string) error

	Ping(ctx context.Context) error
}

// Purger is implemented by backends without native expiry. The maintenance
// cleaner calls it to drop entries nobody read after they expired.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Factory returns the Store for a namespace. It is built once at startup for
// the configured backend.
type Factory func(namespace string) (Store, error)

// byteStore is the raw surface each adapter provides; JSON and text variants
// are layered on top of it.
type byteStore interface {
	getBytes(ctx context.Context, key string) ([]byte, bool, error)
	setBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error
	consumeBytes(ctx context.Context, key string) ([]byte, bool, error)
}

func getJSON(ctx context.Context, s byteStore, key string, dest any) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	raw, ok, err := s.getBytes(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return true, decode(key, raw, dest)
}

func consumeJSON(ctx context.Context, s byteStore, key string, dest any) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	raw, ok, err := s.consumeBytes(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return true, decode(key, raw, dest)
}

func setJSON(ctx context.Context, s byteStore, key string, value any, opts SetOptions) error {
	if err := checkKey(key); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kv: encode %q: %w", key, err)
	}
	ttl := opts.TTL
	if ttl < 0 {
		ttl = 0
	}
	return s.setBytes(ctx, key, raw, ttl)
}

// Text values are stored as JSON strings so every backend holds valid JSON.
func getText(ctx context.Context, s byteStore, key string) (string, bool, error) {
	var value string
	ok, err := getJSON(ctx, s, key, &value)
	return value, ok, err
}

func setText(ctx context.Context, s byteStore, key, value string, opts SetOptions) error {
	return setJSON(ctx, s, key, value, opts)
}

func decode(key string, raw []byte, dest any) error {
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("kv: decode %q: %w", key, err)
	}
	return nil
}

func checkKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}

// unavailable records the failure and wraps it with ErrStoreUnavailable.
func unavailable(backend, op string, err error) error {
	metrics.StoreErrors.WithLabelValues(backend, op).Inc()
	return fmt.Errorf("%w: %s %s: %v", ErrStoreUnavailable, backend, op, err)
}

func validNamespace(namespace string) (string, error) {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return "", errors.New("kv: namespace must not be empty")
	}
	if strings.ContainsAny(namespace, "/:\\ ") {
		return "", fmt.Errorf("kv: namespace %q contains reserved characters", namespace)
	}
	return namespace, nil
}
