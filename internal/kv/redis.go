package kv

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig captures the connection parameters for the Redis backend.
type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	TLS       bool
	Timeout   time.Duration
	KeyPrefix string
}

const (
	defaultRedisTimeout = 5 * time.Second
	defaultRedisPrefix  = "unlockd:"
)

// NewRedisClient creates a go-redis client and verifies connectivity so that
// misconfiguration surfaces during startup.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg.Address = strings.TrimSpace(cfg.Address)
	if cfg.Address == "" {
		return nil, errors.New("redis: address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRedisTimeout
	}

	opts := &redis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	if cfg.TLS {
		host := cfg.Address
		if idx := strings.LastIndex(host, ":"); idx != -1 {
			host = host[:idx]
		}
		opts.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable(BackendRedis, "connect", err)
	}
	return client, nil
}

// RedisStore maps a namespace onto a key prefix. TTLs are native and consume
// uses GETDEL, so concurrent consumers of the same key see exactly one hit.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
	prefix    string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore binds a Redis client to namespace.
func NewRedisStore(client redis.UniversalClient, namespace, keyPrefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("kv: redis client is required")
	}
	ns, err := validNamespace(namespace)
	if err != nil {
		return nil, err
	}
	if keyPrefix == "" {
		keyPrefix = defaultRedisPrefix
	}
	return &RedisStore{
		client:    client,
		namespace: ns,
		prefix:    keyPrefix + ns + ":",
	}, nil
}

// RedisFactory returns a Factory producing stores over the same client.
func RedisFactory(client redis.UniversalClient, keyPrefix string) Factory {
	return func(namespace string) (Store, error) {
		return NewRedisStore(client, namespace, keyPrefix)
	}
}

func (s *RedisStore) Namespace() string { return s.namespace }

func (s *RedisStore) Backend() string { return BackendRedis }

func (s *RedisStore) Capabilities() Capabilities {
	return Capabilities{AtomicConsume: true, NativeTTL: true}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	return getText(ctx, s, key)
}

func (s *RedisStore) Set(ctx context.Context, key, value string, opts SetOptions) error {
	return setText(ctx, s, key, value, opts)
}

func (s *RedisStore) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	return getJSON(ctx, s, key, dest)
}

func (s *RedisStore) SetJSON(ctx context.Context, key string, value any, opts SetOptions) error {
	return setJSON(ctx, s, key, value, opts)
}

func (s *RedisStore) ConsumeJSON(ctx context.Context, key string, dest any) (bool, error) {
	return consumeJSON(ctx, s, key, dest)
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return unavailable(BackendRedis, "delete", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(BackendRedis, "ping", err)
	}
	return nil
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

func (s *RedisStore) setBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return unavailable(BackendRedis, "set", err)
	}
	return nil
}

func (s *RedisStore) getBytes(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable(BackendRedis, "get", err)
	}
	return raw, true, nil
}

func (s *RedisStore) consumeBytes(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.client.GetDel(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable(BackendRedis, "consume", err)
	}
	return raw, true, nil
}
