package app

import (
	"strings"

	"github.com/charlesng35/unlockd/internal/database"
	"github.com/charlesng35/unlockd/internal/kv"
)

// Store and rate limit backends.
const (
	BackendDatabase = kv.BackendDatabase
	BackendRedis    = kv.BackendRedis
	BackendBlob     = kv.BackendBlob
)

// DatabaseSettings converts the database section into database.Open parameters.
func (c DatabaseConfig) DatabaseSettings() database.Config {
	cfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(c.Driver)),
		Path:   strings.TrimSpace(c.Path),
		DSN:    strings.TrimSpace(c.DSN),
	}

	var host DBAuthConfig
	switch cfg.Driver {
	case "postgres", "postgresql":
		host = c.Postgres
	case "mysql":
		host = c.MySQL
	default:
		return cfg
	}

	cfg.Host = strings.TrimSpace(host.Host)
	cfg.Port = host.Port
	cfg.Name = strings.TrimSpace(host.Database)
	cfg.User = strings.TrimSpace(host.Username)
	cfg.Password = host.Password
	return cfg
}

// RedisClientConfig converts the redis section into the kv package representation.
func (c RedisConfig) RedisClientConfig() kv.RedisConfig {
	return kv.RedisConfig{
		Address:   strings.TrimSpace(c.Address),
		Username:  strings.TrimSpace(c.Username),
		Password:  c.Password,
		DB:        c.DB,
		TLS:       c.TLS,
		Timeout:   c.Timeout,
		KeyPrefix: c.KeyPrefix,
	}
}

// BlobStoreConfig converts the blob section into the kv package representation.
func (c BlobConfig) BlobStoreConfig() kv.BlobConfig {
	return kv.BlobConfig{
		Endpoint:  strings.TrimSpace(c.Endpoint),
		AccessKey: strings.TrimSpace(c.AccessKey),
		SecretKey: c.SecretKey,
		Bucket:    strings.TrimSpace(c.Bucket),
		Region:    strings.TrimSpace(c.Region),
		UseSSL:    c.UseSSL,
	}
}
