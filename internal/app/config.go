package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the unlockd server.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Store       StoreConfig       `mapstructure:"store"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Blob        BlobConfig        `mapstructure:"blob"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Unlock      UnlockConfig      `mapstructure:"unlock"`
	Email       EmailConfig       `mapstructure:"email"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Environment     string        `mapstructure:"environment"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// IsProduction reports whether internal failure details must stay hidden.
func (s ServerConfig) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(s.Environment))
	return env == "" || env == "production" || env == "prod"
}

// LoggingConfig controls the global zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects the key-value backend holding unlock keys.
type StoreConfig struct {
	Backend    string          `mapstructure:"backend"`
	Timeout    time.Duration   `mapstructure:"timeout"`
	Namespaces NamespaceConfig `mapstructure:"namespaces"`
}

// NamespaceConfig names the per key type stores.
type NamespaceConfig struct {
	Exam string `mapstructure:"exam"`
	Pre  string `mapstructure:"pre"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// RedisConfig holds Redis connection options.
type RedisConfig struct {
	Address   string        `mapstructure:"address"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	TLS       bool          `mapstructure:"tls"`
	Timeout   time.Duration `mapstructure:"timeout"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// BlobConfig holds S3-compatible object storage options.
type BlobConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// AuthConfig captures the admin credential and token settings.
type AuthConfig struct {
	Admin  AdminSettings `mapstructure:"admin"`
	Tokens TokenSettings `mapstructure:"tokens"`
}

// AdminSettings configures the operator key checked on privileged routes.
type AdminSettings struct {
	Key     string `mapstructure:"key"`
	KeyHash string `mapstructure:"key_hash"`
	Header  string `mapstructure:"header"`
}

// TokenSettings configures signed session tokens.
type TokenSettings struct {
	Secret     string        `mapstructure:"secret"`
	Issuer     string        `mapstructure:"issuer"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
	PreTTL     time.Duration `mapstructure:"pre_ttl"`
}

// UnlockConfig tunes key issuance and redemption.
type UnlockConfig struct {
	DefaultTTLMinutes int           `mapstructure:"default_ttl_minutes"`
	DefaultLength     int           `mapstructure:"default_length"`
	EmptyKeyDelay     time.Duration `mapstructure:"empty_key_delay"`
}

// EmailConfig captures outbound email settings.
type EmailConfig struct {
	Provider string     `mapstructure:"provider"`
	From     string     `mapstructure:"from"`
	Subject  string     `mapstructure:"subject"`
	API      EmailAPI   `mapstructure:"api"`
	SMTP     SMTPConfig `mapstructure:"smtp"`
}

// EmailAPI configures the HTTP email provider.
type EmailAPI struct {
	Endpoint string        `mapstructure:"endpoint"`
	Key      string        `mapstructure:"key"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SMTPConfig defines SMTP dialer settings for sending email.
type SMTPConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	UseTLS   bool          `mapstructure:"use_tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig guards the redeem endpoints.
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
	Backend  string        `mapstructure:"backend"`
}

// MaintenanceConfig schedules the expired entry cleaner.
type MaintenanceConfig struct {
	CleanupSchedule string `mapstructure:"cleanup_schedule"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("UNLOCKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings that can only fail later at runtime.
func (c *Config) Validate() error {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.RateLimit.Backend = strings.ToLower(strings.TrimSpace(c.RateLimit.Backend))
	c.Email.Provider = strings.ToLower(strings.TrimSpace(c.Email.Provider))

	switch c.Store.Backend {
	case BackendDatabase, BackendRedis, BackendBlob:
	default:
		return fmt.Errorf("config: unsupported store.backend %q", c.Store.Backend)
	}
	switch c.RateLimit.Backend {
	case "memory", BackendDatabase, BackendRedis:
	default:
		return fmt.Errorf("config: unsupported rate_limit.backend %q", c.RateLimit.Backend)
	}
	switch c.Email.Provider {
	case EmailProviderAPI, EmailProviderSMTP, "":
	default:
		return fmt.Errorf("config: unsupported email.provider %q", c.Email.Provider)
	}
	if c.Store.Namespaces.Exam == c.Store.Namespaces.Pre {
		return errors.New("config: store.namespaces.exam and store.namespaces.pre must differ")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.environment", "production")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("store.backend", BackendDatabase)
	v.SetDefault("store.timeout", "5s")
	v.SetDefault("store.namespaces.exam", "exam-unlock-keys")
	v.SetDefault("store.namespaces.pre", "pre-access-keys")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/unlockd.sqlite")

	v.SetDefault("redis.address", "127.0.0.1:6379")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.tls", false)
	v.SetDefault("redis.timeout", "5s")
	v.SetDefault("redis.key_prefix", "unlockd:")

	v.SetDefault("blob.bucket", "unlockd")
	v.SetDefault("blob.use_ssl", true)

	v.SetDefault("auth.admin.header", "X-Admin-Key")
	v.SetDefault("auth.tokens.issuer", "unlockd")
	v.SetDefault("auth.tokens.session_ttl", "6h")
	v.SetDefault("auth.tokens.pre_ttl", "30m")

	v.SetDefault("unlock.default_ttl_minutes", 60)
	v.SetDefault("unlock.default_length", 10)
	v.SetDefault("unlock.empty_key_delay", "300ms")

	v.SetDefault("email.provider", EmailProviderAPI)
	v.SetDefault("email.subject", "Your exam unlock key")
	v.SetDefault("email.api.endpoint", "https://api.resend.com/emails")
	v.SetDefault("email.api.timeout", "10s")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.use_tls", true)
	v.SetDefault("email.smtp.timeout", "10s")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests", 10)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.backend", "memory")

	v.SetDefault("maintenance.cleanup_schedule", "@every 15m")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)
	v.SetDefault("monitoring.health_check.timeout", "3s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
