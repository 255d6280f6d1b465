package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/unlockd/internal/api"
	"github.com/charlesng35/unlockd/internal/app"
	"github.com/charlesng35/unlockd/internal/app/maintenance"
	iauth "github.com/charlesng35/unlockd/internal/auth"
	"github.com/charlesng35/unlockd/internal/database"
	"github.com/charlesng35/unlockd/internal/kv"
	"github.com/charlesng35/unlockd/internal/middleware"
	"github.com/charlesng35/unlockd/internal/monitoring"
	"github.com/charlesng35/unlockd/internal/monitoring/checks"
	"github.com/charlesng35/unlockd/internal/services"
)

const rateStoreBackendMemory = "memory"

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB        *gorm.DB
	Redis     *redis.Client
	Blob      *minio.Client
	Unlock    *services.UnlockService
	Cleaner   *maintenance.Cleaner
	Tracker   *monitoring.JobTracker
	Health    *monitoring.HealthManager
	RateStore middleware.RateStore
	Router    *gin.Engine
}

// pingFunc adapts a plain function to checks.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// bootstrapRuntime connects the configured backends, builds the services and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	stack := &runtimeStack{}
	success := false

	defer func() {
		if !success {
			_ = stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	if needsBackend(cfg, app.BackendDatabase) {
		db, err := initialiseDatabase(cfg, log)
		if err != nil {
			return nil, err
		}
		stack.DB = db
	}

	if needsBackend(cfg, app.BackendRedis) {
		client, err := kv.NewRedisClient(ctx, cfg.Redis.RedisClientConfig())
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		stack.Redis = client
		log.Info("redis connected", zap.String("addr", cfg.Redis.Address))
	}

	factory, err := stack.storeFactory(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	tokens, err := iauth.NewTokenService(cfg.Auth.TokenServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise token service: %w", err)
	}

	admin := iauth.NewAdminAuthenticator(cfg.Auth.AdminConfig())
	if !admin.Configured() {
		log.Warn("admin key not configured; issuance and revocation will reject every request")
	}

	stack.Unlock, err = services.NewUnlockService(factory, tokens, cfg.UnlockServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise unlock service: %w", err)
	}
	warnNonAtomicStores(stack.Unlock.Stores(), log)

	mailer, err := cfg.Email.NewMailer(&http.Client{Timeout: cfg.Email.API.Timeout})
	if err != nil {
		return nil, fmt.Errorf("initialise mailer: %w", err)
	}
	if err := mailer.Ready(); err != nil {
		log.Warn("email delivery not configured", zap.String("provider", mailer.Provider()), zap.Error(err))
	}

	requests, err := services.NewRequestService(stack.Unlock, tokens, mailer, cfg.Email.RequestServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise request service: %w", err)
	}

	stack.RateStore, err = stack.rateStore(cfg)
	if err != nil {
		return nil, err
	}

	stack.Tracker = monitoring.NewJobTracker(nil)
	stack.Cleaner = maintenance.NewCleaner(stack.purgeTargets(),
		maintenance.WithSchedule(cfg.Maintenance.CleanupSchedule),
		maintenance.WithTracker(stack.Tracker),
	)
	if err := stack.Cleaner.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	stack.Health = stack.healthManager(cfg)

	stack.Router, err = api.NewRouter(cfg, api.Dependencies{
		Unlock:    stack.Unlock,
		Requests:  requests,
		Tokens:    tokens,
		Admin:     admin,
		Health:    stack.Health,
		RateStore: stack.RateStore,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// warnNonAtomicStores logs once per store whose consume can hand out a key twice.
func warnNonAtomicStores(stores []kv.Store, log *zap.Logger) {
	for _, store := range stores {
		if !store.Capabilities().AtomicConsume {
			log.Warn("store consume is not atomic; concurrent redemptions of one key may both succeed",
				zap.String("backend", store.Backend()),
				zap.String("namespace", store.Namespace()),
			)
		}
	}
}

func needsBackend(cfg *app.Config, backend string) bool {
	if cfg.Store.Backend == backend {
		return true
	}
	return cfg.RateLimit.Enabled && cfg.RateLimit.Backend == backend
}

func (s *runtimeStack) storeFactory(ctx context.Context, cfg *app.Config, log *zap.Logger) (kv.Factory, error) {
	switch cfg.Store.Backend {
	case app.BackendDatabase:
		return kv.DatabaseFactory(s.DB), nil
	case app.BackendRedis:
		return kv.RedisFactory(s.Redis, cfg.Redis.KeyPrefix), nil
	case app.BackendBlob:
		blobCfg := cfg.Blob.BlobStoreConfig()
		client, err := kv.NewMinioClient(blobCfg)
		if err != nil {
			return nil, err
		}
		bucketCtx, cancel := withOptionalTimeout(ctx, cfg.Store)
		defer cancel()
		if err := kv.EnsureBucket(bucketCtx, client, blobCfg.Bucket, blobCfg.Region); err != nil {
			return nil, fmt.Errorf("prepare blob bucket: %w", err)
		}
		s.Blob = client
		log.Info("blob storage ready", zap.String("endpoint", blobCfg.Endpoint), zap.String("bucket", blobCfg.Bucket))
		return kv.BlobFactory(client, blobCfg.Bucket), nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

func (s *runtimeStack) rateStore(cfg *app.Config) (middleware.RateStore, error) {
	if !cfg.RateLimit.Enabled {
		return nil, nil
	}
	switch cfg.RateLimit.Backend {
	case "", rateStoreBackendMemory:
		return middleware.NewMemoryRateStore(nil), nil
	case app.BackendRedis:
		return middleware.NewRedisRateStore(s.Redis, cfg.Redis.KeyPrefix), nil
	case app.BackendDatabase:
		return middleware.NewDatabaseRateStore(s.DB, nil), nil
	default:
		return nil, fmt.Errorf("unsupported rate limit backend %q", cfg.RateLimit.Backend)
	}
}

// purgeTargets lists every store without native expiry.
func (s *runtimeStack) purgeTargets() []maintenance.Target {
	var targets []maintenance.Target
	for _, store := range s.Unlock.Stores() {
		if purger, ok := store.(kv.Purger); ok {
			targets = append(targets, maintenance.Target{
				Name:    store.Namespace(),
				Backend: store.Backend(),
				Purger:  purger,
			})
		}
	}
	if purger, ok := s.RateStore.(kv.Purger); ok {
		targets = append(targets, maintenance.Target{
			Name:    "rate_counters",
			Backend: app.BackendDatabase,
			Purger:  purger,
		})
	}
	return targets
}

func (s *runtimeStack) healthManager(cfg *app.Config) *monitoring.HealthManager {
	manager := monitoring.NewHealthManager(cfg.Monitoring.Health.Timeout)
	manager.RegisterLiveness(monitoring.NewCheck("process", func(context.Context) monitoring.ProbeResult {
		return monitoring.ProbeResult{Status: monitoring.StatusUp}
	}))

	for _, store := range s.Unlock.Stores() {
		manager.RegisterReadiness(checks.Ping("store:"+store.Namespace(), store, cfg.Store.Timeout))
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.Backend != cfg.Store.Backend {
		switch cfg.RateLimit.Backend {
		case app.BackendRedis:
			manager.RegisterReadiness(checks.Ping("rate_limit:redis", pingFunc(func(ctx context.Context) error {
				return s.Redis.Ping(ctx).Err()
			}), cfg.Store.Timeout))
		case app.BackendDatabase:
			manager.RegisterReadiness(checks.Ping("rate_limit:database", pingFunc(func(ctx context.Context) error {
				sqlDB, err := s.DB.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			}), cfg.Store.Timeout))
		}
	}
	if s.Cleaner != nil && s.Cleaner.Enabled() {
		manager.RegisterReadiness(checks.Maintenance(s.Tracker, 0))
	}
	return manager
}

// Shutdown stops background jobs and releases every connection, returning the combined close errors.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) error {
	if s == nil {
		return nil
	}

	if s.Cleaner != nil {
		stopCtx := s.Cleaner.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
		if err := s.Cleaner.RunOnce(ctx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}

	var errs error
	if closer, ok := s.RateStore.(interface{ Close() error }); ok {
		errs = multierr.Append(errs, closer.Close())
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if s.DB != nil {
		if err := database.Close(s.DB); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	if errs != nil {
		log.Warn("resource shutdown", zap.Error(errs))
	}
	return errs
}

func initialiseDatabase(cfg *app.Config, log *zap.Logger) (*gorm.DB, error) {
	dbCfg := cfg.Database.DatabaseSettings()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.Migrate(db); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	driver := strings.ToLower(strings.TrimSpace(dbCfg.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	log.Info("database connected", zap.String("driver", driver))

	return db, nil
}

func withOptionalTimeout(ctx context.Context, cfg app.StoreConfig) (context.Context, context.CancelFunc) {
	if cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.Timeout)
}
