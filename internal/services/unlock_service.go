package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/charlesng35/unlockd/internal/auth"
	"github.com/charlesng35/unlockd/internal/kv"
	"github.com/charlesng35/unlockd/pkg/crypto"
	"github.com/charlesng35/unlockd/pkg/logger"
	"github.com/charlesng35/unlockd/pkg/metrics"
)

const (
	DefaultTTLMinutes = 60
	MinTTLMinutes     = 1
	MaxTTLMinutes     = 1440

	DefaultCodeLength = 10
	MinCodeLength     = 4
	MaxCodeLength     = 64

	DefaultEmptyKeyDelay = 300 * time.Millisecond
	DefaultStoreTimeout  = 5 * time.Second

	DefaultExamNamespace = "exam-unlock-keys"
	DefaultPreNamespace  = "pre-access-keys"

	// ExpiredGrace is how long a record stays in the store after its
	// expiresAt. Redemptions inside that window report ErrExpiredKey.
	ExpiredGrace = time.Hour
)

// UnlockConfig tunes issuance and redemption.
type UnlockConfig struct {
	ExamNamespace     string
	PreNamespace      string
	DefaultTTLMinutes int
	DefaultLength     int
	SessionTTL        time.Duration
	PreAccessTTL      time.Duration
	EmptyKeyDelay     time.Duration
	StoreTimeout      time.Duration
}

func (c *UnlockConfig) applyDefaults() {
	if c.ExamNamespace == "" {
		c.ExamNamespace = DefaultExamNamespace
	}
	if c.PreNamespace == "" {
		c.PreNamespace = DefaultPreNamespace
	}
	if c.DefaultTTLMinutes <= 0 {
		c.DefaultTTLMinutes = DefaultTTLMinutes
	}
	if c.DefaultLength <= 0 {
		c.DefaultLength = DefaultCodeLength
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = auth.DefaultSessionTTL
	}
	if c.PreAccessTTL <= 0 {
		c.PreAccessTTL = auth.DefaultPreAccessTTL
	}
	if c.EmptyKeyDelay < 0 {
		c.EmptyKeyDelay = 0
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
}

// UnlockOption customises the UnlockService.
type UnlockOption func(*UnlockService)

// WithUnlockClock injects a custom time source.
func WithUnlockClock(clock func() time.Time) UnlockOption {
	return func(s *UnlockService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithSleep replaces the function used to delay empty-key rejections.
func WithSleep(sleep func(ctx context.Context, d time.Duration)) UnlockOption {
	return func(s *UnlockService) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// IssueRequest describes a key to create. Nil TTLMinutes and Length fall back
// to the configured defaults; out-of-range values are clamped.
type IssueRequest struct {
	Code       string
	TTLMinutes *int
	Length     *int
	GUID       bool
	Type       string
	// Source labels the issuance in metrics (admin or email).
	Source string
}

// IssueResult carries the raw code. It is the only place the code leaves the service.
type IssueResult struct {
	Code      string
	Type      KeyType
	ExpiresAt int64
	TTL       time.Duration
}

// UnlockService issues and redeems one-time unlock keys.
type UnlockService struct {
	stores map[KeyType]kv.Store
	tokens *auth.TokenService
	cfg    UnlockConfig
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration)
	log    *zap.Logger
}

// NewUnlockService builds one store per key type from factory.
func NewUnlockService(factory kv.Factory, tokens *auth.TokenService, cfg UnlockConfig, opts ...UnlockOption) (*UnlockService, error) {
	if factory == nil {
		return nil, errors.New("unlock service: store factory is required")
	}
	if tokens == nil {
		return nil, errors.New("unlock service: token service is required")
	}
	cfg.applyDefaults()

	exam, err := factory(cfg.ExamNamespace)
	if err != nil {
		return nil, fmt.Errorf("unlock service: exam store: %w", err)
	}
	pre, err := factory(cfg.PreNamespace)
	if err != nil {
		return nil, fmt.Errorf("unlock service: pre-access store: %w", err)
	}

	service := &UnlockService{
		stores: map[KeyType]kv.Store{KeyTypeExam: exam, KeyTypePre: pre},
		tokens: tokens,
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepContext,
		log:    logger.WithModule("unlock"),
	}
	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// Stores returns the stores in use, exam first.
func (s *UnlockService) Stores() []kv.Store {
	return []kv.Store{s.stores[KeyTypeExam], s.stores[KeyTypePre]}
}

// Issue creates a key and persists its digest with a TTL.
func (s *UnlockService) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	kind, err := ParseKeyType(req.Type)
	if err != nil {
		return nil, err
	}

	code := crypto.NormalizeCode(req.Code)
	if code == "" {
		code, err = s.generate(req)
		if err != nil {
			return nil, fmt.Errorf("unlock service: %w", err)
		}
	}

	ttlMinutes := clamp(req.TTLMinutes, s.cfg.DefaultTTLMinutes, MinTTLMinutes, MaxTTLMinutes)
	ttl := time.Duration(ttlMinutes) * time.Minute
	now := s.now()
	record := UnlockRecord{
		CodeHash:  crypto.HashCode(code),
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if err := s.stores[kind].SetJSON(storeCtx, record.CodeHash, record, kv.SetOptions{TTL: ttl + ExpiredGrace}); err != nil {
		return nil, storeError("issue", err)
	}

	source := req.Source
	if source == "" {
		source = "admin"
	}
	metrics.KeysIssued.WithLabelValues(kind.String(), source).Inc()
	s.log.Info("unlock key issued",
		zap.String("type", kind.String()),
		zap.String("source", source),
		zap.Int("ttl_minutes", ttlMinutes),
	)

	return &IssueResult{Code: code, Type: kind, ExpiresAt: record.ExpiresAt, TTL: ttl}, nil
}

func (s *UnlockService) generate(req IssueRequest) (string, error) {
	if req.GUID {
		return crypto.GenerateGUIDCode()
	}
	length := clamp(req.Length, s.cfg.DefaultLength, MinCodeLength, MaxCodeLength)
	return crypto.GenerateCode(length)
}

// Redeem consumes the key and mints a token scoped to kind. Never-issued and
// already-used keys are indistinguishable to the caller.
func (s *UnlockService) Redeem(ctx context.Context, kind KeyType, provided string) (*auth.SignedToken, error) {
	store, ok := s.stores[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown key type %q", ErrInvalidRequest, kind)
	}

	code := crypto.NormalizeCode(provided)
	if code == "" {
		s.sleep(ctx, s.cfg.EmptyKeyDelay)
		metrics.Redemptions.WithLabelValues(kind.String(), "empty").Inc()
		return nil, fmt.Errorf("%w: key is required", ErrInvalidRequest)
	}
	hash := crypto.HashCode(code)

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	var record UnlockRecord
	found, err := store.ConsumeJSON(storeCtx, hash, &record)
	if err != nil {
		metrics.Redemptions.WithLabelValues(kind.String(), "error").Inc()
		return nil, storeError("redeem", err)
	}
	if !found {
		metrics.Redemptions.WithLabelValues(kind.String(), "invalid").Inc()
		return nil, ErrInvalidKey
	}

	if s.now().UnixMilli() > record.ExpiresAt {
		if err := store.Delete(storeCtx, hash); err != nil {
			s.log.Debug("delete of expired key failed", zap.Error(err))
		}
		metrics.Redemptions.WithLabelValues(kind.String(), "expired").Inc()
		return nil, ErrExpiredKey
	}

	token, err := s.tokens.Sign(s.claimsFor(kind))
	if err != nil {
		metrics.Redemptions.WithLabelValues(kind.String(), "error").Inc()
		return nil, fmt.Errorf("unlock service: %w", err)
	}

	metrics.Redemptions.WithLabelValues(kind.String(), "success").Inc()
	s.log.Info("unlock key redeemed", zap.String("type", kind.String()))
	return &token, nil
}

func (s *UnlockService) claimsFor(kind KeyType) (auth.Claims, time.Duration) {
	if kind == KeyTypePre {
		return auth.Claims{
			Scope:            auth.ScopePre,
			RegisteredClaims: jwt.RegisteredClaims{Subject: auth.SubjectPre},
		}, s.cfg.PreAccessTTL
	}
	return auth.Claims{
		Scope:            auth.ScopeExam,
		RegisteredClaims: jwt.RegisteredClaims{Subject: auth.SubjectExam},
	}, s.cfg.SessionTTL
}

// Revoke removes a pending key by its raw code and reports whether one existed.
func (s *UnlockService) Revoke(ctx context.Context, kind KeyType, provided string) (bool, error) {
	store, ok := s.stores[kind]
	if !ok {
		return false, fmt.Errorf("%w: unknown key type %q", ErrInvalidRequest, kind)
	}
	code := crypto.NormalizeCode(provided)
	if code == "" {
		return false, fmt.Errorf("%w: key is required", ErrInvalidRequest)
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	found, err := store.ConsumeJSON(storeCtx, crypto.HashCode(code), nil)
	if err != nil {
		return false, storeError("revoke", err)
	}
	if found {
		s.log.Info("unlock key revoked", zap.String("type", kind.String()))
	}
	return found, nil
}

func clamp(value *int, fallback, lo, hi int) int {
	v := fallback
	if value != nil {
		v = *value
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
