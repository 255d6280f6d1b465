package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token scopes and the subjects that go with them.
const (
	ScopeExam = "exam"
	ScopePre  = "pre"

	SubjectExam = "exam-access"
	SubjectPre  = "pre-access"
)

const (
	// DefaultSessionTTL is the validity of exam-scoped tokens.
	DefaultSessionTTL = 6 * time.Hour
	// DefaultPreAccessTTL is the validity of pre-access tokens.
	DefaultPreAccessTTL = 30 * time.Minute
	// DefaultIssuer is written to the iss claim when none is configured.
	DefaultIssuer = "unlockd"
)

// TokenConfig bundles the configuration required to build a TokenService.
type TokenConfig struct {
	Secret string
	Issuer string
	Clock  func() time.Time
}

// Claims represents the claims embedded in issued tokens.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// SignedToken is a compact JWT together with its expiry in unix seconds.
type SignedToken struct {
	Token string `json:"token"`
	Exp   int64  `json:"exp"`
}

// TokenService issues and verifies stateless HS256 tokens.
type TokenService struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenService constructs a TokenService when provided with the required configuration.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("token: secret must be provided")
	}

	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &TokenService{
		secret: []byte(cfg.Secret),
		issuer: issuer,
		now:    now,
	}, nil
}

// Sign issues a token for claims valid for ttl. The issued-at, expiry and
// issuer claims are always set by the service.
func (s *TokenService) Sign(claims Claims, ttl time.Duration) (SignedToken, error) {
	if ttl <= 0 {
		return SignedToken{}, errors.New("token: ttl must be positive")
	}
	if claims.Subject == "" {
		return SignedToken{}, errors.New("token: subject is required")
	}

	now := s.now()
	expiresAt := now.Add(ttl)

	claims.Issuer = s.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return SignedToken{}, fmt.Errorf("token: sign: %w", err)
	}

	return SignedToken{Token: signed, Exp: claims.ExpiresAt.Unix()}, nil
}

// Verify returns the claims of a valid token or nil. Bad signatures, tampered
// payloads, foreign algorithms, expired or malformed tokens all yield nil.
func (s *TokenService) Verify(tokenString string) *Claims {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil
	}
	return claims
}

// VerifyScope is Verify plus a scope check.
func (s *TokenService) VerifyScope(tokenString, scope string) *Claims {
	claims := s.Verify(tokenString)
	if claims == nil || claims.Scope != scope {
		return nil
	}
	return claims
}

func (s *TokenService) parse(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("token: empty")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(s.issuer),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token: parse: %w", err)
	}
	return &claims, nil
}
