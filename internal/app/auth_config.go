package app

import (
	"strings"

	"github.com/charlesng35/unlockd/internal/auth"
	"github.com/charlesng35/unlockd/internal/services"
)

// TokenServiceConfig converts AuthConfig into the parameters expected by the token service.
func (c AuthConfig) TokenServiceConfig() auth.TokenConfig {
	issuer := strings.TrimSpace(c.Tokens.Issuer)
	if issuer == "" {
		issuer = auth.DefaultIssuer
	}
	return auth.TokenConfig{
		Secret: c.Tokens.Secret,
		Issuer: issuer,
	}
}

// AdminConfig converts the admin section into authenticator parameters.
func (c AuthConfig) AdminConfig() auth.AdminConfig {
	return auth.AdminConfig{
		Key:     c.Admin.Key,
		KeyHash: c.Admin.KeyHash,
	}
}

// UnlockServiceConfig combines store, token and unlock settings for the unlock service.
func (c *Config) UnlockServiceConfig() services.UnlockConfig {
	return services.UnlockConfig{
		ExamNamespace:     strings.TrimSpace(c.Store.Namespaces.Exam),
		PreNamespace:      strings.TrimSpace(c.Store.Namespaces.Pre),
		DefaultTTLMinutes: c.Unlock.DefaultTTLMinutes,
		DefaultLength:     c.Unlock.DefaultLength,
		SessionTTL:        c.Auth.Tokens.SessionTTL,
		PreAccessTTL:      c.Auth.Tokens.PreTTL,
		EmptyKeyDelay:     c.Unlock.EmptyKeyDelay,
		StoreTimeout:      c.Store.Timeout,
	}
}
