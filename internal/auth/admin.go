package auth

import (
	"strings"

	"github.com/charlesng35/unlockd/pkg/crypto"
)

// AdminConfig holds the operator credential. KeyHash is a bcrypt hash and
// takes precedence over the plain Key.
type AdminConfig struct {
	Key     string
	KeyHash string
}

// AdminAuthenticator checks the admin key presented on privileged routes.
type AdminAuthenticator struct {
	key  string
	hash string
}

func NewAdminAuthenticator(cfg AdminConfig) *AdminAuthenticator {
	return &AdminAuthenticator{
		key:  strings.TrimSpace(cfg.Key),
		hash: strings.TrimSpace(cfg.KeyHash),
	}
}

// Configured reports whether any admin credential is set. Without one every
// privileged request is refused.
func (a *AdminAuthenticator) Configured() bool {
	return a != nil && (a.key != "" || a.hash != "")
}

// Authenticate reports whether candidate matches the configured credential.
func (a *AdminAuthenticator) Authenticate(candidate string) bool {
	if !a.Configured() || candidate == "" {
		return false
	}
	if a.hash != "" {
		return crypto.VerifySecret(a.hash, candidate)
	}
	return crypto.ConstantTimeEqual(a.key, candidate)
}
