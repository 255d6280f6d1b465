package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/charlesng35/unlockd/internal/auth"
	"github.com/charlesng35/unlockd/pkg/errors"
	"github.com/charlesng35/unlockd/pkg/response"
)

const (
	CtxClaimsKey = "authClaims"

	DefaultAdminHeader = "X-Admin-Key"
)

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[7:])
}

// Auth enforces a bearer token carrying the given scope.
func Auth(tokens *iauth.TokenService, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			c.Header("WWW-Authenticate", "Bearer")
			response.Abort(c, errors.ErrUnauthorized)
			return
		}

		// Every verification failure is reported the same way.
		claims := tokens.VerifyScope(token, scope)
		if claims == nil {
			c.Header("WWW-Authenticate", "Bearer")
			response.Abort(c, errors.ErrUnauthorized)
			return
		}

		c.Set(CtxClaimsKey, claims)
		c.Next()
	}
}

// ClaimsFromContext returns the claims stored by Auth.
func ClaimsFromContext(c *gin.Context) (*iauth.Claims, bool) {
	value, ok := c.Get(CtxClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*iauth.Claims)
	return claims, ok && claims != nil
}

// AdminKey guards operator routes with a shared key sent in header.
func AdminKey(admin *iauth.AdminAuthenticator, header string) gin.HandlerFunc {
	if strings.TrimSpace(header) == "" {
		header = DefaultAdminHeader
	}
	return func(c *gin.Context) {
		if !admin.Authenticate(strings.TrimSpace(c.GetHeader(header))) {
			response.Abort(c, errors.ErrUnauthorized)
			return
		}
		c.Next()
	}
}
