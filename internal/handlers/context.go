package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
)

// requestContext is the context unlock, request and health calls run under.
// It ends when the client disconnects; a gin context built without an
// *http.Request yields context.Background so store timeouts still apply.
func requestContext(c *gin.Context) context.Context {
	if c == nil || c.Request == nil {
		return context.Background()
	}
	return c.Request.Context()
}
