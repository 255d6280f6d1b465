package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	appErrors "github.com/charlesng35/unlockd/pkg/errors"
)

// ErrorBody is the payload written for every failed request.
type ErrorBody struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Success writes {"ok": true} merged with the provided fields.
func Success(c *gin.Context, statusCode int, fields gin.H) {
	body := gin.H{"ok": true}
	for k, v := range fields {
		if k == "ok" {
			continue
		}
		body[k] = v
	}
	c.JSON(statusCode, body)
}

// Error writes a JSON error response derived from an AppError.
func Error(c *gin.Context, err error) {
	if err == nil {
		err = appErrors.ErrInternalServer
	}

	appErr := appErrors.FromError(err)
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}

	c.JSON(status, ErrorBody{
		OK:     false,
		Error:  appErr.Message,
		Code:   appErr.Code,
		Detail: appErr.Detail,
	})
}

// Abort writes the error and stops the handler chain.
func Abort(c *gin.Context, err error) {
	Error(c, err)
	c.Abort()
}
