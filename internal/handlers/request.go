package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/unlockd/internal/middleware"
	"github.com/charlesng35/unlockd/internal/services"
	appErrors "github.com/charlesng35/unlockd/pkg/errors"
	"github.com/charlesng35/unlockd/pkg/response"
)

// RequestHandler lets holders of a pre-access token have an exam key emailed.
type RequestHandler struct {
	requests *services.RequestService
	// exposeDetail adds provider error text to delivery failures.
	exposeDetail bool
}

func NewRequestHandler(requests *services.RequestService, exposeDetail bool) (*RequestHandler, error) {
	if requests == nil {
		return nil, errors.New("request handler: request service is required")
	}
	return &RequestHandler{requests: requests, exposeDetail: exposeDetail}, nil
}

type requestUnlockRequest struct {
	Recipient  string     `json:"recipient"`
	TTLMinutes lenientInt `json:"ttlMinutes"`
}

// POST /api/unlock/request
func (h *RequestHandler) Request(c *gin.Context) {
	token := middleware.BearerToken(c)
	if token == "" {
		c.Header("WWW-Authenticate", "Bearer")
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	// A malformed body leaves the recipient empty; the service rejects it
	// after the token check.
	var req requestUnlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = requestUnlockRequest{}
	}

	result, err := h.requests.RequestUnlock(requestContext(c), services.RequestUnlockInput{
		Token:      token,
		Recipient:  req.Recipient,
		TTLMinutes: req.TTLMinutes.Ptr(),
	})
	if err != nil {
		appErr := translateError(err)
		if errors.Is(err, services.ErrUnauthorized) {
			c.Header("WWW-Authenticate", "Bearer")
		}
		if h.exposeDetail && errors.Is(err, services.ErrDeliveryFailure) {
			appErr = appErr.WithDetail(deliveryDetail(err))
		}
		logFailure("request", appErr)
		response.Error(c, appErr)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"id":        result.ID,
		"expiresAt": result.ExpiresAt,
	})
}

func deliveryDetail(err error) string {
	return strings.TrimPrefix(err.Error(), services.ErrDeliveryFailure.Error()+": ")
}
