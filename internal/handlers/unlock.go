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

// UnlockHandler serves issuance, redemption and revocation of unlock keys.
type UnlockHandler struct {
	unlock *services.UnlockService
}

func NewUnlockHandler(unlock *services.UnlockService) (*UnlockHandler, error) {
	if unlock == nil {
		return nil, errors.New("unlock handler: unlock service is required")
	}
	return &UnlockHandler{unlock: unlock}, nil
}

type issueRequest struct {
	Code       string     `json:"code" validate:"max=128,unlockcode"`
	TTLMinutes lenientInt `json:"ttlMinutes"`
	Length     lenientInt `json:"length"`
	GUID       bool       `json:"guid"`
	Format     string     `json:"format"`
	Type       string     `json:"type" validate:"keytype"`
}

type redeemRequest struct {
	Key string `json:"key"`
}

type revokeRequest struct {
	Key  string `json:"key" validate:"required,max=128"`
	Type string `json:"type" validate:"keytype"`
}

// POST /api/unlock/issue
func (h *UnlockHandler) Issue(c *gin.Context) {
	var req issueRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	result, err := h.unlock.Issue(requestContext(c), services.IssueRequest{
		Code:       req.Code,
		TTLMinutes: req.TTLMinutes.Ptr(),
		Length:     req.Length.Ptr(),
		GUID:       req.GUID || strings.EqualFold(strings.TrimSpace(req.Format), "guid"),
		Type:       req.Type,
		Source:     "admin",
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"type":      result.Type,
		"code":      result.Code,
		"expiresAt": result.ExpiresAt,
	})
}

// POST /api/unlock/redeem
func (h *UnlockHandler) Redeem(c *gin.Context) {
	h.redeem(c, services.KeyTypeExam)
}

// POST /api/pre/redeem
func (h *UnlockHandler) PreRedeem(c *gin.Context) {
	h.redeem(c, services.KeyTypePre)
}

func (h *UnlockHandler) redeem(c *gin.Context, kind services.KeyType) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.NewInvalidRequest("invalid JSON payload"))
		return
	}

	// An empty key reaches the service so the rejection is delayed.
	token, err := h.unlock.Redeem(requestContext(c), kind, req.Key)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"token": token.Token,
		"exp":   token.Exp,
	})
}

// POST /api/unlock/revoke
func (h *UnlockHandler) Revoke(c *gin.Context) {
	var req revokeRequest
	if !bindAndValidate(c, &req) {
		return
	}

	kind, err := services.ParseKeyType(req.Type)
	if err != nil {
		h.fail(c, err)
		return
	}

	revoked, err := h.unlock.Revoke(requestContext(c), kind, req.Key)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"type":    kind,
		"revoked": revoked,
	})
}

// GET /api/unlock/session
func (h *UnlockHandler) Session(c *gin.Context) {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var exp int64
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Unix()
	}
	response.Success(c, http.StatusOK, gin.H{
		"subject": claims.Subject,
		"scope":   claims.Scope,
		"exp":     exp,
	})
}

func (h *UnlockHandler) fail(c *gin.Context, err error) {
	appErr := translateError(err)
	logFailure("unlock", appErr)
	response.Error(c, appErr)
}
