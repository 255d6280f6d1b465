package handlers

import (
	"errors"

	"go.uber.org/zap"

	"github.com/charlesng35/unlockd/internal/services"
	appErrors "github.com/charlesng35/unlockd/pkg/errors"
	"github.com/charlesng35/unlockd/pkg/logger"
)

// translateError maps service sentinels onto API errors. Causes stay in the
// Internal field and are only logged.
func translateError(err error) *appErrors.AppError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, services.ErrUnauthorized):
		return appErrors.ErrUnauthorized.WithInternal(err)
	case errors.Is(err, services.ErrInvalidRequest):
		return appErrors.NewInvalidRequest(invalidRequestMessage(err)).WithInternal(err)
	case errors.Is(err, services.ErrInvalidKey):
		return appErrors.ErrInvalidKey
	case errors.Is(err, services.ErrExpiredKey):
		return appErrors.ErrExpiredKey
	case errors.Is(err, services.ErrStoreUnavailable):
		return appErrors.ErrStoreUnavailable.WithInternal(err)
	case errors.Is(err, services.ErrDeliveryNotConfigured):
		return appErrors.ErrNotConfigured.WithInternal(err)
	case errors.Is(err, services.ErrDeliveryFailure):
		return appErrors.ErrDeliveryFailure.WithInternal(err)
	default:
		return appErrors.ErrInternalServer.WithInternal(err)
	}
}

// invalidRequestMessage keeps the service's explanation, which never carries
// stored data, e.g. "invalid request: recipient is required" → "recipient is required".
func invalidRequestMessage(err error) string {
	msg := err.Error()
	prefix := services.ErrInvalidRequest.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return appErrors.ErrInvalidRequest.Message
}

func logFailure(module string, appErr *appErrors.AppError) {
	if appErr == nil || appErr.Internal == nil || appErr.StatusCode < 500 {
		return
	}
	logger.WithModule(module).Error("request failed",
		zap.String("code", appErr.Code),
		zap.Error(appErr.Internal),
	)
}
