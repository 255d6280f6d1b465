package services

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized indicates a missing, invalid or wrongly scoped token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidRequest indicates missing or malformed input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidKey covers both never-issued and already-consumed keys.
	ErrInvalidKey = errors.New("invalid key")
	// ErrExpiredKey indicates the key was found past its expiry.
	ErrExpiredKey = errors.New("expired key")
	// ErrStoreUnavailable wraps key-value backend failures.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrDeliveryFailure indicates the email provider rejected or failed the send.
	ErrDeliveryFailure = errors.New("email delivery failed")
	// ErrDeliveryNotConfigured indicates email credentials or sender are missing.
	ErrDeliveryNotConfigured = errors.New("email delivery not configured")
)

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
