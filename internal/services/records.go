package services

import (
	"fmt"
	"strings"
)

// KeyType selects the namespace a key lives in and the token it redeems for.
type KeyType string

const (
	KeyTypeExam KeyType = "exam"
	KeyTypePre  KeyType = "pre"
)

// ParseKeyType maps request input onto a KeyType. An empty value means exam.
func ParseKeyType(value string) (KeyType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "exam":
		return KeyTypeExam, nil
	case "pre", "pre-access":
		return KeyTypePre, nil
	default:
		return "", fmt.Errorf("%w: unknown key type %q", ErrInvalidRequest, value)
	}
}

func (k KeyType) String() string { return string(k) }

// UnlockRecord is what the store holds for an issued key. Only the digest of
// the code is kept; times are unix milliseconds.
type UnlockRecord struct {
	CodeHash  string `json:"codeHash"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`
}
