package models

import (
	"time"

	"gorm.io/datatypes"
)

// KVEntry is a single key-value record for the relational store backend.
// Namespace and key form the primary key so every namespace is an
// independent key space.
type KVEntry struct {
	Namespace string         `gorm:"primaryKey;size:128"`
	Key       string         `gorm:"primaryKey;column:entry_key;size:256"`
	Value     datatypes.JSON `gorm:"not null"`
	ExpiresAt *time.Time     `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (KVEntry) TableName() string {
	return "kv_entries"
}

// Expired reports whether the entry carries an expiry that has passed at now.
func (e KVEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}
