package models

import "time"

// RateCounter holds a fixed-window request counter for the database rate store.
type RateCounter struct {
	Key       string    `gorm:"primaryKey;column:counter_key;size:256"`
	Count     int64     `gorm:"not null;default:0"`
	WindowEnd time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (RateCounter) TableName() string {
	return "rate_counters"
}
