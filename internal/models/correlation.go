package models

import "time"

// Correlation records one successful delivery of a source message into a
// destination conversation. Rows are append-only: the engine never updates
// or deletes them, and the most recent row per (source, dest) pair is the
// resume point for the next run.
type Correlation struct {
	ID              uint      `gorm:"primaryKey;autoIncrement"`
	SourceChatID    int64     `gorm:"not null;uniqueIndex:idx_correlation_key"`
	SourceMessageID int64     `gorm:"not null;uniqueIndex:idx_correlation_key"`
	DestChatID      int64     `gorm:"not null;uniqueIndex:idx_correlation_key"`
	DestMessageID   int64     `gorm:"not null"`
	InsertedAt      time.Time `gorm:"autoCreateTime;index"`
}
