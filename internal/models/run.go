package models

import "time"

// CloneRun status constants.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusAborted   = "aborted"
)

// CloneRun tracks one replication run for the dashboard and notifier.
type CloneRun struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	SourceName string `gorm:"size:128;not null"`
	DestName   string `gorm:"size:128;not null"`
	Mode       string `gorm:"size:16;default:forward"`
	Status     string `gorm:"size:16;default:running;index"`
	Delivered  int64  `gorm:"default:0"`
	Skipped    int64  `gorm:"default:0"`
	Retried    int64  `gorm:"default:0"`
	Reconnects int64  `gorm:"default:0"`
	Error      string `gorm:"type:text"`
	StartedAt  time.Time
	FinishedAt *time.Time
	UpdatedAt  time.Time
}
