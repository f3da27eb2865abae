package models

import "time"

// ArchivedMessage is a fully materialized message stored in a local archive:
// the text body plus a path to any media file saved under the archive root.
type ArchivedMessage struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	ChatID     int64     `gorm:"not null;uniqueIndex:idx_archived_msg"`
	MessageID  int64     `gorm:"not null;uniqueIndex:idx_archived_msg"`
	Text       string    `gorm:"type:text"`
	MediaPath  string    `gorm:"size:512"`
	MediaKind  string    `gorm:"size:16"`
	InsertedAt time.Time `gorm:"autoCreateTime"`
}

// ArchiveMeta is a single-row-per-key metadata table for an archive store.
// The only key written today is "chat_id", fixed for the archive's lifetime.
type ArchiveMeta struct {
	Name  string `gorm:"primaryKey;size:64"`
	Value string `gorm:"size:256"`
}

// MetaChatID is the ArchiveMeta key binding an archive to the conversation
// it represents.
const MetaChatID = "chat_id"
