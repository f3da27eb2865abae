package target

import (
	"errors"
	"fmt"

	"github.com/zulandar/chatferry/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store wraps the correlation queries shared by both target variants. Each
// destination target owns one store; the source target of the same run
// reads its resume point from it.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store over an already-migrated database.
func NewStore(gdb *gorm.DB) (*Store, error) {
	if gdb == nil {
		return nil, fmt.Errorf("target: store db is required")
	}
	return &Store{db: gdb}, nil
}

// DB exposes the underlying connection for run bookkeeping.
func (s *Store) DB() *gorm.DB { return s.db }

// ResumePoint returns the source message id of the most recently inserted
// correlation record for the (sourceChat, destChat) pair, or 0 when the
// pair has no history. In reverse mode the same value acts as a low-water
// mark: ids at or below it are considered already processed.
func (s *Store) ResumePoint(sourceChatID, destChatID int64) (int64, error) {
	var corr models.Correlation
	err := s.db.
		Where("source_chat_id = ? AND dest_chat_id = ?", sourceChatID, destChatID).
		Order("inserted_at DESC, id DESC").
		First(&corr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("target: resume point for %d->%d: %w", sourceChatID, destChatID, err)
	}
	return corr.SourceMessageID, nil
}

// Insert commits one correlation record. Inserts are idempotent: a
// duplicate (sourceChat, sourceMessage, destChat) key is silently ignored,
// keeping the table append-only with at most one row per delivered message.
func (s *Store) Insert(corr *models.Correlation) error {
	result := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(corr)
	if result.Error != nil {
		return fmt.Errorf("target: insert correlation %d/%d -> %d: %w",
			corr.SourceChatID, corr.SourceMessageID, corr.DestChatID, result.Error)
	}
	return nil
}

// Delivered returns the correlation record already committed for a source
// message and destination pair, or nil when the message has not been
// delivered there. Delivery paths consult it before sending, so an
// already-correlated message is never re-transmitted; in reverse mode this
// covers ids above the low-water mark that earlier runs delivered.
func (s *Store) Delivered(sourceChatID, sourceMessageID, destChatID int64) (*models.Correlation, error) {
	var corr models.Correlation
	err := s.db.
		Where("source_chat_id = ? AND source_message_id = ? AND dest_chat_id = ?",
			sourceChatID, sourceMessageID, destChatID).
		First(&corr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("target: check delivered %d/%d: %w", sourceChatID, sourceMessageID, err)
	}
	return &corr, nil
}

// Scope ties a source target to the correlation store of the destination
// it is feeding, so iteration can derive the resume point.
type Scope struct {
	Store      *Store
	DestChatID int64
}
