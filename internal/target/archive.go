package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/zulandar/chatferry/internal/media"
	"github.com/zulandar/chatferry/internal/models"
	"github.com/zulandar/chatferry/internal/remote"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Archive wraps an embedded store plus a media directory as a replication
// target. As a sink it materializes each message fully: media is downloaded
// into archive-local storage and the row holds text plus the media path. As
// a source it replays stored rows without contacting any live conversation.
type Archive struct {
	db           *gorm.DB
	store        *Store
	scope        *Scope
	handle       *remote.Handle
	dir          string
	chatID       int64
	reverse      bool
	reverseLimit int
	out          io.Writer
}

// ArchiveOpts holds parameters for creating an Archive target.
type ArchiveOpts struct {
	DB  *gorm.DB // opened and migrated archive store
	Dir string   // archive root directory for media files

	// ChatID explicitly binds the archive to a conversation. When zero, the
	// binding is read from archive metadata or inferred from the first
	// delivered message.
	ChatID int64

	// Handle is required only when the archive is a sink for live-sourced
	// media.
	Handle *remote.Handle

	// Scope provides the destination correlation store when this archive is
	// the source of a run.
	Scope *Scope

	Reverse            bool // replay stored rows in descending order
	ReverseBufferLimit int  // cap on the reverse materialization buffer

	Out io.Writer
}

// NewArchive opens an archive target at opts.Dir. The chat binding is fixed
// for the archive's lifetime: re-binding an archive to a different chat is
// an error.
func NewArchive(opts ArchiveOpts) (*Archive, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("target: archive db is required")
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("target: archive dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("target: create archive dir %s: %w", opts.Dir, err)
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	store, err := NewStore(opts.DB)
	if err != nil {
		return nil, err
	}

	a := &Archive{
		db:           opts.DB,
		store:        store,
		scope:        opts.Scope,
		handle:       opts.Handle,
		dir:          opts.Dir,
		reverse:      opts.Reverse,
		reverseLimit: opts.ReverseBufferLimit,
		out:          out,
	}
	if err := a.bindChatID(opts.ChatID); err != nil {
		return nil, err
	}
	return a, nil
}

// bindChatID resolves the archive's chat binding from the explicit option
// and the metadata table.
func (a *Archive) bindChatID(explicit int64) error {
	stored, err := a.readMetaChatID()
	if err != nil {
		return err
	}
	switch {
	case explicit == 0:
		a.chatID = stored
		return nil
	case stored != 0 && stored != explicit:
		return fmt.Errorf("target: archive %s is bound to chat %d, cannot rebind to %d", a.dir, stored, explicit)
	default:
		a.chatID = explicit
		return a.writeMetaChatID(explicit)
	}
}

func (a *Archive) readMetaChatID() (int64, error) {
	var meta models.ArchiveMeta
	err := a.db.Where("name = ?", models.MetaChatID).First(&meta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("target: read archive metadata: %w", err)
	}
	id, err := strconv.ParseInt(meta.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("target: archive metadata chat_id %q: %w", meta.Value, err)
	}
	return id, nil
}

func (a *Archive) writeMetaChatID(id int64) error {
	meta := models.ArchiveMeta{Name: models.MetaChatID, Value: strconv.FormatInt(id, 10)}
	err := a.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&meta).Error
	if err != nil {
		return fmt.Errorf("target: write archive metadata: %w", err)
	}
	return nil
}

// Name returns the archive's log label.
func (a *Archive) Name() string {
	return fmt.Sprintf("archive %s [%d]", a.dir, a.chatID)
}

// ChatID returns the conversation the archive represents, 0 if unbound.
func (a *Archive) ChatID() int64 { return a.chatID }

// Store returns the archive's correlation store, used as the destination
// store when the archive is the sink of a run.
func (a *Archive) Store() *Store { return a.store }

// Messages replays archived rows in insertion order, starting after the
// resume point of the destination pair; in reverse mode the remaining rows
// are materialized (bounded) and replayed descending. Messages are
// detached: no raw handle, forwarding never possible.
func (a *Archive) Messages(ctx context.Context) (MessageIter, error) {
	if a.chatID == 0 {
		return nil, fmt.Errorf("target: archive %s has no bound chat id", a.dir)
	}
	if a.scope == nil {
		return nil, fmt.Errorf("target: archive source %s has no resume scope", a.dir)
	}
	resume, err := a.scope.Store.ResumePoint(a.chatID, a.scope.DestChatID)
	if err != nil {
		return nil, err
	}
	var it MessageIter = &archiveIter{db: a.db, chatID: a.chatID, resume: resume}
	if a.reverse {
		it = newReverseIter(it, a.reverseLimit)
	}
	return it, nil
}

// Deliver materializes one message into the archive: media into
// archive-local storage, text and media reference into the store, plus the
// correlation record that makes the run resumable.
func (a *Archive) Deliver(ctx context.Context, msg *Message) (*Receipt, error) {
	if a.chatID == 0 {
		// First delivery fixes the binding.
		a.chatID = msg.SourceChatID
		if err := a.writeMetaChatID(a.chatID); err != nil {
			return nil, err
		}
	}

	existing, err := a.store.Delivered(msg.SourceChatID, msg.SourceMessageID, a.chatID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &Receipt{DestChatID: a.chatID, DestMessageID: existing.DestMessageID}, nil
	}

	mediaPath, mediaKind := "", ""
	if msg.Media != nil {
		path, err := a.saveMedia(ctx, msg)
		if err != nil {
			return nil, err
		}
		mediaPath = path
		mediaKind = string(msg.Media.Kind)
	}

	row := models.ArchivedMessage{
		ChatID:    a.chatID,
		MessageID: msg.SourceMessageID,
		Text:      msg.Text,
		MediaPath: mediaPath,
		MediaKind: mediaKind,
	}
	result := a.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("target: archive %s: %w", msg, result.Error)
	}

	corr := &models.Correlation{
		SourceChatID:    msg.SourceChatID,
		SourceMessageID: msg.SourceMessageID,
		DestChatID:      a.chatID,
		DestMessageID:   msg.SourceMessageID,
	}
	if err := a.store.Insert(corr); err != nil {
		return nil, err
	}
	return &Receipt{DestChatID: a.chatID, DestMessageID: msg.SourceMessageID}, nil
}

// saveMedia places the message's media under {dir}/{messageID}/{name}.
// An already-present file is reused, making re-delivery idempotent.
func (a *Archive) saveMedia(ctx context.Context, msg *Message) (string, error) {
	destDir := filepath.Join(a.dir, strconv.FormatInt(msg.SourceMessageID, 10))
	dest := filepath.Join(destDir, msg.Media.DisplayName)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("target: create media dir %s: %w", destDir, err)
	}

	if msg.Media.LocalPath != "" {
		if err := copyFile(msg.Media.LocalPath, dest); err != nil {
			return "", fmt.Errorf("target: copy media for %s: %w", msg, err)
		}
		return dest, nil
	}

	if a.handle == nil || msg.Raw == nil {
		return "", fmt.Errorf("target: %s has no live media source", msg)
	}
	client := a.handle.Client()
	if client == nil {
		return "", fmt.Errorf("target: handle has no connected client")
	}
	onProgress := media.Progress(a.out, "Downloading", msg.Media.DisplayName, msg.Media.SizeBytes)
	path, err := client.DownloadMedia(ctx, msg.Raw, dest, onProgress)
	if err != nil {
		os.RemoveAll(destDir)
		return "", fmt.Errorf("target: download media for %s: %w", msg, err)
	}
	return path, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// archiveIter pages archived rows in insertion order.
type archiveIter struct {
	db     *gorm.DB
	chatID int64
	resume int64

	lastPK uint
	batch  []models.ArchivedMessage
	idx    int
	cur    *Message
	err    error
}

const archiveBatchSize = 500

func (it *archiveIter) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		it.err = err
		return false
	}
	if it.idx >= len(it.batch) {
		if !it.fetch() {
			return false
		}
	}
	row := it.batch[it.idx]
	it.idx++
	it.lastPK = row.ID
	it.cur = rowToMessage(row)
	return true
}

func (it *archiveIter) fetch() bool {
	var rows []models.ArchivedMessage
	err := it.db.
		Where("chat_id = ? AND message_id > ? AND id > ?", it.chatID, it.resume, it.lastPK).
		Order("id ASC").
		Limit(archiveBatchSize).
		Find(&rows).Error
	if err != nil {
		it.err = fmt.Errorf("target: read archive rows: %w", err)
		return false
	}
	if len(rows) == 0 {
		return false
	}
	it.batch = rows
	it.idx = 0
	return true
}

func (it *archiveIter) Message() *Message { return it.cur }

func (it *archiveIter) Err() error { return it.err }

// rowToMessage converts an archived row into a detached normalized message.
func rowToMessage(row models.ArchivedMessage) *Message {
	msg := &Message{
		SourceChatID:    row.ChatID,
		SourceMessageID: row.MessageID,
		Text:            row.Text,
		CanForward:      false,
	}
	if row.MediaPath != "" {
		m := &Media{
			Kind:        remote.Kind(row.MediaKind),
			DisplayName: filepath.Base(row.MediaPath),
			LocalPath:   row.MediaPath,
		}
		if info, err := os.Stat(row.MediaPath); err == nil {
			m.SizeBytes = info.Size()
		}
		msg.Media = m
	}
	return msg
}
