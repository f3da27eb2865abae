// Package remote defines the chat-platform client capability that targets
// and the replication engine consume. Platform-specific implementations
// (e.g. discord) live in subpackages; tests use the in-package MockClient.
package remote

import (
	"context"
	"fmt"
)

// Kind identifies the media type of a message attachment. The set is small
// and fixed; it keys the type-specific send primitive on upload.
type Kind string

const (
	KindPhoto     Kind = "photo"
	KindVideo     Kind = "video"
	KindAudio     Kind = "audio"
	KindVoice     Kind = "voice"
	KindDocument  Kind = "document"
	KindSticker   Kind = "sticker"
	KindAnimation Kind = "animation"
)

// Kinds returns all known media kinds.
func Kinds() []Kind {
	return []Kind{
		KindPhoto, KindVideo, KindAudio, KindVoice,
		KindDocument, KindSticker, KindAnimation,
	}
}

// ParseKind validates a media kind name from configuration.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("remote: unknown media kind %q", s)
}

// CarriesFileName reports whether uploads of this kind pass an explicit
// file name to the platform. Photos, audio and stickers derive their own.
func (k Kind) CarriesFileName() bool {
	switch k {
	case KindPhoto, KindAudio, KindSticker:
		return false
	}
	return true
}

// Conversation describes a resolved chat the client is a member of.
type Conversation struct {
	ID        int64
	Title     string
	Username  string
	Protected bool // content protection: forwarding out of this chat is denied
}

// RawMedia describes a media object attached to a raw message. Locator is
// an opaque, time-limited reference valid only against the client that
// issued it — it must never be persisted as the sole way to re-fetch media.
type RawMedia struct {
	Kind      Kind
	FileName  string
	SizeBytes int64
	Locator   string
}

// RawMessage is the client-native message representation.
type RawMessage struct {
	ChatID  int64
	ID      int64
	Text    string
	Service bool // join/leave/pin etc.; never replicated
	Media   *RawMedia
}

// SentMessage identifies a message the client just delivered.
type SentMessage struct {
	ChatID int64
	ID     int64
}

// ProgressFunc receives periodic byte counts during a media transfer.
// total may be zero when the platform does not report an expected size.
type ProgressFunc func(transferred, total int64)

// Upload holds everything needed to send one media file.
type Upload struct {
	Kind       Kind
	Path       string // local file to upload
	FileName   string // empty for kinds that derive their own
	Caption    string
	OnProgress ProgressFunc
}

// HistoryIter walks a conversation's history in ascending message-id order
// starting after the cursor passed to History. It is not restartable: each
// History call derives a fresh iteration.
type HistoryIter interface {
	// Next advances to the next message, fetching further pages as needed.
	// It returns false when the history is exhausted or an error occurred.
	Next(ctx context.Context) bool

	// Message returns the current message. Valid only after Next returned true.
	Message() *RawMessage

	// Err returns the first error encountered during iteration, if any.
	Err() error
}

// Client is the remote conversation capability consumed by targets and the
// engine. Send and download calls may fail with *RateLimitError; callers
// route those through the retry controller.
type Client interface {
	// ResolveConversation resolves a chat identifier the client is a member
	// of. Returns *NotMemberError when the chat exists but is not joinable.
	ResolveConversation(ctx context.Context, id int64) (*Conversation, error)

	// History returns a lazy sequence of raw messages with id > afterID,
	// ascending.
	History(ctx context.Context, conv *Conversation, afterID int64) (HistoryIter, error)

	// CopyMessage re-transmits a single message without re-uploading its
	// content. Returns *ForwardDeniedError when the source forbids it.
	CopyMessage(ctx context.Context, destID, sourceID, messageID int64) (*SentMessage, error)

	// DownloadMedia fetches the media of msg to destPath, reporting progress.
	// Returns the final local path (destPath, or a sibling when the platform
	// supplies a better file name).
	DownloadMedia(ctx context.Context, msg *RawMessage, destPath string, onProgress ProgressFunc) (string, error)

	// SendMedia uploads one media file with the kind-specific primitive.
	SendMedia(ctx context.Context, destID int64, up Upload) (*SentMessage, error)

	// SendText delivers a plain text message.
	SendText(ctx context.Context, destID int64, text string) (*SentMessage, error)

	// Close releases the client's session state.
	Close() error
}
