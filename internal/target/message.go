// Package target implements the polymorphic replication targets: a live
// remote conversation and a local archive. Both produce a lazy sequence of
// normalized messages and accept delivery of one normalized message.
package target

import (
	"fmt"

	"github.com/zulandar/chatferry/internal/remote"
)

// Media describes a message attachment in normalized form.
type Media struct {
	Kind        remote.Kind
	DisplayName string
	SizeBytes   int64

	// Locator is an opaque, time-limited reference only usable against the
	// remote client that issued it. Never persisted as the sole handle.
	Locator string

	// LocalPath is set when the media already exists on disk (archive-sourced
	// messages). Such files belong to the archive and are never cleaned up
	// by the delivery path.
	LocalPath string
}

// Message is the engine's unit of work. It is constructed per iteration
// step and discarded once delivered or skipped.
type Message struct {
	SourceChatID    int64
	SourceMessageID int64
	Text            string
	Media           *Media

	// CanForward is false when the source conversation enforces content
	// protection, or when the message is detached from any live session.
	CanForward bool

	// Raw is the remote client's native message, used only by the live
	// target to drive copy/forward and media download. Nil for
	// archive-sourced messages.
	Raw *remote.RawMessage
}

// String is the log label for a message: chat id and message id.
func (m *Message) String() string {
	return fmt.Sprintf("message %d/%d", m.SourceChatID, m.SourceMessageID)
}

// normalizeRaw maps a remote client message into a Message. canForward is
// the source conversation's effective forwarding permission.
func normalizeRaw(raw *remote.RawMessage, canForward bool) *Message {
	msg := &Message{
		SourceChatID:    raw.ChatID,
		SourceMessageID: raw.ID,
		Text:            raw.Text,
		CanForward:      canForward,
		Raw:             raw,
	}
	if raw.Media != nil {
		msg.Media = &Media{
			Kind:        raw.Media.Kind,
			DisplayName: displayName(raw.Media),
			SizeBytes:   raw.Media.SizeBytes,
			Locator:     raw.Media.Locator,
		}
	}
	return msg
}

// displayName derives a human-readable file name for a media object,
// synthesizing one when the platform supplies none.
func displayName(media *remote.RawMedia) string {
	if media.FileName != "" {
		return media.FileName
	}
	return fmt.Sprintf("unknown.%s", media.Kind)
}
