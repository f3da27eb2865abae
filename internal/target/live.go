package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/zulandar/chatferry/internal/media"
	"github.com/zulandar/chatferry/internal/models"
	"github.com/zulandar/chatferry/internal/remote"
)

// Live wraps a remote conversation as a replication target. As a source it
// yields history after the resume point; as a sink it delivers each message
// by lightweight forward when permitted, else by full recreation.
type Live struct {
	handle       *remote.Handle
	store        *Store // correlation store committed to as sink; nil for pure sources
	scope        *Scope // resume scope when acting as source
	conv         *remote.Conversation
	media        *media.Manager
	forward      bool
	reverse      bool
	reverseLimit int
	out          io.Writer
}

// LiveOpts holds parameters for creating a Live target.
type LiveOpts struct {
	Handle *remote.Handle
	ChatID int64

	// Store receives correlation records when this target is the sink.
	Store *Store

	// Scope provides the destination correlation store and chat id when
	// this target is the source.
	Scope *Scope

	// Media manages scratch downloads for the recreate path. Required only
	// when the target will deliver media.
	Media *media.Manager

	Forward            bool // attempt lightweight forwards when the source permits
	Reverse            bool // replay history in descending id order
	ReverseBufferLimit int  // cap on the reverse materialization buffer
	Out                io.Writer
}

// NewLive resolves the conversation and creates a Live target. Forwarding
// is demoted with a warning when the conversation enforces content
// protection.
func NewLive(ctx context.Context, opts LiveOpts) (*Live, error) {
	if opts.Handle == nil {
		return nil, fmt.Errorf("target: handle is required")
	}
	if opts.ChatID == 0 {
		return nil, fmt.Errorf("target: chat id is required")
	}
	client := opts.Handle.Client()
	if client == nil {
		return nil, fmt.Errorf("target: handle has no connected client")
	}
	conv, err := client.ResolveConversation(ctx, opts.ChatID)
	if err != nil {
		return nil, fmt.Errorf("target: resolve chat %d: %w", opts.ChatID, err)
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	forward := opts.Forward
	if forward && conv.Protected {
		log.Printf("target: chat %s has protected content, forwards disabled", label(conv))
		forward = false
	}

	return &Live{
		handle:       opts.Handle,
		store:        opts.Store,
		scope:        opts.Scope,
		conv:         conv,
		media:        opts.Media,
		forward:      forward,
		reverse:      opts.Reverse,
		reverseLimit: opts.ReverseBufferLimit,
		out:          out,
	}, nil
}

// Name returns the friendly chat label for logs.
func (l *Live) Name() string { return label(l.conv) }

// ChatID returns the resolved conversation id.
func (l *Live) ChatID() int64 { return l.conv.ID }

// CanForward reports the target's effective forwarding permission as a
// source: false when the conversation protects its content.
func (l *Live) CanForward() bool { return l.forward }

// Messages returns the conversation history after the resume point,
// ascending, service messages skipped. In reverse mode the suffix is
// materialized (bounded) and replayed descending.
func (l *Live) Messages(ctx context.Context) (MessageIter, error) {
	if l.scope == nil {
		return nil, fmt.Errorf("target: live source %s has no resume scope", l.Name())
	}
	resume, err := l.scope.Store.ResumePoint(l.conv.ID, l.scope.DestChatID)
	if err != nil {
		return nil, err
	}
	client := l.handle.Client()
	if client == nil {
		return nil, fmt.Errorf("target: handle has no connected client")
	}
	history, err := client.History(ctx, l.conv, resume)
	if err != nil {
		return nil, fmt.Errorf("target: history of %s after %d: %w", l.Name(), resume, err)
	}
	var it MessageIter = &liveIter{
		handle:     l.handle,
		conv:       l.conv,
		client:     client,
		inner:      history,
		canForward: l.forward,
		lastID:     resume,
	}
	if l.reverse {
		it = newReverseIter(it, l.reverseLimit)
	}
	return it, nil
}

// Deliver sends one message into the conversation and commits its
// correlation record. A forward denial demotes this delivery to the
// recreate path without persisting the changed permission.
func (l *Live) Deliver(ctx context.Context, msg *Message) (*Receipt, error) {
	if l.store == nil {
		return nil, fmt.Errorf("target: live sink %s has no correlation store", l.Name())
	}
	client := l.handle.Client()
	if client == nil {
		return nil, fmt.Errorf("target: handle has no connected client")
	}

	existing, err := l.store.Delivered(msg.SourceChatID, msg.SourceMessageID, l.conv.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Printf("target: %s already delivered to %s as message %d", msg, l.Name(), existing.DestMessageID)
		return &Receipt{DestChatID: l.conv.ID, DestMessageID: existing.DestMessageID}, nil
	}

	if msg.CanForward && l.forward && msg.Raw != nil {
		sent, err := client.CopyMessage(ctx, l.conv.ID, msg.SourceChatID, msg.SourceMessageID)
		if err == nil {
			return l.record(msg, sent, true)
		}
		var denied *remote.ForwardDeniedError
		if !errors.As(err, &denied) {
			return nil, err
		}
		log.Printf("target: forward denied for %s, recreating", msg)
	}

	return l.recreate(ctx, client, msg)
}

// recreate re-materializes the message: download media to scratch, upload
// with the kind-specific primitive, or send plain text.
func (l *Live) recreate(ctx context.Context, client remote.Client, msg *Message) (*Receipt, error) {
	if msg.Media == nil {
		sent, err := client.SendText(ctx, l.conv.ID, msg.Text)
		if err != nil {
			return nil, err
		}
		return l.record(msg, sent, false)
	}

	path := msg.Media.LocalPath
	if path == "" {
		if l.media == nil {
			return nil, fmt.Errorf("target: live sink %s has no media manager", l.Name())
		}
		if msg.Raw == nil {
			return nil, fmt.Errorf("target: %s has neither raw handle nor local media", msg)
		}
		downloaded, cleanup, err := l.media.Download(ctx, client, msg.Raw, msg.Media.DisplayName)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		path = downloaded
	}

	up := remote.Upload{
		Kind:    msg.Media.Kind,
		Path:    path,
		Caption: captionFor(msg),
	}
	if msg.Media.Kind.CarriesFileName() {
		up.FileName = msg.Media.DisplayName
	}
	if l.media != nil {
		up.OnProgress = l.media.Progress("Sending", msg.Media.DisplayName, msg.Media.SizeBytes)
	}

	sent, err := client.SendMedia(ctx, l.conv.ID, up)
	if err != nil {
		return nil, err
	}
	return l.record(msg, sent, false)
}

// record commits the correlation row; this is the resumability checkpoint.
func (l *Live) record(msg *Message, sent *remote.SentMessage, forwarded bool) (*Receipt, error) {
	corr := &models.Correlation{
		SourceChatID:    msg.SourceChatID,
		SourceMessageID: msg.SourceMessageID,
		DestChatID:      l.conv.ID,
		DestMessageID:   sent.ID,
	}
	if err := l.store.Insert(corr); err != nil {
		return nil, err
	}
	return &Receipt{DestChatID: l.conv.ID, DestMessageID: sent.ID, Forwarded: forwarded}, nil
}

// captionFor returns the message text as caption; stickers never carry one.
func captionFor(msg *Message) string {
	if msg.Media != nil && msg.Media.Kind == remote.KindSticker {
		return ""
	}
	return msg.Text
}

// liveIter maps raw history into normalized messages, skipping service
// messages. It pages through the handle's current client: when a reconnect
// swaps the session mid-iteration, paging resumes on the fresh client after
// the last seen message id.
type liveIter struct {
	handle     *remote.Handle
	conv       *remote.Conversation
	client     remote.Client
	inner      remote.HistoryIter
	canForward bool
	lastID     int64
	cur        *Message
	err        error
}

func (it *liveIter) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if cur := it.handle.Client(); cur != it.client {
		if cur == nil {
			it.err = fmt.Errorf("target: handle has no connected client")
			return false
		}
		history, err := cur.History(ctx, it.conv, it.lastID)
		if err != nil {
			it.err = fmt.Errorf("target: resume history of chat %d after %d: %w", it.conv.ID, it.lastID, err)
			return false
		}
		it.client = cur
		it.inner = history
	}
	for it.inner.Next(ctx) {
		raw := it.inner.Message()
		it.lastID = raw.ID
		if raw.Service {
			continue
		}
		it.cur = normalizeRaw(raw, it.canForward)
		return true
	}
	if err := it.inner.Err(); err != nil {
		it.err = err
	}
	return false
}

func (it *liveIter) Message() *Message { return it.cur }

func (it *liveIter) Err() error { return it.err }

// label formats a friendly chat name: title, handle and id.
func label(conv *remote.Conversation) string {
	var parts []string
	if conv.Title != "" {
		parts = append(parts, conv.Title)
	}
	if conv.Username != "" {
		parts = append(parts, "(@"+conv.Username+")")
	}
	parts = append(parts, fmt.Sprintf("[%d]", conv.ID))
	return strings.Join(parts, " ")
}
