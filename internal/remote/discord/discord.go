// Package discord implements the remote.Client capability for Discord
// channels using the REST API via discordgo.
package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-resty/resty/v2"
	"github.com/zulandar/chatferry/internal/remote"
)

// historyPageSize is the number of messages fetched per history page, the
// Discord API maximum.
const historyPageSize = 100

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.Channel(channelID, options...)
}
func (r *realSession) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	return r.s.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, options...)
}
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}

// Client implements remote.Client for Discord channels.
type Client struct {
	sess session
	http *resty.Client
}

// Opts holds parameters for creating a Discord client.
type Opts struct {
	BotToken string
	// For testing: inject a mock session instead of the real Discord API.
	Session session
	// For testing: inject a pre-configured HTTP client for media downloads.
	HTTP *resty.Client
}

// New creates and connects a Discord client.
func New(opts Opts) (*Client, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}

	sess := opts.Session
	if sess == nil {
		dg, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		sess = &realSession{s: dg}
	}
	if err := sess.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}

	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = resty.New().SetTimeout(10 * time.Minute)
	}
	return &Client{sess: sess, http: httpClient}, nil
}

// Dialer returns a remote.Dial that creates fresh Discord clients, used by
// the retry controller to re-establish the session after rate limits.
func Dialer(botToken string) remote.Dial {
	return func(ctx context.Context) (remote.Client, error) {
		return New(Opts{BotToken: botToken})
	}
}

// ResolveConversation resolves a channel id.
func (c *Client) ResolveConversation(ctx context.Context, id int64) (*remote.Conversation, error) {
	ch, err := c.sess.Channel(formatID(id), discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err, id)
	}
	return &remote.Conversation{
		ID:    id,
		Title: ch.Name,
		// Discord has no per-channel content protection; forwards are
		// always permitted.
		Protected: false,
	}, nil
}

// History returns channel messages with id > afterID, ascending. The
// Discord API returns ascending order natively when the after parameter is
// used; pages are fetched lazily.
func (c *Client) History(ctx context.Context, conv *remote.Conversation, afterID int64) (remote.HistoryIter, error) {
	return &historyIter{
		client:    c,
		channelID: formatID(conv.ID),
		chatID:    conv.ID,
		afterID:   afterID,
	}, nil
}

// CopyMessage re-transmits a message using Discord's native forward
// reference, without re-uploading content.
func (c *Client) CopyMessage(ctx context.Context, destID, sourceID, messageID int64) (*remote.SentMessage, error) {
	sent, err := c.sess.ChannelMessageSendComplex(formatID(destID), &discordgo.MessageSend{
		Reference: &discordgo.MessageReference{
			Type:      discordgo.MessageReferenceTypeForward,
			MessageID: formatID(messageID),
			ChannelID: formatID(sourceID),
		},
	}, discordgo.WithContext(ctx))
	if err != nil {
		if isForwardDenied(err) {
			return nil, &remote.ForwardDeniedError{ChatID: sourceID, MessageID: messageID}
		}
		return nil, classify(err, destID)
	}
	return sentMessage(destID, sent)
}

// DownloadMedia fetches the attachment behind the message's media locator
// into destPath, streaming with progress callbacks.
func (c *Client) DownloadMedia(ctx context.Context, msg *remote.RawMessage, destPath string, onProgress remote.ProgressFunc) (string, error) {
	if msg.Media == nil {
		return "", fmt.Errorf("discord: message %d has no media", msg.ID)
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(msg.Media.Locator)
	if err != nil {
		return "", fmt.Errorf("discord: fetch attachment: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("discord: fetch attachment: status %d (locator may have expired)", resp.StatusCode())
	}

	out, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("discord: create %s: %w", destPath, err)
	}
	defer out.Close()

	src := io.Reader(body)
	if onProgress != nil {
		src = &progressReader{r: body, total: msg.Media.SizeBytes, fn: onProgress}
	}
	if _, err := io.Copy(out, src); err != nil {
		os.Remove(destPath)
		return "", fmt.Errorf("discord: download to %s: %w", destPath, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("discord: close %s: %w", destPath, err)
	}
	return destPath, nil
}

// SendMedia uploads one file as a message attachment with an optional
// caption.
func (c *Client) SendMedia(ctx context.Context, destID int64, up remote.Upload) (*remote.SentMessage, error) {
	f, err := os.Open(up.Path)
	if err != nil {
		return nil, fmt.Errorf("discord: open upload %s: %w", up.Path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("discord: stat upload %s: %w", up.Path, err)
	}
	var reader io.Reader = f
	if up.OnProgress != nil {
		reader = &progressReader{r: f, total: info.Size(), fn: up.OnProgress}
	}
	name := up.FileName
	if name == "" {
		name = filepath.Base(up.Path)
	}

	sent, err := c.sess.ChannelMessageSendComplex(formatID(destID), &discordgo.MessageSend{
		Content: up.Caption,
		Files:   []*discordgo.File{{Name: name, Reader: reader}},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err, destID)
	}
	return sentMessage(destID, sent)
}

// SendText delivers a plain text message.
func (c *Client) SendText(ctx context.Context, destID int64, text string) (*remote.SentMessage, error) {
	sent, err := c.sess.ChannelMessageSend(formatID(destID), text, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err, destID)
	}
	return sentMessage(destID, sent)
}

// Close shuts down the session.
func (c *Client) Close() error {
	return c.sess.Close()
}

// historyIter pages channel messages lazily in ascending id order.
type historyIter struct {
	client    *Client
	channelID string
	chatID    int64
	afterID   int64

	batch []*discordgo.Message
	idx   int
	done  bool
	cur   *remote.RawMessage
	err   error
}

func (it *historyIter) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if it.idx >= len(it.batch) {
		if it.done || !it.fetch(ctx) {
			return false
		}
	}
	msg := it.batch[it.idx]
	it.idx++

	raw, err := rawMessage(it.chatID, msg)
	if err != nil {
		it.err = err
		return false
	}
	it.afterID = raw.ID
	it.cur = raw
	return true
}

func (it *historyIter) fetch(ctx context.Context) bool {
	msgs, err := it.client.sess.ChannelMessages(
		it.channelID, historyPageSize, "", formatID(it.afterID), "",
		discordgo.WithContext(ctx),
	)
	if err != nil {
		it.err = classify(err, it.chatID)
		return false
	}
	if len(msgs) == 0 {
		it.done = true
		return false
	}
	if len(msgs) < historyPageSize {
		it.done = true
	}
	// The after parameter yields ascending order already.
	it.batch = msgs
	it.idx = 0
	return true
}

func (it *historyIter) Message() *remote.RawMessage { return it.cur }

func (it *historyIter) Err() error { return it.err }

// progressReader counts bytes through an io.Reader and reports them.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	fn    remote.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.fn(p.read, p.total)
	}
	return n, err
}

// rawMessage converts a discordgo message into the normalized raw form.
func rawMessage(chatID int64, msg *discordgo.Message) (*remote.RawMessage, error) {
	id, err := parseID(msg.ID)
	if err != nil {
		return nil, fmt.Errorf("discord: message id %q: %w", msg.ID, err)
	}
	raw := &remote.RawMessage{
		ChatID:  chatID,
		ID:      id,
		Text:    msg.Content,
		Service: isService(msg),
	}
	if len(msg.Attachments) > 0 {
		att := msg.Attachments[0]
		raw.Media = &remote.RawMedia{
			Kind:      kindFor(att),
			FileName:  att.Filename,
			SizeBytes: int64(att.Size),
			Locator:   att.URL,
		}
	} else if len(msg.StickerItems) > 0 {
		st := msg.StickerItems[0]
		raw.Media = &remote.RawMedia{
			Kind:     remote.KindSticker,
			FileName: st.Name + ".png",
			Locator:  fmt.Sprintf("https://cdn.discordapp.com/stickers/%s.png", st.ID),
		}
	}
	return raw, nil
}

// isService reports whether the message is a system event (pin, join, etc.).
func isService(msg *discordgo.Message) bool {
	switch msg.Type {
	case discordgo.MessageTypeDefault, discordgo.MessageTypeReply:
		return false
	}
	return true
}

// kindFor maps an attachment's content type onto a media kind.
func kindFor(att *discordgo.MessageAttachment) remote.Kind {
	ct := att.ContentType
	switch {
	case strings.HasPrefix(ct, "image/gif"):
		return remote.KindAnimation
	case strings.HasPrefix(ct, "image/"):
		return remote.KindPhoto
	case strings.HasPrefix(ct, "video/"):
		return remote.KindVideo
	case strings.HasPrefix(ct, "audio/ogg"):
		return remote.KindVoice
	case strings.HasPrefix(ct, "audio/"):
		return remote.KindAudio
	}
	return remote.KindDocument
}

// classify maps discordgo errors onto the remote error taxonomy.
func classify(err error, chatID int64) error {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return &remote.RateLimitError{RetryAfter: rl.RetryAfter}
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions:
			return &remote.NotMemberError{ChatID: chatID}
		case discordgo.ErrCodeUnknownChannel:
			return &remote.FatalError{Err: err}
		}
	}
	return err
}

// isForwardDenied reports whether a forward attempt was rejected outright.
func isForwardDenied(err error) bool {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeCannotSendMessagesInVoiceChannel,
			discordgo.ErrCodeInvalidFormBody:
			return true
		}
	}
	return false
}

func formatID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func parseID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// sentMessage converts the API response into a SentMessage.
func sentMessage(destID int64, msg *discordgo.Message) (*remote.SentMessage, error) {
	id, err := parseID(msg.ID)
	if err != nil {
		return nil, fmt.Errorf("discord: sent message id %q: %w", msg.ID, err)
	}
	return &remote.SentMessage{ChatID: destID, ID: id}, nil
}
