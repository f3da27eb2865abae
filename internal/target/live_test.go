package target

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/chatferry/internal/media"
	"github.com/zulandar/chatferry/internal/models"
	"github.com/zulandar/chatferry/internal/remote"
)

const (
	sourceChat = int64(1)
	destChat   = int64(2)
)

// liveHarness bundles a scripted client with a sink and the stores the
// tests inspect.
type liveHarness struct {
	client *remote.MockClient
	handle *remote.Handle
	store  *Store
	media  *media.Manager
	root   string
	sink   *Live
}

func newLiveHarness(t *testing.T) *liveHarness {
	t.Helper()
	client := remote.NewMockClient()
	client.SetConversation(&remote.Conversation{ID: sourceChat, Title: "Source"})
	client.SetConversation(&remote.Conversation{ID: destChat, Title: "Dest"})
	handle := remote.NewHandle(client, nil)
	store := newTestStore(t)

	root := filepath.Join(t.TempDir(), "scratch")
	mgr, err := media.NewManager(media.ManagerOpts{Root: root, Out: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	sink, err := NewLive(context.Background(), LiveOpts{
		Handle:  handle,
		ChatID:  destChat,
		Store:   store,
		Media:   mgr,
		Forward: true,
		Out:     &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("new live sink: %v", err)
	}
	return &liveHarness{client: client, handle: handle, store: store, media: mgr, root: root, sink: sink}
}

func (h *liveHarness) source(t *testing.T, opts LiveOpts) *Live {
	t.Helper()
	opts.Handle = h.handle
	opts.ChatID = sourceChat
	if opts.Scope == nil {
		opts.Scope = &Scope{Store: h.store, DestChatID: destChat}
	}
	opts.Out = &bytes.Buffer{}
	src, err := NewLive(context.Background(), opts)
	if err != nil {
		t.Fatalf("new live source: %v", err)
	}
	return src
}

func (h *liveHarness) correlationCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	h.store.DB().Model(&models.Correlation{}).Count(&count)
	return count
}

func collectIDs(t *testing.T, it MessageIter) []int64 {
	t.Helper()
	var ids []int64
	for it.Next(context.Background()) {
		ids = append(ids, it.Message().SourceMessageID)
	}
	if it.Err() != nil {
		t.Fatalf("iter error: %v", it.Err())
	}
	return ids
}

func TestNewLive_UnknownChat(t *testing.T) {
	h := newLiveHarness(t)
	_, err := NewLive(context.Background(), LiveOpts{Handle: h.handle, ChatID: 404})
	if err == nil {
		t.Fatal("expected error for unresolvable chat")
	}
}

func TestNewLive_ProtectedContentDemotesForward(t *testing.T) {
	client := remote.NewMockClient()
	client.SetConversation(&remote.Conversation{ID: 5, Title: "Locked", Protected: true})
	handle := remote.NewHandle(client, nil)

	live, err := NewLive(context.Background(), LiveOpts{
		Handle:  handle,
		ChatID:  5,
		Forward: true,
		Out:     &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if live.CanForward() {
		t.Error("CanForward() = true for protected conversation")
	}
}

func TestMessages_SkipsServiceAndResumes(t *testing.T) {
	h := newLiveHarness(t)
	h.client.SetHistory(sourceChat, []*remote.RawMessage{
		{ChatID: sourceChat, ID: 1, Text: "one"},
		{ChatID: sourceChat, ID: 2, Service: true},
		{ChatID: sourceChat, ID: 3, Text: "three"},
		{ChatID: sourceChat, ID: 4, Text: "four"},
	})
	src := h.source(t, LiveOpts{Forward: true})

	it, err := src.Messages(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ids := collectIDs(t, it); len(ids) != 3 || ids[0] != 1 || ids[1] != 3 || ids[2] != 4 {
		t.Errorf("ids = %v, want [1 3 4]", ids)
	}

	// A committed correlation moves the resume point.
	corr := models.Correlation{SourceChatID: sourceChat, SourceMessageID: 3, DestChatID: destChat, DestMessageID: 100}
	if err := h.store.Insert(&corr); err != nil {
		t.Fatalf("seed correlation: %v", err)
	}
	it, err = src.Messages(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ids := collectIDs(t, it); len(ids) != 1 || ids[0] != 4 {
		t.Errorf("ids after resume = %v, want [4]", ids)
	}
}

func TestMessages_ReverseOrder(t *testing.T) {
	h := newLiveHarness(t)
	h.client.SetHistory(sourceChat, []*remote.RawMessage{
		{ChatID: sourceChat, ID: 1},
		{ChatID: sourceChat, ID: 2},
		{ChatID: sourceChat, ID: 3},
	})
	src := h.source(t, LiveOpts{Reverse: true, ReverseBufferLimit: 10})

	it, err := src.Messages(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ids := collectIDs(t, it); len(ids) != 3 || ids[0] != 3 || ids[2] != 1 {
		t.Errorf("ids = %v, want [3 2 1]", ids)
	}
}

func TestMessages_ReverseBufferLimit(t *testing.T) {
	h := newLiveHarness(t)
	h.client.SetHistory(sourceChat, []*remote.RawMessage{
		{ChatID: sourceChat, ID: 1},
		{ChatID: sourceChat, ID: 2},
		{ChatID: sourceChat, ID: 3},
	})
	src := h.source(t, LiveOpts{Reverse: true, ReverseBufferLimit: 2})

	it, err := src.Messages(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if it.Next(context.Background()) {
		t.Fatal("expected iteration to fail on buffer overflow")
	}
	if it.Err() == nil || !strings.Contains(it.Err().Error(), "buffer limit") {
		t.Errorf("err = %v, want buffer limit error", it.Err())
	}
}

func TestMessages_RequiresScope(t *testing.T) {
	h := newLiveHarness(t)
	if _, err := h.sink.Messages(context.Background()); err == nil {
		t.Fatal("expected error for source without scope")
	}
}

func TestDeliver_ForwardPath(t *testing.T) {
	h := newLiveHarness(t)
	raw := &remote.RawMessage{ChatID: sourceChat, ID: 7, Text: "fwd me"}
	msg := normalizeRaw(raw, true)

	receipt, err := h.sink.Deliver(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !receipt.Forwarded {
		t.Error("receipt.Forwarded = false, want true")
	}

	copies := h.client.Copies()
	if len(copies) != 1 {
		t.Fatalf("copies = %d, want 1", len(copies))
	}
	if copies[0].DestID != destChat || copies[0].SourceID != sourceChat || copies[0].MessageID != 7 {
		t.Errorf("copy call = %+v", copies[0])
	}
	if len(h.client.Downloads()) != 0 {
		t.Error("forward path must not download media")
	}

	existing, err := h.store.Delivered(sourceChat, 7, destChat)
	if err != nil || existing == nil {
		t.Errorf("correlation not committed: existing=%v err=%v", existing, err)
	}
}

func TestDeliver_AlreadyDeliveredSkipsResend(t *testing.T) {
	h := newLiveHarness(t)
	seed := models.Correlation{SourceChatID: sourceChat, SourceMessageID: 7, DestChatID: destChat, DestMessageID: 700}
	if err := h.store.Insert(&seed); err != nil {
		t.Fatalf("seed correlation: %v", err)
	}
	msg := normalizeRaw(&remote.RawMessage{ChatID: sourceChat, ID: 7, Text: "again"}, true)

	receipt, err := h.sink.Deliver(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.DestMessageID != 700 {
		t.Errorf("DestMessageID = %d, want the original 700", receipt.DestMessageID)
	}
	if n := len(h.client.Copies()) + len(h.client.Texts()); n != 0 {
		t.Errorf("network calls = %d, want 0 for an already delivered message", n)
	}
	if h.correlationCount(t) != 1 {
		t.Errorf("correlations = %d, want 1", h.correlationCount(t))
	}
}

func TestMessages_ResumesOnNewClientAfterReconnect(t *testing.T) {
	client := remote.NewMockClient()
	client.SetConversation(&remote.Conversation{ID: sourceChat, Title: "Source"})
	client.SetHistory(sourceChat, []*remote.RawMessage{
		{ChatID: sourceChat, ID: 1, Text: "old one"},
		{ChatID: sourceChat, ID: 2, Text: "old two"},
	})
	replacement := remote.NewMockClient()
	replacement.SetHistory(sourceChat, []*remote.RawMessage{
		{ChatID: sourceChat, ID: 1, Text: "old one"},
		{ChatID: sourceChat, ID: 2, Text: "new two"},
		{ChatID: sourceChat, ID: 3, Text: "new three"},
	})
	handle := remote.NewHandle(client, func(ctx context.Context) (remote.Client, error) {
		return replacement, nil
	})

	src, err := NewLive(context.Background(), LiveOpts{
		Handle: handle,
		ChatID: sourceChat,
		Scope:  &Scope{Store: newTestStore(t), DestChatID: destChat},
		Out:    &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("new live source: %v", err)
	}
	it, err := src.Messages(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !it.Next(context.Background()) {
		t.Fatalf("first Next failed: %v", it.Err())
	}
	if it.Message().SourceMessageID != 1 {
		t.Fatalf("first id = %d, want 1", it.Message().SourceMessageID)
	}

	// Rate-limit recovery swaps the session; iteration must continue on the
	// fresh client, after the last seen id.
	if err := handle.Reconnect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	var texts []string
	for it.Next(context.Background()) {
		texts = append(texts, it.Message().Text)
	}
	if it.Err() != nil {
		t.Fatalf("iter error: %v", it.Err())
	}
	if len(texts) != 2 || texts[0] != "new two" || texts[1] != "new three" {
		t.Errorf("texts after reconnect = %v, want the new client's pages", texts)
	}
}

func TestDeliver_ForwardDeniedFallsBackToRecreate(t *testing.T) {
	h := newLiveHarness(t)
	h.client.FailNextCopy(&remote.ForwardDeniedError{ChatID: sourceChat, MessageID: 7})
	raw := &remote.RawMessage{ChatID: sourceChat, ID: 7, Text: "protected after all"}
	msg := normalizeRaw(raw, true)

	receipt, err := h.sink.Deliver(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.Forwarded {
		t.Error("receipt.Forwarded = true after denied forward")
	}
	texts := h.client.Texts()
	if len(texts) != 1 || texts[0].Text != "protected after all" {
		t.Errorf("texts = %+v, want one recreated text", texts)
	}
	if h.correlationCount(t) != 1 {
		t.Errorf("correlations = %d, want 1", h.correlationCount(t))
	}
}

func TestDeliver_OtherCopyErrorsPropagate(t *testing.T) {
	h := newLiveHarness(t)
	h.client.FailNextCopy(&remote.RateLimitError{})
	msg := normalizeRaw(&remote.RawMessage{ChatID: sourceChat, ID: 7, Text: "x"}, true)

	if _, err := h.sink.Deliver(context.Background(), msg); err == nil {
		t.Fatal("expected rate limit error to propagate")
	}
	if h.correlationCount(t) != 0 {
		t.Error("no correlation may be committed for a failed delivery")
	}
}

func TestDeliver_MediaRecreateCleansScratch(t *testing.T) {
	h := newLiveHarness(t)
	raw := &remote.RawMessage{
		ChatID: sourceChat, ID: 9, Text: "caption",
		Media: &remote.RawMedia{Kind: remote.KindDocument, FileName: "report.pdf", SizeBytes: 16},
	}
	msg := normalizeRaw(raw, false)

	if _, err := h.sink.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sends := h.client.MediaSends()
	if len(sends) != 1 {
		t.Fatalf("media sends = %d, want 1", len(sends))
	}
	up := sends[0].Upload
	if up.Kind != remote.KindDocument || up.FileName != "report.pdf" || up.Caption != "caption" {
		t.Errorf("upload = %+v", up)
	}
	if len(h.client.Downloads()) != 1 {
		t.Errorf("downloads = %d, want 1", len(h.client.Downloads()))
	}

	if _, err := os.Stat(h.media.ScratchDir(9)); !os.IsNotExist(err) {
		t.Error("scratch dir not removed after delivery")
	}
	if h.correlationCount(t) != 1 {
		t.Errorf("correlations = %d, want 1", h.correlationCount(t))
	}
}

func TestDeliver_SendFailureStillCleansScratch(t *testing.T) {
	h := newLiveHarness(t)
	h.client.FailNextSendMedia(&remote.RateLimitError{})
	raw := &remote.RawMessage{
		ChatID: sourceChat, ID: 9,
		Media: &remote.RawMedia{Kind: remote.KindVideo, FileName: "clip.mp4"},
	}
	msg := normalizeRaw(raw, false)

	if _, err := h.sink.Deliver(context.Background(), msg); err == nil {
		t.Fatal("expected send error")
	}
	if _, err := os.Stat(h.media.ScratchDir(9)); !os.IsNotExist(err) {
		t.Error("scratch dir must be removed on the failure path too")
	}
	if h.correlationCount(t) != 0 {
		t.Error("no correlation may be committed for a failed delivery")
	}
}

func TestDeliver_StickerNeverCarriesCaptionOrFileName(t *testing.T) {
	h := newLiveHarness(t)
	raw := &remote.RawMessage{
		ChatID: sourceChat, ID: 11, Text: "should vanish",
		Media: &remote.RawMedia{Kind: remote.KindSticker, FileName: "sticker.webp"},
	}
	msg := normalizeRaw(raw, false)

	if _, err := h.sink.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	up := h.client.MediaSends()[0].Upload
	if up.Caption != "" {
		t.Errorf("sticker caption = %q, want empty", up.Caption)
	}
	if up.FileName != "" {
		t.Errorf("sticker file name = %q, want empty", up.FileName)
	}
}

func TestDeliver_LocalMediaSkipsDownload(t *testing.T) {
	h := newLiveHarness(t)
	local := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(local, []byte("jpeg bytes"), 0o644); err != nil {
		t.Fatalf("write local media: %v", err)
	}
	msg := &Message{
		SourceChatID:    sourceChat,
		SourceMessageID: 12,
		Text:            "from the archive",
		Media:           &Media{Kind: remote.KindPhoto, DisplayName: "photo.jpg", LocalPath: local},
	}

	if _, err := h.sink.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.client.Downloads()) != 0 {
		t.Error("local media must not be re-downloaded")
	}
	up := h.client.MediaSends()[0].Upload
	if up.Path != local {
		t.Errorf("upload path = %q, want archive-local %q", up.Path, local)
	}
	if _, err := os.Stat(local); err != nil {
		t.Error("archive-owned media file must survive delivery")
	}
}

func TestDeliver_TextOnly(t *testing.T) {
	h := newLiveHarness(t)
	msg := normalizeRaw(&remote.RawMessage{ChatID: sourceChat, ID: 13, Text: "plain"}, false)

	receipt, err := h.sink.Deliver(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.DestChatID != destChat {
		t.Errorf("DestChatID = %d, want %d", receipt.DestChatID, destChat)
	}
	if len(h.client.Texts()) != 1 {
		t.Errorf("texts = %d, want 1", len(h.client.Texts()))
	}
}

func TestDisplayName_Synthesized(t *testing.T) {
	msg := normalizeRaw(&remote.RawMessage{
		ChatID: 1, ID: 1,
		Media: &remote.RawMedia{Kind: remote.KindPhoto},
	}, false)
	if msg.Media.DisplayName != "unknown.photo" {
		t.Errorf("DisplayName = %q, want unknown.photo", msg.Media.DisplayName)
	}
}
