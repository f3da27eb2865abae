package remote

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
)

// CopyCall records one CopyMessage invocation on the mock.
type CopyCall struct {
	DestID    int64
	SourceID  int64
	MessageID int64
}

// TextCall records one SendText invocation on the mock.
type TextCall struct {
	DestID int64
	Text   string
}

// MediaCall records one SendMedia invocation on the mock.
type MediaCall struct {
	DestID int64
	Upload Upload
}

// DownloadCall records one DownloadMedia invocation on the mock.
type DownloadCall struct {
	MessageID int64
	DestPath  string
}

// MockClient implements Client for testing. Conversations and histories are
// scripted; sends and downloads are recorded and can be made to fail with
// queued errors.
type MockClient struct {
	mu            sync.Mutex
	conversations map[int64]*Conversation
	histories     map[int64][]*RawMessage
	mediaBytes    []byte // content written by DownloadMedia

	copyErrs     []error
	textErrs     []error
	mediaErrs    []error
	downloadErrs []error

	copies    []CopyCall
	texts     []TextCall
	media     []MediaCall
	downloads []DownloadCall

	nextSentID int64
	closed     bool
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{
		conversations: make(map[int64]*Conversation),
		histories:     make(map[int64][]*RawMessage),
		mediaBytes:    []byte("mock media bytes"),
		nextSentID:    1000,
	}
}

// --- Scripting helpers ---

// SetConversation registers a resolvable conversation.
func (m *MockClient) SetConversation(conv *Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[conv.ID] = conv
}

// SetHistory scripts the full history of a chat. Messages are sorted by id
// so tests can list them in any order.
func (m *MockClient) SetHistory(chatID int64, msgs []*RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := make([]*RawMessage, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	m.histories[chatID] = sorted
}

// FailNextCopy queues an error for the next CopyMessage call.
func (m *MockClient) FailNextCopy(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copyErrs = append(m.copyErrs, err)
}

// FailNextSendText queues an error for the next SendText call.
func (m *MockClient) FailNextSendText(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.textErrs = append(m.textErrs, err)
}

// FailNextSendMedia queues an error for the next SendMedia call.
func (m *MockClient) FailNextSendMedia(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mediaErrs = append(m.mediaErrs, err)
}

// FailNextDownload queues an error for the next DownloadMedia call.
func (m *MockClient) FailNextDownload(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloadErrs = append(m.downloadErrs, err)
}

// --- Client implementation ---

func (m *MockClient) ResolveConversation(ctx context.Context, id int64) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, &NotMemberError{ChatID: id}
	}
	return conv, nil
}

func (m *MockClient) History(ctx context.Context, conv *Conversation, afterID int64) (HistoryIter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var msgs []*RawMessage
	for _, msg := range m.histories[conv.ID] {
		if msg.ID > afterID {
			msgs = append(msgs, msg)
		}
	}
	return &sliceHistoryIter{msgs: msgs}, nil
}

func (m *MockClient) CopyMessage(ctx context.Context, destID, sourceID, messageID int64) (*SentMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := popErr(&m.copyErrs); err != nil {
		return nil, err
	}
	m.copies = append(m.copies, CopyCall{DestID: destID, SourceID: sourceID, MessageID: messageID})
	m.nextSentID++
	return &SentMessage{ChatID: destID, ID: m.nextSentID}, nil
}

func (m *MockClient) DownloadMedia(ctx context.Context, msg *RawMessage, destPath string, onProgress ProgressFunc) (string, error) {
	m.mu.Lock()
	if err := popErr(&m.downloadErrs); err != nil {
		m.mu.Unlock()
		return "", err
	}
	m.downloads = append(m.downloads, DownloadCall{MessageID: msg.ID, DestPath: destPath})
	content := m.mediaBytes
	m.mu.Unlock()

	if err := os.WriteFile(destPath, content, 0o644); err != nil {
		return "", fmt.Errorf("mock client: write %s: %w", destPath, err)
	}
	if onProgress != nil {
		onProgress(int64(len(content)), int64(len(content)))
	}
	return destPath, nil
}

func (m *MockClient) SendMedia(ctx context.Context, destID int64, up Upload) (*SentMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := popErr(&m.mediaErrs); err != nil {
		return nil, err
	}
	m.media = append(m.media, MediaCall{DestID: destID, Upload: up})
	m.nextSentID++
	return &SentMessage{ChatID: destID, ID: m.nextSentID}, nil
}

func (m *MockClient) SendText(ctx context.Context, destID int64, text string) (*SentMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := popErr(&m.textErrs); err != nil {
		return nil, err
	}
	m.texts = append(m.texts, TextCall{DestID: destID, Text: text})
	m.nextSentID++
	return &SentMessage{ChatID: destID, ID: m.nextSentID}, nil
}

func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// --- Inspection helpers ---

// Copies returns a copy of all recorded CopyMessage calls.
func (m *MockClient) Copies() []CopyCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CopyCall, len(m.copies))
	copy(out, m.copies)
	return out
}

// Texts returns a copy of all recorded SendText calls.
func (m *MockClient) Texts() []TextCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TextCall, len(m.texts))
	copy(out, m.texts)
	return out
}

// MediaSends returns a copy of all recorded SendMedia calls.
func (m *MockClient) MediaSends() []MediaCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MediaCall, len(m.media))
	copy(out, m.media)
	return out
}

// Downloads returns a copy of all recorded DownloadMedia calls.
func (m *MockClient) Downloads() []DownloadCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DownloadCall, len(m.downloads))
	copy(out, m.downloads)
	return out
}

// Closed reports whether Close has been called.
func (m *MockClient) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// popErr dequeues the next scripted error, or returns nil.
func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

// sliceHistoryIter iterates a pre-materialized message slice.
type sliceHistoryIter struct {
	msgs []*RawMessage
	cur  *RawMessage
	err  error
}

func (it *sliceHistoryIter) Next(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		it.err = err
		return false
	}
	if len(it.msgs) == 0 {
		return false
	}
	it.cur = it.msgs[0]
	it.msgs = it.msgs[1:]
	return true
}

func (it *sliceHistoryIter) Message() *RawMessage { return it.cur }

func (it *sliceHistoryIter) Err() error { return it.err }
