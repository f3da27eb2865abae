package target

import (
	"context"
	"fmt"
)

// Receipt reports one successful delivery.
type Receipt struct {
	DestChatID    int64
	DestMessageID int64
	Forwarded     bool // delivered via lightweight copy rather than recreate
}

// MessageIter walks a target's message sequence. Iteration is not
// restartable: obtaining a new iterator re-derives the resume point and
// starts fresh.
type MessageIter interface {
	// Next advances the iterator. It returns false at end of sequence or on
	// error; check Err afterwards.
	Next(ctx context.Context) bool

	// Message returns the current message. Valid only after Next returned true.
	Message() *Message

	// Err returns the first error encountered, if any.
	Err() error
}

// Target is a replication endpoint usable as source or sink.
type Target interface {
	// Name returns a human-readable label for logs.
	Name() string

	// ChatID returns the conversation identity this target represents.
	ChatID() int64

	// Messages returns a fresh lazy sequence of normalized messages,
	// starting after the resume point derived from the correlation store.
	Messages(ctx context.Context) (MessageIter, error)

	// Deliver attempts to durably deliver one message. On success exactly
	// one correlation record has been committed before Deliver returns.
	Deliver(ctx context.Context, msg *Message) (*Receipt, error)
}

// reverseIter materializes the entire remaining sequence of inner (up to
// limit messages) and replays it in reverse. Streaming reversal is not
// possible because remote iteration order is fixed ascending-from-cursor.
type reverseIter struct {
	inner MessageIter
	limit int

	buffered bool
	buf      []*Message
	cur      *Message
	err      error
}

func newReverseIter(inner MessageIter, limit int) *reverseIter {
	return &reverseIter{inner: inner, limit: limit}
}

func (it *reverseIter) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if !it.buffered {
		if !it.fill(ctx) {
			return false
		}
	}
	if len(it.buf) == 0 {
		return false
	}
	it.cur = it.buf[len(it.buf)-1]
	it.buf = it.buf[:len(it.buf)-1]
	return true
}

// fill drains the inner iterator into the buffer, newest last.
func (it *reverseIter) fill(ctx context.Context) bool {
	for it.inner.Next(ctx) {
		if it.limit > 0 && len(it.buf) >= it.limit {
			it.err = fmt.Errorf("target: reverse replay backlog exceeds buffer limit of %d messages; raise options.reverse_buffer_limit or run forward first", it.limit)
			return false
		}
		it.buf = append(it.buf, it.inner.Message())
	}
	if err := it.inner.Err(); err != nil {
		it.err = err
		return false
	}
	it.buffered = true
	return true
}

func (it *reverseIter) Message() *Message { return it.cur }

func (it *reverseIter) Err() error { return it.err }
