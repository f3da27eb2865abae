package remote

import (
	"fmt"
	"time"
)

// RateLimitError signals a platform-imposed cooldown. RetryAfter is the
// platform's wait hint; the retry controller scales it before sleeping.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("remote: rate limited, retry after %s", e.RetryAfter)
}

// ForwardDeniedError signals that lightweight re-transmission of a message
// is not permitted (content protection). Callers fall back to recreating
// the message; this is not a retryable condition.
type ForwardDeniedError struct {
	ChatID    int64
	MessageID int64
}

func (e *ForwardDeniedError) Error() string {
	return fmt.Sprintf("remote: forwarding denied for message %d in chat %d", e.MessageID, e.ChatID)
}

// NotMemberError signals that a chat resolved but the client is not a
// member of it. Fatal at startup: replication never begins.
type NotMemberError struct {
	ChatID int64
}

func (e *NotMemberError) Error() string {
	return fmt.Sprintf("remote: not a member of chat %d", e.ChatID)
}

// FatalError wraps an error that must abort the whole replication run,
// e.g. the destination conversation no longer being accessible.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("remote: fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
