package remote

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Dial creates a fresh, connected Client. Reconnection after a rate limit
// drops the old session entirely and dials a new one.
type Dial func(ctx context.Context) (Client, error)

// Handle is the explicitly owned, replaceable reference to the current
// Client. Targets and the media manager read the client through the handle;
// the retry controller swaps it in place on reconnect, so there is no
// ambient shared client state.
type Handle struct {
	mu     sync.Mutex
	client Client
	dial   Dial
}

// NewHandle creates a Handle owning client. dial may be nil, in which case
// Reconnect fails — used by archive-only runs that never touch the network.
func NewHandle(client Client, dial Dial) *Handle {
	return &Handle{client: client, dial: dial}
}

// Client returns the current client.
func (h *Handle) Client() Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client
}

// Reconnect closes the current client and dials a replacement. The old
// session is dropped even if dialing fails; a subsequent Reconnect may
// still succeed.
func (h *Handle) Reconnect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dial == nil {
		return fmt.Errorf("remote: handle has no dialer, cannot reconnect")
	}
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			log.Printf("remote: close stale client: %v", err)
		}
	}
	client, err := h.dial(ctx)
	if err != nil {
		h.client = nil
		return fmt.Errorf("remote: reconnect: %w", err)
	}
	h.client = client
	return nil
}

// Close closes the current client, if any.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == nil {
		return nil
	}
	err := h.client.Close()
	h.client = nil
	return err
}
