// Package retry classifies remote client errors and drives the throttle
// and rate-limit backoff policy for the replication engine.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/zulandar/chatferry/internal/remote"
)

// Class buckets every error raised during a send attempt.
type Class int

const (
	// ClassRateLimited: sleep the scaled wait hint, reconnect, retry the
	// same message. Unbounded across rate limits by policy.
	ClassRateLimited Class = iota

	// ClassForwardDenied: fall back to recreating the message; not a retry.
	ClassForwardDenied

	// ClassTransient: skip the message with a logged error; no retry loop.
	ClassTransient

	// ClassFatal: abort the whole replication run.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate-limited"
	case ClassForwardDenied:
		return "forward-denied"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	}
	return "unknown"
}

// Classify maps an error into exactly one class, returning the platform's
// wait hint for rate limits.
func Classify(err error) (Class, time.Duration) {
	var rl *remote.RateLimitError
	if errors.As(err, &rl) {
		return ClassRateLimited, rl.RetryAfter
	}
	var fd *remote.ForwardDeniedError
	if errors.As(err, &fd) {
		return ClassForwardDenied, 0
	}
	var nm *remote.NotMemberError
	if errors.As(err, &nm) {
		return ClassFatal, 0
	}
	var fatal *remote.FatalError
	if errors.As(err, &fatal) {
		return ClassFatal, 0
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassFatal, 0
	}
	return ClassTransient, 0
}

// Default policy values.
const (
	DefaultEscalation         = 2
	DefaultWaitHint           = 30 * time.Second
	DefaultMaxReconnectErrors = 5
)

// Controller applies the politeness throttle after successful sends and
// the escalated backoff plus full client re-initialization after rate
// limits. Recovery is deliberately heavy-handed: a fresh connection avoids
// compounding rate-limit state.
type Controller struct {
	handle             *remote.Handle
	sleepMin           time.Duration
	sleepMax           time.Duration
	escalation         int
	maxReconnectErrors int
	sleep              func(ctx context.Context, d time.Duration) error

	reconnects atomic.Int64
}

// ControllerOpts holds parameters for creating a Controller.
type ControllerOpts struct {
	Handle             *remote.Handle
	SleepMin           time.Duration // politeness range, inclusive
	SleepMax           time.Duration
	Escalation         int // multiplier applied to rate-limit wait hints
	MaxReconnectErrors int // consecutive reconnect failures before giving up
	// Sleep overrides the context-aware sleep, for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewController creates a Controller.
func NewController(opts ControllerOpts) (*Controller, error) {
	if opts.Handle == nil {
		return nil, fmt.Errorf("retry: handle is required")
	}
	if opts.SleepMin < 0 || opts.SleepMax < opts.SleepMin {
		return nil, fmt.Errorf("retry: sleep range [%s, %s] is not a valid inclusive range", opts.SleepMin, opts.SleepMax)
	}
	if opts.Escalation <= 0 {
		opts.Escalation = DefaultEscalation
	}
	if opts.MaxReconnectErrors <= 0 {
		opts.MaxReconnectErrors = DefaultMaxReconnectErrors
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return &Controller{
		handle:             opts.Handle,
		sleepMin:           opts.SleepMin,
		sleepMax:           opts.SleepMax,
		escalation:         opts.Escalation,
		maxReconnectErrors: opts.MaxReconnectErrors,
		sleep:              sleep,
	}, nil
}

// Throttle pauses for a random duration in the inclusive politeness range.
// Called after every successful send; distinct from rate-limit backoff.
func (c *Controller) Throttle(ctx context.Context) error {
	d := c.sleepMin
	if span := c.sleepMax - c.sleepMin; span > 0 {
		d += rand.N(span + 1)
	}
	if d <= 0 {
		return nil
	}
	return c.sleep(ctx, d)
}

// reconnectBackoff is the base sleep between failed reconnect attempts.
const reconnectBackoff = 2 * time.Second

// Backoff handles one rate-limit condition: sleep the wait hint scaled by
// the escalation multiplier, then drop and re-establish the client session.
// It returns nil only once a fresh client is connected; it fails when the
// circuit breaker trips on consecutive reconnect failures or when ctx is
// cancelled.
func (c *Controller) Backoff(ctx context.Context, waitHint time.Duration) error {
	if waitHint <= 0 {
		waitHint = DefaultWaitHint
	}
	wait := waitHint * time.Duration(c.escalation)
	log.Printf("retry: rate limited, sleeping %s before reconnecting", wait)
	if err := c.sleep(ctx, wait); err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err := c.handle.Reconnect(ctx)
		if err == nil {
			c.reconnects.Add(1)
			return nil
		}
		if attempt >= c.maxReconnectErrors {
			return fmt.Errorf("retry: %d consecutive reconnect failures: %w", attempt, err)
		}
		pause := reconnectBackoff * time.Duration(attempt)
		log.Printf("retry: reconnect failed (%d/%d), retrying in %s: %v", attempt, c.maxReconnectErrors, pause, err)
		if err := c.sleep(ctx, pause); err != nil {
			return err
		}
	}
}

// Reconnects returns the number of successful client re-initializations.
func (c *Controller) Reconnects() int64 {
	return c.reconnects.Load()
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
