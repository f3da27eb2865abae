// Package engine orchestrates a replication run: it drives the source
// target's message sequence through the filter and the delivery state
// machine, invoking the retry controller on rate limits and committing to
// the correlation store after each successful delivery.
package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/zulandar/chatferry/internal/models"
	"github.com/zulandar/chatferry/internal/retry"
	"github.com/zulandar/chatferry/internal/target"
	"gorm.io/gorm"
)

// Run modes.
const (
	ModeForward = "forward"
	ModeReverse = "reverse"
)

// Notifier receives the summary of a finished run.
type Notifier interface {
	RunFinished(ctx context.Context, sum *Summary)
}

// Summary reports the outcome of one replication run.
type Summary struct {
	RunID      uint
	Source     string
	Dest       string
	Mode       string
	Delivered  int64
	Skipped    int64
	Retried    int64
	Reconnects int64
	StartedAt  time.Time
	Duration   time.Duration
	Err        error
}

// Opts holds parameters for creating an Engine.
type Opts struct {
	Source     target.Target
	Dest       target.Target
	Filter     *target.Filter
	Controller *retry.Controller

	// RunsDB persists CloneRun progress rows for the dashboard. Optional.
	RunsDB *gorm.DB

	// Notifier is told when the run finishes. Optional.
	Notifier Notifier

	Mode string // ModeForward or ModeReverse; defaults to forward
	Out  io.Writer
}

// Engine processes exactly one message at a time, end-to-end. Ordering
// guarantees depend on there being no parallel in-flight deliveries.
type Engine struct {
	source   target.Target
	dest     target.Target
	filter   *target.Filter
	ctrl     *retry.Controller
	runsDB   *gorm.DB
	notifier Notifier
	mode     string
	out      io.Writer

	delivered int64
	skipped   int64
	retried   int64
}

// New creates an Engine.
func New(opts Opts) (*Engine, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("engine: source target is required")
	}
	if opts.Dest == nil {
		return nil, fmt.Errorf("engine: dest target is required")
	}
	if opts.Filter == nil {
		return nil, fmt.Errorf("engine: filter is required")
	}
	if opts.Controller == nil {
		return nil, fmt.Errorf("engine: retry controller is required")
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeForward
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Engine{
		source:   opts.Source,
		dest:     opts.Dest,
		filter:   opts.Filter,
		ctrl:     opts.Controller,
		runsDB:   opts.RunsDB,
		notifier: opts.Notifier,
		mode:     mode,
		out:      out,
	}, nil
}

// Run replicates the source into the destination until the source sequence
// is exhausted, the context is cancelled, or a fatal error occurs. The
// summary is returned even when the run aborts.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	started := time.Now()
	run := e.startRun(started)

	fmt.Fprintf(e.out, "Replicating %s -> %s (%s)\n", e.source.Name(), e.dest.Name(), e.mode)

	runErr := e.replicate(ctx, run)

	sum := &Summary{
		Source:     e.source.Name(),
		Dest:       e.dest.Name(),
		Mode:       e.mode,
		Delivered:  e.delivered,
		Skipped:    e.skipped,
		Retried:    e.retried,
		Reconnects: e.ctrl.Reconnects(),
		StartedAt:  started,
		Duration:   time.Since(started),
		Err:        runErr,
	}
	if run != nil {
		sum.RunID = run.ID
	}
	e.finishRun(run, runErr)

	if e.notifier != nil {
		e.notifier.RunFinished(ctx, sum)
	}

	if runErr != nil {
		fmt.Fprintf(e.out, "Run aborted after %d delivered, %d skipped: %v\n", e.delivered, e.skipped, runErr)
		return sum, runErr
	}
	fmt.Fprintf(e.out, "Run complete: %d delivered, %d skipped, %d retried\n", e.delivered, e.skipped, e.retried)
	return sum, nil
}

// replicate is the main loop: filter, deliver, record, throttle.
func (e *Engine) replicate(ctx context.Context, run *models.CloneRun) error {
	it, err := e.source.Messages(ctx)
	if err != nil {
		return err
	}

	for it.Next(ctx) {
		msg := it.Message()

		if ok, reason := e.filter.Allow(msg); !ok {
			// Filtered messages are never delivered, never downloaded and
			// never recorded; they are re-evaluated on every run.
			log.Printf("engine: skip %s -> %s: %s", msg, e.dest.Name(), reason)
			e.skipped++
			e.updateRun(run)
			continue
		}

		if err := e.deliver(ctx, msg); err != nil {
			return err
		}
		e.updateRun(run)
	}
	return it.Err()
}

// deliver runs the delivery state machine for one message. Rate limits
// loop back to eligible after backoff and reconnect; transient errors skip
// the message; fatal errors abort.
func (e *Engine) deliver(ctx context.Context, msg *target.Message) error {
	for {
		receipt, err := e.dest.Deliver(ctx, msg)
		if err == nil {
			e.delivered++
			log.Printf("engine: delivered %s -> %s as message %d", msg, e.dest.Name(), receipt.DestMessageID)
			// Politeness pause, distinct from rate-limit backoff.
			return e.ctrl.Throttle(ctx)
		}

		class, hint := retry.Classify(err)
		switch class {
		case retry.ClassRateLimited:
			e.retried++
			log.Printf("engine: rate limited delivering %s -> %s (hint %s)", msg, e.dest.Name(), hint)
			if err := e.ctrl.Backoff(ctx, hint); err != nil {
				return err
			}
			// Same message re-enters delivery with a fresh client.

		case retry.ClassForwardDenied, retry.ClassTransient:
			// No retry loop for a persistently bad message.
			log.Printf("engine: skip %s -> %s: %v", msg, e.dest.Name(), err)
			e.skipped++
			return nil

		default:
			return fmt.Errorf("engine: deliver %s -> %s: %w", msg, e.dest.Name(), err)
		}
	}
}

// startRun inserts the CloneRun progress row. Returns nil when run
// bookkeeping is disabled.
func (e *Engine) startRun(started time.Time) *models.CloneRun {
	if e.runsDB == nil {
		return nil
	}
	run := &models.CloneRun{
		SourceName: e.source.Name(),
		DestName:   e.dest.Name(),
		Mode:       e.mode,
		Status:     models.RunStatusRunning,
		StartedAt:  started,
	}
	if err := e.runsDB.Create(run).Error; err != nil {
		log.Printf("engine: create run row: %v", err)
		return nil
	}
	return run
}

// updateRun pushes current counters into the progress row.
func (e *Engine) updateRun(run *models.CloneRun) {
	if run == nil {
		return
	}
	err := e.runsDB.Model(run).Updates(map[string]interface{}{
		"delivered":  e.delivered,
		"skipped":    e.skipped,
		"retried":    e.retried,
		"reconnects": e.ctrl.Reconnects(),
	}).Error
	if err != nil {
		log.Printf("engine: update run row: %v", err)
	}
}

// finishRun marks the progress row completed or aborted.
func (e *Engine) finishRun(run *models.CloneRun, runErr error) {
	if run == nil {
		return
	}
	now := time.Now()
	updates := map[string]interface{}{
		"status":      models.RunStatusCompleted,
		"delivered":   e.delivered,
		"skipped":     e.skipped,
		"retried":     e.retried,
		"reconnects":  e.ctrl.Reconnects(),
		"finished_at": &now,
	}
	if runErr != nil {
		updates["status"] = models.RunStatusAborted
		updates["error"] = runErr.Error()
	}
	if err := e.runsDB.Model(run).Updates(updates).Error; err != nil {
		log.Printf("engine: finish run row: %v", err)
	}
}
