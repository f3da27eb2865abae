// Package media implements the media transfer pipeline: downloading a
// remote media object into per-message scratch storage with progress
// reporting, with scratch cleanup guaranteed on every exit path.
package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/zulandar/chatferry/internal/remote"
)

// Manager owns the scratch directory tree for one destination target.
// Scratch files live only for the duration of a single message's delivery.
type Manager struct {
	root string
	out  io.Writer
}

// ManagerOpts holds parameters for creating a Manager.
type ManagerOpts struct {
	Root string    // scratch root, keyed by destination (e.g. chats/<destID>)
	Out  io.Writer // progress sink; defaults to os.Stdout
}

// NewManager creates a Manager rooted at opts.Root.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("media: scratch root is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Manager{root: opts.Root, out: out}, nil
}

// ScratchDir returns the per-message scratch directory path.
func (m *Manager) ScratchDir(messageID int64) string {
	return filepath.Join(m.root, strconv.FormatInt(messageID, 10))
}

// Download fetches the media of raw into the per-message scratch directory
// and returns the downloaded file path plus a cleanup func. The caller must
// invoke cleanup after its send attempt, success or failure; on download
// error the scratch directory has already been removed.
func (m *Manager) Download(ctx context.Context, client remote.Client, raw *remote.RawMessage, name string) (string, func(), error) {
	if raw.Media == nil {
		return "", nil, fmt.Errorf("media: message %d has no media", raw.ID)
	}
	dir := m.ScratchDir(raw.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("media: create scratch dir %s: %w", dir, err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			fmt.Fprintf(m.out, "media: remove scratch dir %s: %v\n", dir, err)
		}
	}

	dest := filepath.Join(dir, name)
	path, err := client.DownloadMedia(ctx, raw, dest, m.Progress("Downloading", name, raw.Media.SizeBytes))
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("media: download %s for message %d: %w", name, raw.ID, err)
	}
	return path, cleanup, nil
}

// Progress returns a progress callback printing to the manager's sink.
func (m *Manager) Progress(action, name string, expected int64) remote.ProgressFunc {
	return Progress(m.out, action, name, expected)
}

// Progress returns a callback printing percent and MB transferred to out.
// expected is used when the platform reports no total during the transfer
// itself.
func Progress(out io.Writer, action, name string, expected int64) remote.ProgressFunc {
	return func(transferred, total int64) {
		if total == 0 {
			total = expected
		}
		if total == 0 {
			fmt.Fprintf(out, "%s %s: %.2f MB\r", action, name, inMB(transferred))
			return
		}
		percent := float64(transferred) / float64(total) * 100
		end := "\r"
		if transferred >= total {
			end = "\n"
		}
		fmt.Fprintf(out, "%s %s: (%.2f%%) %.2f MB / %.2f MB%s",
			action, name, percent, inMB(transferred), inMB(total), end)
	}
}

func inMB(bytes int64) float64 {
	return float64(bytes) / 1024 / 1024
}
