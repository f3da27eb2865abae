package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/chatferry/internal/config"
	"github.com/zulandar/chatferry/internal/db"
	"github.com/zulandar/chatferry/internal/engine"
	"github.com/zulandar/chatferry/internal/media"
	"github.com/zulandar/chatferry/internal/notify"
	"github.com/zulandar/chatferry/internal/remote"
	"github.com/zulandar/chatferry/internal/remote/discord"
	"github.com/zulandar/chatferry/internal/retry"
	"github.com/zulandar/chatferry/internal/target"
	"gorm.io/gorm"
)

type cloneFlags struct {
	configPath string
	from       string
	to         string
	forward    bool
	reverse    bool
	text       bool
	mediaTypes []string
	every      string
}

func newCloneCmd() *cobra.Command {
	var fl cloneFlags

	cmd := &cobra.Command{
		Use:   "clone --from <chat-id|archive-dir> --to <chat-id|archive-dir>",
		Short: "Replicate a conversation into another chat or a local archive",
		Long: "Replicates the source conversation into the destination, resuming after " +
			"the last delivered message of a previous run. A numeric target is a live " +
			"chat id; any other value is treated as an archive directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClone(cmd, fl)
		},
	}

	cmd.Flags().StringVarP(&fl.configPath, "config", "c", "ferry.yaml", "path to chatferry config file")
	cmd.Flags().StringVar(&fl.from, "from", "", "source chat id or archive directory")
	cmd.Flags().StringVar(&fl.to, "to", "", "destination chat id or archive directory")
	cmd.Flags().BoolVar(&fl.forward, "forward", true, "attempt lightweight forwards when the source permits")
	cmd.Flags().BoolVar(&fl.reverse, "reverse", false, "replay history newest-first")
	cmd.Flags().BoolVar(&fl.text, "text", true, "deliver text-only messages")
	cmd.Flags().StringSliceVar(&fl.mediaTypes, "media-types", nil, "media kinds to deliver (default: all)")
	cmd.Flags().StringVar(&fl.every, "every", "", "re-sync on a 5-field cron schedule instead of running once")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	return cmd
}

func runClone(cmd *cobra.Command, fl cloneFlags) error {
	cfg, err := config.LoadOrDefault(fl.configPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg, fl)

	out := cmd.OutOrStdout()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if fl.every == "" {
		return runOnce(ctx, out, cfg, fl)
	}

	if _, err := nextCronDuration(fl.every); err != nil {
		return fmt.Errorf("invalid --every expression %q: %w", fl.every, err)
	}
	for {
		if err := runOnce(ctx, out, cfg, fl); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "Sync failed: %v\n", err)
		}
		d, err := nextCronDuration(fl.every)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Next sync in %s\n", d.Round(time.Second))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
	}
}

// applyFlagOverrides lets explicitly set flags win over the config file.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config, fl cloneFlags) {
	if cmd.Flags().Changed("forward") {
		cfg.Options.ForwardMessages = &fl.forward
	}
	if cmd.Flags().Changed("reverse") {
		cfg.Options.ReverseMessages = &fl.reverse
	}
	if cmd.Flags().Changed("text") {
		cfg.Options.SendTextMessages = &fl.text
	}
	if cmd.Flags().Changed("media-types") {
		cfg.Options.MediaTypes = fl.mediaTypes
	}
}

// targetRef is a parsed --from/--to value: a live chat id or an archive dir.
type targetRef struct {
	chatID  int64
	dir     string
	archive bool
}

func parseTargetRef(s string) (targetRef, error) {
	if s == "" {
		return targetRef{}, fmt.Errorf("target is required")
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		if id == 0 {
			return targetRef{}, fmt.Errorf("chat id must be non-zero")
		}
		return targetRef{chatID: id}, nil
	}
	return targetRef{dir: s, archive: true}, nil
}

// runOnce builds targets fresh (re-deriving the resume point) and runs one
// replication pass.
func runOnce(ctx context.Context, out io.Writer, cfg *config.Config, fl cloneFlags) error {
	fromRef, err := parseTargetRef(fl.from)
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}
	toRef, err := parseTargetRef(fl.to)
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}
	if fromRef.archive && toRef.archive {
		return fmt.Errorf("source and destination cannot both be archives")
	}

	if cfg.Discord.BotToken == "" {
		return fmt.Errorf("discord.bot_token is required in %s", fl.configPath)
	}
	handle := remote.NewHandle(nil, discord.Dialer(cfg.Discord.BotToken))
	if err := handle.Reconnect(ctx); err != nil {
		return err
	}
	defer handle.Close()

	dest, destStore, runsDB, err := buildDest(ctx, out, cfg, toRef, handle)
	if err != nil {
		return err
	}
	// An unbound archive destination yields 0 here; its first delivery
	// fixes the binding.
	scope := &target.Scope{Store: destStore, DestChatID: dest.ChatID()}

	source, err := buildSource(ctx, out, cfg, fromRef, handle, scope)
	if err != nil {
		return err
	}

	kinds := cfg.Options.MediaKinds()
	filter := target.NewFilter(cfg.Options.SendText(), kinds)

	sleepMin, sleepMax := cfg.Options.SleepBounds()
	ctrl, err := retry.NewController(retry.ControllerOpts{
		Handle:   handle,
		SleepMin: sleepMin,
		SleepMax: sleepMax,
	})
	if err != nil {
		return err
	}

	var notifier engine.Notifier
	if cfg.Notify.SlackWebhookURL != "" {
		n, err := notify.NewSlack(notify.SlackOpts{WebhookURL: cfg.Notify.SlackWebhookURL})
		if err != nil {
			return err
		}
		notifier = n
	}

	mode := engine.ModeForward
	if cfg.Options.Reverse() {
		mode = engine.ModeReverse
	}

	eng, err := engine.New(engine.Opts{
		Source:     source,
		Dest:       dest,
		Filter:     filter,
		Controller: ctrl,
		RunsDB:     runsDB,
		Notifier:   notifier,
		Mode:       mode,
		Out:        out,
	})
	if err != nil {
		return err
	}
	_, err = eng.Run(ctx)
	return err
}

// buildDest opens the destination target and its correlation store.
func buildDest(ctx context.Context, out io.Writer, cfg *config.Config, ref targetRef, handle *remote.Handle) (target.Target, *target.Store, *gorm.DB, error) {
	if ref.archive {
		gdb, err := db.OpenSQLite(filepath.Join(ref.dir, "archive.db"))
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.AutoMigrate(gdb); err != nil {
			return nil, nil, nil, err
		}
		arch, err := target.NewArchive(target.ArchiveOpts{
			DB:     gdb,
			Dir:    ref.dir,
			Handle: handle,
			Out:    out,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return arch, arch.Store(), gdb, nil
	}

	gdb, err := openDestDB(cfg, ref.chatID)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return nil, nil, nil, err
	}
	store, err := target.NewStore(gdb)
	if err != nil {
		return nil, nil, nil, err
	}
	mgr, err := media.NewManager(media.ManagerOpts{
		Root: filepath.Join(cfg.ChatsRoot, strconv.FormatInt(ref.chatID, 10)),
		Out:  out,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	live, err := target.NewLive(ctx, target.LiveOpts{
		Handle:  handle,
		ChatID:  ref.chatID,
		Store:   store,
		Media:   mgr,
		Forward: cfg.Options.Forward(),
		Out:     out,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return live, store, gdb, nil
}

// buildSource opens the source target bound to the destination's resume scope.
func buildSource(ctx context.Context, out io.Writer, cfg *config.Config, ref targetRef, handle *remote.Handle, scope *target.Scope) (target.Target, error) {
	if ref.archive {
		gdb, err := db.OpenSQLite(filepath.Join(ref.dir, "archive.db"))
		if err != nil {
			return nil, err
		}
		if err := db.AutoMigrate(gdb); err != nil {
			return nil, err
		}
		return target.NewArchive(target.ArchiveOpts{
			DB:                 gdb,
			Dir:                ref.dir,
			Scope:              scope,
			Reverse:            cfg.Options.Reverse(),
			ReverseBufferLimit: cfg.Options.ReverseBufferLimit,
			Out:                out,
		})
	}
	return target.NewLive(ctx, target.LiveOpts{
		Handle:             handle,
		ChatID:             ref.chatID,
		Scope:              scope,
		Forward:            cfg.Options.Forward(),
		Reverse:            cfg.Options.Reverse(),
		ReverseBufferLimit: cfg.Options.ReverseBufferLimit,
		Out:                out,
	})
}

// openDestDB opens the correlation store for a live destination: the shared
// database when one is configured, else an embedded per-destination file.
func openDestDB(cfg *config.Config, destChatID int64) (*gorm.DB, error) {
	if cfg.DB.Driver == "mysql" {
		return db.OpenMySQL(cfg.DB.DSN)
	}
	dsn := cfg.DB.DSN
	if dsn == "" {
		dsn = filepath.Join(cfg.ChatsRoot, strconv.FormatInt(destChatID, 10), "ferry.db")
	}
	return db.OpenSQLite(dsn)
}
