package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/chatferry/internal/db"
	"github.com/zulandar/chatferry/internal/models"
	"gorm.io/gorm"
)

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect local archives",
	}

	cmd.AddCommand(newArchiveInfoCmd())
	cmd.AddCommand(newArchiveListCmd())
	return cmd
}

func newArchiveInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <dir>",
		Short: "Show an archive's chat binding and message counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArchiveInfo(cmd, args[0])
		},
	}
}

func runArchiveInfo(cmd *cobra.Command, dir string) error {
	out := cmd.OutOrStdout()
	gdb, err := openArchiveDB(dir)
	if err != nil {
		return err
	}

	var meta models.ArchiveMeta
	chatID := "(unbound)"
	err = gdb.Where("name = ?", models.MetaChatID).First(&meta).Error
	if err == nil {
		chatID = meta.Value
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("read archive metadata: %w", err)
	}

	var total, withMedia int64
	if err := gdb.Model(&models.ArchivedMessage{}).Count(&total).Error; err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	if err := gdb.Model(&models.ArchivedMessage{}).Where("media_path <> ''").Count(&withMedia).Error; err != nil {
		return fmt.Errorf("count media messages: %w", err)
	}

	fmt.Fprintf(out, "Archive:  %s\n", dir)
	fmt.Fprintf(out, "Chat:     %s\n", chatID)
	fmt.Fprintf(out, "Messages: %d (%d with media)\n", total, withMedia)
	return nil
}

func newArchiveListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list <dir>",
		Short: "List the most recently archived messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArchiveList(cmd, args[0], limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of messages to show")
	return cmd
}

func runArchiveList(cmd *cobra.Command, dir string, limit int) error {
	out := cmd.OutOrStdout()
	gdb, err := openArchiveDB(dir)
	if err != nil {
		return err
	}

	var rows []models.ArchivedMessage
	if err := gdb.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "Archive is empty.")
		return nil
	}

	// Reverse for chronological display.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	for _, row := range rows {
		line := truncate(strings.ReplaceAll(row.Text, "\n", " "), 80)
		if row.MediaPath != "" {
			line = fmt.Sprintf("[%s %s] %s", row.MediaKind, filepath.Base(row.MediaPath), line)
		}
		fmt.Fprintf(out, "%8d  %s\n", row.MessageID, line)
	}
	return nil
}

func openArchiveDB(dir string) (*gorm.DB, error) {
	gdb, err := db.OpenSQLite(filepath.Join(dir, "archive.db"))
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
