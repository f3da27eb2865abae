package main

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/zulandar/chatferry/internal/config"
	"github.com/zulandar/chatferry/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Correlation store management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var (
		configPath string
		dest       string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a correlation store",
		Long: "Creates the correlation store and migrates all tables. With --dest the " +
			"embedded per-destination store is created ahead of the first run; without " +
			"it the configured shared database is migrated.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath, dest)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "ferry.yaml", "path to chatferry config file")
	cmd.Flags().StringVar(&dest, "dest", "", "destination chat id for an embedded per-destination store")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath, dest string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}

	driver, dsn := cfg.DB.Driver, cfg.DB.DSN
	if dest != "" {
		id, err := strconv.ParseInt(dest, 10, 64)
		if err != nil {
			return fmt.Errorf("--dest must be a chat id: %w", err)
		}
		driver = "sqlite"
		dsn = filepath.Join(cfg.ChatsRoot, strconv.FormatInt(id, 10), "ferry.db")
	} else if driver != "mysql" && dsn == "" {
		return fmt.Errorf("either --dest or a configured db.dsn is required")
	}

	gormDB, err := db.Open(driver, dsn)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables in %s store %s\n", len(db.AllModels()), driver, dsn)
	return nil
}
