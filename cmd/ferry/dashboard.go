package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/chatferry/internal/config"
	"github.com/zulandar/chatferry/internal/dashboard"
	"github.com/zulandar/chatferry/internal/db"
)

func newDashboardCmd() *cobra.Command {
	var (
		configPath string
		dest       string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Start the run-monitoring API server",
		Long:  "Serves a JSON API plus an SSE stream over the replication runs recorded in a correlation store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboard(cmd, configPath, dest, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "ferry.yaml", "path to chatferry config file")
	cmd.Flags().StringVar(&dest, "dest", "", "destination chat id or archive directory whose runs to serve")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config)")
	return cmd
}

func runDashboard(cmd *cobra.Command, configPath, dest string, port int) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	if port <= 0 {
		port = cfg.Dashboard.Port
	}

	driver, dsn := cfg.DB.Driver, cfg.DB.DSN
	if dest != "" {
		driver = "sqlite"
		if id, perr := strconv.ParseInt(dest, 10, 64); perr == nil {
			dsn = filepath.Join(cfg.ChatsRoot, strconv.FormatInt(id, 10), "ferry.db")
		} else {
			dsn = filepath.Join(dest, "archive.db")
		}
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	return dashboard.Start(ctx, dashboard.StartOpts{
		DB:   gormDB,
		Port: port,
		Out:  cmd.OutOrStdout(),
	})
}
