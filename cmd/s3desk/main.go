package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/s3desk/s3desk/internal/auth"
	"github.com/s3desk/s3desk/internal/config"
	"github.com/s3desk/s3desk/internal/db"
	"github.com/s3desk/s3desk/internal/logging"
	"github.com/s3desk/s3desk/internal/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "s3desk",
		Short: "s3desk - web file manager for S3-compatible storage",
		Long: `s3desk serves a browser file manager for S3-compatible object storage:
browse buckets, upload with progress, preview, rename, copy, move and delete.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		RunE:         runServer,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "./data", "Data directory path")
	rootCmd.PersistentFlags().StringP("listen", "l", ":3000", "Listen address")
	rootCmd.PersistentFlags().StringP("log-level", "", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("public-url", "", "http://localhost:3000", "Public URL of the web UI")
	rootCmd.PersistentFlags().StringP("web-root", "", "", "Directory containing the built web UI")
	rootCmd.PersistentFlags().BoolP("enable-tls", "", false, "Enable TLS")
	rootCmd.PersistentFlags().StringP("cert-file", "", "", "TLS certificate file")
	rootCmd.PersistentFlags().StringP("key-file", "", "", "TLS key file")

	rootCmd.AddCommand(newSeedCmd())
	return rootCmd
}

func newSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create the initial admin account",
		RunE:  runSeed,
	}
	cmd.Flags().String("email", "admin@demo.com", "Admin email")
	cmd.Flags().String("password", "admin123", "Admin password")
	cmd.Flags().String("name", "Admin", "Admin display name")
	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogging(cfg.LogLevel)

	logManager, err := logging.NewManager(logrus.StandardLogger(), cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to configure log outputs: %w", err)
	}
	defer logManager.Close()

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("Starting s3desk")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		logrus.Info("Received shutdown signal")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logrus.Info("s3desk stopped")
	return nil
}

// runSeed creates the admin account unless it already exists
func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogging(cfg.LogLevel)

	conn, err := db.Open(cfg.DBPath(), logrus.StandardLogger())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer conn.Close()

	manager := auth.NewManager(cfg.Auth, conn)
	defer manager.Close()

	email, _ := cmd.Flags().GetString("email")
	password, _ := cmd.Flags().GetString("password")
	name, _ := cmd.Flags().GetString("name")

	created, err := manager.EnsureUser(cmd.Context(), email, password, name, auth.RoleAdmin)
	if err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	if !created {
		fmt.Fprintf(cmd.OutOrStdout(), "Admin user %s already exists\n", email)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created admin user %s\n", email)
	return nil
}

func setupLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}
