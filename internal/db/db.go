// Package db opens the SQLite database shared by the auth and audit stores.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/s3desk/s3desk/internal/db/migrations"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Open opens (creating if needed) the database at path and applies migrations
func Open(path string, logger *logrus.Logger) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := migrations.New(conn, logger).Up(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	if logger != nil {
		logger.WithField("db_path", path).Info("SQLite database initialized")
	}
	return conn, nil
}
