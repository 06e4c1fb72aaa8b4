// Package migrations evolves the s3desk SQLite schema. Each step runs in
// its own transaction and is recorded in schema_migrations.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// Migration is one forward-only schema step
type Migration struct {
	Version     int
	Description string
	Up          func(*sql.Tx) error
}

// Applied describes a step recorded in schema_migrations
type Applied struct {
	Version     int
	Description string
	AppliedAt   time.Time
}

// Migrator brings a database up to the newest known schema
type Migrator struct {
	db     *sql.DB
	steps  []Migration
	logger *logrus.Logger
}

// New creates a migrator for every registered step
func New(db *sql.DB, logger *logrus.Logger) *Migrator {
	if logger == nil {
		logger = logrus.New()
	}

	steps := all()
	sort.Slice(steps, func(i, j int) bool { return steps[i].Version < steps[j].Version })

	return &Migrator{db: db, steps: steps, logger: logger}
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}
	return nil
}

// Version returns the highest applied step, 0 for a fresh database
func (m *Migrator) Version(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}

	var version int
	if err := m.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// Latest returns the newest step this binary knows
func (m *Migrator) Latest() int {
	if len(m.steps) == 0 {
		return 0
	}
	return m.steps[len(m.steps)-1].Version
}

// Up applies every pending step in order. A database written by a newer
// binary is refused.
func (m *Migrator) Up(ctx context.Context) error {
	current, err := m.Version(ctx)
	if err != nil {
		return err
	}

	latest := m.Latest()
	switch {
	case current == latest:
		m.logger.WithField("version", current).Debug("Database schema is up to date")
		return nil
	case current > latest:
		return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", current, latest)
	}

	for _, step := range m.steps {
		if step.Version <= current {
			continue
		}
		if err := m.apply(ctx, step); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", step.Version, step.Description, err)
		}
		m.logger.WithFields(logrus.Fields{
			"version":     step.Version,
			"description": step.Description,
		}).Info("Applied database migration")
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, step Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := step.Up(tx); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
		step.Version, step.Description, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// History lists applied steps, oldest first
func (m *Migrator) History(ctx context.Context) ([]Applied, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, description, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migration history: %w", err)
	}
	defer rows.Close()

	var history []Applied
	for rows.Next() {
		var a Applied
		var appliedAt int64
		if err := rows.Scan(&a.Version, &a.Description, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration history: %w", err)
		}
		a.AppliedAt = time.Unix(appliedAt, 0)
		history = append(history, a)
	}
	return history, rows.Err()
}
