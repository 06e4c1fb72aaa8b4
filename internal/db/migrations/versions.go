package migrations

import (
	"database/sql"
)

// all lists every schema step
func all() []Migration {
	return []Migration{
		migration1_Users(),
		migration2_Sessions(),
		migration3_AuditLog(),
	}
}

// exec runs statements in order, stopping at the first failure
func exec(tx *sql.Tx, statements ...string) error {
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func migration1_Users() Migration {
	return Migration{
		Version:     1,
		Description: "Create users table",
		Up: func(tx *sql.Tx) error {
			return exec(tx,
				`CREATE TABLE IF NOT EXISTS users (
					id TEXT PRIMARY KEY,
					email TEXT UNIQUE NOT NULL COLLATE NOCASE,
					name TEXT,
					password_hash TEXT,
					role TEXT NOT NULL DEFAULT 'user',
					provider TEXT NOT NULL DEFAULT 'local',
					status TEXT NOT NULL DEFAULT 'active',
					two_factor_enabled INTEGER NOT NULL DEFAULT 0,
					two_factor_secret TEXT,
					backup_codes TEXT,
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_users_status ON users(status)`,
			)
		},
	}
}

func migration2_Sessions() Migration {
	return Migration{
		Version:     2,
		Description: "Create sessions table",
		Up: func(tx *sql.Tx) error {
			return exec(tx,
				`CREATE TABLE IF NOT EXISTS sessions (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					expires_at INTEGER NOT NULL,
					ip_address TEXT,
					user_agent TEXT,
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL,
					FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
				)`,
				`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
				`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)`,
			)
		},
	}
}

func migration3_AuditLog() Migration {
	return Migration{
		Version:     3,
		Description: "Create audit_logs table",
		Up: func(tx *sql.Tx) error {
			return exec(tx,
				`CREATE TABLE IF NOT EXISTS audit_logs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					timestamp INTEGER NOT NULL,
					user_id TEXT,
					email TEXT,
					action TEXT NOT NULL,
					bucket TEXT,
					object_key TEXT,
					target TEXT,
					status TEXT NOT NULL,
					ip_address TEXT,
					user_agent TEXT,
					details TEXT
				)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id ON audit_logs(user_id)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action)`,
			)
		},
	}
}
