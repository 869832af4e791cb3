package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// OpenSQLite opens (or creates) the SQLite database and runs migrations.
func OpenSQLite(dbPath string, log zerolog.Logger) (*SQLStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; transactions serialize on this connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLStore{db: db, dialect: sqliteDialect, log: log.With().Str("component", "store").Str("driver", "sqlite").Logger()}
	if err := s.migrate(sqliteMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.log.Info().Str("path", dbPath).Msg("sqlite store opened")
	return s, nil
}

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS schedules (
		schedule_id         TEXT PRIMARY KEY,
		account_id          TEXT NOT NULL,
		portfolio_id        TEXT NOT NULL,
		funding_source_id   TEXT NOT NULL,
		name                TEXT NOT NULL,
		amount              TEXT NOT NULL,
		currency            TEXT NOT NULL,
		frequency           TEXT NOT NULL,
		recurrence_kind     TEXT NOT NULL,
		recurrence_day      INTEGER NOT NULL,
		recurrence_time     TEXT NOT NULL,
		timezone            TEXT NOT NULL,
		allocation_rule     TEXT NOT NULL,
		status              TEXT NOT NULL,
		pause_reason        TEXT NOT NULL DEFAULT '',
		start_date          INTEGER NOT NULL,
		next_execution_date INTEGER NOT NULL,
		last_execution_date INTEGER,
		failure_count       INTEGER NOT NULL DEFAULT 0,
		first_failure_at    INTEGER,
		retry_at            INTEGER,
		last_error          TEXT NOT NULL DEFAULT '',
		version             INTEGER NOT NULL,
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_account ON schedules(account_id)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(status, next_execution_date)`,

	`CREATE TABLE IF NOT EXISTS schedule_audit (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		schedule_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL,
		at          INTEGER NOT NULL,
		reason      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_schedule ON schedule_audit(schedule_id)`,

	`CREATE TABLE IF NOT EXISTS policies (
		account_id TEXT NOT NULL,
		version    INTEGER NOT NULL,
		body       TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (account_id, version)
	)`,

	`CREATE TABLE IF NOT EXISTS executions (
		token         TEXT PRIMARY KEY,
		schedule_id   TEXT NOT NULL,
		account_id    TEXT NOT NULL,
		scheduled_for INTEGER NOT NULL,
		attempted_at  INTEGER NOT NULL,
		attempts      INTEGER NOT NULL,
		status        TEXT NOT NULL,
		order_id      TEXT NOT NULL DEFAULT '',
		error         TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_schedule ON executions(schedule_id)`,
}
