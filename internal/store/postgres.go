package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

// OpenPostgres connects through the pgx driver and runs migrations.
func OpenPostgres(dsn string, log zerolog.Logger) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &SQLStore{db: db, dialect: postgresDialect, log: log.With().Str("component", "store").Str("driver", "postgres").Logger()}
	if err := s.migrate(postgresMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.log.Info().Msg("postgres store connected")
	return s, nil
}

var postgresMigrations = []string{
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
		start_date          BIGINT NOT NULL,
		next_execution_date BIGINT NOT NULL,
		last_execution_date BIGINT,
		failure_count       INTEGER NOT NULL DEFAULT 0,
		first_failure_at    BIGINT,
		retry_at            BIGINT,
		last_error          TEXT NOT NULL DEFAULT '',
		version             BIGINT NOT NULL,
		created_at          BIGINT NOT NULL,
		updated_at          BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_account ON schedules(account_id)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(status, next_execution_date)`,

	`CREATE TABLE IF NOT EXISTS schedule_audit (
		id          BIGSERIAL PRIMARY KEY,
		schedule_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL,
		at          BIGINT NOT NULL,
		reason      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_schedule ON schedule_audit(schedule_id)`,

	`CREATE TABLE IF NOT EXISTS policies (
		account_id TEXT NOT NULL,
		version    INTEGER NOT NULL,
		body       TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (account_id, version)
	)`,

	`CREATE TABLE IF NOT EXISTS executions (
		token         TEXT PRIMARY KEY,
		schedule_id   TEXT NOT NULL,
		account_id    TEXT NOT NULL,
		scheduled_for BIGINT NOT NULL,
		attempted_at  BIGINT NOT NULL,
		attempts      INTEGER NOT NULL,
		status        TEXT NOT NULL,
		order_id      TEXT NOT NULL DEFAULT '',
		error         TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_schedule ON executions(schedule_id)`,
}
