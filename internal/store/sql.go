package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"AutoInvest/internal/model"
)

type dialect int

const (
	sqliteDialect dialect = iota
	postgresDialect
)

// rebind rewrites ? placeholders into the dialect's form.
func (d dialect) rebind(q string) string {
	if d != postgresDialect {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Store over database/sql for SQLite and Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	log     zerolog.Logger
}

var scheduleCols = []string{
	"schedule_id", "account_id", "portfolio_id", "funding_source_id", "name", "amount", "currency",
	"frequency", "recurrence_kind", "recurrence_day", "recurrence_time", "timezone", "allocation_rule",
	"status", "pause_reason", "start_date", "next_execution_date", "last_execution_date",
	"failure_count", "first_failure_at", "retry_at", "last_error", "version", "created_at", "updated_at",
}

var (
	scheduleSelect = "SELECT " + strings.Join(scheduleCols, ", ") + " FROM schedules"
	scheduleInsert = "INSERT INTO schedules (" + strings.Join(scheduleCols, ", ") + ") VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(scheduleCols)), ", ") + ")"
	scheduleUpdate = func() string {
		sets := make([]string, 0, len(scheduleCols)-1)
		for _, c := range scheduleCols[1:] {
			sets = append(sets, c+" = ?")
		}
		return "UPDATE schedules SET " + strings.Join(sets, ", ") +
			" WHERE schedule_id = ? AND account_id = ? AND version = ?"
	}()
)

func (s *SQLStore) migrate(stmts []string) error {
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func (s *SQLStore) CreateSchedule(ctx context.Context, sc *model.Schedule, entry *model.AuditEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		sc.Version = 1
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(scheduleInsert), scheduleArgs(sc)...); err != nil {
			return fmt.Errorf("insert schedule: %w", err)
		}
		return s.insertAudit(ctx, tx, entry)
	})
}

func (s *SQLStore) GetSchedule(ctx context.Context, accountID, scheduleID string) (*model.Schedule, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(scheduleSelect+" WHERE schedule_id = ? AND account_id = ?"), scheduleID, accountID)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	return sc, err
}

func (s *SQLStore) ListSchedules(ctx context.Context, accountID string, filter model.ScheduleFilter) ([]*model.Schedule, error) {
	q := scheduleSelect + " WHERE account_id = ?"
	args := []any{accountID}
	if filter.Status != "" {
		q += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.PortfolioID != "" {
		q += " AND portfolio_id = ?"
		args = append(args, filter.PortfolioID)
	}
	q += " ORDER BY created_at, schedule_id"
	return s.querySchedules(ctx, q, args...)
}

func (s *SQLStore) UpdateSchedule(ctx context.Context, sc *model.Schedule, entry *model.AuditEntry) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		args := scheduleArgs(sc)[1:]
		args[len(args)-3] = sc.Version + 1 // version column
		args = append(args, sc.ID, sc.AccountID, sc.Version)

		res, err := tx.ExecContext(ctx, s.dialect.rebind(scheduleUpdate), args...)
		if err != nil {
			return fmt.Errorf("update schedule: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var one int
			err := tx.QueryRowContext(ctx, s.dialect.rebind("SELECT 1 FROM schedules WHERE schedule_id = ? AND account_id = ?"), sc.ID, sc.AccountID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return model.ErrNotFound
			}
			if err != nil {
				return err
			}
			return model.ErrConcurrentUpdate
		}
		return s.insertAudit(ctx, tx, entry)
	})
	if err == nil {
		sc.Version++
	}
	return err
}

func (s *SQLStore) DueSchedules(ctx context.Context, now time.Time) ([]*model.Schedule, error) {
	ms := millis(now)
	return s.querySchedules(ctx,
		scheduleSelect+" WHERE status = ? AND next_execution_date <= ? AND (retry_at IS NULL OR retry_at <= ?) ORDER BY next_execution_date, schedule_id",
		string(model.StatusActive), ms, ms)
}

func (s *SQLStore) AuditTrail(ctx context.Context, scheduleID string) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		"SELECT id, schedule_id, from_status, to_status, at, reason FROM schedule_audit WHERE schedule_id = ? ORDER BY id"), scheduleID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var from, to string
		var at int64
		if err := rows.Scan(&e.ID, &e.ScheduleID, &from, &to, &at, &e.Reason); err != nil {
			return nil, err
		}
		e.FromStatus, e.ToStatus, e.At = model.Status(from), model.Status(to), fromMillis(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

const putPolicyAttempts = 3

// PutPolicy appends the next policy version for the account. Postgres writers
// for one account serialize on an advisory lock; a version collision that
// slips through is retried.
func (s *SQLStore) PutPolicy(ctx context.Context, p *model.InvestmentPolicy) error {
	var err error
	for attempt := 1; attempt <= putPolicyAttempts; attempt++ {
		if err = s.inTx(ctx, func(tx *sql.Tx) error { return s.insertPolicy(ctx, tx, p) }); !isUniqueViolation(err) {
			return err
		}
		s.log.Warn().Str("account_id", p.AccountID).Int("attempt", attempt).Msg("policy version collision, retrying")
	}
	return fmt.Errorf("%w: policy version for %s: %v", model.ErrConcurrentUpdate, p.AccountID, err)
}

func (s *SQLStore) insertPolicy(ctx context.Context, tx *sql.Tx, p *model.InvestmentPolicy) error {
	if q := s.dialect.policyLock(); q != "" {
		if _, err := tx.ExecContext(ctx, q, p.AccountID); err != nil {
			return fmt.Errorf("lock policy: %w", err)
		}
	}
	var latest int
	if err := tx.QueryRowContext(ctx, s.dialect.rebind(
		"SELECT COALESCE(MAX(version), 0) FROM policies WHERE account_id = ?"), p.AccountID).Scan(&latest); err != nil {
		return fmt.Errorf("read policy version: %w", err)
	}
	p.Version = latest + 1
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		"INSERT INTO policies (account_id, version, body, created_at) VALUES (?, ?, ?, ?)"),
		p.AccountID, p.Version, string(body), millis(p.CreatedAt)); err != nil {
		return fmt.Errorf("insert policy: %w", err)
	}
	return nil
}

// policyLock returns the per-account transaction lock statement, if the
// dialect has one. SQLite already runs one writer at a time.
func (d dialect) policyLock() string {
	if d != postgresDialect {
		return ""
	}
	return "SELECT pg_advisory_xact_lock(hashtext($1))"
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func (s *SQLStore) CurrentPolicy(ctx context.Context, accountID string) (*model.InvestmentPolicy, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		"SELECT body FROM policies WHERE account_id = ? ORDER BY version DESC LIMIT 1"), accountID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query policy: %w", err)
	}
	return decodePolicy(body)
}

func (s *SQLStore) PolicyHistory(ctx context.Context, accountID string) ([]*model.InvestmentPolicy, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		"SELECT body FROM policies WHERE account_id = ? ORDER BY version DESC"), accountID)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	var out []*model.InvestmentPolicy
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		p, err := decodePolicy(body)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, model.ErrNotFound
	}
	return out, nil
}

func (s *SQLStore) PolicyAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT account_id FROM policies ORDER BY account_id")
	if err != nil {
		return nil, fmt.Errorf("query policy accounts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLStore) RecordExecution(ctx context.Context, rec *model.ExecutionRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.dialect.rebind(`INSERT INTO executions
			(token, schedule_id, account_id, scheduled_for, attempted_at, attempts, status, order_id, error)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
			ON CONFLICT (token) DO UPDATE SET
				attempted_at = excluded.attempted_at,
				attempts     = executions.attempts + 1,
				status       = excluded.status,
				order_id     = excluded.order_id,
				error        = excluded.error`),
			rec.Token, rec.ScheduleID, rec.AccountID, millis(rec.ScheduledFor), millis(rec.AttemptedAt),
			string(rec.Status), rec.OrderID, rec.Error)
		if err != nil {
			return fmt.Errorf("upsert execution: %w", err)
		}
		return tx.QueryRowContext(ctx, s.dialect.rebind("SELECT attempts FROM executions WHERE token = ?"), rec.Token).Scan(&rec.Attempts)
	})
}

func (s *SQLStore) GetExecution(ctx context.Context, token string) (*model.ExecutionRecord, error) {
	recs, err := s.queryExecutions(ctx, "WHERE token = ?", token)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, model.ErrNotFound
	}
	return &recs[0], nil
}

func (s *SQLStore) Executions(ctx context.Context, scheduleID string) ([]model.ExecutionRecord, error) {
	return s.queryExecutions(ctx, "WHERE schedule_id = ? ORDER BY scheduled_for", scheduleID)
}

func (s *SQLStore) Close() error {
	s.log.Info().Msg("closing store")
	return s.db.Close()
}

func (s *SQLStore) queryExecutions(ctx context.Context, where string, args ...any) ([]model.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		"SELECT token, schedule_id, account_id, scheduled_for, attempted_at, attempts, status, order_id, error FROM executions "+where), args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []model.ExecutionRecord
	for rows.Next() {
		var r model.ExecutionRecord
		var scheduled, attempted int64
		var status string
		if err := rows.Scan(&r.Token, &r.ScheduleID, &r.AccountID, &scheduled, &attempted, &r.Attempts, &status, &r.OrderID, &r.Error); err != nil {
			return nil, err
		}
		r.ScheduledFor, r.AttemptedAt, r.Status = fromMillis(scheduled), fromMillis(attempted), model.ExecutionStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) querySchedules(ctx context.Context, q string, args ...any) ([]*model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []*model.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLStore) insertAudit(ctx context.Context, tx *sql.Tx, e *model.AuditEntry) error {
	if e == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx, s.dialect.rebind(
		"INSERT INTO schedule_audit (schedule_id, from_status, to_status, at, reason) VALUES (?, ?, ?, ?, ?)"),
		e.ScheduleID, string(e.FromStatus), string(e.ToStatus), millis(e.At), e.Reason)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (*model.Schedule, error) {
	var sc model.Schedule
	var amount, freq, kind, rule, status, reason string
	var start, next, created, updated int64
	var last, firstFail, retry sql.NullInt64
	err := row.Scan(&sc.ID, &sc.AccountID, &sc.PortfolioID, &sc.FundingSourceID, &sc.Name, &amount, &sc.Currency,
		&freq, &kind, &sc.Recurrence.Day, &sc.Recurrence.Time, &sc.Timezone, &rule,
		&status, &reason, &start, &next, &last,
		&sc.FailureCount, &firstFail, &retry, &sc.LastError, &sc.Version, &created, &updated)
	if err != nil {
		return nil, err
	}
	sc.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: bad amount %q: %w", sc.ID, amount, err)
	}
	sc.Frequency = model.Frequency(freq)
	sc.Recurrence.Kind = model.RecurrenceKind(kind)
	sc.AllocationRule = model.AllocationRule(rule)
	sc.Status = model.Status(status)
	sc.PauseReason = model.PauseReason(reason)
	sc.StartDate = fromMillis(start)
	sc.NextExecutionDate = fromMillis(next)
	sc.LastExecutionDate = fromNullMillis(last)
	sc.FirstFailureAt = fromNullMillis(firstFail)
	sc.RetryAt = fromNullMillis(retry)
	sc.CreatedAt = fromMillis(created)
	sc.UpdatedAt = fromMillis(updated)
	return &sc, nil
}

func scheduleArgs(sc *model.Schedule) []any {
	return []any{
		sc.ID, sc.AccountID, sc.PortfolioID, sc.FundingSourceID, sc.Name, sc.Amount.String(), sc.Currency,
		string(sc.Frequency), string(sc.Recurrence.Kind), sc.Recurrence.Day, sc.Recurrence.Time, sc.Timezone, string(sc.AllocationRule),
		string(sc.Status), string(sc.PauseReason), millis(sc.StartDate), millis(sc.NextExecutionDate), nullMillis(sc.LastExecutionDate),
		sc.FailureCount, nullMillis(sc.FirstFailureAt), nullMillis(sc.RetryAt), sc.LastError, sc.Version, millis(sc.CreatedAt), millis(sc.UpdatedAt),
	}
}

func decodePolicy(body string) (*model.InvestmentPolicy, error) {
	var p model.InvestmentPolicy
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	return &p, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
