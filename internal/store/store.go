package store

import (
	"context"
	"time"

	"AutoInvest/internal/model"
)

// ScheduleStore persists schedules and their audit trail.
//
// Writes are all-or-nothing: a schedule row and its audit entry are committed
// together or not at all. UpdateSchedule is a compare-and-swap on Version and
// returns model.ErrConcurrentUpdate when the stored version moved on.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *model.Schedule, entry *model.AuditEntry) error
	GetSchedule(ctx context.Context, accountID, scheduleID string) (*model.Schedule, error)
	ListSchedules(ctx context.Context, accountID string, filter model.ScheduleFilter) ([]*model.Schedule, error)
	UpdateSchedule(ctx context.Context, s *model.Schedule, entry *model.AuditEntry) error
	// DueSchedules returns active schedules whose next run is at or before now
	// and that are not waiting out a retry backoff.
	DueSchedules(ctx context.Context, now time.Time) ([]*model.Schedule, error)
	AuditTrail(ctx context.Context, scheduleID string) ([]model.AuditEntry, error)
}

// PolicyStore keeps every IPS version; writes never mutate an existing version.
type PolicyStore interface {
	PutPolicy(ctx context.Context, p *model.InvestmentPolicy) error
	CurrentPolicy(ctx context.Context, accountID string) (*model.InvestmentPolicy, error)
	// PolicyHistory returns all versions, newest first.
	PolicyHistory(ctx context.Context, accountID string) ([]*model.InvestmentPolicy, error)
	PolicyAccounts(ctx context.Context) ([]string, error)
}

// ExecutionLog records dispatcher attempts keyed by idempotency token.
type ExecutionLog interface {
	RecordExecution(ctx context.Context, rec *model.ExecutionRecord) error
	GetExecution(ctx context.Context, token string) (*model.ExecutionRecord, error)
	Executions(ctx context.Context, scheduleID string) ([]model.ExecutionRecord, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	ScheduleStore
	PolicyStore
	ExecutionLog
	Close() error
}
