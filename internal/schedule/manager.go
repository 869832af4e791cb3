package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"AutoInvest/internal/calculator"
	"AutoInvest/internal/model"
	"AutoInvest/internal/store"
)

// maxCASAttempts bounds re-read/re-apply loops when a write loses a race.
const maxCASAttempts = 5

// transitions is the lifecycle state machine. Terminal states have no entry.
var transitions = map[model.Status][]model.Status{
	model.StatusActive: {model.StatusPaused, model.StatusCancelled, model.StatusCompleted},
	model.StatusPaused: {model.StatusActive, model.StatusCancelled, model.StatusCompleted},
}

func canTransition(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Manager owns schedule state transitions and validates schedule configuration.
type Manager struct {
	store     store.ScheduleStore
	defaultTZ string
	now       func() time.Time
	newID     func() string
	log       zerolog.Logger
}

// Options tunes a Manager. Zero fields fall back to defaults.
type Options struct {
	DefaultTimezone string
	Now             func() time.Time
	NewID           func() string
}

// NewManager creates a lifecycle manager over the given store.
func NewManager(st store.ScheduleStore, opts Options, log zerolog.Logger) *Manager {
	m := &Manager{
		store:     st,
		defaultTZ: opts.DefaultTimezone,
		now:       opts.Now,
		newID:     opts.NewID,
		log:       log.With().Str("component", "schedule").Logger(),
	}
	if m.defaultTZ == "" {
		m.defaultTZ = "UTC"
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	return m
}

// Create validates the configuration and persists a new active schedule.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.Schedule, error) {
	for _, f := range []struct{ name, v string }{
		{"account_id", req.AccountID},
		{"portfolio_id", req.PortfolioID},
		{"funding_source_id", req.FundingSourceID},
	} {
		if err := required(f.name, f.v); err != nil {
			return nil, err
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if err := validateAmount(req.Amount, currency); err != nil {
		return nil, err
	}
	if req.Recurrence == nil {
		if !req.Frequency.Valid() {
			return nil, model.Invalid("frequency", "%q is not one of weekly, biweekly, monthly, quarterly", req.Frequency)
		}
		return nil, model.Invalid("schedule", "is required")
	}
	if err := req.Recurrence.Validate(req.Frequency); err != nil {
		return nil, err
	}
	rule := req.AllocationRule
	if rule == "" {
		rule = model.AllocationIPSTarget
	}
	if !rule.Valid() {
		return nil, model.Invalid("allocation_rule", "%q is not one of ips_target, custom", rule)
	}
	tz := req.Timezone
	if tz == "" {
		tz = m.defaultTZ
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return nil, err
	}

	now := m.now()
	start := calculator.StartOfDay(now, loc)
	if req.StartDate != "" {
		if start, err = parseStartDate(req.StartDate, loc); err != nil {
			return nil, err
		}
		if start.Before(calculator.StartOfDay(now, loc)) {
			return nil, model.Invalid("start_date", "%s is in the past", req.StartDate)
		}
	}

	next, err := calculator.FirstRun(*req.Recurrence, req.Frequency, start, now, loc)
	if err != nil {
		return nil, err
	}

	s := &model.Schedule{
		ID:                m.newID(),
		AccountID:         req.AccountID,
		PortfolioID:       req.PortfolioID,
		FundingSourceID:   req.FundingSourceID,
		Name:              strings.TrimSpace(req.Name),
		Amount:            req.Amount,
		Currency:          currency,
		Frequency:         req.Frequency,
		Recurrence:        *req.Recurrence,
		Timezone:          tz,
		AllocationRule:    rule,
		Status:            model.StatusActive,
		StartDate:         start,
		NextExecutionDate: next,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	entry := &model.AuditEntry{ScheduleID: s.ID, ToStatus: model.StatusActive, At: now, Reason: "created"}
	if err := m.store.CreateSchedule(ctx, s, entry); err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}

	m.log.Info().Str("schedule_id", s.ID).Str("account_id", s.AccountID).
		Str("frequency", string(s.Frequency)).Time("next_execution_date", next).Msg("schedule created")
	return s, nil
}

// Get returns one schedule of the account.
func (m *Manager) Get(ctx context.Context, accountID, id string) (*model.Schedule, error) {
	return m.store.GetSchedule(ctx, accountID, id)
}

// List returns the account's schedules matching the filter.
func (m *Manager) List(ctx context.Context, accountID string, filter model.ScheduleFilter) ([]*model.Schedule, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, model.Invalid("status", "%q is not a schedule status", filter.Status)
	}
	return m.store.ListSchedules(ctx, accountID, filter)
}

// Audit returns the transition history of one schedule.
func (m *Manager) Audit(ctx context.Context, accountID, id string) ([]model.AuditEntry, error) {
	if _, err := m.store.GetSchedule(ctx, accountID, id); err != nil {
		return nil, err
	}
	return m.store.AuditTrail(ctx, id)
}

// Pause moves an active schedule to paused.
func (m *Manager) Pause(ctx context.Context, accountID, id string) (*model.Schedule, error) {
	return m.transition(ctx, accountID, id, model.StatusPaused, "paused by user", func(s *model.Schedule, _ time.Time) error {
		s.PauseReason = model.PauseByUser
		return nil
	})
}

// Resume reactivates a paused schedule. Missed windows are not back-filled:
// a next run date in the past is replaced by the next future occurrence.
func (m *Manager) Resume(ctx context.Context, accountID, id string) (*model.Schedule, error) {
	return m.transition(ctx, accountID, id, model.StatusActive, "resumed by user", func(s *model.Schedule, now time.Time) error {
		s.PauseReason = ""
		s.ClearFailures()
		if s.NextExecutionDate.After(now) {
			return nil
		}
		next, err := calculator.NextRun(s.Recurrence, s.Frequency, s.StartDate, now, s.Location())
		if err != nil {
			return err
		}
		s.NextExecutionDate = next
		return nil
	})
}

// Cancel terminates a schedule. Irreversible.
func (m *Manager) Cancel(ctx context.Context, accountID, id string) (*model.Schedule, error) {
	return m.transition(ctx, accountID, id, model.StatusCancelled, "cancelled by user", nil)
}

// MarkCompleted ends a schedule that reached its end condition.
func (m *Manager) MarkCompleted(ctx context.Context, accountID, id string) (*model.Schedule, error) {
	return m.transition(ctx, accountID, id, model.StatusCompleted, "end condition reached", nil)
}

// Suspend pauses a schedule whose executions keep failing. The failure state
// is kept so it can be surfaced to the user; Resume clears it.
func (m *Manager) Suspend(ctx context.Context, accountID, id, reason string) (*model.Schedule, error) {
	return m.transition(ctx, accountID, id, model.StatusPaused, reason, func(s *model.Schedule, _ time.Time) error {
		s.PauseReason = model.PauseExecutionFailed
		s.RetryAt = nil
		return nil
	})
}

// Update applies a partial change to an active or paused schedule.
func (m *Manager) Update(ctx context.Context, accountID, id string, req UpdateRequest) (*model.Schedule, error) {
	if req.empty() {
		return nil, model.Invalid("body", "no fields to update")
	}
	return m.withRetry(ctx, accountID, id, func(s *model.Schedule, now time.Time) (*model.AuditEntry, error) {
		if s.Status != model.StatusActive && s.Status != model.StatusPaused {
			return nil, &model.TransitionError{ScheduleID: id, From: s.Status, Op: "update"}
		}
		var changed []string
		if req.Name != nil {
			s.Name = strings.TrimSpace(*req.Name)
			changed = append(changed, "name")
		}
		if req.FundingSourceID != nil {
			if err := required("funding_source_id", *req.FundingSourceID); err != nil {
				return nil, err
			}
			s.FundingSourceID = *req.FundingSourceID
			changed = append(changed, "funding_source_id")
		}
		if req.Currency != nil {
			s.Currency = strings.ToUpper(strings.TrimSpace(*req.Currency))
			changed = append(changed, "currency")
		}
		if req.Amount != nil {
			s.Amount = *req.Amount
			changed = append(changed, "amount")
		}
		if req.Amount != nil || req.Currency != nil {
			if err := validateAmount(s.Amount, s.Currency); err != nil {
				return nil, err
			}
		}
		if req.AllocationRule != nil {
			if !req.AllocationRule.Valid() {
				return nil, model.Invalid("allocation_rule", "%q is not one of ips_target, custom", *req.AllocationRule)
			}
			s.AllocationRule = *req.AllocationRule
			changed = append(changed, "allocation_rule")
		}
		if req.reschedules() {
			if req.Frequency != nil {
				s.Frequency = *req.Frequency
				changed = append(changed, "frequency")
			}
			if req.Recurrence != nil {
				s.Recurrence = *req.Recurrence
				changed = append(changed, "schedule")
			}
			if req.Timezone != nil {
				loc, err := loadLocation(*req.Timezone)
				if err != nil {
					return nil, err
				}
				// start_date is a calendar date; keep it on the same day in the new zone.
				y, mo, d := s.StartDate.In(s.Location()).Date()
				s.StartDate = time.Date(y, mo, d, 0, 0, 0, 0, loc)
				s.Timezone = *req.Timezone
				changed = append(changed, "timezone")
			}
			if err := s.Recurrence.Validate(s.Frequency); err != nil {
				return nil, err
			}
			next, err := calculator.FirstRun(s.Recurrence, s.Frequency, s.StartDate, now, s.Location())
			if err != nil {
				return nil, err
			}
			s.NextExecutionDate = next
		}
		return &model.AuditEntry{
			ScheduleID: s.ID, FromStatus: s.Status, ToStatus: s.Status, At: now,
			Reason: "updated " + strings.Join(changed, ","),
		}, nil
	})
}

func (m *Manager) transition(ctx context.Context, accountID, id string, to model.Status, reason string, mutate func(*model.Schedule, time.Time) error) (*model.Schedule, error) {
	s, err := m.withRetry(ctx, accountID, id, func(s *model.Schedule, now time.Time) (*model.AuditEntry, error) {
		from := s.Status
		if !canTransition(from, to) {
			return nil, &model.TransitionError{ScheduleID: id, From: from, To: to}
		}
		s.Status = to
		if mutate != nil {
			if err := mutate(s, now); err != nil {
				return nil, err
			}
		}
		return &model.AuditEntry{ScheduleID: id, FromStatus: from, ToStatus: to, At: now, Reason: reason}, nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info().Str("schedule_id", id).Str("status", string(to)).Str("reason", reason).Msg("schedule transition")
	return s, nil
}

// withRetry re-reads the schedule and re-applies fn until the compare-and-swap
// write succeeds, so a change is never applied on top of a stale record.
func (m *Manager) withRetry(ctx context.Context, accountID, id string, fn func(*model.Schedule, time.Time) (*model.AuditEntry, error)) (*model.Schedule, error) {
	for attempt := 1; ; attempt++ {
		s, err := m.store.GetSchedule(ctx, accountID, id)
		if err != nil {
			return nil, err
		}
		now := m.now()
		entry, err := fn(s, now)
		if err != nil {
			return nil, err
		}
		s.UpdatedAt = now
		err = m.store.UpdateSchedule(ctx, s, entry)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, model.ErrConcurrentUpdate) || attempt >= maxCASAttempts {
			return nil, fmt.Errorf("update schedule %s: %w", id, err)
		}
		m.log.Debug().Str("schedule_id", id).Int("attempt", attempt).Msg("concurrent update, retrying")
	}
}
