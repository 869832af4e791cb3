package model

import (
	"encoding/json"
	"time"
	_ "time/tzdata" // zone names must resolve on hosts without zoneinfo

	"github.com/shopspring/decimal"
)

// Frequency is how often a schedule invests.
type Frequency string

const (
	FrequencyWeekly    Frequency = "weekly"
	FrequencyBiweekly  Frequency = "biweekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
)

// Valid reports whether f is one of the supported frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly, FrequencyQuarterly:
		return true
	}
	return false
}

// UsesDayOfMonth reports whether the frequency is anchored on a calendar day.
func (f Frequency) UsesDayOfMonth() bool {
	return f == FrequencyMonthly || f == FrequencyQuarterly
}

// Status is the lifecycle state of a schedule.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// AllocationRule decides how an execution is split across asset classes.
type AllocationRule string

const (
	AllocationIPSTarget AllocationRule = "ips_target"
	AllocationCustom    AllocationRule = "custom"
)

func (r AllocationRule) Valid() bool {
	return r == AllocationIPSTarget || r == AllocationCustom
}

// PauseReason records why a schedule is paused.
type PauseReason string

const (
	PauseByUser          PauseReason = "user"
	PauseExecutionFailed PauseReason = "execution_failed"
)

// RecurrenceKind tags which calendar field a Recurrence carries.
type RecurrenceKind string

const (
	RecurrenceDayOfMonth RecurrenceKind = "day_of_month"
	RecurrenceDayOfWeek  RecurrenceKind = "day_of_week"
)

// Recurrence is the calendar rule of a schedule: either a day of the month
// (1-31) or a day of the week (0=Sunday..6), plus a local HH:MM time.
type Recurrence struct {
	Kind RecurrenceKind
	Day  int
	Time string
}

// MonthDay returns a day-of-month rule.
func MonthDay(day int, hhmm string) Recurrence {
	return Recurrence{Kind: RecurrenceDayOfMonth, Day: day, Time: hhmm}
}

// WeekDay returns a day-of-week rule.
func WeekDay(day time.Weekday, hhmm string) Recurrence {
	return Recurrence{Kind: RecurrenceDayOfWeek, Day: int(day), Time: hhmm}
}

type recurrenceWire struct {
	DayOfMonth *int   `json:"day_of_month,omitempty"`
	DayOfWeek  *int   `json:"day_of_week,omitempty"`
	Time       string `json:"time"`
}

func (r Recurrence) MarshalJSON() ([]byte, error) {
	w := recurrenceWire{Time: r.Time}
	day := r.Day
	switch r.Kind {
	case RecurrenceDayOfMonth:
		w.DayOfMonth = &day
	case RecurrenceDayOfWeek:
		w.DayOfWeek = &day
	}
	return json.Marshal(w)
}

func (r *Recurrence) UnmarshalJSON(data []byte) error {
	var w recurrenceWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.DayOfMonth != nil && w.DayOfWeek != nil:
		return Invalid("schedule", "exactly one of day_of_month or day_of_week must be set")
	case w.DayOfMonth != nil:
		*r = Recurrence{Kind: RecurrenceDayOfMonth, Day: *w.DayOfMonth, Time: w.Time}
	case w.DayOfWeek != nil:
		*r = Recurrence{Kind: RecurrenceDayOfWeek, Day: *w.DayOfWeek, Time: w.Time}
	default:
		return Invalid("schedule", "one of day_of_month or day_of_week is required")
	}
	return nil
}

// Schedule is a recurring auto-invest instruction.
type Schedule struct {
	ID              string          `json:"schedule_id"`
	AccountID       string          `json:"account_id"`
	PortfolioID     string          `json:"portfolio_id"`
	FundingSourceID string          `json:"funding_source_id"`
	Name            string          `json:"name"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Frequency       Frequency       `json:"frequency"`
	Recurrence      Recurrence      `json:"schedule"`
	Timezone        string          `json:"timezone"`
	AllocationRule  AllocationRule  `json:"allocation_rule"`

	Status            Status      `json:"status"`
	PauseReason       PauseReason `json:"pause_reason,omitempty"`
	StartDate         time.Time   `json:"start_date"`
	NextExecutionDate time.Time   `json:"next_execution_date"`
	LastExecutionDate *time.Time  `json:"last_execution_date"`

	// Dispatcher retry state; zero when the last attempt succeeded.
	FailureCount   int        `json:"failure_count,omitempty"`
	FirstFailureAt *time.Time `json:"first_failure_at,omitempty"`
	RetryAt        *time.Time `json:"retry_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (s *Schedule) Clone() *Schedule {
	c := *s
	c.LastExecutionDate = cloneTime(s.LastExecutionDate)
	c.FirstFailureAt = cloneTime(s.FirstFailureAt)
	c.RetryAt = cloneTime(s.RetryAt)
	return &c
}

// ClearFailures resets the dispatcher retry state.
func (s *Schedule) ClearFailures() {
	s.FailureCount = 0
	s.FirstFailureAt = nil
	s.RetryAt = nil
	s.LastError = ""
}

// InBackoff reports whether a failed execution is waiting for its retry slot.
func (s *Schedule) InBackoff(now time.Time) bool {
	return s.RetryAt != nil && s.RetryAt.After(now)
}

// Location resolves the schedule timezone, falling back to UTC.
func (s *Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// AuditEntry is an immutable record of a status transition.
type AuditEntry struct {
	ID         int64     `json:"id"`
	ScheduleID string    `json:"schedule_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	At         time.Time `json:"at"`
	Reason     string    `json:"reason,omitempty"`
}

// ScheduleFilter narrows schedule listings. Zero fields match everything.
type ScheduleFilter struct {
	Status      Status
	PortfolioID string
}

// Match reports whether s passes the filter.
func (f ScheduleFilter) Match(s *Schedule) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.PortfolioID != "" && s.PortfolioID != f.PortfolioID {
		return false
	}
	return true
}

// ParseClock parses a 24h "HH:MM" time of day.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, Invalid("schedule.time", "%q is not a HH:MM time", s)
	}
	return t.Hour(), t.Minute(), nil
}

// Validate checks the rule against the frequency it is used with.
func (r Recurrence) Validate(f Frequency) error {
	if !f.Valid() {
		return Invalid("frequency", "%q is not one of weekly, biweekly, monthly, quarterly", f)
	}
	switch r.Kind {
	case RecurrenceDayOfMonth:
		if !f.UsesDayOfMonth() {
			return Invalid("schedule.day_of_week", "%s schedules require day_of_week", f)
		}
		if r.Day < 1 || r.Day > 31 {
			return Invalid("schedule.day_of_month", "%d is outside 1-31", r.Day)
		}
	case RecurrenceDayOfWeek:
		if f.UsesDayOfMonth() {
			return Invalid("schedule.day_of_month", "%s schedules require day_of_month", f)
		}
		if r.Day < 0 || r.Day > 6 {
			return Invalid("schedule.day_of_week", "%d is outside 0-6", r.Day)
		}
	default:
		return Invalid("schedule", "one of day_of_month or day_of_week is required")
	}
	if _, _, err := ParseClock(r.Time); err != nil {
		return err
	}
	return nil
}
