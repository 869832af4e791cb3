package schedule

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"AutoInvest/internal/model"
	"AutoInvest/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestManager(t *testing.T, now time.Time) (*Manager, *store.MemoryStore, *clock) {
	t.Helper()
	st := store.NewMemoryStore()
	c := &clock{t: now}
	n := 0
	m := NewManager(st, Options{
		DefaultTimezone: "America/New_York",
		Now:             c.now,
		NewID: func() string {
			n++
			return fmt.Sprintf("sched-%d", n)
		},
	}, zerolog.Nop())
	return m, st, c
}

func ny(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

func monthlyRequest() CreateRequest {
	rule := model.MonthDay(31, "09:30")
	return CreateRequest{
		AccountID:       "acct-1",
		PortfolioID:     "pf-1",
		FundingSourceID: "bank-1",
		Name:            "Retirement",
		Amount:          decimal.RequireFromString("500"),
		Currency:        "usd",
		Frequency:       model.FrequencyMonthly,
		Recurrence:      &rule,
		StartDate:       "2026-01-31",
	}
}

func TestCreate_ComputesFirstRunFromStartDate(t *testing.T) {
	loc := ny(t)
	m, st, _ := newTestManager(t, time.Date(2026, 1, 10, 12, 0, 0, 0, loc))

	s, err := m.Create(context.Background(), monthlyRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if want := time.Date(2026, 1, 31, 9, 30, 0, 0, loc); !s.NextExecutionDate.Equal(want) {
		t.Errorf("expected next run %s, got %s", want, s.NextExecutionDate)
	}
	if s.Status != model.StatusActive || s.Currency != "USD" || s.AllocationRule != model.AllocationIPSTarget {
		t.Errorf("unexpected schedule: %+v", s)
	}
	if s.NextExecutionDate.Before(s.StartDate) {
		t.Error("next run precedes start date")
	}

	trail, _ := st.AuditTrail(context.Background(), s.ID)
	if len(trail) != 1 || trail[0].ToStatus != model.StatusActive {
		t.Errorf("expected creation audit entry, got %+v", trail)
	}
}

func TestCreate_Validation(t *testing.T) {
	loc := ny(t)
	m, _, _ := newTestManager(t, time.Date(2026, 1, 10, 12, 0, 0, 0, loc))

	weekly := model.WeekDay(time.Monday, "09:30")
	badDOM := model.MonthDay(32, "09:30")
	badDOW := model.Recurrence{Kind: model.RecurrenceDayOfWeek, Day: 7, Time: "09:30"}
	badTime := model.MonthDay(1, "25:00")

	tests := []struct {
		name  string
		edit  func(r *CreateRequest)
		field string
	}{
		{"zero amount", func(r *CreateRequest) { r.Amount = decimal.Zero }, "amount"},
		{"negative amount", func(r *CreateRequest) { r.Amount = decimal.NewFromInt(-5) }, "amount"},
		{"sub-cent amount", func(r *CreateRequest) { r.Amount = decimal.RequireFromString("10.001") }, "amount"},
		{"unknown currency", func(r *CreateRequest) { r.Currency = "XYZ" }, "currency"},
		{"frequency mismatch", func(r *CreateRequest) { r.Recurrence = &weekly }, "schedule.day_of_month"},
		{"weekly with day of month", func(r *CreateRequest) { r.Frequency = model.FrequencyWeekly }, "schedule.day_of_week"},
		{"day of month out of range", func(r *CreateRequest) { r.Recurrence = &badDOM }, "schedule.day_of_month"},
		{"day of week out of range", func(r *CreateRequest) {
			r.Frequency = model.FrequencyWeekly
			r.Recurrence = &badDOW
		}, "schedule.day_of_week"},
		{"bad time", func(r *CreateRequest) { r.Recurrence = &badTime }, "schedule.time"},
		{"missing recurrence", func(r *CreateRequest) { r.Recurrence = nil }, "schedule"},
		{"unknown frequency", func(r *CreateRequest) { r.Frequency = "daily" }, "frequency"},
		{"start in the past", func(r *CreateRequest) { r.StartDate = "2026-01-09" }, "start_date"},
		{"malformed start", func(r *CreateRequest) { r.StartDate = "01/31/2026" }, "start_date"},
		{"missing funding source", func(r *CreateRequest) { r.FundingSourceID = "" }, "funding_source_id"},
		{"missing portfolio", func(r *CreateRequest) { r.PortfolioID = " " }, "portfolio_id"},
		{"unknown timezone", func(r *CreateRequest) { r.Timezone = "Mars/Olympus" }, "timezone"},
		{"bad allocation rule", func(r *CreateRequest) { r.AllocationRule = "yolo" }, "allocation_rule"},
	}
	for _, tt := range tests {
		req := monthlyRequest()
		tt.edit(&req)
		_, err := m.Create(context.Background(), req)
		var verr *model.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: expected validation error, got %v", tt.name, err)
			continue
		}
		if verr.Field != tt.field {
			t.Errorf("%s: expected field %q, got %q", tt.name, tt.field, verr.Field)
		}
	}
}

func TestCreate_StartTodayIsAllowed(t *testing.T) {
	loc := ny(t)
	m, _, _ := newTestManager(t, time.Date(2026, 1, 31, 23, 0, 0, 0, loc))
	s, err := m.Create(context.Background(), monthlyRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if want := time.Date(2026, 2, 28, 9, 30, 0, 0, loc); !s.NextExecutionDate.Equal(want) {
		t.Errorf("expected %s, got %s", want, s.NextExecutionDate)
	}
}

func TestPauseResume_NoBackfill(t *testing.T) {
	loc := ny(t)
	ctx := context.Background()
	m, _, c := newTestManager(t, time.Date(2026, 1, 10, 12, 0, 0, 0, loc))

	s, err := m.Create(ctx, monthlyRequest())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Pause(ctx, "acct-1", s.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := m.Pause(ctx, "acct-1", s.ID); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("expected invalid transition on double pause, got %v", err)
	}

	c.t = time.Date(2026, 3, 5, 8, 0, 0, 0, loc)
	resumed, err := m.Resume(ctx, "acct-1", s.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed.NextExecutionDate.After(c.t) {
		t.Fatalf("resume produced a backdated run: %s", resumed.NextExecutionDate)
	}
	if want := time.Date(2026, 3, 31, 9, 30, 0, 0, loc); !resumed.NextExecutionDate.Equal(want) {
		t.Errorf("expected %s, got %s", want, resumed.NextExecutionDate)
	}
	if resumed.PauseReason != "" {
		t.Errorf("pause reason not cleared: %q", resumed.PauseReason)
	}
}

func TestResume_KeepsFutureDate(t *testing.T) {
	loc := ny(t)
	ctx := context.Background()
	m, _, c := newTestManager(t, time.Date(2026, 1, 10, 12, 0, 0, 0, loc))
	s, _ := m.Create(ctx, monthlyRequest())
	m.Pause(ctx, "acct-1", s.ID)
	c.t = c.t.Add(24 * time.Hour)
	resumed, err := m.Resume(ctx, "acct-1", s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !resumed.NextExecutionDate.Equal(s.NextExecutionDate) {
		t.Errorf("future date changed on resume: %s -> %s", s.NextExecutionDate, resumed.NextExecutionDate)
	}
}

func TestCancel_IsTerminal(t *testing.T) {
	loc := ny(t)
	ctx := context.Background()
	m, st, _ := newTestManager(t, time.Date(2026, 1, 10, 12, 0, 0, 0, loc))
	s, _ := m.Create(ctx, monthlyRequest())

	if _, err := m.Cancel(ctx, "acct-1", s.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	name := "renamed"
	ops := map[string]func() error{
		"resume": func() error { _, err := m.Resume(ctx, "acct-1", s.ID); return err },
		"pause":  func() error { _, err := m.Pause(ctx, "acct-1", s.ID); return err },
		"cancel": func() error { _, err := m.Cancel(ctx, "acct-1", s.ID); return err },
		"update": func() error { _, err := m.Update(ctx, "acct-1", s.ID, UpdateRequest{Name: &name}); return err },
	}
	for op, fn := range ops {
		if err := fn(); !errors.Is(err, model.ErrInvalidTransition) {
			t.Errorf("%s after cancel: expected invalid transition, got %v", op, err)
		}
	}

	trail, _ := st.AuditTrail(ctx, s.ID)
	if last := trail[len(trail)-1]; last.FromStatus != model.StatusActive || last.ToStatus != model.StatusCancelled {
		t.Errorf("unexpected last audit entry: %+v", last)
	}
}

func TestMarkCompleted(t *testing.T) {
	loc := ny(t)
	ctx := context.Background()
	m, _, _ := newTestManager(t, time.Date(2026, 1, 10, 12, 0, 0, 0, loc))
	s, _ := m.Create(ctx, monthlyRequest())
	done, err := m.MarkCompleted(ctx, "acct-1", s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != model.StatusCompleted {
		t.Errorf("expected completed, got %s", done.Status)
	}
	if _, err := m.Resume(ctx, "acct-1", s.ID); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("expected invalid transition, got %v", err)
	}
}

func TestUpdate_OnlyRecurrenceChangesReschedule(t *testing.T) {
	loc := ny(t)
	ctx := context.Background()
	m, _, _ := newTestManager(t, time.Date(2026, 1, 10, 12, 0, 0, 0, loc))
	s, _ := m.Create(ctx, monthlyRequest())

	amount := decimal.RequireFromString("750")
	custom := model.AllocationCustom
	updated, err := m.Update(ctx, "acct-1", s.ID, UpdateRequest{Amount: &amount, AllocationRule: &custom})
	if err != nil {
		t.Fatalf("update amount: %v", err)
	}
	if !updated.NextExecutionDate.Equal(s.NextExecutionDate) {
		t.Errorf("amount change moved next run to %s", updated.NextExecutionDate)
	}
	if !updated.Amount.Equal(amount) || updated.AllocationRule != custom {
		t.Errorf("fields not applied: %+v", updated)
	}

	weekly := model.FrequencyWeekly
	friday := model.WeekDay(time.Friday, "16:00")
	updated, err = m.Update(ctx, "acct-1", s.ID, UpdateRequest{Frequency: &weekly, Recurrence: &friday})
	if err != nil {
		t.Fatalf("update recurrence: %v", err)
	}
	// Start date Jan 31 is a Saturday; the first Friday on or after it is Feb 6.
	if want := time.Date(2026, 2, 6, 16, 0, 0, 0, loc); !updated.NextExecutionDate.Equal(want) {
		t.Errorf("expected %s, got %s", want, updated.NextExecutionDate)
	}

	if _, err := m.Update(ctx, "acct-1", s.ID, UpdateRequest{Frequency: &weekly}); err != nil {
		t.Errorf("frequency already weekly should validate against stored rule: %v", err)
	}
	monthly := model.FrequencyMonthly
	var verr *model.ValidationError
	if _, err := m.Update(ctx, "acct-1", s.ID, UpdateRequest{Frequency: &monthly}); !errors.As(err, &verr) {
		t.Errorf("expected validation error for monthly with day_of_week, got %v", err)
	}
	if _, err := m.Update(ctx, "acct-1", s.ID, UpdateRequest{}); !errors.As(err, &verr) {
		t.Errorf("expected validation error for empty update, got %v", err)
	}
}

func TestUpdate_TimezoneKeepsStartCalendarDate(t *testing.T) {
	loc := ny(t)
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	m, _, _ := newTestManager(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	req := monthlyRequest()
	monday := model.WeekDay(time.Monday, "09:00")
	req.Frequency = model.FrequencyWeekly
	req.Recurrence = &monday
	req.Timezone = "Asia/Tokyo"
	req.StartDate = "2026-03-10"
	s, err := m.Create(ctx, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if want := time.Date(2026, 3, 16, 9, 0, 0, 0, tokyo); !s.NextExecutionDate.Equal(want) {
		t.Fatalf("expected first run %s, got %s", want, s.NextExecutionDate)
	}

	zone := "America/New_York"
	updated, err := m.Update(ctx, "acct-1", s.ID, UpdateRequest{Timezone: &zone})
	if err != nil {
		t.Fatalf("update timezone: %v", err)
	}
	if want := time.Date(2026, 3, 10, 0, 0, 0, 0, loc); !updated.StartDate.Equal(want) {
		t.Errorf("expected start date %s, got %s", want, updated.StartDate)
	}
	if want := time.Date(2026, 3, 16, 9, 0, 0, 0, loc); !updated.NextExecutionDate.Equal(want) {
		t.Errorf("expected next run %s, got %s", want, updated.NextExecutionDate)
	}
	if updated.NextExecutionDate.Before(updated.StartDate) {
		t.Errorf("next run %s precedes start date %s", updated.NextExecutionDate, updated.StartDate)
	}
}

func TestGet_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t, time.Now())
	if _, err := m.Get(context.Background(), "acct-1", "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := m.Pause(context.Background(), "acct-1", "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected not found on pause, got %v", err)
	}
}

// racyStore loses the first compare-and-swap to simulate a concurrent writer.
type racyStore struct {
	*store.MemoryStore
	lost int
}

func (r *racyStore) UpdateSchedule(ctx context.Context, s *model.Schedule, e *model.AuditEntry) error {
	if r.lost == 0 {
		r.lost++
		return model.ErrConcurrentUpdate
	}
	return r.MemoryStore.UpdateSchedule(ctx, s, e)
}

func TestTransition_RetriesLostRace(t *testing.T) {
	loc := ny(t)
	ctx := context.Background()
	rs := &racyStore{MemoryStore: store.NewMemoryStore()}
	m := NewManager(rs, Options{Now: func() time.Time { return time.Date(2026, 1, 10, 12, 0, 0, 0, loc) }}, zerolog.Nop())
	req := monthlyRequest()
	req.Timezone = "America/New_York"
	s, err := m.Create(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	paused, err := m.Pause(ctx, "acct-1", s.ID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.Status != model.StatusPaused || rs.lost != 1 {
		t.Errorf("expected pause after one retry, status=%s lost=%d", paused.Status, rs.lost)
	}
}
