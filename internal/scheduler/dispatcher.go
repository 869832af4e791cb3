package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"AutoInvest/internal/broker"
	"AutoInvest/internal/calculator"
	"AutoInvest/internal/model"
	"AutoInvest/internal/notifier"
	"AutoInvest/internal/store"
)

// tokenNamespace scopes execution idempotency tokens.
var tokenNamespace = uuid.MustParse("9d4e2b7a-31c6-4f0e-8b52-6a1d0c3e5f84")

const maxCASAttempts = 5

// Token derives the idempotency key for one scheduled run.
func Token(scheduleID string, scheduledFor time.Time) string {
	return uuid.NewSHA1(tokenNamespace, []byte(scheduleID+"|"+scheduledFor.UTC().Format(time.RFC3339))).String()
}

// DefaultBackoff is the retry ladder after a failed execution; the last step repeats.
var DefaultBackoff = []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute, 24 * time.Hour}

// DispatchStore is the persistence the dispatcher needs.
type DispatchStore interface {
	store.ScheduleStore
	store.ExecutionLog
}

// Suspender pauses a schedule whose retry window ran out.
type Suspender interface {
	Suspend(ctx context.Context, accountID, id, reason string) (*model.Schedule, error)
}

// DispatchOptions tunes a Dispatcher. Zero fields fall back to defaults.
type DispatchOptions struct {
	Concurrency   int
	RatePerSecond float64
	Burst         int
	Backoff       []time.Duration
	RetryWindow   time.Duration
	Now           func() time.Time
}

// Dispatcher executes due schedules once per scheduled run.
type Dispatcher struct {
	store     DispatchStore
	executor  broker.Executor
	suspender Suspender
	alerter   notifier.Alerter
	limiter   *rate.Limiter
	locks     *keyedLock
	opts      DispatchOptions
	log       zerolog.Logger
}

// NewDispatcher wires a dispatcher. alerter may be nil.
func NewDispatcher(st DispatchStore, exec broker.Executor, sus Suspender, alerter notifier.Alerter, opts DispatchOptions, log zerolog.Logger) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.RetryWindow <= 0 {
		opts.RetryWindow = 72 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if alerter == nil {
		alerter = notifier.Noop{}
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Dispatcher{
		store:     st,
		executor:  exec,
		suspender: sus,
		alerter:   alerter,
		limiter:   rate.NewLimiter(limit, opts.Burst),
		locks:     newKeyedLock(),
		opts:      opts,
		log:       log.With().Str("component", "dispatcher").Str("executor", exec.Name()).Logger(),
	}
}

type outcome int

const (
	skipped outcome = iota
	executed
	failed
	suspended
)

// Tick executes every schedule due at the current time.
func (d *Dispatcher) Tick(ctx context.Context) (model.TickReport, error) {
	now := d.opts.Now()
	report := model.TickReport{StartedAt: now}

	due, err := d.store.DueSchedules(ctx, now)
	if err != nil {
		return report, fmt.Errorf("query due schedules: %w", err)
	}
	report.Due = len(due)
	if len(due) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)
	for _, s := range due {
		s := s
		g.Go(func() error {
			res := d.execute(gctx, s.AccountID, s.ID, now)
			mu.Lock()
			defer mu.Unlock()
			switch res {
			case executed:
				report.Executed++
			case failed:
				report.Failed++
			case suspended:
				report.Suspended++
			default:
				report.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	d.log.Info().Int("due", report.Due).Int("executed", report.Executed).Int("failed", report.Failed).
		Int("skipped", report.Skipped).Int("suspended", report.Suspended).Msg("tick complete")
	return report, nil
}

func (d *Dispatcher) execute(ctx context.Context, accountID, id string, now time.Time) outcome {
	if !d.locks.TryLock(id) {
		d.log.Debug().Str("schedule_id", id).Msg("execution already in flight")
		return skipped
	}
	defer d.locks.Unlock(id)

	// Re-read: the schedule may have been paused or advanced since the due query.
	s, err := d.store.GetSchedule(ctx, accountID, id)
	if err != nil {
		d.log.Error().Err(err).Str("schedule_id", id).Msg("re-read schedule")
		return skipped
	}
	if s.Status != model.StatusActive || s.NextExecutionDate.After(now) || s.InBackoff(now) {
		return skipped
	}

	scheduledFor := s.NextExecutionDate
	token := Token(s.ID, scheduledFor)
	log := d.log.With().Str("schedule_id", s.ID).Str("token", token).Time("scheduled_for", scheduledFor).Logger()

	if rec, err := d.store.GetExecution(ctx, token); err == nil && rec.Status == model.ExecutionSucceeded {
		log.Info().Str("order_id", rec.OrderID).Msg("run already executed, advancing")
		if err := d.advance(ctx, s, scheduledFor, now); err != nil {
			log.Error().Err(err).Msg("advance schedule")
		}
		return executed
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return skipped
	}

	receipt, investErr := d.executor.Invest(ctx, model.ExecutionRequest{
		Token:           token,
		ScheduleID:      s.ID,
		AccountID:       s.AccountID,
		PortfolioID:     s.PortfolioID,
		FundingSourceID: s.FundingSourceID,
		Amount:          s.Amount,
		Currency:        s.Currency,
		AllocationRule:  s.AllocationRule,
		ScheduledFor:    scheduledFor,
	})

	rec := &model.ExecutionRecord{
		Token:        token,
		ScheduleID:   s.ID,
		AccountID:    s.AccountID,
		ScheduledFor: scheduledFor,
		AttemptedAt:  now,
		Status:       model.ExecutionSucceeded,
		OrderID:      receipt.OrderID,
	}
	if investErr != nil {
		rec.Status = model.ExecutionFailed
		rec.Error = investErr.Error()
	}
	if err := d.store.RecordExecution(ctx, rec); err != nil {
		log.Error().Err(err).Msg("record execution")
	}

	if investErr == nil {
		log.Info().Str("order_id", receipt.OrderID).Int("attempt", rec.Attempts).Msg("schedule executed")
		if err := d.advance(ctx, s, scheduledFor, now); err != nil {
			log.Error().Err(err).Msg("advance schedule")
		}
		return executed
	}

	log.Warn().Err(investErr).Bool("transient", errors.Is(investErr, model.ErrDownstreamUnavailable)).
		Int("attempt", rec.Attempts).Msg("execution failed")
	return d.recordFailure(ctx, s, scheduledFor, investErr, now, log)
}

// advance moves the schedule past the executed run. Missed periods are not
// back-filled: if the next occurrence is already past, the first future one is used.
func (d *Dispatcher) advance(ctx context.Context, s *model.Schedule, executedAt, now time.Time) error {
	return d.update(ctx, s.AccountID, s.ID, executedAt, func(s *model.Schedule) (bool, error) {
		next, err := calculator.NextRun(s.Recurrence, s.Frequency, s.StartDate, executedAt, s.Location())
		if err != nil {
			return false, err
		}
		if !next.After(now) {
			if next, err = calculator.NextRun(s.Recurrence, s.Frequency, s.StartDate, now, s.Location()); err != nil {
				return false, err
			}
		}
		last := executedAt
		s.LastExecutionDate = &last
		s.NextExecutionDate = next
		s.ClearFailures()
		s.UpdatedAt = now
		return true, nil
	})
}

func (d *Dispatcher) recordFailure(ctx context.Context, s *model.Schedule, scheduledFor time.Time, cause error, now time.Time, log zerolog.Logger) outcome {
	exhausted := false
	err := d.update(ctx, s.AccountID, s.ID, scheduledFor, func(s *model.Schedule) (bool, error) {
		if s.Status != model.StatusActive {
			return false, nil
		}
		if s.FirstFailureAt == nil {
			first := now
			s.FirstFailureAt = &first
		}
		s.FailureCount++
		s.LastError = cause.Error()
		s.UpdatedAt = now
		exhausted = now.Sub(*s.FirstFailureAt) >= d.opts.RetryWindow
		if exhausted {
			s.RetryAt = nil
			return true, nil
		}
		retry := now.Add(d.backoff(s.FailureCount))
		s.RetryAt = &retry
		return true, nil
	})
	if err != nil {
		log.Error().Err(err).Msg("record failure state")
		return failed
	}
	if !exhausted {
		return failed
	}

	paused, err := d.suspender.Suspend(ctx, s.AccountID, s.ID, "retry window exhausted: "+cause.Error())
	if err != nil {
		log.Error().Err(err).Msg("suspend schedule")
		return failed
	}
	log.Error().Int("failures", paused.FailureCount).Msg("retry window exhausted, schedule paused")
	if err := d.alerter.Alert(ctx, notifier.FormatSuspendedAlert(paused)); err != nil {
		log.Error().Err(err).Msg("send suspension alert")
	}
	return suspended
}

// backoff returns the wait after the n-th consecutive failure.
func (d *Dispatcher) backoff(n int) time.Duration {
	steps := d.opts.Backoff
	if n < 1 {
		n = 1
	}
	if n > len(steps) {
		return steps[len(steps)-1]
	}
	return steps[n-1]
}

// update re-reads the schedule and applies fn under compare-and-swap. It gives
// up quietly when the schedule no longer sits on the run being handled.
func (d *Dispatcher) update(ctx context.Context, accountID, id string, scheduledFor time.Time, fn func(*model.Schedule) (bool, error)) error {
	for attempt := 1; ; attempt++ {
		s, err := d.store.GetSchedule(ctx, accountID, id)
		if err != nil {
			return err
		}
		if !s.NextExecutionDate.Equal(scheduledFor) || s.Status.Terminal() {
			return nil
		}
		apply, err := fn(s)
		if err != nil || !apply {
			return err
		}
		err = d.store.UpdateSchedule(ctx, s, nil)
		if err == nil {
			return nil
		}
		if !errors.Is(err, model.ErrConcurrentUpdate) || attempt >= maxCASAttempts {
			return fmt.Errorf("update schedule %s: %w", id, err)
		}
	}
}

// keyedLock is a set of non-blocking per-key locks.
type keyedLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{held: make(map[string]struct{})}
}

func (k *keyedLock) TryLock(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.held[key]; ok {
		return false
	}
	k.held[key] = struct{}{}
	return true
}

func (k *keyedLock) Unlock(key string) {
	k.mu.Lock()
	delete(k.held, key)
	k.mu.Unlock()
}
