package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"AutoInvest/internal/model"
	"AutoInvest/internal/notifier"
)

// Scheduler drives the dispatcher and the drift sweep from cron.
type Scheduler struct {
	Cron       *cron.Cron
	Dispatcher *Dispatcher
	Drift      *DriftSweeper
	Ctx        context.Context

	log  zerolog.Logger
	mu   sync.Mutex
	last model.TickReport
}

// NewScheduler creates a new Scheduler. Overlapping runs of the same job are skipped.
func NewScheduler(ctx context.Context, d *Dispatcher, drift *DriftSweeper, log zerolog.Logger) *Scheduler {
	log = log.With().Str("component", "scheduler").Logger()
	cl := cronLogger{log: log}
	return &Scheduler{
		Cron:       cron.New(cron.WithSeconds(), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		Dispatcher: d,
		Drift:      drift,
		Ctx:        ctx,
		log:        log,
	}
}

// RegisterAll registers the dispatch tick and the drift sweep.
func (s *Scheduler) RegisterAll(tickCron, driftCron string) error {
	if _, err := s.Cron.AddFunc(tickCron, func() { s.RunTickNow() }); err != nil {
		return fmt.Errorf("register tick task: %w", err)
	}
	if driftCron != "" && s.Drift != nil {
		if _, err := s.Cron.AddFunc(driftCron, func() { s.RunDriftNow() }); err != nil {
			return fmt.Errorf("register drift task: %w", err)
		}
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	s.log.Info().Int("jobs", len(s.Cron.Entries())).Msg("scheduler started")
}

// Stop stops the cron scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

// RunTickNow runs one dispatch pass immediately.
func (s *Scheduler) RunTickNow() model.TickReport {
	report, err := s.Dispatcher.Tick(s.Ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("dispatch tick")
	}
	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
	return report
}

// RunDriftNow runs the drift sweep immediately.
func (s *Scheduler) RunDriftNow() int {
	n, err := s.Drift.Sweep(s.Ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("drift sweep")
	}
	return n
}

// LastTick returns the report of the most recent pass.
func (s *Scheduler) LastTick() model.TickReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// HandleCommand processes an operator command and returns a reply.
func (s *Scheduler) HandleCommand(_ context.Context, command string) string {
	switch command {
	case "/tick":
		return notifier.FormatTickReport(s.RunTickNow())
	case "/drift":
		return fmt.Sprintf("⚖️ Drift sweep raised %d alert(s)", s.RunDriftNow())
	case "/status":
		last := s.LastTick()
		if last.StartedAt.IsZero() {
			return "No dispatch has run yet"
		}
		return notifier.FormatTickReport(last)
	default:
		return "Commands:\n• /tick run due schedules now\n• /drift check portfolios against policy\n• /status last dispatch summary"
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
