package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"AutoInvest/internal/model"
)

func TestDriftSweep_AlertsOnOutOfBandPortfolio(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	policy := &model.InvestmentPolicy{
		AccountID: "acct-1",
		TargetAllocation: map[string]model.AllocationBand{
			"equities":     {TargetPercent: 60},
			"fixed_income": {TargetPercent: 30},
			"treasury":     {TargetPercent: 5},
			"alternatives": {TargetPercent: 5},
		},
		Constraints: model.PolicyConstraints{RebalancingPolicy: model.RebalancingPolicy{ThresholdPercent: 5}},
		CreatedAt:   f.now,
	}
	if err := f.st.PutPolicy(ctx, policy); err != nil {
		t.Fatal(err)
	}
	f.mock.SetSnapshot("acct-1", "pf-1", &model.PortfolioSnapshot{
		AsOf:           f.now,
		PositionsValue: 100000,
		Allocation: []model.AllocationEntry{
			{AssetClass: "equities", Percent: 68},
			{AssetClass: "fixed_income", Percent: 27},
			{AssetClass: "treasury", Percent: 3},
			{AssetClass: "alternatives", Percent: 2},
		},
	})

	sweeper := NewDriftSweeper(f.st, f.st, f.mock, f.alerts, zerolog.Nop())
	n, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(f.alerts.msgs) != 1 || !strings.Contains(f.alerts.msgs[0], "equities") {
		t.Errorf("expected one equities alert, got %d: %v", n, f.alerts.msgs)
	}
}

func TestHandleCommand(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(context.Background(), f.d, NewDriftSweeper(f.st, f.st, f.mock, f.alerts, zerolog.Nop()), zerolog.Nop())

	if got := s.HandleCommand(context.Background(), "/status"); !strings.Contains(got, "No dispatch") {
		t.Errorf("unexpected status before any tick: %q", got)
	}
	f.now = firstRun.Add(time.Minute)
	if got := s.HandleCommand(context.Background(), "/tick"); !strings.Contains(got, "Executed: 1") {
		t.Errorf("unexpected tick reply: %q", got)
	}
	if s.LastTick().Executed != 1 {
		t.Errorf("last tick not remembered: %+v", s.LastTick())
	}
	if got := s.HandleCommand(context.Background(), "/help"); !strings.Contains(got, "/tick") {
		t.Errorf("unexpected help: %q", got)
	}
	if err := s.RegisterAll("0 * * * * *", "0 0 22 * * *"); err != nil {
		t.Errorf("register: %v", err)
	}
	if err := s.RegisterAll("not a cron", ""); err == nil {
		t.Error("expected invalid cron spec to fail")
	}
}
