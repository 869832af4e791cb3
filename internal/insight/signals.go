package insight

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"AutoInvest/internal/model"
)

// ComplianceSignal turns rebalance recommendations into insights.
type ComplianceSignal struct{}

func (ComplianceSignal) Name() string { return "compliance" }

func (ComplianceSignal) Produce(_ context.Context, in *Input) ([]model.Insight, error) {
	if in.Compliance == nil {
		return nil, nil
	}
	out := make([]model.Insight, 0, len(in.Compliance.RecommendedActions))
	for _, a := range in.Compliance.RecommendedActions {
		verb := "overweight"
		if a.ActionType == model.ActionIncrease {
			verb = "underweight"
		}
		out = append(out, model.Insight{
			Category: model.CategoryRebalance,
			Subject:  a.AssetClass,
			Title:    fmt.Sprintf("%s is %s by %.2f pts", a.AssetClass, verb, abs(a.Deviation)),
			Summary:  a.Description,
			Priority: a.Priority,
			Action:   &model.InsightAction{Type: string(a.ActionType), Target: a.AssetClass},
		})
	}
	return out, nil
}

// TaxLossSignal flags holdings whose unrealized loss is at least ThresholdPercent of cost basis.
type TaxLossSignal struct {
	ThresholdPercent float64
}

func (TaxLossSignal) Name() string { return "tax_loss" }

func (s TaxLossSignal) Produce(_ context.Context, in *Input) ([]model.Insight, error) {
	if in.Snapshot == nil || s.ThresholdPercent <= 0 {
		return nil, nil
	}
	var out []model.Insight
	for _, h := range in.Snapshot.Holdings {
		if h.CostBasis <= 0 || h.MarketValue >= h.CostBasis {
			continue
		}
		loss := h.CostBasis - h.MarketValue
		lossPct := loss / h.CostBasis * 100
		if lossPct < s.ThresholdPercent {
			continue
		}
		priority := model.PriorityLow
		if lossPct >= 2*s.ThresholdPercent {
			priority = model.PriorityMedium
		}
		out = append(out, model.Insight{
			Category: model.CategoryTaxLoss,
			Subject:  h.Symbol,
			Title:    fmt.Sprintf("Harvest loss on %s", h.Symbol),
			Summary: fmt.Sprintf("%s is %.1f%% below cost basis (unrealized loss %s)",
				h.Symbol, lossPct, display(loss, in.Currency)),
			Priority: priority,
			Action:   &model.InsightAction{Type: "harvest", Target: h.Symbol},
		})
	}
	return out, nil
}

// LiquiditySignal flags cash below FloorPercent of the portfolio.
type LiquiditySignal struct {
	FloorPercent float64
}

func (LiquiditySignal) Name() string { return "liquidity" }

func (s LiquiditySignal) Produce(_ context.Context, in *Input) ([]model.Insight, error) {
	if in.Snapshot == nil || s.FloorPercent <= 0 {
		return nil, nil
	}
	total := in.Snapshot.TotalValue()
	if total <= 0 {
		return nil, nil
	}
	cashPct := in.Snapshot.CashValue / total * 100
	if cashPct >= s.FloorPercent {
		return nil, nil
	}
	priority := model.PriorityMedium
	if in.Snapshot.CashValue <= 0 {
		priority = model.PriorityHigh
	}
	return []model.Insight{{
		Category: model.CategoryLiquidity,
		Subject:  "cash",
		Title:    "Cash below liquidity floor",
		Summary: fmt.Sprintf("Cash is %s (%.2f%% of portfolio), below the %.2f%% floor",
			display(in.Snapshot.CashValue, in.Currency), cashPct, s.FloorPercent),
		Priority: priority,
		Action:   &model.InsightAction{Type: "add_cash"},
	}}, nil
}

// ScheduleHealthSignal surfaces schedules the dispatcher could not execute.
type ScheduleHealthSignal struct{}

func (ScheduleHealthSignal) Name() string { return "schedule_health" }

func (ScheduleHealthSignal) Produce(_ context.Context, in *Input) ([]model.Insight, error) {
	var out []model.Insight
	for _, s := range in.Schedules {
		switch {
		case s.Status == model.StatusPaused && s.PauseReason == model.PauseExecutionFailed:
			out = append(out, model.Insight{
				Category: model.CategorySchedule,
				Subject:  s.ID,
				Title:    fmt.Sprintf("Auto-invest %q was paused", label(s)),
				Summary:  fmt.Sprintf("Executions kept failing since %s: %s", failedSince(s), s.LastError),
				Priority: model.PriorityHigh,
				Action:   &model.InsightAction{Type: "resume_schedule", Target: s.ID},
			})
		case s.Status == model.StatusActive && s.InBackoff(in.Now):
			out = append(out, model.Insight{
				Category: model.CategorySchedule,
				Subject:  s.ID,
				Title:    fmt.Sprintf("Auto-invest %q is retrying", label(s)),
				Summary:  fmt.Sprintf("Next attempt at %s after %d failure(s): %s", s.RetryAt.UTC().Format("2006-01-02 15:04 MST"), s.FailureCount, s.LastError),
				Priority: model.PriorityMedium,
			})
		}
	}
	return out, nil
}

func label(s *model.Schedule) string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

func failedSince(s *model.Schedule) string {
	if s.FirstFailureAt == nil {
		return "unknown"
	}
	return s.FirstFailureAt.UTC().Format("2006-01-02 15:04 MST")
}

func display(amount float64, currency string) string {
	if currency == "" {
		currency = "USD"
	}
	return model.DisplayAmount(decimal.NewFromFloat(amount), currency)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
