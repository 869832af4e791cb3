package compliance

import (
	"errors"
	"strings"
	"testing"

	"AutoInvest/internal/model"
)

func pct(v float64) *float64 { return &v }

func balancedPolicy(threshold float64) *model.InvestmentPolicy {
	return &model.InvestmentPolicy{
		AccountID: "acct-1",
		TargetAllocation: map[string]model.AllocationBand{
			"equities":     {TargetPercent: 60},
			"fixed_income": {TargetPercent: 30},
			"treasury":     {TargetPercent: 5},
			"alternatives": {TargetPercent: 5},
		},
		Constraints: model.PolicyConstraints{
			RebalancingPolicy: model.RebalancingPolicy{Frequency: "quarterly", ThresholdPercent: threshold},
		},
	}
}

func snapshot(weights map[string]float64) *model.PortfolioSnapshot {
	s := &model.PortfolioSnapshot{PositionsValue: 100000}
	for class, w := range weights {
		s.Allocation = append(s.Allocation, model.AllocationEntry{AssetClass: class, Value: w * 1000, Percent: w})
	}
	return s
}

func TestComputeDrift_EquitiesOverweight(t *testing.T) {
	res := ComputeDrift(balancedPolicy(5), snapshot(map[string]float64{
		"equities": 68, "fixed_income": 27, "treasury": 3, "alternatives": 2,
	}))

	if !res.NeedsRebalancing {
		t.Fatal("expected needs_rebalancing")
	}
	if res.IsCompliant {
		t.Error("expected non-compliant result")
	}
	if len(res.RecommendedActions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(res.RecommendedActions))
	}
	top := res.RecommendedActions[0]
	if top.AssetClass != "equities" || top.Deviation != 8 || top.ActionType != model.ActionReduce {
		t.Errorf("unexpected top action: %+v", top)
	}
	if top.Priority != model.PriorityMedium {
		t.Errorf("expected medium priority for 8 pts at threshold 5, got %s", top.Priority)
	}
	if len(res.Deviations) != 4 {
		t.Errorf("expected 4 deviations, got %d", len(res.Deviations))
	}
}

func TestComputeDrift_SortsByMagnitudeThenName(t *testing.T) {
	res := ComputeDrift(balancedPolicy(1), snapshot(map[string]float64{
		"equities": 50, "fixed_income": 40, "treasury": 2, "alternatives": 8,
	}))
	var order []string
	for _, a := range res.RecommendedActions {
		order = append(order, a.AssetClass)
	}
	// equities -10, fixed_income +10, alternatives +3, treasury -3
	want := []string{"equities", "fixed_income", "alternatives", "treasury"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("expected order %v, got %v", want, order)
	}
	if res.RecommendedActions[0].Priority != model.PriorityHigh {
		t.Errorf("expected high priority for 10 pts at threshold 1")
	}
	if res.RecommendedActions[0].ActionType != model.ActionIncrease {
		t.Errorf("expected increase for underweight equities")
	}
}

func TestComputeDrift_BandsOverrideThreshold(t *testing.T) {
	p := balancedPolicy(1)
	p.TargetAllocation["equities"] = model.AllocationBand{TargetPercent: 60, MinPercent: pct(50), MaxPercent: pct(70)}
	res := ComputeDrift(p, snapshot(map[string]float64{
		"equities": 66, "fixed_income": 30, "treasury": 5, "alternatives": 5,
	}))
	// +6 breaks the 1 pt threshold but equities carries its own 50-70 band.
	for _, d := range res.Deviations {
		if d.AssetClass == "equities" && !d.WithinBands {
			t.Errorf("equities at 66 should be within 50-70: %+v", d)
		}
	}
	if res.NeedsRebalancing {
		t.Errorf("unexpected rebalance: %+v", res.RecommendedActions)
	}
}

func TestComputeDrift_ThresholdUsesUnroundedWeight(t *testing.T) {
	res := ComputeDrift(balancedPolicy(5), snapshot(map[string]float64{
		"equities": 65.004, "fixed_income": 24.996, "treasury": 5, "alternatives": 5,
	}))
	var eq model.Deviation
	for _, d := range res.Deviations {
		if d.AssetClass == "equities" {
			eq = d
		}
	}
	if eq.WithinBands {
		t.Errorf("65.004 against 60 +/- 5 should be out of band: %+v", eq)
	}
	if eq.Deviation != 5 || eq.CurrentPercent != 65 {
		t.Errorf("expected reported fields rounded to 5 and 65, got %+v", eq)
	}
	if !res.NeedsRebalancing {
		t.Error("expected needs_rebalancing")
	}
}

func TestComputeDrift_SingleBoundAppliesWithThreshold(t *testing.T) {
	tests := []struct {
		name    string
		band    model.AllocationBand
		current float64
		within  bool
	}{
		{"max only, under cap", model.AllocationBand{TargetPercent: 60, MaxPercent: pct(70)}, 68, true},
		{"max only, over cap", model.AllocationBand{TargetPercent: 60, MaxPercent: pct(70)}, 71, false},
		{"max only, threshold below", model.AllocationBand{TargetPercent: 60, MaxPercent: pct(70)}, 54, false},
		{"min only, above floor", model.AllocationBand{TargetPercent: 60, MinPercent: pct(50)}, 52, true},
		{"min only, under floor", model.AllocationBand{TargetPercent: 60, MinPercent: pct(50)}, 49, false},
		{"min only, threshold above", model.AllocationBand{TargetPercent: 60, MinPercent: pct(50)}, 66, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := balancedPolicy(5)
			p.TargetAllocation["equities"] = tt.band
			res := ComputeDrift(p, snapshot(map[string]float64{
				"equities": tt.current, "fixed_income": 30, "treasury": 5, "alternatives": 5,
			}))
			for _, d := range res.Deviations {
				if d.AssetClass == "equities" && d.WithinBands != tt.within {
					t.Errorf("equities at %.0f: expected within=%v, got %+v", tt.current, tt.within, d)
				}
			}
		})
	}
}

func TestComputeDrift_MissingAndUnclassified(t *testing.T) {
	res := ComputeDrift(balancedPolicy(5), snapshot(map[string]float64{
		"Equities": 60, "Fixed Income": 30, "crypto": 10,
	}))
	if res.UnclassifiedPercent != 10 {
		t.Errorf("expected 10%% unclassified, got %.2f", res.UnclassifiedPercent)
	}
	for _, d := range res.Deviations {
		switch d.AssetClass {
		case "treasury", "alternatives":
			if d.CurrentPercent != 0 || d.Deviation != -5 {
				t.Errorf("missing class should read as 0%%: %+v", d)
			}
		case "fixed_income":
			if d.CurrentPercent != 30 {
				t.Errorf("normalized key not matched: %+v", d)
			}
		}
	}
	if res.NeedsRebalancing {
		t.Error("-5 at threshold 5 is within tolerance")
	}
}

func TestComputeDrift_DerivesPercentFromValue(t *testing.T) {
	s := &model.PortfolioSnapshot{
		PositionsValue: 90000,
		CashValue:      10000,
		Allocation: []model.AllocationEntry{
			{AssetClass: "equities", Value: 60000},
			{AssetClass: "fixed_income", Value: 30000},
		},
	}
	res := ComputeDrift(balancedPolicy(5), s)
	for _, d := range res.Deviations {
		if d.AssetClass == "equities" && d.CurrentPercent != 60 {
			t.Errorf("expected derived 60%%, got %.2f", d.CurrentPercent)
		}
	}
}

func TestComputeDrift_TaxAwareWording(t *testing.T) {
	p := balancedPolicy(5)
	p.Constraints.RebalancingPolicy.TaxAware = true
	res := ComputeDrift(p, snapshot(map[string]float64{
		"equities": 68, "fixed_income": 27, "treasury": 3, "alternatives": 2,
	}))
	if !strings.Contains(res.RecommendedActions[0].Description, "lots") {
		t.Errorf("expected tax-lot guidance, got %q", res.RecommendedActions[0].Description)
	}
}

func TestValidatePolicy(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(p *model.InvestmentPolicy)
		valid bool
		field string
	}{
		{"balanced", func(p *model.InvestmentPolicy) {}, true, ""},
		{"within epsilon", func(p *model.InvestmentPolicy) {
			p.TargetAllocation["treasury"] = model.AllocationBand{TargetPercent: 5.005}
		}, true, ""},
		{"sum off", func(p *model.InvestmentPolicy) {
			p.TargetAllocation["treasury"] = model.AllocationBand{TargetPercent: 6}
		}, false, "target_allocation"},
		{"min above target", func(p *model.InvestmentPolicy) {
			p.TargetAllocation["equities"] = model.AllocationBand{TargetPercent: 60, MinPercent: pct(61)}
		}, false, "target_allocation.equities.min_percent"},
		{"max below target", func(p *model.InvestmentPolicy) {
			p.TargetAllocation["equities"] = model.AllocationBand{TargetPercent: 60, MaxPercent: pct(55)}
		}, false, "target_allocation.equities.max_percent"},
		{"negative threshold", func(p *model.InvestmentPolicy) {
			p.Constraints.RebalancingPolicy.ThresholdPercent = -1
		}, false, "constraints.rebalancing_policy.threshold_percent"},
		{"empty", func(p *model.InvestmentPolicy) {
			p.TargetAllocation = nil
		}, false, "target_allocation"},
	}
	for _, tt := range tests {
		p := balancedPolicy(5)
		tt.edit(p)
		v := ValidatePolicy(p)
		if v.Valid != tt.valid {
			t.Errorf("%s: expected valid=%v, got %v (%+v)", tt.name, tt.valid, v.Valid, v.Errors)
			continue
		}
		if !tt.valid && v.Errors[0].Field != tt.field {
			t.Errorf("%s: expected field %q, got %q", tt.name, tt.field, v.Errors[0].Field)
		}
	}
}

func TestCheckWrite(t *testing.T) {
	if err := CheckWrite(balancedPolicy(5)); err != nil {
		t.Fatalf("expected valid policy, got %v", err)
	}

	drifted := balancedPolicy(5)
	drifted.TargetAllocation["equities"] = model.AllocationBand{TargetPercent: 61}
	if err := CheckWrite(drifted); !errors.Is(err, model.ErrConsistency) {
		t.Errorf("expected consistency error, got %v", err)
	}

	bounded := balancedPolicy(5)
	bounded.TargetAllocation["equities"] = model.AllocationBand{TargetPercent: 60, MaxPercent: pct(50)}
	if err := CheckWrite(bounded); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
