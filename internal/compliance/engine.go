package compliance

import (
	"fmt"
	"math"
	"sort"

	"AutoInvest/internal/model"
)

// SumEpsilon is the tolerance on the 100% target sum.
const SumEpsilon = 0.01

// priorityFor maps the deviation magnitude of an out-of-band class to a priority.
func priorityFor(absDeviation, threshold float64) model.Priority {
	if absDeviation > 2*threshold {
		return model.PriorityHigh
	}
	return model.PriorityMedium
}

// ValidatePolicy checks an IPS target allocation for internal consistency.
func ValidatePolicy(p *model.InvestmentPolicy) model.PolicyValidation {
	var issues []model.PolicyIssue
	add := func(field, format string, args ...any) {
		issues = append(issues, model.PolicyIssue{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if p == nil || len(p.TargetAllocation) == 0 {
		add("target_allocation", "at least one asset class is required")
		return model.PolicyValidation{Valid: false, Errors: issues}
	}

	var sum float64
	for _, class := range p.AssetClasses() {
		band := p.TargetAllocation[class]
		field := "target_allocation." + class
		sum += band.TargetPercent

		if band.TargetPercent < 0 || band.TargetPercent > 100 {
			add(field+".target_percent", "%.2f is outside 0-100", band.TargetPercent)
		}
		if band.MinPercent != nil && *band.MinPercent > band.TargetPercent {
			add(field+".min_percent", "min %.2f exceeds target %.2f", *band.MinPercent, band.TargetPercent)
		}
		if band.MaxPercent != nil && *band.MaxPercent < band.TargetPercent {
			add(field+".max_percent", "max %.2f is below target %.2f", *band.MaxPercent, band.TargetPercent)
		}
	}
	if math.Abs(sum-100) > SumEpsilon {
		add("target_allocation", "target percentages sum to %.2f, expected 100", sum)
	}
	if p.Constraints.RebalancingPolicy.ThresholdPercent < 0 {
		add("constraints.rebalancing_policy.threshold_percent", "must not be negative")
	}

	return model.PolicyValidation{Valid: len(issues) == 0, Errors: issues}
}

// CheckWrite rejects a policy that may not be persisted. A target sum that
// misses 100% is a consistency error; everything else is a validation error.
func CheckWrite(p *model.InvestmentPolicy) error {
	v := ValidatePolicy(p)
	if v.Valid {
		return nil
	}
	for _, issue := range v.Errors {
		if issue.Field == "target_allocation" && len(p.TargetAllocation) > 0 {
			return fmt.Errorf("%w: %s", model.ErrConsistency, issue.Message)
		}
	}
	first := v.Errors[0]
	return &model.ValidationError{Field: first.Field, Reason: first.Message}
}

// currentWeights aggregates the snapshot per normalized asset class. Entries
// without a percent are derived from value over the portfolio total.
func currentWeights(s *model.PortfolioSnapshot) map[string]float64 {
	out := make(map[string]float64)
	if s == nil {
		return out
	}
	total := s.TotalValue()
	for _, e := range s.Allocation {
		pct := e.Percent
		if pct == 0 && e.Value > 0 && total > 0 {
			pct = e.Value / total * 100
		}
		out[model.NormalizeAssetClass(e.AssetClass)] += pct
	}
	return out
}

// ComputeDrift measures a live portfolio against the policy's targets.
func ComputeDrift(p *model.InvestmentPolicy, s *model.PortfolioSnapshot) *model.ComplianceResult {
	validation := ValidatePolicy(p)
	result := &model.ComplianceResult{
		Deviations:         []model.Deviation{},
		RecommendedActions: []model.RecommendedAction{},
		PolicyErrors:       validation.Errors,
	}
	if p == nil {
		return result
	}

	weights := currentWeights(s)
	rp := p.Constraints.RebalancingPolicy
	threshold := rp.ThresholdPercent

	allWithin := true
	for _, class := range p.AssetClasses() {
		band := p.TargetAllocation[class]
		current := weights[class]
		// Band checks use raw weights; rounding is for reporting only.
		within := band.Contains(current, threshold)
		dev := round2(current - band.TargetPercent)
		result.Deviations = append(result.Deviations, model.Deviation{
			AssetClass:     class,
			TargetPercent:  band.TargetPercent,
			CurrentPercent: round2(current),
			Deviation:      dev,
			WithinBands:    within,
		})
		if within {
			continue
		}
		allWithin = false
		result.RecommendedActions = append(result.RecommendedActions, recommend(class, band, current, dev, rp))
	}

	var unclassified float64
	for class, w := range weights {
		if _, ok := p.TargetAllocation[class]; !ok {
			unclassified += w
		}
	}
	result.UnclassifiedPercent = round2(unclassified)

	sort.SliceStable(result.RecommendedActions, func(i, j int) bool {
		a, b := result.RecommendedActions[i], result.RecommendedActions[j]
		ma, mb := math.Abs(a.Deviation), math.Abs(b.Deviation)
		if ma != mb {
			return ma > mb
		}
		return a.AssetClass < b.AssetClass
	})

	result.NeedsRebalancing = !allWithin
	result.IsCompliant = validation.Valid && allWithin
	return result
}

func recommend(class string, band model.AllocationBand, current, dev float64, rp model.RebalancingPolicy) model.RecommendedAction {
	action := model.RecommendedAction{
		AssetClass: class,
		Deviation:  dev,
		Priority:   priorityFor(math.Abs(dev), rp.ThresholdPercent),
	}
	if dev > 0 {
		action.ActionType = model.ActionReduce
		action.Description = fmt.Sprintf("Reduce %s from %.2f%% toward its %.2f%% target (%+.2f pts)",
			class, current, band.TargetPercent, dev)
		if rp.TaxAware {
			action.Description += "; sell highest-cost lots first to limit realized gains"
		}
	} else {
		action.ActionType = model.ActionIncrease
		action.Description = fmt.Sprintf("Increase %s from %.2f%% toward its %.2f%% target (%+.2f pts)",
			class, current, band.TargetPercent, dev)
		if rp.TaxAware {
			action.Description += "; direct new contributions here before selling elsewhere"
		}
	}
	return action
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
