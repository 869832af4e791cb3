package model

import (
	"sort"
	"strings"
	"time"
)

// AllocationBand is the target weight of one asset class, with optional hard bounds.
type AllocationBand struct {
	TargetPercent float64  `json:"target_percent"`
	MinPercent    *float64 `json:"min_percent,omitempty"`
	MaxPercent    *float64 `json:"max_percent,omitempty"`
}

// Contains reports whether current lies inside the band. An edge without an
// explicit bound sits threshold points from the target.
func (b AllocationBand) Contains(current, threshold float64) bool {
	lo, hi := b.TargetPercent-threshold, b.TargetPercent+threshold
	if b.MinPercent != nil {
		lo = *b.MinPercent
	}
	if b.MaxPercent != nil {
		hi = *b.MaxPercent
	}
	return lo <= current && current <= hi
}

// RebalancingPolicy controls when drift triggers a rebalance.
type RebalancingPolicy struct {
	Frequency        string  `json:"frequency"`
	ThresholdPercent float64 `json:"threshold_percent"`
	TaxAware         bool    `json:"tax_aware"`
}

type PolicyConstraints struct {
	RebalancingPolicy RebalancingPolicy `json:"rebalancing_policy"`
}

// InvestmentPolicy is one version of an account's Investment Policy Statement.
type InvestmentPolicy struct {
	AccountID            string                    `json:"account_id"`
	Version              int                       `json:"version"`
	RiskProfile          string                    `json:"risk_profile"`
	TimeHorizon          string                    `json:"time_horizon"`
	InvestmentObjectives []string                  `json:"investment_objectives"`
	TargetAllocation     map[string]AllocationBand `json:"target_allocation"`
	Constraints          PolicyConstraints         `json:"constraints"`
	CreatedAt            time.Time                 `json:"created_at"`
}

// AssetClasses returns the normalized asset-class keys in sorted order.
func (p *InvestmentPolicy) AssetClasses() []string {
	keys := make([]string, 0, len(p.TargetAllocation))
	for k := range p.TargetAllocation {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Normalize lower-cases and trims asset-class keys in place.
func (p *InvestmentPolicy) Normalize() {
	if len(p.TargetAllocation) == 0 {
		return
	}
	out := make(map[string]AllocationBand, len(p.TargetAllocation))
	for k, v := range p.TargetAllocation {
		out[NormalizeAssetClass(k)] = v
	}
	p.TargetAllocation = out
}

// NormalizeAssetClass canonicalizes an asset-class key ("Fixed Income" -> "fixed_income").
func NormalizeAssetClass(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), "_")
}
