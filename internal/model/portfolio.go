package model

import "time"

// AllocationEntry is the live weight of one asset class.
type AllocationEntry struct {
	AssetClass string  `json:"asset_class"`
	Value      float64 `json:"value"`
	Percent    float64 `json:"percent"`
}

// Holding is a single position, used for tax-lot signals.
type Holding struct {
	Symbol      string  `json:"symbol"`
	AssetClass  string  `json:"asset_class"`
	MarketValue float64 `json:"market_value"`
	CostBasis   float64 `json:"cost_basis"`
}

// PortfolioSnapshot is a read-only view of a portfolio supplied by the brokerage.
type PortfolioSnapshot struct {
	AsOf           time.Time         `json:"as_of"`
	Allocation     []AllocationEntry `json:"allocation"`
	CashValue      float64           `json:"cash_value"`
	PositionsValue float64           `json:"positions_value"`
	Holdings       []Holding         `json:"holdings,omitempty"`
}

// TotalValue is positions plus cash.
func (s *PortfolioSnapshot) TotalValue() float64 {
	return s.PositionsValue + s.CashValue
}
