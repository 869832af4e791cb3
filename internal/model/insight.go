package model

// InsightCategory groups insights for deduplication and ordering.
type InsightCategory string

const (
	CategoryRebalance InsightCategory = "rebalance"
	CategoryTaxLoss   InsightCategory = "tax_loss"
	CategoryLiquidity InsightCategory = "liquidity"
	CategorySchedule  InsightCategory = "schedule"
)

// InsightAction is the optional call to action attached to an insight.
type InsightAction struct {
	Type   string `json:"type"`
	Target string `json:"target,omitempty"`
}

// Insight is a user-facing recommendation, generated fresh per request.
type Insight struct {
	ID       string          `json:"id"`
	Category InsightCategory `json:"category"`
	Title    string          `json:"title"`
	Summary  string          `json:"summary"`
	Priority Priority        `json:"priority"`
	Action   *InsightAction  `json:"action,omitempty"`

	// Subject is the dedup key inside a category (asset class, symbol, schedule id).
	Subject string `json:"subject,omitempty"`
}
