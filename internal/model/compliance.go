package model

// Priority ranks recommendations and insights.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank orders priorities; higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// ActionType says which way a rebalance moves an asset class.
type ActionType string

const (
	ActionReduce   ActionType = "reduce"
	ActionIncrease ActionType = "increase"
)

// Deviation is the drift of one asset class against its target.
type Deviation struct {
	AssetClass     string  `json:"asset_class"`
	TargetPercent  float64 `json:"target_percent"`
	CurrentPercent float64 `json:"current_percent"`
	Deviation      float64 `json:"deviation"`
	WithinBands    bool    `json:"within_bands"`
}

// RecommendedAction is a rebalance suggestion for an out-of-band asset class.
type RecommendedAction struct {
	ActionType  ActionType `json:"action_type"`
	AssetClass  string     `json:"asset_class"`
	Deviation   float64    `json:"deviation"`
	Description string     `json:"description"`
	Priority    Priority   `json:"priority"`
}

// PolicyIssue is one problem found while validating a policy.
type PolicyIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// PolicyValidation is the outcome of validating an IPS target allocation.
type PolicyValidation struct {
	Valid  bool          `json:"valid"`
	Errors []PolicyIssue `json:"errors,omitempty"`
}

// ComplianceResult is derived per request and never persisted.
type ComplianceResult struct {
	IsCompliant         bool                `json:"is_compliant"`
	Deviations          []Deviation         `json:"deviations"`
	NeedsRebalancing    bool                `json:"needs_rebalancing"`
	RecommendedActions  []RecommendedAction `json:"recommended_actions"`
	UnclassifiedPercent float64             `json:"unclassified_percent"`
	PolicyErrors        []PolicyIssue       `json:"policy_errors,omitempty"`
}
