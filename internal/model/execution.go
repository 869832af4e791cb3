package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionRequest is one "invest now" call to the trading/funding collaborator.
type ExecutionRequest struct {
	Token           string          `json:"idempotency_token"`
	ScheduleID      string          `json:"schedule_id"`
	AccountID       string          `json:"account_id"`
	PortfolioID     string          `json:"portfolio_id"`
	FundingSourceID string          `json:"funding_source_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	AllocationRule  AllocationRule  `json:"allocation_rule"`
	ScheduledFor    time.Time       `json:"scheduled_for"`
}

// ExecutionReceipt is what the collaborator returns for an accepted request.
type ExecutionReceipt struct {
	OrderID    string    `json:"order_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

type ExecutionStatus string

const (
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ExecutionRecord is the local log of an execution attempt, one row per token.
type ExecutionRecord struct {
	Token        string          `json:"token"`
	ScheduleID   string          `json:"schedule_id"`
	AccountID    string          `json:"account_id"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	AttemptedAt  time.Time       `json:"attempted_at"`
	Attempts     int             `json:"attempts"`
	Status       ExecutionStatus `json:"status"`
	OrderID      string          `json:"order_id,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// TickReport summarizes one dispatcher pass.
type TickReport struct {
	StartedAt time.Time `json:"started_at"`
	Due       int       `json:"due"`
	Executed  int       `json:"executed"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Suspended int       `json:"suspended"`
}
