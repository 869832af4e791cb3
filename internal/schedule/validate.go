package schedule

import (
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"AutoInvest/internal/model"
)

// CreateRequest is the configuration of a new schedule.
type CreateRequest struct {
	AccountID       string               `json:"-"`
	PortfolioID     string               `json:"portfolio_id"`
	FundingSourceID string               `json:"funding_source_id"`
	Name            string               `json:"name"`
	Amount          decimal.Decimal      `json:"amount"`
	Currency        string               `json:"currency"`
	Frequency       model.Frequency      `json:"frequency"`
	Recurrence      *model.Recurrence    `json:"schedule"`
	Timezone        string               `json:"timezone"`
	AllocationRule  model.AllocationRule `json:"allocation_rule"`
	// StartDate is a calendar date (YYYY-MM-DD) in the schedule's timezone.
	StartDate string `json:"start_date"`
}

// UpdateRequest is a partial update; nil fields are left unchanged.
type UpdateRequest struct {
	Name            *string               `json:"name"`
	Amount          *decimal.Decimal      `json:"amount"`
	Currency        *string               `json:"currency"`
	FundingSourceID *string               `json:"funding_source_id"`
	Frequency       *model.Frequency      `json:"frequency"`
	Recurrence      *model.Recurrence     `json:"schedule"`
	Timezone        *string               `json:"timezone"`
	AllocationRule  *model.AllocationRule `json:"allocation_rule"`
}

func (u UpdateRequest) empty() bool {
	return u.Name == nil && u.Amount == nil && u.Currency == nil && u.FundingSourceID == nil &&
		u.Frequency == nil && u.Recurrence == nil && u.Timezone == nil && u.AllocationRule == nil
}

// reschedules reports whether the update changes when the schedule runs.
func (u UpdateRequest) reschedules() bool {
	return u.Frequency != nil || u.Recurrence != nil || u.Timezone != nil
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return model.Invalid(field, "is required")
	}
	return nil
}

// validateAmount checks amount > 0 and that it fits the currency's minor unit.
func validateAmount(amount decimal.Decimal, currency string) error {
	cur := money.GetCurrency(currency)
	if cur == nil {
		return model.Invalid("currency", "%q is not an ISO 4217 currency code", currency)
	}
	if !amount.IsPositive() {
		return model.Invalid("amount", "must be greater than zero")
	}
	if -amount.Exponent() > int32(cur.Fraction) && !amount.Equal(amount.Round(int32(cur.Fraction))) {
		return model.Invalid("amount", "%s allows at most %d decimal places", cur.Code, cur.Fraction)
	}
	return nil
}

func loadLocation(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, model.Invalid("timezone", "%q is not a known IANA timezone", name)
	}
	return loc, nil
}

func parseStartDate(raw string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(raw), loc)
	if err != nil {
		return time.Time{}, model.Invalid("start_date", "%q is not a YYYY-MM-DD date", raw)
	}
	return d, nil
}
