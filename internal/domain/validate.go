package domain

import (
	"regexp"

	"github.com/shopspring/decimal"
)

var (
	tickerPattern   = regexp.MustCompile(`^[A-Z]{1,5}$`)
	clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)

	maxPositionValue = decimal.NewFromInt(1_000_000_000)
)

const (
	MinLoanDays = 1
	MaxLoanDays = 365
)

// Validate checks the request against the input contract. The first
// violation found is returned as a VALIDATION_ERROR naming the field.
func (r CalculationRequest) Validate() error {
	if !tickerPattern.MatchString(r.Ticker) {
		return Validation("ticker", "must be 1-5 uppercase letters")
	}
	if !r.PositionValue.IsPositive() {
		return Validation("position_value", "must be greater than zero")
	}
	if r.PositionValue.GreaterThan(maxPositionValue) {
		return Validation("position_value", "must not exceed 1000000000")
	}
	if r.LoanDays < MinLoanDays || r.LoanDays > MaxLoanDays {
		return Validation("loan_days", "must be between 1 and 365")
	}
	if !clientIDPattern.MatchString(r.ClientID) {
		return Validation("client_id", "must be 3-50 characters from [A-Za-z0-9_-]")
	}
	return nil
}

// ValidTicker reports whether s is a well-formed ticker symbol.
func ValidTicker(s string) bool { return tickerPattern.MatchString(s) }
