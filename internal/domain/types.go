// Package domain defines the core types of the locate fee service: the
// calculation request/result pair, broker and ticker records, resolved
// rate context with provenance, and the audit record shape.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceType classifies where a resolved value came from.
type SourceType string

const (
	SourceAPI      SourceType = "api"
	SourceCache    SourceType = "cache"
	SourceDatabase SourceType = "database"
	SourceFallback SourceType = "fallback"
)

// SourceMetadata carries per-source details. Fields are optional; only the
// ones relevant to the producing component are set.
type SourceMetadata struct {
	Endpoint       string `json:"endpoint,omitempty"`
	StatusCode     int    `json:"status_code,omitempty"`
	ResponseTimeMS int64  `json:"response_time_ms,omitempty"`
	CacheHit       bool   `json:"cache_hit,omitempty"`
	TTLSeconds     int64  `json:"ttl,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// DataSource is the provenance tag attached to every resolved external
// value. It is created by whichever component produced the value and
// travels with it into the audit record.
type DataSource struct {
	SourceName string         `json:"source_name"`
	SourceType SourceType     `json:"source_type"`
	IsFallback bool           `json:"is_fallback"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   SourceMetadata `json:"metadata"`
}

// Ticker is a registered security. Immutable from the service's
// perspective; maintained out-of-band.
type Ticker struct {
	Symbol        string          `db:"symbol" json:"symbol"`
	MinBorrowRate decimal.Decimal `db:"min_borrow_rate" json:"min_borrow_rate"`
	LenderAPIID   string          `db:"lender_api_id" json:"lender_api_id"`
}

// FeeType selects how a broker's transaction fee is computed.
type FeeType string

const (
	FeeFlat       FeeType = "FLAT"
	FeePercentage FeeType = "PERCENTAGE"
)

// BrokerConfig is the per-client pricing configuration.
type BrokerConfig struct {
	ClientID           string          `db:"client_id" json:"client_id"`
	MarkupPercentage   decimal.Decimal `db:"markup_percentage" json:"markup_percentage"`
	TransactionFeeType FeeType         `db:"transaction_fee_type" json:"transaction_fee_type"`
	TransactionAmount  decimal.Decimal `db:"transaction_amount" json:"transaction_amount"`
	Active             bool            `db:"active" json:"active"`
}

// CalculationRequest is one locate fee request.
type CalculationRequest struct {
	Ticker        string          `json:"ticker"`
	PositionValue decimal.Decimal `json:"position_value"`
	LoanDays      int             `json:"loan_days"`
	ClientID      string          `json:"client_id"`
}

// RateContext is the set of resolved external values for one calculation.
// VolatilityIndex and EventRiskFactor may be absent; absence is recorded
// in provenance, never synthesized as zero values with api provenance.
type RateContext struct {
	BaseRate        decimal.Decimal
	VolatilityIndex *decimal.Decimal
	EventRiskFactor *int

	BaseRateSource   DataSource
	VolatilitySource *DataSource
	EventRiskSource  *DataSource
}

// Sources returns the provenance tags present in the context, labelled by
// the field they describe, in stable order.
func (rc RateContext) Sources() []FieldSource {
	out := []FieldSource{{Field: "borrow_rate", DataSource: rc.BaseRateSource}}
	if rc.VolatilitySource != nil {
		out = append(out, FieldSource{Field: "volatility", DataSource: *rc.VolatilitySource})
	}
	if rc.EventRiskSource != nil {
		out = append(out, FieldSource{Field: "event_risk", DataSource: *rc.EventRiskSource})
	}
	return out
}

// FieldSource pairs a provenance tag with the calculation field it fed.
type FieldSource struct {
	Field string `json:"field"`
	DataSource
}

// FeeBreakdown decomposes the total fee. Invariant:
// BorrowCost + Markup + TransactionFees == total, exactly, after
// money-precision quantization.
type FeeBreakdown struct {
	BorrowCost      decimal.Decimal `json:"borrow_cost"`
	Markup          decimal.Decimal `json:"markup"`
	TransactionFees decimal.Decimal `json:"transaction_fees"`
}

// CalculationResult carries the fee plus every intermediate the audit
// record needs to reproduce the calculation.
type CalculationResult struct {
	TotalFee             decimal.Decimal  `json:"total_fee"`
	Breakdown            FeeBreakdown     `json:"breakdown"`
	BorrowRateUsed       decimal.Decimal  `json:"borrow_rate_used"`
	BaseBorrowRate       decimal.Decimal  `json:"base_borrow_rate"`
	VolatilityAdjustment *decimal.Decimal `json:"volatility_adjustment,omitempty"`
	EventRiskAdjustment  *decimal.Decimal `json:"event_risk_adjustment,omitempty"`
	AnnualizedRate       decimal.Decimal  `json:"annualized_rate"`
	TimeFactor           decimal.Decimal  `json:"time_factor"`
}

// AuditRecord is the immutable regulatory record of one calculation.
// Created once at the end of a successful calculation, persisted once,
// never mutated. Retention is at least seven years.
type AuditRecord struct {
	AuditID   string    `db:"audit_id" json:"audit_id"`
	Timestamp time.Time `db:"ts" json:"timestamp"`

	Ticker        string          `db:"ticker" json:"ticker"`
	PositionValue decimal.Decimal `db:"position_value" json:"position_value"`
	LoanDays      int             `db:"loan_days" json:"loan_days"`
	ClientID      string          `db:"client_id" json:"client_id"`

	TotalFee             decimal.Decimal  `db:"total_fee" json:"total_fee"`
	BorrowCost           decimal.Decimal  `db:"borrow_cost" json:"borrow_cost"`
	Markup               decimal.Decimal  `db:"markup" json:"markup"`
	TransactionFees      decimal.Decimal  `db:"transaction_fees" json:"transaction_fees"`
	BorrowRateUsed       decimal.Decimal  `db:"borrow_rate_used" json:"borrow_rate_used"`
	BaseBorrowRate       decimal.Decimal  `db:"base_borrow_rate" json:"base_borrow_rate"`
	VolatilityAdjustment *decimal.Decimal `db:"volatility_adjustment" json:"volatility_adjustment,omitempty"`
	EventRiskAdjustment  *decimal.Decimal `db:"event_risk_adjustment" json:"event_risk_adjustment,omitempty"`
	AnnualizedRate       decimal.Decimal  `db:"annualized_rate" json:"annualized_rate"`
	TimeFactor           decimal.Decimal  `db:"time_factor" json:"time_factor"`

	DataSources []FieldSource `db:"-" json:"data_sources"`

	CorrelationID string `db:"correlation_id" json:"correlation_id"`
	RequestID     string `db:"request_id" json:"request_id,omitempty"`
	UserAgent     string `db:"user_agent" json:"user_agent,omitempty"`
	IPAddress     string `db:"ip_address" json:"ip_address,omitempty"`
}

// HasFallback reports whether any data source in the record was a
// fallback substitution.
func (r AuditRecord) HasFallback() bool {
	for _, ds := range r.DataSources {
		if ds.IsFallback {
			return true
		}
	}
	return false
}
