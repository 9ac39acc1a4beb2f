// Package persistence defines the storage contracts for reference data
// (tickers, broker configs) and the append-only audit trail.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/borrowdesk/locatefee/internal/domain"
)

// TickerRepo resolves registered securities.
type TickerRepo interface {
	// GetBySymbol returns the ticker or a TICKER_NOT_FOUND error.
	GetBySymbol(ctx context.Context, symbol string) (domain.Ticker, error)
}

// BrokerRepo resolves per-client pricing configuration.
type BrokerRepo interface {
	// GetByClientID returns the broker config (active or not) or a
	// CLIENT_NOT_FOUND error. Activity is the caller's check so an
	// inactive broker surfaces as CLIENT_INACTIVE, not not-found.
	GetByClientID(ctx context.Context, clientID string) (domain.BrokerConfig, error)
}

// AuditFilter narrows audit queries. Nil fields are unconstrained.
type AuditFilter struct {
	ClientID string
	Ticker   string
	From     *time.Time
	To       *time.Time
	MinValue *decimal.Decimal
	MaxValue *decimal.Decimal
	MinRate  *decimal.Decimal
	MaxRate  *decimal.Decimal
	Fallback bool // restrict to records with any fallback data source
}

// Page is 1-based pagination.
type Page struct {
	Number int
	Size   int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Normalize applies the pagination defaults and bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset returns the row offset for the page.
func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// AuditRepo is the append-only audit store. Updates and deletes are
// prohibited by contract; the interface does not offer them.
type AuditRepo interface {
	// Insert appends one record. Exactly-one append per calculation.
	Insert(ctx context.Context, rec domain.AuditRecord) error
	// GetByID fetches a record by audit_id.
	GetByID(ctx context.Context, auditID string) (domain.AuditRecord, error)
	// List returns the filtered page plus the total match count.
	List(ctx context.Context, filter AuditFilter, page Page) ([]domain.AuditRecord, int, error)
}
