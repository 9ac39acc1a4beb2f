// Package postgres implements the persistence contracts over PostgreSQL
// with sqlx. All operations carry a per-call timeout and are
// transactional at the single-row level only.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/borrowdesk/locatefee/internal/domain"
	"github.com/borrowdesk/locatefee/internal/persistence"
)

type tickerRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTickerRepo creates the ticker repository.
func NewTickerRepo(db *sqlx.DB, timeout time.Duration) persistence.TickerRepo {
	return &tickerRepo{db: db, timeout: timeout}
}

func (r *tickerRepo) GetBySymbol(ctx context.Context, symbol string) (domain.Ticker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var t domain.Ticker
	query := `SELECT symbol, min_borrow_rate, lender_api_id FROM tickers WHERE symbol = $1`
	if err := r.db.GetContext(ctx, &t, query, symbol); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Ticker{}, domain.Ef(domain.CodeTickerNotFound, "ticker %s is not registered", symbol)
		}
		return domain.Ticker{}, fmt.Errorf("ticker lookup: %w", err)
	}
	return t, nil
}
