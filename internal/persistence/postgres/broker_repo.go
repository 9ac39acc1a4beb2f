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

type brokerRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBrokerRepo creates the broker config repository.
func NewBrokerRepo(db *sqlx.DB, timeout time.Duration) persistence.BrokerRepo {
	return &brokerRepo{db: db, timeout: timeout}
}

func (r *brokerRepo) GetByClientID(ctx context.Context, clientID string) (domain.BrokerConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var b domain.BrokerConfig
	query := `
		SELECT client_id, markup_percentage, transaction_fee_type, transaction_amount, active
		FROM broker_configs
		WHERE client_id = $1`
	if err := r.db.GetContext(ctx, &b, query, clientID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BrokerConfig{}, domain.Ef(domain.CodeClientNotFound, "client %s is not registered", clientID)
		}
		return domain.BrokerConfig{}, fmt.Errorf("broker config lookup: %w", err)
	}
	return b, nil
}
