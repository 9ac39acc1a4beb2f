package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/borrowdesk/locatefee/internal/domain"
	"github.com/borrowdesk/locatefee/internal/persistence"
)

type auditRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAuditRepo creates the append-only audit repository. The table is
// insert-only; updates and deletes are not exposed.
func NewAuditRepo(db *sqlx.DB, timeout time.Duration) persistence.AuditRepo {
	return &auditRepo{db: db, timeout: timeout}
}

// auditRow maps the audit_records table. data_sources is a JSONB column
// holding the provenance array in its wire shape.
type auditRow struct {
	AuditID              string              `db:"audit_id"`
	Timestamp            time.Time           `db:"ts"`
	Ticker               string              `db:"ticker"`
	PositionValue        decimal.Decimal     `db:"position_value"`
	LoanDays             int                 `db:"loan_days"`
	ClientID             string              `db:"client_id"`
	TotalFee             decimal.Decimal     `db:"total_fee"`
	BorrowCost           decimal.Decimal     `db:"borrow_cost"`
	Markup               decimal.Decimal     `db:"markup"`
	TransactionFees      decimal.Decimal     `db:"transaction_fees"`
	BorrowRateUsed       decimal.Decimal     `db:"borrow_rate_used"`
	BaseBorrowRate       decimal.Decimal     `db:"base_borrow_rate"`
	VolatilityAdjustment decimal.NullDecimal `db:"volatility_adjustment"`
	EventRiskAdjustment  decimal.NullDecimal `db:"event_risk_adjustment"`
	AnnualizedRate       decimal.Decimal     `db:"annualized_rate"`
	TimeFactor           decimal.Decimal     `db:"time_factor"`
	DataSources          []byte              `db:"data_sources"`
	CorrelationID        string              `db:"correlation_id"`
	RequestID            sql.NullString      `db:"request_id"`
	UserAgent            sql.NullString      `db:"user_agent"`
	IPAddress            sql.NullString      `db:"ip_address"`
}

const auditColumns = `audit_id, ts, ticker, position_value, loan_days, client_id,
	total_fee, borrow_cost, markup, transaction_fees,
	borrow_rate_used, base_borrow_rate, volatility_adjustment, event_risk_adjustment,
	annualized_rate, time_factor, data_sources,
	correlation_id, request_id, user_agent, ip_address`

func (r *auditRepo) Insert(ctx context.Context, rec domain.AuditRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sourcesJSON, err := json.Marshal(rec.DataSources)
	if err != nil {
		return fmt.Errorf("marshal data sources: %w", err)
	}

	query := `
		INSERT INTO audit_records (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	_, err = r.db.ExecContext(ctx, query,
		rec.AuditID, rec.Timestamp, rec.Ticker, rec.PositionValue, rec.LoanDays, rec.ClientID,
		rec.TotalFee, rec.BorrowCost, rec.Markup, rec.TransactionFees,
		rec.BorrowRateUsed, rec.BaseBorrowRate, nullDecimal(rec.VolatilityAdjustment), nullDecimal(rec.EventRiskAdjustment),
		rec.AnnualizedRate, rec.TimeFactor, sourcesJSON,
		rec.CorrelationID, nullString(rec.RequestID), nullString(rec.UserAgent), nullString(rec.IPAddress))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate audit record %s: %w", rec.AuditID, err)
		}
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (r *auditRepo) GetByID(ctx context.Context, auditID string) (domain.AuditRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row auditRow
	query := `SELECT ` + auditColumns + ` FROM audit_records WHERE audit_id = $1`
	if err := r.db.GetContext(ctx, &row, query, auditID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AuditRecord{}, domain.Ef(domain.CodeAuditNotFound, "audit record %s not found", auditID)
		}
		return domain.AuditRecord{}, fmt.Errorf("audit lookup: %w", err)
	}
	return row.toRecord()
}

func (r *auditRepo) List(ctx context.Context, filter persistence.AuditFilter, page persistence.Page) ([]domain.AuditRecord, int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	where, args := buildAuditWhere(filter)
	page = page.Normalize()

	var total int
	countQuery := `SELECT COUNT(*) FROM audit_records` + where
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("audit count: %w", err)
	}

	query := fmt.Sprintf(`SELECT `+auditColumns+` FROM audit_records%s ORDER BY ts DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	args = append(args, page.Size, page.Offset())

	var rows []auditRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("audit list: %w", err)
	}

	records := make([]domain.AuditRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	return records, total, nil
}

func buildAuditWhere(filter persistence.AuditFilter) (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.ClientID != "" {
		add("client_id = $%d", filter.ClientID)
	}
	if filter.Ticker != "" {
		add("ticker = $%d", filter.Ticker)
	}
	if filter.From != nil {
		add("ts >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("ts <= $%d", *filter.To)
	}
	if filter.MinValue != nil {
		add("position_value >= $%d", *filter.MinValue)
	}
	if filter.MaxValue != nil {
		add("position_value <= $%d", *filter.MaxValue)
	}
	if filter.MinRate != nil {
		add("borrow_rate_used >= $%d", *filter.MinRate)
	}
	if filter.MaxRate != nil {
		add("borrow_rate_used <= $%d", *filter.MaxRate)
	}
	if filter.Fallback {
		clauses = append(clauses, `data_sources @> '[{"is_fallback": true}]'::jsonb`)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (row auditRow) toRecord() (domain.AuditRecord, error) {
	rec := domain.AuditRecord{
		AuditID:         row.AuditID,
		Timestamp:       row.Timestamp,
		Ticker:          row.Ticker,
		PositionValue:   row.PositionValue,
		LoanDays:        row.LoanDays,
		ClientID:        row.ClientID,
		TotalFee:        row.TotalFee,
		BorrowCost:      row.BorrowCost,
		Markup:          row.Markup,
		TransactionFees: row.TransactionFees,
		BorrowRateUsed:  row.BorrowRateUsed,
		BaseBorrowRate:  row.BaseBorrowRate,
		AnnualizedRate:  row.AnnualizedRate,
		TimeFactor:      row.TimeFactor,
		CorrelationID:   row.CorrelationID,
		RequestID:       row.RequestID.String,
		UserAgent:       row.UserAgent.String,
		IPAddress:       row.IPAddress.String,
	}
	if row.VolatilityAdjustment.Valid {
		d := row.VolatilityAdjustment.Decimal
		rec.VolatilityAdjustment = &d
	}
	if row.EventRiskAdjustment.Valid {
		d := row.EventRiskAdjustment.Decimal
		rec.EventRiskAdjustment = &d
	}
	if len(row.DataSources) > 0 {
		if err := json.Unmarshal(row.DataSources, &rec.DataSources); err != nil {
			return domain.AuditRecord{}, fmt.Errorf("unmarshal data sources: %w", err)
		}
	}
	return rec, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
