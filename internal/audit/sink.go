// Package audit records every calculation with full provenance for
// regulatory retention. Appends are guarded by a circuit breaker so a
// down database fails fast; failed appends are spooled to disk for
// operator-driven replay. An audit failure never masks or corrupts the
// user-facing response.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/borrowdesk/locatefee/internal/domain"
	"github.com/borrowdesk/locatefee/internal/persistence"
)

// State tracks one calculation's audit entry. Transitions are
// unidirectional: NEW -> PERSISTED, NEW -> BUFFERED, NEW -> FAILED.
// PERSISTED is terminal; BUFFERED entries reach PERSISTED via replay.
type State string

const (
	StateNew       State = "NEW"
	StateBuffered  State = "BUFFERED"
	StatePersisted State = "PERSISTED"
	StateFailed    State = "FAILED"
)

// Alarm receives internal failure signals (the "internal alarm" for
// audit persistence problems). Implemented by the metrics layer.
type Alarm interface {
	AuditPersistFailed()
	AuditBuffered()
}

// Entry is the fully resolved calculation handed to the sink.
type Entry struct {
	Request domain.CalculationRequest
	Result  domain.CalculationResult
	Rates   domain.RateContext

	CorrelationID string
	RequestID     string
	UserAgent     string
	IPAddress     string
}

// Sink writes audit records. One append per calculation.
type Sink struct {
	repo    persistence.AuditRepo
	spool   *Spool
	breaker *gobreaker.CircuitBreaker
	alarm   Alarm
	now     func() time.Time
}

// NewSink builds the sink. spool may be nil to disable disk buffering;
// alarm may be nil.
func NewSink(repo persistence.AuditRepo, spool *Spool, alarm Alarm) *Sink {
	settings := gobreaker.Settings{Name: "audit_db"}
	settings.Timeout = 30 * time.Second
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	return &Sink{
		repo:    repo,
		spool:   spool,
		breaker: gobreaker.NewCircuitBreaker(settings),
		alarm:   alarm,
		now:     time.Now,
	}
}

// Record builds the audit record and appends it. The returned state
// tells the caller what happened; the error (if any) is for logging
// only and must not fail the calculation response.
func (s *Sink) Record(ctx context.Context, e Entry) (domain.AuditRecord, State, error) {
	rec := s.build(e)

	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.repo.Insert(ctx, rec)
	})
	if err == nil {
		return rec, StatePersisted, nil
	}

	if s.alarm != nil {
		s.alarm.AuditPersistFailed()
	}
	log.Error().
		Err(err).
		Str("audit_id", rec.AuditID).
		Str("correlation_id", rec.CorrelationID).
		Msg("audit append failed")

	if s.spool != nil {
		if serr := s.spool.Append(rec); serr == nil {
			if s.alarm != nil {
				s.alarm.AuditBuffered()
			}
			return rec, StateBuffered, err
		} else {
			log.Error().Err(serr).Str("audit_id", rec.AuditID).Msg("audit spool write failed")
		}
	}
	return rec, StateFailed, err
}

// Replay re-submits spooled records to the repository. Records that
// still fail stay in the spool. Returns the number persisted.
func (s *Sink) Replay(ctx context.Context) (int, error) {
	if s.spool == nil {
		return 0, nil
	}
	return s.spool.Replay(ctx, func(ctx context.Context, rec domain.AuditRecord) error {
		return s.repo.Insert(ctx, rec)
	})
}

func (s *Sink) build(e Entry) domain.AuditRecord {
	return domain.AuditRecord{
		AuditID:   uuid.NewString(),
		Timestamp: s.now().UTC(),

		Ticker:        e.Request.Ticker,
		PositionValue: e.Request.PositionValue,
		LoanDays:      e.Request.LoanDays,
		ClientID:      e.Request.ClientID,

		TotalFee:             e.Result.TotalFee,
		BorrowCost:           e.Result.Breakdown.BorrowCost,
		Markup:               e.Result.Breakdown.Markup,
		TransactionFees:      e.Result.Breakdown.TransactionFees,
		BorrowRateUsed:       e.Result.BorrowRateUsed,
		BaseBorrowRate:       e.Result.BaseBorrowRate,
		VolatilityAdjustment: e.Result.VolatilityAdjustment,
		EventRiskAdjustment:  e.Result.EventRiskAdjustment,
		AnnualizedRate:       e.Result.AnnualizedRate,
		TimeFactor:           e.Result.TimeFactor,

		DataSources: e.Rates.Sources(),

		CorrelationID: e.CorrelationID,
		RequestID:     e.RequestID,
		UserAgent:     e.UserAgent,
		IPAddress:     e.IPAddress,
	}
}
