// Package payments applies payment-completion events from the payment
// provider. Processing is idempotent on the provider's event id.
package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/apperrors"
	"github.com/MarcoPoloResearchLab/deedsign/internal/audit"
	"github.com/MarcoPoloResearchLab/deedsign/internal/metrics"
	"github.com/MarcoPoloResearchLab/deedsign/internal/registry"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opNew     = "payments.new"
	opProcess = "payments.process_completion"
)

var errMissingDatabase = errors.New("database handle is required")

// Payment is one applied completion event.
type Payment struct {
	EventID        string    `gorm:"column:event_id;primaryKey;size:190;not null"`
	InvestorID     string    `gorm:"column:investor_id;size:190;not null;index"`
	PropertyID     string    `gorm:"column:property_id;size:190;not null;index"`
	AmountAED      int64     `gorm:"column:amount_aed;not null"`
	FractionNumber int       `gorm:"column:fraction_number;not null;default:0"`
	ProcessedAt    time.Time `gorm:"column:processed_at;not null"`
}

// TableName exposes the table backing payment events.
func (Payment) TableName() string {
	return "payment_events"
}

// Event is a payment-completion notification.
type Event struct {
	EventID    string `json:"event_id"`
	InvestorID string `json:"investor_id"`
	PropertyID string `json:"property_id"`
	AmountAED  int64  `json:"amount_aed"`
}

// Result reports the stored payment and whether the event had been seen before.
type Result struct {
	Payment   Payment
	Duplicate bool
}

// AuditRecorder appends audit events.
type AuditRecorder interface {
	Record(ctx context.Context, event audit.Event) error
}

type ServiceConfig struct {
	Database *gorm.DB
	Audit    AuditRecorder
	Metrics  *metrics.Collectors
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service applies payment events to fraction bookkeeping.
type Service struct {
	db      *gorm.DB
	audit   AuditRecorder
	metrics *metrics.Collectors
	clock   func() time.Time
	logger  *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperrors.New(opNew, "missing_database", apperrors.ErrInternal, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, audit: cfg.Audit, metrics: cfg.Metrics, clock: clock, logger: logger}, nil
}

// ProcessCompletion records event, allocates the next fraction of the property
// to the investor and binds them as a co-owner, all in one transaction. A
// redelivered event id returns the stored payment with Duplicate set.
func (s *Service) ProcessCompletion(ctx context.Context, event Event) (Result, error) {
	event.EventID = strings.TrimSpace(event.EventID)
	event.InvestorID = strings.TrimSpace(event.InvestorID)
	event.PropertyID = strings.TrimSpace(event.PropertyID)
	if event.EventID == "" || event.InvestorID == "" || event.PropertyID == "" {
		return Result{}, apperrors.New(opProcess, "missing_id", apperrors.ErrValidation, nil)
	}
	if event.AmountAED <= 0 {
		return Result{}, apperrors.New(opProcess, "invalid_amount", apperrors.ErrValidation, nil)
	}
	now := s.clock().UTC()

	var result Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment := Payment{
			EventID:     event.EventID,
			InvestorID:  event.InvestorID,
			PropertyID:  event.PropertyID,
			AmountAED:   event.AmountAED,
			ProcessedAt: now,
		}
		inserted := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&payment)
		if inserted.Error != nil {
			return apperrors.New(opProcess, "insert_failed", apperrors.ErrInternal, inserted.Error)
		}
		if inserted.RowsAffected == 0 {
			var existing Payment
			if err := tx.Where("event_id = ?", event.EventID).Take(&existing).Error; err != nil {
				return apperrors.New(opProcess, "query_failed", apperrors.ErrInternal, err)
			}
			result = Result{Payment: existing, Duplicate: true}
			return nil
		}

		var investor registry.Investor
		if err := tx.Select("investor_id").Where("investor_id = ?", event.InvestorID).Take(&investor).Error; err != nil {
			return lookupError("investor_not_found", err)
		}
		var property registry.Property
		if err := tx.Where("property_id = ?", event.PropertyID).Take(&property).Error; err != nil {
			return lookupError("property_not_found", err)
		}
		allocated := tx.Model(&registry.Property{}).
			Where("property_id = ? AND sold_fractions < total_fractions", event.PropertyID).
			Update("sold_fractions", gorm.Expr("sold_fractions + 1"))
		if allocated.Error != nil {
			return apperrors.New(opProcess, "allocation_failed", apperrors.ErrInternal, allocated.Error)
		}
		if allocated.RowsAffected != 1 {
			return apperrors.New(opProcess, "property_sold_out", apperrors.ErrConflict, nil)
		}

		// The row is locked by the update, so this read sees our allocation.
		if err := tx.Select("sold_fractions").Where("property_id = ?", event.PropertyID).Take(&property).Error; err != nil {
			return apperrors.New(opProcess, "query_failed", apperrors.ErrInternal, err)
		}
		fraction := property.SoldFractions
		if err := registry.AddCoOwnerTx(tx, registry.CoOwner{
			PropertyID:     event.PropertyID,
			InvestorID:     event.InvestorID,
			FractionNumber: fraction,
		}); err != nil {
			return err
		}
		if err := tx.Model(&Payment{}).Where("event_id = ?", event.EventID).Update("fraction_number", fraction).Error; err != nil {
			return apperrors.New(opProcess, "update_failed", apperrors.ErrInternal, err)
		}
		payment.FractionNumber = fraction
		result = Result{Payment: payment}
		return nil
	})
	if err != nil {
		s.metrics.PaymentEvent("rejected")
		if errors.Is(err, apperrors.ErrInternal) {
			s.logError(opProcess, "transaction_failed", err, zap.String("event_id", event.EventID))
		}
		return Result{}, err
	}

	if result.Duplicate {
		s.metrics.PaymentEvent("duplicate")
		s.logger.Info("duplicate payment event ignored", zap.String("event_id", event.EventID))
		return result, nil
	}
	s.metrics.PaymentEvent("processed")
	if s.audit != nil {
		if err := s.audit.Record(ctx, audit.Event{
			Type:       audit.EventPaymentCompleted,
			InvestorID: event.InvestorID,
			PropertyID: event.PropertyID,
			Metadata: map[string]any{
				"event_id":        event.EventID,
				"amount_aed":      event.AmountAED,
				"fraction_number": result.Payment.FractionNumber,
			},
		}); err != nil {
			s.logError(opProcess, "audit_failed", err, zap.String("event_id", event.EventID))
		}
	}
	return result, nil
}

func lookupError(reason string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.New(opProcess, reason, apperrors.ErrNotFound, err)
	}
	return apperrors.New(opProcess, "query_failed", apperrors.ErrInternal, err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("payments service error", allFields...)
}
