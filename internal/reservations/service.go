package reservations

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/mail"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/apperrors"
	"github.com/MarcoPoloResearchLab/deedsign/internal/cryptoutil"
	"github.com/MarcoPoloResearchLab/deedsign/internal/ids"
	"github.com/MarcoPoloResearchLab/deedsign/internal/registry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// MaxSlots is the largest number of co-owners a reservation may split into.
	MaxSlots = 4
	// InvitationTTL is how long an invitation token stays valid.
	InvitationTTL = 7 * 24 * time.Hour

	fullShareBasis = 10000

	opNew    = "reservations.new"
	opCreate = "reservations.create"
	opInvite = "reservations.invite"
	opCancel = "reservations.cancel"
	opGet    = "reservations.get"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
	// TokenGenerator mints invitation tokens; cryptoutil.NewSessionToken by default.
	TokenGenerator func() (string, error)
}

// Service creates reservations and invitation batches transactionally.
type Service struct {
	db             *gorm.DB
	clock          func() time.Time
	idProvider     ids.Provider
	logger         *zap.Logger
	tokenGenerator func() (string, error)
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperrors.New(opNew, "missing_database", apperrors.ErrInternal, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperrors.New(opNew, "missing_id_provider", apperrors.ErrInternal, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tokenGenerator := cfg.TokenGenerator
	if tokenGenerator == nil {
		tokenGenerator = cryptoutil.NewSessionToken
	}
	return &Service{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger, tokenGenerator: tokenGenerator}, nil
}

// CreateRequest opens a reservation split into slots with the given shares.
type CreateRequest struct {
	PropertyID    string
	InitiatorID   string
	SharePercents []float64
}

// Create inserts the reservation and all of its slots in one transaction.
func (s *Service) Create(ctx context.Context, request CreateRequest) (Reservation, error) {
	propertyID := strings.TrimSpace(request.PropertyID)
	initiatorID := strings.TrimSpace(request.InitiatorID)
	if propertyID == "" || initiatorID == "" {
		return Reservation{}, apperrors.New(opCreate, "missing_id", apperrors.ErrValidation, nil)
	}
	shares, err := shareBasisPoints(request.SharePercents)
	if err != nil {
		return Reservation{}, err
	}

	now := s.clock().UTC()
	reservationID, err := s.idProvider.NewID()
	if err != nil {
		return Reservation{}, apperrors.New(opCreate, "id_generation_failed", apperrors.ErrInternal, err)
	}
	activeKey := propertyID
	reservation := Reservation{
		ReservationID: reservationID,
		PropertyID:    propertyID,
		InitiatorID:   initiatorID,
		Status:        StatusPending,
		ActiveKey:     &activeKey,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for index, share := range shares {
		slotID, err := s.idProvider.NewID()
		if err != nil {
			return Reservation{}, apperrors.New(opCreate, "id_generation_failed", apperrors.ErrInternal, err)
		}
		reservation.Slots = append(reservation.Slots, Slot{
			SlotID:        slotID,
			ReservationID: reservationID,
			SlotIndex:     index + 1,
			ShareBasis:    share,
			Status:        SlotOpen,
			UpdatedAt:     now,
		})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var property registry.Property
		if err := tx.Select("property_id").Where("property_id = ?", propertyID).Take(&property).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.New(opCreate, "property_not_found", apperrors.ErrNotFound, err)
			}
			return apperrors.New(opCreate, "property_lookup_failed", apperrors.ErrInternal, err)
		}
		slots := reservation.Slots
		header := reservation
		header.Slots = nil
		if err := tx.Create(&header).Error; err != nil {
			if apperrors.IsUniqueViolation(err) {
				return apperrors.New(opCreate, "active_reservation_exists", apperrors.ErrConflict, err)
			}
			return apperrors.New(opCreate, "insert_failed", apperrors.ErrInternal, err)
		}
		if err := tx.Create(&slots).Error; err != nil {
			return apperrors.New(opCreate, "slot_insert_failed", apperrors.ErrInternal, err)
		}
		return nil
	})
	if err != nil {
		s.logFailure(opCreate, err, zap.String("property_id", propertyID))
		return Reservation{}, err
	}
	return reservation, nil
}

// InvitationRequest invites Email to the slot at SlotIndex.
type InvitationRequest struct {
	SlotIndex int
	Email     string
}

// IssuedInvitation pairs a stored invitation with its one-time token.
type IssuedInvitation struct {
	Invitation Invitation
	Token      string
}

// Invite records a batch of invitations, marks their slots invited and moves
// the reservation to inviting. Either the whole batch is stored or none of it.
func (s *Service) Invite(ctx context.Context, reservationID string, requests []InvitationRequest) ([]IssuedInvitation, error) {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" || len(requests) == 0 {
		return nil, apperrors.New(opInvite, "invalid_request", apperrors.ErrValidation, nil)
	}
	now := s.clock().UTC()

	var issued []IssuedInvitation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := load(tx, opInvite, reservationID)
		if err != nil {
			return err
		}
		if reservation.Status == StatusCancelled {
			return apperrors.New(opInvite, "reservation_cancelled", apperrors.ErrValidation, nil)
		}
		slots := make(map[int]Slot, len(reservation.Slots))
		for _, slot := range reservation.Slots {
			slots[slot.SlotIndex] = slot
		}

		var reasons []string
		seen := make(map[int]struct{}, len(requests))
		for _, request := range requests {
			slot, ok := slots[request.SlotIndex]
			switch {
			case !ok:
				reasons = append(reasons, fmt.Sprintf("slot %d does not exist", request.SlotIndex))
			case slot.Status != SlotOpen:
				reasons = append(reasons, fmt.Sprintf("slot %d is already %s", request.SlotIndex, slot.Status))
			}
			if _, duplicate := seen[request.SlotIndex]; duplicate {
				reasons = append(reasons, fmt.Sprintf("slot %d is invited more than once", request.SlotIndex))
			}
			seen[request.SlotIndex] = struct{}{}
			if _, err := mail.ParseAddress(strings.TrimSpace(request.Email)); err != nil {
				reasons = append(reasons, fmt.Sprintf("slot %d email is invalid", request.SlotIndex))
			}
		}
		if len(reasons) > 0 {
			return apperrors.New(opInvite, "invalid_invitations", apperrors.ErrValidation, nil).WithReasons(reasons)
		}

		for _, request := range requests {
			email := strings.ToLower(strings.TrimSpace(request.Email))
			invitationID, err := s.idProvider.NewID()
			if err != nil {
				return apperrors.New(opInvite, "id_generation_failed", apperrors.ErrInternal, err)
			}
			token, err := s.tokenGenerator()
			if err != nil {
				return apperrors.New(opInvite, "token_generation_failed", apperrors.ErrInternal, err)
			}
			invitation := Invitation{
				InvitationID:  invitationID,
				ReservationID: reservationID,
				SlotIndex:     request.SlotIndex,
				Email:         email,
				TokenHash:     cryptoutil.SHA256Hex([]byte(token)),
				Status:        InvitationSent,
				ExpiresAt:     now.Add(InvitationTTL),
				CreatedAt:     now,
			}
			if err := tx.Create(&invitation).Error; err != nil {
				return apperrors.New(opInvite, "insert_failed", apperrors.ErrInternal, err)
			}
			result := tx.Model(&Slot{}).
				Where("reservation_id = ? AND slot_index = ? AND status = ?", reservationID, request.SlotIndex, SlotOpen).
				Updates(map[string]any{"status": SlotInvited, "email": email, "updated_at": now})
			if result.Error != nil {
				return apperrors.New(opInvite, "slot_update_failed", apperrors.ErrInternal, result.Error)
			}
			if result.RowsAffected != 1 {
				return apperrors.New(opInvite, "slot_taken", apperrors.ErrConflict, nil)
			}
			issued = append(issued, IssuedInvitation{Invitation: invitation, Token: token})
		}

		if err := tx.Model(&Reservation{}).
			Where("reservation_id = ?", reservationID).
			Updates(map[string]any{"status": StatusInviting, "updated_at": now}).Error; err != nil {
			return apperrors.New(opInvite, "status_update_failed", apperrors.ErrInternal, err)
		}
		return nil
	})
	if err != nil {
		s.logFailure(opInvite, err, zap.String("reservation_id", reservationID))
		return nil, err
	}
	return issued, nil
}

// Cancel closes an open reservation and releases its property.
func (s *Service) Cancel(ctx context.Context, reservationID string) (Reservation, error) {
	reservationID = strings.TrimSpace(reservationID)
	now := s.clock().UTC()
	var cancelled Reservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := load(tx, opCancel, reservationID)
		if err != nil {
			return err
		}
		if reservation.Status == StatusCancelled {
			return apperrors.New(opCancel, "already_cancelled", apperrors.ErrValidation, nil)
		}
		if err := tx.Model(&Reservation{}).
			Where("reservation_id = ?", reservationID).
			Updates(map[string]any{"status": StatusCancelled, "active_key": nil, "updated_at": now}).Error; err != nil {
			return apperrors.New(opCancel, "update_failed", apperrors.ErrInternal, err)
		}
		cancelled, err = load(tx, opCancel, reservationID)
		return err
	})
	if err != nil {
		s.logFailure(opCancel, err, zap.String("reservation_id", reservationID))
		return Reservation{}, err
	}
	return cancelled, nil
}

// Get loads a reservation with its slots.
func (s *Service) Get(ctx context.Context, reservationID string) (Reservation, error) {
	return load(s.db.WithContext(ctx), opGet, strings.TrimSpace(reservationID))
}

func load(tx *gorm.DB, operation, reservationID string) (Reservation, error) {
	var reservation Reservation
	err := tx.Preload("Slots", func(db *gorm.DB) *gorm.DB {
		return db.Order("slot_index ASC")
	}).Where("reservation_id = ?", reservationID).Take(&reservation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Reservation{}, apperrors.New(operation, "reservation_not_found", apperrors.ErrNotFound, err)
	}
	if err != nil {
		return Reservation{}, apperrors.New(operation, "query_failed", apperrors.ErrInternal, err)
	}
	return reservation, nil
}

// shareBasisPoints converts percentages to basis points and checks that there
// are 1..MaxSlots positive shares summing to exactly 100%.
func shareBasisPoints(percents []float64) ([]int, error) {
	if len(percents) == 0 || len(percents) > MaxSlots {
		return nil, apperrors.New(opCreate, "invalid_slot_count", apperrors.ErrValidation, nil).
			WithReasons([]string{fmt.Sprintf("a reservation needs between 1 and %d slots, got %d", MaxSlots, len(percents))})
	}
	shares := make([]int, len(percents))
	total := 0
	for index, percent := range percents {
		basis := int(math.Round(percent * 100))
		if basis <= 0 {
			return nil, apperrors.New(opCreate, "invalid_share", apperrors.ErrValidation, nil).
				WithReasons([]string{fmt.Sprintf("slot %d share must be positive", index+1)})
		}
		shares[index] = basis
		total += basis
	}
	if total != fullShareBasis {
		return nil, apperrors.New(opCreate, "shares_not_whole", apperrors.ErrValidation, nil).
			WithReasons([]string{fmt.Sprintf("shares sum to %.2f%%, expected 100%%", float64(total)/100)})
	}
	return shares, nil
}

func (s *Service) logFailure(operation string, err error, fields ...zap.Field) {
	if !errors.Is(err, apperrors.ErrInternal) {
		return
	}
	reason := "unknown"
	if appErr, ok := apperrors.As(err); ok {
		reason = appErr.Reason()
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("reservations service error", allFields...)
}
