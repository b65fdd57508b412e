package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/deedsign/internal/apperrors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("registry: database connection required")

// ServiceConfig describes the dependencies required for registry lookups.
type ServiceConfig struct {
	Database *gorm.DB
}

// Service resolves investors, properties and co-ownership.
type Service struct {
	db *gorm.DB
}

// NewService constructs the registry service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	return &Service{db: cfg.Database}, nil
}

// Investor loads an investor by id.
func (s *Service) Investor(ctx context.Context, investorID string) (Investor, error) {
	var investor Investor
	err := s.db.WithContext(ctx).Where("investor_id = ?", normalize(investorID)).Take(&investor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Investor{}, apperrors.New("registry.investor", "not_found", apperrors.ErrNotFound, err)
	}
	if err != nil {
		return Investor{}, apperrors.New("registry.investor", "query_failed", apperrors.ErrInternal, err)
	}
	return investor, nil
}

// Property loads a property by id.
func (s *Service) Property(ctx context.Context, propertyID string) (Property, error) {
	var property Property
	err := s.db.WithContext(ctx).Where("property_id = ?", normalize(propertyID)).Take(&property).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Property{}, apperrors.New("registry.property", "not_found", apperrors.ErrNotFound, err)
	}
	if err != nil {
		return Property{}, apperrors.New("registry.property", "query_failed", apperrors.ErrInternal, err)
	}
	return property, nil
}

// CoOwners returns the property's co-owners ordered by fraction number.
func (s *Service) CoOwners(ctx context.Context, propertyID string) ([]CoOwnerRecord, error) {
	var bindings []CoOwner
	if err := s.db.WithContext(ctx).
		Where("property_id = ?", normalize(propertyID)).
		Order("fraction_number ASC").
		Find(&bindings).Error; err != nil {
		return nil, apperrors.New("registry.co_owners", "query_failed", apperrors.ErrInternal, err)
	}
	if len(bindings) == 0 {
		return nil, nil
	}

	investorIDs := make([]string, 0, len(bindings))
	for _, binding := range bindings {
		investorIDs = append(investorIDs, binding.InvestorID)
	}
	var investors []Investor
	if err := s.db.WithContext(ctx).Where("investor_id IN ?", investorIDs).Find(&investors).Error; err != nil {
		return nil, apperrors.New("registry.co_owners", "investor_query_failed", apperrors.ErrInternal, err)
	}
	byID := make(map[string]Investor, len(investors))
	for _, investor := range investors {
		byID[investor.InvestorID] = investor
	}

	records := make([]CoOwnerRecord, 0, len(bindings))
	for _, binding := range bindings {
		investor, ok := byID[binding.InvestorID]
		if !ok {
			return nil, apperrors.New("registry.co_owners", "investor_missing", apperrors.ErrIntegrity,
				fmt.Errorf("co-owner %s has no investor record", binding.InvestorID))
		}
		records = append(records, CoOwnerRecord{Investor: investor, FractionNumber: binding.FractionNumber})
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].FractionNumber < records[j].FractionNumber
	})
	return records, nil
}

// IsCoOwner reports whether investorID holds a fraction of propertyID.
func (s *Service) IsCoOwner(ctx context.Context, propertyID, investorID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&CoOwner{}).
		Where("property_id = ? AND investor_id = ?", normalize(propertyID), normalize(investorID)).
		Count(&count).Error; err != nil {
		return false, apperrors.New("registry.is_co_owner", "query_failed", apperrors.ErrInternal, err)
	}
	return count > 0, nil
}

// SaveInvestor inserts or replaces an investor record.
func (s *Service) SaveInvestor(ctx context.Context, investor Investor) error {
	if normalize(investor.InvestorID) == "" {
		return apperrors.New("registry.save_investor", "missing_id", apperrors.ErrValidation, nil)
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&investor).Error
}

// SaveProperty inserts or replaces a property record.
func (s *Service) SaveProperty(ctx context.Context, property Property) error {
	if normalize(property.PropertyID) == "" {
		return apperrors.New("registry.save_property", "missing_id", apperrors.ErrValidation, nil)
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&property).Error
}

// AddCoOwner binds an investor to a fraction of a property.
func (s *Service) AddCoOwner(ctx context.Context, binding CoOwner) error {
	return AddCoOwnerTx(s.db.WithContext(ctx), binding)
}

// AddCoOwnerTx binds an investor to a fraction within an existing transaction.
func AddCoOwnerTx(tx *gorm.DB, binding CoOwner) error {
	if normalize(binding.PropertyID) == "" || normalize(binding.InvestorID) == "" {
		return apperrors.New("registry.add_co_owner", "missing_id", apperrors.ErrValidation, nil)
	}
	if binding.FractionNumber <= 0 {
		return apperrors.New("registry.add_co_owner", "invalid_fraction", apperrors.ErrValidation, nil)
	}
	if err := tx.Create(&binding).Error; err != nil {
		if apperrors.IsUniqueViolation(err) {
			return apperrors.New("registry.add_co_owner", "already_co_owner", apperrors.ErrConflict, err)
		}
		return apperrors.New("registry.add_co_owner", "insert_failed", apperrors.ErrInternal, err)
	}
	return nil
}
