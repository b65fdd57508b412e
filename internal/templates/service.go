package templates

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/apperrors"
	"github.com/MarcoPoloResearchLab/deedsign/internal/cryptoutil"
	"github.com/MarcoPoloResearchLab/deedsign/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "templates.service.new"
	opCreate     = "templates.create"
	opUpdate     = "templates.update"
	opSetActive  = "templates.set_active"
	opActive     = "templates.active"
	opGet        = "templates.get"
	opList       = "templates.list"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errEmptyContent      = errors.New("template content must not be empty")
)

// AgreementTemplate is a versioned legal document with separate English and
// Arabic bodies. A single version counter covers both bodies.
type AgreementTemplate struct {
	TemplateID    string       `gorm:"column:template_id;primaryKey;size:64;not null"`
	Name          string       `gorm:"column:name;size:320;not null"`
	TemplateType  TemplateType `gorm:"column:template_type;size:64;not null;index:idx_template_type_active,priority:1"`
	ContentEN     string       `gorm:"column:content_en;type:text;not null"`
	ContentHashEN string       `gorm:"column:content_hash_en;size:64;not null"`
	ContentAR     string       `gorm:"column:content_ar;type:text;not null;default:''"`
	ContentHashAR string       `gorm:"column:content_hash_ar;size:64;not null;default:''"`
	Version       int          `gorm:"column:version;not null;default:1"`
	IsActive      bool         `gorm:"column:is_active;not null;default:true;index:idx_template_type_active,priority:2"`
	CreatedAt     time.Time    `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time    `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AgreementTemplate) TableName() string {
	return "agreement_templates"
}

// Kind returns the document kind for the stored template type.
func (t AgreementTemplate) Kind() (DocumentKind, error) {
	return KindOf(t.TemplateType)
}

// Content returns the body for language, falling back to English when the
// Arabic body is empty.
func (t AgreementTemplate) Content(language Language) string {
	if language == LanguageArabic && strings.TrimSpace(t.ContentAR) != "" {
		return t.ContentAR
	}
	return t.ContentEN
}

// ContentUpdate carries optional replacement bodies. Nil leaves a body as is.
type ContentUpdate struct {
	ContentEN *string
	ContentAR *string
	Name      *string
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service manages agreement templates.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperrors.New(opServiceNew, "missing_database", apperrors.ErrInternal, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperrors.New(opServiceNew, "missing_id_provider", apperrors.ErrInternal, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// Create stores version 1 of a new, active template.
func (s *Service) Create(ctx context.Context, name string, kind DocumentKind, contentEN, contentAR string) (AgreementTemplate, error) {
	if kind == nil {
		return AgreementTemplate{}, apperrors.New(opCreate, "missing_kind", apperrors.ErrValidation, nil)
	}
	if strings.TrimSpace(contentEN) == "" {
		return AgreementTemplate{}, apperrors.New(opCreate, "empty_content", apperrors.ErrValidation, errEmptyContent)
	}
	templateID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return AgreementTemplate{}, apperrors.New(opCreate, "id_generation_failed", apperrors.ErrInternal, err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = kind.Title(LanguageEnglish)
	}
	now := s.clock().UTC()
	template := AgreementTemplate{
		TemplateID:    templateID,
		Name:          name,
		TemplateType:  kind.Type(),
		ContentEN:     contentEN,
		ContentHashEN: cryptoutil.SHA256Hex([]byte(contentEN)),
		ContentAR:     contentAR,
		ContentHashAR: hashOptional(contentAR),
		Version:       1,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Create(&template).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("template_type", string(kind.Type())))
		return AgreementTemplate{}, apperrors.New(opCreate, "insert_failed", apperrors.ErrInternal, err)
	}
	return template, nil
}

// Update replaces the supplied bodies. The version increments once when either
// body actually changes; identical content leaves the template untouched.
func (s *Service) Update(ctx context.Context, templateID string, update ContentUpdate) (AgreementTemplate, error) {
	var updated AgreementTemplate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.load(tx, opUpdate, templateID)
		if err != nil {
			return err
		}
		changed := false
		if update.ContentEN != nil && *update.ContentEN != current.ContentEN {
			if strings.TrimSpace(*update.ContentEN) == "" {
				return apperrors.New(opUpdate, "empty_content", apperrors.ErrValidation, errEmptyContent)
			}
			current.ContentEN = *update.ContentEN
			current.ContentHashEN = cryptoutil.SHA256Hex([]byte(current.ContentEN))
			changed = true
		}
		if update.ContentAR != nil && *update.ContentAR != current.ContentAR {
			current.ContentAR = *update.ContentAR
			current.ContentHashAR = hashOptional(current.ContentAR)
			changed = true
		}
		if update.Name != nil && strings.TrimSpace(*update.Name) != "" && *update.Name != current.Name {
			current.Name = strings.TrimSpace(*update.Name)
			if !changed {
				current.UpdatedAt = s.clock().UTC()
				if err := tx.Model(&AgreementTemplate{}).Where("template_id = ?", current.TemplateID).
					Updates(map[string]any{"name": current.Name, "updated_at": current.UpdatedAt}).Error; err != nil {
					s.logError(opUpdate, "rename_failed", err, zap.String("template_id", current.TemplateID))
					return apperrors.New(opUpdate, "rename_failed", apperrors.ErrInternal, err)
				}
			}
		}
		if !changed {
			updated = current
			return nil
		}
		current.Version++
		current.UpdatedAt = s.clock().UTC()
		if err := tx.Save(&current).Error; err != nil {
			s.logError(opUpdate, "save_failed", err, zap.String("template_id", current.TemplateID))
			return apperrors.New(opUpdate, "save_failed", apperrors.ErrInternal, err)
		}
		updated = current
		return nil
	})
	if err != nil {
		return AgreementTemplate{}, err
	}
	return updated, nil
}

// SetActive toggles whether the template is offered for new sessions.
func (s *Service) SetActive(ctx context.Context, templateID string, active bool) (AgreementTemplate, error) {
	var updated AgreementTemplate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.load(tx, opSetActive, templateID)
		if err != nil {
			return err
		}
		if current.IsActive == active {
			updated = current
			return nil
		}
		current.IsActive = active
		current.UpdatedAt = s.clock().UTC()
		if err := tx.Model(&AgreementTemplate{}).Where("template_id = ?", current.TemplateID).
			Updates(map[string]any{"is_active": active, "updated_at": current.UpdatedAt}).Error; err != nil {
			s.logError(opSetActive, "update_failed", err, zap.String("template_id", current.TemplateID))
			return apperrors.New(opSetActive, "update_failed", apperrors.ErrInternal, err)
		}
		updated = current
		return nil
	})
	if err != nil {
		return AgreementTemplate{}, err
	}
	return updated, nil
}

// Active returns the active template for kind. Exclusivity is not enforced at
// the storage layer; when several rows are active the highest version (then the
// most recently updated) wins and a warning is logged.
func (s *Service) Active(ctx context.Context, kind DocumentKind) (AgreementTemplate, error) {
	if kind == nil {
		return AgreementTemplate{}, apperrors.New(opActive, "missing_kind", apperrors.ErrValidation, nil)
	}
	var candidates []AgreementTemplate
	if err := s.db.WithContext(ctx).
		Where("template_type = ? AND is_active = ?", kind.Type(), true).
		Order("version DESC").Order("updated_at DESC").Order("template_id DESC").
		Find(&candidates).Error; err != nil {
		s.logError(opActive, "query_failed", err, zap.String("template_type", string(kind.Type())))
		return AgreementTemplate{}, apperrors.New(opActive, "query_failed", apperrors.ErrInternal, err)
	}
	if len(candidates) == 0 {
		return AgreementTemplate{}, apperrors.New(opActive, "no_active_template", apperrors.ErrNotFound, nil)
	}
	if len(candidates) > 1 {
		s.logger.Warn("multiple active templates",
			zap.String("operation", opActive),
			zap.String("template_type", string(kind.Type())),
			zap.Int("active_count", len(candidates)),
			zap.String("selected_template_id", candidates[0].TemplateID))
	}
	return candidates[0], nil
}

// Get loads a template by id.
func (s *Service) Get(ctx context.Context, templateID string) (AgreementTemplate, error) {
	return s.load(s.db.WithContext(ctx), opGet, templateID)
}

// List returns all templates ordered by type and version.
func (s *Service) List(ctx context.Context) ([]AgreementTemplate, error) {
	var templates []AgreementTemplate
	if err := s.db.WithContext(ctx).Order("template_type ASC").Order("version DESC").Find(&templates).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, apperrors.New(opList, "query_failed", apperrors.ErrInternal, err)
	}
	return templates, nil
}

func (s *Service) load(tx *gorm.DB, operation, templateID string) (AgreementTemplate, error) {
	var template AgreementTemplate
	err := tx.Where("template_id = ?", strings.TrimSpace(templateID)).Take(&template).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AgreementTemplate{}, apperrors.New(operation, "template_not_found", apperrors.ErrNotFound, err)
	}
	if err != nil {
		s.logError(operation, "query_failed", err, zap.String("template_id", templateID))
		return AgreementTemplate{}, apperrors.New(operation, "query_failed", apperrors.ErrInternal, err)
	}
	return template, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("templates service error", allFields...)
}

func hashOptional(content string) string {
	if content == "" {
		return ""
	}
	return cryptoutil.SHA256Hex([]byte(content))
}
