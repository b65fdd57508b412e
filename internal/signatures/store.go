package signatures

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/apperrors"
	"github.com/MarcoPoloResearchLab/deedsign/internal/audit"
	"github.com/MarcoPoloResearchLab/deedsign/internal/cryptoutil"
	"github.com/MarcoPoloResearchLab/deedsign/internal/ids"
	"github.com/MarcoPoloResearchLab/deedsign/internal/metrics"
	"github.com/MarcoPoloResearchLab/deedsign/internal/sessions"
	"github.com/MarcoPoloResearchLab/deedsign/internal/templates"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultRequiredCoOwners is the number of distinct signers each document type needs.
const DefaultRequiredCoOwners = 4

const (
	opStoreNew         = "signatures.store.new"
	opSave             = "signatures.save"
	opCheckDuplicate   = "signatures.check_duplicate"
	opPropertyStatus   = "signatures.property_status"
	opInvestorStatus   = "signatures.investor_status"
	opListForProperty  = "signatures.list_for_property"
	opDecrypt          = "signatures.decrypt"
	opVerifyIntegrity  = "signatures.verify_integrity"
	serverTimestampFmt = time.RFC3339Nano
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingSealer     = errors.New("sealer is required")
	errHashMismatch      = errors.New("decrypted payload does not match stored hash")
)

// AuditRecorder appends audit events.
type AuditRecorder interface {
	Record(ctx context.Context, event audit.Event) error
}

type StoreConfig struct {
	Database         *gorm.DB
	Sealer           *cryptoutil.Sealer
	Audit            AuditRecorder
	Metrics          *metrics.Collectors
	Clock            func() time.Time
	IDProvider       ids.Provider
	Logger           *zap.Logger
	RequiredCoOwners int
}

// Store persists signatures and computes completion.
type Store struct {
	db         *gorm.DB
	sealer     *cryptoutil.Sealer
	audit      AuditRecorder
	metrics    *metrics.Collectors
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
	required   int
}

func NewStore(cfg StoreConfig) (*Store, error) {
	switch {
	case cfg.Database == nil:
		return nil, apperrors.New(opStoreNew, "missing_database", apperrors.ErrInternal, errMissingDatabase)
	case cfg.IDProvider == nil:
		return nil, apperrors.New(opStoreNew, "missing_id_provider", apperrors.ErrInternal, errMissingIDProvider)
	case cfg.Sealer == nil:
		return nil, apperrors.New(opStoreNew, "missing_sealer", apperrors.ErrInternal, errMissingSealer)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	required := cfg.RequiredCoOwners
	if required <= 0 {
		required = DefaultRequiredCoOwners
	}
	return &Store{
		db:         cfg.Database,
		sealer:     cfg.Sealer,
		audit:      cfg.Audit,
		metrics:    cfg.Metrics,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		required:   required,
	}, nil
}

// RequiredCoOwners returns the configured signer count per document type.
func (s *Store) RequiredCoOwners() int {
	return s.required
}

// SaveRequest is a signature submission. Investor, template and property come
// from the session bound to SessionToken only.
type SaveRequest struct {
	SessionToken string
	DataURL      string
	Consent      bool
	ClientIP     string
	UserAgent    string
}

// Save captures a signature against a verified session.
func (s *Store) Save(ctx context.Context, request SaveRequest) (Signature, error) {
	if !request.Consent {
		return Signature{}, apperrors.New(opSave, "consent_required", apperrors.ErrValidation, nil)
	}
	image, format, err := ParseDataURL(request.DataURL)
	if err != nil {
		return Signature{}, err
	}

	var saved Signature
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock().UTC()
		session, err := sessions.LoadUsable(tx, request.SessionToken, now)
		if err != nil {
			return err
		}

		existing, found, err := checkDuplicate(tx, session.InvestorID, session.TemplateID, session.PropertyID)
		if err != nil {
			s.logError(opSave, "duplicate_check_failed", err, zap.String("session_id", session.SessionID))
			return apperrors.New(opSave, "duplicate_check_failed", apperrors.ErrInternal, err)
		}
		if found {
			return apperrors.New(opSave, "duplicate_signature", apperrors.ErrConflict, nil).
				WithReasons([]string{"signature " + existing.SignatureID + " already exists for this document"})
		}

		var version int
		if err := tx.Model(&templates.AgreementTemplate{}).Select("version").
			Where("template_id = ?", session.TemplateID).Scan(&version).Error; err != nil {
			s.logError(opSave, "template_lookup_failed", err, zap.String("template_id", session.TemplateID))
			return apperrors.New(opSave, "template_lookup_failed", apperrors.ErrInternal, err)
		}

		signatureID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opSave, "id_generation_failed", err)
			return apperrors.New(opSave, "id_generation_failed", apperrors.ErrInternal, err)
		}
		sessionID := session.SessionID
		signature := Signature{
			SignatureID:     signatureID,
			SessionID:       &sessionID,
			InvestorID:      session.InvestorID,
			TemplateID:      session.TemplateID,
			PropertyID:      session.PropertyID,
			TemplateType:    session.TemplateType,
			TemplateVersion: version,
			SignatureHash:   cryptoutil.SHA256Hex(image),
			ImageFormat:     format,
			ClientIP:        request.ClientIP,
			UserAgent:       request.UserAgent,
			Consent:         true,
			ServerTimestamp: now.Format(serverTimestampFmt),
			SignedAt:        now,
		}
		sealed, err := s.sealer.Seal(signature.SignatureID, image, signature.AAD())
		if err != nil {
			s.logError(opSave, "encrypt_failed", err, zap.String("signature_id", signature.SignatureID))
			return apperrors.New(opSave, "encrypt_failed", apperrors.ErrInternal, err)
		}
		signature.EncryptedPayload = sealed

		if err := insert(tx, &signature); err != nil {
			return err
		}
		if err := sessions.MarkSigned(tx, session.SessionID, now); err != nil {
			return err
		}
		saved = signature
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, apperrors.ErrConflict) {
			s.metrics.SignatureConflict()
		}
		return Signature{}, txErr
	}

	s.metrics.SignatureCaptured(string(saved.TemplateType))
	s.record(ctx, audit.Event{
		Type:       audit.EventSignatureCaptured,
		InvestorID: saved.InvestorID,
		SessionID:  *saved.SessionID,
		PropertyID: saved.PropertyID,
		Metadata: map[string]any{
			"signature_id":     saved.SignatureID,
			"template_id":      saved.TemplateID,
			"template_type":    string(saved.TemplateType),
			"signature_hash":   saved.SignatureHash,
			"consent":          saved.Consent,
			"server_timestamp": saved.ServerTimestamp,
		},
		ClientIP:  saved.ClientIP,
		UserAgent: saved.UserAgent,
	})
	return saved, nil
}

// insert writes signature, reporting a unique violation as Conflict.
func insert(tx *gorm.DB, signature *Signature) error {
	if err := tx.Create(signature).Error; err != nil {
		if apperrors.IsUniqueViolation(err) {
			return apperrors.New(opSave, "duplicate_signature", apperrors.ErrConflict, err)
		}
		return apperrors.New(opSave, "insert_failed", apperrors.ErrInternal, err)
	}
	return nil
}

// CheckDuplicate returns the existing signature for the triple, if any.
func (s *Store) CheckDuplicate(ctx context.Context, investorID, templateID, propertyID string) (Signature, bool, error) {
	signature, found, err := checkDuplicate(s.db.WithContext(ctx), investorID, templateID, propertyID)
	if err != nil {
		s.logError(opCheckDuplicate, "query_failed", err)
		return Signature{}, false, apperrors.New(opCheckDuplicate, "query_failed", apperrors.ErrInternal, err)
	}
	return signature, found, nil
}

func checkDuplicate(tx *gorm.DB, investorID, templateID, propertyID string) (Signature, bool, error) {
	var signature Signature
	err := tx.Where("investor_id = ? AND template_id = ? AND property_id = ?",
		strings.TrimSpace(investorID), strings.TrimSpace(templateID), strings.TrimSpace(propertyID)).
		Take(&signature).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Signature{}, false, nil
	}
	if err != nil {
		return Signature{}, false, err
	}
	return signature, true, nil
}

type typeCount struct {
	TemplateType templates.TemplateType `gorm:"column:template_type"`
	SignedCount  int                    `gorm:"column:signed_count"`
}

// PropertyStatus counts distinct signing investors per document type.
func (s *Store) PropertyStatus(ctx context.Context, propertyID string) (PropertyStatus, error) {
	propertyID = strings.TrimSpace(propertyID)
	var counts []typeCount
	if err := s.db.WithContext(ctx).Model(&Signature{}).
		Select("template_type, COUNT(DISTINCT investor_id) AS signed_count").
		Where("property_id = ?", propertyID).
		Group("template_type").
		Scan(&counts).Error; err != nil {
		s.logError(opPropertyStatus, "query_failed", err, zap.String("property_id", propertyID))
		return PropertyStatus{}, apperrors.New(opPropertyStatus, "query_failed", apperrors.ErrInternal, err)
	}
	byType := make(map[templates.TemplateType]int, len(counts))
	for _, count := range counts {
		byType[count.TemplateType] = count.SignedCount
	}

	status := PropertyStatus{PropertyID: propertyID, IsComplete: true}
	for _, kind := range templates.Kinds() {
		signed := byType[kind.Type()]
		entry := TemplateStatus{
			TemplateType:  kind.Type(),
			SignedCount:   signed,
			RequiredCount: s.required,
			IsComplete:    signed >= s.required,
		}
		status.Templates = append(status.Templates, entry)
		status.SignedTotal += signed
		status.Required += s.required
		if !entry.IsComplete {
			status.IsComplete = false
		}
	}
	return status, nil
}

// InvestorStatus reports which document types investorID has signed for propertyID.
func (s *Store) InvestorStatus(ctx context.Context, investorID, propertyID string) ([]InvestorDocument, error) {
	var rows []Signature
	if err := s.db.WithContext(ctx).
		Select("signature_id", "template_type", "signed_at").
		Where("investor_id = ? AND property_id = ?", strings.TrimSpace(investorID), strings.TrimSpace(propertyID)).
		Order("signed_at ASC").
		Find(&rows).Error; err != nil {
		s.logError(opInvestorStatus, "query_failed", err)
		return nil, apperrors.New(opInvestorStatus, "query_failed", apperrors.ErrInternal, err)
	}
	signed := make(map[templates.TemplateType]Signature, len(rows))
	for _, row := range rows {
		if _, exists := signed[row.TemplateType]; !exists {
			signed[row.TemplateType] = row
		}
	}
	documents := make([]InvestorDocument, 0, len(templates.Kinds()))
	for _, kind := range templates.Kinds() {
		document := InvestorDocument{TemplateType: kind.Type()}
		if row, ok := signed[kind.Type()]; ok {
			signedAt := row.SignedAt
			document.Signed = true
			document.SignatureID = row.SignatureID
			document.SignedAt = &signedAt
		}
		documents = append(documents, document)
	}
	return documents, nil
}

// ListForProperty returns every signature for propertyID ordered by document
// type then signing time.
func (s *Store) ListForProperty(ctx context.Context, propertyID string) ([]Signature, error) {
	var rows []Signature
	if err := s.db.WithContext(ctx).
		Where("property_id = ?", strings.TrimSpace(propertyID)).
		Order("template_type ASC").Order("signed_at ASC").Order("signature_id ASC").
		Find(&rows).Error; err != nil {
		s.logError(opListForProperty, "query_failed", err)
		return nil, apperrors.New(opListForProperty, "query_failed", apperrors.ErrInternal, err)
	}
	return rows, nil
}

// Find returns the signature investorID made on any template of templateType
// for propertyID, preferring the most recent.
func (s *Store) Find(ctx context.Context, investorID, propertyID string, templateType templates.TemplateType) (Signature, error) {
	var signature Signature
	err := s.db.WithContext(ctx).
		Where("investor_id = ? AND property_id = ? AND template_type = ?",
			strings.TrimSpace(investorID), strings.TrimSpace(propertyID), templateType).
		Order("signed_at DESC").
		Take(&signature).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Signature{}, apperrors.New("signatures.find", "signature_not_found", apperrors.ErrNotFound, err)
	}
	if err != nil {
		s.logError("signatures.find", "query_failed", err)
		return Signature{}, apperrors.New("signatures.find", "query_failed", apperrors.ErrInternal, err)
	}
	return signature, nil
}

// Decrypt returns the plaintext signature image. Failures are Integrity errors.
func (s *Store) Decrypt(signature Signature) ([]byte, error) {
	plaintext, err := s.sealer.Open(signature.SignatureID, signature.EncryptedPayload, signature.AAD())
	if err != nil {
		s.logError(opDecrypt, "open_failed", err, zap.String("signature_id", signature.SignatureID))
		return nil, apperrors.New(opDecrypt, "open_failed", apperrors.ErrIntegrity, err)
	}
	return plaintext, nil
}

// VerifyIntegrity decrypts signature, compares the plaintext hash with the
// stored one, and returns the verified image.
func (s *Store) VerifyIntegrity(signature Signature) ([]byte, error) {
	plaintext, err := s.Decrypt(signature)
	if err != nil {
		return nil, err
	}
	if !cryptoutil.ConstantTimeEqual(cryptoutil.SHA256Hex(plaintext), signature.SignatureHash) {
		s.logError(opVerifyIntegrity, "hash_mismatch", errHashMismatch, zap.String("signature_id", signature.SignatureID))
		return nil, apperrors.New(opVerifyIntegrity, "hash_mismatch", apperrors.ErrIntegrity, errHashMismatch)
	}
	return plaintext, nil
}

func (s *Store) record(ctx context.Context, event audit.Event) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logError("signatures.audit", "record_failed", err, zap.String("event_type", string(event.Type)))
	}
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("signatures store error", allFields...)
}
