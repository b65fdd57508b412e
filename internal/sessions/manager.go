package sessions

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
	"github.com/MarcoPoloResearchLab/deedsign/internal/registry"
	"github.com/MarcoPoloResearchLab/deedsign/internal/templates"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opManagerNew = "sessions.manager.new"
	opCreate     = "sessions.create"
	opVerify     = "sessions.verify"
	opResend     = "sessions.resend"
	opLoad       = "sessions.load_usable"
	opMarkSigned = "sessions.mark_signed"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingTemplates  = errors.New("template lookup is required")
	errMissingRegistry   = errors.New("registry is required")
	errMissingCodes      = errors.New("otp service is required")
)

// TemplateLookup resolves agreement templates.
type TemplateLookup interface {
	Get(ctx context.Context, templateID string) (templates.AgreementTemplate, error)
}

// Registry resolves investors and co-ownership.
type Registry interface {
	Investor(ctx context.Context, investorID string) (registry.Investor, error)
	IsCoOwner(ctx context.Context, propertyID, investorID string) (bool, error)
}

// CodeIssuer issues and verifies one-time codes bound to session tokens.
type CodeIssuer interface {
	Issue(ctx context.Context, sessionToken, destination string) (time.Time, error)
	Verify(ctx context.Context, sessionToken, code string) error
}

// AuditRecorder appends audit events.
type AuditRecorder interface {
	Record(ctx context.Context, event audit.Event) error
}

type ManagerConfig struct {
	Database   *gorm.DB
	Templates  TemplateLookup
	Registry   Registry
	Codes      CodeIssuer
	Audit      AuditRecorder
	Metrics    *metrics.Collectors
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
	TTL        time.Duration
	// TokenGenerator overrides token minting in tests.
	TokenGenerator func() (string, error)
}

// Manager creates, verifies and expires signing sessions.
type Manager struct {
	db         *gorm.DB
	templates  TemplateLookup
	registry   Registry
	codes      CodeIssuer
	audit      AuditRecorder
	metrics    *metrics.Collectors
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
	ttl        time.Duration
	newToken   func() (string, error)
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	switch {
	case cfg.Database == nil:
		return nil, apperrors.New(opManagerNew, "missing_database", apperrors.ErrInternal, errMissingDatabase)
	case cfg.IDProvider == nil:
		return nil, apperrors.New(opManagerNew, "missing_id_provider", apperrors.ErrInternal, errMissingIDProvider)
	case cfg.Templates == nil:
		return nil, apperrors.New(opManagerNew, "missing_templates", apperrors.ErrInternal, errMissingTemplates)
	case cfg.Registry == nil:
		return nil, apperrors.New(opManagerNew, "missing_registry", apperrors.ErrInternal, errMissingRegistry)
	case cfg.Codes == nil:
		return nil, apperrors.New(opManagerNew, "missing_codes", apperrors.ErrInternal, errMissingCodes)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	newToken := cfg.TokenGenerator
	if newToken == nil {
		newToken = cryptoutil.NewSessionToken
	}
	return &Manager{
		db:         cfg.Database,
		templates:  cfg.Templates,
		registry:   cfg.Registry,
		codes:      cfg.Codes,
		audit:      cfg.Audit,
		metrics:    cfg.Metrics,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		ttl:        ttl,
		newToken:   newToken,
	}, nil
}

// CreateRequest identifies the signing attempt. Identifiers come from the
// authenticated caller, never from a previously issued token.
type CreateRequest struct {
	InvestorID string
	PropertyID string
	TemplateID string
	ClientIP   string
	UserAgent  string
}

// Created is the result of Create. Token is returned exactly once.
type Created struct {
	Session       Session
	Token         string
	CodeExpiresAt time.Time
}

// Create persists a pending session and issues its one-time code.
func (m *Manager) Create(ctx context.Context, request CreateRequest) (Created, error) {
	investorID := strings.TrimSpace(request.InvestorID)
	propertyID := strings.TrimSpace(request.PropertyID)
	if investorID == "" || propertyID == "" || strings.TrimSpace(request.TemplateID) == "" {
		return Created{}, apperrors.New(opCreate, "missing_identifiers", apperrors.ErrValidation, nil)
	}

	template, err := m.templates.Get(ctx, request.TemplateID)
	if err != nil {
		return Created{}, err
	}
	if !template.IsActive {
		return Created{}, apperrors.New(opCreate, "template_inactive", apperrors.ErrValidation, nil)
	}
	isOwner, err := m.registry.IsCoOwner(ctx, propertyID, investorID)
	if err != nil {
		return Created{}, err
	}
	if !isOwner {
		return Created{}, apperrors.New(opCreate, "not_co_owner", apperrors.ErrUnauthorized, nil)
	}
	investor, err := m.registry.Investor(ctx, investorID)
	if err != nil {
		return Created{}, err
	}

	token, err := m.newToken()
	if err != nil {
		m.logError(opCreate, "token_generation_failed", err)
		return Created{}, apperrors.New(opCreate, "token_generation_failed", apperrors.ErrInternal, err)
	}
	sessionID, err := m.idProvider.NewID()
	if err != nil {
		m.logError(opCreate, "id_generation_failed", err)
		return Created{}, apperrors.New(opCreate, "id_generation_failed", apperrors.ErrInternal, err)
	}

	now := m.clock().UTC()
	session := Session{
		SessionID:    sessionID,
		TokenHash:    HashToken(token),
		InvestorID:   investorID,
		PropertyID:   propertyID,
		TemplateID:   template.TemplateID,
		TemplateType: template.TemplateType,
		Status:       StatusPending,
		ClientIP:     request.ClientIP,
		UserAgent:    request.UserAgent,
		ExpiresAt:    now.Add(m.ttl),
		CreatedAt:    now,
	}
	if err := m.db.WithContext(ctx).Create(&session).Error; err != nil {
		m.logError(opCreate, "insert_failed", err, zap.String("investor_id", investorID))
		return Created{}, apperrors.New(opCreate, "insert_failed", apperrors.ErrInternal, err)
	}
	m.metrics.SessionCreated()
	m.record(ctx, audit.Event{
		Type:       audit.EventSessionCreated,
		InvestorID: investorID,
		SessionID:  session.SessionID,
		PropertyID: propertyID,
		Metadata: map[string]any{
			"template_id":   template.TemplateID,
			"template_type": string(template.TemplateType),
			"expires_at":    session.ExpiresAt.Format(time.RFC3339),
		},
		ClientIP:  request.ClientIP,
		UserAgent: request.UserAgent,
	})

	codeExpiresAt, err := m.codes.Issue(ctx, token, investor.Email)
	if err != nil {
		return Created{}, err
	}
	return Created{Session: session, Token: token, CodeExpiresAt: codeExpiresAt}, nil
}

// Verify checks the one-time code for token and moves the session from pending
// to verified.
func (m *Manager) Verify(ctx context.Context, token, code string) (Session, error) {
	session, err := m.findByToken(ctx, opVerify, token)
	if err != nil {
		return Session{}, err
	}
	now := m.clock().UTC()
	if session.Expired(now) {
		m.expire(ctx, session)
		m.metrics.OTPVerification("session_expired")
		return Session{}, apperrors.New(opVerify, "session_expired", apperrors.ErrExpired, nil)
	}
	if session.Status != StatusPending {
		m.metrics.OTPVerification("not_pending")
		return Session{}, apperrors.New(opVerify, "session_not_pending", apperrors.ErrValidation, nil)
	}
	if err := m.codes.Verify(ctx, token, code); err != nil {
		m.metrics.OTPVerification(outcomeFor(err))
		return Session{}, err
	}

	result := m.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ? AND status = ?", session.SessionID, StatusPending).
		Updates(map[string]any{"status": StatusVerified, "otp_verified": true, "verified_at": now})
	if result.Error != nil {
		m.logError(opVerify, "update_failed", result.Error, zap.String("session_id", session.SessionID))
		return Session{}, apperrors.New(opVerify, "update_failed", apperrors.ErrInternal, result.Error)
	}
	if result.RowsAffected == 0 {
		return Session{}, apperrors.New(opVerify, "session_state_changed", apperrors.ErrConflict, nil)
	}
	session.Status = StatusVerified
	session.OTPVerified = true
	session.VerifiedAt = &now
	m.metrics.OTPVerification("verified")
	m.record(ctx, audit.Event{
		Type:       audit.EventOTPVerified,
		InvestorID: session.InvestorID,
		SessionID:  session.SessionID,
		PropertyID: session.PropertyID,
		Metadata:   map[string]any{"template_type": string(session.TemplateType)},
		ClientIP:   session.ClientIP,
		UserAgent:  session.UserAgent,
	})
	return session, nil
}

// ResendCode issues a fresh code for a pending, unexpired session.
func (m *Manager) ResendCode(ctx context.Context, token string) (time.Time, error) {
	session, err := m.findByToken(ctx, opResend, token)
	if err != nil {
		return time.Time{}, err
	}
	if session.Expired(m.clock().UTC()) {
		m.expire(ctx, session)
		return time.Time{}, apperrors.New(opResend, "session_expired", apperrors.ErrExpired, nil)
	}
	if session.Status != StatusPending {
		return time.Time{}, apperrors.New(opResend, "session_not_pending", apperrors.ErrValidation, nil)
	}
	investor, err := m.registry.Investor(ctx, session.InvestorID)
	if err != nil {
		return time.Time{}, err
	}
	return m.codes.Issue(ctx, token, investor.Email)
}

func (m *Manager) findByToken(ctx context.Context, operation, token string) (Session, error) {
	if strings.TrimSpace(token) == "" {
		return Session{}, apperrors.New(operation, "missing_token", apperrors.ErrValidation, nil)
	}
	var session Session
	err := m.db.WithContext(ctx).Where("token_hash = ?", HashToken(token)).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, apperrors.New(operation, "session_not_found", apperrors.ErrNotFound, err)
	}
	if err != nil {
		m.logError(operation, "query_failed", err)
		return Session{}, apperrors.New(operation, "query_failed", apperrors.ErrInternal, err)
	}
	return session, nil
}

// expire records the expired state for sessions that never produced a signature.
// Expiry is always decided at read time; this write only keeps status readable.
func (m *Manager) expire(ctx context.Context, session Session) {
	err := m.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ? AND status IN ?", session.SessionID, []Status{StatusPending, StatusVerified}).
		Update("status", StatusExpired).Error
	if err != nil {
		m.logError(opVerify, "expire_failed", err, zap.String("session_id", session.SessionID))
	}
}

func (m *Manager) record(ctx context.Context, event audit.Event) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(ctx, event); err != nil {
		m.logError("sessions.audit", "record_failed", err, zap.String("event_type", string(event.Type)))
	}
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	m.logger.Error("sessions manager error", allFields...)
}

// LoadUsable loads the session bound to token within tx and confirms it is
// verified and unexpired at now. Every failure is Unauthorized.
func LoadUsable(tx *gorm.DB, token string, now time.Time) (Session, error) {
	if strings.TrimSpace(token) == "" {
		return Session{}, apperrors.New(opLoad, "missing_token", apperrors.ErrUnauthorized, nil)
	}
	var session Session
	err := tx.Where("token_hash = ?", HashToken(token)).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, apperrors.New(opLoad, "session_not_found", apperrors.ErrUnauthorized, err)
	}
	if err != nil {
		return Session{}, apperrors.New(opLoad, "query_failed", apperrors.ErrInternal, err)
	}
	if session.Status != StatusVerified {
		return Session{}, apperrors.New(opLoad, "session_not_verified", apperrors.ErrUnauthorized, nil)
	}
	if !session.Usable(now) {
		return Session{}, apperrors.New(opLoad, "session_expired", apperrors.ErrUnauthorized, nil)
	}
	return session, nil
}

// MarkSigned moves a verified, unexpired session to signed within tx.
func MarkSigned(tx *gorm.DB, sessionID string, now time.Time) error {
	result := tx.Model(&Session{}).
		Where("session_id = ? AND status = ? AND expires_at > ?", sessionID, StatusVerified, now).
		Updates(map[string]any{"status": StatusSigned, "signed_at": now})
	if result.Error != nil {
		return apperrors.New(opMarkSigned, "update_failed", apperrors.ErrInternal, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.New(opMarkSigned, "session_not_usable", apperrors.ErrUnauthorized, nil)
	}
	return nil
}

func outcomeFor(err error) string {
	switch apperrors.KindOf(err) {
	case apperrors.ErrNotFound:
		return "code_not_found"
	case apperrors.ErrExpired:
		return "code_expired"
	case apperrors.ErrMismatch:
		return "mismatch"
	default:
		return "error"
	}
}
