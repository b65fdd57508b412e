package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/apperrors"
	"github.com/MarcoPoloResearchLab/deedsign/internal/ids"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventType enumerates audited lifecycle events.
type EventType string

const (
	EventSessionCreated    EventType = "session_created"
	EventOTPVerified       EventType = "otp_verified"
	EventSignatureCaptured EventType = "signature_captured"
	EventDocumentSealed    EventType = "document_sealed"
	EventExportFailed      EventType = "export_failed"
	EventPaymentCompleted  EventType = "payment_completed"
)

const (
	opRecord = "audit.record"
	opList   = "audit.list"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingEventType  = errors.New("event type is required")
)

// Entry is an append-only audit row. There is no update or delete path.
type Entry struct {
	EntryID    string         `gorm:"column:entry_id;primaryKey;size:64;not null"`
	EventType  EventType      `gorm:"column:event_type;size:64;not null;index:idx_audit_event_time,priority:1"`
	InvestorID string         `gorm:"column:investor_id;size:190;not null;default:'';index"`
	SessionID  string         `gorm:"column:session_id;size:190;not null;default:''"`
	PropertyID string         `gorm:"column:property_id;size:190;not null;default:'';index"`
	Metadata   datatypes.JSON `gorm:"column:metadata"`
	ClientIP   string         `gorm:"column:client_ip;size:64;not null;default:''"`
	UserAgent  string         `gorm:"column:user_agent;size:512;not null;default:''"`
	CreatedAt  time.Time      `gorm:"column:created_at;not null;index:idx_audit_event_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "audit_log"
}

// Event describes an event to append.
type Event struct {
	Type       EventType
	InvestorID string
	SessionID  string
	PropertyID string
	Metadata   map[string]any
	ClientIP   string
	UserAgent  string
}

// Filter narrows List results. Empty fields do not filter.
type Filter struct {
	PropertyID string
	InvestorID string
	Types      []EventType
}

type LogConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Log appends audit entries to the database.
type Log struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.Database == nil {
		return nil, apperrors.New("audit.new", "missing_database", apperrors.ErrInternal, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperrors.New("audit.new", "missing_id_provider", apperrors.ErrInternal, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// Record appends event. Request identifiers found on ctx are copied into metadata.
func (l *Log) Record(ctx context.Context, event Event) error {
	if strings.TrimSpace(string(event.Type)) == "" {
		return apperrors.New(opRecord, "missing_event_type", apperrors.ErrValidation, errMissingEventType)
	}
	entryID, err := l.idProvider.NewID()
	if err != nil {
		return l.fail("id_generation_failed", err, event)
	}

	metadata := make(map[string]any, len(event.Metadata)+1)
	for key, value := range event.Metadata {
		metadata[key] = value
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		metadata["request_id"] = requestID
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return l.fail("metadata_encode_failed", err, event)
	}

	entry := Entry{
		EntryID:    entryID,
		EventType:  event.Type,
		InvestorID: event.InvestorID,
		SessionID:  event.SessionID,
		PropertyID: event.PropertyID,
		Metadata:   datatypes.JSON(encoded),
		ClientIP:   event.ClientIP,
		UserAgent:  event.UserAgent,
		CreatedAt:  l.clock().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return l.fail("insert_failed", err, event)
	}
	return nil
}

// List returns entries matching filter in append order.
func (l *Log) List(ctx context.Context, filter Filter) ([]Entry, error) {
	query := l.db.WithContext(ctx).Model(&Entry{})
	if filter.PropertyID != "" {
		query = query.Where("property_id = ?", filter.PropertyID)
	}
	if filter.InvestorID != "" {
		query = query.Where("investor_id = ?", filter.InvestorID)
	}
	if len(filter.Types) > 0 {
		query = query.Where("event_type IN ?", filter.Types)
	}
	var entries []Entry
	if err := query.Order("created_at ASC").Order("entry_id ASC").Find(&entries).Error; err != nil {
		l.logger.Error("audit service error",
			zap.String("operation", opList),
			zap.String("reason", "query_failed"),
			zap.Error(err))
		return nil, apperrors.New(opList, "query_failed", apperrors.ErrInternal, err)
	}
	return entries, nil
}

func (l *Log) fail(reason string, err error, event Event) error {
	l.logger.Error("audit service error",
		zap.String("operation", opRecord),
		zap.String("reason", reason),
		zap.String("event_type", string(event.Type)),
		zap.Error(err))
	return apperrors.New(opRecord, reason, apperrors.ErrInternal, err)
}

// DecodeMetadata unmarshals the entry metadata.
func (e Entry) DecodeMetadata() (map[string]any, error) {
	decoded := map[string]any{}
	if len(e.Metadata) == 0 {
		return decoded, nil
	}
	if err := json.Unmarshal(e.Metadata, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}
