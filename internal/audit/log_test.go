package audit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/apperrors"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("entry-%03d", s.next), nil
}

func newTestLog(t *testing.T) (*Log, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "audit.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		t.Fatalf("failed to migrate audit schema: %v", err)
	}
	log, err := NewLog(LogConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC) },
		IDProvider: &sequenceIDs{},
	})
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	return log, db
}

func TestRecordPersistsMetadataAndRequestID(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := WithRequestID(context.Background(), "req-123")

	err := log.Record(ctx, Event{
		Type:       EventSignatureCaptured,
		InvestorID: "inv-1",
		SessionID:  "sess-1",
		PropertyID: "prop-1",
		Metadata:   map[string]any{"signature_hash": "abc", "consent": true},
		ClientIP:   "10.0.0.1",
		UserAgent:  "test-agent",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := log.List(context.Background(), Filter{PropertyID: "prop-1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	metadata, err := entries[0].DecodeMetadata()
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	if metadata["request_id"] != "req-123" {
		t.Fatalf("expected request id in metadata, got %v", metadata["request_id"])
	}
	if metadata["signature_hash"] != "abc" || metadata["consent"] != true {
		t.Fatalf("unexpected metadata %v", metadata)
	}
	if entries[0].EventType != EventSignatureCaptured {
		t.Fatalf("unexpected event type %s", entries[0].EventType)
	}
}

func TestListFiltersByType(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()
	for _, eventType := range []EventType{EventSessionCreated, EventOTPVerified, EventSessionCreated} {
		if err := log.Record(ctx, Event{Type: eventType, PropertyID: "prop-1"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	entries, err := log.List(ctx, Filter{Types: []EventType{EventSessionCreated}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 session_created entries, got %d", len(entries))
	}
}

func TestRecordRejectsMissingType(t *testing.T) {
	log, _ := newTestLog(t)
	err := log.Record(context.Background(), Event{})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
