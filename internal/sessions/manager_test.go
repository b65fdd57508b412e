package sessions

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/apperrors"
	"github.com/MarcoPoloResearchLab/deedsign/internal/audit"
	"github.com/MarcoPoloResearchLab/deedsign/internal/otp"
	"github.com/MarcoPoloResearchLab/deedsign/internal/registry"
	"github.com/MarcoPoloResearchLab/deedsign/internal/templates"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	prefix string
	next   int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("%s-%03d", s.prefix, s.next), nil
}

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

type capturingDeliverer struct {
	last string
}

func (d *capturingDeliverer) Deliver(_ context.Context, _ string, code string) error {
	d.last = code
	return nil
}

type fixture struct {
	db        *gorm.DB
	clock     *manualClock
	manager   *Manager
	deliverer *capturingDeliverer
	auditLog  *audit.Log
	template  templates.AgreementTemplate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "sessions.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&Session{}, &otp.Record{}, &audit.Entry{}, &templates.AgreementTemplate{},
		&registry.Investor{}, &registry.Property{}, &registry.CoOwner{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	clock := &manualClock{now: time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	registryService, err := registry.NewService(registry.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("registry.NewService: %v", err)
	}
	if err := registryService.SaveProperty(ctx, registry.Property{PropertyID: "prop-1", Title: "Marina View", TotalFractions: 4}); err != nil {
		t.Fatalf("SaveProperty: %v", err)
	}
	if err := registryService.SaveInvestor(ctx, registry.Investor{InvestorID: "inv-1", FullName: "Ahmed", Email: "ahmed@example.com"}); err != nil {
		t.Fatalf("SaveInvestor: %v", err)
	}
	if err := registryService.AddCoOwner(ctx, registry.CoOwner{PropertyID: "prop-1", InvestorID: "inv-1", FractionNumber: 1}); err != nil {
		t.Fatalf("AddCoOwner: %v", err)
	}

	templateService, err := templates.NewService(templates.ServiceConfig{Database: db, Clock: clock.Now, IDProvider: &sequenceIDs{prefix: "tpl"}})
	if err != nil {
		t.Fatalf("templates.NewService: %v", err)
	}
	template, err := templateService.Create(ctx, "", templates.CoOwnership, "Agreement", "")
	if err != nil {
		t.Fatalf("Create template: %v", err)
	}

	deliverer := &capturingDeliverer{}
	codes, err := otp.NewService(otp.ServiceConfig{Store: otp.NewDatabaseStore(db), Deliverer: deliverer, Clock: clock.Now})
	if err != nil {
		t.Fatalf("otp.NewService: %v", err)
	}
	auditLog, err := audit.NewLog(audit.LogConfig{Database: db, Clock: clock.Now, IDProvider: &sequenceIDs{prefix: "audit"}})
	if err != nil {
		t.Fatalf("audit.NewLog: %v", err)
	}
	manager, err := NewManager(ManagerConfig{
		Database:   db,
		Templates:  templateService,
		Registry:   registryService,
		Codes:      codes,
		Audit:      auditLog,
		Clock:      clock.Now,
		IDProvider: &sequenceIDs{prefix: "sess"},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &fixture{db: db, clock: clock, manager: manager, deliverer: deliverer, auditLog: auditLog, template: template}
}

func (f *fixture) create(t *testing.T) Created {
	t.Helper()
	created, err := f.manager.Create(context.Background(), CreateRequest{
		InvestorID: "inv-1",
		PropertyID: "prop-1",
		TemplateID: f.template.TemplateID,
		ClientIP:   "10.0.0.1",
		UserAgent:  "test-agent",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return created
}

func TestCreateAndVerifyLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t)

	if len(created.Token) < 64 {
		t.Fatalf("expected a long opaque token, got %d chars", len(created.Token))
	}
	if created.Session.Status != StatusPending {
		t.Fatalf("expected pending, got %s", created.Session.Status)
	}
	if !created.Session.ExpiresAt.Equal(f.clock.now.Add(DefaultTTL)) {
		t.Fatalf("unexpected expiry %s", created.Session.ExpiresAt)
	}
	if created.Session.TokenHash == created.Token {
		t.Fatalf("token must not be stored in clear")
	}

	if _, err := LoadUsable(f.db, created.Token, f.clock.now); !errors.Is(err, apperrors.ErrUnauthorized) {
		t.Fatalf("pending session must not be usable, got %v", err)
	}

	verified, err := f.manager.Verify(ctx, created.Token, f.deliverer.last)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verified.Status != StatusVerified || !verified.OTPVerified {
		t.Fatalf("expected verified session, got %+v", verified)
	}

	if _, err := f.manager.Verify(ctx, created.Token, f.deliverer.last); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("second verify must be rejected, got %v", err)
	}

	usable, err := LoadUsable(f.db, created.Token, f.clock.now)
	if err != nil {
		t.Fatalf("LoadUsable: %v", err)
	}
	if err := MarkSigned(f.db, usable.SessionID, f.clock.now); err != nil {
		t.Fatalf("MarkSigned: %v", err)
	}
	if err := MarkSigned(f.db, usable.SessionID, f.clock.now); !errors.Is(err, apperrors.ErrUnauthorized) {
		t.Fatalf("signed session must not be signed twice, got %v", err)
	}
	if _, err := LoadUsable(f.db, created.Token, f.clock.now); !errors.Is(err, apperrors.ErrUnauthorized) {
		t.Fatalf("signed session must not be usable, got %v", err)
	}

	entries, err := f.auditLog.List(ctx, audit.Filter{PropertyID: "prop-1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0].EventType != audit.EventSessionCreated || entries[1].EventType != audit.EventOTPVerified {
		t.Fatalf("unexpected audit trail %+v", entries)
	}
}

func TestUsableWindowIsExclusiveOfExpiry(t *testing.T) {
	f := newFixture(t)
	created := f.create(t)
	if _, err := f.manager.Verify(context.Background(), created.Token, f.deliverer.last); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	expiresAt := created.Session.ExpiresAt

	if _, err := LoadUsable(f.db, created.Token, expiresAt.Add(-time.Millisecond)); err != nil {
		t.Fatalf("expected usable just before expiry, got %v", err)
	}
	for _, at := range []time.Time{expiresAt, expiresAt.Add(time.Millisecond)} {
		if _, err := LoadUsable(f.db, created.Token, at); !errors.Is(err, apperrors.ErrUnauthorized) {
			t.Fatalf("expected unauthorized at %s, got %v", at, err)
		}
		if err := MarkSigned(f.db, created.Session.SessionID, at); !errors.Is(err, apperrors.ErrUnauthorized) {
			t.Fatalf("expected MarkSigned to refuse at %s, got %v", at, err)
		}
	}
}

func TestVerifyFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Verify(ctx, "unknown-token", "123456"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	created := f.create(t)
	wrong := "000000"
	if f.deliverer.last == wrong {
		wrong = "999999"
	}
	if _, err := f.manager.Verify(ctx, created.Token, wrong); !errors.Is(err, apperrors.ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}

	f.clock.now = f.clock.now.Add(otp.DefaultTTL)
	if _, err := f.manager.Verify(ctx, created.Token, f.deliverer.last); !errors.Is(err, apperrors.ErrExpired) {
		t.Fatalf("expected expired code, got %v", err)
	}

	if _, err := f.manager.ResendCode(ctx, created.Token); err != nil {
		t.Fatalf("ResendCode: %v", err)
	}
	f.clock.now = created.Session.ExpiresAt
	if _, err := f.manager.Verify(ctx, created.Token, f.deliverer.last); !errors.Is(err, apperrors.ErrExpired) {
		t.Fatalf("expected expired session, got %v", err)
	}
	var stored Session
	if err := f.db.Where("session_id = ?", created.Session.SessionID).Take(&stored).Error; err != nil {
		t.Fatalf("load session: %v", err)
	}
	if stored.Status != StatusExpired {
		t.Fatalf("expected expired status, got %s", stored.Status)
	}
}

func TestCreateRejectsNonCoOwner(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Create(context.Background(), CreateRequest{
		InvestorID: "inv-stranger",
		PropertyID: "prop-1",
		TemplateID: f.template.TemplateID,
	})
	if !errors.Is(err, apperrors.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}
