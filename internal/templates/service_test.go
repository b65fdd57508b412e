package templates

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/apperrors"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("tpl-%03d", s.next), nil
}

type stepClock struct {
	current time.Time
}

func (c *stepClock) Now() time.Time {
	c.current = c.current.Add(time.Second)
	return c.current
}

func newTestService(t *testing.T, logger *zap.Logger) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "templates.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&AgreementTemplate{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	clock := &stepClock{current: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequenceIDs{},
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return service
}

func TestUpdateIncrementsVersionOnlyOnChange(t *testing.T) {
	service := newTestService(t, nil)
	ctx := context.Background()

	created, err := service.Create(ctx, "", CoOwnership, "Agreement for {{investor_name}}", "اتفاقية {{investor_name}}")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Version != 1 || !created.IsActive {
		t.Fatalf("unexpected initial state: version=%d active=%v", created.Version, created.IsActive)
	}
	if created.Name != "Co-Ownership Agreement" {
		t.Fatalf("expected default name, got %q", created.Name)
	}

	sameEN := created.ContentEN
	unchanged, err := service.Update(ctx, created.TemplateID, ContentUpdate{ContentEN: &sameEN})
	if err != nil {
		t.Fatalf("Update (no-op): %v", err)
	}
	if unchanged.Version != 1 {
		t.Fatalf("expected no-op update to keep version 1, got %d", unchanged.Version)
	}

	newAR := "اتفاقية محدثة {{investor_name}}"
	updated, err := service.Update(ctx, created.TemplateID, ContentUpdate{ContentAR: &newAR})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}
	if updated.ContentHashEN != created.ContentHashEN {
		t.Fatalf("english hash must not change when only arabic changed")
	}
	if updated.ContentHashAR == created.ContentHashAR {
		t.Fatalf("arabic hash must be recomputed")
	}

	newEN := "Revised agreement"
	both, err := service.Update(ctx, created.TemplateID, ContentUpdate{ContentEN: &newEN, ContentAR: &newAR})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if both.Version != 3 {
		t.Fatalf("expected a single increment to version 3, got %d", both.Version)
	}
}

func TestActivePrefersNewestAndWarnsOnMultiple(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	service := newTestService(t, zap.New(core))
	ctx := context.Background()

	if _, err := service.Active(ctx, PowerOfAttorney); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found before any template exists, got %v", err)
	}

	first, err := service.Create(ctx, "POA", PowerOfAttorney, "Power of attorney v1", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := service.Create(ctx, "POA revised", PowerOfAttorney, "Power of attorney", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	revised := "Power of attorney v2"
	if _, err := service.Update(ctx, second.TemplateID, ContentUpdate{ContentEN: &revised}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	active, err := service.Active(ctx, PowerOfAttorney)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if active.TemplateID != second.TemplateID {
		t.Fatalf("expected newest version %s, got %s", second.TemplateID, active.TemplateID)
	}
	if logs.FilterMessage("multiple active templates").Len() != 1 {
		t.Fatalf("expected a warning about multiple active templates")
	}

	if _, err := service.SetActive(ctx, second.TemplateID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	active, err = service.Active(ctx, PowerOfAttorney)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if active.TemplateID != first.TemplateID {
		t.Fatalf("expected fallback to %s, got %s", first.TemplateID, active.TemplateID)
	}
}

func TestParseKindAndPlaceholders(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		wantType TemplateType
		wantErr  bool
	}{
		{name: "co ownership", input: "co_ownership", wantType: TypeCoOwnership},
		{name: "trims and lowercases", input: " POWER_OF_ATTORNEY ", wantType: TypePowerOfAttorney},
		{name: "jop", input: "jop_declaration", wantType: TypeJOPDeclaration},
		{name: "unknown", input: "lease", wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			kind, err := ParseKind(testCase.input)
			if testCase.wantErr {
				if !errors.Is(err, apperrors.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKind: %v", err)
			}
			if kind.Type() != testCase.wantType {
				t.Fatalf("expected %s, got %s", testCase.wantType, kind.Type())
			}
		})
	}

	slots := 0
	for _, placeholder := range CoOwnership.Placeholders() {
		if placeholder == CoOwnerNamePlaceholder(4) {
			slots++
		}
	}
	if slots != 1 {
		t.Fatalf("expected co-ownership schema to carry the fourth co-owner slot")
	}
	for _, placeholder := range PowerOfAttorney.Placeholders() {
		if placeholder == CoOwnerNamePlaceholder(1) {
			t.Fatalf("power of attorney must not carry co-owner slots")
		}
	}
}

func TestCreateRejectsEmptyContent(t *testing.T) {
	service := newTestService(t, nil)
	if _, err := service.Create(context.Background(), "JOP", JOPDeclaration, "  ", ""); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
