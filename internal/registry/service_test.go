package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/deedsign/internal/apperrors"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "registry.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Investor{}, &Property{}, &CoOwner{}); err != nil {
		t.Fatalf("failed to migrate registry schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestCoOwnersOrderedByFraction(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.SaveProperty(ctx, Property{PropertyID: "prop-1", Title: "Marina View", TotalFractions: 4}); err != nil {
		t.Fatalf("SaveProperty: %v", err)
	}
	for _, investor := range []Investor{
		{InvestorID: "inv-b", FullName: "Bea", Email: "bea@example.com"},
		{InvestorID: "inv-a", FullName: "Ahmed", Email: "ahmed@example.com"},
	} {
		if err := service.SaveInvestor(ctx, investor); err != nil {
			t.Fatalf("SaveInvestor: %v", err)
		}
	}
	if err := service.AddCoOwner(ctx, CoOwner{PropertyID: "prop-1", InvestorID: "inv-b", FractionNumber: 2}); err != nil {
		t.Fatalf("AddCoOwner: %v", err)
	}
	if err := service.AddCoOwner(ctx, CoOwner{PropertyID: "prop-1", InvestorID: "inv-a", FractionNumber: 1}); err != nil {
		t.Fatalf("AddCoOwner: %v", err)
	}

	records, err := service.CoOwners(ctx, "prop-1")
	if err != nil {
		t.Fatalf("CoOwners: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 co-owners, got %d", len(records))
	}
	if records[0].Investor.InvestorID != "inv-a" || records[1].Investor.InvestorID != "inv-b" {
		t.Fatalf("unexpected order: %s, %s", records[0].Investor.InvestorID, records[1].Investor.InvestorID)
	}

	isOwner, err := service.IsCoOwner(ctx, "prop-1", "inv-a")
	if err != nil || !isOwner {
		t.Fatalf("expected inv-a to be a co-owner (err=%v)", err)
	}

	err = service.AddCoOwner(ctx, CoOwner{PropertyID: "prop-1", InvestorID: "inv-a", FractionNumber: 3})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict on duplicate binding, got %v", err)
	}
}

func TestLookupsReportNotFound(t *testing.T) {
	service := newTestService(t)
	if _, err := service.Investor(context.Background(), "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found investor, got %v", err)
	}
	if _, err := service.Property(context.Background(), "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found property, got %v", err)
	}
}

func TestMissingKYC(t *testing.T) {
	investor := Investor{InvestorID: "inv-1", PassportNumber: " ", EmiratesID: "784-1990-1234567-1"}
	missing := investor.MissingKYC()
	if len(missing) != 1 || missing[0] != "passport number" {
		t.Fatalf("unexpected missing fields %v", missing)
	}
	investor.PassportNumber = "N1234567"
	if len(investor.MissingKYC()) != 0 {
		t.Fatalf("expected complete KYC")
	}
}
