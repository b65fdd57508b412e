package payments

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/apperrors"
	"github.com/MarcoPoloResearchLab/deedsign/internal/audit"
	"github.com/MarcoPoloResearchLab/deedsign/internal/registry"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("audit-%03d", s.next), nil
}

type fixture struct {
	db       *gorm.DB
	service  *Service
	registry *registry.Service
	auditLog *audit.Log
}

func newFixture(t *testing.T, totalFractions int) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "payments.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&Payment{}, &audit.Entry{}, &registry.Investor{}, &registry.Property{}, &registry.CoOwner{}))

	ctx := context.Background()
	registryService, err := registry.NewService(registry.ServiceConfig{Database: db})
	require.NoError(t, err)
	require.NoError(t, registryService.SaveProperty(ctx, registry.Property{PropertyID: "prop-1", Title: "Marina View", TotalFractions: totalFractions}))
	for _, investorID := range []string{"inv-a", "inv-b", "inv-c"} {
		require.NoError(t, registryService.SaveInvestor(ctx, registry.Investor{InvestorID: investorID, FullName: investorID, Email: investorID + "@example.com"}))
	}

	clock := func() time.Time { return time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC) }
	auditLog, err := audit.NewLog(audit.LogConfig{Database: db, Clock: clock, IDProvider: &sequenceIDs{}})
	require.NoError(t, err)
	service, err := NewService(ServiceConfig{Database: db, Audit: auditLog, Clock: clock})
	require.NoError(t, err)
	return &fixture{db: db, service: service, registry: registryService, auditLog: auditLog}
}

func TestProcessCompletionIsIdempotentOnEventID(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	event := Event{EventID: "evt-1", InvestorID: "inv-a", PropertyID: "prop-1", AmountAED: 900000}

	first, err := f.service.ProcessCompletion(ctx, event)
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	require.Equal(t, 1, first.Payment.FractionNumber)

	again, err := f.service.ProcessCompletion(ctx, event)
	require.NoError(t, err)
	require.True(t, again.Duplicate)
	require.Equal(t, 1, again.Payment.FractionNumber)

	property, err := f.registry.Property(ctx, "prop-1")
	require.NoError(t, err)
	require.Equal(t, 1, property.SoldFractions)

	isCoOwner, err := f.registry.IsCoOwner(ctx, "prop-1", "inv-a")
	require.NoError(t, err)
	require.True(t, isCoOwner)

	entries, err := f.auditLog.List(ctx, audit.Filter{Types: []audit.EventType{audit.EventPaymentCompleted}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	metadata, err := entries[0].DecodeMetadata()
	require.NoError(t, err)
	require.Equal(t, "evt-1", metadata["event_id"])
}

func TestProcessCompletionConcurrentRedelivery(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	event := Event{EventID: "evt-race", InvestorID: "inv-b", PropertyID: "prop-1", AmountAED: 900000}

	var wg sync.WaitGroup
	results := make([]Result, 5)
	errs := make([]error, 5)
	for index := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[index], errs[index] = f.service.ProcessCompletion(ctx, event)
		}()
	}
	wg.Wait()

	applied := 0
	for index := range results {
		require.NoError(t, errs[index])
		if !results[index].Duplicate {
			applied++
		}
	}
	require.Equal(t, 1, applied)

	property, err := f.registry.Property(ctx, "prop-1")
	require.NoError(t, err)
	require.Equal(t, 1, property.SoldFractions)
}

func TestProcessCompletionRejectsSoldOutAndUnknownRecords(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.service.ProcessCompletion(ctx, Event{EventID: "evt-1", InvestorID: "inv-a", PropertyID: "prop-1", AmountAED: 100})
	require.NoError(t, err)

	_, err = f.service.ProcessCompletion(ctx, Event{EventID: "evt-2", InvestorID: "inv-b", PropertyID: "prop-1", AmountAED: 100})
	require.ErrorIs(t, err, apperrors.ErrConflict)

	var stored int64
	require.NoError(t, f.db.Model(&Payment{}).Count(&stored).Error)
	require.Equal(t, int64(1), stored, "a rejected event leaves no payment row")

	_, err = f.service.ProcessCompletion(ctx, Event{EventID: "evt-3", InvestorID: "inv-z", PropertyID: "prop-1", AmountAED: 100})
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = f.service.ProcessCompletion(ctx, Event{EventID: "evt-4", InvestorID: "inv-c", PropertyID: "prop-1", AmountAED: 0})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}
