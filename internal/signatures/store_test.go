package signatures

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/apperrors"
	"github.com/MarcoPoloResearchLab/deedsign/internal/audit"
	"github.com/MarcoPoloResearchLab/deedsign/internal/cryptoutil"
	"github.com/MarcoPoloResearchLab/deedsign/internal/otp"
	"github.com/MarcoPoloResearchLab/deedsign/internal/registry"
	"github.com/MarcoPoloResearchLab/deedsign/internal/sessions"
	"github.com/MarcoPoloResearchLab/deedsign/internal/templates"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("%s-%03d", s.prefix, s.next), nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type capturingDeliverer struct {
	mu   sync.Mutex
	last string
}

func (d *capturingDeliverer) Deliver(_ context.Context, _ string, code string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = code
	return nil
}

type fixture struct {
	db        *gorm.DB
	clock     *manualClock
	store     *Store
	manager   *sessions.Manager
	deliverer *capturingDeliverer
	auditLog  *audit.Log
	template  templates.AgreementTemplate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "signatures.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&Signature{}, &sessions.Session{}, &otp.Record{}, &audit.Entry{}, &templates.AgreementTemplate{},
		&registry.Investor{}, &registry.Property{}, &registry.CoOwner{},
	))

	ctx := context.Background()
	clock := &manualClock{now: time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)}
	registryService, err := registry.NewService(registry.ServiceConfig{Database: db})
	require.NoError(t, err)
	require.NoError(t, registryService.SaveProperty(ctx, registry.Property{PropertyID: "prop-1", Title: "Marina View", TotalFractions: 4}))
	for index, investorID := range []string{"inv-a", "inv-b"} {
		require.NoError(t, registryService.SaveInvestor(ctx, registry.Investor{InvestorID: investorID, FullName: investorID, Email: investorID + "@example.com"}))
		require.NoError(t, registryService.AddCoOwner(ctx, registry.CoOwner{PropertyID: "prop-1", InvestorID: investorID, FractionNumber: index + 1}))
	}

	templateService, err := templates.NewService(templates.ServiceConfig{Database: db, Clock: clock.Now, IDProvider: &sequenceIDs{prefix: "tpl"}})
	require.NoError(t, err)
	template, err := templateService.Create(ctx, "", templates.CoOwnership, "Agreement", "")
	require.NoError(t, err)

	deliverer := &capturingDeliverer{}
	codes, err := otp.NewService(otp.ServiceConfig{Store: otp.NewDatabaseStore(db), Deliverer: deliverer, Clock: clock.Now})
	require.NoError(t, err)
	auditLog, err := audit.NewLog(audit.LogConfig{Database: db, Clock: clock.Now, IDProvider: &sequenceIDs{prefix: "audit"}})
	require.NoError(t, err)
	manager, err := sessions.NewManager(sessions.ManagerConfig{
		Database:   db,
		Templates:  templateService,
		Registry:   registryService,
		Codes:      codes,
		Audit:      auditLog,
		Clock:      clock.Now,
		IDProvider: &sequenceIDs{prefix: "sess"},
	})
	require.NoError(t, err)

	masterKey, err := cryptoutil.RandomBytes(cryptoutil.MasterKeyLen)
	require.NoError(t, err)
	sealer, err := cryptoutil.NewSealer(masterKey)
	require.NoError(t, err)
	store, err := NewStore(StoreConfig{
		Database:   db,
		Sealer:     sealer,
		Audit:      auditLog,
		Clock:      clock.Now,
		IDProvider: &sequenceIDs{prefix: "sig"},
	})
	require.NoError(t, err)

	return &fixture{db: db, clock: clock, store: store, manager: manager, deliverer: deliverer, auditLog: auditLog, template: template}
}

func (f *fixture) verifiedToken(t *testing.T, investorID string) string {
	t.Helper()
	ctx := context.Background()
	created, err := f.manager.Create(ctx, sessions.CreateRequest{
		InvestorID: investorID,
		PropertyID: "prop-1",
		TemplateID: f.template.TemplateID,
		ClientIP:   "10.0.0.9",
		UserAgent:  "test-agent",
	})
	require.NoError(t, err)
	f.deliverer.mu.Lock()
	code := f.deliverer.last
	f.deliverer.mu.Unlock()
	_, err = f.manager.Verify(ctx, created.Token, code)
	require.NoError(t, err)
	return created.Token
}

func signatureDataURL(t *testing.T, shade uint8) string {
	t.Helper()
	canvas := image.NewRGBA(image.Rect(0, 0, 12, 6))
	for x := 0; x < 12; x++ {
		canvas.Set(x, 3, color.RGBA{R: shade, A: 255})
	}
	var buffer bytes.Buffer
	require.NoError(t, png.Encode(&buffer, canvas))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buffer.Bytes())
}

func TestSaveEncryptsAndMarksSessionSigned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.verifiedToken(t, "inv-a")
	dataURL := signatureDataURL(t, 10)

	saved, err := f.store.Save(ctx, SaveRequest{SessionToken: token, DataURL: dataURL, Consent: true, ClientIP: "10.0.0.9", UserAgent: "ua"})
	require.NoError(t, err)
	require.Equal(t, "inv-a", saved.InvestorID)
	require.Equal(t, templates.TypeCoOwnership, saved.TemplateType)
	require.Equal(t, 1, saved.TemplateVersion)
	require.Equal(t, f.clock.Now().Format(time.RFC3339Nano), saved.ServerTimestamp)

	plain, _, err := ParseDataURL(dataURL)
	require.NoError(t, err)
	require.NotContains(t, string(saved.EncryptedPayload), string(plain[8:]))
	require.Equal(t, cryptoutil.SHA256Hex(plain), saved.SignatureHash)
	verified, err := f.store.VerifyIntegrity(saved)
	require.NoError(t, err)
	require.Equal(t, plain, verified)

	decrypted, err := f.store.Decrypt(saved)
	require.NoError(t, err)
	require.Equal(t, plain, decrypted)

	_, err = f.store.Save(ctx, SaveRequest{SessionToken: token, DataURL: dataURL, Consent: true})
	require.ErrorIs(t, err, apperrors.ErrUnauthorized, "a signed session cannot be reused")

	entries, err := f.auditLog.List(ctx, audit.Filter{Types: []audit.EventType{audit.EventSignatureCaptured}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	metadata, err := entries[0].DecodeMetadata()
	require.NoError(t, err)
	require.Equal(t, saved.SignatureHash, metadata["signature_hash"])
	require.Equal(t, true, metadata["consent"])
	require.NotContains(t, string(entries[0].Metadata), "base64")
}

func TestSaveRejectsInvalidSubmissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Save(ctx, SaveRequest{SessionToken: "whatever", DataURL: signatureDataURL(t, 1), Consent: false})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = f.store.Save(ctx, SaveRequest{SessionToken: "whatever", DataURL: "data:text/plain;base64,aGVsbG8=", Consent: true})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = f.store.Save(ctx, SaveRequest{SessionToken: "unknown", DataURL: signatureDataURL(t, 1), Consent: true})
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)

	created, err := f.manager.Create(ctx, sessions.CreateRequest{InvestorID: "inv-a", PropertyID: "prop-1", TemplateID: f.template.TemplateID})
	require.NoError(t, err)
	_, err = f.store.Save(ctx, SaveRequest{SessionToken: created.Token, DataURL: signatureDataURL(t, 1), Consent: true})
	require.ErrorIs(t, err, apperrors.ErrUnauthorized, "pending sessions are not usable")

	token := f.verifiedToken(t, "inv-b")
	f.clock.Advance(sessions.DefaultTTL)
	_, err = f.store.Save(ctx, SaveRequest{SessionToken: token, DataURL: signatureDataURL(t, 1), Consent: true})
	require.ErrorIs(t, err, apperrors.ErrUnauthorized, "expired sessions are not usable")
}

func TestDuplicateSubmissionLeavesOriginalUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	original, err := f.store.Save(ctx, SaveRequest{SessionToken: f.verifiedToken(t, "inv-a"), DataURL: signatureDataURL(t, 10), Consent: true})
	require.NoError(t, err)

	for attempt := 0; attempt < 2; attempt++ {
		f.clock.Advance(time.Minute)
		_, err := f.store.Save(ctx, SaveRequest{SessionToken: f.verifiedToken(t, "inv-a"), DataURL: signatureDataURL(t, uint8(20+attempt)), Consent: true})
		require.ErrorIs(t, err, apperrors.ErrConflict)
	}

	stored, found, err := f.store.CheckDuplicate(ctx, "inv-a", f.template.TemplateID, "prop-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, original.SignatureHash, stored.SignatureHash)
	require.Equal(t, original.ServerTimestamp, stored.ServerTimestamp)

	status, err := f.store.PropertyStatus(ctx, "prop-1")
	require.NoError(t, err)
	coOwnership, ok := status.Template(templates.TypeCoOwnership)
	require.True(t, ok)
	require.Equal(t, 1, coOwnership.SignedCount)
	require.Equal(t, DefaultRequiredCoOwners, coOwnership.RequiredCount)
	require.False(t, status.IsComplete)
}

func TestConcurrentSubmissionsProduceOneSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tokens := []string{f.verifiedToken(t, "inv-a"), f.verifiedToken(t, "inv-a")}
	dataURLs := []string{signatureDataURL(t, 1), signatureDataURL(t, 2)}

	var wg sync.WaitGroup
	results := make([]error, len(tokens))
	for index, token := range tokens {
		wg.Add(1)
		go func(index int, token string) {
			defer wg.Done()
			_, results[index] = f.store.Save(ctx, SaveRequest{SessionToken: token, DataURL: dataURLs[index], Consent: true})
		}(index, token)
	}
	wg.Wait()

	successes, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, apperrors.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, successes)
	require.Equal(t, 1, conflicts)

	var count int64
	require.NoError(t, f.db.Model(&Signature{}).Where("investor_id = ?", "inv-a").Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestUniqueIndexRejectsDirectDuplicateInsert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	original, err := f.store.Save(ctx, SaveRequest{SessionToken: f.verifiedToken(t, "inv-a"), DataURL: signatureDataURL(t, 1), Consent: true})
	require.NoError(t, err)

	duplicate := original
	duplicate.SignatureID = "sig-forged"
	duplicate.SessionID = nil
	err = insert(f.db, &duplicate)
	require.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestInvestorStatusAndTamperDetection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	saved, err := f.store.Save(ctx, SaveRequest{SessionToken: f.verifiedToken(t, "inv-b"), DataURL: signatureDataURL(t, 5), Consent: true})
	require.NoError(t, err)

	documents, err := f.store.InvestorStatus(ctx, "inv-b", "prop-1")
	require.NoError(t, err)
	require.Len(t, documents, 3)
	require.True(t, documents[0].Signed)
	require.Equal(t, saved.SignatureID, documents[0].SignatureID)
	require.False(t, documents[1].Signed)

	tampered := saved
	tampered.PropertyID = "prop-other"
	_, err = f.store.VerifyIntegrity(tampered)
	require.ErrorIs(t, err, apperrors.ErrIntegrity)

	wrongHash := saved
	wrongHash.SignatureHash = cryptoutil.SHA256Hex([]byte("other"))
	_, err = f.store.VerifyIntegrity(wrongHash)
	require.ErrorIs(t, err, apperrors.ErrIntegrity)
}

func TestParseDataURL(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "png", input: signatureDataURL(t, 3)},
		{name: "missing scheme", input: "image/png;base64,AAAA", wantErr: true},
		{name: "not base64", input: "data:image/png,rawbytes", wantErr: true},
		{name: "jpeg header with png body", input: "data:image/jpeg;base64," + signatureDataURL(t, 3)[len("data:image/png;base64,"):], wantErr: true},
		{name: "garbage", input: "data:image/png;base64,!!!", wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, format, err := ParseDataURL(testCase.input)
			if testCase.wantErr {
				require.ErrorIs(t, err, apperrors.ErrValidation)
				return
			}
			require.NoError(t, err)
			require.Equal(t, FormatPNG, format)
		})
	}
}
