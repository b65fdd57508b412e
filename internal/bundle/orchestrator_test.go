package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/apperrors"
	"github.com/MarcoPoloResearchLab/deedsign/internal/audit"
	"github.com/MarcoPoloResearchLab/deedsign/internal/cryptoutil"
	"github.com/MarcoPoloResearchLab/deedsign/internal/pdfdoc"
	"github.com/MarcoPoloResearchLab/deedsign/internal/registry"
	"github.com/MarcoPoloResearchLab/deedsign/internal/signatures"
	"github.com/MarcoPoloResearchLab/deedsign/internal/storage"
	"github.com/MarcoPoloResearchLab/deedsign/internal/templates"
	sqlite "github.com/glebarez/sqlite"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
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

var investorIDs = []string{"inv-a", "inv-b", "inv-c", "inv-d"}

type fixture struct {
	db           *gorm.DB
	now          time.Time
	sealer       *cryptoutil.Sealer
	store        *signatures.Store
	artifacts    *storage.FileStore
	auditLog     *audit.Log
	orchestrator *Orchestrator
	templates    map[templates.TemplateType]templates.AgreementTemplate
	logs         *observer.ObservedLogs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "bundle.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&Export{}, &SignedDocument{}, &signatures.Signature{}, &audit.Entry{}, &templates.AgreementTemplate{},
		&registry.Investor{}, &registry.Property{}, &registry.CoOwner{},
	))

	ctx := context.Background()
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	registryService, err := registry.NewService(registry.ServiceConfig{Database: db})
	require.NoError(t, err)
	require.NoError(t, registryService.SaveProperty(ctx, registry.Property{
		PropertyID:     "prop-1",
		Title:          "Marina View",
		PriceAED:       3600000,
		TotalFractions: 4,
		SoldFractions:  4,
		HandoverDate:   time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	for index, investorID := range investorIDs {
		require.NoError(t, registryService.SaveInvestor(ctx, registry.Investor{
			InvestorID:     investorID,
			FullName:       "Investor " + strings.ToUpper(investorID[4:]),
			Email:          investorID + "@example.com",
			Phone:          "+971500000000",
			PassportNumber: "P-" + investorID,
			EmiratesID:     "784-" + investorID,
		}))
		require.NoError(t, registryService.AddCoOwner(ctx, registry.CoOwner{PropertyID: "prop-1", InvestorID: investorID, FractionNumber: index + 1}))
	}

	templateService, err := templates.NewService(templates.ServiceConfig{Database: db, Clock: clock, IDProvider: &sequenceIDs{prefix: "tpl"}})
	require.NoError(t, err)
	created := make(map[templates.TemplateType]templates.AgreementTemplate)
	for _, kind := range templates.Kinds() {
		template, err := templateService.Create(ctx, "", kind, "This agreement binds {{investor_name}} to {{property_title}}.", "")
		require.NoError(t, err)
		created[kind.Type()] = template
	}

	masterKey, err := cryptoutil.RandomBytes(cryptoutil.MasterKeyLen)
	require.NoError(t, err)
	sealer, err := cryptoutil.NewSealer(masterKey)
	require.NoError(t, err)
	auditLog, err := audit.NewLog(audit.LogConfig{Database: db, Clock: clock, IDProvider: &sequenceIDs{prefix: "audit"}})
	require.NoError(t, err)
	store, err := signatures.NewStore(signatures.StoreConfig{Database: db, Sealer: sealer, Clock: clock, IDProvider: &sequenceIDs{prefix: "sig"}})
	require.NoError(t, err)
	artifacts, err := storage.NewFileStore(afero.NewMemMapFs(), "/artifacts")
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	orchestrator, err := NewOrchestrator(OrchestratorConfig{
		Database:   db,
		Registry:   registryService,
		Templates:  templateService,
		Signatures: store,
		Renderer:   pdfdoc.NewRenderer(pdfdoc.RendererConfig{Clock: clock, Uncompressed: true}),
		Storage:    artifacts,
		Audit:      auditLog,
		Clock:      clock,
		IDProvider: &sequenceIDs{prefix: "export"},
		Logger:     zap.New(core),
	})
	require.NoError(t, err)

	return &fixture{
		db:           db,
		now:          now,
		sealer:       sealer,
		store:        store,
		artifacts:    artifacts,
		auditLog:     auditLog,
		orchestrator: orchestrator,
		templates:    created,
		logs:         logs,
	}
}

func signaturePNG(t *testing.T, shade uint8) []byte {
	t.Helper()
	canvas := image.NewRGBA(image.Rect(0, 0, 16, 8))
	for x := 0; x < 16; x++ {
		canvas.Set(x, 4, color.RGBA{B: shade, A: 255})
	}
	var buffer bytes.Buffer
	require.NoError(t, png.Encode(&buffer, canvas))
	return buffer.Bytes()
}

// sign stores a sealed signature row the way the store's save path does.
func (f *fixture) sign(t *testing.T, investorID string, templateType templates.TemplateType, shade uint8) signatures.Signature {
	t.Helper()
	template := f.templates[templateType]
	plain := signaturePNG(t, shade)
	signature := signatures.Signature{
		SignatureID:     fmt.Sprintf("sig-%s-%s", investorID, templateType),
		InvestorID:      investorID,
		TemplateID:      template.TemplateID,
		PropertyID:      "prop-1",
		TemplateType:    templateType,
		TemplateVersion: template.Version,
		SignatureHash:   cryptoutil.SHA256Hex(plain),
		ImageFormat:     signatures.FormatPNG,
		ClientIP:        "10.0.0.7",
		Consent:         true,
		ServerTimestamp: f.now.Format(time.RFC3339Nano),
		SignedAt:        f.now,
	}
	sealed, err := f.sealer.Seal(signature.SignatureID, plain, signature.AAD())
	require.NoError(t, err)
	signature.EncryptedPayload = sealed
	require.NoError(t, f.db.Create(&signature).Error)
	return signature
}

func (f *fixture) signAll(t *testing.T) {
	t.Helper()
	for index, investorID := range investorIDs {
		for _, kind := range templates.Kinds() {
			f.sign(t, investorID, kind.Type(), uint8(40*index+1))
		}
	}
}

func readArchive(t *testing.T, archive []byte) map[string][]byte {
	t.Helper()
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)
	files := make(map[string][]byte, len(reader.File))
	for _, file := range reader.File {
		handle, err := file.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(handle)
		require.NoError(t, err)
		require.NoError(t, handle.Close())
		files[file.Name] = data
	}
	return files
}

func TestCreateBundleHappyPath(t *testing.T) {
	f := newFixture(t)
	f.signAll(t)
	ctx := context.Background()

	bundle, err := f.orchestrator.CreateBundle(ctx, "prop-1", "admin-1")
	require.NoError(t, err)
	require.Equal(t, cryptoutil.SHA256Hex(bundle.Archive), bundle.Export.BundleHash)
	require.Equal(t, "dld_export_prop_1_20261018.zip", bundle.Export.FileName)
	require.Equal(t, "exports/export-001/dld_export_prop_1_20261018.zip", bundle.Export.StoragePath)

	files := readArchive(t, bundle.Archive)
	require.Len(t, files, 5)
	var pdfs, csvs int
	for name, data := range files {
		switch {
		case strings.HasPrefix(name, DocumentsDir) && strings.HasSuffix(name, ".pdf"):
			pdfs++
			require.True(t, bytes.HasPrefix(data, []byte("%PDF-")), name)
		case strings.HasPrefix(name, DataDir) && strings.HasSuffix(name, ".csv"):
			csvs++
		}
	}
	require.Equal(t, 3, pdfs)
	require.Equal(t, 1, csvs)
	require.Contains(t, files, DocumentsDir+"co_ownership_agreement.pdf")
	require.Contains(t, files, DocumentsDir+"power_of_attorney.pdf")
	require.Contains(t, files, DocumentsDir+"jop_declaration.pdf")
	require.Equal(t, 13, strings.Count(string(files[DataDir+CSVName]), "\r\n"))

	var manifest Manifest
	require.NoError(t, json.Unmarshal(files[ManifestName], &manifest))
	require.Equal(t, "admin-1", manifest.RequestedBy)
	require.Len(t, manifest.Files, 4)
	for _, entry := range manifest.Files {
		require.Equal(t, cryptoutil.SHA256Hex(files[entry.Name]), entry.SHA256, entry.Name)
	}
	require.Len(t, manifest.Investors, 4)
	require.Equal(t, "inv-a", manifest.Investors[0].InvestorID)

	stored, err := f.artifacts.Get(ctx, bundle.Export.StoragePath)
	require.NoError(t, err)
	require.Equal(t, bundle.Archive, stored)

	exports, err := f.orchestrator.ListExports(ctx, "prop-1")
	require.NoError(t, err)
	require.Len(t, exports, 1)
	require.Equal(t, bundle.Export.BundleHash, exports[0].BundleHash)

	sealed, err := f.auditLog.List(ctx, audit.Filter{PropertyID: "prop-1", Types: []audit.EventType{audit.EventDocumentSealed}})
	require.NoError(t, err)
	require.Len(t, sealed, 4)
	require.Equal(t, 0, f.logs.FilterMessage("signature unreadable").Len())
}

func TestCreateBundleRecordsAggregatedDocuments(t *testing.T) {
	f := newFixture(t)
	f.signAll(t)
	ctx := context.Background()

	bundle, err := f.orchestrator.CreateBundle(ctx, "prop-1", "admin-1")
	require.NoError(t, err)
	files := readArchive(t, bundle.Archive)

	var documents []SignedDocument
	require.NoError(t, f.db.Where("investor_id = ?", AggregatedInvestorID).Order("document_type ASC").Find(&documents).Error)
	require.Len(t, documents, 3)
	for _, document := range documents {
		require.True(t, document.AllSigned)
		require.Equal(t, templates.LanguageEnglish, document.Language)
		require.Equal(t, f.templates[document.DocumentType].TemplateID, document.TemplateID)
		require.Equal(t, f.templates[document.DocumentType].Version, document.TemplateVersion)
		require.True(t, strings.HasPrefix(document.FilePath, ExportPrefix(bundle.Export.ExportID)+DocumentsDir), document.FilePath)

		stored, err := f.artifacts.Get(ctx, document.FilePath)
		require.NoError(t, err)
		require.Equal(t, document.FileHash, cryptoutil.SHA256Hex(stored))
		require.Equal(t, files[strings.TrimPrefix(document.FilePath, ExportPrefix(bundle.Export.ExportID))], stored)
	}

	_, err = f.orchestrator.CreateBundle(ctx, "prop-1", "admin-1")
	require.NoError(t, err)
	var count int64
	require.NoError(t, f.db.Model(&SignedDocument{}).Where("investor_id = ?", AggregatedInvestorID).Count(&count).Error)
	require.Equal(t, int64(3), count)
}

func TestCreateBundleTwiceOnOneDayKeepsBothArchives(t *testing.T) {
	f := newFixture(t)
	f.signAll(t)
	ctx := context.Background()

	first, err := f.orchestrator.CreateBundle(ctx, "prop-1", "admin-1")
	require.NoError(t, err)
	second, err := f.orchestrator.CreateBundle(ctx, "prop-1", "admin-2")
	require.NoError(t, err)

	require.Equal(t, first.Export.FileName, second.Export.FileName)
	require.NotEqual(t, first.Export.StoragePath, second.Export.StoragePath)
	require.NotEqual(t, first.Export.BundleHash, second.Export.BundleHash)

	exports, err := f.orchestrator.ListExports(ctx, "prop-1")
	require.NoError(t, err)
	require.Len(t, exports, 2)
	for _, export := range exports {
		stored, err := f.artifacts.Get(ctx, export.StoragePath)
		require.NoError(t, err)
		require.Equal(t, export.BundleHash, cryptoutil.SHA256Hex(stored), export.ExportID)
	}
}

func TestCreateBundleRejectsPropertyWithoutFractions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.Where("property_id = ?", "prop-1").Delete(&registry.CoOwner{}).Error)
	require.NoError(t, f.db.Model(&registry.Property{}).Where("property_id = ?", "prop-1").
		Updates(map[string]any{"total_fractions": 0, "sold_fractions": 0}).Error)

	_, err := f.orchestrator.CreateBundle(ctx, "prop-1", "admin-1")
	require.ErrorIs(t, err, apperrors.ErrPreconditionFailed)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	require.Equal(t, ReasonPreconditionsFailed, appErr.Reason())
	require.Equal(t, []string{"property has no fractions"}, appErr.Reasons())
}

func TestCreateBundleIncompleteSignaturesWritesNoExport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, investorID := range investorIDs {
		f.sign(t, investorID, templates.TypeCoOwnership, 1)
		f.sign(t, investorID, templates.TypePowerOfAttorney, 1)
	}

	_, err := f.orchestrator.CreateBundle(ctx, "prop-1", "admin-1")
	require.ErrorIs(t, err, apperrors.ErrPreconditionFailed)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	require.Equal(t, ReasonSignaturesIncomplete, appErr.Reason())
	require.Equal(t, []string{"8 of 12 signatures completed"}, appErr.Reasons())

	var count int64
	require.NoError(t, f.db.Model(&Export{}).Count(&count).Error)
	require.Zero(t, count)

	failed, err := f.auditLog.List(ctx, audit.Filter{Types: []audit.EventType{audit.EventExportFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	metadata, err := failed[0].DecodeMetadata()
	require.NoError(t, err)
	require.Equal(t, []any{"8 of 12 signatures completed"}, metadata["reasons"])
}

func TestCreateBundleCollectsEveryPrecondition(t *testing.T) {
	f := newFixture(t)
	f.signAll(t)
	ctx := context.Background()
	require.NoError(t, f.db.Model(&registry.Property{}).Where("property_id = ?", "prop-1").Update("sold_fractions", 3).Error)
	require.NoError(t, f.db.Model(&registry.Investor{}).Where("investor_id = ?", "inv-b").Update("emirates_id", "").Error)

	_, err := f.orchestrator.CreateBundle(ctx, "prop-1", "admin-1")
	require.ErrorIs(t, err, apperrors.ErrPreconditionFailed)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	require.Equal(t, ReasonPreconditionsFailed, appErr.Reason())
	require.Equal(t, []string{
		"3 of 4 fractions sold",
		"investor inv-b (Investor B) is missing emirates id",
	}, appErr.Reasons())
}

func TestCreateBundleDegradesUnreadableSignature(t *testing.T) {
	f := newFixture(t)
	f.signAll(t)
	ctx := context.Background()
	require.NoError(t, f.db.Model(&signatures.Signature{}).
		Where("signature_id = ?", "sig-inv-c-"+string(templates.TypeCoOwnership)).
		Update("encrypted_payload", []byte("corrupted-payload-that-is-long-enough")).Error)

	bundle, err := f.orchestrator.CreateBundle(ctx, "prop-1", "admin-1")
	require.NoError(t, err)
	files := readArchive(t, bundle.Archive)
	require.Contains(t, string(files[DocumentsDir+"co_ownership_agreement.pdf"]), pdfdoc.UnavailableMarker)
	require.NotContains(t, string(files[DocumentsDir+"power_of_attorney.pdf"]), pdfdoc.UnavailableMarker)
	require.Equal(t, 1, f.logs.FilterMessage("signature unreadable").Len())
}

func TestGenerateSignedStoresAndUpserts(t *testing.T) {
	f := newFixture(t)
	f.signAll(t)
	ctx := context.Background()

	first, err := f.orchestrator.GenerateSigned(ctx, "inv-b", "prop-1", templates.CoOwnership, templates.LanguageArabic)
	require.NoError(t, err)
	require.Equal(t, "signed/co_ownership_agreement_investor_b_prop_1_20261018_ar.pdf", first.Document.FilePath)
	require.Equal(t, cryptoutil.SHA256Hex(first.Data), first.Document.FileHash)
	require.True(t, first.Document.AllSigned)
	require.Equal(t, f.templates[templates.TypeCoOwnership].TemplateID, first.Document.TemplateID)

	stored, err := f.artifacts.Get(ctx, first.Document.FilePath)
	require.NoError(t, err)
	require.Equal(t, first.Data, stored)

	second, err := f.orchestrator.GenerateSigned(ctx, "inv-b", "prop-1", templates.CoOwnership, templates.LanguageArabic)
	require.NoError(t, err)
	require.Equal(t, first.Document.DocumentID, second.Document.DocumentID)

	var count int64
	require.NoError(t, f.db.Model(&SignedDocument{}).Count(&count).Error)
	require.Equal(t, int64(1), count)

	_, err = f.orchestrator.GenerateSigned(ctx, "inv-z", "prop-1", templates.CoOwnership, templates.LanguageEnglish)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestFileNames(t *testing.T) {
	day := time.Date(2026, 1, 2, 23, 0, 0, 0, time.UTC)
	require.Equal(t, "dld_export_tower_7_20260102.zip", ArchiveName("Tower 7", day))
	investor := registry.Investor{FullName: "  Ayesha  Al-Mansoori "}
	require.Equal(t, "power_of_attorney_ayesha_al_mansoori_p_9_20260102.pdf",
		SignedFileName(templates.PowerOfAttorney, investor, "P-9", templates.LanguageEnglish, day))
	require.Equal(t, "unnamed", sanitize("عائشة"))
}
