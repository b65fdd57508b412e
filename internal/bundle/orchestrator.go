// Package bundle assembles the regulatory export archive for a fully signed
// property and generates personal signed copies for investors.
package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/apperrors"
	"github.com/MarcoPoloResearchLab/deedsign/internal/audit"
	"github.com/MarcoPoloResearchLab/deedsign/internal/cryptoutil"
	"github.com/MarcoPoloResearchLab/deedsign/internal/dldcsv"
	"github.com/MarcoPoloResearchLab/deedsign/internal/ids"
	"github.com/MarcoPoloResearchLab/deedsign/internal/metrics"
	"github.com/MarcoPoloResearchLab/deedsign/internal/pdfdoc"
	"github.com/MarcoPoloResearchLab/deedsign/internal/registry"
	"github.com/MarcoPoloResearchLab/deedsign/internal/signatures"
	"github.com/MarcoPoloResearchLab/deedsign/internal/storage"
	"github.com/MarcoPoloResearchLab/deedsign/internal/templates"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	opNew            = "bundle.new"
	opCreateBundle   = "bundle.create"
	opGenerateSigned = "bundle.generate_signed"
	opListExports    = "bundle.list_exports"

	// ReasonSignaturesIncomplete marks a precondition failure caused by
	// missing signatures, as opposed to data the admin has to correct.
	ReasonSignaturesIncomplete = "signatures_incomplete"
	// ReasonPreconditionsFailed marks every other collected precondition failure.
	ReasonPreconditionsFailed = "preconditions_failed"

	DocumentsDir = "documents/"
	DataDir      = "data/"
	ManifestName = "manifest.json"
	CSVName      = dldcsv.FileName

	exportsPrefix = "exports/"
	signedPrefix  = "signed/"
	dayLayout     = "20060102"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingStorage    = errors.New("artifact storage is required")
	errMissingDependency = errors.New("registry, templates, signatures and renderer are required")
)

// Registry resolves the property records an export reads.
type Registry interface {
	Investor(ctx context.Context, investorID string) (registry.Investor, error)
	Property(ctx context.Context, propertyID string) (registry.Property, error)
	CoOwners(ctx context.Context, propertyID string) ([]registry.CoOwnerRecord, error)
}

// TemplateLookup resolves the template a signature was captured against.
type TemplateLookup interface {
	Get(ctx context.Context, templateID string) (templates.AgreementTemplate, error)
}

// SignatureSource reads stored signatures and returns their verified images.
type SignatureSource interface {
	ListForProperty(ctx context.Context, propertyID string) ([]signatures.Signature, error)
	Find(ctx context.Context, investorID, propertyID string, templateType templates.TemplateType) (signatures.Signature, error)
	PropertyStatus(ctx context.Context, propertyID string) (signatures.PropertyStatus, error)
	VerifyIntegrity(signature signatures.Signature) ([]byte, error)
}

// DocumentRenderer produces PDF bytes.
type DocumentRenderer interface {
	RenderSingle(input pdfdoc.SingleInput) ([]byte, error)
	RenderAggregated(input pdfdoc.AggregatedInput) ([]byte, error)
}

// AuditRecorder appends audit events.
type AuditRecorder interface {
	Record(ctx context.Context, event audit.Event) error
}

type OrchestratorConfig struct {
	Database   *gorm.DB
	Registry   Registry
	Templates  TemplateLookup
	Signatures SignatureSource
	Renderer   DocumentRenderer
	Storage    storage.Store
	Audit      AuditRecorder
	Metrics    *metrics.Collectors
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
	// Language of the aggregated PDFs in an export; English when empty.
	Language templates.Language
}

// Orchestrator builds export bundles and signed copies.
type Orchestrator struct {
	db         *gorm.DB
	registry   Registry
	templates  TemplateLookup
	signatures SignatureSource
	renderer   DocumentRenderer
	storage    storage.Store
	audit      AuditRecorder
	metrics    *metrics.Collectors
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
	language   templates.Language
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	switch {
	case cfg.Database == nil:
		return nil, apperrors.New(opNew, "missing_database", apperrors.ErrInternal, errMissingDatabase)
	case cfg.IDProvider == nil:
		return nil, apperrors.New(opNew, "missing_id_provider", apperrors.ErrInternal, errMissingIDProvider)
	case cfg.Storage == nil:
		return nil, apperrors.New(opNew, "missing_storage", apperrors.ErrInternal, errMissingStorage)
	case cfg.Registry == nil || cfg.Templates == nil || cfg.Signatures == nil || cfg.Renderer == nil:
		return nil, apperrors.New(opNew, "missing_dependency", apperrors.ErrInternal, errMissingDependency)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	language := cfg.Language
	if language == "" {
		language = templates.LanguageEnglish
	}
	return &Orchestrator{
		db:         cfg.Database,
		registry:   cfg.Registry,
		templates:  cfg.Templates,
		signatures: cfg.Signatures,
		renderer:   cfg.Renderer,
		storage:    cfg.Storage,
		audit:      cfg.Audit,
		metrics:    cfg.Metrics,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		language:   language,
	}, nil
}

// Bundle is an assembled export and its archive bytes.
type Bundle struct {
	Export  Export
	Archive []byte
}

type gathered struct {
	property   registry.Property
	coOwners   []registry.CoOwnerRecord
	signatures []signatures.Signature
}

type renderedDocument struct {
	kind     templates.DocumentKind
	template templates.AgreementTemplate
	name     string
	data     []byte
	hash     string
}

// CreateBundle validates that propertyID is ready for filing, renders the
// three aggregated documents, tabulates the filing CSV, and stores the
// archive under a key unique to the export. The export record and the
// aggregated SignedDocument rows are written only once every artifact is
// stored.
func (o *Orchestrator) CreateBundle(ctx context.Context, propertyID, requestedBy string) (Bundle, error) {
	propertyID = strings.TrimSpace(propertyID)
	requestedBy = strings.TrimSpace(requestedBy)
	if propertyID == "" || requestedBy == "" {
		return Bundle{}, apperrors.New(opCreateBundle, "invalid_request", apperrors.ErrValidation, nil)
	}

	bundle, err := o.createBundle(ctx, propertyID, requestedBy)
	if err != nil {
		o.exportFailed(ctx, propertyID, requestedBy, err)
		return Bundle{}, err
	}
	o.metrics.Export("success")
	return bundle, nil
}

func (o *Orchestrator) createBundle(ctx context.Context, propertyID, requestedBy string) (Bundle, error) {
	now := o.clock().UTC()

	records, err := o.gather(ctx, propertyID)
	if err != nil {
		return Bundle{}, err
	}
	if err := validate(records); err != nil {
		return Bundle{}, err
	}

	documents, err := o.renderAll(ctx, records)
	if err != nil {
		return Bundle{}, err
	}

	csvData, err := dldcsv.Render(records.property, records.coOwners, records.signatures)
	if err != nil {
		return Bundle{}, err
	}

	entries := make([]archiveEntry, 0, len(documents)+2)
	manifest := Manifest{
		PropertyID:    records.property.PropertyID,
		PropertyTitle: records.property.Title,
		RequestedBy:   requestedBy,
		GeneratedAt:   now,
	}
	for _, document := range documents {
		entries = append(entries, archiveEntry{name: DocumentsDir + document.name, data: document.data})
		manifest.Files = append(manifest.Files, ManifestFile{Name: DocumentsDir + document.name, SHA256: document.hash, SizeBytes: len(document.data)})
	}
	entries = append(entries, archiveEntry{name: DataDir + CSVName, data: csvData})
	manifest.Files = append(manifest.Files, ManifestFile{Name: DataDir + CSVName, SHA256: cryptoutil.SHA256Hex(csvData), SizeBytes: len(csvData)})
	for _, coOwner := range records.coOwners {
		manifest.Investors = append(manifest.Investors, ManifestInvestor{
			InvestorID:     coOwner.Investor.InvestorID,
			Name:           coOwner.Investor.FullName,
			Email:          coOwner.Investor.Email,
			FractionNumber: coOwner.FractionNumber,
		})
	}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Bundle{}, apperrors.New(opCreateBundle, "manifest_failed", apperrors.ErrInternal, err)
	}
	entries = append(entries, archiveEntry{name: ManifestName, data: manifestData})

	archive, err := buildArchive(entries, now)
	if err != nil {
		return Bundle{}, apperrors.New(opCreateBundle, "archive_failed", apperrors.ErrInternal, err)
	}
	bundleHash := cryptoutil.SHA256Hex(archive)
	fileName := ArchiveName(propertyID, now)

	exportID, err := o.idProvider.NewID()
	if err != nil {
		return Bundle{}, apperrors.New(opCreateBundle, "id_generation_failed", apperrors.ErrInternal, err)
	}
	prefix := ExportPrefix(exportID)

	aggregated := make([]SignedDocument, 0, len(documents))
	for _, document := range documents {
		documentPath, err := o.storage.Put(ctx, prefix+DocumentsDir+document.name, document.data, "application/pdf")
		if err != nil {
			o.logError(opCreateBundle, "store_failed", err, zap.String("property_id", propertyID), zap.String("file_name", document.name))
			return Bundle{}, apperrors.New(opCreateBundle, "store_failed", apperrors.ErrInternal, err)
		}
		documentID, err := o.idProvider.NewID()
		if err != nil {
			return Bundle{}, apperrors.New(opCreateBundle, "id_generation_failed", apperrors.ErrInternal, err)
		}
		aggregated = append(aggregated, SignedDocument{
			DocumentID:      documentID,
			PropertyID:      propertyID,
			DocumentType:    document.kind.Type(),
			InvestorID:      AggregatedInvestorID,
			Language:        o.language,
			FilePath:        documentPath,
			FileHash:        document.hash,
			TemplateID:      document.template.TemplateID,
			TemplateVersion: document.template.Version,
			AllSigned:       true,
			GeneratedAt:     now,
		})
	}

	storagePath, err := o.storage.Put(ctx, prefix+fileName, archive, "application/zip")
	if err != nil {
		o.logError(opCreateBundle, "store_failed", err, zap.String("property_id", propertyID))
		return Bundle{}, apperrors.New(opCreateBundle, "store_failed", apperrors.ErrInternal, err)
	}

	export := Export{
		ExportID:    exportID,
		PropertyID:  propertyID,
		RequestedBy: requestedBy,
		FileName:    fileName,
		StoragePath: storagePath,
		BundleHash:  bundleHash,
		SizeBytes:   int64(len(archive)),
		Manifest:    datatypes.JSON(manifestData),
		CreatedAt:   now,
	}
	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&export).Error; err != nil {
			return err
		}
		for _, document := range aggregated {
			if _, err := upsertSignedDocument(tx, document); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		o.logError(opCreateBundle, "record_failed", err, zap.String("property_id", propertyID))
		return Bundle{}, apperrors.New(opCreateBundle, "record_failed", apperrors.ErrInternal, err)
	}

	for index, document := range documents {
		o.record(ctx, audit.Event{
			Type:       audit.EventDocumentSealed,
			PropertyID: propertyID,
			Metadata: map[string]any{
				"scope":            "aggregated",
				"export_id":        exportID,
				"document_type":    string(document.kind.Type()),
				"file_name":        document.name,
				"file_path":        aggregated[index].FilePath,
				"file_hash":        document.hash,
				"template_id":      document.template.TemplateID,
				"template_version": document.template.Version,
			},
		})
	}
	o.record(ctx, audit.Event{
		Type:       audit.EventDocumentSealed,
		PropertyID: propertyID,
		Metadata: map[string]any{
			"scope":        "bundle",
			"export_id":    exportID,
			"file_name":    fileName,
			"bundle_hash":  bundleHash,
			"requested_by": requestedBy,
		},
	})
	return Bundle{Export: export, Archive: archive}, nil
}

func (o *Orchestrator) gather(ctx context.Context, propertyID string) (gathered, error) {
	property, err := o.registry.Property(ctx, propertyID)
	if err != nil {
		return gathered{}, err
	}
	coOwners, err := o.registry.CoOwners(ctx, propertyID)
	if err != nil {
		return gathered{}, err
	}
	rows, err := o.signatures.ListForProperty(ctx, propertyID)
	if err != nil {
		return gathered{}, err
	}
	return gathered{property: property, coOwners: coOwners, signatures: rows}, nil
}

// validate collects every unmet precondition so one failed attempt yields the
// whole remediation list.
func validate(records gathered) error {
	property := records.property
	var reasons []string
	if property.TotalFractions <= 0 {
		reasons = append(reasons, "property has no fractions")
	}
	if property.SoldFractions != property.TotalFractions {
		reasons = append(reasons, fmt.Sprintf("%d of %d fractions sold", property.SoldFractions, property.TotalFractions))
	}
	if len(records.coOwners) != property.TotalFractions {
		reasons = append(reasons, fmt.Sprintf("%d of %d co-owners registered", len(records.coOwners), property.TotalFractions))
	}
	reasons = append(reasons, dldcsv.MissingKYC(records.coOwners)...)

	owners := make(map[string]struct{}, len(records.coOwners))
	for _, coOwner := range records.coOwners {
		owners[coOwner.Investor.InvestorID] = struct{}{}
	}
	signed := make(map[string]struct{}, len(records.signatures))
	for _, signature := range records.signatures {
		if _, ok := owners[signature.InvestorID]; ok {
			signed[signature.InvestorID+"\x00"+string(signature.TemplateType)] = struct{}{}
		}
	}
	required := property.TotalFractions * len(templates.Kinds())
	incomplete := len(signed) < required
	if incomplete {
		reasons = append(reasons, fmt.Sprintf("%d of %d signatures completed", len(signed), required))
	}

	if len(reasons) == 0 {
		return nil
	}
	reason := ReasonPreconditionsFailed
	if incomplete {
		reason = ReasonSignaturesIncomplete
	}
	return apperrors.New(opCreateBundle, reason, apperrors.ErrPreconditionFailed, nil).WithReasons(reasons)
}

// renderAll renders each document kind concurrently; results keep Kinds() order.
func (o *Orchestrator) renderAll(ctx context.Context, records gathered) ([]renderedDocument, error) {
	kinds := templates.Kinds()
	results := make([]renderedDocument, len(kinds))
	group, groupCtx := errgroup.WithContext(ctx)
	for index, kind := range kinds {
		group.Go(func() error {
			document, err := o.renderKind(groupCtx, records, kind)
			if err != nil {
				return err
			}
			results[index] = document
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Orchestrator) renderKind(ctx context.Context, records gathered, kind templates.DocumentKind) (renderedDocument, error) {
	byInvestor := make(map[string]signatures.Signature)
	var latest signatures.Signature
	for _, signature := range records.signatures {
		if signature.TemplateType != kind.Type() {
			continue
		}
		byInvestor[signature.InvestorID] = signature
		if signature.SignedAt.After(latest.SignedAt) || latest.SignatureID == "" {
			latest = signature
		}
	}
	if latest.SignatureID == "" {
		return renderedDocument{}, apperrors.New(opCreateBundle, "no_signatures", apperrors.ErrInternal,
			fmt.Errorf("no %s signatures", kind.Type()))
	}
	template, err := o.templates.Get(ctx, latest.TemplateID)
	if err != nil {
		return renderedDocument{}, err
	}

	signers := make([]pdfdoc.Signer, 0, len(records.coOwners))
	for _, coOwner := range records.coOwners {
		signature, ok := byInvestor[coOwner.Investor.InvestorID]
		if !ok {
			continue
		}
		signers = append(signers, pdfdoc.Signer{
			Investor:       coOwner.Investor,
			FractionNumber: coOwner.FractionNumber,
			Signature:      signature,
			Image:          o.image(signature),
		})
	}

	data, err := o.renderer.RenderAggregated(pdfdoc.AggregatedInput{
		Template: template,
		Property: records.property,
		Signers:  signers,
		CoOwners: records.coOwners,
		Language: o.language,
	})
	if err != nil {
		return renderedDocument{}, err
	}
	name := kind.FileSlug() + ".pdf"
	if o.language == templates.LanguageArabic {
		name = kind.FileSlug() + "_ar.pdf"
	}
	return renderedDocument{kind: kind, template: template, name: name, data: data, hash: cryptoutil.SHA256Hex(data)}, nil
}

// image returns a signature's verified image for embedding. Any failure
// yields nil so the renderer substitutes the unavailable marker for that
// signer only.
func (o *Orchestrator) image(signature signatures.Signature) []byte {
	plaintext, err := o.signatures.VerifyIntegrity(signature)
	if err != nil {
		o.logger.Warn("signature unreadable",
			zap.String("signature_id", signature.SignatureID),
			zap.String("investor_id", signature.InvestorID),
			zap.Error(err))
		return nil
	}
	return plaintext
}

func (o *Orchestrator) exportFailed(ctx context.Context, propertyID, requestedBy string, err error) {
	outcome := "failed"
	if errors.Is(err, apperrors.ErrPreconditionFailed) {
		outcome = "precondition_failed"
	}
	o.metrics.Export(outcome)

	metadata := map[string]any{"requested_by": requestedBy}
	if appErr, ok := apperrors.As(err); ok {
		metadata["code"] = appErr.Code()
		if reasons := appErr.Reasons(); len(reasons) > 0 {
			metadata["reasons"] = reasons
		}
	}
	if outcome == "failed" {
		o.logError(opCreateBundle, "export_failed", err, zap.String("property_id", propertyID))
	}
	o.record(ctx, audit.Event{Type: audit.EventExportFailed, PropertyID: propertyID, Metadata: metadata})
}

// SignedFile is a generated personal copy and its bytes.
type SignedFile struct {
	Document SignedDocument
	Data     []byte
}

// GenerateSigned renders investorID's signed copy of kind for propertyID in
// lang, stores it, and upserts its SignedDocument row.
func (o *Orchestrator) GenerateSigned(ctx context.Context, investorID, propertyID string, kind templates.DocumentKind, lang templates.Language) (SignedFile, error) {
	investorID = strings.TrimSpace(investorID)
	propertyID = strings.TrimSpace(propertyID)
	if investorID == "" || propertyID == "" || kind == nil {
		return SignedFile{}, apperrors.New(opGenerateSigned, "invalid_request", apperrors.ErrValidation, nil)
	}
	if lang == "" {
		lang = templates.LanguageEnglish
	}
	now := o.clock().UTC()

	investor, err := o.registry.Investor(ctx, investorID)
	if err != nil {
		return SignedFile{}, err
	}
	property, err := o.registry.Property(ctx, propertyID)
	if err != nil {
		return SignedFile{}, err
	}
	coOwners, err := o.registry.CoOwners(ctx, propertyID)
	if err != nil {
		return SignedFile{}, err
	}
	signature, err := o.signatures.Find(ctx, investorID, propertyID, kind.Type())
	if err != nil {
		return SignedFile{}, err
	}
	template, err := o.templates.Get(ctx, signature.TemplateID)
	if err != nil {
		return SignedFile{}, err
	}
	fraction := 0
	for _, coOwner := range coOwners {
		if coOwner.Investor.InvestorID == investorID {
			fraction = coOwner.FractionNumber
		}
	}

	data, err := o.renderer.RenderSingle(pdfdoc.SingleInput{
		Template: template,
		Property: property,
		Signer: pdfdoc.Signer{
			Investor:       investor,
			FractionNumber: fraction,
			Signature:      signature,
			Image:          o.image(signature),
		},
		Language: lang,
		CoOwners: coOwners,
	})
	if err != nil {
		return SignedFile{}, err
	}
	fileHash := cryptoutil.SHA256Hex(data)
	name := SignedFileName(kind, investor, propertyID, lang, now)
	storagePath, err := o.storage.Put(ctx, signedPrefix+name, data, "application/pdf")
	if err != nil {
		o.logError(opGenerateSigned, "store_failed", err, zap.String("property_id", propertyID), zap.String("investor_id", investorID))
		return SignedFile{}, apperrors.New(opGenerateSigned, "store_failed", apperrors.ErrInternal, err)
	}

	allSigned := false
	if status, err := o.signatures.PropertyStatus(ctx, propertyID); err == nil {
		if entry, ok := status.Template(kind.Type()); ok {
			allSigned = entry.IsComplete
		}
	}

	documentID, err := o.idProvider.NewID()
	if err != nil {
		return SignedFile{}, apperrors.New(opGenerateSigned, "id_generation_failed", apperrors.ErrInternal, err)
	}
	document := SignedDocument{
		DocumentID:      documentID,
		PropertyID:      propertyID,
		DocumentType:    kind.Type(),
		InvestorID:      investorID,
		Language:        lang,
		FilePath:        storagePath,
		FileHash:        fileHash,
		TemplateID:      template.TemplateID,
		TemplateVersion: template.Version,
		AllSigned:       allSigned,
		GeneratedAt:     now,
	}
	stored, err := upsertSignedDocument(o.db.WithContext(ctx), document)
	if err != nil {
		o.logError(opGenerateSigned, "record_failed", err, zap.String("property_id", propertyID), zap.String("investor_id", investorID))
		return SignedFile{}, apperrors.New(opGenerateSigned, "record_failed", apperrors.ErrInternal, err)
	}

	o.record(ctx, audit.Event{
		Type:       audit.EventDocumentSealed,
		InvestorID: investorID,
		PropertyID: propertyID,
		Metadata: map[string]any{
			"scope":            "single",
			"document_type":    string(kind.Type()),
			"language":         string(lang),
			"file_name":        name,
			"file_hash":        fileHash,
			"template_id":      template.TemplateID,
			"template_version": template.Version,
		},
	})
	return SignedFile{Document: stored, Data: data}, nil
}

// ListExports returns propertyID's export records, newest first.
func (o *Orchestrator) ListExports(ctx context.Context, propertyID string) ([]Export, error) {
	var exports []Export
	if err := o.db.WithContext(ctx).
		Where("property_id = ?", strings.TrimSpace(propertyID)).
		Order("created_at DESC").Order("export_id DESC").
		Find(&exports).Error; err != nil {
		o.logError(opListExports, "query_failed", err)
		return nil, apperrors.New(opListExports, "query_failed", apperrors.ErrInternal, err)
	}
	return exports, nil
}

// ExportPrefix is the storage key prefix holding every artifact of one export.
func ExportPrefix(exportID string) string {
	return exportsPrefix + exportID + "/"
}

// ArchiveName is the deterministic export archive name for propertyID on day.
func ArchiveName(propertyID string, day time.Time) string {
	return fmt.Sprintf("dld_export_%s_%s.zip", sanitize(propertyID), day.UTC().Format(dayLayout))
}

// SignedFileName is the deterministic personal copy name.
func SignedFileName(kind templates.DocumentKind, investor registry.Investor, propertyID string, lang templates.Language, day time.Time) string {
	name := fmt.Sprintf("%s_%s_%s_%s", kind.FileSlug(), sanitize(investor.FullName), sanitize(propertyID), day.UTC().Format(dayLayout))
	if lang == templates.LanguageArabic {
		name += "_ar"
	}
	return name + ".pdf"
}

// sanitize keeps ASCII letters and digits, lowercased, and folds every other
// run of characters into one underscore.
func sanitize(value string) string {
	var builder strings.Builder
	pendingSeparator := false
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		isWord := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isWord {
			pendingSeparator = builder.Len() > 0
			continue
		}
		if pendingSeparator {
			builder.WriteByte('_')
			pendingSeparator = false
		}
		builder.WriteRune(r)
	}
	if builder.Len() == 0 {
		return "unnamed"
	}
	return builder.String()
}

func (o *Orchestrator) record(ctx context.Context, event audit.Event) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Record(ctx, event); err != nil {
		o.logError("bundle.audit", "record_failed", err, zap.String("event_type", string(event.Type)))
	}
}

func (o *Orchestrator) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	o.logger.Error("bundle orchestrator error", allFields...)
}
