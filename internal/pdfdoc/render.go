// Package pdfdoc renders signed agreement PDFs in English or Arabic, either for
// one investor or aggregated across every co-owner with certificate pages.
package pdfdoc

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/apperrors"
	"github.com/MarcoPoloResearchLab/deedsign/internal/metrics"
	"github.com/MarcoPoloResearchLab/deedsign/internal/registry"
	"github.com/MarcoPoloResearchLab/deedsign/internal/signatures"
	"github.com/MarcoPoloResearchLab/deedsign/internal/templates"
	"go.uber.org/zap"
)

const (
	opRenderSingle     = "pdfdoc.render_single"
	opRenderAggregated = "pdfdoc.render_aggregated"

	// HashDisplayLength is how many hash characters certificate pages show.
	HashDisplayLength = 16
)

type RendererConfig struct {
	Fonts   Fonts
	Clock   func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Collectors
	// Uncompressed disables stream compression, which keeps page text greppable.
	Uncompressed bool
}

// Renderer produces PDF documents. It is safe for concurrent use; each render
// builds its own document.
type Renderer struct {
	fonts    Fonts
	clock    func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Collectors
	compress bool
}

func NewRenderer(cfg RendererConfig) *Renderer {
	fonts := cfg.Fonts.withDefaults()
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{fonts: fonts, clock: clock, logger: logger, metrics: cfg.Metrics, compress: !cfg.Uncompressed}
}

// Signer is one signature with its decrypted image. A nil Image renders the
// unavailable marker in place of the signature.
type Signer struct {
	Investor       registry.Investor
	FractionNumber int
	Signature      signatures.Signature
	Image          []byte
}

// SingleInput is one investor's signed copy of a document.
type SingleInput struct {
	Template templates.AgreementTemplate
	Property registry.Property
	Signer   Signer
	Language templates.Language
	CoOwners []registry.CoOwnerRecord
}

// AggregatedInput is the master copy of a document across all co-owners.
type AggregatedInput struct {
	Template templates.AgreementTemplate
	Property registry.Property
	Signers  []Signer
	CoOwners []registry.CoOwnerRecord
	Language templates.Language
}

// RenderSingle renders input's template filled for its investor followed by
// the investor's signature block.
func (r *Renderer) RenderSingle(input SingleInput) ([]byte, error) {
	kind, err := input.Template.Kind()
	if err != nil {
		return nil, err
	}
	started := time.Now()
	defer r.metrics.ObserveRender(string(kind.Type()), "single", started)

	locale := NewLocale(input.Language)
	labels := labelsFor(input.Language)
	now := r.clock().UTC()
	doc := r.begin(input.Template, kind, input.Language, now)

	r.header(doc, kind, locale, input.Property)
	values := PlaceholderValues(kind, locale, PlaceholderInput{
		Investor: input.Signer.Investor,
		Property: input.Property,
		CoOwners: input.CoOwners,
		Now:      now,
	})
	doc.paragraph(Fill(input.Template.Content(input.Language), values), false, bodySizePt)

	doc.gap(4)
	doc.ensure(SignatureBlockMM)
	doc.rule()
	doc.paragraph(labels.signature, true, bodySizePt)
	r.embed(doc, input.Signer, opRenderSingle)
	doc.field(labels.signedBy, input.Signer.Investor.DisplayName(input.Language == templates.LanguageArabic))
	doc.field(labels.signedAt, locale.Timestamp(input.Signer.Signature.SignedAt))
	doc.field(labels.ipAddress, input.Signer.Signature.ClientIP)
	doc.field(labels.signatureHash, input.Signer.Signature.ShortHash(HashDisplayLength)+"…")

	data, err := doc.output()
	if err != nil {
		r.logError(opRenderSingle, "output_failed", err, zap.String("template_id", input.Template.TemplateID))
		return nil, apperrors.New(opRenderSingle, "output_failed", apperrors.ErrInternal, err)
	}
	return data, nil
}

// RenderAggregated renders the template once with a multi-party notice and
// appends one certificate page per signer.
func (r *Renderer) RenderAggregated(input AggregatedInput) ([]byte, error) {
	kind, err := input.Template.Kind()
	if err != nil {
		return nil, err
	}
	started := time.Now()
	defer r.metrics.ObserveRender(string(kind.Type()), "aggregated", started)

	locale := NewLocale(input.Language)
	labels := labelsFor(input.Language)
	now := r.clock().UTC()
	doc := r.begin(input.Template, kind, input.Language, now)

	r.header(doc, kind, locale, input.Property)
	parties := len(input.CoOwners)
	if parties < len(input.Signers) {
		parties = len(input.Signers)
	}
	doc.centered(locale.Text(fmt.Sprintf(labels.signedByParties, len(input.Signers), parties)), true, bodySizePt)
	doc.gap(3)

	var primary registry.Investor
	if len(input.CoOwners) > 0 {
		primary = input.CoOwners[0].Investor
	}
	values := PlaceholderValues(kind, locale, PlaceholderInput{
		Investor: primary,
		Property: input.Property,
		CoOwners: input.CoOwners,
		Now:      now,
	})
	doc.paragraph(Fill(input.Template.Content(input.Language), values), false, bodySizePt)

	doc.gap(4)
	doc.ensure(SignatureBlockMM)
	doc.rule()
	doc.paragraph(labels.parties, true, bodySizePt)
	for index, signer := range input.Signers {
		line := fmt.Sprintf("%d. %s (%s)", index+1,
			signer.Investor.DisplayName(input.Language == templates.LanguageArabic),
			locale.Timestamp(signer.Signature.SignedAt))
		doc.paragraph(locale.Text(line), false, bodySizePt)
	}

	for _, signer := range input.Signers {
		r.certificate(doc, locale, labels, input.Property, signer)
	}

	data, err := doc.output()
	if err != nil {
		r.logError(opRenderAggregated, "output_failed", err, zap.String("template_id", input.Template.TemplateID))
		return nil, apperrors.New(opRenderAggregated, "output_failed", apperrors.ErrInternal, err)
	}
	return data, nil
}

func (r *Renderer) begin(template templates.AgreementTemplate, kind templates.DocumentKind, lang templates.Language, now time.Time) *sheet {
	footer := fmt.Sprintf("%s v%d", template.TemplateID, template.Version)
	doc := newSheet(r.fonts, lang, footer, r.compress)
	doc.pdf.SetTitle(kind.Title(templates.LanguageEnglish), true)
	doc.pdf.SetCreator("deedsign", true)
	doc.pdf.SetCreationDate(now)
	return doc
}

func (r *Renderer) header(doc *sheet, kind templates.DocumentKind, locale Locale, property registry.Property) {
	arabic := locale.Language() == templates.LanguageArabic
	doc.centered(kind.Title(locale.Language()), true, titleSizePt)
	doc.gap(2)
	doc.centered(property.LocalizedTitle(arabic), false, bodySizePt)
	if location := property.LocalizedLocation(arabic); location != "" {
		doc.centered(location, false, smallSizePt)
	}
	doc.gap(4)
	doc.rule()
}

// certificate appends a page that describes one signature without needing the
// database: identity, capture metadata, truncated hash and the image itself.
func (r *Renderer) certificate(doc *sheet, locale Locale, labels labelSet, property registry.Property, signer Signer) {
	arabic := locale.Language() == templates.LanguageArabic
	doc.newPage()
	doc.centered(labels.certificate, true, titleSizePt)
	doc.gap(4)
	doc.field(labels.property, property.LocalizedTitle(arabic))
	doc.field(labels.name, signer.Investor.DisplayName(arabic))
	doc.field(labels.investorID, signer.Investor.InvestorID)
	doc.field(labels.email, signer.Investor.Email)
	doc.field(labels.phone, signer.Investor.Phone)
	if signer.FractionNumber > 0 {
		doc.field(labels.fraction, locale.Integer(int64(signer.FractionNumber)))
	}
	doc.field(labels.signedAt, locale.Timestamp(signer.Signature.SignedAt))
	doc.field(labels.ipAddress, signer.Signature.ClientIP)
	doc.field(labels.signatureHash, signer.Signature.ShortHash(HashDisplayLength)+"…")
	doc.gap(4)
	doc.paragraph(labels.signature, true, bodySizePt)
	r.embed(doc, signer, opRenderAggregated)
}

func (r *Renderer) embed(doc *sheet, signer Signer, operation string) {
	if doc.signatureImage(signer.Image) {
		return
	}
	r.logger.Warn("signature image unavailable",
		zap.String("operation", operation),
		zap.String("signature_id", signer.Signature.SignatureID),
		zap.String("investor_id", signer.Investor.InvestorID))
	doc.marker(UnavailableMarker)
}

func (r *Renderer) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	r.logger.Error("pdf renderer error", allFields...)
}

type labelSet struct {
	signature       string
	signedBy        string
	signedAt        string
	ipAddress       string
	signatureHash   string
	signedByParties string
	parties         string
	certificate     string
	property        string
	name            string
	investorID      string
	email           string
	phone           string
	fraction        string
}

func labelsFor(lang templates.Language) labelSet {
	if lang == templates.LanguageArabic {
		return labelSet{
			signature:       "التوقيع",
			signedBy:        "الموقع",
			signedAt:        "تاريخ التوقيع",
			ipAddress:       "عنوان IP",
			signatureHash:   "بصمة التوقيع",
			signedByParties: "موقعة من %d من أصل %d أطراف",
			parties:         "الأطراف الموقعة",
			certificate:     "شهادة التوقيع",
			property:        "العقار",
			name:            "الاسم",
			investorID:      "رقم المستثمر",
			email:           "البريد الإلكتروني",
			phone:           "الهاتف",
			fraction:        "رقم الحصة",
		}
	}
	return labelSet{
		signature:       "Signature",
		signedBy:        "Signed by",
		signedAt:        "Signed at",
		ipAddress:       "IP address",
		signatureHash:   "Signature hash",
		signedByParties: "Signed by %d of %d parties",
		parties:         "Signing parties",
		certificate:     "Signature Certificate",
		property:        "Property",
		name:            "Name",
		investorID:      "Investor ID",
		email:           "Email",
		phone:           "Phone",
		fraction:        "Fraction",
	}
}
