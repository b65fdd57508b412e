package templates

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/deedsign/internal/apperrors"
)

// TemplateType is the stored document-type enum.
type TemplateType string

const (
	TypeCoOwnership     TemplateType = "co_ownership"
	TypePowerOfAttorney TemplateType = "power_of_attorney"
	TypeJOPDeclaration  TemplateType = "jop_declaration"
)

// Language selects the template body and rendering direction.
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageArabic  Language = "ar"
)

// ParseLanguage accepts "en" or "ar", defaulting to English for empty input.
func ParseLanguage(raw string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(LanguageEnglish):
		return LanguageEnglish, nil
	case string(LanguageArabic):
		return LanguageArabic, nil
	default:
		return "", apperrors.New("templates.parse_language", "unsupported_language", apperrors.ErrValidation,
			fmt.Errorf("unsupported language %q", raw))
	}
}

// IsRTL reports whether the language is written right to left.
func (l Language) IsRTL() bool {
	return l == LanguageArabic
}

// Placeholder names a substitution slot written as {{name}} in template bodies.
type Placeholder string

const (
	PlaceholderInvestorName     Placeholder = "investor_name"
	PlaceholderInvestorEmail    Placeholder = "investor_email"
	PlaceholderInvestorPhone    Placeholder = "investor_phone"
	PlaceholderInvestorID       Placeholder = "investor_id"
	PlaceholderPassportNumber   Placeholder = "passport_number"
	PlaceholderEmiratesID       Placeholder = "emirates_id"
	PlaceholderPropertyTitle    Placeholder = "property_title"
	PlaceholderPropertyLocation Placeholder = "property_location"
	PlaceholderPropertyPrice    Placeholder = "property_price"
	PlaceholderFractionPrice    Placeholder = "fraction_price"
	PlaceholderBedrooms         Placeholder = "bedrooms"
	PlaceholderBathrooms        Placeholder = "bathrooms"
	PlaceholderArea             Placeholder = "area"
	PlaceholderTotalFractions   Placeholder = "total_fractions"
	PlaceholderHandoverDeadline Placeholder = "handover_deadline"
	PlaceholderCurrentDate      Placeholder = "current_date"
)

// CoOwnerNamePlaceholder returns the name slot for the 1-based co-owner index.
func CoOwnerNamePlaceholder(index int) Placeholder {
	return Placeholder(fmt.Sprintf("co_owner_%d_name", index))
}

// CoOwnerEmailPlaceholder returns the email slot for the 1-based co-owner index.
func CoOwnerEmailPlaceholder(index int) Placeholder {
	return Placeholder(fmt.Sprintf("co_owner_%d_email", index))
}

// Token returns the literal placeholder token as written in template bodies.
func (p Placeholder) Token() string {
	return "{{" + string(p) + "}}"
}

// DocumentKind is the closed set of legal documents each co-owner signs. The
// unexported method keeps the set sealed to this package.
type DocumentKind interface {
	Type() TemplateType
	Title(language Language) string
	Placeholders() []Placeholder
	CoOwnerSlots() int
	FileSlug() string
	documentKind()
}

var investorPlaceholders = []Placeholder{
	PlaceholderInvestorName,
	PlaceholderInvestorEmail,
	PlaceholderInvestorPhone,
	PlaceholderInvestorID,
	PlaceholderCurrentDate,
}

type coOwnershipKind struct{}

func (coOwnershipKind) Type() TemplateType { return TypeCoOwnership }

func (coOwnershipKind) Title(language Language) string {
	if language == LanguageArabic {
		return "اتفاقية الملكية المشتركة"
	}
	return "Co-Ownership Agreement"
}

func (k coOwnershipKind) Placeholders() []Placeholder {
	placeholders := append([]Placeholder{}, investorPlaceholders...)
	placeholders = append(placeholders,
		PlaceholderPropertyTitle,
		PlaceholderPropertyLocation,
		PlaceholderPropertyPrice,
		PlaceholderFractionPrice,
		PlaceholderBedrooms,
		PlaceholderBathrooms,
		PlaceholderArea,
		PlaceholderTotalFractions,
	)
	for index := 1; index <= k.CoOwnerSlots(); index++ {
		placeholders = append(placeholders, CoOwnerNamePlaceholder(index), CoOwnerEmailPlaceholder(index))
	}
	return placeholders
}

func (coOwnershipKind) CoOwnerSlots() int { return 4 }
func (coOwnershipKind) FileSlug() string  { return "co_ownership_agreement" }
func (coOwnershipKind) documentKind()     {}

type powerOfAttorneyKind struct{}

func (powerOfAttorneyKind) Type() TemplateType { return TypePowerOfAttorney }

func (powerOfAttorneyKind) Title(language Language) string {
	if language == LanguageArabic {
		return "توكيل رسمي"
	}
	return "Power of Attorney"
}

func (powerOfAttorneyKind) Placeholders() []Placeholder {
	placeholders := append([]Placeholder{}, investorPlaceholders...)
	return append(placeholders,
		PlaceholderPassportNumber,
		PlaceholderEmiratesID,
		PlaceholderPropertyTitle,
		PlaceholderPropertyLocation,
	)
}

func (powerOfAttorneyKind) CoOwnerSlots() int { return 0 }
func (powerOfAttorneyKind) FileSlug() string  { return "power_of_attorney" }
func (powerOfAttorneyKind) documentKind()     {}

type jopDeclarationKind struct{}

func (jopDeclarationKind) Type() TemplateType { return TypeJOPDeclaration }

func (jopDeclarationKind) Title(language Language) string {
	if language == LanguageArabic {
		return "إقرار إدارة الملكية المشتركة"
	}
	return "Joint Ownership Property Declaration"
}

func (jopDeclarationKind) Placeholders() []Placeholder {
	placeholders := append([]Placeholder{}, investorPlaceholders...)
	return append(placeholders,
		PlaceholderPropertyTitle,
		PlaceholderPropertyLocation,
		PlaceholderFractionPrice,
		PlaceholderTotalFractions,
		PlaceholderHandoverDeadline,
	)
}

func (jopDeclarationKind) CoOwnerSlots() int { return 0 }
func (jopDeclarationKind) FileSlug() string  { return "jop_declaration" }
func (jopDeclarationKind) documentKind()     {}

var (
	CoOwnership     DocumentKind = coOwnershipKind{}
	PowerOfAttorney DocumentKind = powerOfAttorneyKind{}
	JOPDeclaration  DocumentKind = jopDeclarationKind{}
)

// Kinds returns every document kind in export order.
func Kinds() []DocumentKind {
	return []DocumentKind{CoOwnership, PowerOfAttorney, JOPDeclaration}
}

// KindOf maps a stored template type to its document kind.
func KindOf(templateType TemplateType) (DocumentKind, error) {
	for _, kind := range Kinds() {
		if kind.Type() == templateType {
			return kind, nil
		}
	}
	return nil, apperrors.New("templates.kind_of", "unknown_template_type", apperrors.ErrValidation,
		fmt.Errorf("unknown template type %q", templateType))
}

// ParseKind maps raw input to a document kind.
func ParseKind(raw string) (DocumentKind, error) {
	return KindOf(TemplateType(strings.ToLower(strings.TrimSpace(raw))))
}
