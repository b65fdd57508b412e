package pdfdoc

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/registry"
	"github.com/MarcoPoloResearchLab/deedsign/internal/templates"
	"github.com/MarcoPoloResearchLab/deedsign/internal/textshape"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

const dateLayout = "2006-01-02"

// Locale formats numbers, money and dates for one document language.
type Locale struct {
	language templates.Language
	printer  *message.Printer
}

// NewLocale returns the formatter for lang.
func NewLocale(lang templates.Language) Locale {
	tag := language.English
	if lang == templates.LanguageArabic {
		tag = language.Arabic
	}
	return Locale{language: lang, printer: message.NewPrinter(tag)}
}

// Language returns the locale's document language.
func (l Locale) Language() templates.Language {
	return l.language
}

// digits maps any Western digits left by locale formatting to Eastern Arabic
// digits on the Arabic path.
func (l Locale) digits(text string) string {
	if l.language == templates.LanguageArabic {
		return textshape.EasternArabicDigits(text)
	}
	return text
}

// Integer formats a grouped whole number.
func (l Locale) Integer(value int64) string {
	return l.digits(l.printer.Sprint(number.Decimal(value)))
}

// Decimal formats value with exactly places fractional digits.
func (l Locale) Decimal(value float64, places int) string {
	return l.digits(l.printer.Sprint(number.Decimal(value, number.MinFractionDigits(places), number.MaxFractionDigits(places))))
}

// Money formats an AED amount.
func (l Locale) Money(amount int64) string {
	if l.language == templates.LanguageArabic {
		return l.Integer(amount) + " درهم"
	}
	return "AED " + l.Integer(amount)
}

// Date formats t as an ISO calendar date.
func (l Locale) Date(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return l.digits(t.UTC().Format(dateLayout))
}

// Timestamp formats t with second precision in UTC.
func (l Locale) Timestamp(t time.Time) string {
	return l.digits(t.UTC().Format("2006-01-02 15:04:05") + " UTC")
}

// Text maps digits in free text for the Arabic path.
func (l Locale) Text(text string) string {
	return l.digits(text)
}

// PlaceholderInput carries the records placeholders are filled from.
type PlaceholderInput struct {
	Investor registry.Investor
	Property registry.Property
	CoOwners []registry.CoOwnerRecord
	Now      time.Time
}

// PlaceholderValues computes the substitution values of kind's placeholder
// schema for locale.
func PlaceholderValues(kind templates.DocumentKind, locale Locale, input PlaceholderInput) map[templates.Placeholder]string {
	arabic := locale.Language() == templates.LanguageArabic
	investor, property := input.Investor, input.Property
	all := map[templates.Placeholder]string{
		templates.PlaceholderInvestorName:     investor.DisplayName(arabic),
		templates.PlaceholderInvestorEmail:    investor.Email,
		templates.PlaceholderInvestorPhone:    investor.Phone,
		templates.PlaceholderInvestorID:       investor.InvestorID,
		templates.PlaceholderPassportNumber:   investor.PassportNumber,
		templates.PlaceholderEmiratesID:       investor.EmiratesID,
		templates.PlaceholderPropertyTitle:    property.LocalizedTitle(arabic),
		templates.PlaceholderPropertyLocation: property.LocalizedLocation(arabic),
		templates.PlaceholderPropertyPrice:    locale.Money(property.PriceAED),
		templates.PlaceholderFractionPrice:    locale.Money(property.FractionPriceAED),
		templates.PlaceholderBedrooms:         locale.Integer(int64(property.Bedrooms)),
		templates.PlaceholderBathrooms:        locale.Integer(int64(property.Bathrooms)),
		templates.PlaceholderArea:             areaText(locale, property.AreaSqft),
		templates.PlaceholderTotalFractions:   locale.Integer(int64(property.TotalFractions)),
		templates.PlaceholderHandoverDeadline: locale.Date(property.HandoverDeadline()),
		templates.PlaceholderCurrentDate:      locale.Date(input.Now),
	}
	for index := 1; index <= kind.CoOwnerSlots(); index++ {
		name, email := "-", "-"
		if index <= len(input.CoOwners) {
			coOwner := input.CoOwners[index-1].Investor
			name, email = coOwner.DisplayName(arabic), coOwner.Email
		}
		all[templates.CoOwnerNamePlaceholder(index)] = name
		all[templates.CoOwnerEmailPlaceholder(index)] = email
	}

	values := make(map[templates.Placeholder]string, len(all))
	for _, placeholder := range kind.Placeholders() {
		if value, ok := all[placeholder]; ok {
			values[placeholder] = value
		}
	}
	return values
}

// Fill substitutes every {{placeholder}} in body that has a value.
func Fill(body string, values map[templates.Placeholder]string) string {
	pairs := make([]string, 0, len(values)*2)
	for placeholder, value := range values {
		pairs = append(pairs, placeholder.Token(), value)
	}
	return strings.NewReplacer(pairs...).Replace(body)
}

func areaText(locale Locale, area float64) string {
	if locale.Language() == templates.LanguageArabic {
		return fmt.Sprintf("%s قدم مربع", locale.Decimal(area, 0))
	}
	return fmt.Sprintf("%s sq ft", locale.Decimal(area, 0))
}
