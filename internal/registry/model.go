// Package registry exposes read-mostly lookups over investor and property records
// owned by the wider platform.
package registry

import (
	"strings"
	"time"
)

// Investor is a platform investor with KYC fields used by legal exports.
type Investor struct {
	InvestorID     string    `gorm:"column:investor_id;primaryKey;size:190;not null"`
	FullName       string    `gorm:"column:full_name;size:320;not null"`
	FullNameAR     string    `gorm:"column:full_name_ar;size:320;not null;default:''"`
	Email          string    `gorm:"column:email;size:320;not null"`
	Phone          string    `gorm:"column:phone;size:64;not null;default:''"`
	PassportNumber string    `gorm:"column:passport_number;size:64;not null;default:''"`
	EmiratesID     string    `gorm:"column:emirates_id;size:64;not null;default:''"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing investors.
func (Investor) TableName() string {
	return "investors"
}

// MissingKYC lists the KYC fields that are not populated.
func (i Investor) MissingKYC() []string {
	var missing []string
	if normalize(i.PassportNumber) == "" {
		missing = append(missing, "passport number")
	}
	if normalize(i.EmiratesID) == "" {
		missing = append(missing, "emirates id")
	}
	return missing
}

// DisplayName returns the Arabic name when requested and available.
func (i Investor) DisplayName(arabic bool) string {
	if arabic && normalize(i.FullNameAR) != "" {
		return i.FullNameAR
	}
	return i.FullName
}

// Property is a fractional property listing.
type Property struct {
	PropertyID       string    `gorm:"column:property_id;primaryKey;size:190;not null"`
	Title            string    `gorm:"column:title;size:320;not null"`
	TitleAR          string    `gorm:"column:title_ar;size:320;not null;default:''"`
	Location         string    `gorm:"column:location;size:320;not null;default:''"`
	LocationAR       string    `gorm:"column:location_ar;size:320;not null;default:''"`
	PriceAED         int64     `gorm:"column:price_aed;not null;default:0"`
	FractionPriceAED int64     `gorm:"column:fraction_price_aed;not null;default:0"`
	Bedrooms         int       `gorm:"column:bedrooms;not null;default:0"`
	Bathrooms        int       `gorm:"column:bathrooms;not null;default:0"`
	AreaSqft         float64   `gorm:"column:area_sqft;not null;default:0"`
	TotalFractions   int       `gorm:"column:total_fractions;not null;default:4"`
	SoldFractions    int       `gorm:"column:sold_fractions;not null;default:0"`
	HandoverDate     time.Time `gorm:"column:handover_date"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing properties.
func (Property) TableName() string {
	return "properties"
}

// LocalizedTitle returns the Arabic title when requested and available.
func (p Property) LocalizedTitle(arabic bool) string {
	if arabic && normalize(p.TitleAR) != "" {
		return p.TitleAR
	}
	return p.Title
}

// LocalizedLocation returns the Arabic location when requested and available.
func (p Property) LocalizedLocation(arabic bool) string {
	if arabic && normalize(p.LocationAR) != "" {
		return p.LocationAR
	}
	return p.Location
}

// HandoverGrace is the contractual period added to the handover date.
const HandoverGrace = 60 * 24 * time.Hour

// HandoverDeadline returns the handover date plus the contractual grace period,
// or the zero time when no handover date is set.
func (p Property) HandoverDeadline() time.Time {
	if p.HandoverDate.IsZero() {
		return time.Time{}
	}
	return p.HandoverDate.UTC().Add(HandoverGrace)
}

// OwnershipPercent is the share each fraction represents.
func (p Property) OwnershipPercent() float64 {
	if p.TotalFractions <= 0 {
		return 0
	}
	return 100 / float64(p.TotalFractions)
}

// CoOwner binds an investor to one fraction of a property.
type CoOwner struct {
	PropertyID     string    `gorm:"column:property_id;primaryKey;size:190;not null"`
	InvestorID     string    `gorm:"column:investor_id;primaryKey;size:190;not null;index"`
	FractionNumber int       `gorm:"column:fraction_number;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing co-ownership.
func (CoOwner) TableName() string {
	return "property_co_owners"
}

// CoOwnerRecord joins a co-owner binding with its investor.
type CoOwnerRecord struct {
	Investor       Investor
	FractionNumber int
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
