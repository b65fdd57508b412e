// Package dldcsv builds the DLD co-owner filing: one row per co-owner per
// signed document type, with KYC and signature metadata.
package dldcsv

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/deedsign/internal/apperrors"
	"github.com/MarcoPoloResearchLab/deedsign/internal/registry"
	"github.com/MarcoPoloResearchLab/deedsign/internal/signatures"
	"github.com/MarcoPoloResearchLab/deedsign/internal/templates"
)

const (
	opBuild  = "dldcsv.build"
	opRender = "dldcsv.render"

	// ReasonKYCIncomplete marks a filing refused because a co-owner lacks a
	// required identity document.
	ReasonKYCIncomplete = "kyc_incomplete"

	// FileName is the filing's name inside an export and as a download.
	FileName = "dld_co_owners.csv"
)

// Header is the fixed column order of the filing.
var Header = []string{
	"property_id",
	"property_title",
	"handover_deadline",
	"document_type",
	"owner_index",
	"investor_id",
	"investor_name",
	"investor_email",
	"investor_phone",
	"passport_number",
	"emirates_id",
	"fraction_number",
	"ownership_percentage",
	"signature_timestamp",
	"signature_ip",
	"signature_hash",
}

// Registry supplies the property and its co-owners.
type Registry interface {
	Property(ctx context.Context, propertyID string) (registry.Property, error)
	CoOwners(ctx context.Context, propertyID string) ([]registry.CoOwnerRecord, error)
}

// SignatureLister supplies a property's signatures.
type SignatureLister interface {
	ListForProperty(ctx context.Context, propertyID string) ([]signatures.Signature, error)
}

// Builder loads a property's records and renders its filing.
type Builder struct {
	registry   Registry
	signatures SignatureLister
}

func NewBuilder(registry Registry, signatures SignatureLister) *Builder {
	return &Builder{registry: registry, signatures: signatures}
}

// Build renders the filing for propertyID.
func (b *Builder) Build(ctx context.Context, propertyID string) ([]byte, error) {
	property, err := b.registry.Property(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	coOwners, err := b.registry.CoOwners(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	rows, err := b.signatures.ListForProperty(ctx, propertyID)
	if err != nil {
		return nil, apperrors.New(opBuild, "signature_query_failed", apperrors.ErrInternal, err)
	}
	return Render(property, coOwners, rows)
}

// MissingKYC lists a human-readable reason for every co-owner lacking a
// required KYC field.
func MissingKYC(coOwners []registry.CoOwnerRecord) []string {
	var reasons []string
	for _, coOwner := range coOwners {
		for _, field := range coOwner.Investor.MissingKYC() {
			reasons = append(reasons, fmt.Sprintf("investor %s (%s) is missing %s",
				coOwner.Investor.InvestorID, coOwner.Investor.FullName, field))
		}
	}
	return reasons
}

// Render writes the filing. Any co-owner with incomplete KYC fails the whole
// filing before a single row is produced.
func Render(property registry.Property, coOwners []registry.CoOwnerRecord, rows []signatures.Signature) ([]byte, error) {
	if reasons := MissingKYC(coOwners); len(reasons) > 0 {
		return nil, apperrors.New(opRender, ReasonKYCIncomplete, apperrors.ErrIntegrity, nil).WithReasons(reasons)
	}

	byKey := make(map[string]signatures.Signature, len(rows))
	for _, row := range rows {
		key := signatureKey(row.InvestorID, row.TemplateType)
		if existing, seen := byKey[key]; !seen || row.SignedAt.After(existing.SignedAt) {
			byKey[key] = row
		}
	}

	var buffer bytes.Buffer
	writer := csv.NewWriter(&buffer)
	writer.UseCRLF = true
	if err := writer.Write(Header); err != nil {
		return nil, apperrors.New(opRender, "write_failed", apperrors.ErrInternal, err)
	}

	deadline := "-"
	if handover := property.HandoverDeadline(); !handover.IsZero() {
		deadline = handover.Format("2006-01-02")
	}
	percentage := strconv.FormatFloat(property.OwnershipPercent(), 'f', 2, 64)

	for _, kind := range templates.Kinds() {
		for index, coOwner := range coOwners {
			signature, signed := byKey[signatureKey(coOwner.Investor.InvestorID, kind.Type())]
			if !signed {
				continue
			}
			investor := coOwner.Investor
			record := []string{
				property.PropertyID,
				property.Title,
				deadline,
				string(kind.Type()),
				strconv.Itoa(index + 1),
				investor.InvestorID,
				investor.FullName,
				investor.Email,
				investor.Phone,
				strings.TrimSpace(investor.PassportNumber),
				strings.TrimSpace(investor.EmiratesID),
				strconv.Itoa(coOwner.FractionNumber),
				percentage,
				signature.ServerTimestamp,
				signature.ClientIP,
				signature.SignatureHash,
			}
			if err := writer.Write(record); err != nil {
				return nil, apperrors.New(opRender, "write_failed", apperrors.ErrInternal, err)
			}
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, apperrors.New(opRender, "flush_failed", apperrors.ErrInternal, err)
	}
	return buffer.Bytes(), nil
}

func signatureKey(investorID string, templateType templates.TemplateType) string {
	return investorID + "\x00" + string(templateType)
}
