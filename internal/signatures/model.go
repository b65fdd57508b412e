// Package signatures persists encrypted investor signatures and answers
// completion queries across a property's co-owners.
package signatures

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/apperrors"
	"github.com/MarcoPoloResearchLab/deedsign/internal/templates"
)

// MaxImageBytes bounds the decoded signature image.
const MaxImageBytes = 2 << 20

// ImageFormat is the decoded signature image encoding.
type ImageFormat string

const (
	FormatPNG  ImageFormat = "png"
	FormatJPEG ImageFormat = "jpeg"
)

// Signature is one investor's signature on one template for one property. Rows
// are immutable; the unique index on (investor_id, template_id, property_id) is
// the authoritative duplicate guard.
type Signature struct {
	SignatureID      string                 `gorm:"column:signature_id;primaryKey;size:64;not null"`
	SessionID        *string                `gorm:"column:session_id;size:64"`
	InvestorID       string                 `gorm:"column:investor_id;size:190;not null;uniqueIndex:idx_signature_identity,priority:1"`
	TemplateID       string                 `gorm:"column:template_id;size:64;not null;uniqueIndex:idx_signature_identity,priority:2"`
	PropertyID       string                 `gorm:"column:property_id;size:190;not null;uniqueIndex:idx_signature_identity,priority:3;index:idx_signature_property_type,priority:1"`
	TemplateType     templates.TemplateType `gorm:"column:template_type;size:64;not null;index:idx_signature_property_type,priority:2"`
	TemplateVersion  int                    `gorm:"column:template_version;not null"`
	EncryptedPayload []byte                 `gorm:"column:encrypted_payload;not null"`
	SignatureHash    string                 `gorm:"column:signature_hash;size:64;not null"`
	ImageFormat      ImageFormat            `gorm:"column:image_format;size:16;not null"`
	ClientIP         string                 `gorm:"column:client_ip;size:64;not null;default:''"`
	UserAgent        string                 `gorm:"column:user_agent;size:512;not null;default:''"`
	Consent          bool                   `gorm:"column:consent;not null"`
	ServerTimestamp  string                 `gorm:"column:server_timestamp;size:64;not null"`
	SignedAt         time.Time              `gorm:"column:signed_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Signature) TableName() string {
	return "investor_signatures"
}

// AAD binds the ciphertext to the signature's identity triple.
func (s Signature) AAD() []byte {
	return []byte(s.InvestorID + "|" + s.TemplateID + "|" + s.PropertyID)
}

// ShortHash returns the leading characters of the signature hash for display.
func (s Signature) ShortHash(length int) string {
	if length <= 0 || length >= len(s.SignatureHash) {
		return s.SignatureHash
	}
	return s.SignatureHash[:length]
}

var (
	pngMagic  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	jpegMagic = []byte{0xff, 0xd8, 0xff}
)

// ParseDataURL decodes a base64 PNG or JPEG data URL.
func ParseDataURL(dataURL string) ([]byte, ImageFormat, error) {
	const operation = "signatures.parse_data_url"
	trimmed := strings.TrimSpace(dataURL)
	if !strings.HasPrefix(trimmed, "data:") {
		return nil, "", apperrors.New(operation, "not_a_data_url", apperrors.ErrValidation, nil)
	}
	header, payload, found := strings.Cut(trimmed[len("data:"):], ",")
	if !found {
		return nil, "", apperrors.New(operation, "malformed_data_url", apperrors.ErrValidation, nil)
	}
	mediaType, encoding, _ := strings.Cut(header, ";")
	if encoding != "base64" {
		return nil, "", apperrors.New(operation, "unsupported_encoding", apperrors.ErrValidation, nil)
	}
	var declared ImageFormat
	switch strings.ToLower(mediaType) {
	case "image/png":
		declared = FormatPNG
	case "image/jpeg", "image/jpg":
		declared = FormatJPEG
	default:
		return nil, "", apperrors.New(operation, "unsupported_media_type", apperrors.ErrValidation,
			fmt.Errorf("media type %q", mediaType))
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > MaxImageBytes {
		return nil, "", apperrors.New(operation, "image_too_large", apperrors.ErrValidation, nil)
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", apperrors.New(operation, "invalid_base64", apperrors.ErrValidation, err)
	}
	switch declared {
	case FormatPNG:
		if !bytes.HasPrefix(decoded, pngMagic) {
			return nil, "", apperrors.New(operation, "content_type_mismatch", apperrors.ErrValidation, nil)
		}
	case FormatJPEG:
		if !bytes.HasPrefix(decoded, jpegMagic) {
			return nil, "", apperrors.New(operation, "content_type_mismatch", apperrors.ErrValidation, nil)
		}
	}
	return decoded, declared, nil
}

// TemplateStatus is the completion of one document type.
type TemplateStatus struct {
	TemplateType  templates.TemplateType `json:"template_type"`
	SignedCount   int                    `json:"signed_count"`
	RequiredCount int                    `json:"required_count"`
	IsComplete    bool                   `json:"is_complete"`
}

// PropertyStatus aggregates completion across every document type.
type PropertyStatus struct {
	PropertyID  string           `json:"property_id"`
	Templates   []TemplateStatus `json:"templates"`
	SignedTotal int              `json:"signed_total"`
	Required    int              `json:"required_total"`
	IsComplete  bool             `json:"is_complete"`
}

// Template returns the status entry for templateType.
func (p PropertyStatus) Template(templateType templates.TemplateType) (TemplateStatus, bool) {
	for _, status := range p.Templates {
		if status.TemplateType == templateType {
			return status, true
		}
	}
	return TemplateStatus{}, false
}

// InvestorDocument is one investor's signing state for one document type.
type InvestorDocument struct {
	TemplateType templates.TemplateType `json:"template_type"`
	Signed       bool                   `json:"signed"`
	SignatureID  string                 `json:"signature_id,omitempty"`
	SignedAt     *time.Time             `json:"signed_at,omitempty"`
}
