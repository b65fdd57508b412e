package bundle

import (
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/templates"
	"gorm.io/datatypes"
)

// Export records one successfully assembled filing archive.
type Export struct {
	ExportID    string         `gorm:"column:export_id;primaryKey;size:64;not null"`
	PropertyID  string         `gorm:"column:property_id;size:190;not null;index"`
	RequestedBy string         `gorm:"column:requested_by;size:190;not null"`
	FileName    string         `gorm:"column:file_name;size:320;not null"`
	StoragePath string         `gorm:"column:storage_path;size:512;not null"`
	BundleHash  string         `gorm:"column:bundle_hash;size:64;not null"`
	SizeBytes   int64          `gorm:"column:size_bytes;not null"`
	Manifest    datatypes.JSON `gorm:"column:manifest"`
	CreatedAt   time.Time      `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing export records.
func (Export) TableName() string {
	return "dld_exports"
}

// AggregatedInvestorID marks the SignedDocument row of an aggregated export
// document rather than one investor's personal copy.
const AggregatedInvestorID = ""

// SignedDocument tracks the latest generated copy of a document: an
// investor's personal copy, or the aggregated copy from the newest export.
type SignedDocument struct {
	DocumentID      string                 `gorm:"column:document_id;primaryKey;size:64;not null"`
	PropertyID      string                 `gorm:"column:property_id;size:190;not null;uniqueIndex:idx_signed_document,priority:1"`
	DocumentType    templates.TemplateType `gorm:"column:document_type;size:64;not null;uniqueIndex:idx_signed_document,priority:2"`
	InvestorID      string                 `gorm:"column:investor_id;size:190;not null;uniqueIndex:idx_signed_document,priority:3"`
	Language        templates.Language     `gorm:"column:language;size:8;not null;uniqueIndex:idx_signed_document,priority:4"`
	FilePath        string                 `gorm:"column:file_path;size:512;not null"`
	FileHash        string                 `gorm:"column:file_hash;size:64;not null"`
	TemplateID      string                 `gorm:"column:template_id;size:64;not null"`
	TemplateVersion int                    `gorm:"column:template_version;not null"`
	AllSigned       bool                   `gorm:"column:all_signed;not null;default:false"`
	GeneratedAt     time.Time              `gorm:"column:generated_at;not null"`
}

// TableName exposes the table backing signed documents.
func (SignedDocument) TableName() string {
	return "signed_documents"
}

// ManifestFile describes one archive entry.
type ManifestFile struct {
	Name      string `json:"name"`
	SHA256    string `json:"sha256"`
	SizeBytes int    `json:"size_bytes"`
}

// ManifestInvestor is one roster line.
type ManifestInvestor struct {
	InvestorID     string `json:"investor_id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	FractionNumber int    `json:"fraction_number"`
}

// Manifest is the archive's root manifest.json.
type Manifest struct {
	PropertyID    string             `json:"property_id"`
	PropertyTitle string             `json:"property_title"`
	RequestedBy   string             `json:"requested_by"`
	GeneratedAt   time.Time          `json:"generated_at"`
	Files         []ManifestFile     `json:"files"`
	Investors     []ManifestInvestor `json:"investors"`
}
