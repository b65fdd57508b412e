package bundle

import (
	"archive/zip"
	"bytes"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type archiveEntry struct {
	name string
	data []byte
}

// buildArchive writes entries in order into a deflated zip stamped with
// modified so identical inputs produce identical bytes.
func buildArchive(entries []archiveEntry, modified time.Time) ([]byte, error) {
	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	for _, entry := range entries {
		header := &zip.FileHeader{
			Name:     entry.name,
			Method:   zip.Deflate,
			Modified: modified,
		}
		file, err := writer.CreateHeader(header)
		if err != nil {
			return nil, err
		}
		if _, err := file.Write(entry.data); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func upsertSignedDocument(db *gorm.DB, document SignedDocument) (SignedDocument, error) {
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "property_id"},
			{Name: "document_type"},
			{Name: "investor_id"},
			{Name: "language"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"file_path", "file_hash", "template_id", "template_version", "all_signed", "generated_at",
		}),
	}).Create(&document).Error
	if err != nil {
		return SignedDocument{}, err
	}
	var stored SignedDocument
	err = db.Where("property_id = ? AND document_type = ? AND investor_id = ? AND language = ?",
		document.PropertyID, document.DocumentType, document.InvestorID, document.Language).
		Take(&stored).Error
	return stored, err
}
