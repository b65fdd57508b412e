package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/signatures"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationCheckSignatureIdentity = "2026-09-30_check_signature_identity"

// ErrDuplicateSignatures reports signature rows sharing an identity triple.
var ErrDuplicateSignatures = errors.New("duplicate signature identities")

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

// applyMigrations runs before the schema is auto-migrated so data can be
// brought in line with constraints the new schema adds.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationCheckSignatureIdentity, apply: checkSignatureIdentity},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

type duplicateIdentity struct {
	InvestorID string `gorm:"column:investor_id"`
	TemplateID string `gorm:"column:template_id"`
	PropertyID string `gorm:"column:property_id"`
	Rows       int64  `gorm:"column:row_count"`
}

// checkSignatureIdentity refuses to continue when existing rows would violate
// idx_signature_identity. Signature rows are evidence and are never removed;
// the conflicting triples are listed for manual resolution.
func checkSignatureIdentity(db *gorm.DB) error {
	if !db.Migrator().HasTable(&signatures.Signature{}) {
		return nil
	}
	var duplicates []duplicateIdentity
	if err := db.Table(signatures.Signature{}.TableName()).
		Select("investor_id, template_id, property_id, COUNT(*) AS row_count").
		Group("investor_id, template_id, property_id").
		Having("COUNT(*) > 1").
		Order("investor_id, template_id, property_id").
		Scan(&duplicates).Error; err != nil {
		return err
	}
	if len(duplicates) == 0 {
		return nil
	}
	conflicts := make([]string, 0, len(duplicates))
	for _, duplicate := range duplicates {
		conflicts = append(conflicts, fmt.Sprintf("investor=%s template=%s property=%s rows=%d",
			duplicate.InvestorID, duplicate.TemplateID, duplicate.PropertyID, duplicate.Rows))
	}
	return fmt.Errorf("%w: %s", ErrDuplicateSignatures, strings.Join(conflicts, "; "))
}
