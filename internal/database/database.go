package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/deedsign/internal/audit"
	"github.com/MarcoPoloResearchLab/deedsign/internal/bundle"
	"github.com/MarcoPoloResearchLab/deedsign/internal/otp"
	"github.com/MarcoPoloResearchLab/deedsign/internal/payments"
	"github.com/MarcoPoloResearchLab/deedsign/internal/registry"
	"github.com/MarcoPoloResearchLab/deedsign/internal/reservations"
	"github.com/MarcoPoloResearchLab/deedsign/internal/sessions"
	"github.com/MarcoPoloResearchLab/deedsign/internal/signatures"
	"github.com/MarcoPoloResearchLab/deedsign/internal/templates"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Models lists every table the service owns, in creation order.
func Models() []any {
	return []any{
		&registry.Investor{},
		&registry.Property{},
		&registry.CoOwner{},
		&templates.AgreementTemplate{},
		&sessions.Session{},
		&otp.Record{},
		&signatures.Signature{},
		&audit.Entry{},
		&bundle.Export{},
		&bundle.SignedDocument{},
		&reservations.Reservation{},
		&reservations.Slot{},
		&reservations.Invitation{},
		&payments.Payment{},
	}
}

// Open establishes a connection for driver and brings the schema up to date.
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", driver))
	}

	return db, nil
}

// Migrate applies named data migrations and then auto-migrates every model.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&migrationRecord{}); err != nil {
		return err
	}
	if err := applyMigrations(db, logger); err != nil {
		return err
	}
	return db.AutoMigrate(Models()...)
}
