package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/audit"
	"github.com/MarcoPoloResearchLab/deedsign/internal/bundle"
	"github.com/MarcoPoloResearchLab/deedsign/internal/config"
	"github.com/MarcoPoloResearchLab/deedsign/internal/cryptoutil"
	"github.com/MarcoPoloResearchLab/deedsign/internal/database"
	"github.com/MarcoPoloResearchLab/deedsign/internal/dldcsv"
	"github.com/MarcoPoloResearchLab/deedsign/internal/ids"
	"github.com/MarcoPoloResearchLab/deedsign/internal/metrics"
	"github.com/MarcoPoloResearchLab/deedsign/internal/otp"
	"github.com/MarcoPoloResearchLab/deedsign/internal/payments"
	"github.com/MarcoPoloResearchLab/deedsign/internal/pdfdoc"
	"github.com/MarcoPoloResearchLab/deedsign/internal/registry"
	"github.com/MarcoPoloResearchLab/deedsign/internal/reservations"
	"github.com/MarcoPoloResearchLab/deedsign/internal/sessions"
	"github.com/MarcoPoloResearchLab/deedsign/internal/signatures"
	"github.com/MarcoPoloResearchLab/deedsign/internal/storage"
	"github.com/MarcoPoloResearchLab/deedsign/internal/templates"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application holds every wired service for one process.
type application struct {
	db           *gorm.DB
	metrics      *metrics.Collectors
	registry     *registry.Service
	templates    *templates.Service
	sessions     *sessions.Manager
	signatures   *signatures.Store
	orchestrator *bundle.Orchestrator
	filings      *dldcsv.Builder
	reservations *reservations.Service
	payments     *payments.Service
	closers      []func() error
}

func (a *application) Close() {
	for index := len(a.closers) - 1; index >= 0; index-- {
		_ = a.closers[index]()
	}
}

func buildApplication(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (*application, error) {
	app := &application{}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, sqlDB.Close)
	if err := database.Migrate(db, logger); err != nil {
		return nil, err
	}
	app.db = db

	masterKey, err := cryptoutil.ParseMasterKey(cfg.CryptoMasterKey)
	if err != nil {
		return nil, fmt.Errorf("crypto.master_key: %w", err)
	}
	sealer, err := cryptoutil.NewSealer(masterKey)
	if err != nil {
		return nil, err
	}

	collectors, err := metrics.New()
	if err != nil {
		return nil, err
	}
	app.metrics = collectors

	clock := time.Now
	idProvider := ids.NewUUIDProvider()

	auditLog, err := audit.NewLog(audit.LogConfig{Database: db, Clock: clock, IDProvider: idProvider, Logger: logger})
	if err != nil {
		return nil, err
	}
	app.registry, err = registry.NewService(registry.ServiceConfig{Database: db})
	if err != nil {
		return nil, err
	}
	app.templates, err = templates.NewService(templates.ServiceConfig{Database: db, Clock: clock, IDProvider: idProvider, Logger: logger})
	if err != nil {
		return nil, err
	}

	codeStore, err := newCodeStore(ctx, cfg, db, app)
	if err != nil {
		return nil, err
	}
	codes, err := otp.NewService(otp.ServiceConfig{Store: codeStore, Clock: clock, TTL: cfg.Signing.OTPTTL, Logger: logger})
	if err != nil {
		return nil, err
	}

	app.sessions, err = sessions.NewManager(sessions.ManagerConfig{
		Database:   db,
		Templates:  app.templates,
		Registry:   app.registry,
		Codes:      codes,
		Audit:      auditLog,
		Metrics:    collectors,
		Clock:      clock,
		IDProvider: idProvider,
		Logger:     logger,
		TTL:        cfg.Signing.SessionTTL,
	})
	if err != nil {
		return nil, err
	}
	app.signatures, err = signatures.NewStore(signatures.StoreConfig{
		Database:         db,
		Sealer:           sealer,
		Audit:            auditLog,
		Metrics:          collectors,
		Clock:            clock,
		IDProvider:       idProvider,
		Logger:           logger,
		RequiredCoOwners: cfg.Signing.RequiredCoOwners,
	})
	if err != nil {
		return nil, err
	}

	fonts, err := pdfdoc.LoadFonts(afero.NewOsFs(), pdfdoc.FontPaths{
		Regular: cfg.PDFFonts.Regular,
		Bold:    cfg.PDFFonts.Bold,
		Arabic:  cfg.PDFFonts.Arabic,
	})
	if err != nil {
		return nil, err
	}
	renderer := pdfdoc.NewRenderer(pdfdoc.RendererConfig{Fonts: fonts, Clock: clock, Logger: logger, Metrics: collectors})

	artifacts, err := newArtifactStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.orchestrator, err = bundle.NewOrchestrator(bundle.OrchestratorConfig{
		Database:   db,
		Registry:   app.registry,
		Templates:  app.templates,
		Signatures: app.signatures,
		Renderer:   renderer,
		Storage:    artifacts,
		Audit:      auditLog,
		Metrics:    collectors,
		Clock:      clock,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	app.filings = dldcsv.NewBuilder(app.registry, app.signatures)

	app.reservations, err = reservations.NewService(reservations.ServiceConfig{Database: db, Clock: clock, IDProvider: idProvider, Logger: logger})
	if err != nil {
		return nil, err
	}
	app.payments, err = payments.NewService(payments.ServiceConfig{Database: db, Audit: auditLog, Metrics: collectors, Clock: clock, Logger: logger})
	if err != nil {
		return nil, err
	}

	ok = true
	return app, nil
}

func newCodeStore(ctx context.Context, cfg config.AppConfig, db *gorm.DB, app *application) (otp.Store, error) {
	if cfg.OTPStore != config.OTPStoreRedis {
		return otp.NewDatabaseStore(db), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	app.closers = append(app.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Address, err)
	}
	return otp.NewRedisStore(client), nil
}

func newArtifactStore(ctx context.Context, cfg config.AppConfig) (storage.Store, error) {
	if cfg.StorageDriver != config.StorageMinio {
		return storage.NewFileStore(afero.NewOsFs(), cfg.StorageLocalRoot)
	}
	store, err := storage.NewMinioStore(storage.MinioConfig{
		Endpoint:  cfg.Minio.Endpoint,
		AccessKey: cfg.Minio.AccessKey,
		SecretKey: cfg.Minio.SecretKey,
		Bucket:    cfg.Minio.Bucket,
		Region:    cfg.Minio.Region,
		UseSSL:    cfg.Minio.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}
