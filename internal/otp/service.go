package otp

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/apperrors"
	"github.com/MarcoPoloResearchLab/deedsign/internal/cryptoutil"
	"go.uber.org/zap"
)

const (
	// DefaultTTL is the lifetime of an issued code.
	DefaultTTL = 10 * time.Minute
	// CodeDigits is the length of an issued code.
	CodeDigits = 6
	// DefaultPurgeAfter is how long an expired code is kept so a late
	// verification still reports it as expired.
	DefaultPurgeAfter = 24 * time.Hour

	opServiceNew = "otp.service.new"
	opIssue      = "otp.issue"
	opVerify     = "otp.verify"
)

var errMissingStore = errors.New("otp store is required")

// Deliverer sends a code to an investor's registered destination. Delivery is
// fire-and-forget from the signing pipeline's perspective.
type Deliverer interface {
	Deliver(ctx context.Context, destination, code string) error
}

// LogDeliverer records that a code was dispatched without revealing it. It is
// the default when no mail transport is configured.
type LogDeliverer struct {
	Logger *zap.Logger
}

func (d LogDeliverer) Deliver(_ context.Context, destination, _ string) error {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("otp dispatched", zap.String("destination", maskDestination(destination)))
	return nil
}

// Purger is implemented by stores that do not expire codes on their own.
type Purger interface {
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

type ServiceConfig struct {
	Store      Store
	Deliverer  Deliverer
	Clock      func() time.Time
	TTL        time.Duration
	PurgeAfter time.Duration
	Logger     *zap.Logger
	// CodeGenerator overrides code generation in tests.
	CodeGenerator func() (string, error)
}

// Service issues and verifies codes keyed by session token.
type Service struct {
	store      Store
	deliverer  Deliverer
	clock      func() time.Time
	ttl        time.Duration
	purgeAfter time.Duration
	logger     *zap.Logger
	generate   func() (string, error)
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, apperrors.New(opServiceNew, "missing_store", apperrors.ErrInternal, errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	deliverer := cfg.Deliverer
	if deliverer == nil {
		deliverer = LogDeliverer{Logger: logger}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	purgeAfter := cfg.PurgeAfter
	if purgeAfter <= 0 {
		purgeAfter = DefaultPurgeAfter
	}
	generate := cfg.CodeGenerator
	if generate == nil {
		generate = func() (string, error) { return cryptoutil.NewNumericCode(CodeDigits) }
	}
	return &Service{
		store:      cfg.Store,
		deliverer:  deliverer,
		clock:      clock,
		ttl:        ttl,
		purgeAfter: purgeAfter,
		logger:     logger,
		generate:   generate,
	}, nil
}

// Issue stores a fresh code for sessionToken, replacing any previous one, and
// hands it to the deliverer. Delivery failures are logged, not returned. Stores
// without native expiry are swept of codes older than the purge window.
func (s *Service) Issue(ctx context.Context, sessionToken, destination string) (time.Time, error) {
	code, err := s.generate()
	if err != nil {
		s.logError(opIssue, "code_generation_failed", err)
		return time.Time{}, apperrors.New(opIssue, "code_generation_failed", apperrors.ErrInternal, err)
	}
	now := s.clock().UTC()
	if purger, ok := s.store.(Purger); ok {
		if _, err := purger.PurgeExpired(ctx, now.Add(-s.purgeAfter)); err != nil {
			s.logError(opIssue, "purge_failed", err)
		}
	}
	expiresAt := now.Add(s.ttl)
	stored := Code{Digest: cryptoutil.SHA256Hex([]byte(code)), ExpiresAt: expiresAt}
	if err := s.store.Put(ctx, storeKey(sessionToken), stored, s.ttl); err != nil {
		s.logError(opIssue, "store_failed", err)
		return time.Time{}, apperrors.New(opIssue, "store_failed", apperrors.ErrInternal, err)
	}
	if err := s.deliverer.Deliver(ctx, destination, code); err != nil {
		s.logError(opIssue, "delivery_failed", err, zap.String("destination", maskDestination(destination)))
	}
	return expiresAt, nil
}

// Verify checks code against the one issued for sessionToken. A matching code is
// consumed. Failures are NotFound, Expired or Mismatch.
func (s *Service) Verify(ctx context.Context, sessionToken, code string) error {
	key := storeKey(sessionToken)
	stored, err := s.store.Get(ctx, key)
	if errors.Is(err, ErrCodeNotFound) {
		return apperrors.New(opVerify, "code_not_found", apperrors.ErrNotFound, err)
	}
	if err != nil {
		s.logError(opVerify, "store_failed", err)
		return apperrors.New(opVerify, "store_failed", apperrors.ErrInternal, err)
	}
	if !s.clock().UTC().Before(stored.ExpiresAt) {
		if deleteErr := s.store.Delete(ctx, key); deleteErr != nil {
			s.logError(opVerify, "expired_delete_failed", deleteErr)
		}
		return apperrors.New(opVerify, "code_expired", apperrors.ErrExpired, nil)
	}
	presented := cryptoutil.SHA256Hex([]byte(strings.TrimSpace(code)))
	if !cryptoutil.ConstantTimeEqual(presented, stored.Digest) {
		return apperrors.New(opVerify, "code_mismatch", apperrors.ErrMismatch, nil)
	}
	if err := s.store.Delete(ctx, key); err != nil {
		s.logError(opVerify, "delete_failed", err)
		return apperrors.New(opVerify, "delete_failed", apperrors.ErrInternal, err)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("otp service error", allFields...)
}

// storeKey never exposes the raw token to the store.
func storeKey(sessionToken string) string {
	return cryptoutil.SHA256Hex([]byte(sessionToken))
}

func maskDestination(destination string) string {
	at := strings.Index(destination, "@")
	if at <= 1 {
		return "***"
	}
	return destination[:1] + "***" + destination[at:]
}
