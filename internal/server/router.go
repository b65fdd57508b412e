package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/audit"
	"github.com/MarcoPoloResearchLab/deedsign/internal/auth"
	"github.com/MarcoPoloResearchLab/deedsign/internal/bundle"
	"github.com/MarcoPoloResearchLab/deedsign/internal/ids"
	"github.com/MarcoPoloResearchLab/deedsign/internal/metrics"
	"github.com/MarcoPoloResearchLab/deedsign/internal/payments"
	"github.com/MarcoPoloResearchLab/deedsign/internal/reservations"
	"github.com/MarcoPoloResearchLab/deedsign/internal/sessions"
	"github.com/MarcoPoloResearchLab/deedsign/internal/signatures"
	"github.com/MarcoPoloResearchLab/deedsign/internal/templates"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	claimsContextKey    = "deedsign_claims"
	requestIDContextKey = "deedsign_request_id"

	headerRequestID     = "X-Request-ID"
	headerContentSHA256 = "X-Content-SHA256"
	headerBundleSHA256  = "X-Bundle-SHA256"
	headerWebhookSecret = "X-Webhook-Secret"
)

var (
	errMissingValidator    = errors.New("claims validator dependency required")
	errMissingSessions     = errors.New("session manager dependency required")
	errMissingSignatures   = errors.New("signature service dependency required")
	errMissingTemplates    = errors.New("template service dependency required")
	errMissingCoOwnership  = errors.New("co-ownership lookup dependency required")
	errMissingBundles      = errors.New("bundle service dependency required")
	errMissingReservations = errors.New("reservation service dependency required")
	errMissingPayments     = errors.New("payment processor dependency required")
	errMissingFilings      = errors.New("filing builder dependency required")
)

type ClaimsValidator interface {
	ValidateRequest(r *http.Request) (auth.Claims, error)
}

type SessionManager interface {
	Create(ctx context.Context, request sessions.CreateRequest) (sessions.Created, error)
	Verify(ctx context.Context, token, code string) (sessions.Session, error)
	ResendCode(ctx context.Context, token string) (time.Time, error)
}

type SignatureService interface {
	Save(ctx context.Context, request signatures.SaveRequest) (signatures.Signature, error)
	PropertyStatus(ctx context.Context, propertyID string) (signatures.PropertyStatus, error)
	InvestorStatus(ctx context.Context, investorID, propertyID string) ([]signatures.InvestorDocument, error)
}

type TemplateService interface {
	Active(ctx context.Context, kind templates.DocumentKind) (templates.AgreementTemplate, error)
	Create(ctx context.Context, name string, kind templates.DocumentKind, contentEN, contentAR string) (templates.AgreementTemplate, error)
	Update(ctx context.Context, templateID string, update templates.ContentUpdate) (templates.AgreementTemplate, error)
	SetActive(ctx context.Context, templateID string, active bool) (templates.AgreementTemplate, error)
}

type CoOwnership interface {
	IsCoOwner(ctx context.Context, propertyID, investorID string) (bool, error)
}

type BundleService interface {
	CreateBundle(ctx context.Context, propertyID, requestedBy string) (bundle.Bundle, error)
	GenerateSigned(ctx context.Context, investorID, propertyID string, kind templates.DocumentKind, lang templates.Language) (bundle.SignedFile, error)
	ListExports(ctx context.Context, propertyID string) ([]bundle.Export, error)
}

type ReservationService interface {
	Create(ctx context.Context, request reservations.CreateRequest) (reservations.Reservation, error)
	Invite(ctx context.Context, reservationID string, requests []reservations.InvitationRequest) ([]reservations.IssuedInvitation, error)
	Get(ctx context.Context, reservationID string) (reservations.Reservation, error)
}

type PaymentProcessor interface {
	ProcessCompletion(ctx context.Context, event payments.Event) (payments.Result, error)
}

// FilingBuilder renders a property's DLD co-owner CSV on its own.
type FilingBuilder interface {
	Build(ctx context.Context, propertyID string) ([]byte, error)
}

type Dependencies struct {
	Validator          ClaimsValidator
	Sessions           SessionManager
	Signatures         SignatureService
	Templates          TemplateService
	CoOwnership        CoOwnership
	Bundles            BundleService
	Reservations       ReservationService
	Payments           PaymentProcessor
	Filings            FilingBuilder
	Dispatcher         *ProgressDispatcher
	Metrics            *metrics.Collectors
	IDProvider         ids.Provider
	AllowedOrigins     []string
	WebhookSecret      string
	OTPVerifyPerMinute int
	HeartbeatInterval  time.Duration
	Clock              func() time.Time
	Logger             *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Validator == nil:
		return nil, errMissingValidator
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Signatures == nil:
		return nil, errMissingSignatures
	case deps.Templates == nil:
		return nil, errMissingTemplates
	case deps.CoOwnership == nil:
		return nil, errMissingCoOwnership
	case deps.Bundles == nil:
		return nil, errMissingBundles
	case deps.Reservations == nil:
		return nil, errMissingReservations
	case deps.Payments == nil:
		return nil, errMissingPayments
	case deps.Filings == nil:
		return nil, errMissingFilings
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewProgressDispatcher()
	}
	idProvider := deps.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}

	handler := &httpHandler{
		validator:     deps.Validator,
		sessions:      deps.Sessions,
		signatures:    deps.Signatures,
		templates:     deps.Templates,
		coOwnership:   deps.CoOwnership,
		bundles:       deps.Bundles,
		reservations:  deps.Reservations,
		payments:      deps.Payments,
		filings:       deps.Filings,
		dispatcher:    dispatcher,
		metrics:       deps.Metrics,
		idProvider:    idProvider,
		webhookSecret: strings.TrimSpace(deps.WebhookSecret),
		verifyLimiter: newKeyedLimiter(deps.OTPVerifyPerMinute, clock),
		heartbeat:     heartbeat,
		clock:         clock,
		logger:        logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.Use(handler.assignRequestID)

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	if handler.webhookSecret != "" {
		router.POST("/webhooks/payments", handler.handlePaymentWebhook)
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/signing/sessions", handler.handleCreateSession)
	protected.POST("/signing/sessions/verify", handler.handleVerifySession)
	protected.POST("/signing/sessions/resend", handler.handleResendCode)
	protected.POST("/signing/signatures", handler.handleCaptureSignature)
	protected.GET("/signing/status/:propertyId", handler.handlePropertyStatus)
	protected.GET("/signing/status/:propertyId/me", handler.handleInvestorStatus)
	protected.GET("/signing/events/:propertyId", handler.handleProgressEvents)
	protected.GET("/documents/:propertyId/:templateType", handler.handleSignedDocument)
	protected.POST("/reservations", handler.handleCreateReservation)
	protected.POST("/reservations/:id/invitations", handler.handleInvite)

	admin := protected.Group("/admin")
	admin.Use(handler.requireRole(auth.RoleAdmin))
	admin.POST("/exports/:propertyId", handler.handleCreateExport)
	admin.GET("/exports/:propertyId", handler.handleListExports)
	admin.GET("/filings/:propertyId", handler.handleFilingCSV)
	admin.POST("/templates", handler.handleCreateTemplate)
	admin.PATCH("/templates/:id", handler.handleUpdateTemplate)

	return router, nil
}

type httpHandler struct {
	validator     ClaimsValidator
	sessions      SessionManager
	signatures    SignatureService
	templates     TemplateService
	coOwnership   CoOwnership
	bundles       BundleService
	reservations  ReservationService
	payments      PaymentProcessor
	filings       FilingBuilder
	dispatcher    *ProgressDispatcher
	metrics       *metrics.Collectors
	idProvider    ids.Provider
	webhookSecret string
	verifyLimiter *keyedLimiter
	heartbeat     time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", headerRequestID},
		ExposeHeaders: []string{headerRequestID, headerContentSHA256, headerBundleSHA256, "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func (h *httpHandler) assignRequestID(c *gin.Context) {
	requestID := strings.TrimSpace(c.GetHeader(headerRequestID))
	if requestID == "" || len(requestID) > 128 {
		generated, err := h.idProvider.NewID()
		if err != nil {
			h.logger.Warn("request id generation failed", zap.Error(err))
		}
		requestID = generated
	}
	c.Set(requestIDContextKey, requestID)
	c.Header(headerRequestID, requestID)
	c.Request = c.Request.WithContext(audit.WithRequestID(c.Request.Context(), requestID))
	c.Next()
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !callerClaims(c).HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, errorPayload{Error: "forbidden"})
			return
		}
		c.Next()
	}
}

func callerClaims(c *gin.Context) auth.Claims {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return auth.Claims{}
	}
	claims, _ := value.(auth.Claims)
	return claims
}

// authorizeProperty lets co-owners and admins read a property's signing state.
func (h *httpHandler) authorizeProperty(c *gin.Context, propertyID string) bool {
	claims := callerClaims(c)
	if claims.HasRole(auth.RoleAdmin) {
		return true
	}
	isCoOwner, err := h.coOwnership.IsCoOwner(c.Request.Context(), propertyID, claims.InvestorID)
	if err != nil {
		h.writeError(c, err)
		return false
	}
	if !isCoOwner {
		c.AbortWithStatusJSON(http.StatusForbidden, errorPayload{Error: "not_a_co_owner"})
		return false
	}
	return true
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": h.clock().UTC().Format(time.RFC3339)})
}
