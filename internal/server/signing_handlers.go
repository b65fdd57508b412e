package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/sessions"
	"github.com/MarcoPoloResearchLab/deedsign/internal/signatures"
	"github.com/MarcoPoloResearchLab/deedsign/internal/templates"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type createSessionRequest struct {
	PropertyID   string `json:"property_id"`
	TemplateType string `json:"template_type"`
}

type createSessionResponse struct {
	SessionID     string    `json:"session_id"`
	SessionToken  string    `json:"session_token"`
	TemplateID    string    `json:"template_id"`
	ExpiresAt     time.Time `json:"expires_at"`
	CodeExpiresAt time.Time `json:"code_expires_at"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request createSessionRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.PropertyID) == "" {
		badRequest(c, "invalid_request")
		return
	}
	kind, err := templates.ParseKind(request.TemplateType)
	if err != nil {
		h.writeError(c, err)
		return
	}
	ctx := c.Request.Context()
	template, err := h.templates.Active(ctx, kind)
	if err != nil {
		h.writeError(c, err)
		return
	}
	created, err := h.sessions.Create(ctx, sessions.CreateRequest{
		InvestorID: callerClaims(c).InvestorID,
		PropertyID: request.PropertyID,
		TemplateID: template.TemplateID,
		ClientIP:   c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createSessionResponse{
		SessionID:     created.Session.SessionID,
		SessionToken:  created.Token,
		TemplateID:    created.Session.TemplateID,
		ExpiresAt:     created.Session.ExpiresAt,
		CodeExpiresAt: created.CodeExpiresAt,
	})
}

type verifySessionRequest struct {
	SessionToken string `json:"session_token"`
	Code         string `json:"code"`
}

func (h *httpHandler) handleVerifySession(c *gin.Context) {
	var request verifySessionRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SessionToken) == "" {
		badRequest(c, "invalid_request")
		return
	}
	if !h.verifyLimiter.Allow(request.SessionToken) {
		h.metrics.OTPVerification("rate_limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errorPayload{Error: "too_many_attempts"})
		return
	}
	session, err := h.sessions.Verify(c.Request.Context(), request.SessionToken, request.Code)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": session.SessionID,
		"status":     session.Status,
		"expires_at": session.ExpiresAt,
	})
}

type resendCodeRequest struct {
	SessionToken string `json:"session_token"`
}

func (h *httpHandler) handleResendCode(c *gin.Context) {
	var request resendCodeRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SessionToken) == "" {
		badRequest(c, "invalid_request")
		return
	}
	expiresAt, err := h.sessions.ResendCode(c.Request.Context(), request.SessionToken)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code_expires_at": expiresAt})
}

type captureSignatureRequest struct {
	SessionToken     string `json:"session_token"`
	SignatureDataURL string `json:"signature_data_url"`
	Consent          bool   `json:"consent"`
}

type captureSignatureResponse struct {
	SignatureID   string    `json:"signature_id"`
	SignatureHash string    `json:"signature_hash"`
	TemplateType  string    `json:"template_type"`
	SignedAt      time.Time `json:"signed_at"`
}

func (h *httpHandler) handleCaptureSignature(c *gin.Context) {
	var request captureSignatureRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SessionToken) == "" {
		badRequest(c, "invalid_request")
		return
	}
	ctx := c.Request.Context()
	signature, err := h.signatures.Save(ctx, signatures.SaveRequest{
		SessionToken: request.SessionToken,
		DataURL:      request.SignatureDataURL,
		Consent:      request.Consent,
		ClientIP:     c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.publishProgress(c, signature.PropertyID)
	c.JSON(http.StatusCreated, captureSignatureResponse{
		SignatureID:   signature.SignatureID,
		SignatureHash: signature.SignatureHash,
		TemplateType:  string(signature.TemplateType),
		SignedAt:      signature.SignedAt,
	})
}

func (h *httpHandler) publishProgress(c *gin.Context, propertyID string) {
	status, err := h.signatures.PropertyStatus(c.Request.Context(), propertyID)
	if err != nil {
		h.logger.Warn("progress status unavailable", zap.String("property_id", propertyID), zap.Error(err))
		return
	}
	h.dispatcher.Publish(ProgressMessage{
		PropertyID: propertyID,
		EventType:  ProgressEventSignature,
		Status:     status,
		Timestamp:  h.clock().UTC(),
	})
}

func (h *httpHandler) handlePropertyStatus(c *gin.Context) {
	propertyID := c.Param("propertyId")
	if !h.authorizeProperty(c, propertyID) {
		return
	}
	status, err := h.signatures.PropertyStatus(c.Request.Context(), propertyID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleInvestorStatus(c *gin.Context) {
	propertyID := c.Param("propertyId")
	investorID := callerClaims(c).InvestorID
	documents, err := h.signatures.InvestorStatus(c.Request.Context(), investorID, propertyID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"property_id": propertyID,
		"investor_id": investorID,
		"documents":   documents,
	})
}

func (h *httpHandler) handleProgressEvents(c *gin.Context) {
	propertyID := c.Param("propertyId")
	if !h.authorizeProperty(c, propertyID) {
		return
	}
	ctx := c.Request.Context()
	status, err := h.signatures.PropertyStatus(ctx, propertyID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	stream, cleanup := h.dispatcher.Subscribe(ctx, propertyID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if !writeProgressEvent(c.Writer, ProgressMessage{
		PropertyID: propertyID,
		EventType:  ProgressEventSignature,
		Status:     status,
		Timestamp:  h.clock().UTC(),
	}) {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			if !writeProgressEvent(c.Writer, message) {
				return
			}
		case <-ticker.C:
			if !writeProgressEvent(c.Writer, ProgressMessage{
				PropertyID: propertyID,
				EventType:  progressEventHeartbeat,
				Timestamp:  h.clock().UTC(),
			}) {
				return
			}
		}
	}
}

type progressEventPayload struct {
	Source string `json:"source"`
	ProgressMessage
}

func writeProgressEvent(writer gin.ResponseWriter, message ProgressMessage) bool {
	data, err := json.Marshal(progressEventPayload{Source: progressSource, ProgressMessage: message})
	if err != nil {
		return false
	}
	if _, err := io.WriteString(writer, fmt.Sprintf("event: %s\ndata: %s\n\n", message.EventType, data)); err != nil {
		return false
	}
	writer.Flush()
	return true
}

func (h *httpHandler) handleSignedDocument(c *gin.Context) {
	propertyID := c.Param("propertyId")
	kind, err := templates.ParseKind(c.Param("templateType"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	lang, err := templates.ParseLanguage(c.Query("lang"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !h.authorizeProperty(c, propertyID) {
		return
	}
	file, err := h.bundles.GenerateSigned(c.Request.Context(), callerClaims(c).InvestorID, propertyID, kind, lang)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header(headerContentSHA256, file.Document.FileHash)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", baseName(file.Document.FilePath)))
	c.Data(http.StatusOK, "application/pdf", file.Data)
}

func baseName(path string) string {
	if index := strings.LastIndex(path, "/"); index >= 0 {
		return path[index+1:]
	}
	return path
}
