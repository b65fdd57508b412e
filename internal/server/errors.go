package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/deedsign/internal/apperrors"
	"github.com/MarcoPoloResearchLab/deedsign/internal/bundle"
	"github.com/MarcoPoloResearchLab/deedsign/internal/dldcsv"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorPayload struct {
	Error   string   `json:"error"`
	Code    string   `json:"code,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	appErr, ok := apperrors.As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrPreconditionFailed):
		if appErr.Reason() == bundle.ReasonSignaturesIncomplete {
			return http.StatusConflict
		}
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrUnauthorized), errors.Is(err, apperrors.ErrMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, apperrors.ErrExpired):
		return http.StatusGone
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrIntegrity) && appErr.Reason() == dldcsv.ReasonKYCIncomplete:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	payload := errorPayload{Error: "internal_error"}
	if appErr, ok := apperrors.As(err); ok && status != http.StatusInternalServerError {
		payload = errorPayload{Error: appErr.Reason(), Code: appErr.Code(), Reasons: appErr.Reasons()}
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.Error(err),
		)
	}
	c.AbortWithStatusJSON(status, payload)
}

func badRequest(c *gin.Context, reason string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorPayload{Error: reason})
}
