package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/deedsign/internal/apperrors"
	"github.com/MarcoPoloResearchLab/deedsign/internal/bundle"
	"github.com/MarcoPoloResearchLab/deedsign/internal/dldcsv"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func TestStatusForMapsErrorKinds(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want int
	}{
		{name: "validation", err: apperrors.New("op", "bad", apperrors.ErrValidation, nil), want: http.StatusBadRequest},
		{name: "kyc precondition", err: apperrors.New("op", bundle.ReasonPreconditionsFailed, apperrors.ErrPreconditionFailed, nil), want: http.StatusBadRequest},
		{name: "signatures incomplete", err: apperrors.New("op", bundle.ReasonSignaturesIncomplete, apperrors.ErrPreconditionFailed, nil), want: http.StatusConflict},
		{name: "unauthorized", err: apperrors.New("op", "unverified", apperrors.ErrUnauthorized, nil), want: http.StatusUnauthorized},
		{name: "mismatch", err: apperrors.New("op", "otp_mismatch", apperrors.ErrMismatch, nil), want: http.StatusUnauthorized},
		{name: "expired", err: apperrors.New("op", "session_expired", apperrors.ErrExpired, nil), want: http.StatusGone},
		{name: "not found", err: apperrors.New("op", "missing", apperrors.ErrNotFound, nil), want: http.StatusNotFound},
		{name: "conflict", err: apperrors.New("op", "duplicate", apperrors.ErrConflict, nil), want: http.StatusConflict},
		{name: "kyc incomplete", err: apperrors.New("dldcsv.render", dldcsv.ReasonKYCIncomplete, apperrors.ErrIntegrity, nil), want: http.StatusUnprocessableEntity},
		{name: "integrity", err: apperrors.New("op", "hash", apperrors.ErrIntegrity, nil), want: http.StatusInternalServerError},
		{name: "foreign", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := statusFor(testCase.err); got != testCase.want {
				t.Fatalf("statusFor = %d, want %d", got, testCase.want)
			}
		})
	}
}

func TestWriteErrorIncludesReasonsAndHidesInternals(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := &httpHandler{logger: zap.NewNop()}

	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/admin/exports/prop-1", http.NoBody)
	handler.writeError(ctx, apperrors.New("bundle.create", bundle.ReasonSignaturesIncomplete, apperrors.ErrPreconditionFailed, nil).
		WithReasons([]string{"8 of 12 signatures completed"}))

	if recorder.Code != http.StatusConflict {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var payload errorPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Error != bundle.ReasonSignaturesIncomplete || payload.Code != "bundle.create.signatures_incomplete" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if len(payload.Reasons) != 1 || payload.Reasons[0] != "8 of 12 signatures completed" {
		t.Fatalf("unexpected reasons %v", payload.Reasons)
	}

	recorder = httptest.NewRecorder()
	ctx, _ = gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/signing/status/prop-1", http.NoBody)
	handler.writeError(ctx, apperrors.New("signatures.status", "query_failed", apperrors.ErrInternal, errors.New("disk on fire")))
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	payload = errorPayload{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Error != "internal_error" || payload.Code != "" {
		t.Fatalf("internal details leaked: %+v", payload)
	}
}
