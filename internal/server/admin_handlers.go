package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/bundle"
	"github.com/MarcoPoloResearchLab/deedsign/internal/cryptoutil"
	"github.com/MarcoPoloResearchLab/deedsign/internal/dldcsv"
	"github.com/MarcoPoloResearchLab/deedsign/internal/templates"
	"github.com/gin-gonic/gin"
)

type exportPayload struct {
	ExportID    string    `json:"export_id"`
	PropertyID  string    `json:"property_id"`
	RequestedBy string    `json:"requested_by"`
	FileName    string    `json:"file_name"`
	BundleHash  string    `json:"bundle_hash"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

func newExportPayload(export bundle.Export) exportPayload {
	return exportPayload{
		ExportID:    export.ExportID,
		PropertyID:  export.PropertyID,
		RequestedBy: export.RequestedBy,
		FileName:    export.FileName,
		BundleHash:  export.BundleHash,
		SizeBytes:   export.SizeBytes,
		CreatedAt:   export.CreatedAt,
	}
}

func (h *httpHandler) handleCreateExport(c *gin.Context) {
	result, err := h.bundles.CreateBundle(c.Request.Context(), c.Param("propertyId"), callerClaims(c).InvestorID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header(headerBundleSHA256, result.Export.BundleHash)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Export.FileName))
	c.Data(http.StatusOK, "application/zip", result.Archive)
}

func (h *httpHandler) handleListExports(c *gin.Context) {
	exports, err := h.bundles.ListExports(c.Request.Context(), c.Param("propertyId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	payload := make([]exportPayload, 0, len(exports))
	for _, export := range exports {
		payload = append(payload, newExportPayload(export))
	}
	c.JSON(http.StatusOK, gin.H{"exports": payload})
}

func (h *httpHandler) handleFilingCSV(c *gin.Context) {
	data, err := h.filings.Build(c.Request.Context(), strings.TrimSpace(c.Param("propertyId")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header(headerContentSHA256, cryptoutil.SHA256Hex(data))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dldcsv.FileName))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", data)
}

type templatePayload struct {
	TemplateID    string    `json:"template_id"`
	Name          string    `json:"name"`
	TemplateType  string    `json:"template_type"`
	Version       int       `json:"version"`
	IsActive      bool      `json:"is_active"`
	ContentHashEN string    `json:"content_hash_en"`
	ContentHashAR string    `json:"content_hash_ar,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func newTemplatePayload(template templates.AgreementTemplate) templatePayload {
	return templatePayload{
		TemplateID:    template.TemplateID,
		Name:          template.Name,
		TemplateType:  string(template.TemplateType),
		Version:       template.Version,
		IsActive:      template.IsActive,
		ContentHashEN: template.ContentHashEN,
		ContentHashAR: template.ContentHashAR,
		UpdatedAt:     template.UpdatedAt,
	}
}

type createTemplateRequest struct {
	Name         string `json:"name"`
	TemplateType string `json:"template_type"`
	ContentEN    string `json:"content_en"`
	ContentAR    string `json:"content_ar"`
}

func (h *httpHandler) handleCreateTemplate(c *gin.Context) {
	var request createTemplateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	kind, err := templates.ParseKind(request.TemplateType)
	if err != nil {
		h.writeError(c, err)
		return
	}
	template, err := h.templates.Create(c.Request.Context(), request.Name, kind, request.ContentEN, request.ContentAR)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newTemplatePayload(template))
}

type updateTemplateRequest struct {
	Name      *string `json:"name"`
	ContentEN *string `json:"content_en"`
	ContentAR *string `json:"content_ar"`
	IsActive  *bool   `json:"is_active"`
}

func (h *httpHandler) handleUpdateTemplate(c *gin.Context) {
	var request updateTemplateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	templateID := strings.TrimSpace(c.Param("id"))
	ctx := c.Request.Context()

	var (
		template templates.AgreementTemplate
		err      error
	)
	if request.Name != nil || request.ContentEN != nil || request.ContentAR != nil {
		template, err = h.templates.Update(ctx, templateID, templates.ContentUpdate{
			Name:      request.Name,
			ContentEN: request.ContentEN,
			ContentAR: request.ContentAR,
		})
		if err != nil {
			h.writeError(c, err)
			return
		}
	}
	if request.IsActive != nil {
		template, err = h.templates.SetActive(ctx, templateID, *request.IsActive)
		if err != nil {
			h.writeError(c, err)
			return
		}
	}
	if template.TemplateID == "" {
		badRequest(c, "empty_update")
		return
	}
	c.JSON(http.StatusOK, newTemplatePayload(template))
}
