// Package records implements the HTTP handlers for the audit trail: filtered
// trail retrieval, statistics, search, integrity verification, and manual
// record creation.
package records

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/contracthub/audit-engine/internal/auditlog"
	"github.com/contracthub/audit-engine/internal/canonical"
	"github.com/contracthub/audit-engine/internal/db/models"
	"github.com/contracthub/audit-engine/internal/db/repositories"
	"github.com/contracthub/audit-engine/internal/middleware"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Handler handles audit record API requests
type Handler struct {
	audit *auditlog.Service
}

// NewHandler creates a new audit record handler
func NewHandler(audit *auditlog.Service) *Handler {
	return &Handler{audit: audit}
}

// respondError maps service errors to HTTP status codes with stable error
// codes in the body.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, auditlog.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
	case errors.Is(err, canonical.ErrSerialization):
		c.JSON(http.StatusBadRequest, gin.H{"code": "serialization_error", "error": err.Error()})
	case errors.Is(err, auditlog.ErrVerifyBatchTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{"code": "batch_too_large", "error": err.Error()})
	case errors.Is(err, auditlog.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": "internal_error", "error": "internal server error"})
	}
}

// pagination extracts limit/offset query parameters with bounds applied
func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// parseFilters builds audit query filters from query parameters
func parseFilters(c *gin.Context) (repositories.AuditFilters, error) {
	var f repositories.AuditFilters

	if v := c.Query("entity_type"); v != "" {
		f.EntityType = &v
	}
	if v := c.Query("entity_id"); v != "" {
		f.EntityID = &v
	}
	if v := c.Query("actor_id"); v != "" {
		f.ActorID = &v
	}
	if v := c.Query("action"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			action := models.Action(strings.ToUpper(strings.TrimSpace(raw)))
			if !action.IsValid() {
				return f, errors.New("unknown action: " + raw)
			}
			f.Actions = append(f.Actions, action)
		}
	}
	if v := c.Query("start_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("start_date must be RFC3339")
		}
		f.StartDate = &t
	}
	if v := c.Query("end_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("end_date must be RFC3339")
		}
		f.EndDate = &t
	}
	if v := c.Query("search"); v != "" {
		f.Search = &v
	}

	return f, nil
}

// Trail returns an entity's audit trail, newest first
func (h *Handler) Trail(c *gin.Context) {
	entityType := c.Param("entityType")
	entityID := c.Param("entityId")

	filters, err := parseFilters(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}
	filters.EntityType = &entityType
	filters.EntityID = &entityID

	limit, offset := pagination(c)
	records, total, err := h.audit.Query(c.Request.Context(), filters, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// Get returns a single audit record by id
func (h *Handler) Get(c *gin.Context) {
	rec, err := h.audit.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Search queries the full trail across entities. Admin-only: free filters
// over the whole trail expose every entity's history.
func (h *Handler) Search(c *gin.Context) {
	filters, err := parseFilters(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}

	limit, offset := pagination(c)
	records, total, err := h.audit.Query(c.Request.Context(), filters, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// Stats returns aggregate counts for records matching the filters
func (h *Handler) Stats(c *gin.Context) {
	filters, err := parseFilters(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}

	stats, err := h.audit.Stats(c.Request.Context(), filters)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// VerifyOne re-verifies a single record's integrity digest
func (h *Handler) VerifyOne(c *gin.Context) {
	result, err := h.audit.VerifyOne(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// verifyBatchRequest is the request body for bulk verification by id
type verifyBatchRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

// VerifyBatch re-verifies a list of records by id
func (h *Handler) VerifyBatch(c *gin.Context) {
	var req verifyBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "ids is required"})
		return
	}

	summary, err := h.audit.VerifyBatch(c.Request.Context(), req.IDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// VerifyRange re-verifies records created within a date range
func (h *Handler) VerifyRange(c *gin.Context) {
	start, err := time.Parse(time.RFC3339, c.Query("start_date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "start_date must be RFC3339"})
		return
	}
	end, err := time.Parse(time.RFC3339, c.Query("end_date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "end_date must be RFC3339"})
		return
	}

	summary, err := h.audit.VerifyRange(c.Request.Context(), start, end)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// createRecordRequest is the request body for manual record creation
type createRecordRequest struct {
	EntityType string                 `json:"entity_type" binding:"required"`
	EntityID   string                 `json:"entity_id" binding:"required"`
	Action     string                 `json:"action" binding:"required"`
	OldValues  map[string]interface{} `json:"old_values"`
	NewValues  map[string]interface{} `json:"new_values"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// Create appends a manual audit record. Admin-only; intended for operational
// annotations (incident notes, migration markers). Manual records are tagged
// in metadata so they are distinguishable from system-generated ones.
func (h *Handler) Create(c *gin.Context) {
	var req createRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}

	meta := req.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["manual"] = true

	rec := &models.AuditRecord{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Action:     models.Action(strings.ToUpper(req.Action)),
		OldValues:  req.OldValues,
		NewValues:  req.NewValues,
		Metadata:   meta,
	}

	if actorID, ok := c.Get(middleware.ActorIDKey); ok {
		if id, isStr := actorID.(string); isStr && id != "" {
			rec.ActorID = &id
		}
	}
	if ip := c.ClientIP(); ip != "" {
		rec.IPAddress = &ip
	}
	if ua := c.Request.UserAgent(); ua != "" {
		rec.UserAgent = &ua
	}

	stored, err := h.audit.Append(c.Request.Context(), rec)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}
