// Package versions implements the HTTP handlers for entity version history:
// listing, retrieval, structural comparison, and rollback.
package versions

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/contracthub/audit-engine/internal/canonical"
	"github.com/contracthub/audit-engine/internal/middleware"
	"github.com/contracthub/audit-engine/internal/versionstore"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Handler handles entity version API requests
type Handler struct {
	versions *versionstore.Service
}

// NewHandler creates a new version handler
func NewHandler(versions *versionstore.Service) *Handler {
	return &Handler{versions: versions}
}

// respondError maps service errors to HTTP status codes with stable error
// codes in the body.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, versionstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.Is(err, versionstore.ErrConcurrentVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"code": "version_conflict", "error": err.Error()})
	case errors.Is(err, versionstore.ErrRollbackUnsupported):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "rollback_unsupported", "error": err.Error()})
	case errors.Is(err, canonical.ErrSerialization):
		c.JSON(http.StatusBadRequest, gin.H{"code": "serialization_error", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": "internal_error", "error": "internal server error"})
	}
}

// History lists an entity's versions, newest first. Snapshots are omitted
// unless include_snapshots=true, since full snapshots can dominate the
// response size for large entities.
func (h *Handler) History(c *gin.Context) {
	entityType := c.Param("entityType")
	entityID := c.Param("entityId")

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	includeSnapshots := c.Query("include_snapshots") == "true"

	versions, total, err := h.versions.History(c.Request.Context(), entityType, entityID, limit, offset, includeSnapshots)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"versions": versions,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// Get returns a single version by id, snapshot included
func (h *Handler) Get(c *gin.Context) {
	v, err := h.versions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// Latest returns an entity's most recent version
func (h *Handler) Latest(c *gin.Context) {
	v, err := h.versions.Latest(c.Request.Context(), c.Param("entityType"), c.Param("entityId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// Compare returns the structural diff between two versions of one entity
func (h *Handler) Compare(c *gin.Context) {
	from := c.Query("from")
	to := c.Query("to")
	if from == "" || to == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "from and to version ids are required"})
		return
	}

	cmp, err := h.versions.Compare(c.Request.Context(), from, to)
	if err != nil {
		if errors.Is(err, versionstore.ErrNotFound) {
			respondError(c, err)
			return
		}
		if errors.Is(err, canonical.ErrSerialization) {
			respondError(c, err)
			return
		}
		// Cross-entity comparison is a caller mistake, not a server fault.
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cmp)
}

// rollbackRequest is the request body for a rollback
type rollbackRequest struct {
	Reason string `json:"reason"`
}

// Rollback restores an entity to a prior version's snapshot. The restored
// snapshot is returned for the owning service to apply; the engine itself
// never mutates business entities.
func (h *Handler) Rollback(c *gin.Context) {
	var req rollbackRequest
	// Body is optional; a missing body means no reason given.
	_ = c.ShouldBindJSON(&req)

	var actorID *string
	if v, ok := c.Get(middleware.ActorIDKey); ok {
		if id, isStr := v.(string); isStr && id != "" {
			actorID = &id
		}
	}

	result, err := h.versions.Rollback(c.Request.Context(), c.Param("id"), actorID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
