// Package events implements the mutation event ingestion endpoint. Business
// services report entity mutations here; the event is queued for asynchronous
// processing and the request returns immediately. Ingestion is fail-open by
// design: the mutation already happened on the caller's side, so this
// endpoint never rejects an event for anything but a malformed envelope.
package events

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/contracthub/audit-engine/internal/db/models"
	"github.com/contracthub/audit-engine/internal/middleware"
	"github.com/contracthub/audit-engine/internal/recorder"
)

// Handler handles mutation event ingestion
type Handler struct {
	recorder *recorder.Recorder
}

// NewHandler creates a new event ingestion handler
func NewHandler(rec *recorder.Recorder) *Handler {
	return &Handler{recorder: rec}
}

// eventRequest is the mutation event envelope
type eventRequest struct {
	EntityType string                 `json:"entity_type" binding:"required"`
	EntityID   string                 `json:"entity_id" binding:"required"`
	Action     string                 `json:"action" binding:"required"`
	OldValues  map[string]interface{} `json:"old_values"`
	NewValues  map[string]interface{} `json:"new_values"`
	Metadata   map[string]interface{} `json:"metadata"`
	// ActorID identifies the end user on whose behalf the calling service
	// acted. It overrides the service's own token identity.
	ActorID string `json:"actor_id"`
	// TrackVersions requests a version commit alongside the audit record
	TrackVersions bool `json:"track_versions"`
	// Description is stored as the version's change description
	Description string `json:"description"`
	// IPAddress and UserAgent describe the original end-user request. The
	// calling service forwards them; this request's own connection data
	// describes the service, not the user.
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
}

// Record accepts a mutation event and queues it. Returns 202 immediately;
// the write happens in the background.
func (h *Handler) Record(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}

	action := models.Action(strings.ToUpper(req.Action))
	if !action.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "unknown action: " + req.Action})
		return
	}

	ev := &recorder.Event{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Action:     action,
		OldValues:  req.OldValues,
		NewValues:  req.NewValues,
		Metadata:   req.Metadata,
		Options: recorder.Options{
			TrackVersions: req.TrackVersions,
			Description:   req.Description,
		},
	}

	if req.ActorID != "" {
		ev.ActorID = &req.ActorID
	} else if v, ok := c.Get(middleware.ActorIDKey); ok {
		if id, isStr := v.(string); isStr && id != "" {
			ev.ActorID = &id
		}
	}
	if req.IPAddress != "" {
		ev.IPAddress = &req.IPAddress
	}
	if req.UserAgent != "" {
		ev.UserAgent = &req.UserAgent
	}

	h.recorder.Record(ev)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}
