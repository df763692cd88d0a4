// Package models - audit_record.go defines the AuditRecord model: one immutable
// log entry describing a single mutation to a business entity, carrying the
// before/after snapshots and a keyed integrity digest.
package models

import "time"

// Action classifies the kind of mutation an audit record describes.
type Action string

const (
	ActionCreate   Action = "CREATE"
	ActionUpdate   Action = "UPDATE"
	ActionDelete   Action = "DELETE"
	ActionView     Action = "VIEW"
	ActionUpload   Action = "UPLOAD"
	ActionRollback Action = "ROLLBACK"
)

// IsValid reports whether a is a known audit action.
func (a Action) IsValid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionView, ActionUpload, ActionRollback:
		return true
	}
	return false
}

// TracksVersions reports whether this action kind produces an entity version.
// DELETE and VIEW leave no new entity state to snapshot.
func (a Action) TracksVersions() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionUpload, ActionRollback:
		return true
	}
	return false
}

// AuditRecord represents one immutable audit log entry. Records are written
// exactly once and never updated; a record whose digest no longer verifies is
// reported as corrupted, never repaired in place.
type AuditRecord struct {
	ID         string `json:"id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Action     Action `json:"action"`
	// ActorID is a weak reference to the acting user. Deleting the user nulls
	// this field rather than cascading into the audit trail.
	ActorID   *string                `json:"actor_id,omitempty"`
	OldValues map[string]interface{} `json:"old_values,omitempty"` // absent for CREATE
	NewValues map[string]interface{} `json:"new_values,omitempty"` // absent for DELETE
	Metadata  map[string]interface{} `json:"metadata,omitempty"`   // HTTP method/path, manual flag, reason, ...
	// IntegrityDigest is the keyed HMAC over the canonical form of all
	// loggable fields, computed at append time.
	IntegrityDigest string    `json:"integrity_digest"`
	IPAddress       *string   `json:"ip_address,omitempty"`
	UserAgent       *string   `json:"user_agent,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
