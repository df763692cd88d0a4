// entity_version.go defines the EntityVersion model: a numbered, immutable
// full-entity snapshot. (entity_type, entity_id, version_number) is unique and
// version numbers are strictly increasing per entity, starting at 1.
package models

import "time"

// EntityVersion represents one immutable snapshot of an entity's full state.
// Versions are deliberately not foreign-keyed to the audit record that caused
// them: the two histories are correlated only by (entityType, entityId) and
// timestamp, so version history survives an audit purge and vice versa.
type EntityVersion struct {
	ID                string                 `json:"id"`
	EntityType        string                 `json:"entity_type"`
	EntityID          string                 `json:"entity_id"`
	VersionNumber     int                    `json:"version_number"`
	Snapshot          map[string]interface{} `json:"snapshot,omitempty"`
	ChangeDescription string                 `json:"change_description"`
	// VersionDigest is the keyed HMAC over the canonical snapshot plus the
	// version coordinates.
	VersionDigest string    `json:"version_digest"`
	CreatedAt     time.Time `json:"created_at"`
	CreatedBy     *string   `json:"created_by,omitempty"` // weak actor reference, nullable
}
