// Package entities implements the entity-type registry: the table that maps
// entity type tags ("CONTRACT", "LEARNED_RULE", ...) to the capabilities the
// audit engine needs from the owning business store. Capabilities are
// registered once at startup, so the write path does a single map lookup
// instead of branching on type tags.
package entities

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Well-known entity type tags used by the contract-management application.
// The registry is open: callers may register additional tags.
const (
	TypeContract     = "CONTRACT"
	TypeLearnedRule  = "LEARNED_RULE"
	TypeTemplate     = "TEMPLATE"
	TypeUser         = "USER"
	TypeUploadedFile = "UPLOADED_FILE"
)

// Loader fetches the current live snapshot of an entity from its business
// store. It is only called during rollback, to obtain the "old values" for
// the synthetic update being logged.
type Loader func(ctx context.Context, entityID string) (map[string]interface{}, error)

// Capability describes how the audit engine treats one entity type.
type Capability struct {
	// RedactFields lists top-level snapshot fields stripped before the
	// snapshot is canonicalized, hashed, or stored. Merged with the
	// always-redacted defaults.
	RedactFields []string
	// TrackVersions disables snapshot versioning for types where full
	// history is not wanted (e.g. file uploads audit but do not version).
	TrackVersions bool
	// LoadLive is the live-state loader for rollback; may be nil for types
	// that do not support rollback.
	LoadLive Loader
}

// defaultRedactFields are stripped from every snapshot regardless of entity
// type. Canonicalization does not redact, so this is the last line of defense
// before credential material reaches the hash or the database.
var defaultRedactFields = []string{"password", "passwordHash", "secret", "token", "apiKey"}

// Registry maps entity type tags to capabilities. Register everything during
// startup; lookups afterwards are read-only and safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Capability)}
}

// Register adds or replaces the capability for an entity type.
func (r *Registry) Register(entityType string, capability Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[entityType] = capability
}

// Lookup returns the capability for an entity type. Unregistered types get a
// zero capability with version tracking enabled, so auditing new types never
// requires a code change here.
func (r *Registry) Lookup(entityType string) Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.types[entityType]; ok {
		return c
	}
	return Capability{TrackVersions: true}
}

// Redact returns a copy of the snapshot with the entity type's sensitive
// fields removed. The input map is never modified. A nil snapshot stays nil.
func (r *Registry) Redact(entityType string, snapshot map[string]interface{}) map[string]interface{} {
	if snapshot == nil {
		return nil
	}

	c := r.Lookup(entityType)
	drop := make(map[string]struct{}, len(defaultRedactFields)+len(c.RedactFields))
	for _, f := range defaultRedactFields {
		drop[f] = struct{}{}
	}
	for _, f := range c.RedactFields {
		drop[f] = struct{}{}
	}

	out := make(map[string]interface{}, len(snapshot))
	for k, v := range snapshot {
		if _, skip := drop[k]; skip {
			continue
		}
		out[k] = v
	}
	return out
}

// LoadLive fetches the current live snapshot for an entity via its registered
// loader. Returns an error for types with no loader.
func (r *Registry) LoadLive(ctx context.Context, entityType, entityID string) (map[string]interface{}, error) {
	c := r.Lookup(entityType)
	if c.LoadLive == nil {
		return nil, fmt.Errorf("entities: no live-state loader registered for %q", entityType)
	}
	return c.LoadLive(ctx, entityID)
}

// RegisterDefaults registers the built-in contract-management entity types.
// Live-state loaders are not wired here; the owning services bind them when
// they enable rollback for their types.
func RegisterDefaults(r *Registry) {
	r.Register(TypeContract, Capability{TrackVersions: true})
	r.Register(TypeLearnedRule, Capability{TrackVersions: true})
	r.Register(TypeTemplate, Capability{TrackVersions: true})
	r.Register(TypeUser, Capability{
		TrackVersions: true,
		RedactFields:  []string{"mfaSecret", "recoveryCodes"},
	})
	// File uploads are audited but not versioned: the binary content lives
	// outside the snapshot, so a version row would carry no useful state.
	r.Register(TypeUploadedFile, Capability{TrackVersions: false})
}

// Types returns the registered entity type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
