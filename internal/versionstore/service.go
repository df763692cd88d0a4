// Package versionstore implements the entity version store and the
// higher-level version-control operations: strictly ordered snapshot
// creation, history retrieval, structural comparison, and rollback.
package versionstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/contracthub/audit-engine/internal/canonical"
	"github.com/contracthub/audit-engine/internal/db/models"
	"github.com/contracthub/audit-engine/internal/db/repositories"
	"github.com/contracthub/audit-engine/internal/entities"
	"github.com/contracthub/audit-engine/internal/integrity"
	"github.com/contracthub/audit-engine/internal/telemetry"
)

var (
	// ErrConcurrentVersionConflict is returned when the allocation retry
	// budget is exhausted. It indicates an entity under unexpectedly heavy
	// concurrent write pressure.
	ErrConcurrentVersionConflict = errors.New("versionstore: concurrent version conflict, retries exhausted")
	// ErrNotFound is returned when the requested version does not exist.
	ErrNotFound = errors.New("versionstore: version not found")
	// ErrRollbackUnsupported is returned when the entity type has no
	// live-state loader, so a rollback cannot log the current state.
	ErrRollbackUnsupported = errors.New("versionstore: entity type does not support rollback")
)

// maxCreateAttempts bounds the allocation retry loop. Under the observed
// contention profile (a handful of writers per entity) one retry almost
// always succeeds; more than three lost races means something is wrong.
const maxCreateAttempts = 3

// RollbackRecorder logs the audit side of a rollback. Implemented by the
// audit recorder; declared here so this package does not depend on it.
type RollbackRecorder interface {
	RecordRollback(ctx context.Context, entityType, entityID string, oldValues, newValues map[string]interface{}, actorID *string, reason string) (*models.AuditRecord, error)
}

// Service is the entity version store.
type Service struct {
	repo     *repositories.VersionRepository
	hasher   *integrity.Hasher
	registry *entities.Registry
	recorder RollbackRecorder
}

// NewService creates the version store. The rollback recorder is bound later
// via BindRecorder because the recorder itself is constructed on top of this
// store.
func NewService(repo *repositories.VersionRepository, hasher *integrity.Hasher, registry *entities.Registry) *Service {
	return &Service{repo: repo, hasher: hasher, registry: registry}
}

// BindRecorder attaches the audit recorder used to log rollbacks. Call once
// during startup, before serving requests.
func (s *Service) BindRecorder(r RollbackRecorder) {
	s.recorder = r
}

// Create commits a new version of an entity with the next free version
// number. Concurrent writers racing for the same number are serialized by the
// storage uniqueness constraint: the loser recomputes the max and retries, up
// to maxCreateAttempts, then fails with ErrConcurrentVersionConflict. This
// holds across process instances sharing one database; no in-process lock is
// involved.
func (s *Service) Create(ctx context.Context, entityType, entityID string, snapshot map[string]interface{}, actorID *string, description string) (*models.EntityVersion, error) {
	if entityType == "" || entityID == "" {
		return nil, fmt.Errorf("versionstore: entityType and entityId are required")
	}
	if _, err := canonical.Marshal(snapshot); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		max, err := s.repo.MaxVersionNumber(ctx, entityType, entityID)
		if err != nil {
			return nil, fmt.Errorf("reading current version number: %w", err)
		}

		// Microsecond precision matches what Postgres stores; anything
		// finer would be rounded on insert and invalidate the digest.
		v := &models.EntityVersion{
			ID:                uuid.New().String(),
			EntityType:        entityType,
			EntityID:          entityID,
			VersionNumber:     max + 1,
			Snapshot:          snapshot,
			ChangeDescription: description,
			CreatedAt:         time.Now().UTC().Truncate(time.Microsecond),
			CreatedBy:         actorID,
		}

		digest, err := s.hasher.VersionDigest(v)
		if err != nil {
			return nil, fmt.Errorf("computing version digest: %w", err)
		}
		v.VersionDigest = digest

		err = s.repo.Insert(ctx, v)
		if err == nil {
			telemetry.VersionsCreatedTotal.WithLabelValues(entityType).Inc()
			return v, nil
		}
		if !errors.Is(err, repositories.ErrDuplicateVersion) {
			return nil, fmt.Errorf("inserting version: %w", err)
		}

		telemetry.VersionConflictsTotal.Inc()
		slog.Debug("version number race lost, retrying",
			"entity_type", entityType, "entity_id", entityID,
			"version_number", v.VersionNumber, "attempt", attempt)
	}

	slog.Error("version allocation retries exhausted",
		"entity_type", entityType, "entity_id", entityID, "attempts", maxCreateAttempts)
	return nil, fmt.Errorf("%w: %s/%s", ErrConcurrentVersionConflict, entityType, entityID)
}

// Get retrieves a version by id, snapshot included.
func (s *Service) Get(ctx context.Context, id string) (*models.EntityVersion, error) {
	v, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return v, nil
}

// History retrieves an entity's version history, newest first. Snapshots are
// omitted unless includeSnapshot is set.
func (s *Service) History(ctx context.Context, entityType, entityID string, limit, offset int, includeSnapshot bool) ([]*models.EntityVersion, int, error) {
	return s.repo.List(ctx, entityType, entityID, limit, offset, includeSnapshot)
}

// Latest retrieves an entity's most recent version, or ErrNotFound if the
// entity has never been versioned.
func (s *Service) Latest(ctx context.Context, entityType, entityID string) (*models.EntityVersion, error) {
	v, err := s.repo.Latest(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, entityType, entityID)
	}
	return v, nil
}

// Comparison is the result of comparing two versions of one entity.
type Comparison struct {
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	FromVersion int             `json:"from_version"`
	ToVersion   int             `json:"to_version"`
	Diff        *canonical.Diff `json:"diff"`
}

// Compare produces the structural field-level diff between two stored
// versions. Both versions must belong to the same entity.
func (s *Service) Compare(ctx context.Context, versionIDA, versionIDB string) (*Comparison, error) {
	a, err := s.Get(ctx, versionIDA)
	if err != nil {
		return nil, err
	}
	b, err := s.Get(ctx, versionIDB)
	if err != nil {
		return nil, err
	}

	if a.EntityType != b.EntityType || a.EntityID != b.EntityID {
		return nil, fmt.Errorf("versionstore: cannot compare versions of different entities (%s/%s vs %s/%s)",
			a.EntityType, a.EntityID, b.EntityType, b.EntityID)
	}

	diff, err := canonical.Compare(a.Snapshot, b.Snapshot)
	if err != nil {
		return nil, err
	}

	return &Comparison{
		EntityType:  a.EntityType,
		EntityID:    a.EntityID,
		FromVersion: a.VersionNumber,
		ToVersion:   b.VersionNumber,
		Diff:        diff,
	}, nil
}

// RollbackResult carries everything produced by a rollback: the new version,
// the audit record describing it, and the restored snapshot the business
// layer must apply to its own store.
type RollbackResult struct {
	NewVersion  *models.EntityVersion  `json:"new_version"`
	AuditRecord *models.AuditRecord    `json:"audit_record"`
	Snapshot    map[string]interface{} `json:"snapshot"`
}

// Rollback restores an entity to a prior version's snapshot. It loads the
// target snapshot, fetches the entity's current live state through the
// registry's loader, logs a ROLLBACK audit event (old = live state, new =
// restored snapshot), and commits the restored snapshot as a new version.
//
// It does not mutate the live business entity; the caller applies the
// returned snapshot to the owning store.
func (s *Service) Rollback(ctx context.Context, versionID string, actorID *string, reason string) (*RollbackResult, error) {
	target, err := s.Get(ctx, versionID)
	if err != nil {
		return nil, err
	}

	liveState, err := s.registry.LoadLive(ctx, target.EntityType, target.EntityID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRollbackUnsupported, err)
	}

	var auditRec *models.AuditRecord
	if s.recorder != nil {
		auditRec, err = s.recorder.RecordRollback(ctx,
			target.EntityType, target.EntityID, liveState, target.Snapshot, actorID, reason)
		if err != nil {
			// Rollback is an explicit user-initiated operation, not the
			// fail-open write path: a rollback that cannot be audited must
			// not happen.
			return nil, fmt.Errorf("recording rollback audit event: %w", err)
		}
	}

	description := fmt.Sprintf("rollback to version %d", target.VersionNumber)
	if reason != "" {
		description = fmt.Sprintf("%s: %s", description, reason)
	}

	newVersion, err := s.Create(ctx, target.EntityType, target.EntityID, target.Snapshot, actorID, description)
	if err != nil {
		return nil, err
	}

	return &RollbackResult{
		NewVersion:  newVersion,
		AuditRecord: auditRec,
		Snapshot:    target.Snapshot,
	}, nil
}
