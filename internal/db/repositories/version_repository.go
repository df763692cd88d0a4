// version_repository.go implements VersionRepository over sqlx, providing
// inserts and queries for entity version snapshots. Version-number allocation
// races are resolved by the UNIQUE (entity_type, entity_id, version_number)
// constraint: a lost race surfaces as ErrDuplicateVersion and the service
// layer retries with a freshly computed number.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/contracthub/audit-engine/internal/db/models"
)

// ErrDuplicateVersion is returned when an insert collides with an existing
// (entity_type, entity_id, version_number) row.
var ErrDuplicateVersion = errors.New("repositories: version number already taken")

// pqUniqueViolation is the Postgres error code for unique_violation.
const pqUniqueViolation = "23505"

// VersionRepository handles entity version database operations
type VersionRepository struct {
	db *sqlx.DB
}

// NewVersionRepository creates a new VersionRepository
func NewVersionRepository(db *sqlx.DB) *VersionRepository {
	return &VersionRepository{db: db}
}

// versionRow is the sqlx scan target; snapshot stays raw until decoded.
type versionRow struct {
	ID                string          `db:"id"`
	EntityType        string          `db:"entity_type"`
	EntityID          string          `db:"entity_id"`
	VersionNumber     int             `db:"version_number"`
	Snapshot          json.RawMessage `db:"snapshot"`
	ChangeDescription string          `db:"change_description"`
	VersionDigest     string          `db:"version_digest"`
	CreatedAt         time.Time       `db:"created_at"`
	CreatedBy         *string         `db:"created_by"`
}

func (vr *versionRow) toModel(includeSnapshot bool) (*models.EntityVersion, error) {
	v := &models.EntityVersion{
		ID:                vr.ID,
		EntityType:        vr.EntityType,
		EntityID:          vr.EntityID,
		VersionNumber:     vr.VersionNumber,
		ChangeDescription: vr.ChangeDescription,
		VersionDigest:     vr.VersionDigest,
		CreatedAt:         vr.CreatedAt,
		CreatedBy:         vr.CreatedBy,
	}
	if includeSnapshot && vr.Snapshot != nil {
		if err := json.Unmarshal(vr.Snapshot, &v.Snapshot); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Insert persists a new entity version. The caller supplies the version
// number and digest. Returns ErrDuplicateVersion if a concurrent writer
// already committed the same number.
func (r *VersionRepository) Insert(ctx context.Context, v *models.EntityVersion) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}

	snapshotJSON, err := json.Marshal(v.Snapshot)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO entity_versions (id, entity_type, entity_id, version_number,
			snapshot, change_description, version_digest, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		v.ID,
		v.EntityType,
		v.EntityID,
		v.VersionNumber,
		snapshotJSON,
		v.ChangeDescription,
		v.VersionDigest,
		v.CreatedAt,
		v.CreatedBy,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrDuplicateVersion
		}
		return err
	}
	return nil
}

// MaxVersionNumber returns the highest committed version number for the
// entity, or 0 if the entity has no versions yet.
func (r *VersionRepository) MaxVersionNumber(ctx context.Context, entityType, entityID string) (int, error) {
	var max int
	err := r.db.GetContext(ctx, &max,
		`SELECT COALESCE(MAX(version_number), 0) FROM entity_versions WHERE entity_type = $1 AND entity_id = $2`,
		entityType, entityID)
	if err != nil {
		return 0, err
	}
	return max, nil
}

// Get retrieves a single version by ID, snapshot included. Returns (nil, nil)
// if not found.
func (r *VersionRepository) Get(ctx context.Context, id string) (*models.EntityVersion, error) {
	var row versionRow
	err := r.db.GetContext(ctx, &row,
		`SELECT id, entity_type, entity_id, version_number, snapshot, change_description,
			version_digest, created_at, created_by
		FROM entity_versions WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(true)
}

// Latest retrieves the highest-numbered version for an entity, snapshot
// included. Returns (nil, nil) if the entity has no versions.
func (r *VersionRepository) Latest(ctx context.Context, entityType, entityID string) (*models.EntityVersion, error) {
	var row versionRow
	err := r.db.GetContext(ctx, &row,
		`SELECT id, entity_type, entity_id, version_number, snapshot, change_description,
			version_digest, created_at, created_by
		FROM entity_versions
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY version_number DESC LIMIT 1`, entityType, entityID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(true)
}

// List retrieves an entity's version history, newest first, with the total
// count. Snapshots are decoded only when includeSnapshot is set, keeping
// history pages small for entities with large snapshots.
func (r *VersionRepository) List(ctx context.Context, entityType, entityID string, limit, offset int, includeSnapshot bool) ([]*models.EntityVersion, int, error) {
	var total int
	err := r.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM entity_versions WHERE entity_type = $1 AND entity_id = $2`,
		entityType, entityID)
	if err != nil {
		return nil, 0, err
	}

	var rows []versionRow
	err = r.db.SelectContext(ctx, &rows,
		`SELECT id, entity_type, entity_id, version_number, snapshot, change_description,
			version_digest, created_at, created_by
		FROM entity_versions
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY version_number DESC LIMIT $3 OFFSET $4`,
		entityType, entityID, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	versions := make([]*models.EntityVersion, 0, len(rows))
	for i := range rows {
		v, err := rows[i].toModel(includeSnapshot)
		if err != nil {
			return nil, 0, err
		}
		versions = append(versions, v)
	}
	return versions, total, nil
}
