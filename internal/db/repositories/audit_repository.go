// audit_repository.go implements AuditRepository, providing database queries for
// appending and retrieving audit records with support for filtered, paginated
// queries and aggregate statistics. The table is append-only: there is no
// update or delete path here by design.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/contracthub/audit-engine/internal/db/models"
)

// AuditRepository handles audit record database operations
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditFilters contains filters for querying audit records. Nil/empty fields
// are not applied. Search matches free text against the old values, new
// values, and metadata JSON.
type AuditFilters struct {
	EntityType *string
	EntityID   *string
	Actions    []models.Action
	ActorID    *string
	StartDate  *time.Time
	EndDate    *time.Time
	Search     *string
}

const auditColumns = `id, entity_type, entity_id, action, actor_id, old_values, new_values, metadata, integrity_digest, ip_address, user_agent, created_at`

// Insert appends a new audit record. The caller supplies the integrity digest;
// this layer only persists. The record's ID and CreatedAt must already be set
// (the digest covers both, so they cannot be assigned here).
func (r *AuditRepository) Insert(ctx context.Context, rec *models.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	oldJSON, err := marshalNullable(rec.OldValues)
	if err != nil {
		return err
	}
	newJSON, err := marshalNullable(rec.NewValues)
	if err != nil {
		return err
	}
	metaJSON, err := marshalNullable(rec.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_records (id, entity_type, entity_id, action, actor_id,
			old_values, new_values, metadata, integrity_digest, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = r.db.ExecContext(ctx, query,
		rec.ID,
		rec.EntityType,
		rec.EntityID,
		string(rec.Action),
		rec.ActorID,
		oldJSON,
		newJSON,
		metaJSON,
		rec.IntegrityDigest,
		rec.IPAddress,
		rec.UserAgent,
		rec.CreatedAt,
	)

	return err
}

// List retrieves audit records with optional filters and pagination, newest
// first, along with the total count matching the filters.
func (r *AuditRepository) List(ctx context.Context, filters AuditFilters, limit, offset int) ([]*models.AuditRecord, int, error) {
	where, args := buildAuditWhere(filters)

	countQuery := `SELECT COUNT(*) FROM audit_records` + where

	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM audit_records%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		auditColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	records, err := scanAuditRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, rows.Err()
}

// Get retrieves a single audit record by ID. Returns (nil, nil) if not found.
func (r *AuditRepository) Get(ctx context.Context, id string) (*models.AuditRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM audit_records WHERE id = $1`, auditColumns)

	row := r.db.QueryRowContext(ctx, query, id)
	rec, err := scanAuditRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListByIDs retrieves the records for the given ids. Unknown ids are simply
// absent from the result.
func (r *AuditRepository) ListByIDs(ctx context.Context, ids []string) ([]*models.AuditRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	query := fmt.Sprintf(`SELECT %s FROM audit_records WHERE id IN (%s) ORDER BY created_at DESC`,
		auditColumns, strings.Join(placeholders, ", "))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records, err := scanAuditRows(rows)
	if err != nil {
		return nil, err
	}
	return records, rows.Err()
}

// ListRange retrieves up to limit records created within [start, end], oldest
// first so bulk verification walks history in insertion order.
func (r *AuditRepository) ListRange(ctx context.Context, start, end time.Time, limit int) ([]*models.AuditRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM audit_records
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at ASC LIMIT $3`, auditColumns)

	rows, err := r.db.QueryContext(ctx, query, start, end, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records, err := scanAuditRows(rows)
	if err != nil {
		return nil, err
	}
	return records, rows.Err()
}

// ActionCount is one per-action row of the statistics aggregation.
type ActionCount struct {
	Action models.Action `json:"action"`
	Count  int64         `json:"count"`
}

// EntityTypeCount is one per-entity-type row of the statistics aggregation.
type EntityTypeCount struct {
	EntityType string `json:"entity_type"`
	Count      int64  `json:"count"`
}

// Statistics holds aggregate counts over a filtered window of the audit trail.
type Statistics struct {
	Total        int64             `json:"total"`
	ByAction     []ActionCount     `json:"by_action"`
	ByEntityType []EntityTypeCount `json:"by_entity_type"`
}

// Stats returns counts grouped by action and by entity type for records
// matching the filters.
func (r *AuditRepository) Stats(ctx context.Context, filters AuditFilters) (*Statistics, error) {
	where, args := buildAuditWhere(filters)

	stats := &Statistics{}

	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_records`+where, args...).Scan(&stats.Total); err != nil {
		return nil, err
	}

	actionRows, err := r.db.QueryContext(ctx,
		`SELECT action, COUNT(*) FROM audit_records`+where+` GROUP BY action ORDER BY COUNT(*) DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer actionRows.Close()
	for actionRows.Next() {
		var ac ActionCount
		if err := actionRows.Scan(&ac.Action, &ac.Count); err != nil {
			return nil, err
		}
		stats.ByAction = append(stats.ByAction, ac)
	}
	if err := actionRows.Err(); err != nil {
		return nil, err
	}

	typeRows, err := r.db.QueryContext(ctx,
		`SELECT entity_type, COUNT(*) FROM audit_records`+where+` GROUP BY entity_type ORDER BY COUNT(*) DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var tc EntityTypeCount
		if err := typeRows.Scan(&tc.EntityType, &tc.Count); err != nil {
			return nil, err
		}
		stats.ByEntityType = append(stats.ByEntityType, tc)
	}
	return stats, typeRows.Err()
}

// ExportCursor marks a position in the trail by creation time and record id.
// The archive export job advances it past each exported batch; the zero
// cursor starts at the beginning of the trail.
type ExportCursor struct {
	CreatedAt time.Time
	ID        string
}

// ListOlderThan retrieves up to limit records created before the cutoff,
// oldest first, strictly after the cursor position. The (created_at, id) row
// comparison keeps records sharing a timestamp from being repeated or skipped
// across batches. Used by the archive export job; records are never deleted.
func (r *AuditRepository) ListOlderThan(ctx context.Context, after ExportCursor, cutoff time.Time, limit int) ([]*models.AuditRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM audit_records
		WHERE (created_at, id) > ($1, $2) AND created_at < $3
		ORDER BY created_at ASC, id ASC LIMIT $4`, auditColumns)

	rows, err := r.db.QueryContext(ctx, query, after.CreatedAt, after.ID, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records, err := scanAuditRows(rows)
	if err != nil {
		return nil, err
	}
	return records, rows.Err()
}

// buildAuditWhere renders the WHERE clause for the given filters using
// positional parameters, returning the clause (with leading " WHERE" when any
// filter applies) and its arguments.
func buildAuditWhere(filters AuditFilters) (string, []interface{}) {
	clauses := make([]string, 0, 7)
	args := make([]interface{}, 0, 7)

	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filters.EntityType != nil {
		add(`entity_type = $%d`, *filters.EntityType)
	}
	if filters.EntityID != nil {
		add(`entity_id = $%d`, *filters.EntityID)
	}
	if len(filters.Actions) > 0 {
		placeholders := make([]string, len(filters.Actions))
		for i, a := range filters.Actions {
			args = append(args, string(a))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("action IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filters.ActorID != nil {
		add(`actor_id = $%d`, *filters.ActorID)
	}
	if filters.StartDate != nil {
		add(`created_at >= $%d`, *filters.StartDate)
	}
	if filters.EndDate != nil {
		add(`created_at <= $%d`, *filters.EndDate)
	}
	if filters.Search != nil && *filters.Search != "" {
		args = append(args, "%"+*filters.Search+"%")
		n := len(args)
		clauses = append(clauses, fmt.Sprintf(
			"(old_values::text ILIKE $%d OR new_values::text ILIKE $%d OR metadata::text ILIKE $%d)", n, n, n))
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditRecord(row rowScanner) (*models.AuditRecord, error) {
	rec := &models.AuditRecord{}
	var oldJSON, newJSON, metaJSON []byte
	var action string

	err := row.Scan(
		&rec.ID,
		&rec.EntityType,
		&rec.EntityID,
		&action,
		&rec.ActorID,
		&oldJSON,
		&newJSON,
		&metaJSON,
		&rec.IntegrityDigest,
		&rec.IPAddress,
		&rec.UserAgent,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Action = models.Action(action)
	if err := unmarshalNullable(oldJSON, &rec.OldValues); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(newJSON, &rec.NewValues); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(metaJSON, &rec.Metadata); err != nil {
		return nil, err
	}
	return rec, nil
}

func scanAuditRows(rows *sql.Rows) ([]*models.AuditRecord, error) {
	records := make([]*models.AuditRecord, 0)
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func marshalNullable(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalNullable(b []byte, dst *map[string]interface{}) error {
	if b == nil {
		return nil
	}
	return json.Unmarshal(b, dst)
}
