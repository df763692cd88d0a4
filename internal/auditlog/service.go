// Package auditlog implements the audit log store: validated, digest-bearing
// appends to the immutable trail plus filtered retrieval, aggregate
// statistics, and single/bulk integrity verification.
package auditlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/contracthub/audit-engine/internal/canonical"
	"github.com/contracthub/audit-engine/internal/db/models"
	"github.com/contracthub/audit-engine/internal/db/repositories"
	"github.com/contracthub/audit-engine/internal/integrity"
	"github.com/contracthub/audit-engine/internal/telemetry"
)

var (
	// ErrValidation is returned when a record is missing structurally
	// required fields for its action.
	ErrValidation = errors.New("auditlog: invalid record")
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("auditlog: record not found")
	// ErrVerifyBatchTooLarge is returned when a bulk verification request
	// exceeds MaxVerifyBatch.
	ErrVerifyBatchTooLarge = errors.New("auditlog: verification batch exceeds limit")
)

// MaxVerifyBatch caps the number of records a single bulk verification may
// touch, so an unbounded date range cannot turn into a full table scan.
const MaxVerifyBatch = 500

// Service is the audit log store. All writes flow through Append, which is
// the only place digests are computed.
type Service struct {
	repo   *repositories.AuditRepository
	hasher *integrity.Hasher
}

// NewService creates the audit log store.
func NewService(repo *repositories.AuditRepository, hasher *integrity.Hasher) *Service {
	return &Service{repo: repo, hasher: hasher}
}

// Append validates, digests, and persists a new audit record, returning the
// stored record with its assigned id.
//
// Structural requirements: entityType, entityId, and a known action are
// mandatory and their absence is a ValidationError. Missing optional context
// (unknown actor, no request metadata) is not an error; the fields stay null.
// Per-action snapshot requirements: CREATE needs newValues, DELETE needs
// oldValues, UPDATE and ROLLBACK need both.
func (s *Service) Append(ctx context.Context, rec *models.AuditRecord) (*models.AuditRecord, error) {
	if err := validate(rec); err != nil {
		return nil, err
	}

	rec.ID = uuid.New().String()
	// Truncate to the microsecond before digesting. Postgres timestamptz
	// stores microseconds and rounds finer input, so a nanosecond remainder
	// would change the stored timestamp and break verification on read-back.
	rec.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)

	digest, err := s.hasher.RecordDigest(rec)
	if err != nil {
		return nil, fmt.Errorf("computing record digest: %w", err)
	}
	rec.IntegrityDigest = digest

	if err := s.repo.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("appending audit record: %w", err)
	}

	telemetry.AuditRecordsWrittenTotal.WithLabelValues(rec.EntityType, string(rec.Action)).Inc()
	return rec, nil
}

func validate(rec *models.AuditRecord) error {
	if rec.EntityType == "" {
		return fmt.Errorf("%w: entityType is required", ErrValidation)
	}
	if rec.EntityID == "" {
		return fmt.Errorf("%w: entityId is required", ErrValidation)
	}
	if !rec.Action.IsValid() {
		return fmt.Errorf("%w: unknown action %q", ErrValidation, rec.Action)
	}

	switch rec.Action {
	case models.ActionCreate:
		if rec.NewValues == nil {
			return fmt.Errorf("%w: CREATE requires newValues", ErrValidation)
		}
	case models.ActionDelete:
		if rec.OldValues == nil {
			return fmt.Errorf("%w: DELETE requires oldValues", ErrValidation)
		}
	case models.ActionUpdate, models.ActionRollback:
		if rec.OldValues == nil || rec.NewValues == nil {
			return fmt.Errorf("%w: %s requires both oldValues and newValues", ErrValidation, rec.Action)
		}
	}

	// Snapshots must canonicalize now rather than fail later during
	// verification of a record that was already persisted.
	for _, snap := range []map[string]interface{}{rec.OldValues, rec.NewValues, rec.Metadata} {
		if snap == nil {
			continue
		}
		if _, err := canonical.Marshal(snap); err != nil {
			return err
		}
	}
	return nil
}

// Query retrieves a page of audit records matching the filters, newest first,
// along with the total match count.
func (s *Service) Query(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditRecord, int, error) {
	return s.repo.List(ctx, filters, limit, offset)
}

// Get retrieves a single record by id.
func (s *Service) Get(ctx context.Context, id string) (*models.AuditRecord, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// Stats returns aggregate counts for records matching the filters.
func (s *Service) Stats(ctx context.Context, filters repositories.AuditFilters) (*repositories.Statistics, error) {
	return s.repo.Stats(ctx, filters)
}

// VerifyResult reports the integrity of a single record.
type VerifyResult struct {
	ID     string `json:"id"`
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// VerifySummary aggregates the outcome of a bulk verification.
type VerifySummary struct {
	Checked    int      `json:"checked"`
	Valid      int      `json:"valid"`
	Invalid    int      `json:"invalid"`
	InvalidIDs []string `json:"invalid_ids,omitempty"`
}

// VerifyOne recomputes the digest for one stored record and compares it
// against the stored value. An integrity mismatch is a result, not an error.
func (s *Service) VerifyOne(ctx context.Context, id string) (*VerifyResult, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.verifyRecord(rec), nil
}

func (s *Service) verifyRecord(rec *models.AuditRecord) *VerifyResult {
	ok, err := s.hasher.VerifyRecord(rec)
	if err != nil {
		telemetry.IntegrityChecksTotal.WithLabelValues("error").Inc()
		return &VerifyResult{ID: rec.ID, Valid: false, Reason: fmt.Sprintf("digest recomputation failed: %v", err)}
	}
	if !ok {
		telemetry.IntegrityChecksTotal.WithLabelValues("invalid").Inc()
		return &VerifyResult{ID: rec.ID, Valid: false, Reason: "integrity digest mismatch"}
	}
	telemetry.IntegrityChecksTotal.WithLabelValues("valid").Inc()
	return &VerifyResult{ID: rec.ID, Valid: true}
}

// VerifyBatch verifies the records with the given ids. Ids that do not exist
// are reported invalid with a not-found reason so a caller auditing a fixed
// id list notices disappeared records.
func (s *Service) VerifyBatch(ctx context.Context, ids []string) (*VerifySummary, error) {
	if len(ids) > MaxVerifyBatch {
		return nil, fmt.Errorf("%w: %d ids (max %d)", ErrVerifyBatchTooLarge, len(ids), MaxVerifyBatch)
	}

	records, err := s.repo.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	found := make(map[string]*models.AuditRecord, len(records))
	for _, rec := range records {
		found[rec.ID] = rec
	}

	summary := &VerifySummary{}
	for _, id := range ids {
		summary.Checked++
		rec, ok := found[id]
		if !ok {
			summary.Invalid++
			summary.InvalidIDs = append(summary.InvalidIDs, id)
			continue
		}
		res := s.verifyRecord(rec)
		if res.Valid {
			summary.Valid++
		} else {
			summary.Invalid++
			summary.InvalidIDs = append(summary.InvalidIDs, id)
		}
	}
	return summary, nil
}

// VerifyRange verifies records created within [start, end], bounded to
// MaxVerifyBatch records (oldest first).
func (s *Service) VerifyRange(ctx context.Context, start, end time.Time) (*VerifySummary, error) {
	records, err := s.repo.ListRange(ctx, start, end, MaxVerifyBatch)
	if err != nil {
		return nil, err
	}

	summary := &VerifySummary{}
	for _, rec := range records {
		summary.Checked++
		res := s.verifyRecord(rec)
		if res.Valid {
			summary.Valid++
		} else {
			summary.Invalid++
			summary.InvalidIDs = append(summary.InvalidIDs, rec.ID)
		}
	}
	return summary, nil
}
