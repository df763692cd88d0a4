// archive_export.go implements the ArchiveExport background job, which
// periodically exports aged audit records to the configured archive backend
// as JSONL bundles. Export never deletes from the database: the trail is
// immutable, and retention trimming is a database operations decision made
// outside this service.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/contracthub/audit-engine/internal/archive"
	"github.com/contracthub/audit-engine/internal/db/repositories"
	"github.com/contracthub/audit-engine/internal/telemetry"
	"github.com/contracthub/audit-engine/pkg/checksum"
)

// ArchiveExport periodically exports aged audit records to cold storage
type ArchiveExport struct {
	repo      *repositories.AuditRepository
	backend   archive.Backend
	interval  time.Duration
	maxAge    time.Duration
	batchSize int
	stopChan  chan struct{}

	// cursor marks the last successfully exported record so successive runs
	// walk forward through the backlog instead of re-reading the oldest
	// batch. Only touched from the job goroutine. It is not persisted; after
	// a restart the first run re-exports the oldest eligible batch, which is
	// safe because bundles are keyed by run date and covered range.
	cursor repositories.ExportCursor
}

// NewArchiveExport creates a new archive export job
func NewArchiveExport(repo *repositories.AuditRepository, backend archive.Backend, cfg *archive.Config) *ArchiveExport {
	intervalHours := cfg.IntervalHours
	if intervalHours <= 0 {
		intervalHours = 24
	}
	exportAfterDays := cfg.ExportAfterDays
	if exportAfterDays <= 0 {
		exportAfterDays = 365
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 5000
	}

	return &ArchiveExport{
		repo:      repo,
		backend:   backend,
		interval:  time.Duration(intervalHours) * time.Hour,
		maxAge:    time.Duration(exportAfterDays) * 24 * time.Hour,
		batchSize: batchSize,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the archive export job
func (e *ArchiveExport) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	slog.Info("archive export started", "interval", e.interval, "max_age", e.maxAge)

	// Run immediately on start
	e.runExport(ctx)

	for {
		select {
		case <-ticker.C:
			e.runExport(ctx)
		case <-e.stopChan:
			slog.Info("archive export stopped")
			return
		case <-ctx.Done():
			slog.Info("archive export context cancelled")
			return
		}
	}
}

// Stop stops the archive export job
func (e *ArchiveExport) Stop() {
	close(e.stopChan)
}

// runExport performs one export pass
func (e *ArchiveExport) runExport(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-e.maxAge)

	records, err := e.repo.ListOlderThan(ctx, e.cursor, cutoff, e.batchSize)
	if err != nil {
		slog.Error("archive export failed to list records", "error", err)
		return
	}
	if len(records) == 0 {
		slog.Info("archive export run completed: no records older than cutoff", "cutoff", cutoff)
		return
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			slog.Error("archive export failed to encode record", "record_id", rec.ID, "error", err)
			return
		}
	}

	// Key by the run timestamp and the covered range so successive runs
	// never overwrite each other.
	first := records[0].CreatedAt.UTC()
	last := records[len(records)-1].CreatedAt.UTC()
	key := fmt.Sprintf("audit/%s/export-%s-%s.jsonl",
		time.Now().UTC().Format("2006/01/02"),
		first.Format("20060102T150405Z"),
		last.Format("20060102T150405Z"))

	result, err := e.backend.Store(ctx, key, &buf, int64(buf.Len()))
	if err != nil {
		slog.Error("archive export failed to store bundle", "key", key, "error", err)
		return
	}

	// Read the bundle back and verify it landed intact. A mismatch means
	// the backend corrupted or truncated the upload; the records stay in
	// the database either way, so this only raises the alarm.
	if err := e.verifyBundle(ctx, result); err != nil {
		slog.Error("archive export bundle verification failed", "key", result.Key, "error", err)
		return
	}

	// Advance the cursor only after the bundle verified, so a failed store
	// retries the same batch on the next run.
	tail := records[len(records)-1]
	e.cursor = repositories.ExportCursor{CreatedAt: tail.CreatedAt, ID: tail.ID}

	telemetry.ArchivedRecordsTotal.Add(float64(len(records)))
	slog.Info("archive export run completed",
		"records", len(records), "key", result.Key,
		"size", result.Size, "checksum", result.Checksum)
}

// verifyBundle re-reads a stored bundle and checks it against the checksum
// reported at store time.
func (e *ArchiveExport) verifyBundle(ctx context.Context, result *archive.StoreResult) error {
	rc, err := e.backend.Open(ctx, result.Key)
	if err != nil {
		return fmt.Errorf("failed to open stored bundle: %w", err)
	}
	defer rc.Close()

	ok, err := checksum.VerifySHA256(rc, result.Checksum)
	if err != nil {
		return fmt.Errorf("failed to read stored bundle: %w", err)
	}
	if !ok {
		return fmt.Errorf("bundle checksum mismatch for %s", result.Key)
	}
	return nil
}
