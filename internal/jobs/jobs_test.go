package jobs

import (
	"bufio"
	"context"
	"database/sql/driver"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contracthub/audit-engine/internal/archive"
	"github.com/contracthub/audit-engine/internal/archive/local"
	"github.com/contracthub/audit-engine/internal/auditlog"
	"github.com/contracthub/audit-engine/internal/db/models"
	"github.com/contracthub/audit-engine/internal/db/repositories"
	"github.com/contracthub/audit-engine/internal/integrity"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func auditRowColumns() []string {
	return []string{"id", "entity_type", "entity_id", "action", "actor_id",
		"old_values", "new_values", "metadata", "integrity_digest",
		"ip_address", "user_agent", "created_at"}
}

// storedRow renders a record as its database row, computing the digest the
// write path would have stored.
func storedRow(t *testing.T, hasher *integrity.Hasher, rec *models.AuditRecord) []driver.Value {
	t.Helper()
	digest, err := hasher.RecordDigest(rec)
	require.NoError(t, err)
	return []driver.Value{rec.ID, rec.EntityType, rec.EntityID, string(rec.Action),
		nil, nil, nil, nil, digest, nil, nil, rec.CreatedAt}
}

func TestIntegritySweepDefaults(t *testing.T) {
	s := NewIntegritySweep(nil, 0, 0)
	assert.Equal(t, 6*time.Hour, s.interval)
	assert.Equal(t, 24*time.Hour, s.window)
}

func TestIntegritySweepRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	hasher, err := integrity.NewHasher(testKey)
	require.NoError(t, err)
	svc := auditlog.NewService(repositories.NewAuditRepository(db), hasher)

	clean := &models.AuditRecord{
		ID: "rec-1", EntityType: "CONTRACT", EntityID: "c-1",
		Action: models.ActionView, CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	forged := storedRow(t, hasher, &models.AuditRecord{
		ID: "rec-2", EntityType: "CONTRACT", EntityID: "c-2",
		Action: models.ActionView, CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	})
	forged[8] = "forged-digest"

	mock.ExpectQuery("WHERE created_at >= ").
		WillReturnRows(sqlmock.NewRows(auditRowColumns()).
			AddRow(storedRow(t, hasher, clean)...).
			AddRow(forged...))

	// The sweep only logs findings; the assertion is that exactly one range
	// query ran and both rows were consumed.
	sweep := NewIntegritySweep(svc, 6, 24)
	sweep.runSweep(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveExportDefaults(t *testing.T) {
	e := NewArchiveExport(nil, nil, &archive.Config{})
	assert.Equal(t, 24*time.Hour, e.interval)
	assert.Equal(t, 365*24*time.Hour, e.maxAge)
	assert.Equal(t, 5000, e.batchSize)
}

func TestArchiveExportRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	dir := t.TempDir()
	backend, err := local.New(&archive.LocalConfig{BasePath: dir})
	require.NoError(t, err)

	old := time.Now().UTC().Add(-400 * 24 * time.Hour)
	mock.ExpectQuery(`WHERE \(created_at, id\) > `).
		WillReturnRows(sqlmock.NewRows(auditRowColumns()).
			AddRow("rec-1", "CONTRACT", "c-1", "UPDATE", nil, nil, nil, nil, "digest-1", nil, nil, old).
			AddRow("rec-2", "CONTRACT", "c-2", "DELETE", nil, nil, nil, nil, "digest-2", nil, nil, old.Add(time.Hour)))

	job := NewArchiveExport(repositories.NewAuditRepository(db), backend, &archive.Config{
		IntervalHours:   24,
		ExportAfterDays: 365,
		BatchSize:       100,
	})
	job.runExport(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())

	// One JSONL bundle holding both records, stored under the dated key.
	var bundles []string
	require.NoError(t, filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			bundles = append(bundles, path)
		}
		return nil
	}))
	require.Len(t, bundles, 1)
	assert.Contains(t, bundles[0], "audit/")

	f, err := os.Open(bundles[0])
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec models.AuditRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"rec-1", "rec-2"}, ids)
}

func TestArchiveExportNoEligibleRecords(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	backend, err := local.New(&archive.LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	mock.ExpectQuery(`WHERE \(created_at, id\) > `).
		WillReturnRows(sqlmock.NewRows(auditRowColumns()))

	job := NewArchiveExport(repositories.NewAuditRepository(db), backend, &archive.Config{})
	job.runExport(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveExportAdvancesThroughBacklog(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	backend, err := local.New(&archive.LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	old := time.Now().UTC().Add(-400 * 24 * time.Hour).Truncate(time.Microsecond)

	// First run starts from the zero cursor and exports the oldest batch.
	mock.ExpectQuery(`WHERE \(created_at, id\) > `).
		WithArgs(time.Time{}, "", sqlmock.AnyArg(), 2).
		WillReturnRows(sqlmock.NewRows(auditRowColumns()).
			AddRow("rec-1", "CONTRACT", "c-1", "UPDATE", nil, nil, nil, nil, "digest-1", nil, nil, old).
			AddRow("rec-2", "CONTRACT", "c-2", "DELETE", nil, nil, nil, nil, "digest-2", nil, nil, old.Add(time.Hour)))

	// Second run must resume strictly after the last exported record rather
	// than re-reading the same oldest batch.
	mock.ExpectQuery(`WHERE \(created_at, id\) > `).
		WithArgs(old.Add(time.Hour), "rec-2", sqlmock.AnyArg(), 2).
		WillReturnRows(sqlmock.NewRows(auditRowColumns()).
			AddRow("rec-3", "CONTRACT", "c-3", "UPDATE", nil, nil, nil, nil, "digest-3", nil, nil, old.Add(2*time.Hour)))

	job := NewArchiveExport(repositories.NewAuditRepository(db), backend, &archive.Config{BatchSize: 2})
	job.runExport(context.Background())
	job.runExport(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, "rec-3", job.cursor.ID)
	assert.True(t, job.cursor.CreatedAt.Equal(old.Add(2*time.Hour)))
}

func TestArchiveExportKeepsCursorOnListFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	backend, err := local.New(&archive.LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	mock.ExpectQuery(`WHERE \(created_at, id\) > `).
		WillReturnError(assert.AnError)

	job := NewArchiveExport(repositories.NewAuditRepository(db), backend, &archive.Config{})
	job.runExport(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())

	// A failed run leaves the cursor where it was so the batch is retried.
	assert.True(t, job.cursor.CreatedAt.IsZero())
	assert.Empty(t, job.cursor.ID)
}

func TestVerifyBundleDetectsCorruption(t *testing.T) {
	backend, err := local.New(&archive.LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	result, err := backend.Store(context.Background(), "audit/x.jsonl",
		strings.NewReader(`{"id":"rec-1"}`), 14)
	require.NoError(t, err)

	job := &ArchiveExport{backend: backend}
	require.NoError(t, job.verifyBundle(context.Background(), result))

	// A wrong recorded checksum must be reported as a mismatch.
	result.Checksum = "0000000000000000000000000000000000000000000000000000000000000000"
	assert.Error(t, job.verifyBundle(context.Background(), result))
}
