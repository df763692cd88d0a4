package repositories

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contracthub/audit-engine/internal/db/models"
)

func newAuditRepoMock(t *testing.T) (*AuditRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewAuditRepository(db), mock
}

func auditRowColumns() []string {
	return []string{"id", "entity_type", "entity_id", "action", "actor_id",
		"old_values", "new_values", "metadata", "integrity_digest", "ip_address", "user_agent", "created_at"}
}

func TestAuditInsert(t *testing.T) {
	repo, mock := newAuditRepoMock(t)

	actor := "user-1"
	rec := &models.AuditRecord{
		ID:              "rec-1",
		EntityType:      "CONTRACT",
		EntityID:        "c-1",
		Action:          models.ActionUpdate,
		ActorID:         &actor,
		OldValues:       map[string]interface{}{"status": "draft"},
		NewValues:       map[string]interface{}{"status": "active"},
		IntegrityDigest: "digest",
		CreatedAt:       time.Now().UTC(),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_records")).
		WithArgs("rec-1", "CONTRACT", "c-1", "UPDATE", &actor,
			[]byte(`{"status":"draft"}`), []byte(`{"status":"active"}`), nil,
			"digest", nil, nil, rec.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Insert(context.Background(), rec)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditInsertAssignsMissingID(t *testing.T) {
	repo, mock := newAuditRepoMock(t)

	rec := &models.AuditRecord{
		EntityType: "CONTRACT",
		EntityID:   "c-1",
		Action:     models.ActionCreate,
		NewValues:  map[string]interface{}{"status": "draft"},
		CreatedAt:  time.Now().UTC(),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_records")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Insert(context.Background(), rec))
	assert.NotEmpty(t, rec.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditGetNotFound(t *testing.T) {
	repo, mock := newAuditRepoMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(auditRowColumns()))

	rec, err := repo.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestAuditGetDecodesJSON(t *testing.T) {
	repo, mock := newAuditRepoMock(t)
	created := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows(auditRowColumns()).
			AddRow("rec-1", "CONTRACT", "c-1", "UPDATE", nil,
				[]byte(`{"status":"draft"}`), []byte(`{"status":"active"}`), nil,
				"digest", nil, nil, created))

	rec, err := repo.Get(context.Background(), "rec-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.ActionUpdate, rec.Action)
	assert.Equal(t, map[string]interface{}{"status": "draft"}, rec.OldValues)
	assert.Equal(t, map[string]interface{}{"status": "active"}, rec.NewValues)
	assert.Nil(t, rec.Metadata)
}

func TestAuditListFiltersAndPagination(t *testing.T) {
	repo, mock := newAuditRepoMock(t)

	entityType := "CONTRACT"
	actor := "user-1"
	filters := AuditFilters{
		EntityType: &entityType,
		ActorID:    &actor,
		Actions:    []models.Action{models.ActionUpdate, models.ActionDelete},
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM audit_records WHERE")).
		WithArgs("CONTRACT", "UPDATE", "DELETE", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	mock.ExpectQuery("SELECT .+ FROM audit_records WHERE .+ ORDER BY created_at DESC").
		WithArgs("CONTRACT", "UPDATE", "DELETE", "user-1", 2, 4).
		WillReturnRows(sqlmock.NewRows(auditRowColumns()).
			AddRow("rec-1", "CONTRACT", "c-1", "UPDATE", actor,
				nil, []byte(`{"a":1}`), nil, "d1", nil, nil, time.Now()).
			AddRow("rec-2", "CONTRACT", "c-2", "DELETE", actor,
				[]byte(`{"a":1}`), nil, nil, "d2", nil, nil, time.Now()))

	records, total, err := repo.List(context.Background(), filters, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, records, 2)
	assert.Equal(t, "rec-1", records[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditListNoFilters(t *testing.T) {
	repo, mock := newAuditRepoMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM audit_records")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT .+ FROM audit_records ORDER BY created_at DESC").
		WithArgs(50, 0).
		WillReturnRows(sqlmock.NewRows(auditRowColumns()))

	records, total, err := repo.List(context.Background(), AuditFilters{}, 50, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, records)
}

func TestAuditListByIDsEmpty(t *testing.T) {
	repo, _ := newAuditRepoMock(t)
	records, err := repo.ListByIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, records)
}

func TestAuditListByIDs(t *testing.T) {
	repo, mock := newAuditRepoMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id IN ($1, $2)")).
		WithArgs("a", "b").
		WillReturnRows(sqlmock.NewRows(auditRowColumns()).
			AddRow("a", "CONTRACT", "c-1", "CREATE", nil,
				nil, []byte(`{}`), nil, "d", nil, nil, time.Now()))

	records, err := repo.ListByIDs(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].ID)
}

func TestAuditListOlderThanKeyset(t *testing.T) {
	repo, mock := newAuditRepoMock(t)

	cutoff := time.Date(2025, 8, 31, 0, 0, 0, 0, time.UTC)
	after := ExportCursor{CreatedAt: cutoff.Add(-48 * time.Hour), ID: "rec-7"}

	mock.ExpectQuery(regexp.QuoteMeta("WHERE (created_at, id) > ($1, $2) AND created_at < $3")).
		WithArgs(after.CreatedAt, "rec-7", cutoff, 100).
		WillReturnRows(sqlmock.NewRows(auditRowColumns()).
			AddRow("rec-8", "CONTRACT", "c-1", "UPDATE", nil,
				nil, nil, nil, "d", nil, nil, after.CreatedAt.Add(time.Minute)))

	records, err := repo.ListOlderThan(context.Background(), after, cutoff, 100)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "rec-8", records[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditListOlderThanZeroCursor(t *testing.T) {
	repo, mock := newAuditRepoMock(t)

	cutoff := time.Date(2025, 8, 31, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("(created_at, id) > ($1, $2)")).
		WithArgs(time.Time{}, "", cutoff, 10).
		WillReturnRows(sqlmock.NewRows(auditRowColumns()))

	records, err := repo.ListOlderThan(context.Background(), ExportCursor{}, cutoff, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditStats(t *testing.T) {
	repo, mock := newAuditRepoMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM audit_records")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	mock.ExpectQuery("GROUP BY action").
		WillReturnRows(sqlmock.NewRows([]string{"action", "count"}).
			AddRow("UPDATE", 6).AddRow("CREATE", 4))
	mock.ExpectQuery("GROUP BY entity_type").
		WillReturnRows(sqlmock.NewRows([]string{"entity_type", "count"}).
			AddRow("CONTRACT", 10))

	stats, err := repo.Stats(context.Background(), AuditFilters{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.Total)
	require.Len(t, stats.ByAction, 2)
	assert.Equal(t, models.ActionUpdate, stats.ByAction[0].Action)
	require.Len(t, stats.ByEntityType, 1)
	assert.Equal(t, int64(10), stats.ByEntityType[0].Count)
}

func TestBuildAuditWhere(t *testing.T) {
	t.Run("empty filters", func(t *testing.T) {
		where, args := buildAuditWhere(AuditFilters{})
		assert.Empty(t, where)
		assert.Empty(t, args)
	})

	t.Run("search uses one parameter three times", func(t *testing.T) {
		search := "breach"
		where, args := buildAuditWhere(AuditFilters{Search: &search})
		assert.Contains(t, where, "ILIKE $1")
		require.Len(t, args, 1)
		assert.Equal(t, "%breach%", args[0])
	})

	t.Run("date range", func(t *testing.T) {
		start := time.Now().Add(-time.Hour)
		end := time.Now()
		where, args := buildAuditWhere(AuditFilters{StartDate: &start, EndDate: &end})
		assert.Contains(t, where, "created_at >= $1")
		assert.Contains(t, where, "created_at <= $2")
		assert.Len(t, args, 2)
	})
}

func TestMarshalNullable(t *testing.T) {
	b, err := marshalNullable(nil)
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = marshalNullable(map[string]interface{}{"k": "v"})
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "v", decoded["k"])
}
