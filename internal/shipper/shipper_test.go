package shipper

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contracthub/audit-engine/internal/db/models"
)

func testEntry(id string) *Entry {
	return &Entry{
		ID:         id,
		Timestamp:  time.Now().UTC(),
		EntityType: "CONTRACT",
		EntityID:   "c-1",
		Action:     "UPDATE",
		NewValues:  map[string]interface{}{"status": "active"},
		Digest:     "digest",
	}
}

func TestEntryFromRecord(t *testing.T) {
	actor := "user-1"
	ip := "10.0.0.1"
	rec := &models.AuditRecord{
		ID:              "rec-1",
		EntityType:      "CONTRACT",
		EntityID:        "c-1",
		Action:          models.ActionUpdate,
		ActorID:         &actor,
		OldValues:       map[string]interface{}{"a": 1},
		NewValues:       map[string]interface{}{"a": 2},
		IntegrityDigest: "digest",
		IPAddress:       &ip,
		CreatedAt:       time.Now().UTC(),
	}

	e := EntryFromRecord(rec)
	assert.Equal(t, "rec-1", e.ID)
	assert.Equal(t, "UPDATE", e.Action)
	assert.Equal(t, "user-1", e.ActorID)
	assert.Equal(t, "10.0.0.1", e.IPAddress)
	assert.Equal(t, "digest", e.Digest)
	assert.Equal(t, rec.CreatedAt, e.Timestamp)
}

func TestEntryFromRecordNilOptionals(t *testing.T) {
	e := EntryFromRecord(&models.AuditRecord{ID: "rec-1", Action: models.ActionView})
	assert.Empty(t, e.ActorID)
	assert.Empty(t, e.IPAddress)
}

func TestNewMultiShipper(t *testing.T) {
	t.Run("empty config", func(t *testing.T) {
		ms, err := NewMultiShipper(nil)
		require.NoError(t, err)
		assert.True(t, ms.Empty())
	})

	t.Run("disabled destinations skipped", func(t *testing.T) {
		ms, err := NewMultiShipper([]Config{
			{Enabled: false, Type: "webhook"},
		})
		require.NoError(t, err)
		assert.True(t, ms.Empty())
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := NewMultiShipper([]Config{{Enabled: true, Type: "carrier-pigeon"}})
		assert.Error(t, err)
	})

	t.Run("missing sub-config", func(t *testing.T) {
		_, err := NewMultiShipper([]Config{{Enabled: true, Type: "file"}})
		assert.Error(t, err)

		_, err = NewMultiShipper([]Config{{Enabled: true, Type: "webhook"}})
		assert.Error(t, err)
	})

	t.Run("file shipper built", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "audit.jsonl")
		ms, err := NewMultiShipper([]Config{
			{Enabled: true, Type: "file", File: &FileConfig{Path: path}},
		})
		require.NoError(t, err)
		defer ms.Close()
		assert.False(t, ms.Empty())
	})
}

func TestFileShipperWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	fs, err := NewFileShipper(&FileConfig{Path: path})
	require.NoError(t, err)
	defer fs.Close()

	require.NoError(t, fs.Ship(context.Background(), testEntry("rec-1")))
	require.NoError(t, fs.Ship(context.Background(), testEntry("rec-2")))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"rec-1", "rec-2"}, ids)
}

func TestFileShipperRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	// Pre-fill past the 1 MB threshold so the next Ship rotates.
	require.NoError(t, os.WriteFile(path, make([]byte, 2*1024*1024), 0600))

	fs, err := NewFileShipper(&FileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2})
	require.NoError(t, err)
	defer fs.Close()

	require.NoError(t, fs.Ship(context.Background(), testEntry("rec-1")))

	// The oversized file moved to .1 and the live file holds only the new entry.
	backup, err := os.Stat(path + ".1")
	require.NoError(t, err)
	assert.Greater(t, backup.Size(), int64(1024*1024))

	live, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, live.Size(), int64(4096))
}

func TestWebhookShipperDirectSend(t *testing.T) {
	received := make(chan *http.Request, 1)
	var body Entry
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ws, err := NewWebhookShipper(&WebhookConfig{
		URL:     srv.URL,
		Headers: map[string]string{"X-Api-Key": "secret"},
	})
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.Ship(context.Background(), testEntry("rec-1")))

	req := <-received
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, "secret", req.Header.Get("X-Api-Key"))
	assert.Equal(t, "rec-1", body.ID)
}

func TestWebhookShipperErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ws, err := NewWebhookShipper(&WebhookConfig{URL: srv.URL})
	require.NoError(t, err)
	defer ws.Close()

	assert.Error(t, ws.Ship(context.Background(), testEntry("rec-1")))
}

func TestWebhookShipperRequiresURL(t *testing.T) {
	_, err := NewWebhookShipper(&WebhookConfig{})
	assert.Error(t, err)
}

func TestWebhookShipperBatching(t *testing.T) {
	batches := make(chan []Entry, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []Entry
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		batches <- batch
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ws, err := NewWebhookShipper(&WebhookConfig{
		URL:       srv.URL,
		BatchSize: 2,
	})
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.Ship(context.Background(), testEntry("rec-1")))
	require.NoError(t, ws.Ship(context.Background(), testEntry("rec-2")))

	select {
	case batch := <-batches:
		require.Len(t, batch, 2)
		assert.Equal(t, "rec-1", batch[0].ID)
		assert.Equal(t, "rec-2", batch[1].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("batch never flushed")
	}
}

func TestWebhookShipperCloseFlushesPartialBatch(t *testing.T) {
	batches := make(chan []Entry, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []Entry
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		batches <- batch
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ws, err := NewWebhookShipper(&WebhookConfig{
		URL:           srv.URL,
		BatchSize:     100,
		FlushInterval: 3600,
	})
	require.NoError(t, err)

	require.NoError(t, ws.Ship(context.Background(), testEntry("rec-1")))
	// Give the flusher a moment to pull the entry off the queue before the
	// close-triggered flush runs.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, ws.Close())

	select {
	case batch := <-batches:
		require.Len(t, batch, 1)
		assert.Equal(t, "rec-1", batch[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("partial batch not flushed on close")
	}
}
