package integrity

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contracthub/audit-engine/internal/db/models"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func testRecord() *models.AuditRecord {
	actor := "user-1"
	return &models.AuditRecord{
		ID:         "rec-1",
		EntityType: "CONTRACT",
		EntityID:   "c-42",
		Action:     models.ActionUpdate,
		ActorID:    &actor,
		OldValues:  map[string]interface{}{"status": "draft"},
		NewValues:  map[string]interface{}{"status": "active"},
		Metadata:   map[string]interface{}{"path": "/contracts/c-42"},
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewHasherKeyLength(t *testing.T) {
	_, err := NewHasher([]byte("short"))
	assert.ErrorIs(t, err, ErrKeyTooShort)

	h, err := NewHasher(testKey)
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestDeriveHasher(t *testing.T) {
	t.Run("salt too short", func(t *testing.T) {
		_, err := DeriveHasher("passphrase", []byte("tiny"), 100000)
		assert.ErrorIs(t, err, ErrSaltTooShort)
	})

	t.Run("same inputs derive same key", func(t *testing.T) {
		salt := []byte("salt-salt-salt-16b")
		h1, err := DeriveHasher("passphrase", salt, 10000)
		require.NoError(t, err)
		h2, err := DeriveHasher("passphrase", salt, 10000)
		require.NoError(t, err)

		rec := testRecord()
		d1, err := h1.RecordDigest(rec)
		require.NoError(t, err)
		d2, err := h2.RecordDigest(rec)
		require.NoError(t, err)
		assert.Equal(t, d1, d2)
	})

	t.Run("different passphrases derive different keys", func(t *testing.T) {
		salt := []byte("salt-salt-salt-16b")
		h1, err := DeriveHasher("passphrase-a", salt, 10000)
		require.NoError(t, err)
		h2, err := DeriveHasher("passphrase-b", salt, 10000)
		require.NoError(t, err)

		rec := testRecord()
		d1, _ := h1.RecordDigest(rec)
		d2, _ := h2.RecordDigest(rec)
		assert.NotEqual(t, d1, d2)
	})
}

func TestRecordDigestRoundTrip(t *testing.T) {
	h, err := NewHasher(testKey)
	require.NoError(t, err)

	rec := testRecord()
	digest, err := h.RecordDigest(rec)
	require.NoError(t, err)
	assert.Len(t, digest, 64)

	rec.IntegrityDigest = digest
	ok, err := h.VerifyRecord(rec)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRecordDetectsTampering(t *testing.T) {
	h, err := NewHasher(testKey)
	require.NoError(t, err)

	rec := testRecord()
	rec.IntegrityDigest, err = h.RecordDigest(rec)
	require.NoError(t, err)

	t.Run("changed snapshot", func(t *testing.T) {
		tampered := *rec
		tampered.NewValues = map[string]interface{}{"status": "terminated"}
		ok, err := h.VerifyRecord(&tampered)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("changed actor", func(t *testing.T) {
		tampered := *rec
		other := "user-2"
		tampered.ActorID = &other
		ok, err := h.VerifyRecord(&tampered)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("changed timestamp", func(t *testing.T) {
		tampered := *rec
		tampered.CreatedAt = rec.CreatedAt.Add(time.Second)
		ok, err := h.VerifyRecord(&tampered)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRecordDigestFieldBoundaries(t *testing.T) {
	// Moving characters across adjacent fields must change the digest; the
	// separator byte keeps "ab"+"c" distinct from "a"+"bc".
	h, err := NewHasher(testKey)
	require.NoError(t, err)

	r1 := testRecord()
	r1.EntityType = "AB"
	r1.EntityID = "C"
	r2 := testRecord()
	r2.EntityType = "A"
	r2.EntityID = "BC"

	d1, err := h.RecordDigest(r1)
	require.NoError(t, err)
	d2, err := h.RecordDigest(r2)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}

func TestRecordDigestNilMapsCanonicalizeToNull(t *testing.T) {
	h, err := NewHasher(testKey)
	require.NoError(t, err)

	rec := testRecord()
	rec.OldValues = nil
	rec.Metadata = nil

	d1, err := h.RecordDigest(rec)
	require.NoError(t, err)
	d2, err := h.RecordDigest(rec)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestRecordDigestTimestampPrecision(t *testing.T) {
	// Writers truncate CreatedAt to the microsecond before digesting.
	// Postgres timestamptz rounds finer input to the nearest microsecond, so
	// the digest must survive a Round on the read-back value. A record stamped
	// at ...123456789ns is written as ...123456000 and must still verify.
	h, err := NewHasher(testKey)
	require.NoError(t, err)

	clock := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

	rec := testRecord()
	rec.CreatedAt = clock.Truncate(time.Microsecond)
	digest, err := h.RecordDigest(rec)
	require.NoError(t, err)

	rec.IntegrityDigest = digest
	rec.CreatedAt = rec.CreatedAt.Round(time.Microsecond)
	ok, err := h.VerifyRecord(rec)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecordDigestNanosecondRemainderBreaksVerification(t *testing.T) {
	// The inverse case: digesting an untruncated timestamp with a remainder
	// of 500ns or more yields a digest that no longer matches after the
	// database rounds the stored value up to the next microsecond.
	h, err := NewHasher(testKey)
	require.NoError(t, err)

	rec := testRecord()
	rec.CreatedAt = time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	digest, err := h.RecordDigest(rec)
	require.NoError(t, err)

	rec.IntegrityDigest = digest
	rec.CreatedAt = rec.CreatedAt.Round(time.Microsecond)
	ok, err := h.VerifyRecord(rec)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVersionDigestRoundTrip(t *testing.T) {
	h, err := NewHasher(testKey)
	require.NoError(t, err)

	creator := "user-1"
	v := &models.EntityVersion{
		ID:                "ver-1",
		EntityType:        "CONTRACT",
		EntityID:          "c-42",
		VersionNumber:     3,
		Snapshot:          map[string]interface{}{"status": "active", "amount": 100},
		ChangeDescription: "approved",
		CreatedBy:         &creator,
		CreatedAt:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	digest, err := h.VersionDigest(v)
	require.NoError(t, err)
	v.VersionDigest = digest

	ok, err := h.VerifyVersion(v)
	require.NoError(t, err)
	assert.True(t, ok)

	v.VersionNumber = 4
	ok, err = h.VerifyVersion(v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDigestSerializationError(t *testing.T) {
	h, err := NewHasher(testKey)
	require.NoError(t, err)

	rec := testRecord()
	rec.NewValues = map[string]interface{}{"bad": make(chan int)}
	_, err = h.RecordDigest(rec)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not representable"))
}
