// Package integrity computes and verifies the keyed digests that make audit
// and version records tamper-evident. Digests are HMAC-SHA256 over the
// canonical byte form of a record's loggable fields, so an attacker with
// database access but no key cannot forge a valid digest for an altered row.
//
// Each digest is self-contained rather than chained to the previous record.
// Self-contained digests support independent single-record and bulk
// verification and keep working when retention policies prune old records;
// the trade-off is that deletion of whole records is not detectable.
package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/contracthub/audit-engine/internal/canonical"
	"github.com/contracthub/audit-engine/internal/db/models"
)

var (
	// ErrKeyTooShort is returned when the integrity secret is shorter than 32 bytes.
	ErrKeyTooShort = errors.New("integrity: key must be at least 32 bytes")
	// ErrSaltTooShort is returned when the key-derivation salt is shorter than 16 bytes.
	ErrSaltTooShort = errors.New("integrity: salt must be at least 16 bytes")
)

// fieldSeparator joins the canonical segments fed into the HMAC. A byte that
// cannot appear inside canonical output keeps segment boundaries unambiguous.
const fieldSeparator = "\x1f"

// Hasher computes keyed digests for audit records and entity versions. The
// key is injected once at construction and never read from anywhere else.
type Hasher struct {
	key []byte
}

// NewHasher creates a Hasher from a raw secret key.
func NewHasher(key []byte) (*Hasher, error) {
	if len(key) < 32 {
		return nil, ErrKeyTooShort
	}
	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)
	return &Hasher{key: keyCopy}, nil
}

// DeriveHasher creates a Hasher by stretching an operator passphrase with
// PBKDF2-SHA256, for deployments that inject a passphrase instead of raw key
// material.
func DeriveHasher(passphrase string, salt []byte, iterations int) (*Hasher, error) {
	if len(salt) < 16 {
		return nil, ErrSaltTooShort
	}
	if iterations < 10000 {
		iterations = 100000
	}
	return NewHasher(pbkdf2.Key([]byte(passphrase), salt, iterations, 32, sha256.New))
}

// RecordDigest computes the digest for an audit record over its loggable
// fields. The stored IntegrityDigest field itself is excluded.
func (h *Hasher) RecordDigest(rec *models.AuditRecord) (string, error) {
	oldCanon, err := marshalOrNull(rec.OldValues)
	if err != nil {
		return "", err
	}
	newCanon, err := marshalOrNull(rec.NewValues)
	if err != nil {
		return "", err
	}
	metaCanon, err := marshalOrNull(rec.Metadata)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, h.key)
	for _, segment := range []string{
		rec.EntityType,
		rec.EntityID,
		string(rec.Action),
		deref(rec.ActorID),
		oldCanon,
		newCanon,
		metaCanon,
		deref(rec.IPAddress),
		deref(rec.UserAgent),
		canonicalTime(rec.CreatedAt),
	} {
		mac.Write([]byte(segment))
		mac.Write([]byte(fieldSeparator))
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyRecord recomputes the record's digest and compares it in constant
// time against the stored value.
func (h *Hasher) VerifyRecord(rec *models.AuditRecord) (bool, error) {
	expected, err := h.RecordDigest(rec)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(rec.IntegrityDigest)) == 1, nil
}

// VersionDigest computes the digest for an entity version over its snapshot
// and version coordinates.
func (h *Hasher) VersionDigest(v *models.EntityVersion) (string, error) {
	snapCanon, err := marshalOrNull(v.Snapshot)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, h.key)
	for _, segment := range []string{
		v.EntityType,
		v.EntityID,
		strconv.Itoa(v.VersionNumber),
		snapCanon,
		v.ChangeDescription,
		deref(v.CreatedBy),
		canonicalTime(v.CreatedAt),
	} {
		mac.Write([]byte(segment))
		mac.Write([]byte(fieldSeparator))
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyVersion recomputes the version's digest and compares it in constant time.
func (h *Hasher) VerifyVersion(v *models.EntityVersion) (bool, error) {
	expected, err := h.VersionDigest(v)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(v.VersionDigest)) == 1, nil
}

func marshalOrNull(m map[string]interface{}) (string, error) {
	if m == nil {
		return "null", nil
	}
	b, err := canonical.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// canonicalTime renders timestamps at microsecond precision in UTC. Postgres
// stores timestamptz at microsecond resolution and rounds finer input, so
// writers must truncate CreatedAt to the microsecond before digesting; the
// Truncate here then agrees with the stored value on both sides of the
// round-trip.
func canonicalTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format("2006-01-02T15:04:05.000000Z")
}
