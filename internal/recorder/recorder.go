// Package recorder is the fire-and-forget front door of the audit engine.
// Business handlers call Record with a mutation event and move on; a pool of
// background workers redacts sensitive fields, appends the audit record, and
// commits an entity version when the action and entity type call for one.
//
// The write path is fail-open: a full queue drops the event, a failed append
// or version insert is logged and counted but never surfaces to the caller.
// The mutation that triggered the event has already happened, so refusing it
// retroactively would help nobody. Monitoring the failure counters is how an
// operator notices a degraded trail.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/contracthub/audit-engine/internal/auditlog"
	"github.com/contracthub/audit-engine/internal/db/models"
	"github.com/contracthub/audit-engine/internal/entities"
	"github.com/contracthub/audit-engine/internal/safego"
	"github.com/contracthub/audit-engine/internal/shipper"
	"github.com/contracthub/audit-engine/internal/telemetry"
	"github.com/contracthub/audit-engine/internal/versionstore"
)

// Options tunes how one event is processed.
type Options struct {
	// TrackVersions requests a version commit alongside the audit record.
	// It is still subject to the action and the entity type's capability.
	TrackVersions bool
	// Description is stored as the change description of the committed
	// version, when one is created.
	Description string
}

// Event is one entity mutation to be logged. Old/New/Metadata are deep
// snapshots owned by the recorder after Record returns; callers must not
// mutate them afterwards.
type Event struct {
	EntityType string
	EntityID   string
	Action     models.Action
	OldValues  map[string]interface{}
	NewValues  map[string]interface{}
	Metadata   map[string]interface{}
	ActorID    *string
	IPAddress  *string
	UserAgent  *string
	Options    Options
}

// Recorder owns the event queue and worker pool.
type Recorder struct {
	audit    *auditlog.Service
	versions *versionstore.Service
	registry *entities.Registry
	shipper  *shipper.MultiShipper

	queue   chan *Event
	done    chan struct{}
	workers int
}

// New creates a recorder with the given queue capacity and worker count and
// starts the workers. The shipper may be nil or empty when no destinations
// are configured.
func New(audit *auditlog.Service, versions *versionstore.Service, registry *entities.Registry, ship *shipper.MultiShipper, queueSize, workers int) *Recorder {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if workers <= 0 {
		workers = 2
	}

	r := &Recorder{
		audit:    audit,
		versions: versions,
		registry: registry,
		shipper:  ship,
		queue:    make(chan *Event, queueSize),
		done:     make(chan struct{}),
		workers:  workers,
	}

	for i := 0; i < workers; i++ {
		safego.GoNamed(fmt.Sprintf("recorder-worker-%d", i), r.work)
	}
	return r
}

// Record enqueues an event without blocking. When the queue is full the event
// is dropped, counted, and logged; the caller is never delayed or failed.
func (r *Recorder) Record(ev *Event) {
	select {
	case r.queue <- ev:
		telemetry.RecorderQueueDepth.Set(float64(len(r.queue)))
	default:
		telemetry.AuditEventsDroppedTotal.Inc()
		slog.Warn("audit event dropped, recorder queue full",
			"entity_type", ev.EntityType, "entity_id", ev.EntityID, "action", ev.Action)
	}
}

func (r *Recorder) work() {
	for {
		select {
		case ev := <-r.queue:
			telemetry.RecorderQueueDepth.Set(float64(len(r.queue)))
			r.process(ev)
		case <-r.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case ev := <-r.queue:
					r.process(ev)
				default:
					return
				}
			}
		}
	}
}

// process handles one event end to end. Each stage fails independently: a
// failed append does not stop the version commit, because the version trail
// is useful even when the audit row is missing, and vice versa.
func (r *Recorder) process(ev *Event) {
	// Workers outlive any request context. Each event gets its own deadline
	// so one stuck write cannot wedge a worker forever.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rec := &models.AuditRecord{
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		Action:     ev.Action,
		ActorID:    ev.ActorID,
		OldValues:  r.registry.Redact(ev.EntityType, ev.OldValues),
		NewValues:  r.registry.Redact(ev.EntityType, ev.NewValues),
		Metadata:   ev.Metadata,
		IPAddress:  ev.IPAddress,
		UserAgent:  ev.UserAgent,
	}

	stored, err := r.audit.Append(ctx, rec)
	if err != nil {
		telemetry.AuditWriteFailuresTotal.WithLabelValues("audit").Inc()
		slog.Error("failed to append audit record",
			"entity_type", ev.EntityType, "entity_id", ev.EntityID,
			"action", ev.Action, "error", err)
	}

	if r.shouldTrackVersion(ev) {
		_, err := r.versions.Create(ctx, ev.EntityType, ev.EntityID,
			rec.NewValues, ev.ActorID, ev.Options.Description)
		if err != nil {
			telemetry.AuditWriteFailuresTotal.WithLabelValues("version").Inc()
			slog.Error("failed to commit entity version",
				"entity_type", ev.EntityType, "entity_id", ev.EntityID, "error", err)
		}
	}

	if stored != nil && r.shipper != nil && !r.shipper.Empty() {
		if err := r.shipper.Ship(ctx, shipper.EntryFromRecord(stored)); err != nil {
			telemetry.AuditWriteFailuresTotal.WithLabelValues("ship").Inc()
		}
	}
}

// shouldTrackVersion gates version commits on three independent switches: the
// caller asked for one, the action carries a state to snapshot, and the entity
// type is configured for versioning.
func (r *Recorder) shouldTrackVersion(ev *Event) bool {
	if !ev.Options.TrackVersions || !ev.Action.TracksVersions() {
		return false
	}
	if ev.NewValues == nil {
		return false
	}
	return r.registry.Lookup(ev.EntityType).TrackVersions
}

// RecordRollback logs the audit side of a rollback synchronously. Unlike the
// queued path it returns errors: a rollback that cannot be audited is refused
// by the version store. No version is committed here; the version store
// creates the rollback version itself.
func (r *Recorder) RecordRollback(ctx context.Context, entityType, entityID string, oldValues, newValues map[string]interface{}, actorID *string, reason string) (*models.AuditRecord, error) {
	meta := map[string]interface{}{"rollback": true}
	if reason != "" {
		meta["reason"] = reason
	}

	rec := &models.AuditRecord{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     models.ActionRollback,
		ActorID:    actorID,
		OldValues:  r.registry.Redact(entityType, oldValues),
		NewValues:  r.registry.Redact(entityType, newValues),
		Metadata:   meta,
	}
	return r.audit.Append(ctx, rec)
}

// Close stops the workers after draining the queue, waiting up to the context
// deadline. Events still queued past the deadline are lost and counted as
// dropped.
func (r *Recorder) Close(ctx context.Context) error {
	close(r.done)

	// The workers drain concurrently; poll until the queue is empty or the
	// deadline passes.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(r.queue) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			remaining := len(r.queue)
			telemetry.AuditEventsDroppedTotal.Add(float64(remaining))
			slog.Warn("recorder shutdown deadline reached with events still queued", "remaining", remaining)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
