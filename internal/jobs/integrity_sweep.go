// integrity_sweep.go implements the IntegritySweep background job, which
// periodically re-verifies the digests of recently written audit records and
// raises a high-severity log line when stored history no longer matches.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/contracthub/audit-engine/internal/auditlog"
)

// IntegritySweep periodically verifies a bounded window of the audit trail
type IntegritySweep struct {
	audit    *auditlog.Service
	interval time.Duration
	window   time.Duration
	stopChan chan struct{}
}

// NewIntegritySweep creates a new integrity sweep job. The sweep covers
// records created within the trailing window, bounded by the service's batch
// cap, so each run stays cheap regardless of trail size.
func NewIntegritySweep(audit *auditlog.Service, intervalHours, windowHours int) *IntegritySweep {
	if intervalHours <= 0 {
		intervalHours = 6
	}
	if windowHours <= 0 {
		windowHours = 24
	}

	return &IntegritySweep{
		audit:    audit,
		interval: time.Duration(intervalHours) * time.Hour,
		window:   time.Duration(windowHours) * time.Hour,
		stopChan: make(chan struct{}),
	}
}

// Start begins the integrity sweep job
func (s *IntegritySweep) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("integrity sweep started", "interval", s.interval, "window", s.window)

	// Run immediately on start
	s.runSweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.runSweep(ctx)
		case <-s.stopChan:
			slog.Info("integrity sweep stopped")
			return
		case <-ctx.Done():
			slog.Info("integrity sweep context cancelled")
			return
		}
	}
}

// Stop stops the integrity sweep job
func (s *IntegritySweep) Stop() {
	close(s.stopChan)
}

// runSweep performs one verification pass
func (s *IntegritySweep) runSweep(ctx context.Context) {
	end := time.Now().UTC()
	start := end.Add(-s.window)

	summary, err := s.audit.VerifyRange(ctx, start, end)
	if err != nil {
		slog.Error("integrity sweep failed", "error", err)
		return
	}

	if summary.Invalid > 0 {
		// Tampering or out-of-band modification of stored history.
		slog.Error("integrity sweep found invalid audit records",
			"checked", summary.Checked, "invalid", summary.Invalid,
			"invalid_ids", summary.InvalidIDs)
		return
	}

	slog.Info("integrity sweep completed", "checked", summary.Checked)
}
