// Package sweeper reclaims storage of expired and consumed transfers and of
// upload sessions that were never finalized.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/cipherdrop/internal/logging"
	"github.com/dmitrijs2005/cipherdrop/internal/server/models"
	"github.com/dmitrijs2005/cipherdrop/internal/timex"
)

// Records is the part of the transfer store the sweeper needs.
type Records interface {
	ListReclaimable(ctx context.Context, now time.Time) ([]*models.Transfer, error)
	Delete(ctx context.Context, token string) (bool, error)
}

// Blobs deletes artifacts. Deleting a missing key is not an error.
type Blobs interface {
	Delete(ctx context.Context, key string) error
}

// Sessions is the part of the chunk assembler the sweeper needs.
type Sessions interface {
	AbandonTransfer(ctx context.Context, token string) int
	AbandonStale(ctx context.Context, cutoff time.Time) int
	PurgeOrphans(ctx context.Context, cutoff time.Time) int
}

// Auditor receives one reclaim event per removed record.
type Auditor interface {
	Record(ctx context.Context, token, action, details string)
}

// Report summarizes one sweep pass.
type Report struct {
	Reclaimed        int
	ArtifactFailures int
	RecordFailures   int
	AbandonedUploads int
	PurgedOrphans    int
}

// Sweeper runs reclamation passes. A pass never blocks request handling:
// every store operation it uses is a single guarded statement.
type Sweeper struct {
	records   Records
	blobs     Blobs
	sessions  Sessions
	audit     Auditor
	clock     timex.Clock
	interval  time.Duration
	retention time.Duration
	logger    logging.Logger
}

func New(records Records, blobs Blobs, sessions Sessions, auditor Auditor, clock timex.Clock,
	interval, retention time.Duration, logger logging.Logger) *Sweeper {
	return &Sweeper{
		records:   records,
		blobs:     blobs,
		sessions:  sessions,
		audit:     auditor,
		clock:     clock,
		interval:  interval,
		retention: retention,
		logger:    logger.With("module", "sweeper"),
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info(ctx, "sweeper started", "interval", s.interval, "retention", s.retention)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Sweep(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep performs one pass. Failures are logged and counted; a record whose
// artifact could not be deleted is still removed.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	var rep Report
	now := s.clock.Now()

	list, err := s.records.ListReclaimable(ctx, now)
	if err != nil {
		s.logger.Error(ctx, "list reclaimable failed", "error", err)
	}

	for _, t := range list {
		if ctx.Err() != nil {
			break
		}
		s.reclaim(ctx, t, &rep)
	}

	cutoff := now.Add(-s.retention)
	rep.AbandonedUploads = s.sessions.AbandonStale(ctx, cutoff)
	rep.PurgedOrphans = s.sessions.PurgeOrphans(ctx, cutoff)

	if rep != (Report{}) {
		s.logger.Info(ctx, "sweep finished",
			"reclaimed", rep.Reclaimed,
			"artifact_failures", rep.ArtifactFailures,
			"record_failures", rep.RecordFailures,
			"abandoned_uploads", rep.AbandonedUploads,
			"purged_orphans", rep.PurgedOrphans)
	}
	return rep
}

func (s *Sweeper) reclaim(ctx context.Context, t *models.Transfer, rep *Report) {
	if t.HasArtifact() {
		if err := s.blobs.Delete(ctx, t.ArtifactKey); err != nil {
			rep.ArtifactFailures++
			s.logger.Warn(ctx, "artifact delete failed", "token", t.Token, "key", t.ArtifactKey, "error", err)
		}
	}

	ok, err := s.records.Delete(ctx, t.Token)
	if err != nil {
		rep.RecordFailures++
		s.logger.Error(ctx, "record delete failed", "token", t.Token, "error", err)
		return
	}

	s.sessions.AbandonTransfer(ctx, t.Token)
	if !ok {
		return
	}

	rep.Reclaimed++
	reason := "expired"
	if t.State == models.StateConsumed {
		reason = "consumed"
	}
	if s.audit != nil {
		s.audit.Record(ctx, t.Token, models.ActionReclaim, fmt.Sprintf("reason=%s", reason))
	}
}
