package core

// scheduler.go takes snapshots in the background.
//
// Each run writes a new snapshot into the snapshot directory and then prunes
// the directory down to the configured retention count. The scheduler is
// long-running and context-aware for graceful shutdown. A failed run is
// logged and does not stop the scheduler.

import (
	"context"
	"log/slog"
	"time"
)

// StartSnapshotScheduler takes a snapshot immediately, then every
// SNAPSHOT_SCHEDULE_INTERVAL, until ctx is cancelled. It returns at once
// when no interval is configured.
func (s *Service) StartSnapshotScheduler(ctx context.Context) {
	interval := s.cfg.Snapshot.ScheduleInterval
	if interval <= 0 {
		slog.Debug("snapshot scheduler disabled")
		return
	}
	slog.Info("snapshot scheduler started",
		"interval", interval.String(),
		"retention", s.cfg.Snapshot.RetentionCount,
		"dir", s.cfg.Snapshot.Dir,
	)

	// Run immediately on startup
	s.runSnapshotJob(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("snapshot scheduler stopped")
			return
		case <-ticker.C:
			s.runSnapshotJob(ctx)
		}
	}
}

// runSnapshotJob performs one snapshot + prune cycle.
func (s *Service) runSnapshotJob(ctx context.Context) {
	start := time.Now()

	info, res, err := s.CreateSnapshot(ctx, nil)
	if err != nil {
		slog.Error("scheduled snapshot failed", "error", err)
		return
	}
	slog.Info("scheduled snapshot written",
		"name", info.Name,
		"rows", res.TotalRows,
		"had_errors", res.HadErrors,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	removed, err := s.PruneSnapshots(ctx, s.cfg.Snapshot.RetentionCount)
	if err != nil {
		slog.Error("snapshot prune failed", "error", err)
		return
	}
	if len(removed) > 0 {
		slog.Info("pruned old snapshots", "removed", len(removed))
	}
}
