// Package retention runs the periodic sweeper that deletes terminal
// jobs (and their on-disk artifacts) once they are older than the
// configured retention window.
package retention

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aperio-dev/aperio/internal/store"
)

// Summary is one sweep cycle's outcome, kept as the sweeper's last
// result for /metrics and /metrics/history to report alongside the
// live queue/gate snapshot.
type Summary struct {
	Time           time.Time
	Scanned        int
	Deleted        int
	FilesRemoved   int
	BytesReclaimed int64
	Failed         int
}

// Sweeper periodically removes Completed/Failed/Cancelled jobs whose
// updated_at is older than Days.
type Sweeper struct {
	store    *store.Store
	logger   *slog.Logger
	interval time.Duration
	days     int

	mu   sync.Mutex
	last Summary
}

func New(st *store.Store, logger *slog.Logger, interval time.Duration, days int) *Sweeper {
	return &Sweeper{store: st, logger: logger, interval: interval, days: days}
}

// LastSummary returns the most recent completed sweep cycle's counts,
// or a zero Summary if no cycle has run yet.
func (s *Sweeper) LastSummary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Run blocks, sweeping once immediately and then every interval, until
// ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweepOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.days)

	candidates, err := s.store.ListTerminalOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention: listing candidates failed", "error", err)
		return
	}

	deleted, filesRemoved, failed := 0, 0, 0
	var bytesReclaimed int64
	for _, job := range candidates {
		// Re-read immediately before deleting: a job cannot leave a
		// terminal state, but this guards against deleting a record an
		// operator has just re-submitted a cleanup pass for under a
		// different cutoff.
		fresh, err := s.store.Get(ctx, job.ID)
		if err != nil || !fresh.Status.Terminal() || fresh.UpdatedAt.After(cutoff) {
			continue
		}

		if fresh.DownloadedPath != nil {
			if n, ok := removeReclaiming(*fresh.DownloadedPath); ok {
				filesRemoved++
				bytesReclaimed += n
			}
		}
		if fresh.ProcessedPath != nil {
			if n, ok := removeReclaiming(*fresh.ProcessedPath); ok {
				filesRemoved++
				bytesReclaimed += n
			}
		}

		if err := s.store.Delete(ctx, job.ID); err != nil {
			failed++
			continue
		}
		deleted++
	}

	summary := Summary{
		Time:           time.Now().UTC(),
		Scanned:        len(candidates),
		Deleted:        deleted,
		FilesRemoved:   filesRemoved,
		BytesReclaimed: bytesReclaimed,
		Failed:         failed,
	}
	s.mu.Lock()
	s.last = summary
	s.mu.Unlock()

	s.logger.Info("retention sweep complete",
		"candidates", summary.Scanned,
		"deleted", summary.Deleted,
		"files_removed", summary.FilesRemoved,
		"bytes_reclaimed", summary.BytesReclaimed,
		"failed", summary.Failed,
	)
}

// removeReclaiming stats path before removing it, so a successful
// removal's size can be folded into the cycle's bytes-reclaimed count.
func removeReclaiming(path string) (int64, bool) {
	info, statErr := os.Stat(path)
	if err := os.Remove(path); err != nil {
		return 0, false
	}
	if statErr != nil {
		return 0, true
	}
	return info.Size(), true
}
