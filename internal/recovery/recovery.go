// Package recovery reconciles durable state against the in-memory
// scheduling structures on process startup, since no subprocess worker
// can have survived a restart.
package recovery

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aperio-dev/aperio/internal/permits"
	"github.com/aperio-dev/aperio/internal/queue"
	"github.com/aperio-dev/aperio/internal/store"
)

// Report summarizes one recovery pass, returned so main can log it and
// tests can assert on it.
type Report struct {
	FailedInFlight int
	RequeuedPending int
	OrphanFiles    []string
}

// Run fails every in-flight job (no worker could have survived a
// restart to finish it), re-seeds the priority queue from Pending
// jobs, resets the total-active permit count to zero (recovery always
// empties the in-flight set first), and reports any job directories
// under workingDir that no Pending job references.
func Run(ctx context.Context, st *store.Store, q *queue.PriorityQueue, gate *permits.Gate, logger *slog.Logger, workingDir string) (Report, error) {
	report := Report{}

	inFlight, err := st.ListByStatuses(ctx, []store.Status{store.StatusClaimed, store.StatusDownloading, store.StatusProcessing})
	if err != nil {
		return report, err
	}

	for _, job := range inFlight {
		msg := "interrupted"
		ok, err := st.Transition(ctx, job.ID, job.Status, store.StatusFailed, store.Mutation{"error_message": msg})
		if err != nil {
			logger.Error("recovery: failing in-flight job failed", "job_id", job.ID, "error", err)
			continue
		}
		if ok {
			report.FailedInFlight++
		}
	}
	gate.AcquireTotalActiveForRebuild(0)

	pending, err := st.ListByStatuses(ctx, []store.Status{store.StatusPending})
	if err != nil {
		return report, err
	}
	for _, job := range pending {
		q.Push(job.ID, job.Priority)
		report.RequeuedPending++
	}

	report.OrphanFiles = findOrphanFiles(workingDir, pending, logger)
	return report, nil
}

// findOrphanFiles walks workingDir's immediate job subdirectories and
// reports any that do not correspond to a still-Pending job (the
// subdirectory of a job that was in flight was already orphaned by the
// Failed transition above, since nothing will resume from it).
func findOrphanFiles(workingDir string, pending []store.Job, logger *slog.Logger) []string {
	entries, err := os.ReadDir(workingDir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("recovery: scanning working directory failed", "error", err)
		}
		return nil
	}

	pendingIDs := make(map[string]bool, len(pending))
	for _, job := range pending {
		pendingIDs[job.ID] = true
	}

	var orphans []string
	for _, e := range entries {
		if !e.IsDir() || pendingIDs[e.Name()] {
			continue
		}
		orphans = append(orphans, filepath.Join(workingDir, e.Name()))
	}
	return orphans
}
