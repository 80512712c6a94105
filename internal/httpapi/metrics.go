package httpapi

import (
	"net/http"
	"time"
)

const maxHistoryEntries = 100

// sweepSummaryView is the JSON rendering of the retention sweeper's
// last completed cycle, included in each metrics snapshot for
// operational visibility into reclaimed disk space.
type sweepSummaryView struct {
	Time           time.Time `json:"time"`
	Scanned        int       `json:"scanned"`
	Deleted        int       `json:"deleted"`
	FilesRemoved   int       `json:"files_removed"`
	BytesReclaimed int64     `json:"bytes_reclaimed"`
	Failed         int       `json:"failed"`
}

// metricsSnapshot is one point-in-time sample of live queue/gate
// state, JSON-served by /metrics and /metrics/history. Histogram and
// counter totals are exported in full on /metrics/prometheus instead,
// since Prometheus's client types aren't meant to be read back
// piecemeal.
type metricsSnapshot struct {
	Time             time.Time        `json:"time"`
	QueueDepth       map[string]int   `json:"queue_depth"`
	ProcessWaiters   int              `json:"process_waiters"`
	DownloadInUse    int              `json:"download_in_use"`
	DownloadLimit    int              `json:"download_limit"`
	ProcessInUse     int              `json:"process_in_use"`
	ProcessLimit     int              `json:"process_limit"`
	TotalActiveInUse int              `json:"total_active_in_use"`
	TotalActiveLimit int              `json:"total_active_limit"`
	LastSweep        sweepSummaryView `json:"last_sweep"`
}

func (s *Server) snapshot() metricsSnapshot {
	s.metrics.Refresh(s.queue, s.gate)

	depth := make(map[string]int, 3)
	for p, n := range s.queue.LenByPriority() {
		depth[p.String()] = n
	}

	var sweep sweepSummaryView
	if s.sweeper != nil {
		last := s.sweeper.LastSummary()
		sweep = sweepSummaryView{
			Time:           last.Time,
			Scanned:        last.Scanned,
			Deleted:        last.Deleted,
			FilesRemoved:   last.FilesRemoved,
			BytesReclaimed: last.BytesReclaimed,
			Failed:         last.Failed,
		}
	}

	snap := s.gate.Snapshot()
	return metricsSnapshot{
		Time:             time.Now().UTC(),
		QueueDepth:       depth,
		ProcessWaiters:   s.scheduler.ProcessWaitersLen(),
		DownloadInUse:    snap.DownloadInUse,
		DownloadLimit:    snap.DownloadLimit,
		ProcessInUse:     snap.ProcessInUse,
		ProcessLimit:     snap.ProcessLimit,
		TotalActiveInUse: snap.TotalActiveInUse,
		TotalActiveLimit: snap.TotalActiveLimit,
		LastSweep:        sweep,
	}
}

func (s *Server) recordSnapshot(snap metricsSnapshot) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	s.history = append(s.history, snap)
	if len(s.history) > maxHistoryEntries {
		s.history = s.history[len(s.history)-maxHistoryEntries:]
	}
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	s.recordSnapshot(snap)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleMetricsHistory(w http.ResponseWriter, r *http.Request) {
	s.historyMu.Lock()
	out := make([]metricsSnapshot, len(s.history))
	copy(out, s.history)
	s.historyMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": out})
}
