// Package permits implements a capacity gate: three non-blocking
// counters bounding {download, process, total-active} concurrency.
// Acquisition never blocks the caller — a failed TryAcquire means the
// caller must leave the job enqueued and try again later, which is
// what lets the scheduler's event loop stay non-blocking.
package permits

import "sync"

// Class identifies which of the three logical permit counters an
// operation targets.
type Class int

const (
	Download Class = iota
	Process
	TotalActive
)

// Gate holds the three semaphores. Counters are guarded by a mutex
// rather than made individually atomic because entering Downloading
// must check-and-increment the download and total-active counters as
// one atomic unit.
type Gate struct {
	mu       sync.Mutex
	limits   [3]int
	inUse    [3]int
}

// New constructs a Gate with the configured maximums.
func New(maxDownload, maxProcess, maxTotalActive int) *Gate {
	return &Gate{
		limits: [3]int{maxDownload, maxProcess, maxTotalActive},
	}
}

// TryAcquireDownload attempts to acquire both the download permit and
// the total-active permit as a single unit: entering Downloading
// requires both. It either acquires both or neither.
func (g *Gate) TryAcquireDownload() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse[Download] >= g.limits[Download] || g.inUse[TotalActive] >= g.limits[TotalActive] {
		return false
	}
	g.inUse[Download]++
	g.inUse[TotalActive]++
	return true
}

// ReleaseDownload releases the download permit only, leaving
// total-active held (the job is still active, now entering Process).
func (g *Gate) ReleaseDownload() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.release(Download)
}

// TryAcquireProcess attempts to acquire the process permit alone;
// total-active is assumed already held from the download phase.
func (g *Gate) TryAcquireProcess() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse[Process] >= g.limits[Process] {
		return false
	}
	g.inUse[Process]++
	return true
}

// ReleaseProcess releases the process permit.
func (g *Gate) ReleaseProcess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.release(Process)
}

// ReleaseTotalActive releases the total-active permit. Called exactly
// once per job, on reaching a terminal state.
func (g *Gate) ReleaseTotalActive() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.release(TotalActive)
}

func (g *Gate) release(c Class) {
	if g.inUse[c] > 0 {
		g.inUse[c]--
	}
}

// HasProcessCapacity reports whether a process permit is currently
// available, used by the scheduler to decide feasibility without
// acquiring.
func (g *Gate) HasProcessCapacity() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse[Process] < g.limits[Process]
}

// HasDownloadCapacity reports whether both a download and a
// total-active permit are currently available.
func (g *Gate) HasDownloadCapacity() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse[Download] < g.limits[Download] && g.inUse[TotalActive] < g.limits[TotalActive]
}

// TotalActiveExhausted reports whether the total-active permit pool
// is fully consumed: the scheduler stops dispatching new downloads
// until it is not.
func (g *Gate) TotalActiveExhausted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse[TotalActive] >= g.limits[TotalActive]
}

// Snapshot returns the current (inUse, limit) pair for each class, for
// /metrics reporting.
type Snapshot struct {
	DownloadInUse, DownloadLimit       int
	ProcessInUse, ProcessLimit         int
	TotalActiveInUse, TotalActiveLimit int
}

func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		DownloadInUse:     g.inUse[Download],
		DownloadLimit:     g.limits[Download],
		ProcessInUse:      g.inUse[Process],
		ProcessLimit:      g.limits[Process],
		TotalActiveInUse:  g.inUse[TotalActive],
		TotalActiveLimit:  g.limits[TotalActive],
	}
}

// AcquireTotalActiveForRebuild directly sets the total-active count
// during startup recovery, reconstructing it from the in-flight jobs
// found at boot. It is not part of the runtime acquire/release
// protocol and must only be called before the scheduler begins
// accepting notifications.
func (g *Gate) AcquireTotalActiveForRebuild(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inUse[TotalActive] = n
}
