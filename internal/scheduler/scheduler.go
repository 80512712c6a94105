// Package scheduler runs the single long-lived event loop that drives
// every job through Downloading -> Processing -> a terminal state,
// under two independent permit pools. It never polls: it blocks on a
// channel between notifications (admission, worker completion,
// cancellation, recovery) and drains everything pending before each
// dispatch pass.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aperio-dev/aperio/internal/jobserr"
	"github.com/aperio-dev/aperio/internal/permits"
	"github.com/aperio-dev/aperio/internal/queue"
	"github.com/aperio-dev/aperio/internal/store"
)

// DownloadFunc runs the download phase for one job: given a job id,
// its source URL, and a cancellation context, it produces a local path
// and size or a *jobserr.Error.
type DownloadFunc func(ctx context.Context, jobID, url string) (path string, size int64, err error)

// ProcessFunc runs the encode phase for one job.
type ProcessFunc func(ctx context.Context, jobID, inputPath string) (outputPath string, err error)

type resultPhase int

const (
	phaseDownload resultPhase = iota
	phaseProcess
)

type workerResult struct {
	jobID   string
	phase   resultPhase
	path    string
	size    int64
	err     error
	started time.Time
}

// processWaiter is a job that finished downloading and is waiting for
// a process permit to free up.
type processWaiter struct {
	jobID          string
	priority       store.Priority
	seq            uint64
	downloadedPath string
}

// Scheduler owns the single event loop driving every job from
// Downloading through to a terminal state.
type Scheduler struct {
	store  *store.Store
	queue  *queue.PriorityQueue
	gate   *permits.Gate
	logger *slog.Logger

	download DownloadFunc
	process  ProcessFunc
	metrics  MetricsSink

	notify  chan struct{}
	results chan workerResult

	mu             sync.Mutex
	cancelTokens   map[string]context.CancelFunc
	pendingCancels map[string]bool
	processWaiters []processWaiter
	waiterSeq      uint64
}

// MetricsSink receives phase and outcome observations as the scheduler
// makes them. A *metrics.Collector satisfies this; tests may pass nil.
type MetricsSink interface {
	ObservePhase(phase, outcome string, seconds float64)
	ObserveJobOutcome(outcome store.Status)
}

// New constructs a Scheduler. Call Run to begin its event loop.
// metricsSink may be nil.
func New(st *store.Store, q *queue.PriorityQueue, gate *permits.Gate, logger *slog.Logger, download DownloadFunc, process ProcessFunc, metricsSink MetricsSink) *Scheduler {
	return &Scheduler{
		store:          st,
		queue:          q,
		gate:           gate,
		logger:         logger,
		download:       download,
		process:        process,
		metrics:        metricsSink,
		notify:         make(chan struct{}, 1),
		results:        make(chan workerResult, 256),
		cancelTokens:   make(map[string]context.CancelFunc),
		pendingCancels: make(map[string]bool),
	}
}

func (s *Scheduler) observePhase(phase, outcome string, started time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObservePhase(phase, outcome, time.Since(started).Seconds())
}

func (s *Scheduler) observeOutcome(outcome store.Status) {
	if s.metrics != nil {
		s.metrics.ObserveJobOutcome(outcome)
	}
}

// Wake posts a non-blocking notification, coalescing with any pending
// one (the loop only needs to know "something changed", not how many
// times).
func (s *Scheduler) Wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// NotifyAdmitted pushes a newly admitted job into the queue and wakes
// the loop.
func (s *Scheduler) NotifyAdmitted(jobID string, priority store.Priority) {
	s.queue.Push(jobID, priority)
	s.Wake()
}

// Run is the event loop. It blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-s.results:
			s.handleResult(ctx, res)
			s.drainResults(ctx)
		case <-s.notify:
		}
		s.dispatch(ctx)
	}
}

func (s *Scheduler) drainResults(ctx context.Context) {
	for {
		select {
		case res := <-s.results:
			s.handleResult(ctx, res)
		default:
			return
		}
	}
}

// dispatch is one scheduling pass: process-waiters are serviced first
// (they never compete with the download queue for permits, so
// servicing them can never be blocked by download exhaustion), then
// the download queue.
func (s *Scheduler) dispatch(ctx context.Context) {
	s.dispatchProcessWaiters(ctx)
	s.dispatchDownloads(ctx)
}

func (s *Scheduler) dispatchProcessWaiters(ctx context.Context) {
	for {
		if !s.gate.TryAcquireProcess() {
			return
		}
		w, ok := s.popProcessWaiter()
		if !ok {
			s.gate.ReleaseProcess()
			return
		}

		ok2, err := s.store.Transition(ctx, w.jobID, store.StatusDownloading, store.StatusProcessing,
			store.Mutation{"downloaded_path": w.downloadedPath})
		if err != nil || !ok2 {
			// Conflict (e.g. cancelled) or NotFound: release and move on.
			s.gate.ReleaseProcess()
			s.gate.ReleaseTotalActive()
			s.forgetJob(w.jobID)
			continue
		}

		// Register a fresh cancel token for the process phase: the token
		// still held from the download phase is tied to an already-done
		// context and a Cancel() call against it would never reach this
		// worker. Checking pendingCancels here (rather than trusting
		// hasToken in Cancel) is what lets a cancel requested while this
		// job sat in the process-waiter queue take effect now.
		procCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancelTokens[w.jobID] = cancel
		cancelledAlready := s.pendingCancels[w.jobID]
		delete(s.pendingCancels, w.jobID)
		s.mu.Unlock()

		if cancelledAlready {
			cancel()
			s.store.Transition(ctx, w.jobID, store.StatusProcessing, store.StatusCancelled, store.Mutation{})
			s.gate.ReleaseProcess()
			s.gate.ReleaseTotalActive()
			s.forgetJob(w.jobID)
			continue
		}

		s.spawnProcessWorker(procCtx, w.jobID, w.downloadedPath)
	}
}

func (s *Scheduler) dispatchDownloads(ctx context.Context) {
	for {
		if s.gate.TotalActiveExhausted() || !s.gate.HasDownloadCapacity() {
			return
		}

		claimed, err := s.store.ClaimPending(ctx, 1)
		if err != nil {
			s.logger.Error("claiming pending jobs failed", "error", err)
			return
		}
		if len(claimed) == 0 {
			return
		}
		job := claimed[0]
		s.queue.Remove(job.ID)

		if !s.gate.TryAcquireDownload() {
			// Should not happen under the single-goroutine loop, but stay
			// defensive: put the job back to Pending so it is retried.
			s.store.Transition(ctx, job.ID, store.StatusClaimed, store.StatusPending, store.Mutation{})
			s.queue.Push(job.ID, job.Priority)
			return
		}

		jobCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancelTokens[job.ID] = cancel
		cancelledAlready := s.pendingCancels[job.ID]
		delete(s.pendingCancels, job.ID)
		s.mu.Unlock()

		if cancelledAlready {
			cancel()
			s.store.Transition(ctx, job.ID, store.StatusClaimed, store.StatusCancelled, store.Mutation{})
			s.gate.ReleaseDownload()
			s.gate.ReleaseTotalActive()
			s.forgetJob(job.ID)
			continue
		}

		ok, err := s.store.Transition(ctx, job.ID, store.StatusClaimed, store.StatusDownloading, store.Mutation{"first_active_at": time.Now().UTC()})
		if err != nil || !ok {
			cancel()
			s.gate.ReleaseDownload()
			s.gate.ReleaseTotalActive()
			s.forgetJob(job.ID)
			continue
		}

		s.spawnDownloadWorker(jobCtx, job.ID, job.URL)
	}
}

func (s *Scheduler) spawnDownloadWorker(ctx context.Context, jobID, url string) {
	started := time.Now()
	go func() {
		path, size, err := s.download(ctx, jobID, url)
		s.results <- workerResult{jobID: jobID, phase: phaseDownload, path: path, size: size, err: err, started: started}
	}()
}

func (s *Scheduler) spawnProcessWorker(ctx context.Context, jobID, inputPath string) {
	started := time.Now()
	go func() {
		outputPath, err := s.process(ctx, jobID, inputPath)
		s.results <- workerResult{jobID: jobID, phase: phaseProcess, path: outputPath, err: err, started: started}
	}()
}

func (s *Scheduler) handleResult(ctx context.Context, res workerResult) {
	switch res.phase {
	case phaseDownload:
		s.handleDownloadResult(ctx, res)
	case phaseProcess:
		s.handleProcessResult(ctx, res)
	}
}

func (s *Scheduler) handleDownloadResult(ctx context.Context, res workerResult) {
	s.gate.ReleaseDownload()

	if res.err != nil {
		outcome := s.failOrCancel(ctx, res.jobID, store.StatusDownloading, res.err)
		s.observePhase("download", outcome, res.started)
		s.observeOutcome(store.Status(outcome))
		s.gate.ReleaseTotalActive()
		s.forgetJob(res.jobID)
		return
	}
	s.observePhase("download", "success", res.started)

	job, err := s.store.Get(ctx, res.jobID)
	if err != nil {
		s.gate.ReleaseTotalActive()
		s.forgetJob(res.jobID)
		return
	}
	s.pushProcessWaiter(job.ID, job.Priority, res.path)
}

func (s *Scheduler) handleProcessResult(ctx context.Context, res workerResult) {
	s.gate.ReleaseProcess()
	defer s.gate.ReleaseTotalActive()
	defer s.forgetJob(res.jobID)

	if res.err != nil {
		outcome := s.failOrCancel(ctx, res.jobID, store.StatusProcessing, res.err)
		s.observePhase("process", outcome, res.started)
		s.observeOutcome(store.Status(outcome))
		return
	}

	job, err := s.store.Get(ctx, res.jobID)
	if err != nil {
		return
	}

	mutation := store.Mutation{"processed_path": res.path}
	if job.FirstActiveAt != nil {
		seconds := time.Since(*job.FirstActiveAt).Seconds()
		mutation["processing_time_seconds"] = seconds
	}
	ok, err := s.store.Transition(ctx, res.jobID, store.StatusProcessing, store.StatusCompleted, mutation)
	if err == nil && ok {
		s.observePhase("process", "success", res.started)
		s.observeOutcome(store.StatusCompleted)
	}
}

// failOrCancel maps a worker error onto a Failed or Cancelled
// transition, returning which one it chose. Cancellation is not an
// error: it is its own terminal state with no error_message.
func (s *Scheduler) failOrCancel(ctx context.Context, jobID string, from store.Status, workerErr error) string {
	if jobserr.KindOf(workerErr) == jobserr.KindCancelled {
		s.store.Transition(ctx, jobID, from, store.StatusCancelled, store.Mutation{})
		return string(store.StatusCancelled)
	}
	msg := workerErr.Error()
	s.store.Transition(ctx, jobID, from, store.StatusFailed, store.Mutation{"error_message": msg})
	return string(store.StatusFailed)
}

// Cancel is idempotent and fast from the caller's perspective: it
// either flips a still-Pending
// job straight to Cancelled, or signals the in-flight worker's
// cancellation token so the scheduler observes it on the worker's next
// result.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return jobserr.New(jobserr.KindNotInExpectedState, string(job.Status))
	}

	if job.Status == store.StatusPending {
		ok, err := s.store.Transition(ctx, jobID, store.StatusPending, store.StatusCancelled, store.Mutation{})
		if err != nil {
			return err
		}
		if ok {
			s.queue.Remove(jobID)
			return nil
		}
		// Fell through: claimed concurrently between Get and Transition.
	}

	// pendingCancels is always marked, even when a token already exists:
	// the held token may belong to a phase that has already finished
	// (e.g. a cancel arriving while a downloaded job is waiting for a
	// process permit), in which case calling it is harmless but does not
	// reach the job's next phase. The next dispatch point that installs
	// a fresh token for that phase is what actually consumes this flag.
	s.mu.Lock()
	cancel, hasToken := s.cancelTokens[jobID]
	s.pendingCancels[jobID] = true
	s.mu.Unlock()

	if hasToken {
		cancel()
	}
	s.Wake()
	return nil
}

func (s *Scheduler) forgetJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancelTokens, jobID)
	delete(s.pendingCancels, jobID)
}

func (s *Scheduler) pushProcessWaiter(jobID string, priority store.Priority, downloadedPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiterSeq++
	s.processWaiters = append(s.processWaiters, processWaiter{
		jobID:          jobID,
		priority:       priority,
		seq:            s.waiterSeq,
		downloadedPath: downloadedPath,
	})
}

// popProcessWaiter removes and returns the highest-priority,
// earliest-enqueued waiter.
func (s *Scheduler) popProcessWaiter() (processWaiter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.processWaiters) == 0 {
		return processWaiter{}, false
	}
	bestIdx := 0
	for i, w := range s.processWaiters {
		best := s.processWaiters[bestIdx]
		if w.priority > best.priority || (w.priority == best.priority && w.seq < best.seq) {
			bestIdx = i
		}
	}
	w := s.processWaiters[bestIdx]
	s.processWaiters = append(s.processWaiters[:bestIdx], s.processWaiters[bestIdx+1:]...)
	return w, true
}

// ProcessWaitersLen reports how many downloaded jobs are waiting on a
// process permit, for /metrics.
func (s *Scheduler) ProcessWaitersLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processWaiters)
}

// SeedRecoveredPending registers an already-Pending job (from startup
// Recovery) into the queue without re-creating it.
func (s *Scheduler) SeedRecoveredPending(jobID string, priority store.Priority) {
	s.queue.Push(jobID, priority)
}
