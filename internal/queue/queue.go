// Package queue is the in-memory priority queue of admitted jobs:
// three condvar-guarded FIFO buckets, one per priority level, ordered
// by admission sequence within a bucket. The scheduler pushes admitted
// jobs here and removes them once claimed; it takes its dispatch order
// from the job store's ClaimPending (priority, then created_at), not
// from PeekFeasible. The queue holds only job ids; the job store
// remains the sole source of truth for job state.
package queue

import (
	"sync"

	"github.com/aperio-dev/aperio/internal/store"
)

// Entry is one queued job id plus the bucket/sequence it was pushed
// with.
type Entry struct {
	JobID    string
	Priority store.Priority
	Seq      uint64
}

// PriorityQueue holds three FIFO buckets, one per store.Priority, and
// a condition variable workers block on when empty.
type PriorityQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[store.Priority][]Entry
	nextSeq uint64
}

func New() *PriorityQueue {
	q := &PriorityQueue{
		buckets: map[store.Priority][]Entry{
			store.PriorityHigh:   {},
			store.PriorityNormal: {},
			store.PriorityLow:    {},
		},
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a job id under its priority bucket, in arrival order.
func (q *PriorityQueue) Push(jobID string, priority store.Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSeq++
	q.buckets[priority] = append(q.buckets[priority], Entry{
		JobID:    jobID,
		Priority: priority,
		Seq:      q.nextSeq,
	})
	q.cond.Signal()
}

// bucketOrder is High > Normal > Low.
var bucketOrder = []store.Priority{store.PriorityHigh, store.PriorityNormal, store.PriorityLow}

// PeekFeasible scans buckets in priority order and, within each
// bucket, FIFO order, returning the first entry for which feasible
// returns true. It does not remove the entry; callers that dispatch it
// must call Remove. The head is skipped only when it is infeasible and
// a later job is feasible; priority buckets are never reordered, and
// feasible jobs within a bucket are never reordered relative to each
// other.
func (q *PriorityQueue) PeekFeasible(feasible func(Entry) bool) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range bucketOrder {
		for _, e := range q.buckets[p] {
			if feasible(e) {
				return e, true
			}
		}
	}
	return Entry{}, false
}

// Remove deletes a specific entry by job id, returning true if found.
func (q *PriorityQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remove(jobID)
}

func (q *PriorityQueue) remove(jobID string) bool {
	for p, entries := range q.buckets {
		for i, e := range entries {
			if e.JobID == jobID {
				q.buckets[p] = append(entries[:i], entries[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Len returns the total number of queued entries across all buckets.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, entries := range q.buckets {
		n += len(entries)
	}
	return n
}

// LenByPriority reports queue depth per bucket, for /metrics gauges.
func (q *PriorityQueue) LenByPriority() map[store.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[store.Priority]int, 3)
	for p, entries := range q.buckets {
		out[p] = len(entries)
	}
	return out
}

// Wait blocks the calling goroutine until Signal or Broadcast wakes
// it. Callers must re-check their wake condition in a loop, per the
// usual Go condvar contract.
func (q *PriorityQueue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cond.Wait()
}

// Signal wakes one blocked waiter.
func (q *PriorityQueue) Signal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cond.Signal()
}

// Broadcast wakes all blocked waiters.
func (q *PriorityQueue) Broadcast() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cond.Broadcast()
}
