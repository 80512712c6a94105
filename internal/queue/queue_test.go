package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aperio-dev/aperio/internal/store"
)

func TestPeekFeasibleOrdersByPriorityThenFIFO(t *testing.T) {
	q := New()
	q.Push("low-1", store.PriorityLow)
	q.Push("normal-1", store.PriorityNormal)
	q.Push("high-1", store.PriorityHigh)
	q.Push("high-2", store.PriorityHigh)

	e, ok := q.PeekFeasible(func(Entry) bool { return true })
	assert.True(t, ok)
	assert.Equal(t, "high-1", e.JobID)
}

func TestPeekFeasibleSkipsInfeasibleHead(t *testing.T) {
	q := New()
	q.Push("high-1", store.PriorityHigh)
	q.Push("normal-1", store.PriorityNormal)

	e, ok := q.PeekFeasible(func(entry Entry) bool { return entry.JobID != "high-1" })
	assert.True(t, ok)
	assert.Equal(t, "normal-1", e.JobID)
}

func TestRemove(t *testing.T) {
	q := New()
	q.Push("a", store.PriorityNormal)
	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))
	assert.Equal(t, 0, q.Len())
}

func TestLenByPriority(t *testing.T) {
	q := New()
	q.Push("a", store.PriorityHigh)
	q.Push("b", store.PriorityHigh)
	q.Push("c", store.PriorityLow)

	counts := q.LenByPriority()
	assert.Equal(t, 2, counts[store.PriorityHigh])
	assert.Equal(t, 1, counts[store.PriorityLow])
	assert.Equal(t, 0, counts[store.PriorityNormal])
}

func TestFIFOWithinBucket(t *testing.T) {
	q := New()
	q.Push("first", store.PriorityNormal)
	q.Push("second", store.PriorityNormal)

	e, ok := q.PeekFeasible(func(Entry) bool { return true })
	assert.True(t, ok)
	assert.Equal(t, "first", e.JobID)
}
