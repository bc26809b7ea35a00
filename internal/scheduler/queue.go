package scheduler

import (
	"container/heap"
	"time"
)

// queueItem is one expiry waiting in the queue. It refers to an entry
// by id and generation rather than by pointer, so replacing or removing
// the entry makes the item stale without touching the heap.
type queueItem struct {
	fireAt     time.Time
	timerID    string
	generation uint64
}

// timerQueue is a min-heap of expiries ordered by fire time.
type timerQueue []queueItem

var _ heap.Interface = (*timerQueue)(nil)

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].fireAt.Equal(q[j].fireAt) {
		return q[i].generation < q[j].generation
	}
	return q[i].fireAt.Before(q[j].fireAt)
}

func (q timerQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *timerQueue) Push(x any) { *q = append(*q, x.(queueItem)) }

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}

// peek returns the earliest item without removing it.
func (q timerQueue) peek() (queueItem, bool) {
	if len(q) == 0 {
		return queueItem{}, false
	}
	return q[0], true
}
