package engine

import (
	"container/heap"
	"time"
)

// AgingUnit is the wait time worth one priority unit.
const AgingUnit = 5 * time.Second

// score is a task's dequeue precedence at now. Higher wins.
func score(priority float64, scheduledAt, now time.Time) float64 {
	return priority + float64(now.Sub(scheduledAt))/float64(AgingUnit)
}

// queueEntry freezes the ordering key of a task at push time.
//
// Every queued task ages at the same rate, so the difference between two
// scores does not depend on now. Evaluating the score at a fixed epoch gives
// the same order as recomputing it at every dequeue, without re-heapifying.
type queueEntry struct {
	st  *ScheduledTask
	key float64
	seq uint64
}

// taskQueue is a max-heap on key; equal keys pop in insertion order.
type taskQueue []queueEntry

func (q taskQueue) Len() int { return len(q) }
func (q taskQueue) Less(i, j int) bool {
	if q[i].key != q[j].key {
		return q[i].key > q[j].key
	}
	return q[i].seq < q[j].seq
}
func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(queueEntry)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = queueEntry{}
	*q = old[:n-1]
	return e
}

var _ heap.Interface = (*taskQueue)(nil)
