package scheduler

import (
	"container/heap"

	"github.com/google/uuid"

	"github.com/complyon/compliance-agent-backend/internal/domain/task"
)

// taskHeap orders tasks by priority (highest first), then admission
// sequence (earliest first) within a priority band.
type taskHeap []*task.Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Sequence() < h[j].Sequence()
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*task.Task))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// orgQueue is the bounded per-organization priority queue. Not safe for
// concurrent use; the scheduler serialises access.
type orgQueue struct {
	heap     taskHeap
	capacity int
}

func newOrgQueue(capacity int) *orgQueue {
	q := &orgQueue{capacity: capacity}
	heap.Init(&q.heap)
	return q
}

func (q *orgQueue) push(t *task.Task) bool {
	if len(q.heap) >= q.capacity {
		return false
	}
	heap.Push(&q.heap, t)
	return true
}

// popMatching removes and returns the highest-priority task accepted by
// the predicate. Skipped tasks are pushed back, preserving their order.
func (q *orgQueue) popMatching(accept func(*task.Task) bool) *task.Task {
	var skipped []*task.Task
	var found *task.Task
	for q.heap.Len() > 0 {
		t := heap.Pop(&q.heap).(*task.Task)
		if accept(t) {
			found = t
			break
		}
		skipped = append(skipped, t)
	}
	for _, t := range skipped {
		heap.Push(&q.heap, t)
	}
	return found
}

// remove deletes a task by ID, returning it if present.
func (q *orgQueue) remove(id uuid.UUID) *task.Task {
	for i := range q.heap {
		if q.heap[i].ID == id {
			t := q.heap[i]
			heap.Remove(&q.heap, i)
			return t
		}
	}
	return nil
}

func (q *orgQueue) len() int { return len(q.heap) }
