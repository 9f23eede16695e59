package liquidation

import (
	"container/heap"
	"time"

	"github.com/google/uuid"

	"LeverEngine/internal/fixedpoint"
)

// item is one queued liquidation candidate. Most undercollateralized
// first; equal health drains in arrival order.
type item struct {
	positionID uuid.UUID
	health     fixedpoint.FP
	queuedAt   time.Time
	index      int
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if c := h[i].health.Cmp(h[j].health); c != 0 {
		return c < 0
	}
	return h[i].queuedAt.Before(h[j].queuedAt)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// queue is the liquidation priority queue. Not safe for concurrent
// use; the engine is its single owner.
type queue struct {
	heap  itemHeap
	byPos map[uuid.UUID]*item
}

func newQueue() *queue {
	return &queue{byPos: make(map[uuid.UUID]*item)}
}

func (q *queue) Len() int { return len(q.heap) }

// Push enqueues a position, or reprioritizes it if already queued.
func (q *queue) Push(positionID uuid.UUID, health fixedpoint.FP, queuedAt time.Time) {
	if it, ok := q.byPos[positionID]; ok {
		it.health = health
		heap.Fix(&q.heap, it.index)
		return
	}
	it := &item{positionID: positionID, health: health, queuedAt: queuedAt}
	heap.Push(&q.heap, it)
	q.byPos[positionID] = it
}

// Pop removes and returns the most undercollateralized position and
// its last observed health.
func (q *queue) Pop() (uuid.UUID, fixedpoint.FP, bool) {
	if len(q.heap) == 0 {
		return uuid.UUID{}, 0, false
	}
	it := heap.Pop(&q.heap).(*item)
	delete(q.byPos, it.positionID)
	return it.positionID, it.health, true
}

// Remove drops a position that recovered before draining.
func (q *queue) Remove(positionID uuid.UUID) bool {
	it, ok := q.byPos[positionID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, it.index)
	delete(q.byPos, positionID)
	return true
}

func (q *queue) Contains(positionID uuid.UUID) bool {
	_, ok := q.byPos[positionID]
	return ok
}
