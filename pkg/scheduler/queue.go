package scheduler

import (
	"container/heap"
	"sync"

	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

// QueueEntry is what the queue knows about a pending task
type QueueEntry struct {
	ID       string
	Priority int
	Seq      uint64
	Hint     task.Hint
	Backend  task.Backend
}

func entryFor(t *task.Task) QueueEntry {
	return QueueEntry{
		ID:       t.ID,
		Priority: t.Priority,
		Seq:      t.Seq,
		Hint:     t.Hint,
		Backend:  t.Backend,
	}
}

// before orders by priority descending, then submission order
func (e QueueEntry) before(o QueueEntry) bool {
	if e.Priority != o.Priority {
		return e.Priority > o.Priority
	}
	return e.Seq < o.Seq
}

type queueItem struct {
	entry QueueEntry
	index int
}

type entryHeap []*queueItem

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].entry.before(h[j].entry) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Queue is a max-priority queue, FIFO within a priority. It never blocks;
// an empty Pop reports false and the caller decides how to wait.
type Queue struct {
	mu    sync.Mutex
	items entryHeap
	index map[string]*queueItem
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{index: make(map[string]*queueItem)}
}

// Push adds an entry; false if the id is already queued
func (q *Queue) Push(e QueueEntry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[e.ID]; ok {
		return false
	}
	item := &queueItem{entry: e}
	heap.Push(&q.items, item)
	q.index[e.ID] = item
	return true
}

// Pop removes and returns the highest ranked entry
func (q *Queue) Pop() (QueueEntry, bool) {
	return q.PopMatch(nil)
}

// PopMatch removes and returns the highest ranked entry accepted by match.
// Entries ranked above it stay queued in their original order.
func (q *Queue) PopMatch(match func(QueueEntry) bool) (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []*queueItem
	defer func() {
		for _, item := range skipped {
			heap.Push(&q.items, item)
		}
	}()

	for q.items.Len() > 0 {
		item := heap.Pop(&q.items).(*queueItem)
		if match == nil || match(item.entry) {
			delete(q.index, item.entry.ID)
			return item.entry, true
		}
		skipped = append(skipped, item)
	}
	return QueueEntry{}, false
}

// Remove drops id from the queue. Removing an absent id is a no-op.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.index[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, item.index)
	delete(q.index, id)
	return true
}

// Position returns the 1-based dispatch rank of id, or 0 if absent
func (q *Queue) Position(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.index[id]
	if !ok {
		return 0
	}
	pos := 1
	for _, other := range q.items {
		if other.entry.before(item.entry) {
			pos++
		}
	}
	return pos
}

// Len returns the number of queued entries
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
