package queue

import (
	"container/heap"
	"time"
)

type delayed struct {
	item *Item
	due  time.Time
	seq  uint64
}

// delayHeap orders retries by due time, then by insertion order.
type delayHeap []delayed

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x any) { *h = append(*h, x.(delayed)) }

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// popDue removes and returns every entry due at or before now.
func (h *delayHeap) popDue(now time.Time) []*Item {
	var out []*Item
	for h.Len() > 0 && !(*h)[0].due.After(now) {
		out = append(out, heap.Pop(h).(delayed).item)
	}
	return out
}

// next returns the earliest due time
func (h delayHeap) next() (time.Time, bool) {
	if len(h) == 0 {
		return time.Time{}, false
	}
	return h[0].due, true
}
