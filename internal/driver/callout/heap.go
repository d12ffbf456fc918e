package callout

import "container/heap"

// timeHeap orders call-outs by fire time, then by tie key.
// index is kept current by Swap so cancellation is O(log n).
type timeHeap []*CallOut

func (h timeHeap) Len() int { return len(h) }

func (h timeHeap) Less(i, j int) bool { return h.lessItems(h[i], h[j]) }

func (timeHeap) lessItems(a, b *CallOut) bool {
	if !a.FireAt.Equal(b.FireAt) {
		return a.FireAt.Before(b.FireAt)
	}
	return a.tie < b.tie
}

func (h timeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timeHeap) Push(x any) {
	c := x.(*CallOut)
	c.index = len(*h)
	*h = append(*h, c)
}

func (h *timeHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.index = -1
	*h = old[:n-1]
	return c
}

func (h *timeHeap) remove(idx int) *CallOut {
	return heap.Remove(h, idx).(*CallOut)
}

func (h timeHeap) peek() *CallOut {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
