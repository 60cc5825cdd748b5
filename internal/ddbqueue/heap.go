package ddbqueue

// reqHeap orders requests the same way the original's ptrheap compar()
// callback does: idle requests (no attempt or backoff in flight) sort
// before active ones, then lower prio first, then arrival order.
// Requests track their own slot via index so the actor loop can call
// heap.Fix/heap.Remove directly when a request moves between idle and
// active instead of re-searching the heap.
type reqHeap []*request

func (h reqHeap) Len() int { return len(h) }

func (h reqHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.active != b.active {
		return !a.active
	}
	if a.prio != b.prio {
		return a.prio < b.prio
	}
	return a.reqnum < b.reqnum
}

func (h reqHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *reqHeap) Push(x any) {
	r := x.(*request)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *reqHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}
