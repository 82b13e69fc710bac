package livedict

// heapItem schedules one expiry. An item whose generation no longer matches
// the live entry's generation is stale and is discarded on pop; overwrites
// and deletes never touch the heap directly.
type heapItem struct {
	at         int64
	generation uint64
	bucket     string
	key        string
}

type expiryHeap []heapItem

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].at < h[j].at }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }

func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
