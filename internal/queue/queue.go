// Package queue provides value-based binary heaps for candidate ranking.
package queue

// Item is an entry in a priority queue. Value-based storage keeps the heap
// allocation-free during search.
type Item struct {
	Row      uint32
	Distance float32
}

// PriorityQueue is a binary heap over Items ordered by Distance.
type PriorityQueue struct {
	isMax bool
	items []Item
}

// NewMin creates a min-heap: the top is the smallest distance.
func NewMin(capacity int) *PriorityQueue {
	return &PriorityQueue{isMax: false, items: make([]Item, 0, capacity)}
}

// NewMax creates a max-heap: the top is the largest distance.
func NewMax(capacity int) *PriorityQueue {
	return &PriorityQueue{isMax: true, items: make([]Item, 0, capacity)}
}

// Len returns the number of items in the queue.
func (pq *PriorityQueue) Len() int { return len(pq.items) }

// Reset clears the queue for reuse.
func (pq *PriorityQueue) Reset() { pq.items = pq.items[:0] }

// Top returns the top item without removing it.
func (pq *PriorityQueue) Top() (Item, bool) {
	if len(pq.items) == 0 {
		return Item{}, false
	}
	return pq.items[0], true
}

// Push inserts an item while maintaining the heap invariant.
func (pq *PriorityQueue) Push(it Item) {
	pq.items = append(pq.items, it)
	pq.siftUp(len(pq.items) - 1)
}

// Pop removes and returns the top item.
func (pq *PriorityQueue) Pop() (Item, bool) {
	n := len(pq.items)
	if n == 0 {
		return Item{}, false
	}
	root := pq.items[0]
	last := pq.items[n-1]
	pq.items = pq.items[:n-1]
	if n-1 > 0 {
		pq.items[0] = last
		pq.siftDown(0)
	}
	return root, true
}

// Min returns the item with the smallest distance currently in the queue.
// For max-heaps this scans the backing slice.
func (pq *PriorityQueue) Min() (Item, bool) {
	if len(pq.items) == 0 {
		return Item{}, false
	}
	if !pq.isMax {
		return pq.items[0], true
	}
	best := pq.items[0]
	for _, it := range pq.items[1:] {
		if it.Distance < best.Distance {
			best = it
		}
	}
	return best, true
}

func (pq *PriorityQueue) less(i, j int) bool {
	if pq.isMax {
		return pq.items[i].Distance > pq.items[j].Distance
	}
	return pq.items[i].Distance < pq.items[j].Distance
}

func (pq *PriorityQueue) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !pq.less(i, p) {
			return
		}
		pq.items[i], pq.items[p] = pq.items[p], pq.items[i]
		i = p
	}
}

func (pq *PriorityQueue) siftDown(i int) {
	n := len(pq.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && pq.less(r, l) {
			best = r
		}
		if !pq.less(best, i) {
			return
		}
		pq.items[i], pq.items[best] = pq.items[best], pq.items[i]
		i = best
	}
}
