package vector

import "container/heap"

// compile time check to ensure priorityQueue satisfies the heap interface
var _ heap.Interface = (*priorityQueue)(nil)

type queueItem struct {
	node uint32
	dist float32
}

// priorityQueue is a binary heap of candidate nodes ordered by
// distance. With max set it behaves as a max-heap, the shape used for
// bounded result sets where the worst candidate sits on top.
type priorityQueue struct {
	max   bool
	items []queueItem
}

func (pq *priorityQueue) Len() int { return len(pq.items) }

func (pq *priorityQueue) Less(i, j int) bool {
	if pq.max {
		return pq.items[i].dist > pq.items[j].dist
	}
	return pq.items[i].dist < pq.items[j].dist
}

func (pq *priorityQueue) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
}

func (pq *priorityQueue) Push(x any) {
	pq.items = append(pq.items, x.(queueItem))
}

func (pq *priorityQueue) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	pq.items = old[:n-1]
	return item
}

func (pq *priorityQueue) top() queueItem { return pq.items[0] }

// bounded pushes an item into a max-heap capped at k, keeping the k
// closest candidates seen so far.
func (pq *priorityQueue) bounded(item queueItem, k int) {
	if pq.Len() < k {
		heap.Push(pq, item)
		return
	}
	if item.dist < pq.top().dist {
		pq.items[0] = item
		heap.Fix(pq, 0)
	}
}

// drain empties a max-heap into a closest-first slice.
func (pq *priorityQueue) drain() []queueItem {
	out := make([]queueItem, pq.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(pq).(queueItem)
	}
	return out
}
