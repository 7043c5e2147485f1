package frontier

import "container/heap"

// Queue is a priority queue of URLData ordered by a Comparator. A node is
// queued at most once.
type Queue struct {
	h nodeHeap
}

// NewQueue returns an empty queue ordered by less.
func NewQueue(less Comparator) *Queue {
	return &Queue{h: nodeHeap{less: less}}
}

// Len returns the number of queued nodes.
func (q *Queue) Len() int { return len(q.h.nodes) }

// Contains reports whether node is queued.
func (q *Queue) Contains(node *URLData) bool {
	return node.index >= 0 && node.index < len(q.h.nodes) && q.h.nodes[node.index] == node
}

// Push queues node unless it is already queued.
func (q *Queue) Push(node *URLData) {
	if q.Contains(node) {
		return
	}
	heap.Push(&q.h, node)
}

// Pop removes and returns the first node, or nil when empty.
func (q *Queue) Pop() *URLData {
	if len(q.h.nodes) == 0 {
		return nil
	}
	node, _ := heap.Pop(&q.h).(*URLData)
	return node
}

// Fix restores ordering after node's depth changed.
func (q *Queue) Fix(node *URLData) {
	if q.Contains(node) {
		heap.Fix(&q.h, node.index)
	}
}

// Drain removes every node and returns them in queue order.
func (q *Queue) Drain() []*URLData {
	out := make([]*URLData, 0, len(q.h.nodes))
	for q.Len() > 0 {
		out = append(out, q.Pop())
	}
	return out
}

type nodeHeap struct {
	nodes []*URLData
	less  Comparator
}

func (h nodeHeap) Len() int           { return len(h.nodes) }
func (h nodeHeap) Less(i, j int) bool { return h.less(h.nodes[i], h.nodes[j]) }

func (h nodeHeap) Swap(i, j int) {
	h.nodes[i], h.nodes[j] = h.nodes[j], h.nodes[i]
	h.nodes[i].index = i
	h.nodes[j].index = j
}

func (h *nodeHeap) Push(x any) {
	node, _ := x.(*URLData)
	node.index = len(h.nodes)
	h.nodes = append(h.nodes, node)
}

func (h *nodeHeap) Pop() any {
	old := h.nodes
	n := len(old)
	node := old[n-1]
	old[n-1] = nil
	node.index = -1
	h.nodes = old[:n-1]
	return node
}
