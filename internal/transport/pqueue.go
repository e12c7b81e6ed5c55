package transport

import (
	"container/heap"

	"github.com/mschirtzinger/tasksync/internal/queue"
)

type item struct {
	d      *queue.Deferred
	ticket *Ticket
	seq    uint64
	index  int
}

// pqueue orders items by priority (highest first), then by arrival.
type pqueue []*item

func (q pqueue) Len() int { return len(q) }

func (q pqueue) Less(i, j int) bool {
	if q[i].d.Priority != q[j].d.Priority {
		return q[i].d.Priority > q[j].d.Priority
	}
	return q[i].seq < q[j].seq
}

func (q pqueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *pqueue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *pqueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

func (q *pqueue) push(it *item) { heap.Push(q, it) }

func (q *pqueue) pop() *item {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*item)
}

func (q *pqueue) remove(it *item) {
	if it.index >= 0 && it.index < q.Len() {
		heap.Remove(q, it.index)
	}
}

// ordered returns the items in drain order without modifying q.
func (q pqueue) ordered() []*item {
	cp := make(pqueue, len(q))
	for i, it := range q {
		cp[i] = &item{d: it.d, ticket: it.ticket, seq: it.seq, index: i}
	}
	heap.Init(&cp)
	out := make([]*item, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*item))
	}
	return out
}
