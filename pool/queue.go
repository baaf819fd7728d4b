package pool

import "github.com/next-trace/scg-rpc-bus/batch"

// fifo is a growable ring buffer of batches.
// Tracking the length separately in l, because calculating it from
// (front, back) is ambiguous when the ring is full.
type fifo struct {
	front, back, l int
	items          []*batch.Batch
}

func newFIFO(capacity int) *fifo {
	if capacity < 1 {
		capacity = 1
	}

	return &fifo{items: make([]*batch.Batch, capacity)}
}

func (q *fifo) len() int { return q.l }

func (q *fifo) grow() {
	items := make([]*batch.Batch, len(q.items)*2)
	for i := 0; i < q.l; i++ {
		items[i] = q.items[(q.front+i)%len(q.items)]
	}

	q.items = items
	q.front = 0
	q.back = q.l
}

// push appends to the back.
func (q *fifo) push(b *batch.Batch) {
	if q.l == len(q.items) {
		q.grow()
	}

	q.items[q.back] = b
	q.back = (q.back + 1) % len(q.items)
	q.l++
}

// pop removes from the front. Returns nil if the queue is empty.
func (q *fifo) pop() *batch.Batch {
	if q.l == 0 {
		return nil
	}

	b := q.items[q.front]
	q.items[q.front] = nil
	q.front = (q.front + 1) % len(q.items)
	q.l--

	return b
}

// drain removes and returns every batch in order.
func (q *fifo) drain() []*batch.Batch {
	out := make([]*batch.Batch, 0, q.l)
	for b := q.pop(); b != nil; b = q.pop() {
		out = append(out, b)
	}

	return out
}
