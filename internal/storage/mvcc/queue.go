// Licensed under the MIT License. See LICENSE file in the project root for details.

package mvcc

import (
	"sync"

	"github.com/kianostad/spread/internal/keyspace"
)

// Queue collects work produced while a partition lock is held. Items run in
// FIFO order when the queue is drained after the lock has been released, so
// callbacks never observe the lock and never grow the stack of the mutation
// that triggered them.
type Queue struct {
	items []func()
}

// Push appends a work item.
func (q *Queue) Push(fn func()) {
	q.items = append(q.items, fn)
}

// Fire appends an item that fires cb with the given value.
func (q *Queue) Fire(cb *Callback, entry keyspace.Entry, value float64) {
	q.items = append(q.items, func() { cb.Fire(entry, value) })
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	return len(q.items)
}

// Drain runs queued items, including items pushed while draining, and returns
// how many ran.
func (q *Queue) Drain() int {
	n := 0
	for i := 0; i < len(q.items); i++ {
		fn := q.items[i]
		q.items[i] = nil
		fn()
		n++
	}
	q.items = q.items[:0]
	return n
}

// Transfer moves the queued items of q to the end of dst, leaving q empty.
func (q *Queue) Transfer(dst *Queue) {
	dst.items = append(dst.items, q.items...)
	for i := range q.items {
		q.items[i] = nil
	}
	q.items = q.items[:0]
}

// QueuePool provides pooling for Queues to avoid an allocation per operation.
type QueuePool struct {
	pool sync.Pool
}

// NewQueuePool creates a new QueuePool.
func NewQueuePool() *QueuePool {
	return &QueuePool{
		pool: sync.Pool{
			New: func() interface{} {
				return &Queue{items: make([]func(), 0, 8)}
			},
		},
	}
}

// Get retrieves an empty Queue from the pool or creates a new one.
func (p *QueuePool) Get() *Queue {
	return p.pool.Get().(*Queue)
}

// Put returns q to the pool after discarding any remaining items.
func (p *QueuePool) Put(q *Queue) {
	for i := range q.items {
		q.items[i] = nil
	}
	q.items = q.items[:0]
	p.pool.Put(q)
}
