package scheduler

import (
	"github.com/chainkit/txbatcher/internal/core"
)

// opQueue is the submission queue: an ordered collection of pending
// operations. It is not goroutine-safe; the owning Scheduler guards all
// access with its mutex.
type opQueue struct {
	ops []*core.Operation
}

// PushBack appends a freshly admitted operation.
func (q *opQueue) PushBack(op *core.Operation) {
	q.ops = append(q.ops, op)
}

// PushFront reinserts a retried operation ahead of all pending work.
// Previously-failed work is deliberately prioritized over fresh
// submissions; the retry bound keeps new work from starving.
func (q *opQueue) PushFront(op *core.Operation) {
	q.ops = append([]*core.Operation{op}, q.ops...)
}

// Cut removes up to n operations from the front in submission order.
func (q *opQueue) Cut(n int) []*core.Operation {
	if n > len(q.ops) {
		n = len(q.ops)
	}
	cut := make([]*core.Operation, n)
	copy(cut, q.ops[:n])

	rest := make([]*core.Operation, len(q.ops)-n)
	copy(rest, q.ops[n:])
	q.ops = rest
	return cut
}

// Drain removes and returns every pending operation.
func (q *opQueue) Drain() []*core.Operation {
	drained := q.ops
	q.ops = nil
	return drained
}

// Len returns the number of pending operations.
func (q *opQueue) Len() int {
	return len(q.ops)
}
