package core

import (
	"context"
	"sync"
)

// Handle is the one-shot completion handle for a submitted operation.
// It settles exactly once over its lifetime; later settle attempts are
// silently ignored so double settlement is never externally observable.
type Handle struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

// NewHandle returns an unsettled handle.
func NewHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Settle records the final outcome and releases waiters. It reports
// whether this call was the one that settled the handle.
func (h *Handle) Settle(value any, err error) bool {
	settled := false
	h.once.Do(func() {
		h.value = value
		h.err = err
		settled = true
		close(h.done)
	})
	return settled
}

// Done is closed once the handle has settled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the settled outcome. It must only be called after Done
// is closed; before settlement it returns the zero outcome.
func (h *Handle) Result() (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	default:
		return nil, ErrNotSettled
	}
}

// Wait blocks until the handle settles or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
