package task

import "sync"

// Queue is the context on which task notifications are delivered. Dispatch
// must not block the caller and must run functions in submission order.
type Queue interface {
	Dispatch(fn func())
}

// SerialQueue runs dispatched functions one at a time, in order, on a drain
// goroutine that only exists while work is pending. A single SerialQueue can
// be shared by many tasks to receive all of their callbacks on one context.
type SerialQueue struct {
	mu      sync.Mutex
	items   []func()
	running bool
	idle    *sync.Cond
}

func NewSerialQueue() *SerialQueue { return &SerialQueue{} }

// cond must be called with q.mu held.
func (q *SerialQueue) cond() *sync.Cond {
	if q.idle == nil {
		q.idle = sync.NewCond(&q.mu)
	}
	return q.idle
}

func (q *SerialQueue) Dispatch(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.drain()
}

func (q *SerialQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			q.cond().Broadcast()
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()
		fn()
	}
}

// Wait blocks until every function dispatched so far has run.
func (q *SerialQueue) Wait() {
	q.mu.Lock()
	for q.running {
		q.cond().Wait()
	}
	q.mu.Unlock()
}
