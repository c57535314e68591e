package watcher

import (
	"context"
	"sync"
)

// changeQueue is an unbounded FIFO of debounced events. Push never blocks, so
// events that arrive while the consumer is busy are kept until the next pop.
type changeQueue struct {
	mu     sync.Mutex
	items  []fileEvent
	signal chan struct{}
}

func newChangeQueue() *changeQueue {
	return &changeQueue{signal: make(chan struct{}, 1)}
}

func (q *changeQueue) push(ev fileEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until an event is available, ctx is done, or closed is closed.
// A done context wins over a queued event so cancelled callers never consume
// a change.
func (q *changeQueue) pop(ctx context.Context, closed <-chan struct{}) (fileEvent, bool) {
	for {
		if ctx.Err() != nil {
			return fileEvent{}, false
		}
		if ev, ok := q.tryPop(); ok {
			return ev, true
		}

		select {
		case <-q.signal:
		case <-ctx.Done():
			return fileEvent{}, false
		case <-closed:
			return fileEvent{}, false
		}
	}
}

func (q *changeQueue) tryPop() (fileEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return fileEvent{}, false
	}
	ev := q.items[0]
	q.items[0] = fileEvent{}
	q.items = q.items[1:]
	return ev, true
}

func (q *changeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
