package call

import "sync"

// eventQueue is an unbounded FIFO queue.
//
// Engine and transport goroutines push into it and must never block on the
// event loop: PeerConnection.Close waits for pion's callbacks to return.
type eventQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool
	events   []event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push appends ev. It never blocks and reports false once the queue is
// closed.
func (q *eventQueue) Push(ev event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.events = append(q.events, ev)
	q.notEmpty.Signal()
	return true
}

// Pop blocks until an event is available or the queue is closed and empty.
func (q *eventQueue) Pop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.events) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.events) == 0 {
		return event{}, false
	}
	ev := q.events[0]
	q.events[0] = event{}
	q.events = q.events[1:]
	return ev, true
}

// Close stops accepting events. Events already queued can still be popped.
func (q *eventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
