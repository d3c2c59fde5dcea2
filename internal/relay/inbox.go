package relay

import "sync"

// pending is one accepted message plus the count of messages refused
// after it arrived and before the next one was accepted.
type pending struct {
	raw      []byte
	rejected int
}

// inbox is a bounded FIFO of inbound messages for one connection.
// Refused messages cost a counter increment, not a queue slot, so a
// flooding peer cannot grow memory.
type inbox struct {
	mu     sync.Mutex
	items  []pending
	limit  int
	closed bool
	ready  chan struct{}
}

func newInbox(limit int) *inbox {
	if limit < 1 {
		limit = 1
	}
	return &inbox{limit: limit, ready: make(chan struct{}, 1)}
}

// push queues raw, or records a rejection against the newest queued
// message when the inbox is full. It reports whether raw was queued.
func (q *inbox) push(raw []byte) bool {
	q.mu.Lock()
	if len(q.items) >= q.limit {
		q.items[len(q.items)-1].rejected++
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, pending{raw: raw})
	q.mu.Unlock()
	q.signal()
	return true
}

// pop blocks for the next message. It returns false once the inbox is
// closed and drained.
func (q *inbox) pop() (pending, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			p := q.items[0]
			q.items[0] = pending{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return p, true
		}
		if q.closed {
			q.mu.Unlock()
			return pending{}, false
		}
		q.mu.Unlock()
		<-q.ready
	}
}

func (q *inbox) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *inbox) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
