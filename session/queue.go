package session

import "sync"

// sendQueue is an unbounded FIFO of serialized payloads. Any number of
// producers append; the send duty is the single consumer. The queue
// survives reconnections within one process lifetime.
type sendQueue struct {
	mu     sync.Mutex
	items  [][]byte
	notify chan struct{}
}

func newSendQueue() *sendQueue {
	return &sendQueue{notify: make(chan struct{}, 1)}
}

func (q *sendQueue) Push(b []byte) {
	q.mu.Lock()
	q.items = append(q.items, b)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pop blocks until an item is available or stop is closed.
func (q *sendQueue) Pop(stop <-chan struct{}) ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			b := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return b, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-stop:
			return nil, false
		}
	}
}
