package events

import (
	"context"
	"sync"
	"sync/atomic"

	"dmecoord/internal/domain"
)

const DefaultQueueSize = 100

// Queue buffers events for one streaming consumer. When full, the oldest
// buffered event is dropped to admit the newest.
type Queue struct {
	mu      sync.Mutex
	ch      chan domain.Event
	dropped atomic.Int64
}

func newQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan domain.Event, size)}
}

// C is the receive side of the queue.
func (q *Queue) C() <-chan domain.Event { return q.ch }

// Dropped counts events evicted to make room.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

func (q *Queue) offer(evt domain.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case q.ch <- evt:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// SubscribeQueue attaches a bounded queue fed by every topic matching any of
// patterns. An event matching several patterns is queued once. The returned
// cancel func detaches the queue and is safe to call more than once.
func (l *Log) SubscribeQueue(patterns []string, size int) (*Queue, func()) {
	q := newQueue(size)
	id := l.subscribe(patterns, func(_ context.Context, evt domain.Event) error {
		q.offer(evt)
		return nil
	})
	var once sync.Once
	return q, func() {
		once.Do(func() { l.Unsubscribe(id) })
	}
}
