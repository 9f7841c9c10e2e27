package checker

import (
	"context"

	"github.com/Mtoly/XrayIPGuard/api"
)

// DefaultQueueSize bounds the log queue between the stream subscribers and
// the single consumer.
const DefaultQueueSize = 1000

// Queue is the bounded multi-producer single-consumer FIFO between the
// subscribers and the check service. Producers never block: on a full queue
// the observation is dropped at the call site.
type Queue struct {
	ch chan *api.User
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue{ch: make(chan *api.User, capacity)}
}

// Offer enqueues without blocking. It reports false when the queue is full.
func (q *Queue) Offer(user *api.User) bool {
	select {
	case q.ch <- user:
		return true
	default:
		return false
	}
}

// Take blocks until an observation is available or the context is cancelled.
func (q *Queue) Take(ctx context.Context) (*api.User, bool) {
	select {
	case user := <-q.ch:
		return user, true
	case <-ctx.Done():
		return nil, false
	}
}

func (q *Queue) Len() int {
	return len(q.ch)
}
