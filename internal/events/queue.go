package events

import (
	"context"
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("event queue closed")

// Queue is a bounded FIFO of events shared by every producer of one turn.
// Emit blocks while the queue is full.
type Queue struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	once   sync.Once
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Emit enqueues ev, waiting for room. It returns ctx.Err() on cancellation
// and ErrQueueClosed once Close has been called.
func (q *Queue) Emit(ctx context.Context, ev Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	}
}

// Close stops accepting events. Events already queued remain readable, then
// the channel returned by Events is closed.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.done)
		q.mu.Lock()
		q.closed = true
		close(q.ch)
		q.mu.Unlock()
	})
}

func (q *Queue) Events() <-chan Event {
	return q.ch
}

// Emitter is the write side of a Queue handed to producers.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}
