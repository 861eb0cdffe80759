package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/convoy/internal/types"
)

var (
	ErrQueueStopped = errors.New("turn queue stopped")
	ErrLaneFull     = errors.New("too many turns waiting")
)

const (
	laneBuffer   = 100
	laneIdleTime = time.Minute
)

// Queue manages per-conversation lanes with a global concurrency semaphore.
// Each conversation gets its own FIFO channel (lane) so that turns within a
// conversation, including their checkpoint writes, run one at a time, while
// the semaphore limits the total number of concurrent turns.
type Queue struct {
	lanes     map[types.ConversationID]chan *Run
	semaphore *semaphore.Weighted
	processor func(*Run) error
	active    atomic.Int64
	idleAfter time.Duration
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewQueue creates a Queue that allows up to maxConcurrent turns to execute
// simultaneously across all conversation lanes.
func NewQueue(maxConcurrent int64) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue{
		lanes:     make(map[types.ConversationID]chan *Run),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		idleAfter: laneIdleTime,
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// turns to finish. Runs still waiting in a lane fail with ErrQueueStopped.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		for id, lane := range q.lanes {
			close(lane)
			delete(q.lanes, id)
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a Run to its conversation's lane, creating the lane (and its
// goroutine) on first use. Returns an error if the lane's buffer is full.
func (q *Queue) Enqueue(run *Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || q.ctx == nil {
		return ErrQueueStopped
	}

	lane, exists := q.lanes[run.ConversationID]
	if !exists {
		lane = make(chan *Run, laneBuffer)
		q.lanes[run.ConversationID] = lane
		q.wg.Add(1)
		go q.processLane(run.ConversationID, lane)
	}

	select {
	case lane <- run:
		return nil
	default:
		return fmt.Errorf("queue full for conversation %s: %w", run.ConversationID, ErrLaneFull)
	}
}

// Lanes reports how many conversation lanes currently exist.
func (q *Queue) Lanes() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.lanes)
}

// processLane drains a single conversation lane, acquiring a semaphore slot
// before running the processor synchronously. A lane that stays empty for
// idleAfter is removed.
func (q *Queue) processLane(id types.ConversationID, lane chan *Run) {
	defer q.wg.Done()
	idle := time.NewTimer(q.idleAfter)
	defer idle.Stop()
	for {
		select {
		case run, ok := <-lane:
			if !ok {
				return
			}
			q.process(run)
			idle.Reset(q.idleAfter)
		case <-idle.C:
			if q.reap(id, lane) {
				return
			}
			idle.Reset(q.idleAfter)
		case <-q.ctx.Done():
			q.drain(lane)
			return
		}
	}
}

func (q *Queue) process(run *Run) {
	if q.ctx.Err() != nil {
		run.finish(ErrQueueStopped)
		return
	}
	if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
		run.finish(ErrQueueStopped)
		return
	}
	defer q.semaphore.Release(1)

	if q.processor == nil {
		run.finish(nil)
		return
	}
	q.active.Add(1)
	defer q.active.Add(-1)

	run.start()
	err := q.processor(run)
	if err != nil {
		slog.Error("turn failed", "request_id", string(run.ID), "conversation_id", string(run.ConversationID), "error", err)
	}
	run.finish(err)
}

func (q *Queue) reap(id types.ConversationID, lane chan *Run) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(lane) > 0 || q.lanes[id] != lane {
		return false
	}
	delete(q.lanes, id)
	return true
}

func (q *Queue) drain(lane chan *Run) {
	for run := range lane {
		run.finish(ErrQueueStopped)
	}
}

// WaitIdle blocks until no turns are actively being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued Run.
func (q *Queue) SetProcessor(fn func(*Run) error) {
	q.processor = fn
}
