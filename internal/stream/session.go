// Package stream runs one live turn: it drains the turn's event queue
// through a protocol Machine and writes the resulting frames to a Sink.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/convoy/internal/events"
	"github.com/user/convoy/internal/protocol"
	"github.com/user/convoy/internal/types"
)

type Status string

const (
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimedOut     Status = "timed_out"
	StatusDisconnected Status = "disconnected"
)

// Producer generates a turn's events into out. It must return promptly once
// ctx is cancelled. A returned error is reported to the consumer as a single
// error event.
type Producer func(ctx context.Context, out events.Emitter) error

// PersistFunc stores a turn's transcript. It is called exactly once per turn.
type PersistFunc func(ctx context.Context, tr *Transcript) error

type Turn struct {
	ConversationID types.ConversationID
	RequestID      types.RequestID
	Timeout        time.Duration
	Persist        PersistFunc
}

type Outcome struct {
	Status     Status
	StopReason string
	Err        error
	PersistErr error
}

type Session struct {
	QueueSize int
	Logger    *slog.Logger
}

func NewSession(queueSize int, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{QueueSize: queueSize, Logger: logger}
}

type run struct {
	ctx       context.Context
	cancel    context.CancelFunc
	machine   *protocol.Machine
	sink      Sink
	turn      Turn
	logger    *slog.Logger
	persisted bool
	outcome   Outcome
}

// Run drives one turn to completion. Frames reach the sink in the order the
// producer emitted events. The returned transcript holds only finalized
// content.
func (s *Session) Run(ctx context.Context, turn Turn, producer Producer, binding protocol.Binding, sink Sink) (*Transcript, Outcome) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("conversation_id", turn.ConversationID, "request_id", turn.RequestID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	genCtx := runCtx
	if turn.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		genCtx, cancelTimeout = context.WithTimeout(runCtx, turn.Timeout)
		defer cancelTimeout()
	}

	r := &run{
		ctx:     ctx,
		cancel:  cancel,
		machine: protocol.NewMachine(binding, logger),
		sink:    sink,
		turn:    turn,
		logger:  logger,
	}

	q := events.NewQueue(s.QueueSize)
	g, gctx := errgroup.WithContext(genCtx)
	g.Go(func() error {
		defer q.Close()
		err := producer(gctx, q)
		if err != nil && gctx.Err() == nil {
			logger.Error("turn producer failed", "error", err)
			if emitErr := q.Emit(gctx, events.Error{Message: err.Error()}); emitErr != nil {
				return emitErr
			}
			return nil
		}
		return err
	})

	r.loop(q, genCtx)

	cancel()
	q.Close()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, events.ErrQueueClosed) {
		logger.Debug("producer exited with error", "error", err)
	}

	tr := r.transcript()
	if !r.persisted {
		r.persist(tr)
	}
	logger.Info("turn finished", "status", r.outcome.Status, "stop_reason", r.outcome.StopReason)
	return tr, r.outcome
}

func (r *run) loop(q *events.Queue, genCtx context.Context) {
	for {
		select {
		case ev, ok := <-q.Events():
			if !ok {
				if r.interrupted(genCtx) {
					return
				}
				r.complete(events.StopEndTurn)
				return
			}
			ev = events.Normalize(ev)
			if ev == nil {
				continue
			}
			if done, isDone := ev.(events.Done); isDone {
				r.complete(done.StopReason)
				return
			}
			if !r.write(r.machine.Handle(ev)) {
				return
			}
			if r.machine.Closed() {
				r.outcome.Status = StatusFailed
				if e, isErr := ev.(events.Error); isErr {
					r.outcome.Err = errors.New(e.Message)
				}
				return
			}
		case <-genCtx.Done():
			r.interrupted(genCtx)
			return
		}
	}
}

// interrupted handles consumer cancellation and the turn timeout. It
// reports false when neither has happened.
func (r *run) interrupted(genCtx context.Context) bool {
	switch {
	case r.ctx.Err() != nil:
		r.outcome.Status = StatusDisconnected
		r.outcome.Err = r.ctx.Err()
		r.logger.Info("consumer went away", "error", r.ctx.Err())
		return true
	case errors.Is(genCtx.Err(), context.DeadlineExceeded):
		msg := fmt.Sprintf("turn timed out after %s", r.turn.Timeout)
		r.logger.Warn("turn timed out", "timeout", r.turn.Timeout)
		r.outcome.Status = StatusTimedOut
		r.outcome.Err = context.DeadlineExceeded
		r.write(r.machine.Abort(msg, true))
		return true
	}
	return false
}

// complete runs the normal ending: stop blocks, persist, then the turn-stop
// frames, so a persistence failure can still reach the consumer.
func (r *run) complete(stopReason string) {
	if stopReason == "" {
		stopReason = events.StopEndTurn
	}
	r.outcome.StopReason = stopReason
	if !r.write(r.machine.CloseBlocks()) {
		return
	}
	r.outcome.Status = StatusCompleted
	tr := r.transcript()
	if err := r.persist(tr); err != nil {
		if !r.write(r.machine.Fault(fmt.Sprintf("conversation state not saved: %v", err))) {
			return
		}
	}
	r.write(r.machine.End(stopReason))
}

func (r *run) write(frames []protocol.Frame) bool {
	if r.outcome.Status == StatusDisconnected {
		return false
	}
	for _, f := range frames {
		if err := r.sink.Write(r.ctx, f); err != nil {
			r.logger.Info("sink write failed, cancelling turn", "error", err)
			r.outcome.Status = StatusDisconnected
			r.outcome.Err = err
			r.cancel()
			return false
		}
	}
	return true
}

func (r *run) transcript() *Transcript {
	status := r.outcome.Status
	if status == "" {
		status = StatusFailed
	}
	return &Transcript{
		Entries:    r.machine.Entries(),
		StopReason: r.outcome.StopReason,
		Status:     status,
	}
}

func (r *run) persist(tr *Transcript) error {
	r.persisted = true
	if r.turn.Persist == nil {
		return nil
	}
	ctx := context.WithoutCancel(r.ctx)
	if err := r.turn.Persist(ctx, tr); err != nil {
		r.logger.Error("persist turn failed", "error", err)
		r.outcome.PersistErr = err
		return err
	}
	return nil
}
