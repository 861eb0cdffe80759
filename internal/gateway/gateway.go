package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/convoy/internal/protocol"
	"github.com/user/convoy/internal/stream"
	"github.com/user/convoy/internal/types"
)

// BindingFactory builds the wire binding for one turn once the conversation
// is known.
type BindingFactory func(conv *types.Conversation, requestID types.RequestID) protocol.Binding

// ProducerFactory builds the event producer for one turn. history ends with
// the new human message.
type ProducerFactory func(conv *types.Conversation, history []types.Message) stream.Producer

// TurnRequest is one inbound human message bound to a consumer connection.
type TurnRequest struct {
	Identity       types.Identity
	ConversationID types.ConversationID
	RequestID      types.RequestID
	Source         string
	Text           string
	Binding        BindingFactory
	Sink           stream.Sink
}

type TurnResult struct {
	Conversation *types.Conversation
	Created      bool
	Version      int
	Transcript   *stream.Transcript
	Outcome      stream.Outcome
}

// Gateway orchestrates turns. It resolves (or creates) conversations, wraps
// each turn in a Run, and serializes runs per conversation through the Queue.
type Gateway struct {
	conversations types.ConversationStore
	checkpoints   types.CheckpointStore
	producer      ProducerFactory
	session       *stream.Session
	Queue         *Queue
	retry         *RetryPolicy
	turnTimeout   time.Duration
	logger        *slog.Logger
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Gateway)

func WithMaxConcurrent(n int64) Option {
	return func(g *Gateway) { g.Queue = NewQueue(n) }
}

func WithTurnTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.turnTimeout = d }
}

func WithRetryPolicy(p *RetryPolicy) Option {
	return func(g *Gateway) { g.retry = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithEventBuffer sets the per-turn event queue size.
func WithEventBuffer(n int) Option {
	return func(g *Gateway) { g.session.QueueSize = n }
}

// New creates a Gateway wired to the provided stores. producer supplies the
// event source for each turn.
func New(conversations types.ConversationStore, checkpoints types.CheckpointStore, producer ProducerFactory, opts ...Option) *Gateway {
	g := &Gateway{
		conversations: conversations,
		checkpoints:   checkpoints,
		producer:      producer,
		session:       stream.NewSession(0, nil),
		Queue:         NewQueue(2),
		retry:         DefaultRetryPolicy(),
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.session.Logger = g.logger
	g.Queue.SetProcessor(g.process)
	return g
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop cancels the gateway context, stops the queue, and waits for any
// outstanding work to finish.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.Queue.Stop()
	g.wg.Wait()
}

// RunTurn resolves the conversation, queues the turn behind any earlier turn
// of the same conversation, and blocks until it has been streamed to
// req.Sink and persisted. Errors returned before streaming starts mean no
// frame was written.
func (g *Gateway) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.Identity.IsZero() {
		return nil, fmt.Errorf("run turn: missing identity: %w", types.ErrForbidden)
	}
	if req.Binding == nil || req.Sink == nil {
		return nil, errors.New("run turn: binding and sink are required")
	}
	conv, created, err := g.conversations.ResolveOrCreate(ctx, req.ConversationID, req.Identity, req.Text)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}
	if created {
		g.logger.Info("conversation created", "conversation_id", conv.ID, "owner", req.Identity.Key())
	}

	run := NewRun(ctx, conv, &req)
	run.Result = &TurnResult{Conversation: conv, Created: created}
	if err := g.Queue.Enqueue(run); err != nil {
		return nil, err
	}
	// The run owns req.Sink until it is done, even after ctx is cancelled.
	<-run.Done()
	if run.Error != nil {
		return run.Result, run.Error
	}
	return run.Result, nil
}

func (g *Gateway) process(run *Run) error {
	req := run.Turn
	conv := run.Conversation
	storeCtx := context.WithoutCancel(run.Ctx)

	prev, err := g.checkpoints.Get(storeCtx, conv.ID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if errors.Is(err, types.ErrNotFound) {
		prev = nil
	}

	human := types.Message{
		ID:        types.NewMessageID(),
		Role:      types.RoleHuman,
		Text:      req.Text,
		CreatedAt: g.now(),
	}
	var history []types.Message
	if prev != nil {
		history = append(history, prev.ChannelValues.Messages...)
	}
	history = append(history, human)

	turnCtx, cancel := context.WithCancel(run.Ctx)
	defer cancel()
	stop := context.AfterFunc(g.ctx, cancel)
	defer stop()

	result := run.Result
	turn := stream.Turn{
		ConversationID: conv.ID,
		RequestID:      run.ID,
		Timeout:        g.turnTimeout,
		Persist: func(ctx context.Context, tr *stream.Transcript) error {
			appended := append([]types.Message{human}, tr.Messages(g.now())...)
			meta := types.CheckpointMetadata{
				Source:    req.Source,
				RequestID: run.ID,
				Outcome:   string(tr.Status),
			}
			version, err := g.commit(ctx, conv.ID, prev, appended, meta)
			result.Version = version
			return err
		},
	}

	tr, outcome := g.session.Run(turnCtx, turn, g.producer(conv, history), req.Binding(conv, run.ID), req.Sink)
	result.Transcript = tr
	result.Outcome = outcome
	return nil
}

// commit writes base+appended as the successor of base. A version conflict
// is rebased onto the latest checkpoint and retried under the retry policy;
// only a conflict that survives the retries is returned. Other store
// failures are logged and swallowed.
func (g *Gateway) commit(ctx context.Context, id types.ConversationID, base *types.Checkpoint, appended []types.Message, meta types.CheckpointMetadata) (int, error) {
	var written *types.Checkpoint
	err := g.retry.Execute(func(attempt int) error {
		if attempt > 1 {
			latest, err := g.checkpoints.Get(ctx, id)
			if err != nil && !errors.Is(err, types.ErrNotFound) {
				return fmt.Errorf("reload checkpoint: %w", err)
			}
			if errors.Is(err, types.ErrNotFound) {
				latest = nil
			}
			g.logger.Warn("checkpoint conflict, rebasing turn", "conversation_id", id, "attempt", attempt)
			base = latest
		}
		cp := base.Next(id, appended, g.now())
		if err := g.checkpoints.Put(ctx, id, cp, meta); err != nil {
			return err
		}
		written = cp
		return nil
	})
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			return 0, fmt.Errorf("save checkpoint: %w", err)
		}
		g.logger.Error("save checkpoint failed", "conversation_id", id, "error", err)
		return 0, nil
	}
	if err := g.conversations.Touch(ctx, id, written.Version); err != nil {
		g.logger.Error("touch conversation failed", "conversation_id", id, "error", err)
	}
	return written.Version, nil
}

// Conversations lists the identity's conversations, most recent first.
func (g *Gateway) Conversations(ctx context.Context, owner types.Identity) ([]*types.Conversation, error) {
	return g.conversations.List(ctx, &owner)
}

// Messages returns the persisted transcript of a conversation owned by owner.
func (g *Gateway) Messages(ctx context.Context, owner types.Identity, id types.ConversationID) ([]types.Message, error) {
	conv, err := g.conversations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Owner.Key() != owner.Key() {
		return nil, fmt.Errorf("read conversation %s: %w", id, types.ErrForbidden)
	}
	msgs, err := g.checkpoints.ListMessages(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		return []types.Message{}, nil
	}
	return msgs, err
}

// Compact prunes every conversation's checkpoint log down to keep entries
// and reports how many checkpoints were removed.
func (g *Gateway) Compact(ctx context.Context, keep int) (int, error) {
	convs, err := g.conversations.List(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("list conversations: %w", err)
	}
	total := 0
	for _, conv := range convs {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := g.checkpoints.Prune(ctx, conv.ID, keep)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return total, fmt.Errorf("prune %s: %w", conv.ID, err)
		}
		total += n
	}
	if total > 0 {
		g.logger.Info("compacted checkpoints", "conversations", len(convs), "removed", total)
	}
	return total, nil
}
