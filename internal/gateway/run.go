package gateway

import (
	"context"
	"time"

	"github.com/user/convoy/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run tracks one turn waiting in, or executing from, a conversation lane.
type Run struct {
	ID             types.RequestID
	ConversationID types.ConversationID
	Turn           *TurnRequest
	Conversation   *types.Conversation
	Status         RunStatus
	Attempts       int
	CreatedAt      time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
	Result         *TurnResult
	Error          error

	// Ctx is the caller's context. The turn observes it for disconnects.
	Ctx  context.Context
	done chan struct{}
}

// NewRun creates a Run in the Queued state for the given conversation.
func NewRun(ctx context.Context, conv *types.Conversation, req *TurnRequest) *Run {
	id := req.RequestID
	if id == "" {
		id = types.NewRequestID()
	}
	return &Run{
		ID:             id,
		ConversationID: conv.ID,
		Turn:           req,
		Conversation:   conv,
		Status:         RunStatusQueued,
		CreatedAt:      time.Now(),
		Ctx:            ctx,
		done:           make(chan struct{}),
	}
}

// Done is closed once the run has finished or was dropped by Stop.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

func (r *Run) start() {
	now := time.Now()
	r.StartedAt = &now
	r.Status = RunStatusRunning
	r.Attempts++
}

func (r *Run) finish(err error) {
	now := time.Now()
	r.EndedAt = &now
	r.Error = err
	if err != nil {
		r.Status = RunStatusFailed
	} else {
		r.Status = RunStatusComplete
	}
	if r.done != nil {
		close(r.done)
	}
}
