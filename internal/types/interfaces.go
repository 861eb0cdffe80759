package types

import (
	"context"
)

// CheckpointStore persists resumable conversation state. Writes for one
// conversation are serialized by the implementation.
type CheckpointStore interface {
	Get(ctx context.Context, id ConversationID) (*Checkpoint, error)
	Put(ctx context.Context, id ConversationID, cp *Checkpoint, meta CheckpointMetadata) error
	ListMessages(ctx context.Context, id ConversationID) ([]Message, error)
	History(ctx context.Context, id ConversationID, limit int) ([]*Checkpoint, error)
	Prune(ctx context.Context, id ConversationID, keep int) (int, error)
	UpdateState(ctx context.Context, id ConversationID, fn func(*ConversationState) error) error
}

type ConversationStore interface {
	ResolveOrCreate(ctx context.Context, id ConversationID, owner Identity, firstMessage string) (*Conversation, bool, error)
	Get(ctx context.Context, id ConversationID) (*Conversation, error)
	List(ctx context.Context, owner *Identity) ([]*Conversation, error)
	Touch(ctx context.Context, id ConversationID, version int) error
}
