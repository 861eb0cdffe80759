package types

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Message is one entry of a conversation's history as stored in a checkpoint.
type Message struct {
	ID         MessageID `json:"id,omitempty"`
	Role       Role      `json:"role"`
	Text       string    `json:"text"`
	ToolName   string    `json:"toolName,omitempty"`
	ToolResult string    `json:"toolResult,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Channel names tracked in Checkpoint.ChannelVersions.
const (
	ChannelMessages  = "messages"
	ChannelTurnCount = "turnCount"
)

type ChannelValues struct {
	Messages  []Message `json:"messages"`
	TurnCount int       `json:"turnCount"`
}

// Checkpoint is an immutable snapshot of a conversation's resumable state.
// Versions for one conversation start at 1 and increase by exactly one.
type Checkpoint struct {
	ConversationID  ConversationID `json:"conversationId"`
	Version         int            `json:"version"`
	ChannelValues   ChannelValues  `json:"channelValues"`
	ChannelVersions map[string]int `json:"channelVersions"`
	WrittenAt       time.Time      `json:"writtenAt"`
}

// Next returns the successor of c with the given messages appended and the
// turn counter advanced. A nil receiver yields version 1.
func (c *Checkpoint) Next(id ConversationID, appended []Message, now time.Time) *Checkpoint {
	next := &Checkpoint{
		ConversationID:  id,
		Version:         1,
		ChannelVersions: map[string]int{},
		WrittenAt:       now,
	}
	if c != nil {
		next.Version = c.Version + 1
		next.ChannelValues.Messages = append(next.ChannelValues.Messages, c.ChannelValues.Messages...)
		next.ChannelValues.TurnCount = c.ChannelValues.TurnCount
		for k, v := range c.ChannelVersions {
			next.ChannelVersions[k] = v
		}
	}
	if len(appended) > 0 {
		next.ChannelValues.Messages = append(next.ChannelValues.Messages, appended...)
		next.ChannelVersions[ChannelMessages]++
	}
	next.ChannelValues.TurnCount++
	next.ChannelVersions[ChannelTurnCount]++
	return next
}

// CheckpointMetadata describes why a checkpoint was written.
type CheckpointMetadata struct {
	Source    string    `json:"source"`
	RequestID RequestID `json:"request_id,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
}

// Identity is the already-authenticated caller. Exactly one of UserID and
// AnonymousSession is set.
type Identity struct {
	UserID           string `json:"user_id,omitempty"`
	AnonymousSession string `json:"anonymous_session,omitempty"`
}

// Key returns a stable string form used for ownership checks and limiting.
func (i Identity) Key() string {
	if i.UserID != "" {
		return "user:" + i.UserID
	}
	return "anon:" + i.AnonymousSession
}

func (i Identity) IsZero() bool {
	return i.UserID == "" && i.AnonymousSession == ""
}

type Conversation struct {
	ID               ConversationID `json:"id"`
	Owner            Identity       `json:"owner"`
	Subject          string         `json:"subject"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	LatestCheckpoint int            `json:"latest_checkpoint"`
}

// ConversationState holds conversation-scoped side-effect bookkeeping that
// must survive restarts alongside checkpoints.
type ConversationState struct {
	MemoriesStored int             `json:"memories_stored"`
	LastMemoryAt   time.Time       `json:"last_memory_at,omitempty"`
	Extra          json.RawMessage `json:"extra,omitempty"`
}
