package types

import (
	"strings"

	"github.com/google/uuid"
)

type ConversationID string
type MessageID string
type RequestID string

// keyNamespace scopes deterministic conversation ids derived from
// external chat keys.
var keyNamespace = uuid.MustParse("6f1c2b9e-8d0a-4c55-9a63-0d7b2e51c4aa")

func NewConversationID() ConversationID {
	return ConversationID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewRequestID() RequestID {
	return RequestID(uuid.New().String())
}

// ConversationIDFromKey derives a stable conversation id from colon-joined
// key parts, e.g. ("telegram", "42", "1001").
func ConversationIDFromKey(parts ...string) ConversationID {
	return ConversationID(uuid.NewSHA1(keyNamespace, []byte(strings.Join(parts, ":"))).String())
}

// ValidConversationID reports whether id has the canonical UUID form.
// Ids end up in file paths, so anything else is rejected.
func ValidConversationID(id ConversationID) bool {
	_, err := uuid.Parse(string(id))
	return err == nil && len(id) == 36
}
