// internal/state/conversation.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/convoy/internal/types"
)

// ConversationStore is a JSON-file-backed conversation index.
// It stores index data in conversations/conversations.json and creates
// per-conversation directories at conversations/<conversationID>/.
type ConversationStore struct {
	root string
	mu   sync.RWMutex
	now  func() time.Time
}

// NewConversationStore creates a new file-backed ConversationStore rooted at the given directory.
func NewConversationStore(root string) *ConversationStore {
	return &ConversationStore{root: root, now: time.Now}
}

func (s *ConversationStore) indexPath() string {
	return filepath.Join(s.root, "conversations", "conversations.json")
}

func (s *ConversationStore) conversationDir(id types.ConversationID) string {
	return filepath.Join(s.root, "conversations", string(id))
}

// loadIndex reads conversations.json and returns a map keyed by ConversationID.
func (s *ConversationStore) loadIndex() (map[types.ConversationID]*types.Conversation, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.ConversationID]*types.Conversation), nil
		}
		return nil, fmt.Errorf("read conversation index: %w", err)
	}

	var convs []*types.Conversation
	if err := json.Unmarshal(data, &convs); err != nil {
		return nil, fmt.Errorf("unmarshal conversation index: %w", err)
	}

	index := make(map[types.ConversationID]*types.Conversation, len(convs))
	for _, c := range convs {
		index[c.ID] = c
	}
	return index, nil
}

func (s *ConversationStore) saveIndex(index map[types.ConversationID]*types.Conversation) error {
	convs := make([]*types.Conversation, 0, len(index))
	for _, c := range index {
		convs = append(convs, c)
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].CreatedAt.Before(convs[j].CreatedAt) })

	data, err := json.MarshalIndent(convs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation index: %w", err)
	}
	return writeFileAtomic(s.indexPath(), data)
}

// ResolveOrCreate returns the conversation with the given id, creating it
// when absent. An empty id always creates a new conversation. The subject is
// derived from firstMessage only at creation.
func (s *ConversationStore) ResolveOrCreate(_ context.Context, id types.ConversationID, owner types.Identity, firstMessage string) (*types.Conversation, bool, error) {
	if id != "" && !types.ValidConversationID(id) {
		return nil, false, fmt.Errorf("invalid conversation id %q", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, false, err
	}

	if existing, ok := index[id]; ok {
		if existing.Owner.Key() != owner.Key() {
			return nil, false, fmt.Errorf("resolve conversation %s: %w", id, types.ErrForbidden)
		}
		return existing, false, nil
	}

	if id == "" {
		id = types.NewConversationID()
	}
	now := s.now()
	conv := &types.Conversation{
		ID:        id,
		Owner:     owner,
		Subject:   types.SubjectFrom(firstMessage),
		CreatedAt: now,
		UpdatedAt: now,
	}
	index[id] = conv

	if err := s.saveIndex(index); err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(s.conversationDir(id), 0o755); err != nil {
		return nil, false, fmt.Errorf("create conversation dir: %w", err)
	}
	return conv, true, nil
}

// Get returns the conversation with the given ID.
func (s *ConversationStore) Get(_ context.Context, id types.ConversationID) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	if c, ok := index[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("conversation %s: %w", id, types.ErrNotFound)
}

// List returns conversations newest first. A nil owner lists all of them.
func (s *ConversationStore) List(_ context.Context, owner *types.Identity) ([]*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	convs := make([]*types.Conversation, 0, len(index))
	for _, c := range index {
		if owner != nil && c.Owner.Key() != owner.Key() {
			continue
		}
		convs = append(convs, c)
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].UpdatedAt.After(convs[j].UpdatedAt) })
	return convs, nil
}

// Touch records a checkpoint write: it bumps UpdatedAt and the latest
// checkpoint reference. The reference never moves backwards.
func (s *ConversationStore) Touch(_ context.Context, id types.ConversationID, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	c, ok := index[id]
	if !ok {
		return fmt.Errorf("touch conversation %s: %w", id, types.ErrNotFound)
	}
	c.UpdatedAt = s.now()
	if version > c.LatestCheckpoint {
		c.LatestCheckpoint = version
	}
	return s.saveIndex(index)
}

// writeFileAtomic writes to a temp file then renames it over path.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
