// internal/state/checkpoint.go
package state

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/convoy/internal/types"
)

// checkpointRecord is one line of checkpoints.jsonl.
type checkpointRecord struct {
	Checkpoint *types.Checkpoint        `json:"checkpoint"`
	Metadata   types.CheckpointMetadata `json:"metadata"`
}

// CheckpointStore is a JSONL-backed append-only checkpoint store.
// Checkpoints are stored per conversation in
// conversations/<conversationID>/checkpoints.jsonl, side-effect state in
// conversations/<conversationID>/state.json.
type CheckpointStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.ConversationID]*sync.Mutex
}

// NewCheckpointStore creates a new file-backed CheckpointStore rooted at the given directory.
func NewCheckpointStore(root string) *CheckpointStore {
	return &CheckpointStore{
		root:  root,
		locks: make(map[types.ConversationID]*sync.Mutex),
	}
}

// getLock returns the per-conversation mutex, creating one if it doesn't exist.
func (c *CheckpointStore) getLock(id types.ConversationID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	if lock, ok := c.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	c.locks[id] = lock
	return lock
}

func (c *CheckpointStore) checkpointsPath(id types.ConversationID) string {
	return filepath.Join(c.root, "conversations", string(id), "checkpoints.jsonl")
}

func (c *CheckpointStore) statePath(id types.ConversationID) string {
	return filepath.Join(c.root, "conversations", string(id), "state.json")
}

// readAll returns every stored record in version order. Caller must hold the conversation lock.
func (c *CheckpointStore) readAll(id types.ConversationID) ([]checkpointRecord, error) {
	f, err := os.Open(c.checkpointsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open checkpoints file: %w", err)
	}
	defer f.Close()

	var records []checkpointRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec checkpointRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan checkpoints file: %w", err)
	}
	return records, nil
}

func (c *CheckpointStore) latest(id types.ConversationID) (*types.Checkpoint, error) {
	records, err := c.readAll(id)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("checkpoint for %s: %w", id, types.ErrNotFound)
	}
	return records[len(records)-1].Checkpoint, nil
}

// Get returns the latest checkpoint, or an error wrapping types.ErrNotFound.
func (c *CheckpointStore) Get(_ context.Context, id types.ConversationID) (*types.Checkpoint, error) {
	if !types.ValidConversationID(id) {
		return nil, fmt.Errorf("checkpoint for %q: %w", id, types.ErrNotFound)
	}
	lock := c.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	return c.latest(id)
}

// Put appends cp as the conversation's newest checkpoint. cp.Version must be
// exactly one past the stored version, or 1 for the first write.
func (c *CheckpointStore) Put(_ context.Context, id types.ConversationID, cp *types.Checkpoint, meta types.CheckpointMetadata) error {
	if !types.ValidConversationID(id) {
		return fmt.Errorf("put checkpoint: invalid conversation id %q", id)
	}
	lock := c.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	prev, err := c.latest(id)
	if err != nil && !isNotFound(err) {
		return err
	}
	prevVersion, prevMessages := 0, 0
	if prev != nil {
		prevVersion, prevMessages = prev.Version, len(prev.ChannelValues.Messages)
	}
	if err := CheckSuccessor(prevVersion, prevMessages, cp); err != nil {
		return err
	}
	cp.ConversationID = id

	data, err := json.Marshal(checkpointRecord{Checkpoint: cp, Metadata: meta})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	path := c.checkpointsPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create conversation dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open checkpoints file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return f.Sync()
}

// ListMessages returns the message history of the latest checkpoint.
func (c *CheckpointStore) ListMessages(ctx context.Context, id types.ConversationID) ([]types.Message, error) {
	cp, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return cp.ChannelValues.Messages, nil
}

// History returns up to limit of the newest checkpoints in version order.
func (c *CheckpointStore) History(_ context.Context, id types.ConversationID, limit int) ([]*types.Checkpoint, error) {
	if !types.ValidConversationID(id) {
		return nil, fmt.Errorf("history for %q: %w", id, types.ErrNotFound)
	}
	lock := c.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	records, err := c.readAll(id)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := make([]*types.Checkpoint, len(records))
	for i, rec := range records {
		out[i] = rec.Checkpoint
	}
	return out, nil
}

// Prune drops all but the newest keep checkpoints and returns how many were
// removed. The latest checkpoint is always kept.
func (c *CheckpointStore) Prune(_ context.Context, id types.ConversationID, keep int) (int, error) {
	if !types.ValidConversationID(id) {
		return 0, fmt.Errorf("prune checkpoints: invalid conversation id %q", id)
	}
	if keep < 1 {
		keep = 1
	}
	lock := c.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	records, err := c.readAll(id)
	if err != nil {
		return 0, err
	}
	if len(records) <= keep {
		return 0, nil
	}
	removed := len(records) - keep
	records = records[removed:]

	var buf bytes.Buffer
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return 0, fmt.Errorf("marshal checkpoint: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if err := writeFileAtomic(c.checkpointsPath(id), buf.Bytes()); err != nil {
		return 0, fmt.Errorf("rewrite checkpoints: %w", err)
	}
	return removed, nil
}

// UpdateState runs fn on the conversation's side-effect state under the
// conversation lock and saves the result. Nothing is written when fn fails.
func (c *CheckpointStore) UpdateState(_ context.Context, id types.ConversationID, fn func(*types.ConversationState) error) error {
	if !types.ValidConversationID(id) {
		return fmt.Errorf("update state: invalid conversation id %q", id)
	}
	lock := c.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	var st types.ConversationState
	data, err := os.ReadFile(c.statePath(id))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("unmarshal conversation state: %w", err)
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("read conversation state: %w", err)
	}

	if err := fn(&st); err != nil {
		return err
	}

	data, err = json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation state: %w", err)
	}
	return writeFileAtomic(c.statePath(id), data)
}
