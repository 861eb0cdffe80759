package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/user/convoy/internal/state"
	"github.com/user/convoy/internal/types"
)

var _ types.CheckpointStore = (*Checkpoints)(nil)

type Checkpoints struct {
	s *Store
}

func (c *Checkpoints) Get(ctx context.Context, id types.ConversationID) (*types.Checkpoint, error) {
	var payload, digest []byte
	err := c.s.db.QueryRowContext(ctx,
		`SELECT payload, digest FROM checkpoints WHERE conversation_id = ? ORDER BY version DESC LIMIT 1`, id).
		Scan(&payload, &digest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint for %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	return decodeCheckpoint(payload, digest)
}

func (c *Checkpoints) Put(ctx context.Context, id types.ConversationID, cp *types.Checkpoint, meta types.CheckpointMetadata) error {
	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var prevVersion, prevMessages int
	err = tx.QueryRowContext(ctx,
		`SELECT version, message_count FROM checkpoints WHERE conversation_id = ? ORDER BY version DESC LIMIT 1`, id).
		Scan(&prevVersion, &prevMessages)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query latest checkpoint: %w", err)
	}
	if err := state.CheckSuccessor(prevVersion, prevMessages, cp); err != nil {
		return err
	}

	cp.ConversationID = id
	payload, digest, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (conversation_id, version, message_count, payload, digest, source, request_id, outcome, written_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, cp.Version, len(cp.ChannelValues.Messages), payload, digest,
		meta.Source, string(meta.RequestID), meta.Outcome, formatTime(cp.WrittenAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("put version %d: %w", cp.Version, types.ErrConflict)
		}
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

func (c *Checkpoints) ListMessages(ctx context.Context, id types.ConversationID) ([]types.Message, error) {
	cp, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return cp.ChannelValues.Messages, nil
}

func (c *Checkpoints) History(ctx context.Context, id types.ConversationID, limit int) ([]*types.Checkpoint, error) {
	query := `SELECT payload, digest FROM checkpoints WHERE conversation_id = ? ORDER BY version DESC`
	args := []any{id}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := c.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []*types.Checkpoint
	for rows.Next() {
		var payload, digest []byte
		if err := rows.Scan(&payload, &digest); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp, err := decodeCheckpoint(payload, digest)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Oldest first, matching the file store.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (c *Checkpoints) Prune(ctx context.Context, id types.ConversationID, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := c.s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE conversation_id = ? AND version <= (
			SELECT MAX(version) FROM checkpoints WHERE conversation_id = ?) - ?`,
		id, id, keep)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (c *Checkpoints) UpdateState(ctx context.Context, id types.ConversationID, fn func(*types.ConversationState) error) error {
	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var st types.ConversationState
	var raw string
	err = tx.QueryRowContext(ctx, `SELECT state FROM conversation_state WHERE conversation_id = ?`, id).Scan(&raw)
	switch {
	case err == nil:
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return fmt.Errorf("unmarshal conversation state: %w", err)
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("query conversation state: %w", err)
	}

	if err := fn(&st); err != nil {
		return err
	}

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal conversation state: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_state (conversation_id, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		id, string(data), formatTime(c.s.now())); err != nil {
		return fmt.Errorf("save conversation state: %w", err)
	}
	return tx.Commit()
}
