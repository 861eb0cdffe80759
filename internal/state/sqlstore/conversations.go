package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/user/convoy/internal/types"
)

var _ types.ConversationStore = (*Conversations)(nil)

type Conversations struct {
	s *Store
}

const conversationColumns = `id, owner_user, owner_session, subject, created_at, updated_at, latest_checkpoint`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*types.Conversation, error) {
	var c types.Conversation
	var created, updated string
	if err := row.Scan(&c.ID, &c.Owner.UserID, &c.Owner.AnonymousSession, &c.Subject, &created, &updated, &c.LatestCheckpoint); err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

func (c *Conversations) ResolveOrCreate(ctx context.Context, id types.ConversationID, owner types.Identity, firstMessage string) (*types.Conversation, bool, error) {
	if id != "" && !types.ValidConversationID(id) {
		return nil, false, fmt.Errorf("invalid conversation id %q", id)
	}
	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if id != "" {
		existing, err := scanConversation(tx.QueryRowContext(ctx,
			`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
		switch {
		case err == nil:
			if existing.Owner.Key() != owner.Key() {
				return nil, false, fmt.Errorf("resolve conversation %s: %w", id, types.ErrForbidden)
			}
			return existing, false, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, false, fmt.Errorf("query conversation: %w", err)
		}
	} else {
		id = types.NewConversationID()
	}

	now := c.s.now()
	conv := &types.Conversation{
		ID:        id,
		Owner:     owner,
		Subject:   types.SubjectFrom(firstMessage),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, 0)`,
		conv.ID, owner.UserID, owner.AnonymousSession, conv.Subject, formatTime(now), formatTime(now)); err != nil {
		return nil, false, fmt.Errorf("insert conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit conversation: %w", err)
	}
	return conv, true, nil
}

func (c *Conversations) Get(ctx context.Context, id types.ConversationID) (*types.Conversation, error) {
	conv, err := scanConversation(c.s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return conv, nil
}

func (c *Conversations) List(ctx context.Context, owner *types.Identity) ([]*types.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations`
	var args []any
	if owner != nil {
		query += ` WHERE owner_user = ? AND owner_session = ?`
		args = append(args, owner.UserID, owner.AnonymousSession)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := c.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	convs := []*types.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (c *Conversations) Touch(ctx context.Context, id types.ConversationID, version int) error {
	res, err := c.s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ?, latest_checkpoint = MAX(latest_checkpoint, ?) WHERE id = ?`,
		formatTime(c.s.now()), version, id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("touch conversation %s: %w", id, types.ErrNotFound)
	}
	return nil
}
