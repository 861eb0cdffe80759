// Package emit holds the small producers that inject side-effect events
// (memory retrieval and storage, tool progress, UI invalidation) into a
// turn's event queue.
package emit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/convoy/internal/events"
	"github.com/user/convoy/internal/types"
)

var (
	ErrMemoryRateLimited = errors.New("memory stored too recently")
	ErrMemoryQuota       = errors.New("memory quota for conversation reached")
)

type MemoryHit struct {
	ID      string
	Content string
	Score   float64
}

// MemorySource answers retrieval queries. Ranking is its concern.
type MemorySource interface {
	Search(ctx context.Context, query string, limit int) ([]MemoryHit, error)
}

// StateStore holds conversation-scoped side-effect state. Both checkpoint
// stores implement it.
type StateStore interface {
	UpdateState(ctx context.Context, id types.ConversationID, fn func(*types.ConversationState) error) error
}

type MemoryQuota struct {
	MinInterval        time.Duration
	MaxPerConversation int
}

func DefaultMemoryQuota() MemoryQuota {
	return MemoryQuota{MinInterval: 30 * time.Second, MaxPerConversation: 3}
}

type MemoryEmitter struct {
	out    events.Emitter
	source MemorySource
	state  StateStore
	quota  MemoryQuota
	limit  int
	now    func() time.Time
	logger *slog.Logger
}

func NewMemoryEmitter(out events.Emitter, source MemorySource, state StateStore, quota MemoryQuota) *MemoryEmitter {
	return &MemoryEmitter{
		out:    out,
		source: source,
		state:  state,
		quota:  quota,
		limit:  5,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// Retrieved searches the memory source and emits one retrieved event per
// hit. It returns the hits so the caller can use them.
func (m *MemoryEmitter) Retrieved(ctx context.Context, query string) ([]MemoryHit, error) {
	if m.source == nil {
		return nil, nil
	}
	hits, err := m.source.Search(ctx, query, m.limit)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	for _, h := range hits {
		ev := events.Memory{
			SubType: events.MemoryRetrieved,
			Content: h.Content,
			Meta:    map[string]any{"id": h.ID, "score": h.Score, "query": query},
		}
		if err := m.out.Emit(ctx, ev); err != nil {
			return hits, err
		}
	}
	return hits, nil
}

// Stored records a memory for conv if the conversation's quota allows it.
// save runs under the conversation's state lock after the quota check
// passed; the counters only advance when it succeeds. It reports whether the
// memory was stored. Quota rejections are not errors.
func (m *MemoryEmitter) Stored(ctx context.Context, conv types.ConversationID, content string, save func(context.Context) (string, error)) (bool, error) {
	if m.state == nil {
		return false, errors.New("memory state store not configured")
	}
	now := m.now()
	var id string
	err := m.state.UpdateState(ctx, conv, func(st *types.ConversationState) error {
		if m.quota.MaxPerConversation > 0 && st.MemoriesStored >= m.quota.MaxPerConversation {
			return ErrMemoryQuota
		}
		if !st.LastMemoryAt.IsZero() && now.Sub(st.LastMemoryAt) < m.quota.MinInterval {
			return ErrMemoryRateLimited
		}
		if save != nil {
			var err error
			if id, err = save(ctx); err != nil {
				return fmt.Errorf("save memory: %w", err)
			}
		}
		st.MemoriesStored++
		st.LastMemoryAt = now
		return nil
	})
	if errors.Is(err, ErrMemoryQuota) || errors.Is(err, ErrMemoryRateLimited) {
		m.logger.Info("memory not stored", "conversation_id", conv, "reason", err)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	meta := map[string]any{}
	if id != "" {
		meta["id"] = id
	}
	if err := m.out.Emit(ctx, events.Memory{SubType: events.MemoryStored, Content: content, Meta: meta}); err != nil {
		return true, err
	}
	return true, nil
}
