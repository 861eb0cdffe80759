package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/user/convoy/internal/config"
	"github.com/user/convoy/internal/state"
	"github.com/user/convoy/internal/state/sqlstore"
	"github.com/user/convoy/internal/types"
)

type stores struct {
	conversations types.ConversationStore
	checkpoints   types.CheckpointStore
	close         func() error
}

// openStores opens the configured storage backend.
func openStores(cfg *config.Config) (*stores, error) {
	path := cfg.StorePath()
	switch cfg.Store.Backend {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		db, err := sqlstore.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return &stores{
			conversations: db.Conversations(),
			checkpoints:   db.Checkpoints(),
			close:         db.Close,
		}, nil
	case "", "file":
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		return &stores{
			conversations: state.NewConversationStore(path),
			checkpoints:   state.NewCheckpointStore(path),
			close:         func() error { return nil },
		}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
