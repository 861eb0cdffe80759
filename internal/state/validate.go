package state

import (
	"errors"
	"fmt"

	"github.com/user/convoy/internal/types"
)

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}

// CheckSuccessor enforces the version and history preconditions of a
// checkpoint write against the stored latest version and its message
// count. prevVersion is 0 when the conversation has no checkpoint.
func CheckSuccessor(prevVersion, prevMessages int, next *types.Checkpoint) error {
	want := prevVersion + 1
	if next.Version != want {
		return fmt.Errorf("put version %d, want %d: %w", next.Version, want, types.ErrConflict)
	}
	if n := len(next.ChannelValues.Messages); n < prevMessages {
		return fmt.Errorf("put version %d with %d messages after %d: %w",
			next.Version, n, prevMessages, types.ErrHistoryRegression)
	}
	return nil
}
