package types

import "errors"

var (
	// ErrNotFound is returned when a conversation or checkpoint does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by Put when the checkpoint version is not
	// exactly one past the stored version. It is retryable after a re-read.
	ErrConflict = errors.New("checkpoint version conflict")

	// ErrHistoryRegression is returned by Put when the new checkpoint has
	// fewer messages than the one it replaces.
	ErrHistoryRegression = errors.New("checkpoint history shorter than previous")

	// ErrForbidden is returned when an identity does not own a conversation.
	ErrForbidden = errors.New("conversation owned by another identity")
)
