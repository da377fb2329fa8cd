package instance

import "errors"

var (
	ErrNotFound = errors.New("instance not found")

	ErrNotTerminal = errors.New("instance is not in a terminal state")

	ErrInvalidSpec = errors.New("invalid instance spec")

	ErrQuotaExceeded = errors.New("tenant quota exceeded")
)
