package session

import "errors"

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session not found")

	// ErrNameCollision is returned when a tmux session name is already live
	// or already tracked.
	ErrNameCollision = errors.New("session name already in use")
)
