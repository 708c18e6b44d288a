package domain

import "errors"

// Sentinel errors surfaced to the transport layer as 4xx responses.
var (
	// ErrRunNotFound means no run exists with the given ID.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunInProgress means the run is queued or running and cannot accept
	// a follow-up message yet.
	ErrRunInProgress = errors.New("run is in progress")

	// ErrNoActiveTurn means the run has no turn to stop.
	ErrNoActiveTurn = errors.New("run has no active turn")

	// ErrCancelled is raised inside the turn processor when cancellation of
	// the current turn has been requested.
	ErrCancelled = errors.New("turn cancelled")

	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid request")
)
