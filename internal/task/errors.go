package task

import "errors"

var (
	// ErrInvalidState is returned when a lifecycle method is called from a
	// status that forbids it. Task state is left untouched.
	ErrInvalidState = errors.New("invalid task state for operation")
	// ErrNotResumable is returned by Suspend and Resume on task kinds that
	// carry no resumable state.
	ErrNotResumable = errors.New("task is not resumable")
	// ErrSourceChanged reports that the remote file changed size between
	// the start of a transfer and a later resume.
	ErrSourceChanged = errors.New("remote file changed since transfer started")
	// ErrDestinationChanged reports that a destination no longer holds the
	// bytes recorded as received, so the transfer cannot continue from it.
	ErrDestinationChanged = errors.New("destination does not hold the received bytes")
	// ErrCancelled is delivered through the terminal notification of a
	// cancelled task.
	ErrCancelled = errors.New("task cancelled")
)
