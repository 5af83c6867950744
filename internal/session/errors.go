package session

import "errors"

var (
	// ErrNotFound is returned when a conversation ID names no session.
	ErrNotFound = errors.New("session: not found")
	// ErrNotResumable is returned when a session exists but its status
	// or age disqualifies it from resumption.
	ErrNotResumable = errors.New("session: not resumable")
)
