package session

import "errors"

var (
	// ErrDuplicateSession is returned when creating a session whose ID is
	// already active.
	ErrDuplicateSession = errors.New("session already exists")

	// ErrSessionNotFound is returned by Store.Load when no record exists.
	ErrSessionNotFound = errors.New("session not found")

	// ErrCapacityExceeded is returned when a session limit is reached
	// and no capacity can be reclaimed: the per-owner limit with eviction
	// disabled, or the global concurrent-session cap.
	ErrCapacityExceeded = errors.New("session capacity exceeded")
)
