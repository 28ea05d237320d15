package session

import "errors"

var (
	// ErrDuplicateSessionID is returned when scheduling reuses an existing session id.
	ErrDuplicateSessionID = errors.New("session id already exists")
	// ErrDuplicateCarNumber is returned when a roster assigns one car number twice.
	ErrDuplicateCarNumber = errors.New("duplicate car number in session")
	// ErrSessionNotFound is returned when the session id is unknown.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoActiveSession is returned when no session is currently running.
	ErrNoActiveSession = errors.New("no active session")
	// ErrInvalidTransition is returned when a lifecycle transition is not
	// legal from the session's current status.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrInvalidRoster is returned when a roster fails shape validation.
	ErrInvalidRoster = errors.New("invalid roster")
)
