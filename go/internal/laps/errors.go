package laps

import "errors"

// ErrUnknownSession is returned when a crossing references a session id
// that does not exist in the store.
var ErrUnknownSession = errors.New("unknown session")
