package media

import (
	"errors"
	"fmt"
)

// ErrNoAppID is the configuration error: the media application credential is
// absent, joining cannot even start. Fatal, no retry.
var ErrNoAppID = errors.New("media: app id not configured")

// ErrTransportLost reports a mid-call transport disconnection. It is surfaced
// to the user; rejoining is an explicit action, never automatic.
var ErrTransportLost = errors.New("media: transport connection lost")

type JoinCause string

const (
	CauseTokenFetch    JoinCause = "token-fetch-failed"
	CauseTransportJoin JoinCause = "transport-join-failed"
	CauseDevice        JoinCause = "device-unavailable"
)

// JoinError is a failed join attempt. Token fetch failures inside the join
// procedure were already retried; everything else fails the attempt outright
// and the user must retry explicitly.
type JoinError struct {
	Cause JoinCause
	err   error
}

func (e *JoinError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("media join (%s): %v", e.Cause, e.err)
	}
	return fmt.Sprintf("media join (%s)", e.Cause)
}

func (e *JoinError) Unwrap() error { return e.err }
