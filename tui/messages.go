package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgSessionResumed signals that a persisted session was restored.
type MsgSessionResumed struct{ Info SessionInfo }

// MsgSessionNotFound signals that no session is stored.
type MsgSessionNotFound struct{}

// MsgLoggingIn signals that the login exchange is in progress.
type MsgLoggingIn struct{ Username string }

// MsgLoggedIn signals a successful login.
type MsgLoggedIn struct{ Info SessionInfo }

// MsgLoginFailed signals that the provider refused the login.
type MsgLoginFailed struct{ Err error }

// MsgSessionSaved signals that the session was persisted.
type MsgSessionSaved struct{ Location string }

// MsgSessionSaveFailed signals that persisting the session failed.
type MsgSessionSaveFailed struct{ Err error }

// MsgRenewalScheduled signals when the next proactive renewal fires.
type MsgRenewalScheduled struct{ FireAt time.Time }

// MsgRenewed signals that a new credential pair is current.
type MsgRenewed struct{ Info SessionInfo }

// MsgSessionTerminated signals that the session ended.
type MsgSessionTerminated struct{ Err error }

// MsgLoggedOut signals a completed logout.
type MsgLoggedOut struct{}

// MsgAccessAllowed signals an allowed capability check.
type MsgAccessAllowed struct{ Requirement string }

// MsgAccessDenied signals a denied capability check.
type MsgAccessDenied struct {
	Requirement string
	Err         error
}

// MsgAPICallOK signals that an API call succeeded.
type MsgAPICallOK struct {
	Status int
	Body   string
}

// MsgAPICallFailed signals that an API call failed.
type MsgAPICallFailed struct{ Err error }

// MsgDone signals that the command finished; Info describes the session.
type MsgDone struct{ Info SessionInfo }

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }
