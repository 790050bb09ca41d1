// Package popserver is the thin POP3 command dispatch layer over
// internal/pop's spool view: USER/PASS/STAT/LIST/RETR/DELE/RSET/NOOP/UIDL/TOP
// against a single user's message list, wire protocol only.
package popserver

import "errors"

// ErrMailboxNotInitialized is returned by any transaction command run before
// a successful PASS has built the session's pop.View.
var ErrMailboxNotInitialized = errors.New("popserver: mailbox not initialized")

// ErrNoSuchMessage is returned for a message number outside the view's range.
var ErrNoSuchMessage = errors.New("popserver: no such message")

// ErrMessageDeleted is returned for a message number already marked deleted
// in the current session.
var ErrMessageDeleted = errors.New("popserver: message already deleted")

// ErrNoAuthAgent is returned by PASS when no authentication agent was
// configured for the listener.
var ErrNoAuthAgent = errors.New("popserver: no authentication agent configured")
