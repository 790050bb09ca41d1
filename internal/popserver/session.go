package popserver

import (
	"context"

	"github.com/infodancer/auth"

	"github.com/infodancer/emailrelay/internal/pop"
)

// State is the POP3 session state machine (RFC 1939 section 3).
type State int

const (
	// StateAuthorization is the initial state: USER, PASS and QUIT are
	// valid (NOOP checks no state and is accepted in every state).
	StateAuthorization State = iota
	// StateTransaction follows a successful PASS.
	StateTransaction
	// StateUpdate is entered by QUIT from StateTransaction, to commit
	// pending deletions before closing.
	StateUpdate
)

func (s State) String() string {
	switch s {
	case StateAuthorization:
		return "AUTHORIZATION"
	case StateTransaction:
		return "TRANSACTION"
	case StateUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// Session holds one connection's POP3 state: its place in the state
// machine, the pending username from USER, and once authenticated, the
// pop.View backing every transaction command.
type Session struct {
	hostname  string
	spoolDir  string
	authAgent auth.AuthenticationAgent

	byName      bool
	byNameMkdir bool
	allowDelete bool

	state    State
	username string
	view     *pop.View
}

// Options configures the pop-by-name mailbox layout a Session authenticates
// against.
type Options struct {
	// ByName, when true, looks up each user's messages in its own
	// spoolDir/user sub-directory rather than the spool root.
	ByName bool
	// ByNameMkdir, when true, creates a user's pop-by-name sub-directory on
	// first successful authentication if it does not already exist.
	ByNameMkdir bool
	// AllowDelete permits DELE/RSET/QUIT-commit to actually remove
	// messages; when false, DELE still marks a message but QUIT never
	// unlinks anything.
	AllowDelete bool
}

// NewSession returns a fresh session in StateAuthorization.
func NewSession(hostname, spoolDir string, authAgent auth.AuthenticationAgent, opts Options) *Session {
	return &Session{
		hostname:    hostname,
		spoolDir:    spoolDir,
		authAgent:   authAgent,
		byName:      opts.ByName,
		byNameMkdir: opts.ByNameMkdir,
		allowDelete: opts.AllowDelete,
		state:       StateAuthorization,
	}
}

// State returns the current POP3 state.
func (s *Session) State() State { return s.state }

// Username returns the name given to USER, set even before PASS succeeds.
func (s *Session) Username() string { return s.username }

// SetUsername records the USER argument.
func (s *Session) SetUsername(u string) { s.username = u }

// Authenticate verifies username/password via the configured auth agent,
// provisions the user's pop-by-name mailbox if needed, and on success opens
// its View and transitions to StateTransaction.
func (s *Session) Authenticate(ctx context.Context, username, password string) error {
	if s.authAgent == nil {
		return ErrNoAuthAgent
	}
	if _, err := s.authAgent.Authenticate(ctx, username, password); err != nil {
		return err
	}
	if s.byName && s.byNameMkdir {
		if err := pop.Provision(s.spoolDir, username); err != nil {
			return err
		}
	}
	v, err := pop.NewView(s.spoolDir, username, s.byName, s.allowDelete)
	if err != nil {
		return err
	}
	s.username = username
	s.view = v
	s.state = StateTransaction
	return nil
}

// View returns the authenticated session's message list, or nil before
// PASS succeeds.
func (s *Session) View() *pop.View { return s.view }

// EnterUpdate transitions StateTransaction -> StateUpdate on QUIT, so a
// handler can tell "QUIT before auth" apart from "QUIT after a real
// transaction" when deciding whether to commit.
func (s *Session) EnterUpdate() {
	if s.state == StateTransaction {
		s.state = StateUpdate
	}
}

// checkMessageNumber validates a POP3 message-number argument against the
// session's view, distinguishing "no such message" from "already deleted"
// the way RFC 1939 replies do.
func (s *Session) checkMessageNumber(n int) error {
	if s.view == nil {
		return ErrMailboxNotInitialized
	}
	if !s.view.Exists(n) {
		return ErrNoSuchMessage
	}
	if !s.view.Valid(n) {
		return ErrMessageDeleted
	}
	return nil
}
