package popserver

import (
	"context"
	"fmt"

	autherrors "github.com/infodancer/auth/errors"
)

// userCommand implements USER (RFC 1939).
type userCommand struct{}

func (c *userCommand) Name() string { return "USER" }

func (c *userCommand) Execute(_ context.Context, sess *Session, _ ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "USER requires a username"}, nil
	}
	sess.SetUsername(args[0])
	return Response{OK: true, Message: "User accepted, send PASS"}, nil
}

// passCommand implements PASS (RFC 1939).
type passCommand struct{}

func (c *passCommand) Name() string { return "PASS" }

func (c *passCommand) Execute(ctx context.Context, sess *Session, _ ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if sess.Username() == "" {
		return Response{OK: false, Message: "USER required first"}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "PASS requires a password"}, nil
	}

	if err := sess.Authenticate(ctx, sess.Username(), args[0]); err != nil {
		if err == autherrors.ErrAuthFailed || err == autherrors.ErrUserNotFound {
			return Response{OK: false, Message: "Authentication failed"}, nil
		}
		return Response{OK: false, Message: "Unable to open mailbox"}, nil
	}

	return Response{OK: true, Message: fmt.Sprintf("Mailbox open, %d messages", sess.View().MessageCount())}, nil
}

// quitCommand implements QUIT (RFC 1939). From StateTransaction it enters
// StateUpdate and commits pending deletions; from StateAuthorization it
// just ends the session with nothing to persist.
type quitCommand struct{}

func (c *quitCommand) Name() string { return "QUIT" }

func (c *quitCommand) Execute(_ context.Context, sess *Session, _ ConnectionLogger, _ []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: true, Message: "signing off"}, nil
	}

	sess.EnterUpdate()
	if err := sess.View().Commit(); err != nil {
		return Response{OK: false, Message: "Some deleted messages not removed"}, nil
	}
	return Response{OK: true, Message: "signing off"}, nil
}
