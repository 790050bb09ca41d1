package popserver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// statCommand implements STAT (RFC 1939).
type statCommand struct{}

func (c *statCommand) Name() string { return "STAT" }

func (c *statCommand) Execute(_ context.Context, sess *Session, _ ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) > 0 {
		return Response{OK: false, Message: "STAT takes no arguments"}, nil
	}
	v := sess.View()
	return Response{OK: true, Message: fmt.Sprintf("%d %d", v.MessageCount(), v.TotalByteCount())}, nil
}

// listCommand implements LIST (RFC 1939).
type listCommand struct{}

func (c *listCommand) Name() string { return "LIST" }

func (c *listCommand) Execute(_ context.Context, sess *Session, _ ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	v := sess.View()

	if len(args) == 0 {
		var lines []string
		for i := 1; i <= v.Count(); i++ {
			if v.Valid(i) {
				lines = append(lines, fmt.Sprintf("%d %d", i, v.ByteCount(i)))
			}
		}
		return Response{
			OK:      true,
			Message: fmt.Sprintf("%d messages (%d octets)", v.MessageCount(), v.TotalByteCount()),
			Lines:   lines,
		}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "LIST takes at most one argument"}, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}
	if err := sess.checkMessageNumber(n); err != nil {
		return listLikeErrorResponse(err)
	}
	return Response{OK: true, Message: fmt.Sprintf("%d %d", n, v.ByteCount(n))}, nil
}

// retrCommand implements RETR (RFC 1939).
type retrCommand struct{}

func (c *retrCommand) Name() string { return "RETR" }

func (c *retrCommand) Execute(_ context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "RETR requires a message number"}, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}
	if err := sess.checkMessageNumber(n); err != nil {
		return listLikeErrorResponse(err)
	}

	v := sess.View()
	f, err := v.Content(n)
	if err != nil {
		conn.Logger().Error("failed to open message content", "n", n, "error", err)
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		conn.Logger().Error("failed to read message content", "n", n, "error", err)
		return Response{OK: false, Message: "Failed to read message"}, nil
	}

	return Response{OK: true, Message: fmt.Sprintf("%d octets", v.ByteCount(n)), Lines: splitLines(content)}, nil
}

// deleCommand implements DELE (RFC 1939).
type deleCommand struct{}

func (c *deleCommand) Name() string { return "DELE" }

func (c *deleCommand) Execute(_ context.Context, sess *Session, _ ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "DELE requires a message number"}, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}
	if err := sess.checkMessageNumber(n); err != nil {
		return listLikeErrorResponse(err)
	}
	sess.View().Remove(n)
	return Response{OK: true, Message: fmt.Sprintf("message %d deleted", n)}, nil
}

// rsetCommand implements RSET (RFC 1939).
type rsetCommand struct{}

func (c *rsetCommand) Name() string { return "RSET" }

func (c *rsetCommand) Execute(_ context.Context, sess *Session, _ ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) > 0 {
		return Response{OK: false, Message: "RSET takes no arguments"}, nil
	}
	sess.View().Rollback()
	return Response{OK: true, Message: fmt.Sprintf("maildrop has %d messages", sess.View().MessageCount())}, nil
}

// noopCommand implements NOOP (RFC 1939).
type noopCommand struct{}

func (c *noopCommand) Name() string { return "NOOP" }

func (c *noopCommand) Execute(_ context.Context, _ *Session, _ ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{OK: false, Message: "NOOP takes no arguments"}, nil
	}
	return Response{OK: true}, nil
}

// uidlCommand implements UIDL (RFC 1939).
type uidlCommand struct{}

func (c *uidlCommand) Name() string { return "UIDL" }

func (c *uidlCommand) Execute(_ context.Context, sess *Session, _ ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	v := sess.View()

	if len(args) == 0 {
		var lines []string
		for i := 1; i <= v.Count(); i++ {
			if v.Valid(i) {
				uidl, _ := v.Uidl(i)
				lines = append(lines, fmt.Sprintf("%d %s", i, uidl))
			}
		}
		return Response{OK: true, Lines: lines}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "UIDL takes at most one argument"}, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}
	if err := sess.checkMessageNumber(n); err != nil {
		return listLikeErrorResponse(err)
	}
	uidl, err := v.Uidl(n)
	if err != nil {
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}
	return Response{OK: true, Message: fmt.Sprintf("%d %s", n, uidl)}, nil
}

// topCommand implements TOP (RFC 2449): headers plus n lines of body.
type topCommand struct{}

func (c *topCommand) Name() string { return "TOP" }

func (c *topCommand) Execute(_ context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 2 {
		return Response{OK: false, Message: "TOP requires a message number and line count"}, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}
	lineCount, err := strconv.Atoi(args[1])
	if err != nil || lineCount < 0 {
		return Response{OK: false, Message: "Invalid line count"}, nil
	}
	if err := sess.checkMessageNumber(n); err != nil {
		return listLikeErrorResponse(err)
	}

	f, err := sess.View().Content(n)
	if err != nil {
		conn.Logger().Error("failed to open message content", "n", n, "error", err)
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}
	defer f.Close()

	lines, err := extractTopLines(f, lineCount)
	if err != nil {
		conn.Logger().Error("failed to parse message", "n", n, "error", err)
		return Response{OK: false, Message: "Failed to read message"}, nil
	}
	return Response{OK: true, Lines: lines}, nil
}

// listLikeErrorResponse maps checkMessageNumber's sentinel errors to the
// -ERR text POP3 clients expect for STAT/LIST/RETR/DELE/UIDL/TOP.
func listLikeErrorResponse(err error) (Response, error) {
	switch {
	case errors.Is(err, ErrMailboxNotInitialized):
		return Response{OK: false, Message: "Mailbox not open"}, nil
	case errors.Is(err, ErrNoSuchMessage), errors.Is(err, ErrMessageDeleted):
		return Response{OK: false, Message: "No such message"}, nil
	default:
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}
}

// splitLines normalises line endings and drops a trailing empty line from a
// terminating newline, for RETR's per-line response framing.
func splitLines(content []byte) []string {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

// extractTopLines returns the header block plus up to bodyLines lines of
// body, splitting on the first blank line.
func extractTopLines(r io.Reader, bodyLines int) ([]string, error) {
	scanner := bufio.NewScanner(r)
	var lines []string
	inBody := false
	bodyCount := 0

	for scanner.Scan() {
		line := scanner.Text()
		if !inBody {
			lines = append(lines, line)
			if line == "" {
				inBody = true
			}
			continue
		}
		if bodyCount >= bodyLines {
			break
		}
		lines = append(lines, line)
		bodyCount++
	}
	return lines, scanner.Err()
}
