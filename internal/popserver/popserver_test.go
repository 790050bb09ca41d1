package popserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/infodancer/auth"

	"github.com/infodancer/emailrelay/internal/pop"
)

// fakeAuthAgent implements auth.AuthenticationAgent for a single known user.
type fakeAuthAgent struct {
	username string
	password string
}

func (f *fakeAuthAgent) Authenticate(_ context.Context, username, password string) (*auth.AuthSession, error) {
	if username != f.username || password != f.password {
		return nil, errors.New("bad credentials")
	}
	return &auth.AuthSession{User: &auth.User{Username: username}}, nil
}

func (f *fakeAuthAgent) UserExists(_ context.Context, username string) (bool, error) {
	return username == f.username, nil
}

func (f *fakeAuthAgent) Close() error { return nil }

func writeMessage(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".envelope"), []byte("#2821.8\n"), 0640); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".content"), []byte(body), 0640); err != nil {
		t.Fatalf("write content: %v", err)
	}
}

// newAuthorizedSession builds a spool with two messages for alice, already
// delivered pop-by-name, then runs USER/PASS to reach StateTransaction.
func newAuthorizedSession(t *testing.T) *Session {
	t.Helper()
	sdir := t.TempDir()
	if err := os.Mkdir(filepath.Join(sdir, "alice"), 0700); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	writeMessage(t, filepath.Join(sdir, "alice"), "emailrelay.1.1.1", "first message\n")
	writeMessage(t, filepath.Join(sdir, "alice"), "emailrelay.1.1.2", "second\nhas two lines\n")

	agent := &fakeAuthAgent{username: "alice", password: "secret"}
	sess := NewSession("mail.example.com", sdir, agent, Options{ByName: true, ByNameMkdir: true, AllowDelete: true})

	ctx := context.Background()
	userCmd, _ := (&userCommand{}).Execute(ctx, sess, nil, []string{"alice"})
	if !userCmd.OK {
		t.Fatalf("USER failed: %+v", userCmd)
	}
	passCmd, err := (&passCommand{}).Execute(ctx, sess, nil, []string{"secret"})
	if err != nil || !passCmd.OK {
		t.Fatalf("PASS failed: %+v, %v", passCmd, err)
	}
	return sess
}

func TestUserPassWrongPasswordFails(t *testing.T) {
	sdir := t.TempDir()
	if err := os.Mkdir(filepath.Join(sdir, "alice"), 0700); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	agent := &fakeAuthAgent{username: "alice", password: "secret"}
	sess := NewSession("mail.example.com", sdir, agent, Options{ByName: true, ByNameMkdir: true, AllowDelete: true})

	ctx := context.Background()
	if _, err := (&userCommand{}).Execute(ctx, sess, nil, []string{"alice"}); err != nil {
		t.Fatalf("USER: %v", err)
	}
	resp, err := (&passCommand{}).Execute(ctx, sess, nil, []string{"wrong"})
	if err != nil {
		t.Fatalf("PASS: %v", err)
	}
	if resp.OK {
		t.Fatalf("PASS with wrong password should fail")
	}
	if sess.State() != StateAuthorization {
		t.Fatalf("state = %v, want StateAuthorization", sess.State())
	}
}

func TestPassBeforeUserRejected(t *testing.T) {
	sess := NewSession("mail.example.com", t.TempDir(), &fakeAuthAgent{username: "alice", password: "secret"}, Options{ByName: true, ByNameMkdir: true, AllowDelete: true})
	resp, err := (&passCommand{}).Execute(context.Background(), sess, nil, []string{"secret"})
	if err != nil {
		t.Fatalf("PASS: %v", err)
	}
	if resp.OK {
		t.Fatalf("PASS before USER should fail")
	}
}

func TestStatReportsCountAndSize(t *testing.T) {
	sess := newAuthorizedSession(t)
	resp, err := (&statCommand{}).Execute(context.Background(), sess, nil, nil)
	if err != nil || !resp.OK {
		t.Fatalf("STAT failed: %+v, %v", resp, err)
	}
	want := "2 " // two messages, followed by a total byte count
	if !strings.HasPrefix(resp.Message, want) {
		t.Fatalf("STAT message = %q, want prefix %q", resp.Message, want)
	}
}

func TestListWithNoArgumentListsAllMessages(t *testing.T) {
	sess := newAuthorizedSession(t)
	resp, err := (&listCommand{}).Execute(context.Background(), sess, nil, nil)
	if err != nil || !resp.OK {
		t.Fatalf("LIST failed: %+v, %v", resp, err)
	}
	if len(resp.Lines) != 2 {
		t.Fatalf("LIST lines = %d, want 2", len(resp.Lines))
	}
	if !strings.HasPrefix(resp.Lines[0], "1 ") || !strings.HasPrefix(resp.Lines[1], "2 ") {
		t.Fatalf("LIST lines = %v", resp.Lines)
	}
}

func TestListWithArgumentReturnsOneMessage(t *testing.T) {
	sess := newAuthorizedSession(t)
	resp, err := (&listCommand{}).Execute(context.Background(), sess, nil, []string{"1"})
	if err != nil || !resp.OK {
		t.Fatalf("LIST 1 failed: %+v, %v", resp, err)
	}
	if !strings.HasPrefix(resp.Message, "1 ") {
		t.Fatalf("LIST 1 message = %q", resp.Message)
	}
}

func TestListUnknownMessageFails(t *testing.T) {
	sess := newAuthorizedSession(t)
	resp, err := (&listCommand{}).Execute(context.Background(), sess, nil, []string{"99"})
	if err != nil {
		t.Fatalf("LIST 99: %v", err)
	}
	if resp.OK {
		t.Fatalf("LIST 99 should fail")
	}
}

func TestRetrReturnsContentLines(t *testing.T) {
	sess := newAuthorizedSession(t)
	resp, err := (&retrCommand{}).Execute(context.Background(), sess, noopLogger{}, []string{"2"})
	if err != nil || !resp.OK {
		t.Fatalf("RETR 2 failed: %+v, %v", resp, err)
	}
	if len(resp.Lines) != 2 || resp.Lines[0] != "second" || resp.Lines[1] != "has two lines" {
		t.Fatalf("RETR lines = %v", resp.Lines)
	}
}

func TestDeleThenRetrFails(t *testing.T) {
	sess := newAuthorizedSession(t)
	ctx := context.Background()
	delResp, err := (&deleCommand{}).Execute(ctx, sess, nil, []string{"1"})
	if err != nil || !delResp.OK {
		t.Fatalf("DELE 1 failed: %+v, %v", delResp, err)
	}
	retrResp, err := (&retrCommand{}).Execute(ctx, sess, noopLogger{}, []string{"1"})
	if err != nil {
		t.Fatalf("RETR 1: %v", err)
	}
	if retrResp.OK {
		t.Fatalf("RETR of deleted message should fail")
	}
}

func TestDeleTwiceFails(t *testing.T) {
	sess := newAuthorizedSession(t)
	ctx := context.Background()
	if _, err := (&deleCommand{}).Execute(ctx, sess, nil, []string{"1"}); err != nil {
		t.Fatalf("DELE 1: %v", err)
	}
	resp, err := (&deleCommand{}).Execute(ctx, sess, nil, []string{"1"})
	if err != nil {
		t.Fatalf("DELE 1 again: %v", err)
	}
	if resp.OK {
		t.Fatalf("second DELE of same message should fail")
	}
}

func TestRsetClearsDeleteMarks(t *testing.T) {
	sess := newAuthorizedSession(t)
	ctx := context.Background()
	if _, err := (&deleCommand{}).Execute(ctx, sess, nil, []string{"1"}); err != nil {
		t.Fatalf("DELE 1: %v", err)
	}
	if sess.View().MessageCount() != 1 {
		t.Fatalf("MessageCount after DELE = %d, want 1", sess.View().MessageCount())
	}
	resp, err := (&rsetCommand{}).Execute(ctx, sess, nil, nil)
	if err != nil || !resp.OK {
		t.Fatalf("RSET failed: %+v, %v", resp, err)
	}
	if sess.View().MessageCount() != 2 {
		t.Fatalf("MessageCount after RSET = %d, want 2", sess.View().MessageCount())
	}
}

func TestUidlReturnsStableIdentifiers(t *testing.T) {
	sess := newAuthorizedSession(t)
	resp, err := (&uidlCommand{}).Execute(context.Background(), sess, nil, []string{"1"})
	if err != nil || !resp.OK {
		t.Fatalf("UIDL 1 failed: %+v, %v", resp, err)
	}
	if !strings.HasSuffix(resp.Message, ".content") {
		t.Fatalf("UIDL message = %q, want suffix .content", resp.Message)
	}
}

func TestTopReturnsHeadersAndLimitedBody(t *testing.T) {
	sdir := t.TempDir()
	edir := filepath.Join(sdir, "alice")
	if err := os.Mkdir(edir, 0700); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	writeMessage(t, edir, "emailrelay.1.1.3",
		"Subject: hi\nFrom: bob@example.com\n\nline one\nline two\nline three\n")

	view, err := pop.NewView(sdir, "alice", true, true)
	if err != nil {
		t.Fatalf("NewView: %v", err)
	}
	sess := NewSession("mail.example.com", sdir, &fakeAuthAgent{username: "alice", password: "secret"}, Options{ByName: true, ByNameMkdir: true, AllowDelete: true})
	sess.view = view
	sess.state = StateTransaction

	resp, err := (&topCommand{}).Execute(context.Background(), sess, noopLogger{}, []string{"1", "1"})
	if err != nil || !resp.OK {
		t.Fatalf("TOP 1 1 failed: %+v, %v", resp, err)
	}
	want := []string{"Subject: hi", "From: bob@example.com", "", "line one"}
	if len(resp.Lines) != len(want) {
		t.Fatalf("TOP lines = %v, want %v", resp.Lines, want)
	}
	for i := range want {
		if resp.Lines[i] != want[i] {
			t.Fatalf("TOP lines[%d] = %q, want %q", i, resp.Lines[i], want[i])
		}
	}
}

func TestNoopTakesNoArguments(t *testing.T) {
	resp, err := (&noopCommand{}).Execute(context.Background(), nil, nil, []string{"extra"})
	if err != nil {
		t.Fatalf("NOOP: %v", err)
	}
	if resp.OK {
		t.Fatalf("NOOP with arguments should fail")
	}
}

func TestQuitFromTransactionCommitsDeletes(t *testing.T) {
	sess := newAuthorizedSession(t)
	ctx := context.Background()
	if _, err := (&deleCommand{}).Execute(ctx, sess, nil, []string{"1"}); err != nil {
		t.Fatalf("DELE 1: %v", err)
	}
	resp, err := (&quitCommand{}).Execute(ctx, sess, nil, nil)
	if err != nil || !resp.OK {
		t.Fatalf("QUIT failed: %+v, %v", resp, err)
	}
	if sess.State() != StateUpdate {
		t.Fatalf("state after QUIT = %v, want StateUpdate", sess.State())
	}
	if _, err := os.Stat(filepath.Join(sess.spoolDir, "alice", "emailrelay.1.1.1.envelope")); !os.IsNotExist(err) {
		t.Fatalf("expected envelope 1 removed after QUIT commit, err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(sess.spoolDir, "alice", "emailrelay.1.1.2.envelope")); err != nil {
		t.Fatalf("expected envelope 2 to remain, err=%v", err)
	}
}

func TestResponseStringDotStuffsLeadingDot(t *testing.T) {
	resp := Response{OK: true, Message: "hi", Lines: []string{".leading dot", "plain"}}
	s := resp.String()
	if !strings.Contains(s, "\r\n..leading dot\r\n") {
		t.Fatalf("response did not dot-stuff: %q", s)
	}
	if !strings.HasSuffix(s, ".\r\n") {
		t.Fatalf("response missing terminator: %q", s)
	}
}

func TestParseCommandUppercasesName(t *testing.T) {
	name, args := ParseCommand("user  alice ")
	if name != "USER" {
		t.Fatalf("name = %q, want USER", name)
	}
	if len(args) != 1 || args[0] != "alice" {
		t.Fatalf("args = %v, want [alice]", args)
	}
}

// noopLogger satisfies ConnectionLogger with a real discard logger, for
// commands whose error-logging path these tests don't intend to exercise.
type noopLogger struct{}

func (noopLogger) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
