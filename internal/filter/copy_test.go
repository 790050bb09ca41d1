package filter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/infodancer/emailrelay/internal/store"
)

func setupSpool(t *testing.T, subdirs ...string) (dir string, envelopePath, contentPath string) {
	t.Helper()
	dir = t.TempDir()
	envelopePath = filepath.Join(dir, "emailrelay.1.2.3.envelope")
	contentPath = filepath.Join(dir, "emailrelay.1.2.3.content")
	if err := os.WriteFile(envelopePath, []byte("#2821.8\nX-MailRelay-End: 1\n"), 0640); err != nil {
		t.Fatalf("WriteFile envelope: %v", err)
	}
	if err := os.WriteFile(contentPath, []byte("body\n"), 0640); err != nil {
		t.Fatalf("WriteFile content: %v", err)
	}
	for _, s := range subdirs {
		if err := os.Mkdir(filepath.Join(dir, s), 0750); err != nil {
			t.Fatalf("Mkdir %s: %v", s, err)
		}
	}
	return dir, envelopePath, contentPath
}

func TestCopyFilterFansOutAndAbandons(t *testing.T) {
	dir, envelopePath, contentPath := setupSpool(t, "alice", "bob", ".hidden", "postmaster")
	f := NewCopyFilter(false, false, false, nil)

	msg := &Message{
		ID:           store.NewMessageId("emailrelay.1.2.3"),
		EnvelopePath: envelopePath,
		ContentPath:  contentPath,
		SpoolDir:     dir,
	}
	res, err := f.Run(context.Background(), msg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Kind != Abandon {
		t.Fatalf("Kind = %v, want Abandon", res.Kind)
	}

	for _, name := range []string{"alice", "bob"} {
		if _, err := os.Stat(filepath.Join(dir, name, "emailrelay.1.2.3.envelope")); err != nil {
			t.Errorf("%s: envelope not delivered: %v", name, err)
		}
		if _, err := os.Stat(filepath.Join(dir, name, "emailrelay.1.2.3.content")); err != nil {
			t.Errorf("%s: content not delivered: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, ".hidden", "emailrelay.1.2.3.envelope")); err == nil {
		t.Error(".hidden should have been skipped")
	}
	if _, err := os.Stat(filepath.Join(dir, "postmaster", "emailrelay.1.2.3.envelope")); err == nil {
		t.Error("postmaster should have been skipped")
	}
}

func TestCopyFilterPopByNameSkipsContent(t *testing.T) {
	dir, envelopePath, contentPath := setupSpool(t, "alice")
	f := NewCopyFilter(false, true, false, nil)

	msg := &Message{
		ID:           store.NewMessageId("emailrelay.1.2.3"),
		EnvelopePath: envelopePath,
		ContentPath:  contentPath,
		SpoolDir:     dir,
	}
	if _, err := f.Run(context.Background(), msg); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "alice", "emailrelay.1.2.3.envelope")); err != nil {
		t.Errorf("envelope not delivered: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "alice", "emailrelay.1.2.3.content")); err == nil {
		t.Error("content should not be delivered in pop-by-name mode")
	}
}

func TestCopyFilterNoSubdirsIsOk(t *testing.T) {
	dir, envelopePath, contentPath := setupSpool(t)
	f := NewCopyFilter(false, false, false, nil)

	msg := &Message{
		ID:           store.NewMessageId("emailrelay.1.2.3"),
		EnvelopePath: envelopePath,
		ContentPath:  contentPath,
		SpoolDir:     dir,
	}
	res, err := f.Run(context.Background(), msg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Kind != Ok {
		t.Errorf("Kind = %v, want Ok", res.Kind)
	}
}

func TestCopyFilterNoDeleteKeepsOriginal(t *testing.T) {
	dir, envelopePath, contentPath := setupSpool(t, "alice")
	f := NewCopyFilter(false, false, true, nil)

	msg := &Message{
		ID:           store.NewMessageId("emailrelay.1.2.3"),
		EnvelopePath: envelopePath,
		ContentPath:  contentPath,
		SpoolDir:     dir,
	}
	res, err := f.Run(context.Background(), msg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Kind != Ok {
		t.Errorf("Kind = %v, want Ok (no-delete mode)", res.Kind)
	}
}
