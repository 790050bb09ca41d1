package delivery

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}

func TestDeliverToCopiesEnvelopeAndContent(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	envPath := filepath.Join(src, "m1.envelope")
	contentPath := filepath.Join(src, "m1.content")
	writeFile(t, envPath, "envelope-bytes")
	writeFile(t, contentPath, "content-bytes")

	d := New(nil)
	if err := d.DeliverTo("copy", dst, envPath, contentPath, false, false); err != nil {
		t.Fatalf("DeliverTo: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "m1.envelope"))
	if err != nil || string(got) != "envelope-bytes" {
		t.Errorf("envelope copy = %q, %v", got, err)
	}
	got, err = os.ReadFile(filepath.Join(dst, "m1.content"))
	if err != nil || string(got) != "content-bytes" {
		t.Errorf("content copy = %q, %v", got, err)
	}
}

func TestDeliverToPopByNameLeavesContentInParent(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	envPath := filepath.Join(src, "m1.envelope")
	contentPath := filepath.Join(src, "m1.content")
	writeFile(t, envPath, "envelope-bytes")
	writeFile(t, contentPath, "content-bytes")

	d := New(nil)
	if err := d.DeliverTo("copy", dst, envPath, contentPath, false, true); err != nil {
		t.Fatalf("DeliverTo: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dst, "m1.envelope")); err != nil {
		t.Errorf("expected envelope in dest dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "m1.content")); !os.IsNotExist(err) {
		t.Errorf("content should not be copied in pop-by-name mode, stat err = %v", err)
	}
}

func TestDeliverToHardlinkProducesReadableContent(t *testing.T) {
	// os.Link within the same temp filesystem should succeed normally; this
	// test only exercises that the hardlink path produces a readable
	// destination content file with the source bytes, not the
	// cross-device copy fallback (which requires two distinct devices
	// unavailable in a sandboxed test environment).
	src := t.TempDir()
	dst := t.TempDir()
	envPath := filepath.Join(src, "m1.envelope")
	contentPath := filepath.Join(src, "m1.content")
	writeFile(t, envPath, "envelope-bytes")
	writeFile(t, contentPath, "content-bytes")

	d := New(nil)
	if err := d.DeliverTo("copy", dst, envPath, contentPath, true, false); err != nil {
		t.Fatalf("DeliverTo: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dst, "m1.content"))
	if err != nil || string(got) != "content-bytes" {
		t.Errorf("content hardlink = %q, %v", got, err)
	}
}
