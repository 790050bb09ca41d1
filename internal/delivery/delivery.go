// Package delivery places envelope-and-content pairs into spool
// sub-directories for pop-by-name fan-out, on behalf of the copy filter and
// any other caller that needs the same copy/hardlink/group-fixup semantics.
package delivery

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
)

// Delivery performs file placement with the group-ownership fixup that
// mirrors GStore::FileStore::FileOp::hardlink: when a hard link lands in a
// set-group-id directory, its group is aligned to the directory's group
// (hard links preserve the original inode's group, not the destination
// directory's).
type Delivery struct {
	logger *slog.Logger
}

// New returns a Delivery that logs fallback/fixup events through logger (or
// slog.Default() if nil).
func New(logger *slog.Logger) *Delivery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Delivery{logger: logger}
}

// DeliverTo places envelopeSrc (and, unless popByName, contentSrc) into
// destDir, using a hard link when hardlink is true and falling back to a
// byte-wise copy if the link fails (e.g. destDir is on a different device).
// tag identifies the caller in log lines (e.g. "copy", "pop-mkdir").
func (d *Delivery) DeliverTo(tag, destDir, envelopeSrc, contentSrc string, hardlink, popByName bool) error {
	envelopeDst := filepath.Join(destDir, filepath.Base(envelopeSrc))
	if err := d.placeFile(tag, envelopeSrc, envelopeDst, hardlink); err != nil {
		return fmt.Errorf("delivery[%s]: envelope: %w", tag, err)
	}
	if popByName {
		return nil
	}
	contentDst := filepath.Join(destDir, filepath.Base(contentSrc))
	if err := d.placeFile(tag, contentSrc, contentDst, hardlink); err != nil {
		return fmt.Errorf("delivery[%s]: content: %w", tag, err)
	}
	return nil
}

func (d *Delivery) placeFile(tag, src, dst string, hardlink bool) error {
	if hardlink {
		err := os.Link(src, dst)
		if err == nil {
			d.fixupGroup(dst)
			return nil
		}
		d.logger.Debug("hardlink failed, falling back to copy", "tag", tag, "src", src, "dst", dst, "error", err)
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	d.fixupGroup(dst)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// fixupGroup aligns dst's group with its parent directory's group, but only
// when that directory has the set-group-id bit set. Failures are logged and
// otherwise ignored: a missing group fixup is cosmetic, not correctness.
func (d *Delivery) fixupGroup(dst string) {
	dir := filepath.Dir(dst)
	dirInfo, err := os.Stat(dir)
	if err != nil {
		return
	}
	if dirInfo.Mode()&os.ModeSetgid == 0 {
		return
	}
	dirStat, ok := dirInfo.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	if err := os.Chown(dst, -1, int(dirStat.Gid)); err != nil {
		d.logger.Debug("group fixup failed", "dst", dst, "error", err)
	}
}
