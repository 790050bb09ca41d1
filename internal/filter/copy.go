package filter

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/infodancer/emailrelay/internal/delivery"
)

// CopyFilter fans a message out to every spool sub-directory, the
// pop-by-name delivery mechanism: one copy of the envelope (and, unless
// popByName, the content) per sub-directory, so each local mailbox gets its
// own independent view.
type CopyFilter struct {
	delivery   *delivery.Delivery
	hardlink   bool
	popByName  bool
	noDelete   bool
	logger     *slog.Logger
	warnNoDirs sync.Once
}

// NewCopyFilter returns a CopyFilter. When popByName is true only the
// envelope is copied, not the content (the per-user view shares the
// spool-root content file by path). When noDelete is true the original
// envelope is kept even after a successful fan-out.
func NewCopyFilter(hardlink, popByName, noDelete bool, logger *slog.Logger) *CopyFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CopyFilter{
		delivery:  delivery.New(logger),
		hardlink:  hardlink,
		popByName: popByName,
		noDelete:  noDelete,
		logger:    logger,
	}
}

// ID identifies this filter in log lines.
func (f *CopyFilter) ID() string { return "copy" }

// Run enumerates msg.SpoolDir's sub-directories (skipping dotfiles,
// "postmaster", and empty names), delivering a copy of the message into
// each. If at least one copy succeeds and noDelete is false, it returns
// Abandon so the caller removes the spool-root original. With no
// sub-directories it returns Ok, logging a once-only warning.
func (f *CopyFilter) Run(ctx context.Context, msg *Message) (Result, error) {
	entries, err := os.ReadDir(msg.SpoolDir)
	if err != nil {
		return Result{}, err
	}

	delivered := 0
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || name == "" || name[0] == '.' || name == "postmaster" {
			continue
		}
		destDir := filepath.Join(msg.SpoolDir, name)
		if err := f.delivery.DeliverTo("copy", destDir, msg.EnvelopePath, msg.ContentPath, f.hardlink, f.popByName); err != nil {
			f.logger.Warn("copy filter: delivery failed", "dir", name, "message_id", msg.ID.String(), "error", err)
			continue
		}
		delivered++
	}

	if len(entries) == 0 || !anyDir(entries) {
		f.warnNoDirs.Do(func() {
			f.logger.Warn("copy filter: no spool sub-directories found", "spool_dir", msg.SpoolDir)
		})
		return OkResult(), nil
	}

	if delivered > 0 && !f.noDelete {
		return AbandonResult(), nil
	}
	return OkResult(), nil
}

func anyDir(entries []os.DirEntry) bool {
	for _, e := range entries {
		if e.IsDir() {
			return true
		}
	}
	return false
}
