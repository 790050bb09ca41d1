package pop

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

const (
	envelopeSuffix = ".envelope"
	contentSuffix  = ".content"
)

// entry mirrors GPop::StoreMessage: one committed message as seen by a
// single user's view, plus the in-session delete mark StoreList overlays
// on top of it.
type entry struct {
	name     string
	size     int64
	inParent bool
	deleted  bool
}

func (e entry) envelopePath(edir string) string {
	return filepath.Join(edir, e.name+envelopeSuffix)
}

func (e entry) contentPath(edir, sdir string) string {
	if e.inParent {
		return filepath.Join(sdir, e.name+contentSuffix)
	}
	return filepath.Join(edir, e.name+contentSuffix)
}

func (e entry) uidl() string {
	return e.name + contentSuffix
}

// View is a single user's 1-based POP3 message list over a spool directory.
// Ids are stable for the lifetime of the View: a deletion only sets a flag
// until Commit, so RETR/LIST can keep referring to an id a client has
// already seen even after other ids have been marked deleted in the same
// session.
type View struct {
	sdir        string
	edir        string
	byName      bool
	allowDelete bool
	entries     []entry
}

// NewView builds the message list for user against the spool rooted at
// sdir. When byName is set, edir is sdir/user and a content file missing
// there but present directly under sdir is treated as shared from the
// parent. allowDelete gates whether Commit is permitted to remove anything
// at all, matching the store's read-only mount option.
func NewView(sdir, user string, byName, allowDelete bool) (*View, error) {
	edir := sdir
	if byName {
		edir = filepath.Join(sdir, user)
	}

	dirEntries, err := os.ReadDir(edir)
	if err != nil {
		return nil, fmt.Errorf("pop: read %s: %w", edir, err)
	}

	v := &View{sdir: sdir, edir: edir, byName: byName, allowDelete: allowDelete}
	names := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		ename := de.Name()
		if !strings.HasSuffix(ename, envelopeSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(ename, envelopeSuffix))
	}
	sort.Strings(names)

	for _, name := range names {
		cname := name + contentSuffix
		ownPath := filepath.Join(edir, cname)
		inParent := false
		cpath := ownPath
		if _, err := os.Stat(ownPath); err != nil {
			if !byName {
				continue
			}
			parentPath := filepath.Join(sdir, cname)
			if _, err := os.Stat(parentPath); err != nil {
				continue
			}
			inParent = true
			cpath = parentPath
		}
		info, err := os.Stat(cpath)
		if err != nil || info.Size() == 0 {
			continue
		}
		v.entries = append(v.entries, entry{name: name, size: info.Size(), inParent: inParent})
	}

	return v, nil
}

// MessageCount returns the number of non-deleted entries (POP STAT/LIST
// count).
func (v *View) MessageCount() int {
	n := 0
	for _, e := range v.entries {
		if !e.deleted {
			n++
		}
	}
	return n
}

// TotalByteCount returns the sum of content sizes of non-deleted entries.
func (v *View) TotalByteCount() int64 {
	var total int64
	for _, e := range v.entries {
		if !e.deleted {
			total += e.size
		}
	}
	return total
}

// Valid reports whether id names a live, not-yet-deleted entry.
func (v *View) Valid(id int) bool {
	offset := id - 1
	return id >= 1 && offset < len(v.entries) && !v.entries[offset].deleted
}

// Count returns the total number of entries in the view, deleted or not;
// POP3 message numbers stay in range 1..Count() for the life of the
// session even after DELE, only the deleted ones become invalid.
func (v *View) Count() int { return len(v.entries) }

// Exists reports whether id is in range, regardless of its delete mark;
// callers that need to tell "no such message" apart from "already deleted"
// use this alongside Valid.
func (v *View) Exists(id int) bool {
	offset := id - 1
	return id >= 1 && offset < len(v.entries)
}

// ByteCount returns the content size for id, or 0 if id is not valid.
func (v *View) ByteCount(id int) int64 {
	if !v.Valid(id) {
		return 0
	}
	return v.entries[id-1].size
}

// Content opens id's content file read-only. The caller must Close it.
func (v *View) Content(id int) (*os.File, error) {
	if !v.Valid(id) {
		return nil, fmt.Errorf("%w: invalid id %d", CannotRead, id)
	}
	e := v.entries[id-1]
	f, err := os.Open(e.contentPath(v.edir, v.sdir))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", CannotRead, err)
	}
	return f, nil
}

// Uidl returns id's stable unique identifier (its content filename).
func (v *View) Uidl(id int) (string, error) {
	if !v.Valid(id) {
		return "", fmt.Errorf("pop: invalid id %d", id)
	}
	return v.entries[id-1].uidl(), nil
}

// Remove marks id deleted in-memory (POP DELE). It takes effect on Commit.
func (v *View) Remove(id int) {
	if v.Valid(id) {
		v.entries[id-1].deleted = true
	}
}

// Rollback clears every delete mark (POP RSET, or an aborted session).
func (v *View) Rollback() {
	for i := range v.entries {
		v.entries[i].deleted = false
	}
}

// Commit applies every pending delete mark (POP QUIT after a clean
// transaction). The envelope is always removed; the content is removed only
// if it is not shared with another user's view or the main spool (see
// shared). Returns CannotDelete if any attempted removal failed, after still
// attempting every other one.
func (v *View) Commit() error {
	if !v.allowDelete {
		return nil
	}
	allOK := true
	for _, e := range v.entries {
		if !e.deleted {
			continue
		}
		if err := os.Remove(e.envelopePath(v.edir)); err != nil && !os.IsNotExist(err) {
			allOK = false
		}
		if !v.shared(e) {
			if err := os.Remove(e.contentPath(v.edir, v.sdir)); err != nil && !os.IsNotExist(err) {
				allOK = false
			}
		}
	}
	if !allOK {
		return CannotDelete
	}
	return nil
}

// shared reports whether e's content file is referenced by an envelope
// other than e's own: the main spool directory, or any sibling
// sub-directory of sdir (non-recursive, matching
// GPop::StoreList::shared). Own-directory entries are never shared by
// definition, since their content lives next to their envelope.
func (v *View) shared(e entry) bool {
	if !e.inParent {
		return false
	}

	if _, err := os.Stat(filepath.Join(v.sdir, e.name+envelopeSuffix)); err == nil {
		return true
	}

	siblings, err := os.ReadDir(v.sdir)
	if err != nil {
		return false
	}
	for _, sib := range siblings {
		if !sib.IsDir() {
			continue
		}
		candidate := filepath.Join(v.sdir, sib.Name(), e.name+envelopeSuffix)
		if _, err := os.Stat(candidate); err == nil {
			return true
		}
	}
	return false
}

// Provision creates the pop-by-name mailbox directory sdir/user with tight
// permissions if it does not already exist, matching
// GPop::Store::prepare. It silently does nothing for a user name that is
// not printable or not a single simple path element (no separators, no
// "." / ".."), since such a name could never have been used to deliver mail
// in the first place.
func Provision(sdir, user string) error {
	if !isSimpleName(user) {
		return nil
	}
	dir := filepath.Join(sdir, user)
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	return os.Mkdir(dir, 0700)
}

func isSimpleName(user string) bool {
	if user == "" || user == "." || user == ".." {
		return false
	}
	if strings.ContainsAny(user, "/\\") {
		return false
	}
	for _, r := range user {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
