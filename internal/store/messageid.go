package store

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// idPrefix is the literal prefix of every MessageId, matching the upstream
// daemon so a spool can be shared between implementations.
const idPrefix = "emailrelay."

// MessageId names both the envelope and content files of a message. It is a
// printable, filesystem-safe string of the form
// "emailrelay.<pid>.<unix-seconds>.<seq>". Validity is purely syntactic; the
// value is opaque to every component except the store that mints it.
type MessageId struct {
	s string
}

// NewMessageId wraps a raw string as a MessageId without validating it. Used
// when deriving an id from a filename already known to be well-formed.
func NewMessageId(s string) MessageId { return MessageId{s: s} }

// String returns the identifier text.
func (id MessageId) String() string { return id.s }

// Valid reports whether the identifier has the literal prefix and all four
// dot-separated parts.
func (id MessageId) Valid() bool {
	if !strings.HasPrefix(id.s, idPrefix) {
		return false
	}
	rest := strings.TrimPrefix(id.s, idPrefix)
	parts := strings.Split(rest, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

// IsZero reports whether this is the zero-value MessageId.
func (id MessageId) IsZero() bool { return id.s == "" }

// Sequence is a per-process monotonic counter used to mint MessageIds. The
// zero value is ready to use; successive Next() calls never return 0 so that
// an id can never collide with the sentinel "no sequence yet" value. Safe
// for concurrent use.
type Sequence struct {
	n uint64
}

// Next returns the next strictly-increasing sequence value for this process.
func (s *Sequence) Next() uint64 {
	n := atomic.AddUint64(&s.n, 1)
	if n == 0 {
		n = atomic.AddUint64(&s.n, 1)
	}
	return n
}

// newId mints a MessageId for the given pid, unix-seconds timestamp and
// sequence value, matching GStore::FileStore::newId's textual layout.
func newId(pid int, unixSeconds int64, seq uint64) MessageId {
	return MessageId{s: fmt.Sprintf("%s%d.%d.%d", idPrefix, pid, unixSeconds, seq)}
}

