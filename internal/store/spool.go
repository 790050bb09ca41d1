package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	suffixEnvelope = ".envelope"
	suffixNew      = ".envelope.new"
	suffixBusy     = ".envelope.busy"
	suffixBad      = ".envelope.bad"
	suffixContent  = ".content"
)

// Clock supplies the current time; stubbable in tests so MessageId
// generation and timeouts are deterministic.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock, backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// Runtime bundles the collaborators a Store needs but must not reach for as
// package globals: a clock, a MessageId sequence, and a logger. Every
// long-lived component in this module takes one of these, or a narrower view
// of one, through its constructor.
type Runtime struct {
	Clock    Clock
	Sequence *Sequence
	Logger   *slog.Logger
}

// NewRuntime returns a Runtime with a real clock and a fresh sequence,
// logging through logger (or slog.Default() if logger is nil).
func NewRuntime(logger *slog.Logger) Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return Runtime{Clock: SystemClock{}, Sequence: &Sequence{}, Logger: logger}
}

// UpdateHandler is called synchronously, from within the committing call,
// whenever a new message is committed to the spool.
type UpdateHandler func(MessageId)

// RescanHandler is called synchronously whenever Rescan is invoked or a
// filter requests re-enumeration.
type RescanHandler func()

// transitionCollector is the subset of metrics.Collector the store needs to
// record spool state changes. Declared locally to avoid a hard dependency on
// the metrics package's concrete Collector interface shape.
type transitionCollector interface {
	SpoolTransition(state string)
}

// Store owns one spool directory: it issues identifiers, creates and
// enumerates messages, and broadcasts update/rescan notifications to
// registered handlers. All cross-process coordination is via filesystem
// renames; Store holds no lock that would serialise two processes against
// the same directory.
type Store struct {
	dir     string
	pid     int
	maxSize int64 // 0 means unlimited
	runtime Runtime

	mu             sync.Mutex
	updateHandlers map[string]UpdateHandler
	rescanHandlers map[string]RescanHandler
	collector      transitionCollector
}

// SetCollector attaches a metrics collector recording each spool state
// transition (stored, locked, committed, failed, released, rescanned,
// unfailed). A nil collector (the default) disables recording.
func (s *Store) SetCollector(collector transitionCollector) {
	s.collector = collector
}

func (s *Store) recordTransition(state string) {
	if s.collector != nil {
		s.collector.SpoolTransition(state)
	}
}

// Open validates dir as a usable spool directory and returns a Store bound
// to it. maxSize of 0 means no content size ceiling.
func Open(dir string, runtime Runtime, maxSize int64) (*Store, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDirectory, dir)
	}
	return &Store{
		dir:            dir,
		pid:            os.Getpid(),
		maxSize:        maxSize,
		runtime:        runtime,
		updateHandlers: map[string]UpdateHandler{},
		rescanHandlers: map[string]RescanHandler{},
	}, nil
}

// Dir returns the spool directory path.
func (s *Store) Dir() string { return s.dir }

// MaxSize returns the configured content size ceiling, or 0 for unlimited.
func (s *Store) MaxSize() int64 { return s.maxSize }

func (s *Store) path(id MessageId, suffix string) string {
	return filepath.Join(s.dir, id.String()+suffix)
}

func (s *Store) contentPath(id MessageId) string { return s.path(id, suffixContent) }

// NewID mints a fresh MessageId. Successive calls within one process
// lifetime are strictly increasing.
func (s *Store) NewID() MessageId {
	seq := s.runtime.Sequence.Next()
	return newId(s.pid, s.runtime.Clock.Now().Unix(), seq)
}

// OnUpdate registers h under name, replacing any handler already registered
// under that name. Handlers fire synchronously, in map iteration order,
// from within the call that committed the new message.
func (s *Store) OnUpdate(name string, h UpdateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateHandlers[name] = h
}

// OnRescan registers h under name, replacing any handler already registered
// under that name.
func (s *Store) OnRescan(name string, h RescanHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rescanHandlers[name] = h
}

func (s *Store) fireUpdate(id MessageId) {
	s.mu.Lock()
	handlers := make([]UpdateHandler, 0, len(s.updateHandlers))
	for _, h := range s.updateHandlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(id)
	}
}

// Rescan fires the rescan signal so subscribers (typically the forward
// driver) re-enumerate the spool.
func (s *Store) Rescan() {
	s.recordTransition("rescanned")
	s.mu.Lock()
	handlers := make([]RescanHandler, 0, len(s.rescanHandlers))
	for _, h := range s.rescanHandlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// IDs returns every message currently in the committed, unlocked ".envelope"
// state, in lexical filename order. Within a single pid/second bucket this
// is creation order only while the sequence numbers have the same number of
// digits, since the sequence is not zero-padded (".10" sorts before ".9").
func (s *Store) IDs() ([]MessageId, error) {
	return s.idsWithSuffix(suffixEnvelope)
}

// Failures returns every message currently in the ".envelope.bad" state.
func (s *Store) Failures() ([]MessageId, error) {
	return s.idsWithSuffix(suffixBad)
}

func (s *Store) idsWithSuffix(suffix string) ([]MessageId, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDirectory, err)
	}
	var ids []MessageId
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		id := MessageId{s: name[:len(name)-len(suffix)]}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].s < ids[j].s })
	return ids, nil
}

// UnfailAll renames every ".envelope.bad" message back to ".envelope",
// on a best-effort basis: a failure on one message does not stop the rest.
func (s *Store) UnfailAll() error {
	bad, err := s.Failures()
	if err != nil {
		return err
	}
	var firstErr error
	for _, id := range bad {
		from := s.path(id, suffixBad)
		to := s.path(id, suffixEnvelope)
		if err := os.Rename(from, to); err != nil && firstErr == nil {
			firstErr = err
		} else if err == nil {
			s.recordTransition("unfailed")
		}
	}
	return firstErr
}

// Get locks message id by renaming its envelope to ".busy" and reads it. If
// the envelope cannot be read after locking, the message is moved to
// ".envelope.bad" with the parse error recorded as the reason and ErrGet is
// returned.
func (s *Store) Get(id MessageId) (*StoredMessage, error) {
	envPath := s.path(id, suffixEnvelope)
	busyPath := s.path(id, suffixBusy)
	if err := os.Rename(envPath, busyPath); err != nil {
		return nil, fmt.Errorf("%w: lock failed: %v", ErrGet, err)
	}

	f, err := os.Open(busyPath)
	if err != nil {
		s.failLocked(id, "cannot open envelope: "+err.Error())
		return nil, fmt.Errorf("%w: %v", ErrGet, err)
	}
	env, err := Decode(f)
	f.Close()
	if err != nil {
		s.failLocked(id, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrGet, err)
	}

	s.recordTransition("locked")
	return &StoredMessage{store: s, id: id, envelope: env, locked: true}, nil
}

// failLocked moves an already-.busy envelope to .bad, best-effort, recording
// reason. Used when a locked envelope turns out to be unreadable.
func (s *Store) failLocked(id MessageId, reason string) {
	busyPath := s.path(id, suffixBusy)
	badPath := s.path(id, suffixBad)
	s.runtime.Logger.Warn("envelope unreadable after lock, marking bad",
		"message_id", id.String(), "reason", reason)
	_ = os.Rename(busyPath, badPath)
}

// Iterator walks messages currently in the ".envelope" state.
type Iterator struct {
	store *Store
	lock  bool
	ids   []MessageId
	pos   int
}

// Iterator returns a lazy sequence of stored messages. When lock is true,
// each returned message has already been renamed to ".busy"; an unreadable
// envelope is demoted to ".envelope.bad" and the iterator moves on to the
// next id rather than failing the whole walk. When lock is false, envelopes
// are opened read-only and never renamed.
func (s *Store) Iterator(lock bool) (*Iterator, error) {
	ids, err := s.IDs()
	if err != nil {
		return nil, err
	}
	return &Iterator{store: s, lock: lock, ids: ids}, nil
}

// Next returns the next message, or ok=false once the walk is exhausted.
func (it *Iterator) Next() (msg *StoredMessage, ok bool, err error) {
	for it.pos < len(it.ids) {
		id := it.ids[it.pos]
		it.pos++

		if !it.lock {
			f, err := os.Open(it.store.path(id, suffixEnvelope))
			if err != nil {
				continue // removed concurrently; skip
			}
			env, err := Decode(f)
			f.Close()
			if err != nil {
				continue // read-only iteration never mutates; just skip
			}
			return &StoredMessage{store: it.store, id: id, envelope: env, locked: false}, true, nil
		}

		m, err := it.store.Get(id)
		if err != nil {
			// Get already demoted the envelope to .bad on a parse failure,
			// or the lock lost a race with another worker; either way we
			// continue the walk rather than abort it.
			continue
		}
		return m, true, nil
	}
	return nil, false, nil
}
