package store

import "os"

// NewMessage is the pending-message handle returned while a receiver is
// streaming a message into the spool. It owns the ".content" file and an
// envelope being accumulated in memory; nothing is visible to other workers
// until Commit renames the prepared envelope into the live ".envelope"
// state.
//
// Unlike the pimpl'd C++ original, a NewMessage has no destructor: a caller
// that abandons one without calling Commit or Abandon is responsible for
// calling Abandon explicitly (e.g. from a deferred cleanup) to avoid leaving
// a stray ".content"/".envelope.new" pair behind.
type NewMessage struct {
	store       *Store
	id          MessageId
	envelope    *Envelope
	contentFile *os.File
	written     int64
	tooBig      bool
	prepared    bool
	done        bool
}

// NewMessage begins a new message from the given reverse path, opening its
// content file for writing. clientIP and clientName seed the envelope's
// connection-identity fields.
func (s *Store) NewMessage(from, clientIP, clientName string) (*NewMessage, error) {
	id := s.NewID()
	f, err := os.OpenFile(s.contentPath(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		return nil, err
	}
	env := NewEnvelope()
	env.MailFrom = from
	env.ClientIP = clientIP
	env.ClientName = clientName
	return &NewMessage{store: s, id: id, envelope: env, contentFile: f}, nil
}

// ID returns the MessageId assigned to this message.
func (m *NewMessage) ID() MessageId { return m.id }

// Envelope returns the in-progress envelope for further seeding (AUTH
// fields, BODY/SMTPUTF8/SIZE parameters) before Prepare.
func (m *NewMessage) Envelope() *Envelope { return m.envelope }

// ContentPath returns the path of the ".content" file being written.
func (m *NewMessage) ContentPath() string { return m.store.contentPath(m.id) }

// EnvelopePath returns the path of the pending ".envelope.new" file a
// receiver-side filter chain runs against before Commit renames it live.
func (m *NewMessage) EnvelopePath() string { return m.store.path(m.id, suffixNew) }

// SpoolDir returns the spool directory this message belongs to.
func (m *NewMessage) SpoolDir() string { return m.store.Dir() }

// AddTo appends one recipient, preserving call order (the order recipients
// will later be offered to the upstream server).
func (m *NewMessage) AddTo(address string, local bool) {
	m.envelope.Recipients = append(m.envelope.Recipients, Recipient{Address: address, Local: local})
}

// AddContent streams p into the content file. Once the running total
// exceeds the store's configured size ceiling, further bytes are still
// accepted (so the receiver's DATA loop need not special-case the tail of a
// message) but TooBig latches true and Commit will refuse to produce a live
// envelope.
func (m *NewMessage) AddContent(p []byte) (int, error) {
	n, err := m.contentFile.Write(p)
	m.written += int64(n)
	if err != nil {
		return n, err
	}
	if m.store.maxSize > 0 && m.written > m.store.maxSize {
		m.tooBig = true
	}
	return n, nil
}

// Write implements io.Writer by calling AddContent, so a receiver can
// stream DATA into the message with io.Copy.
func (m *NewMessage) Write(p []byte) (int, error) { return m.AddContent(p) }

// TooBig reports whether the content written so far exceeds the configured
// size ceiling.
func (m *NewMessage) TooBig() bool { return m.tooBig }

// Prepare closes the content file and writes the accumulated envelope to
// "<id>.envelope.new". Commit calls Prepare automatically if it has not
// already been called.
func (m *NewMessage) Prepare() error {
	if m.prepared {
		return nil
	}
	if err := m.contentFile.Close(); err != nil {
		return err
	}
	f, err := os.OpenFile(m.store.path(m.id, suffixNew), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := m.envelope.Encode(f); err != nil {
		return err
	}
	m.prepared = true
	return nil
}

// Commit renames ".envelope.new" to ".envelope", making the message visible
// to the forward driver and POP view, and fires the store's update signal.
// If the message exceeded the size ceiling, Commit instead removes both
// pending files and returns ErrSizeLimit; the contract is that an over-size
// write never yields a committed envelope.
func (m *NewMessage) Commit() error {
	if m.done {
		return nil
	}
	if err := m.Prepare(); err != nil {
		return err
	}
	if m.tooBig {
		_ = os.Remove(m.store.path(m.id, suffixNew))
		_ = os.Remove(m.store.contentPath(m.id))
		m.done = true
		return ErrSizeLimit
	}
	if err := os.Rename(m.store.path(m.id, suffixNew), m.store.path(m.id, suffixEnvelope)); err != nil {
		return err
	}
	m.done = true
	m.store.recordTransition("stored")
	m.store.fireUpdate(m.id)
	return nil
}

// Abandon deletes the content file and, if Prepare was already called, the
// pending envelope, leaving no artefacts. Safe to call after Commit (a
// no-op) and safe to call multiple times.
func (m *NewMessage) Abandon() error {
	if m.done {
		return nil
	}
	if m.prepared {
		_ = os.Remove(m.store.path(m.id, suffixNew))
	} else {
		_ = m.contentFile.Close()
	}
	m.done = true
	if err := os.Remove(m.store.contentPath(m.id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
