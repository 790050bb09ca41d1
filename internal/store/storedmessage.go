package store

import (
	"fmt"
	"os"
)

// StoredMessage is a view onto an existing spool message, either locked
// (renamed to ".envelope.busy", exclusive to this handle) or read-only
// (opened via an unlocked Iterator, never renamed).
type StoredMessage struct {
	store    *Store
	id       MessageId
	envelope *Envelope
	locked   bool
	released bool
}

// ID returns the message's identifier.
func (m *StoredMessage) ID() MessageId { return m.id }

// Envelope returns the parsed envelope. Locked callers that mutate it must
// call Rewrite to persist the change before releasing the lock.
func (m *StoredMessage) Envelope() *Envelope { return m.envelope }

// Locked reports whether this handle holds the ".busy" lock.
func (m *StoredMessage) Locked() bool { return m.locked }

// ContentPath returns the path to the message's content file.
func (m *StoredMessage) ContentPath() string { return m.store.contentPath(m.id) }

// EnvelopePath returns the current on-disk path of the envelope: the
// ".busy" path while locked, the ".envelope" path once released.
func (m *StoredMessage) EnvelopePath() string {
	if m.locked && !m.released {
		return m.store.path(m.id, suffixBusy)
	}
	return m.store.path(m.id, suffixEnvelope)
}

// SpoolDir returns the spool directory this message belongs to.
func (m *StoredMessage) SpoolDir() string { return m.store.Dir() }

// OpenContent opens the content file read-only.
func (m *StoredMessage) OpenContent() (*os.File, error) {
	return os.Open(m.ContentPath())
}

func (m *StoredMessage) mustBeLocked() error {
	if !m.locked {
		return fmt.Errorf("store: %s is not locked", m.id)
	}
	if m.released {
		return fmt.Errorf("store: %s lock already released", m.id)
	}
	return nil
}

// Rewrite replaces the in-memory envelope and persists it to the ".busy"
// file via a write-then-rename, so a crash mid-write never corrupts the
// locked envelope.
func (m *StoredMessage) Rewrite(env *Envelope) error {
	if err := m.mustBeLocked(); err != nil {
		return err
	}
	busyPath := m.store.path(m.id, suffixBusy)
	tmp := busyPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return err
	}
	if err := env.Encode(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, busyPath); err != nil {
		return err
	}
	m.envelope = env
	return nil
}

// Release renames the envelope from ".busy" back to ".envelope" without
// otherwise changing it, for the transient-error and partial-RCPT-retry
// paths where the message must become visible again unmodified (beyond
// whatever Rewrite already persisted).
func (m *StoredMessage) Release() error {
	if err := m.mustBeLocked(); err != nil {
		return err
	}
	if err := os.Rename(m.store.path(m.id, suffixBusy), m.store.path(m.id, suffixEnvelope)); err != nil {
		return err
	}
	m.released = true
	m.store.recordTransition("released")
	return nil
}

// Commit deletes both the locked envelope and the content file: the
// successful-forward path, and the filter-chain Abandon path once a message
// has already been locked.
func (m *StoredMessage) Commit() error {
	if err := m.mustBeLocked(); err != nil {
		return err
	}
	envErr := os.Remove(m.store.path(m.id, suffixBusy))
	contentErr := os.Remove(m.store.contentPath(m.id))
	m.released = true
	m.store.recordTransition("committed")
	if envErr != nil {
		return envErr
	}
	return contentErr
}

// Abandon is Commit under the filter-chain's Abandon vocabulary: it deletes
// both files and releases the lock. The two methods behave identically at
// the root spool; only the POP view's per-directory shared-content check
// changes whether a content file is safe to remove.
func (m *StoredMessage) Abandon() error { return m.Commit() }

// Fail persists reason/reasonCode into the envelope and renames it from
// ".busy" to ".envelope.bad", terminally failing the message. The content
// file is left in place.
func (m *StoredMessage) Fail(reason, reasonCode string) error {
	if err := m.mustBeLocked(); err != nil {
		return err
	}
	m.envelope.Reason = reason
	m.envelope.ReasonCode = reasonCode

	busyPath := m.store.path(m.id, suffixBusy)
	if f, err := os.OpenFile(busyPath, os.O_TRUNC|os.O_WRONLY, 0640); err == nil {
		_ = m.envelope.Encode(f)
		_ = f.Close()
	}
	if err := os.Rename(busyPath, m.store.path(m.id, suffixBad)); err != nil {
		return err
	}
	m.released = true
	m.store.recordTransition("failed")
	return nil
}
