package store

import "errors"

// Directory and configuration errors.
var (
	// ErrInvalidDirectory indicates the spool directory is missing or unusable.
	ErrInvalidDirectory = errors.New("store: invalid spool directory")

	// ErrSizeLimit indicates a message exceeded the configured content size ceiling.
	ErrSizeLimit = errors.New("store: message exceeds size limit")
)

// Retrieval errors.
var (
	// ErrGet indicates a locked retrieval failed (lock or envelope read failure).
	ErrGet = errors.New("store: cannot get message")

	// ErrNotFound indicates no message exists with the given id.
	ErrNotFound = errors.New("store: message not found")

	// ErrLocked indicates the message is already locked by another worker.
	ErrLocked = errors.New("store: message is locked")
)

// Envelope codec errors.
var (
	// ErrParse indicates a structurally malformed envelope.
	ErrParse = errors.New("store: envelope parse error")

	// ErrVersion indicates an envelope format tag outside the known set.
	ErrVersion = errors.New("store: unknown envelope format")

	// ErrTruncated indicates an envelope file is missing its End sentinel.
	ErrTruncated = errors.New("store: truncated envelope")
)
