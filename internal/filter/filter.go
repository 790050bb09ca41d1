// Package filter runs the ordered filter chain against a message: the
// executable, network, copy, message-id, and MX-lookup variants described
// alongside the message store, plus the sequential chain runner that
// evaluates them.
package filter

import (
	"context"

	"github.com/infodancer/emailrelay/internal/store"
)

// Kind is the per-filter result alphabet.
type Kind int

const (
	// Ok continues the chain.
	Ok Kind = iota
	// Abandon silently drops the message: delete envelope and (unless
	// shared) content, stop the chain.
	Abandon
	// Fail rejects the message; the response surfaces to the SMTP client
	// on the server side, or drives a rewrite/bad transition on the
	// client side.
	Fail
	// Rescan commits the message but asks the store to re-enumerate.
	Rescan
)

// Result is what a single filter run returns.
type Result struct {
	Kind Kind

	// Response/Code/Reason are populated for Fail.
	Response string
	Code     int
	Reason   string

	// Special is a superset flag meaning "repoll now even if not Rescan".
	// It is orthogonal to Kind; see DESIGN.md for the bit-layout decision
	// this flag formalises for the executable filter.
	Special bool
}

// OkResult is the zero-effort continue-chain result.
func OkResult() Result { return Result{Kind: Ok} }

// AbandonResult drops the message silently.
func AbandonResult() Result { return Result{Kind: Abandon} }

// FailResult rejects the message with an SMTP-style response, numeric code,
// and a human-readable reason.
func FailResult(response string, code int, reason string) Result {
	return Result{Kind: Fail, Response: response, Code: code, Reason: reason}
}

// RescanResult commits the message and requests re-enumeration.
func RescanResult() Result { return Result{Kind: Rescan} }

// IsOk reports whether the chain should continue to the next filter.
func (r Result) IsOk() bool { return r.Kind == Ok }

// String returns the lowercase verdict name used in metric labels and logs.
func (k Kind) String() string {
	switch k {
	case Ok:
		return "ok"
	case Abandon:
		return "abandon"
	case Fail:
		return "fail"
	case Rescan:
		return "rescan"
	default:
		return "unknown"
	}
}

// Message is the narrow view a filter needs: paths into the spool plus the
// envelope to read or mutate. Callers build one from a store.NewMessage (in
// ".new" state, server side) or a locked store.StoredMessage (client side).
type Message struct {
	ID           store.MessageId
	EnvelopePath string
	ContentPath  string
	Envelope     *store.Envelope
	SpoolDir     string
}

// Filter is the single capability every variant satisfies: run against a
// message and return a Result.
type Filter interface {
	ID() string
	Run(ctx context.Context, msg *Message) (Result, error)
}
