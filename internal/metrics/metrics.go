// Package metrics provides interfaces and implementations for collecting
// relay metrics. This package defines the Collector interface for recording
// metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording relay metrics across the
// receiver, filter chain, forward driver, and POP3 server.
type Collector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()
	TLSConnectionEstablished()

	// Message metrics
	MessageReceived(sizeBytes int64)
	MessageRejected(reason string)

	// Authentication metrics
	AuthAttempt(success bool)

	// Command metrics (SMTP verbs and POP3 commands alike)
	CommandProcessed(command string)

	// FilterResult records a filter chain verdict ("ok", "abandon", "fail",
	// "rescan") for one message.
	FilterResult(kind string)

	// ForwardOutcome records the terminal disposition of a forward attempt
	// ("commit", "fail", "release", "abandon").
	ForwardOutcome(outcome string)

	// SpoolTransition records a store state change ("stored", "locked",
	// "committed", "failed", "released", "rescanned", "unfailed").
	SpoolTransition(state string)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
