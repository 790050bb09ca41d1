package forward

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/infodancer/emailrelay/internal/store"
)

// Dedupe records recent per-recipient forwarding failures in a shared
// cache, keyed by (message, recipient), and reports them through
// ShouldSkip. The forward Driver records every RCPT rejection here but does
// not call ShouldSkip, so the cache does not make the driver back off.
type Dedupe struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDedupe wraps an existing go-redis client. ttl bounds how long a
// recorded failure stays in the cache, and so how long ShouldSkip reports
// it for that (message, recipient) pair.
func NewDedupe(client *redis.Client, ttl time.Duration) *Dedupe {
	return &Dedupe{client: client, ttl: ttl}
}

func dedupeKey(id store.MessageId, recipient string) string {
	return fmt.Sprintf("emailrelay:forward:backoff:%s:%s", id.String(), recipient)
}

// RecordFailure marks (id, recipient) as recently failed. Errors talking to
// the cache are swallowed: the dedupe cache is an optimization, never a
// correctness requirement, so its absence must not block forwarding.
func (d *Dedupe) RecordFailure(ctx context.Context, id store.MessageId, recipient string) {
	if d == nil || d.client == nil {
		return
	}
	d.client.Set(ctx, dedupeKey(id, recipient), 1, d.ttl)
}

// ShouldSkip reports whether (id, recipient) failed recently enough that the
// caller should skip retrying it this tick.
func (d *Dedupe) ShouldSkip(ctx context.Context, id store.MessageId, recipient string) bool {
	if d == nil || d.client == nil {
		return false
	}
	n, err := d.client.Exists(ctx, dedupeKey(id, recipient)).Result()
	if err != nil {
		return false
	}
	return n > 0
}
