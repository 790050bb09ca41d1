package forward

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/infodancer/emailrelay/internal/filter"
	"github.com/infodancer/emailrelay/internal/store"
)

// outcomeCollector is the subset of metrics.Collector the driver needs to
// record terminal dispositions.
type outcomeCollector interface {
	ForwardOutcome(outcome string)
}

// Driver enumerates spool messages, locks and runs the client-side filter
// chain against each, and forwards the survivors to an upstream SMTP
// server, the counterpart to the store's server-side receiver.
type Driver struct {
	store       *store.Store
	chain       *filter.Chain
	dial        DialFunc
	newClient   func(ctx context.Context, addr string) (SmtpClient, error)
	helloName   string
	tlsConfig   *tls.Config
	timeout     time.Duration
	defaultPort string
	dedupe      *Dedupe
	logger      *slog.Logger
	collector   outcomeCollector

	// staticUpstream, when set, is dialed for every message regardless of
	// the envelope's ForwardTo/ForwardToAddress, the "smarthost" relay
	// topology where this process forwards everything it receives to one
	// fixed next hop instead of resolving each recipient's own domain.
	staticUpstream string
}

// Option configures a Driver at construction.
type Option func(*Driver)

// WithChain sets the client-side filter chain run before forwarding.
func WithChain(chain *filter.Chain) Option {
	return func(d *Driver) { d.chain = chain }
}

// WithTLSConfig enables STARTTLS negotiation using cfg when the upstream
// offers it.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(d *Driver) { d.tlsConfig = cfg }
}

// WithTimeout overrides the per-connection dial/command timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Driver) { d.timeout = timeout }
}

// WithDedupe attaches an optional shared cache in which the driver records
// every recipient an upstream rejects at RCPT. The driver does not consult
// the cache before sending, so no retry is skipped because of it.
func WithDedupe(dedupe *Dedupe) Option {
	return func(d *Driver) { d.dedupe = dedupe }
}

// WithDial overrides the network dialer, for tests.
func WithDial(dial DialFunc) Option {
	return func(d *Driver) { d.dial = dial }
}

// WithClientFactory overrides how a Driver obtains an SmtpClient for a given
// upstream address, bypassing real network I/O and TLS/HELO negotiation.
// Tests use this to substitute a fake SmtpClient.
func WithClientFactory(factory func(ctx context.Context, addr string) (SmtpClient, error)) Option {
	return func(d *Driver) { d.newClient = factory }
}

// WithCollector attaches a metrics collector recording each message's
// terminal forward outcome.
func WithCollector(collector outcomeCollector) Option {
	return func(d *Driver) { d.collector = collector }
}

// WithStaticUpstream configures the Driver to relay every message to addr
// instead of the per-message ForwardTo/ForwardToAddress the server-side or
// client-side filter chain resolved.
func WithStaticUpstream(addr string) Option {
	return func(d *Driver) { d.staticUpstream = addr }
}

// New returns a Driver over st, sending HELO as helloName. When neither a
// static upstream nor the envelope's ForwardToAddress is set, it dials the
// envelope's ForwardTo host on defaultPort.
func New(st *store.Store, helloName, defaultPort string, logger *slog.Logger, opts ...Option) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{
		store:       st,
		dial:        (&net.Dialer{}).DialContext,
		helloName:   helloName,
		timeout:     time.Minute,
		defaultPort: defaultPort,
		logger:      logger,
	}
	d.newClient = func(ctx context.Context, addr string) (SmtpClient, error) {
		return DialSmtpClient(ctx, d.dial, addr, d.helloName, d.tlsConfig, d.timeout)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Tick processes every message currently in the spool once: lock, filter,
// forward, and apply the outcome. It returns the number of messages it
// attempted and the first error encountered while enumerating (per-message
// errors are logged and do not abort the tick).
func (d *Driver) Tick(ctx context.Context) (int, error) {
	ids, err := d.store.IDs()
	if err != nil {
		return 0, fmt.Errorf("forward: enumerate: %w", err)
	}

	attempted := 0
	for _, id := range ids {
		attempted++
		if err := d.processOne(ctx, id); err != nil {
			d.logger.Warn("forward: message processing failed", "message_id", id.String(), "error", err)
		}
	}
	return attempted, nil
}

func (d *Driver) processOne(ctx context.Context, id store.MessageId) error {
	msg, err := d.store.Get(id)
	if err != nil {
		if errors.Is(err, store.ErrGet) {
			return nil
		}
		return err
	}

	fm := &filter.Message{
		ID:           msg.ID(),
		EnvelopePath: msg.EnvelopePath(),
		ContentPath:  msg.ContentPath(),
		Envelope:     msg.Envelope(),
		SpoolDir:     msg.SpoolDir(),
	}

	if d.chain != nil {
		res, err := d.chain.Run(ctx, fm)
		if err != nil {
			d.recordOutcome("release")
			return msg.Release()
		}
		switch res.Kind {
		case filter.Abandon:
			d.recordOutcome("abandon")
			return msg.Abandon()
		case filter.Fail:
			d.recordOutcome("fail")
			return msg.Fail(res.Reason, fmt.Sprintf("%d", res.Code))
		case filter.Rescan:
			d.recordOutcome("release")
			if err := msg.Release(); err != nil {
				return err
			}
			d.store.Rescan()
			return nil
		}
	}

	return d.send(ctx, msg)
}

func (d *Driver) recordOutcome(outcome string) {
	if d.collector == nil {
		return
	}
	d.collector.ForwardOutcome(outcome)
}

// send resolves the upstream address, opens an SMTP session, and forwards
// the message to every remote recipient, applying spec.md §4.4 step 7's four
// outcomes: transient (dial failure, release unmodified), total reject (no
// recipient accepted, fail), partial (some accepted, rewrite to the rejected
// subset and release for retry), and full success (commit).
func (d *Driver) send(ctx context.Context, msg *store.StoredMessage) error {
	env := msg.Envelope()

	addr := d.staticUpstream
	if addr == "" {
		addr = env.ForwardToAddress
	}
	if addr == "" {
		addr = net.JoinHostPort(env.ForwardTo, d.defaultPort)
	}

	cl, err := d.newClient(ctx, addr)
	if err != nil {
		d.logger.Info("forward: transient dial failure", "message_id", msg.ID().String(), "addr", addr, "error", err)
		d.recordOutcome("release")
		return msg.Release()
	}
	defer cl.Quit()

	var remote []store.Recipient
	for _, r := range env.Recipients {
		if !r.Local {
			remote = append(remote, r)
		}
	}
	if len(remote) == 0 {
		d.recordOutcome("commit")
		return msg.Commit()
	}

	if err := cl.Mail(ctx, env.MailFrom, MailParams{
		Size:     env.MailFromSize,
		Smtputf8: env.MailFromSmtputf8,
		Body:     env.MailFromBody,
		Auth:     env.MailFromAuth,
	}); err != nil {
		d.recordOutcome("fail")
		return msg.Fail(err.Error(), "0")
	}

	var accepted, rejected []store.Recipient
	var lastReason string
	var lastCode int
	for _, r := range remote {
		result := cl.Rcpt(ctx, r.Address)
		if result.Accepted {
			accepted = append(accepted, r)
			continue
		}
		rejected = append(rejected, r)
		lastReason = result.Message
		lastCode = result.Code
		if d.dedupe != nil {
			d.dedupe.RecordFailure(ctx, msg.ID(), r.Address)
		}
	}

	if len(accepted) == 0 {
		d.recordOutcome("fail")
		return msg.Fail(lastReason, fmt.Sprintf("%d", lastCode))
	}

	content, err := msg.OpenContent()
	if err != nil {
		d.recordOutcome("release")
		return msg.Release()
	}
	defer content.Close()

	if err := cl.Data(ctx, content); err != nil {
		d.recordOutcome("release")
		return msg.Release()
	}

	if len(rejected) == 0 {
		d.recordOutcome("commit")
		return msg.Commit()
	}

	env.Recipients = rejected
	env.Reason = lastReason
	env.ReasonCode = fmt.Sprintf("%d", lastCode)
	if err := msg.Rewrite(env); err != nil {
		return err
	}
	d.recordOutcome("release")
	return msg.Release()
}
