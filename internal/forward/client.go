// Package forward drives a client-side filter chain and upstream SMTP
// session over locked spool messages, the store's counterpart to the
// server-side receiver.
package forward

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-smtp"
)

// MailParams carries the envelope facts a SmtpClient needs to open a
// session: the MAIL FROM parameters (SIZE, SMTPUTF8, BODY, AUTH) spec.md
// §4.4 step 4 requires be carried forward to the next hop.
type MailParams struct {
	Size     int64
	Smtputf8 bool
	// Body is the BODY= value ("", "7BIT", "8BITMIME" or "BINARYMIME").
	Body string
	// Auth is the AUTH= value; forwarded only when the upstream advertises
	// the AUTH extension, per smtpconn's "forward only what we understand"
	// rule.
	Auth string
}

// RecipientResult is one RCPT TO outcome.
type RecipientResult struct {
	Address  string
	Accepted bool
	Code     int
	Message  string
}

// SmtpClient is the capability the forward driver consumes to speak to an
// upstream server; it is deliberately narrower than go-smtp's own Client so
// tests can supply a fake.
type SmtpClient interface {
	Mail(ctx context.Context, from string, params MailParams) error
	Rcpt(ctx context.Context, to string) RecipientResult
	Data(ctx context.Context, r io.Reader) error
	Quit() error
	Close() error
}

// DialFunc establishes the network connection to an upstream address; swap
// in a test double to avoid real network I/O.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// goSmtpClient is the default SmtpClient, backed by github.com/emersion/go-smtp's
// client, grounded on the call shape foxcpp-maddy's internal/smtpconn
// package wraps: NewClient, Hello, conditional StartTLS, Mail with
// MailOptions, Rcpt, Data, Quit falling back to Close.
type goSmtpClient struct {
	cl *smtp.Client
}

// DialSmtpClient connects to addr, issues HELO/EHLO as helloName, and
// negotiates STARTTLS when offered and tlsConfig is non-nil.
func DialSmtpClient(ctx context.Context, dial DialFunc, addr, helloName string, tlsConfig *tls.Config, timeout time.Duration) (SmtpClient, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	conn, err := dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("forward: dial %s: %w", addr, err)
	}

	cl, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("forward: smtp handshake with %s: %w", addr, err)
	}

	if err := cl.Hello(helloName); err != nil {
		cl.Close()
		return nil, fmt.Errorf("forward: HELO to %s: %w", addr, err)
	}

	if tlsConfig != nil {
		if ok, _ := cl.Extension("STARTTLS"); ok {
			cfg := tlsConfig.Clone()
			cfg.ServerName = host
			if err := cl.StartTLS(cfg); err != nil {
				if quitErr := cl.Quit(); quitErr != nil {
					cl.Close()
				}
				return nil, fmt.Errorf("forward: STARTTLS to %s: %w", addr, err)
			}
		}
	}

	return &goSmtpClient{cl: cl}, nil
}

func (c *goSmtpClient) Mail(ctx context.Context, from string, params MailParams) error {
	opts := &smtp.MailOptions{Size: int(params.Size)}
	if params.Smtputf8 {
		if ok, _ := c.cl.Extension("SMTPUTF8"); ok {
			opts.UTF8 = true
		}
	}
	if params.Body != "" {
		opts.Body = smtp.BodyType(params.Body)
	}
	if params.Auth != "" {
		if ok, _ := c.cl.Extension("AUTH"); ok {
			auth := params.Auth
			opts.Auth = &auth
		}
	}
	return c.cl.Mail(from, opts)
}

func (c *goSmtpClient) Rcpt(ctx context.Context, to string) RecipientResult {
	if err := c.cl.Rcpt(to); err != nil {
		if smtpErr, ok := err.(*smtp.SMTPError); ok {
			return RecipientResult{Address: to, Accepted: false, Code: smtpErr.Code, Message: smtpErr.Message}
		}
		return RecipientResult{Address: to, Accepted: false, Code: 0, Message: err.Error()}
	}
	return RecipientResult{Address: to, Accepted: true}
}

func (c *goSmtpClient) Data(ctx context.Context, r io.Reader) error {
	wc, err := c.cl.Data()
	if err != nil {
		return err
	}
	if _, err := io.Copy(wc, r); err != nil {
		wc.Close()
		return err
	}
	return wc.Close()
}

func (c *goSmtpClient) Quit() error { return c.cl.Quit() }
func (c *goSmtpClient) Close() error { return c.cl.Close() }
