package receiver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/emersion/go-smtp"

	"github.com/infodancer/emailrelay/internal/filter"
	"github.com/infodancer/emailrelay/internal/store"
)

// Session implements smtp.Session and smtp.AuthSession for one connection.
// It accumulates MAIL FROM / RCPT TO state in memory and only touches the
// store once DATA starts, at which point a store.NewMessage owns the
// content stream directly (NewMessage.Write satisfies io.Writer).
type Session struct {
	backend    *Backend
	conn       *smtp.Conn
	clientIP   string
	clientName string

	authMechanism string
	authId        string

	mailFromSeen     bool
	mailFrom         string
	mailFromSize     int64
	mailFromSmtputf8 bool
	mailFromBody     string
	mailFromAuth     string
	recipients       []store.Recipient

	logger *slog.Logger
}

// Mail implements smtp.Session.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.mailFrom = from
	s.mailFromSeen = true
	if opts != nil {
		s.mailFromSize = int64(opts.Size)
		s.mailFromSmtputf8 = opts.UTF8
		s.mailFromBody = string(opts.Body)
		if opts.Auth != nil {
			s.mailFromAuth = *opts.Auth
		}
	}
	if s.backend.collector != nil {
		s.backend.collector.CommandProcessed("MAIL")
	}
	s.logger.Debug("MAIL FROM", "from", from)
	return nil
}

// Rcpt implements smtp.Session.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if s.backend.maxRecipients > 0 && len(s.recipients) >= s.backend.maxRecipients {
		return &smtp.SMTPError{
			Code:         452,
			EnhancedCode: smtp.EnhancedCode{4, 5, 3},
			Message:      "Too many recipients",
		}
	}
	if !strings.Contains(to, "@") {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Invalid address format",
		}
	}
	s.recipients = append(s.recipients, store.Recipient{Address: to, Local: s.backend.isLocal(to)})
	if s.backend.collector != nil {
		s.backend.collector.CommandProcessed("RCPT")
	}
	s.logger.Debug("RCPT TO", "to", to)
	return nil
}

// Data implements smtp.Session: it streams the message straight into the
// store, runs the server-side filter chain at end-of-DATA per spec.md §3
// ("End-of-DATA triggers the receiver-side filter chain, then a rename
// .new -> .envelope"), and maps the chain's verdict onto the SMTP response.
func (s *Session) Data(r io.Reader) error {
	if s.backend.collector != nil {
		s.backend.collector.CommandProcessed("DATA")
	}
	if !s.mailFromSeen {
		return &smtp.SMTPError{Code: 503, EnhancedCode: smtp.EnhancedCode{5, 5, 1}, Message: "Bad sequence of commands: MAIL FROM required"}
	}
	if len(s.recipients) == 0 {
		return &smtp.SMTPError{Code: 503, EnhancedCode: smtp.EnhancedCode{5, 5, 1}, Message: "Bad sequence of commands: RCPT TO required"}
	}

	nm, err := s.backend.store.NewMessage(s.mailFrom, s.clientIP, s.clientName)
	if err != nil {
		s.logger.Debug("cannot start new message", "error", err)
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "Cannot accept message now"}
	}

	env := nm.Envelope()
	for _, rcpt := range s.recipients {
		nm.AddTo(rcpt.Address, rcpt.Local)
	}
	env.AuthMechanism = s.authMechanism
	env.AuthId = s.authId
	env.MailFromSize = s.mailFromSize
	env.MailFromSmtputf8 = s.mailFromSmtputf8
	env.MailFromBody = s.mailFromBody
	env.MailFromAuth = s.mailFromAuth
	if state, ok := s.conn.TLSConnectionState(); ok {
		env.ClientCertificate = clientCertificatePEM(state)
	}

	written, err := io.Copy(nm, r)
	if err != nil {
		_ = nm.Abandon()
		s.logger.Debug("failed reading message data", "error", err)
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "Error reading message"}
	}
	if nm.TooBig() {
		_ = nm.Abandon()
		return &smtp.SMTPError{Code: 552, EnhancedCode: smtp.EnhancedCode{5, 3, 4}, Message: "Message too large"}
	}
	if err := nm.Prepare(); err != nil {
		_ = nm.Abandon()
		s.logger.Debug("failed preparing envelope", "error", err)
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "Error accepting message"}
	}

	if s.backend.chain != nil {
		fm := &filter.Message{
			ID:           nm.ID(),
			EnvelopePath: nm.EnvelopePath(),
			ContentPath:  nm.ContentPath(),
			Envelope:     env,
			SpoolDir:     nm.SpoolDir(),
		}
		res, err := s.backend.chain.Run(context.Background(), fm)
		if err != nil {
			_ = nm.Abandon()
			s.logger.Debug("server-side filter chain failed", "error", err, "message_id", nm.ID().String())
			return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "Filter error"}
		}
		switch res.Kind {
		case filter.Abandon:
			// Per the copy filter's fan-out contract, an Abandon verdict
			// means the message was distributed elsewhere (or otherwise
			// deliberately dropped); the submitter still sees success.
			if err := nm.Abandon(); err != nil {
				return err
			}
			s.reportAccepted(written)
			return nil
		case filter.Fail:
			// Left committed per spec.md §4.3: a rejecting filter can still
			// want the message retained for inspection, with the reject
			// reason surfaced to the client now.
			env.Reason = res.Reason
			env.ReasonCode = fmt.Sprintf("%d", res.Code)
			// Prepare already wrote the pending envelope, so the reason is
			// written into it here, before Commit renames it live.
			if f, err := os.OpenFile(nm.EnvelopePath(), os.O_TRUNC|os.O_WRONLY, 0640); err == nil {
				_ = env.Encode(f)
				_ = f.Close()
			}
			if err := nm.Commit(); err != nil {
				s.logger.Debug("commit after filter fail failed", "error", err)
			}
			if s.backend.collector != nil {
				s.backend.collector.MessageRejected(res.Reason)
			}
			code := res.Code
			if code < 400 || code > 599 {
				code = 550
			}
			return &smtp.SMTPError{Code: code, Message: res.Response}
		case filter.Rescan:
			if err := nm.Commit(); err != nil {
				return err
			}
			s.backend.store.Rescan()
			s.reportAccepted(written)
			return nil
		}
	}

	if err := nm.Commit(); err != nil {
		s.logger.Debug("commit failed", "error", err)
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "Error storing message"}
	}
	s.reportAccepted(written)
	return nil
}

func (s *Session) reportAccepted(size int64) {
	if s.backend.collector == nil {
		return
	}
	s.backend.collector.MessageReceived(size)
}

// Reset implements smtp.Session (RSET).
func (s *Session) Reset() {
	s.mailFrom = ""
	s.mailFromSeen = false
	s.mailFromSize = 0
	s.mailFromSmtputf8 = false
	s.mailFromBody = ""
	s.mailFromAuth = ""
	s.recipients = nil
}

// Logout implements smtp.Session.
func (s *Session) Logout() error {
	if s.backend.collector != nil {
		s.backend.collector.ConnectionClosed()
	}
	return nil
}
