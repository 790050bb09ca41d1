// Package receiver adapts the store and the server-side filter chain to the
// go-smtp wire protocol: it is the "external collaborator" spec.md scopes
// out of the core, the thing that actually accepts SMTP connections and
// calls store.NewMessage.
package receiver

import (
	"crypto/tls"
	"log/slog"
	"net"
	"strings"

	"github.com/emersion/go-smtp"
	auth "github.com/infodancer/auth"

	"github.com/infodancer/emailrelay/internal/filter"
	"github.com/infodancer/emailrelay/internal/metrics"
	"github.com/infodancer/emailrelay/internal/oauth"
	"github.com/infodancer/emailrelay/internal/store"
)

// Backend implements the go-smtp Backend interface, handing out a fresh
// Session per connection.
type Backend struct {
	hostname      string
	store         *store.Store
	chain         *filter.Chain
	authAgent     auth.AuthenticationAgent
	oauthAgent    oauth.Agent
	collector     metrics.Collector
	maxRecipients int
	localDomains  map[string]bool
	logger        *slog.Logger
}

// Config holds the collaborators and tunables a Backend needs.
type Config struct {
	Hostname string
	Store    *store.Store

	// Chain is the server-side filter chain run at end-of-DATA, before
	// the message's ".envelope.new" is committed. May be nil to skip
	// filtering entirely.
	Chain *filter.Chain

	// AuthAgent and OAuthAgent are external collaborators consumed purely
	// through interface; either may be nil to disable that mechanism.
	AuthAgent  auth.AuthenticationAgent
	OAuthAgent oauth.Agent

	Collector     metrics.Collector
	MaxRecipients int

	// LocalDomains marks recipient domains whose mail is delivered
	// in-process (Recipient.Local = true) rather than only ever relayed.
	LocalDomains []string

	Logger *slog.Logger
}

// NewBackend returns a Backend built from cfg.
func NewBackend(cfg Config) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	domains := make(map[string]bool, len(cfg.LocalDomains))
	for _, d := range cfg.LocalDomains {
		domains[strings.ToLower(d)] = true
	}
	return &Backend{
		hostname:      cfg.Hostname,
		store:         cfg.Store,
		chain:         cfg.Chain,
		authAgent:     cfg.AuthAgent,
		oauthAgent:    cfg.OAuthAgent,
		collector:     cfg.Collector,
		maxRecipients: cfg.MaxRecipients,
		localDomains:  domains,
		logger:        logger,
	}
}

// NewSession implements smtp.Backend.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	if b.collector != nil {
		b.collector.ConnectionOpened()
	}
	clientIP, clientName := connIdentity(c)
	return &Session{
		backend:    b,
		conn:       c,
		clientIP:   clientIP,
		clientName: clientName,
		logger:     b.logger.With(slog.String("client_ip", clientIP)),
	}, nil
}

func (b *Backend) isLocal(addr string) bool {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return false
	}
	return b.localDomains[strings.ToLower(addr[at+1:])]
}

func connIdentity(c *smtp.Conn) (ip, name string) {
	conn := c.Conn()
	if conn == nil {
		return "", ""
	}
	addr := conn.RemoteAddr()
	if addr == nil {
		return "", ""
	}
	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String(), ""
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String(), ""
		}
		return host, ""
	}
}

// clientCertificatePEM extracts the leaf client certificate from a TLS
// connection state, PEM-encoded, for the envelope's ClientCertificate
// field. Returns "" if the client presented none.
func clientCertificatePEM(state tls.ConnectionState) string {
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	return string(pemEncodeCertificate(state.PeerCertificates[0].Raw))
}
