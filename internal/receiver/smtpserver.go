package receiver

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/infodancer/emailrelay/internal/config"
)

// serverEntry pairs a go-smtp server with the listener mode it was built
// for, so Run knows whether to dial ListenAndServe or ListenAndServeTLS.
type serverEntry struct {
	server *gosmtp.Server
	mode   config.ListenerMode
}

// Server wraps one go-smtp server per configured listener, all sharing a
// single Backend, so one process can answer plain SMTP, submission, and
// implicit-TLS SMTPS on separate addresses at once.
type Server struct {
	entries []serverEntry
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// ServerConfig holds the collaborators and tunables NewServer needs.
type ServerConfig struct {
	Backend   *Backend
	Listeners []config.ListenerConfig
	Hostname  string
	TLSConfig *tls.Config

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int
	MaxRecipients  int

	Logger *slog.Logger
}

// NewServer builds a go-smtp server per listener, rejecting SMTPS listeners
// up front when no TLS configuration is available.
func NewServer(cfg ServerConfig) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	srv := &Server{
		entries: make([]serverEntry, 0, len(cfg.Listeners)),
		logger:  logger,
	}

	for _, listener := range cfg.Listeners {
		s := gosmtp.NewServer(cfg.Backend)
		s.Addr = listener.Address
		s.Domain = cfg.Hostname
		s.ReadTimeout = cfg.ReadTimeout
		s.WriteTimeout = cfg.WriteTimeout
		s.MaxMessageBytes = int64(cfg.MaxMessageSize)
		s.MaxRecipients = cfg.MaxRecipients
		s.EnableSMTPUTF8 = true
		// AUTH is only ever accepted once the connection is confidential,
		// whether that came from STARTTLS or (for smtps) implicit TLS.
		s.AllowInsecureAuth = false

		switch listener.Mode {
		case config.ModeSmtp, config.ModeSubmission:
			if cfg.TLSConfig != nil {
				s.TLSConfig = cfg.TLSConfig
			}
		case config.ModeSmtps:
			if cfg.TLSConfig == nil {
				return nil, fmt.Errorf("receiver: listener %s: TLS required for smtps mode but not configured", listener.Address)
			}
			s.TLSConfig = cfg.TLSConfig
		default:
			return nil, fmt.Errorf("receiver: listener %s: mode %q is not an SMTP mode", listener.Address, listener.Mode)
		}

		srv.entries = append(srv.entries, serverEntry{server: s, mode: listener.Mode})
		logger.Info("configured smtp listener", "address", listener.Address, "mode", string(listener.Mode))
	}

	return srv, nil
}

// Run starts every listener's go-smtp server and blocks until ctx is
// cancelled, then shuts each down with a bounded grace period.
func (s *Server) Run(ctx context.Context) error {
	errChan := make(chan error, len(s.entries))

	for _, entry := range s.entries {
		s.wg.Add(1)
		go func(entry serverEntry) {
			defer s.wg.Done()

			var err error
			if entry.mode == config.ModeSmtps {
				s.logger.Info("starting smtps listener", "address", entry.server.Addr)
				err = entry.server.ListenAndServeTLS()
			} else {
				s.logger.Info("starting smtp listener", "address", entry.server.Addr)
				err = entry.server.ListenAndServe()
			}
			if err != nil {
				errChan <- fmt.Errorf("receiver: listener %s: %w", entry.server.Addr, err)
			}
		}(entry)
	}

	<-ctx.Done()
	s.logger.Info("shutting down smtp listeners")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, entry := range s.entries {
		if err := entry.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error shutting down listener", "address", entry.server.Addr, "error", err.Error())
		}
	}

	s.wg.Wait()

	close(errChan)
	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("listener error", "error", err.Error())
	}
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}
