package receiver

import (
	"context"
	"log/slog"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	autherrors "github.com/infodancer/auth/errors"
)

// AuthMechanisms implements smtp.AuthSession. AUTH is only advertised once
// TLS is active or the peer is localhost, matching the teacher's
// sessionIsLocalhost/TLS gating for PLAIN-style mechanisms.
func (s *Session) AuthMechanisms() []string {
	_, isTLS := s.conn.TLSConnectionState()
	if !isTLS && !isLocalhost(s.clientIP) {
		return nil
	}

	var mechs []string
	if s.backend.authAgent != nil {
		mechs = append(mechs, sasl.Plain)
	}
	if s.backend.oauthAgent != nil {
		mechs = append(mechs, sasl.OAuthBearer)
	}
	return mechs
}

// Auth implements smtp.AuthSession.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	switch mech {
	case sasl.Plain:
		if s.backend.authAgent == nil {
			return nil, smtp.ErrAuthUnsupported
		}
		return sasl.NewPlainServer(func(identity, username, password string) error {
			ctx := context.Background()
			authSession, err := s.backend.authAgent.Authenticate(ctx, username, password)
			if err != nil {
				if s.backend.collector != nil {
					s.backend.collector.AuthAttempt(false)
				}
				s.logger.Debug("authentication failed", "username", username, "error", err)
				if err == autherrors.ErrAuthFailed || err == autherrors.ErrUserNotFound {
					return &smtp.SMTPError{
						Code:         535,
						EnhancedCode: smtp.EnhancedCode{5, 7, 8},
						Message:      "Authentication credentials invalid",
					}
				}
				return &smtp.SMTPError{
					Code:         454,
					EnhancedCode: smtp.EnhancedCode{4, 7, 0},
					Message:      "Temporary authentication failure",
				}
			}

			if authSession != nil && authSession.User != nil {
				s.authId = authSession.User.Username
			} else {
				s.authId = username
			}
			s.authMechanism = "PLAIN"

			if s.backend.collector != nil {
				s.backend.collector.AuthAttempt(true)
			}
			s.logger.Debug("authentication successful", slog.String("username", s.authId))
			return nil
		}), nil

	case sasl.OAuthBearer:
		if s.backend.oauthAgent == nil {
			return nil, smtp.ErrAuthUnsupported
		}
		return sasl.NewOAuthBearerServer(func(opts sasl.OAuthBearerOptions) *sasl.OAuthBearerError {
			ctx := context.Background()
			username, err := s.backend.oauthAgent.ValidateToken(ctx, opts.Token)
			if err != nil {
				if s.backend.collector != nil {
					s.backend.collector.AuthAttempt(false)
				}
				s.logger.Debug("OAuth authentication failed", "username", opts.Username, "error", err)
				return &sasl.OAuthBearerError{
					Status:  "invalid_token",
					Schemes: "bearer",
				}
			}

			s.authId = username
			s.authMechanism = "OAUTHBEARER"

			if s.backend.collector != nil {
				s.backend.collector.AuthAttempt(true)
			}
			s.logger.Debug("OAuth authentication successful", slog.String("username", username))
			return nil
		}), nil

	default:
		return nil, smtp.ErrAuthUnknownMechanism
	}
}

func isLocalhost(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1" ||
		(len(ip) > 4 && ip[:4] == "127.") || ip == "localhost"
}
