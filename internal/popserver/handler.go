package popserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/infodancer/auth"

	"github.com/infodancer/emailrelay/internal/metrics"
	"github.com/infodancer/emailrelay/internal/server"
)

// Handler returns a server.ConnectionHandler serving POP3 against the spool
// rooted at spoolDir, authenticating with authAgent. collector may be nil,
// in which case no metrics are recorded.
func Handler(hostname, spoolDir string, authAgent auth.AuthenticationAgent, collector metrics.Collector, opts Options) server.ConnectionHandler {
	RegisterAllCommands()

	return func(ctx context.Context, conn *server.Connection) {
		handleConnection(ctx, conn, hostname, spoolDir, authAgent, collector, opts)
	}
}

func handleConnection(ctx context.Context, conn *server.Connection, hostname, spoolDir string, authAgent auth.AuthenticationAgent, collector metrics.Collector, opts Options) {
	logger := conn.Logger()

	if collector != nil {
		collector.ConnectionOpened()
		defer collector.ConnectionClosed()
	}
	if conn.IsTLS() && collector != nil {
		collector.TLSConnectionEstablished()
	}

	sess := NewSession(hostname, spoolDir, authAgent, opts)
	logger.Info("starting POP3 session")

	greeting := fmt.Sprintf("+OK %s POP3 server ready\r\n", hostname)
	if _, err := conn.Writer().WriteString(greeting); err != nil {
		logger.Error("failed to send greeting", "error", err)
		return
	}
	if err := conn.Flush(); err != nil {
		logger.Error("failed to flush greeting", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("context cancelled, closing connection")
			return
		default:
		}

		if conn.IsClosed() {
			return
		}

		if err := conn.SetCommandTimeout(); err != nil {
			logger.Error("failed to set command timeout", "error", err)
			return
		}

		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			if err == io.EOF {
				logger.Info("client closed connection")
			} else {
				logger.Error("error reading command", "error", err)
			}
			return
		}

		if err := conn.ResetIdleTimeout(); err != nil {
			logger.Error("failed to reset idle timeout", "error", err)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		name, args := ParseCommand(line)
		cmd, ok := GetCommand(name)
		if !ok {
			writeResponse(conn, logger, Response{OK: false, Message: "Unknown command"})
			continue
		}

		if collector != nil {
			collector.CommandProcessed(name)
		}

		resp, err := cmd.Execute(ctx, sess, conn, args)
		if err != nil {
			logger.Error("command execution error", "command", name, "error", err)
			writeResponse(conn, logger, Response{OK: false, Message: "Internal server error"})
			continue
		}

		if name == "PASS" && collector != nil {
			collector.AuthAttempt(resp.OK)
		}

		if !writeResponse(conn, logger, resp) {
			return
		}

		if name == "QUIT" {
			logger.Info("QUIT received, closing connection")
			return
		}
	}
}

func writeResponse(conn *server.Connection, logger *slog.Logger, resp Response) bool {
	if _, err := conn.Writer().WriteString(resp.String()); err != nil {
		logger.Error("failed to send response", "error", err)
		return false
	}
	if err := conn.Flush(); err != nil {
		logger.Error("failed to flush response", "error", err)
		return false
	}
	return true
}
