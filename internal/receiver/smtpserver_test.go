package receiver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/infodancer/emailrelay/internal/config"
)

func TestNewServer(t *testing.T) {
	backend := NewBackend(Config{
		Hostname:      "localhost",
		MaxRecipients: 100,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	srv, err := NewServer(ServerConfig{
		Backend: backend,
		Listeners: []config.ListenerConfig{
			{Address: addr, Mode: config.ModeSmtp},
		},
		Hostname:       "localhost",
		ReadTimeout:    5 * time.Minute,
		WriteTimeout:   5 * time.Minute,
		MaxMessageSize: 10485760,
		MaxRecipients:  100,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv == nil {
		t.Fatal("expected server, got nil")
	}
	if len(srv.entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(srv.entries))
	}
}

func TestNewServerSmtpsWithoutTLS(t *testing.T) {
	backend := NewBackend(Config{Hostname: "localhost"})

	_, err := NewServer(ServerConfig{
		Backend: backend,
		Listeners: []config.ListenerConfig{
			{Address: ":465", Mode: config.ModeSmtps},
		},
		Hostname: "localhost",
	})
	if err == nil {
		t.Error("expected error for smtps listener without TLS config")
	}
}

func TestNewServerRejectsNonSmtpMode(t *testing.T) {
	backend := NewBackend(Config{Hostname: "localhost"})

	_, err := NewServer(ServerConfig{
		Backend: backend,
		Listeners: []config.ListenerConfig{
			{Address: ":110", Mode: config.ModePop3},
		},
		Hostname: "localhost",
	})
	if err == nil {
		t.Error("expected error for non-smtp listener mode")
	}
}

func TestServerRunAcceptsConnection(t *testing.T) {
	backend := NewBackend(Config{
		Hostname:      "localhost",
		MaxRecipients: 100,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	srv, err := NewServer(ServerConfig{
		Backend: backend,
		Listeners: []config.ListenerConfig{
			{Address: addr, Mode: config.ModeSmtp},
		},
		Hostname:       "localhost",
		ReadTimeout:    5 * time.Minute,
		WriteTimeout:   5 * time.Minute,
		MaxMessageSize: 10485760,
		MaxRecipients:  100,
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to connect to server: %v", err)
	}

	buf := make([]byte, 512)
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("failed to read greeting: %v", err)
	}
	_ = conn.Close()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
