package filter

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/infodancer/emailrelay/internal/store"
)

func serveOnce(t *testing.T, respond func(line string) string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		line = line[:len(line)-2]
		conn.Write([]byte(respond(line) + "\r\n"))
	}()
	return ln.Addr().String()
}

func TestNetworkFilterOk(t *testing.T) {
	addr := serveOnce(t, func(string) string { return "ok" })
	f := NewNetworkFilter(addr, time.Second, nil)

	res, err := f.Run(context.Background(), &Message{ID: store.NewMessageId("emailrelay.1.2.3")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Kind != Ok {
		t.Errorf("Kind = %v, want Ok", res.Kind)
	}
}

func TestNetworkFilterAbandon(t *testing.T) {
	addr := serveOnce(t, func(string) string { return "abandon" })
	f := NewNetworkFilter(addr, time.Second, nil)

	res, err := f.Run(context.Background(), &Message{ID: store.NewMessageId("emailrelay.1.2.3")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Kind != Abandon {
		t.Errorf("Kind = %v, want Abandon", res.Kind)
	}
}

func TestNetworkFilterFailWithCodeAndReason(t *testing.T) {
	addr := serveOnce(t, func(string) string { return "550 spam detected" })
	f := NewNetworkFilter(addr, time.Second, nil)

	res, err := f.Run(context.Background(), &Message{ID: store.NewMessageId("emailrelay.1.2.3")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Kind != Fail || res.Code != 550 || res.Reason != "spam detected" {
		t.Errorf("Kind/Code/Reason = %v/%d/%q", res.Kind, res.Code, res.Reason)
	}
}

func TestNetworkFilterEchoesMessageID(t *testing.T) {
	var got string
	addr := serveOnce(t, func(line string) string {
		got = line
		return "ok"
	})
	f := NewNetworkFilter(addr, time.Second, nil)

	id := store.NewMessageId("emailrelay.42.99.7")
	if _, err := f.Run(context.Background(), &Message{ID: id}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != id.String() {
		t.Errorf("server saw %q, want %q", got, id.String())
	}
}
