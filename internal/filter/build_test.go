package filter

import (
	"testing"
	"time"
)

func TestBuildChainRecognizesAllTokenKinds(t *testing.T) {
	chain, err := BuildChain([]string{"msgid", "mx-lookup", "copy", "/usr/local/bin/scan", "127.0.0.1:11332"}, ChainSpec{
		Hostname:  "mail.example.com",
		SMTPPort:  "25",
		MXServers: []string{"127.0.0.1:53"},
		Timeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("BuildChain() error = %v", err)
	}
	if chain == nil {
		t.Fatal("BuildChain() returned nil chain")
	}
	if len(chain.filters) != 5 {
		t.Fatalf("expected 5 filters, got %d", len(chain.filters))
	}
}

func TestBuildChainRejectsUnknownToken(t *testing.T) {
	_, err := BuildChain([]string{"not-a-real-filter"}, ChainSpec{})
	if err == nil {
		t.Fatal("expected error for unrecognized token")
	}
}

func TestBuildChainEmptyTokensReturnsEmptyChain(t *testing.T) {
	chain, err := BuildChain(nil, ChainSpec{})
	if err != nil {
		t.Fatalf("BuildChain() error = %v", err)
	}
	if len(chain.filters) != 0 {
		t.Fatalf("expected 0 filters, got %d", len(chain.filters))
	}
}
