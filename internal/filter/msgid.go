package filter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

const (
	maxHeaderLineBytes = 10000
	msgidHeaderName    = "message-id"
)

// MessageIdFilter injects a synthesized Message-ID header into content that
// lacks one, scanning only the header region (bounded per-line, ending at
// the first blank line or a malformed line).
type MessageIdFilter struct {
	domain  string
	pid     int
	counter uint64
	logger  *slog.Logger

	// now is overridable in tests.
	now func() time.Time
}

// NewMessageIdFilter returns a MessageIdFilter that synthesizes ids of the
// form "<unix_s.unix_us.pid.counter@domain>".
func NewMessageIdFilter(domain string, logger *slog.Logger) *MessageIdFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageIdFilter{
		domain: domain,
		pid:    os.Getpid(),
		logger: logger,
		now:    time.Now,
	}
}

// ID identifies this filter in log lines.
func (f *MessageIdFilter) ID() string { return "msgid" }

// Run scans msg.ContentPath's header region for an existing Message-ID
// header. If one is present it returns Ok unchanged. Otherwise it
// synthesizes one and unconditionally prepends it at the start of the
// content, then atomically replaces the content file.
func (f *MessageIdFilter) Run(ctx context.Context, msg *Message) (Result, error) {
	in, err := os.Open(msg.ContentPath)
	if err != nil {
		return Result{}, fmt.Errorf("msgid filter: %w", err)
	}
	defer in.Close()

	hasMessageId, malformed, err := scanHeaderRegion(in)
	if err != nil {
		return Result{}, fmt.Errorf("msgid filter: %w", err)
	}
	if malformed {
		return FailResult("", 0, "format error"), nil
	}
	if hasMessageId {
		return OkResult(), nil
	}

	header := f.synthesize()

	tmp := msg.ContentPath + ".msgid.tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		return Result{}, fmt.Errorf("msgid filter: %w", err)
	}

	if _, err := out.WriteString(header); err != nil {
		out.Close()
		os.Remove(tmp)
		return Result{}, fmt.Errorf("msgid filter: %w", err)
	}
	if _, err := in.Seek(0, 0); err != nil {
		out.Close()
		os.Remove(tmp)
		return Result{}, fmt.Errorf("msgid filter: %w", err)
	}
	if _, err := bufio.NewReader(in).WriteTo(out); err != nil {
		out.Close()
		os.Remove(tmp)
		return Result{}, fmt.Errorf("msgid filter: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return Result{}, fmt.Errorf("msgid filter: %w", err)
	}
	if err := os.Rename(tmp, msg.ContentPath); err != nil {
		return Result{}, fmt.Errorf("msgid filter: %w", err)
	}
	return OkResult(), nil
}

func (f *MessageIdFilter) synthesize() string {
	now := f.now()
	seq := atomic.AddUint64(&f.counter, 1)
	return fmt.Sprintf("Message-ID: <%d.%d.%d.%d@%s>\r\n", now.Unix(), now.UnixMicro()%1000000, f.pid, seq, f.domain)
}

// scanHeaderRegion reads the header region of r (up to the first blank
// line, each line capped at maxHeaderLineBytes), reporting whether a
// Message-ID header was seen and whether a line exceeded the cap
// (malformed). The field name is matched case-insensitively, per isId in
// the filter this is grounded on.
func scanHeaderRegion(r *os.File) (hasMessageId, malformed bool, err error) {
	reader := bufio.NewReaderSize(r, maxHeaderLineBytes+1)

	for {
		line, lineErr := reader.ReadString('\n')
		if len(line) > maxHeaderLineBytes {
			return hasMessageId, true, nil
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if len(trimmed) == 0 {
			break
		}
		if isMessageIdHeader(trimmed) {
			hasMessageId = true
		}

		if lineErr != nil {
			break
		}
	}
	return hasMessageId, false, nil
}

// isMessageIdHeader reports whether line's field name, the part before its
// first colon, case-insensitively matches "Message-ID".
func isMessageIdHeader(line string) bool {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return false
	}
	return strings.EqualFold(line[:colon], msgidHeaderName)
}
