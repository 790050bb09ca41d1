package filter

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/miekg/dns"
)

// MxLookupFilter resolves an envelope's forward-to domain to a literal
// "ip:port" via MX, one CNAME hop, then A/AAAA, writing the result into
// ForwardToAddress. Retries each configured nameserver with a short per-NS
// timeout, then all of them again with a longer restart timeout, matching
// the teacher corpus's dnssec.ExtResolver retry shape.
type MxLookupFilter struct {
	servers        []string
	smtpPort       string
	timeout        time.Duration
	restartTimeout time.Duration
	logger         *slog.Logger

	client *dns.Client
}

// NewMxLookupFilter returns an MxLookupFilter querying servers (each a
// "host:port" nameserver address) and resolving upstream addresses for
// delivery on smtpPort.
func NewMxLookupFilter(servers []string, smtpPort string, timeout, restartTimeout time.Duration, logger *slog.Logger) *MxLookupFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MxLookupFilter{
		servers:        servers,
		smtpPort:       smtpPort,
		timeout:        timeout,
		restartTimeout: restartTimeout,
		logger:         logger,
		client:         &dns.Client{Timeout: timeout},
	}
}

// ID identifies this filter in log lines.
func (f *MxLookupFilter) ID() string { return "mxlookup" }

// Run resolves msg.Envelope.ForwardTo to an address and writes it into
// ForwardToAddress. On any resolution failure it returns Fail with the
// reason set to the underlying DNS error.
func (f *MxLookupFilter) Run(ctx context.Context, msg *Message) (Result, error) {
	domain := msg.Envelope.ForwardTo
	if domain == "" {
		return FailResult("", 0, "no forward-to domain"), nil
	}

	target, err := f.resolveMx(ctx, domain)
	if err != nil {
		return FailResult("", 0, err.Error()), nil
	}

	target, err = f.followCNAME(ctx, target)
	if err != nil {
		return FailResult("", 0, err.Error()), nil
	}

	ip, err := f.resolveAddress(ctx, target)
	if err != nil {
		return FailResult("", 0, err.Error()), nil
	}

	msg.Envelope.ForwardToAddress = net.JoinHostPort(ip.String(), f.smtpPort)
	return OkResult(), nil
}

type mxRecord struct {
	host string
	pref uint16
}

func (f *MxLookupFilter) resolveMx(ctx context.Context, domain string) (string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeMX)

	resp, err := f.exchange(ctx, msg)
	if err != nil {
		return "", err
	}

	var records []mxRecord
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			records = append(records, mxRecord{host: mx.Mx, pref: mx.Preference})
		}
	}
	if len(records) == 0 {
		// no MX record: fall back to the domain itself, per RFC 5321 §5.1.
		return domain, nil
	}
	sort.Slice(records, func(i, j int) bool { return records[i].pref < records[j].pref })
	return records[0].host, nil
}

func (f *MxLookupFilter) followCNAME(ctx context.Context, name string) (string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeCNAME)

	resp, err := f.exchange(ctx, msg)
	if err != nil {
		return name, nil //nolint:nilerr // CNAME absence is not an error; keep original name
	}
	for _, rr := range resp.Answer {
		if cname, ok := rr.(*dns.CNAME); ok {
			return cname.Target, nil
		}
	}
	return name, nil
}

func (f *MxLookupFilter) resolveAddress(ctx context.Context, name string) (net.IP, error) {
	msgA := new(dns.Msg)
	msgA.SetQuestion(dns.Fqdn(name), dns.TypeA)
	if resp, err := f.exchange(ctx, msgA); err == nil {
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				return a.A, nil
			}
		}
	}

	msgAAAA := new(dns.Msg)
	msgAAAA.SetQuestion(dns.Fqdn(name), dns.TypeAAAA)
	resp, err := f.exchange(ctx, msgAAAA)
	if err != nil {
		return nil, fmt.Errorf("mxlookup: no A/AAAA record for %s: %w", name, err)
	}
	for _, rr := range resp.Answer {
		if aaaa, ok := rr.(*dns.AAAA); ok {
			return aaaa.AAAA, nil
		}
	}
	return nil, fmt.Errorf("mxlookup: no A/AAAA record for %s", name)
}

// exchange tries every configured nameserver with the short per-NS timeout,
// then retries the whole list once more with restartTimeout before giving
// up. dns.Client.ExchangeContext dials using the address family implied by
// the nameserver's own address, so IPv4 and IPv6 nameservers are naturally
// queried over distinct sockets without any family bookkeeping here.
func (f *MxLookupFilter) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var lastErr error
	for _, timeout := range []time.Duration{f.timeout, f.restartTimeout} {
		for _, srv := range f.servers {
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			resp, _, err := f.client.ExchangeContext(runCtx, msg, srv)
			cancel()
			if err != nil {
				lastErr = err
				continue
			}
			if resp.Rcode != dns.RcodeSuccess {
				lastErr = fmt.Errorf("mxlookup: rcode %d for %s", resp.Rcode, msg.Question[0].Name)
				continue
			}
			return resp, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("mxlookup: no nameservers configured")
	}
	return nil, lastErr
}
