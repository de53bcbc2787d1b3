package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// ResolverConfig configures DNSResolver.
type ResolverConfig struct {
	// Nameservers as host:port. Empty means the servers in /etc/resolv.conf,
	// or public resolvers when that file cannot be read.
	Nameservers []string
	// DNSSEC sets the DO bit and reports the AD flag through Result.Authentic.
	DNSSEC  bool
	Timeout time.Duration
	Retries int
}

// DNSResolver queries nameservers directly with miekg/dns.
type DNSResolver struct {
	config ResolverConfig
	client *mdns.Client
}

var _ Resolver = (*DNSResolver)(nil)

// NewResolver creates a resolver; zero fields get defaults (5s, 2 retries).
func NewResolver(config ResolverConfig) *DNSResolver {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Retries == 0 {
		config.Retries = 2
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = systemNameservers()
	}
	return &DNSResolver{
		config: config,
		client: &mdns.Client{Timeout: config.Timeout},
	}
}

func systemNameservers() []string {
	cc, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cc.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}
	servers := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		servers = append(servers, net.JoinHostPort(s, cc.Port))
	}
	return servers
}

// exchange sends one question to each nameserver in turn, retrying the
// whole list config.Retries times on transient failures.
func (r *DNSResolver) exchange(ctx context.Context, name string, qtype uint16) ([]mdns.RR, bool, error) {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(name), qtype)
	m.RecursionDesired = true
	if r.config.DNSSEC {
		m.SetEdns0(4096, true)
	}

	lastErr := ErrDNSServFail
	for attempt := 0; attempt <= r.config.Retries; attempt++ {
		for _, server := range r.config.Nameservers {
			if err := ctx.Err(); err != nil {
				return nil, false, err
			}
			resp, _, err := r.client.ExchangeContext(ctx, m, server)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					lastErr = ErrDNSTimeout
				} else {
					lastErr = fmt.Errorf("%w: %v", ErrDNSServFail, err)
				}
				continue
			}
			authentic := r.config.DNSSEC && resp.AuthenticatedData
			switch resp.Rcode {
			case mdns.RcodeSuccess:
				return resp.Answer, authentic, nil
			case mdns.RcodeNameError:
				return nil, authentic, ErrDNSNotFound
			case mdns.RcodeServerFailure:
				lastErr = ErrDNSServFail
				if r.config.DNSSEC {
					lastErr = ErrDNSBogus
				}
			case mdns.RcodeRefused:
				lastErr = ErrDNSRefused
			default:
				lastErr = fmt.Errorf("dns: unexpected rcode %s", mdns.RcodeToString[resp.Rcode])
			}
		}
	}
	return nil, false, lastErr
}

// LookupTXT returns the TXT strings of name, each record's segments joined.
func (r *DNSResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	answer, authentic, err := r.exchange(ctx, name, mdns.TypeTXT)
	res := Result[string]{Authentic: authentic}
	if err != nil {
		return res, err
	}
	for _, rr := range answer {
		if txt, ok := rr.(*mdns.TXT); ok {
			res.Records = append(res.Records, strings.Join(txt.Txt, ""))
		}
	}
	if len(res.Records) == 0 {
		return res, ErrDNSNotFound
	}
	return res, nil
}

// LookupIP returns the A and AAAA addresses of host.
func (r *DNSResolver) LookupIP(ctx context.Context, host string) (Result[net.IP], error) {
	res := Result[net.IP]{Authentic: true}
	var firstErr error
	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		answer, authentic, err := r.exchange(ctx, host, qtype)
		if err != nil {
			if !IsNotFound(err) && firstErr == nil {
				firstErr = err
			}
			continue
		}
		res.Authentic = res.Authentic && authentic
		for _, rr := range answer {
			switch v := rr.(type) {
			case *mdns.A:
				res.Records = append(res.Records, v.A)
			case *mdns.AAAA:
				res.Records = append(res.Records, v.AAAA)
			}
		}
	}
	if len(res.Records) == 0 {
		res.Authentic = false
		if firstErr != nil {
			return res, firstErr
		}
		return res, ErrDNSNotFound
	}
	return res, nil
}

// LookupAddr returns the PTR names of ip.
func (r *DNSResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	if ip == nil {
		return Result[string]{}, errors.New("dns: nil IP address")
	}
	arpa, err := mdns.ReverseAddr(ip.String())
	if err != nil {
		return Result[string]{}, fmt.Errorf("dns: invalid IP for reverse lookup: %w", err)
	}
	answer, authentic, err := r.exchange(ctx, arpa, mdns.TypePTR)
	res := Result[string]{Authentic: authentic}
	if err != nil {
		return res, err
	}
	for _, rr := range answer {
		if ptr, ok := rr.(*mdns.PTR); ok {
			res.Records = append(res.Records, ptr.Ptr)
		}
	}
	if len(res.Records) == 0 {
		return res, ErrDNSNotFound
	}
	return res, nil
}

// Config returns the effective configuration.
func (r *DNSResolver) Config() ResolverConfig {
	return r.config
}
