package dns

import (
	"context"
	"net"
	"slices"
)

// MockResolver answers from in-memory tables. Names are matched as FQDNs
// (trailing dot); PTR entries are keyed by the textual IP.
type MockResolver struct {
	PTR  map[string][]string
	A    map[string][]string
	AAAA map[string][]string
	TXT  map[string][]string

	// Fail lists "type name" pairs (for example "txt example.com." or
	// "ptr 192.0.2.1") that answer with ErrDNSServFail.
	Fail []string
}

var _ Resolver = MockResolver{}

func (r MockResolver) failed(kind, name string) bool {
	return slices.Contains(r.Fail, kind+" "+name)
}

func (r MockResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	if err := ctx.Err(); err != nil {
		return Result[string]{}, err
	}
	name = fqdn(name)
	if r.failed("txt", name) {
		return Result[string]{}, ErrDNSServFail
	}
	if recs := r.TXT[name]; len(recs) > 0 {
		return Result[string]{Records: recs}, nil
	}
	return Result[string]{}, ErrDNSNotFound
}

func (r MockResolver) LookupIP(ctx context.Context, host string) (Result[net.IP], error) {
	if err := ctx.Err(); err != nil {
		return Result[net.IP]{}, err
	}
	host = fqdn(host)
	if r.failed("a", host) || r.failed("aaaa", host) {
		return Result[net.IP]{}, ErrDNSServFail
	}
	var ips []net.IP
	for _, s := range append(slices.Clone(r.A[host]), r.AAAA[host]...) {
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
		}
	}
	if len(ips) == 0 {
		return Result[net.IP]{}, ErrDNSNotFound
	}
	return Result[net.IP]{Records: ips}, nil
}

func (r MockResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	if err := ctx.Err(); err != nil {
		return Result[string]{}, err
	}
	key := ip.String()
	if r.failed("ptr", key) {
		return Result[string]{}, ErrDNSServFail
	}
	if recs := r.PTR[key]; len(recs) > 0 {
		return Result[string]{Records: recs}, nil
	}
	return Result[string]{}, ErrDNSNotFound
}

func fqdn(name string) string {
	if name == "" || name[len(name)-1] != '.' {
		return name + "."
	}
	return name
}
