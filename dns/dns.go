// Package dns resolves the names the SMTP server needs: the connecting
// peer's PTR name (with forward confirmation) and TXT records for message
// verification.
package dns

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/synqronlabs/heron/utils"
)

var (
	ErrDNSNotFound = errors.New("dns: no such record")
	ErrDNSTimeout  = errors.New("dns: timeout")
	ErrDNSServFail = errors.New("dns: server failure")
	ErrDNSRefused  = errors.New("dns: query refused")
	ErrDNSBogus    = errors.New("dns: DNSSEC validation failed")
)

// Result holds the records of one lookup.
type Result[T any] struct {
	Records []T
	// Authentic is set when the answer was DNSSEC-validated upstream.
	Authentic bool
}

// Resolver is the lookup surface used by the server and its filters.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) (Result[string], error)
	LookupIP(ctx context.Context, host string) (Result[net.IP], error)
	LookupAddr(ctx context.Context, ip net.IP) (Result[string], error)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrDNSNotFound) }
func IsTimeout(err error) bool  { return errors.Is(err, ErrDNSTimeout) }
func IsServFail(err error) bool { return errors.Is(err, ErrDNSServFail) }

// IsTemporary reports whether retrying the lookup later may succeed.
func IsTemporary(err error) bool {
	return IsTimeout(err) || IsServFail(err) || errors.Is(err, context.DeadlineExceeded)
}

// PeerName builds the client description used in greetings and logs:
// "name [ip]" when the PTR name resolves back to ip, "name [ip] (may be
// forged)" when it does not, and "[ip]" when there is no usable PTR record.
func PeerName(ctx context.Context, r Resolver, addr net.Addr) string {
	ip, err := utils.GetIPFromAddr(addr)
	if err != nil {
		if addr == nil {
			return "[unknown]"
		}
		return "[" + addr.String() + "]"
	}
	literal := "[" + ip.String() + "]"
	if r == nil {
		return literal
	}

	ptr, err := r.LookupAddr(ctx, ip)
	if err != nil || len(ptr.Records) == 0 {
		return literal
	}
	name := strings.TrimSuffix(ptr.Records[0], ".")
	if name == "" {
		return literal
	}

	fwd, err := r.LookupIP(ctx, name)
	if err == nil {
		for _, candidate := range fwd.Records {
			if candidate.Equal(ip) {
				return name + " " + literal
			}
		}
	}
	return name + " " + literal + " (may be forged)"
}
