package dns

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		isNotFound bool
		isTemp     bool
	}{
		{"not found", ErrDNSNotFound, true, false},
		{"timeout", ErrDNSTimeout, false, true},
		{"servfail", ErrDNSServFail, false, true},
		{"wrapped servfail", fmt.Errorf("%w: upstream", ErrDNSServFail), false, true},
		{"deadline", context.DeadlineExceeded, false, true},
		{"nil", nil, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.isNotFound {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.isNotFound)
			}
			if got := IsTemporary(tt.err); got != tt.isTemp {
				t.Errorf("IsTemporary() = %v, want %v", got, tt.isTemp)
			}
		})
	}
}

func TestPeerName(t *testing.T) {
	r := MockResolver{
		PTR: map[string][]string{
			"192.0.2.10": {"mail.example.com."},
			"192.0.2.20": {"liar.example.net."},
		},
		A: map[string][]string{
			"mail.example.com.": {"192.0.2.10"},
			"liar.example.net.": {"198.51.100.1"},
		},
		Fail: []string{"ptr 192.0.2.30"},
	}
	ctx := context.Background()

	tests := []struct {
		ip   string
		want string
	}{
		{"192.0.2.10", "mail.example.com [192.0.2.10]"},
		{"192.0.2.20", "liar.example.net [192.0.2.20] (may be forged)"},
		{"192.0.2.30", "[192.0.2.30]"},
		{"192.0.2.40", "[192.0.2.40]"},
	}
	for _, tt := range tests {
		addr := &net.TCPAddr{IP: net.ParseIP(tt.ip), Port: 40000}
		if got := PeerName(ctx, r, addr); got != tt.want {
			t.Errorf("PeerName(%s) = %q, want %q", tt.ip, got, tt.want)
		}
	}

	if got := PeerName(ctx, nil, &net.TCPAddr{IP: net.ParseIP("::1")}); got != "[::1]" {
		t.Errorf("PeerName without resolver = %q", got)
	}
}

func TestMockResolverTXT(t *testing.T) {
	r := MockResolver{
		TXT:  map[string][]string{"sel._domainkey.example.com.": {"v=DKIM1; p=abc"}},
		Fail: []string{"txt broken.example."},
	}
	ctx := context.Background()

	res, err := r.LookupTXT(ctx, "sel._domainkey.example.com")
	if err != nil || len(res.Records) != 1 {
		t.Fatalf("LookupTXT() = %v, %v", res, err)
	}
	if _, err := r.LookupTXT(ctx, "broken.example"); !IsServFail(err) {
		t.Errorf("expected servfail, got %v", err)
	}
	if _, err := r.LookupTXT(ctx, "missing.example"); !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := r.LookupTXT(cancelled, "sel._domainkey.example.com"); err == nil {
		t.Error("expected context error")
	}
}

func TestNewResolverDefaults(t *testing.T) {
	r := NewResolver(ResolverConfig{Nameservers: []string{"127.0.0.1:53"}})
	cfg := r.Config()
	if cfg.Timeout != 5*time.Second || cfg.Retries != 2 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.Nameservers) != 1 {
		t.Errorf("nameservers overridden: %v", cfg.Nameservers)
	}
}

func TestLookupAddrNilIP(t *testing.T) {
	r := NewResolver(ResolverConfig{Nameservers: []string{"127.0.0.1:1"}, Timeout: 10 * time.Millisecond})
	if _, err := r.LookupAddr(context.Background(), nil); err == nil {
		t.Error("expected error for nil IP")
	}
}
