package filter

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/synqronlabs/heron"
	"github.com/synqronlabs/heron/dns"
	"github.com/synqronlabs/heron/utils"
)

// DNSBL rejects connections from IPv4 peers listed in any of Zones.
type DNSBL struct {
	heron.NopFilter
	Resolver dns.Resolver
	Zones    []string
	Logger   *slog.Logger
}

// reverseName builds the blocklist query name for ip under zone.
func reverseName(ip net.IP, zone string) (string, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return "", false
	}
	return fmt.Sprintf("%d.%d.%d.%d.%s", v4[3], v4[2], v4[1], v4[0], strings.TrimSuffix(zone, ".")), true
}

func (b DNSBL) Connect(ctx context.Context, info heron.ClientInfo) heron.Decision {
	ip, err := utils.GetIPFromAddr(info.Addr)
	if err != nil || b.Resolver == nil {
		return heron.Accept
	}
	for _, zone := range b.Zones {
		name, ok := reverseName(ip, zone)
		if !ok {
			return heron.Accept
		}
		res, err := b.Resolver.LookupIP(ctx, name)
		if err != nil {
			if !dns.IsNotFound(err) && b.Logger != nil {
				b.Logger.Warn("blocklist lookup failed", slog.String("zone", zone), slog.Any("error", err))
			}
			continue
		}
		if len(res.Records) > 0 {
			if b.Logger != nil {
				b.Logger.Info("peer listed", slog.String("ip", ip.String()), slog.String("zone", zone))
			}
			return heron.RejectWith(heron.CodeMailboxUnavailable, "5.7.1",
				fmt.Sprintf("Rejected: %s listed at %s", ip, zone))
		}
	}
	return heron.Accept
}
