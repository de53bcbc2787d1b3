// Package policy implements heron.Ruleset with a sendmail-style access
// table, relay control and a trust_auth list.
package policy

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/synqronlabs/heron"
	"github.com/synqronlabs/heron/utils"
)

// Policy evaluates the named checks of a session.
type Policy struct {
	// Access is consulted by every check; nil means no entries.
	Access *Table
	// Logger receives one line per non-continue verdict.
	Logger *slog.Logger

	mu sync.RWMutex
	// relayDomains are domains this host accepts mail for.
	relayDomains map[string]bool
	// trusted maps an authenticated identity to the AUTH= values it may
	// assert; "*" trusts any value.
	trusted map[string][]string
}

// New returns a policy accepting mail for relayDomains.
func New(access *Table, relayDomains ...string) *Policy {
	p := &Policy{
		Access:       access,
		Logger:       slog.Default(),
		relayDomains: make(map[string]bool),
		trusted:      make(map[string][]string),
	}
	for _, d := range relayDomains {
		p.AddRelayDomain(d)
	}
	return p
}

// AddRelayDomain accepts mail for domain and its subdomains.
func (p *Policy) AddRelayDomain(domain string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.relayDomains[strings.ToLower(strings.TrimSuffix(domain, "."))] = true
}

// Trust lets identity assert values in MAIL AUTH=.
func (p *Policy) Trust(identity string, values ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trusted[identity] = append(p.trusted[identity], values...)
}

func (p *Policy) isRelayDomain(domain string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	domain = strings.ToLower(domain)
	for domain != "" {
		if p.relayDomains[domain] {
			return true
		}
		_, parent, ok := strings.Cut(domain, ".")
		if !ok {
			break
		}
		domain = parent
	}
	return false
}

// Check implements heron.Ruleset.
func (p *Policy) Check(ctx context.Context, name heron.RulesetName, arg string, env *heron.Envelope) heron.Decision {
	var d heron.Decision
	switch name {
	case heron.RulesetRelay:
		d = p.checkConnect(arg)
	case heron.RulesetMail:
		d = p.checkAddress(TagFrom, arg)
	case heron.RulesetRcpt:
		d = p.checkRcpt(arg, env)
	case heron.RulesetVrfy:
		d = p.checkAddress(TagVrfy, arg)
	case heron.RulesetExpn:
		d = p.checkAddress(TagExpn, arg)
	case heron.RulesetEtrn:
		if v, ok := p.Access.LookupDomain(TagEtrn, strings.TrimPrefix(arg, "@")); ok {
			d = v.Decision()
		}
	case heron.RulesetTrustAuth:
		d = p.checkTrustAuth(arg, env)
	}
	if d.Action != heron.Continue && p.Logger != nil {
		p.Logger.Debug("policy verdict",
			slog.String("ruleset", string(name)),
			slog.String("arg", utils.ShortenString(arg, 100)),
			slog.String("action", d.Action.String()),
		)
	}
	return d
}

func (p *Policy) checkConnect(ip string) heron.Decision {
	v, ok := p.Access.LookupIP(TagConnect, ip)
	if !ok {
		return heron.Accept
	}
	if v.Kind == VerdictReject {
		return heron.RejectWith(heron.CodeTransactionFailed, "5.7.1", "Access denied")
	}
	return v.Decision()
}

func (p *Policy) checkAddress(tag Tag, addr string) heron.Decision {
	v, ok := p.Access.LookupAddress(tag, addr)
	if !ok {
		return heron.Accept
	}
	if v.Kind == VerdictReject {
		return heron.RejectWith(heron.CodeMailboxUnavailable, "5.7.1", strings.Trim(addr, "<>")+"... Access denied")
	}
	return v.Decision()
}

// checkRcpt applies To: entries, then relay control: the recipient
// domain must be a relay domain, or the client must be authenticated or
// carry a RELAY entry.
func (p *Policy) checkRcpt(addr string, env *heron.Envelope) heron.Decision {
	bare := strings.Trim(addr, "<>")
	if v, ok := p.Access.LookupAddress(TagTo, bare); ok {
		switch v.Kind {
		case VerdictRelay, VerdictOK:
			return heron.Accept
		case VerdictReject:
			return heron.RejectWith(heron.CodeMailboxUnavailable, "5.7.1", bare+"... Access denied")
		default:
			return v.Decision()
		}
	}

	_, domain, found := strings.Cut(bare, "@")
	if !found || p.isRelayDomain(domain) {
		return heron.Accept
	}
	if env != nil {
		if env.Client.AuthIdentity != "" {
			return heron.Accept
		}
		if ip, err := utils.GetIPFromAddr(env.Client.Addr); err == nil {
			if v, ok := p.Access.LookupIP(TagConnect, ip.String()); ok && v.Kind == VerdictRelay {
				return heron.Accept
			}
		}
	}
	return heron.RejectWith(heron.CodeMailboxUnavailable, "5.7.1", bare+"... Relaying denied")
}

func (p *Policy) checkTrustAuth(value string, env *heron.Envelope) heron.Decision {
	if env == nil || env.Client.AuthIdentity == "" {
		return heron.Decision{Action: heron.Reject}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, allowed := range p.trusted[env.Client.AuthIdentity] {
		if allowed == "*" || strings.EqualFold(allowed, value) {
			return heron.Accept
		}
	}
	return heron.Decision{Action: heron.Reject}
}
