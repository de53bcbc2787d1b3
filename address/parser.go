package address

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// maxAliasDepth bounds recursive alias expansion.
const maxAliasDepth = 10

// Parser resolves envelope addresses against local users and aliases.
// The zero value accepts every syntactically valid address.
type Parser struct {
	// DefaultDomain is appended to recipients without a domain.
	DefaultDomain string

	mu           sync.RWMutex
	localDomains map[string]bool
	users        map[string]string
	aliases      map[string][]string
}

// NewParser creates a parser treating domains as local.
func NewParser(localDomains ...string) *Parser {
	p := &Parser{
		localDomains: make(map[string]bool),
		users:        make(map[string]string),
		aliases:      make(map[string][]string),
	}
	for _, d := range localDomains {
		p.localDomains[strings.ToLower(d)] = true
	}
	return p
}

// AddUser registers a local mailbox.
func (p *Parser) AddUser(name, fullName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.users == nil {
		p.users = make(map[string]string)
	}
	p.users[strings.ToLower(name)] = fullName
}

// AddAlias maps a local name to one or more targets.
func (p *Parser) AddAlias(name string, targets ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.aliases == nil {
		p.aliases = make(map[string][]string)
	}
	key := strings.ToLower(name)
	p.aliases[key] = append(p.aliases[key], targets...)
}

// LoadUsers reads "name[:Full Name]" lines.
func (p *Parser) LoadUsers(r io.Reader) error {
	return scanLines(r, func(line string) error {
		name, full, _ := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("%w: empty user name", ErrSyntax)
		}
		p.AddUser(name, strings.TrimSpace(full))
		return nil
	})
}

// LoadAliases reads an aliases(5) style file: "name: target, target".
// Lines starting with whitespace continue the previous entry.
func (p *Parser) LoadAliases(r io.Reader) error {
	var pending string
	flush := func() error {
		if pending == "" {
			return nil
		}
		name, rhs, ok := strings.Cut(pending, ":")
		pending = ""
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return fmt.Errorf("%w: alias line without ':'", ErrSyntax)
		}
		var targets []string
		for _, t := range strings.Split(rhs, ",") {
			if t = strings.TrimSpace(t); t != "" {
				targets = append(targets, t)
			}
		}
		p.AddAlias(name, targets...)
		return nil
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		raw := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(raw), "#") {
			continue
		}
		if raw != "" && (raw[0] == ' ' || raw[0] == '\t') {
			pending += " " + strings.TrimSpace(raw)
			continue
		}
		if err := flush(); err != nil {
			return err
		}
		pending = strings.TrimSpace(raw)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return flush()
}

func scanLines(r io.Reader, fn func(string) error) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return sc.Err()
}

// IsLocal reports whether domain is handled by this host. An address
// without a domain is local.
func (p *Parser) IsLocal(domain string) bool {
	if domain == "" {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.localDomains[strings.ToLower(domain)]
}

// Parse parses text as a path for role. "<>" is only valid for senders.
// Local recipients must be a known user or alias once any users or aliases
// are configured; "postmaster" is always accepted.
func (p *Parser) Parse(_ context.Context, text string, role Role) (Address, error) {
	a, err := ParsePath(text)
	if err != nil {
		return Address{}, err
	}
	if a.Null {
		if role == RoleSender {
			return a, nil
		}
		return Address{}, ErrNullAddress
	}
	if a.Domain == "" {
		if role == RoleRecipient && p.DefaultDomain == "" && !strings.EqualFold(a.Local, "postmaster") {
			return Address{}, fmt.Errorf("%w: domain required", ErrSyntax)
		}
		a.Domain = strings.ToLower(p.DefaultDomain)
	}
	if role == RoleRecipient && p.IsLocal(a.Domain) {
		if err := p.resolveLocal(&a); err != nil {
			return Address{}, err
		}
	}
	return a, nil
}

func (p *Parser) resolveLocal(a *Address) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	key := strings.ToLower(a.Local)
	if full, ok := p.users[key]; ok {
		a.FullName = full
		return nil
	}
	if _, ok := p.aliases[key]; ok {
		return nil
	}
	if key == "postmaster" || (len(p.users) == 0 && len(p.aliases) == 0) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownUser, a.String())
}

// Expand resolves a recursively through the alias table. Addresses outside
// the local domains are returned unchanged. Duplicates are removed.
func (p *Parser) Expand(ctx context.Context, a Address) ([]Address, error) {
	var out []Address
	seen := make(map[string]bool)
	if err := p.expand(ctx, a, 0, seen, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Parser) expand(ctx context.Context, a Address, depth int, seen map[string]bool, out *[]Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if depth > maxAliasDepth {
		return fmt.Errorf("%w: %s", ErrAliasLoop, a.String())
	}
	key := strings.ToLower(a.String())
	if seen[key] {
		return nil
	}
	seen[key] = true

	var targets []string
	if p.IsLocal(a.Domain) {
		p.mu.RLock()
		targets = p.aliases[strings.ToLower(a.Local)]
		p.mu.RUnlock()
	}
	if len(targets) == 0 {
		if p.IsLocal(a.Domain) {
			if err := p.resolveLocal(&a); err != nil {
				return err
			}
		}
		*out = append(*out, a)
		return nil
	}
	for _, t := range targets {
		// Bare alias targets are local names.
		if !strings.Contains(t, "@") && a.Domain != "" {
			t = t + "@" + a.Domain
		}
		target, err := ParsePath(t)
		if err != nil {
			return fmt.Errorf("alias %s: %w", a.Local, err)
		}
		if err := p.expand(ctx, target, depth+1, seen, out); err != nil {
			return err
		}
	}
	return nil
}
