// Package address parses SMTP envelope paths and resolves local users and
// aliases for RCPT, VRFY and EXPN.
package address

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// RFC 5321 section 4.5.3.1 size limits.
const (
	MaxLocalPartLength = 64
	MaxDomainLength    = 255
	MaxPathLength      = 256
)

var (
	ErrSyntax      = errors.New("address: syntax error")
	ErrTooLong     = errors.New("address: too long")
	ErrNullAddress = errors.New("address: null address not allowed")
	ErrUnknownUser = errors.New("address: user unknown")
	ErrAliasLoop   = errors.New("address: alias expansion too deep")
)

// Role tells the parser which envelope slot the address is for.
type Role int

const (
	RoleSender Role = iota
	RoleRecipient
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "recipient"
}

// Address is a parsed envelope address.
type Address struct {
	Local  string
	Domain string
	// FullName is filled in for known local users.
	FullName string
	// Null marks the "<>" reverse path.
	Null bool
}

// String returns local@domain, the bare local part when there is no
// domain, or "" for the null address.
func (a Address) String() string {
	if a.Null {
		return ""
	}
	if a.Domain == "" {
		return a.Local
	}
	return a.Local + "@" + a.Domain
}

// Path returns the address in angle brackets.
func (a Address) Path() string {
	return "<" + a.String() + ">"
}

// Equal compares addresses with a case-insensitive domain.
func (a Address) Equal(b Address) bool {
	return a.Null == b.Null && a.Local == b.Local && strings.EqualFold(a.Domain, b.Domain)
}

// ParsePath parses a reverse or forward path such as "<user@example.com>",
// "<@relay.example:user@example.com>" or a bare "user@example.com".
// Source routes are dropped. Domains are converted to their ASCII form.
func ParsePath(text string) (Address, error) {
	s := strings.TrimSpace(text)
	if len(s) > MaxPathLength {
		return Address{}, fmt.Errorf("%w: path exceeds %d octets", ErrTooLong, MaxPathLength)
	}
	if strings.HasPrefix(s, "<") {
		if !strings.HasSuffix(s, ">") {
			return Address{}, fmt.Errorf("%w: unbalanced '<'", ErrSyntax)
		}
		s = strings.TrimSpace(s[1 : len(s)-1])
	} else if strings.ContainsAny(s, "<> \t") {
		return Address{}, fmt.Errorf("%w: malformed path %q", ErrSyntax, text)
	}
	if s == "" {
		return Address{Null: true}, nil
	}

	if s[0] == '@' {
		idx := strings.IndexByte(s, ':')
		if idx < 0 {
			return Address{}, fmt.Errorf("%w: source route without ':'", ErrSyntax)
		}
		s = s[idx+1:]
	}

	local, domain, err := splitMailbox(s)
	if err != nil {
		return Address{}, err
	}
	if domain != "" {
		domain, err = normalizeDomain(domain)
		if err != nil {
			return Address{}, err
		}
	}
	return Address{Local: local, Domain: domain}, nil
}

// splitMailbox splits at the last '@' outside a quoted local part.
func splitMailbox(s string) (local, domain string, err error) {
	at := -1
	quoted := false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && quoted:
			i++
		case c == '"':
			quoted = !quoted
		case c == '@' && !quoted:
			at = i
		case c < ' ' || c == 0x7f:
			return "", "", fmt.Errorf("%w: control character in address", ErrSyntax)
		}
	}
	if quoted {
		return "", "", fmt.Errorf("%w: unbalanced quote", ErrSyntax)
	}
	if at < 0 {
		local = s
	} else {
		local, domain = s[:at], s[at+1:]
		if domain == "" {
			return "", "", fmt.Errorf("%w: empty domain", ErrSyntax)
		}
	}
	if local == "" {
		return "", "", fmt.Errorf("%w: empty local part", ErrSyntax)
	}
	if len(local) > MaxLocalPartLength {
		return "", "", fmt.Errorf("%w: local part exceeds %d octets", ErrTooLong, MaxLocalPartLength)
	}
	if !strings.HasPrefix(local, `"`) && (strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..")) {
		return "", "", fmt.Errorf("%w: bad dots in local part", ErrSyntax)
	}
	return local, domain, nil
}

func normalizeDomain(domain string) (string, error) {
	if strings.HasPrefix(domain, "[") {
		if !strings.HasSuffix(domain, "]") || len(domain) < 3 {
			return "", fmt.Errorf("%w: bad address literal %q", ErrSyntax, domain)
		}
		return domain, nil
	}
	ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(domain, "."))
	if err != nil {
		return "", fmt.Errorf("%w: bad domain %q: %v", ErrSyntax, domain, err)
	}
	if len(ascii) > MaxDomainLength {
		return "", fmt.Errorf("%w: domain exceeds %d octets", ErrTooLong, MaxDomainLength)
	}
	return strings.ToLower(ascii), nil
}
