package policy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/synqronlabs/heron"
)

// Tag scopes an access table key to one checkpoint.
type Tag string

const (
	TagConnect Tag = "Connect"
	TagFrom    Tag = "From"
	TagTo      Tag = "To"
	TagVrfy    Tag = "Vrfy"
	TagExpn    Tag = "Expn"
	TagEtrn    Tag = "Etrn"
	// TagNone matches keys written without a tag.
	TagNone Tag = ""
)

// Verdict is the right-hand side of an access table entry.
type Verdict struct {
	Kind VerdictKind
	// Code, EnhancedCode and Message are set for ERROR entries.
	Code         heron.SMTPCode
	EnhancedCode string
	Message      string
}

// VerdictKind is the keyword of an access table value.
type VerdictKind int

const (
	VerdictNone VerdictKind = iota
	VerdictOK
	VerdictRelay
	VerdictReject
	VerdictDiscard
	VerdictError
	VerdictTempFail
)

// Decision converts the verdict into a heron decision. OK and RELAY
// continue.
func (v Verdict) Decision() heron.Decision {
	switch v.Kind {
	case VerdictReject:
		return heron.Decision{Action: heron.Reject}
	case VerdictDiscard:
		return heron.Decision{Action: heron.Discard}
	case VerdictTempFail:
		return heron.TempFailWith(heron.CodeLocalError, "4.7.1", v.Message)
	case VerdictError:
		if v.Code.Class() == 4 {
			return heron.TempFailWith(v.Code, v.EnhancedCode, v.Message)
		}
		return heron.RejectWith(v.Code, v.EnhancedCode, v.Message)
	}
	return heron.Accept
}

// Table is a sendmail-style access map. Keys are "Tag:value" or bare
// values; lookups fall back from the tagged key to the bare one.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Verdict
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[string]Verdict)}
}

func tableKey(tag Tag, key string) string {
	key = strings.ToLower(key)
	if tag == TagNone {
		return key
	}
	return string(tag) + ":" + key
}

// Set stores a verdict for key under tag.
func (t *Table) Set(tag Tag, key string, v Verdict) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[tableKey(tag, key)] = v
}

func (t *Table) get(tag Tag, key string) (Verdict, bool) {
	if t == nil {
		return Verdict{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if v, ok := t.entries[tableKey(tag, key)]; ok {
		return v, true
	}
	if tag != TagNone {
		v, ok := t.entries[tableKey(TagNone, key)]
		return v, ok
	}
	return Verdict{}, false
}

// LookupAddress finds the verdict for an envelope address: the full
// address, then the domain and its parents, then "local@".
func (t *Table) LookupAddress(tag Tag, addr string) (Verdict, bool) {
	addr = strings.Trim(addr, "<>")
	if addr == "" {
		return t.get(tag, "<>")
	}
	if v, ok := t.get(tag, addr); ok {
		return v, true
	}
	local, domain, found := strings.Cut(addr, "@")
	if !found {
		return Verdict{}, false
	}
	if v, ok := t.LookupDomain(tag, domain); ok {
		return v, true
	}
	return t.get(tag, local+"@")
}

// LookupDomain tries domain and each parent domain in turn.
func (t *Table) LookupDomain(tag Tag, domain string) (Verdict, bool) {
	domain = strings.TrimSuffix(domain, ".")
	for domain != "" {
		if v, ok := t.get(tag, domain); ok {
			return v, true
		}
		_, parent, found := strings.Cut(domain, ".")
		if !found {
			break
		}
		domain = parent
	}
	return Verdict{}, false
}

// LookupIP tries the address, then shorter dotted (IPv4) or colon
// separated (IPv6) prefixes.
func (t *Table) LookupIP(tag Tag, ip string) (Verdict, bool) {
	if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() == nil {
		if v, ok := t.get(tag, "IPv6:"+ip); ok {
			return v, true
		}
	}
	sep := "."
	if strings.Contains(ip, ":") {
		sep = ":"
	}
	for ip != "" {
		if v, ok := t.get(tag, ip); ok {
			return v, true
		}
		i := strings.LastIndex(ip, sep)
		if i < 0 {
			break
		}
		ip = ip[:i]
	}
	return Verdict{}, false
}

// ParseVerdict parses an access table value.
func ParseVerdict(s string) (Verdict, error) {
	s = strings.TrimSpace(s)
	word, rest, _ := strings.Cut(s, " ")
	switch strings.ToUpper(word) {
	case "OK":
		return Verdict{Kind: VerdictOK}, nil
	case "RELAY":
		return Verdict{Kind: VerdictRelay}, nil
	case "REJECT":
		return Verdict{Kind: VerdictReject}, nil
	case "DISCARD":
		return Verdict{Kind: VerdictDiscard}, nil
	case "TEMPFAIL":
		return Verdict{Kind: VerdictTempFail, Message: strings.TrimSpace(rest)}, nil
	}
	if len(s) > 6 && strings.EqualFold(s[:6], "ERROR:") {
		return parseErrorVerdict(s[6:])
	}
	return Verdict{}, fmt.Errorf("policy: unknown access value %q", s)
}

// parseErrorVerdict parses "[D.D.D:]nnn text".
func parseErrorVerdict(s string) (Verdict, error) {
	v := Verdict{Kind: VerdictError}
	if head, tail, ok := strings.Cut(s, ":"); ok && strings.Count(head, ".") == 2 {
		v.EnhancedCode = head
		s = tail
	}
	codeText, msg, _ := strings.Cut(s, " ")
	code, err := strconv.Atoi(codeText)
	if err != nil || code < 400 || code > 599 {
		return Verdict{}, fmt.Errorf("policy: bad ERROR code in %q", s)
	}
	v.Code = heron.SMTPCode(code)
	v.Message = strings.TrimSpace(msg)
	if v.EnhancedCode == "" {
		v.EnhancedCode = fmt.Sprintf("%d.0.0", code/100)
	}
	return v, nil
}

// Load reads "key value" lines; '#' starts a comment. Keys may carry a
// tag such as "From:spammer@example.com".
func (t *Table) Load(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, value, ok := strings.Cut(line, " ")
		if !ok {
			key, value, ok = strings.Cut(line, "\t")
		}
		if !ok {
			return fmt.Errorf("policy: line %d: missing value", lineNo)
		}
		v, err := ParseVerdict(value)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		tag := TagNone
		for _, known := range []Tag{TagConnect, TagFrom, TagTo, TagVrfy, TagExpn, TagEtrn} {
			prefix := string(known) + ":"
			if len(key) > len(prefix) && strings.EqualFold(key[:len(prefix)], prefix) {
				tag, key = known, key[len(prefix):]
				break
			}
		}
		t.Set(tag, key, v)
	}
	return scanner.Err()
}
