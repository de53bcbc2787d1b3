package heron

import (
	"context"
	"fmt"

	"github.com/synqronlabs/heron/address"
	"github.com/synqronlabs/heron/dns"
)

// Action is the verdict of a ruleset or filter.
type Action int

const (
	Continue Action = iota
	Reject
	Discard
	TempFail
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Reject:
		return "reject"
	case Discard:
		return "discard"
	case TempFail:
		return "tempfail"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Decision is returned by Ruleset and Filter hooks. Code, EnhancedCode and
// Message override the default reply for Reject and TempFail.
type Decision struct {
	Action       Action
	Code         SMTPCode
	EnhancedCode string
	Message      string
}

// Accept is the Continue decision.
var Accept = Decision{Action: Continue}

// RejectWith builds a Reject decision with a custom reply.
func RejectWith(code SMTPCode, enhanced, msg string) Decision {
	return Decision{Action: Reject, Code: code, EnhancedCode: enhanced, Message: msg}
}

// TempFailWith builds a TempFail decision with a custom reply.
func TempFailWith(code SMTPCode, enhanced, msg string) Decision {
	return Decision{Action: TempFail, Code: code, EnhancedCode: enhanced, Message: msg}
}

// response renders a Reject or TempFail decision, falling back to def for
// fields the decision leaves empty.
func (d Decision) response(def *Response) *Response {
	r := &Response{Code: def.Code, EnhancedCode: def.EnhancedCode, Lines: def.Lines}
	if d.Code != 0 {
		r.Code = d.Code
	}
	if d.EnhancedCode != "" {
		r.EnhancedCode = d.EnhancedCode
	}
	if d.Message != "" {
		r.Lines = []string{d.Message}
	}
	return r
}

// RulesetName names a policy checkpoint.
type RulesetName string

const (
	RulesetRelay     RulesetName = "check_relay"
	RulesetMail      RulesetName = "check_mail"
	RulesetRcpt      RulesetName = "check_rcpt"
	RulesetVrfy      RulesetName = "check_vrfy"
	RulesetExpn      RulesetName = "check_expn"
	RulesetEtrn      RulesetName = "check_etrn"
	RulesetTrustAuth RulesetName = "trust_auth"
)

// AddressParser parses the path argument of MAIL, RCPT, VRFY and EXPN.
// An error that wraps a *Response dictates the reply; address.ErrUnknownUser
// maps to 550 5.1.1 and anything else to 553.
type AddressParser interface {
	Parse(ctx context.Context, text string, role address.Role) (address.Address, error)
}

// AddressExpander is optionally implemented by an AddressParser to list
// the members of an alias for EXPN.
type AddressExpander interface {
	Expand(ctx context.Context, a address.Address) ([]address.Address, error)
}

// Ruleset evaluates named policy checks. arg is the command argument
// (address, HELO name, ETRN node or connecting peer). env is nil for
// checks outside a transaction.
type Ruleset interface {
	Check(ctx context.Context, name RulesetName, arg string, env *Envelope) Decision
}

// Filter receives the connection, HELO, envelope and body events.
type Filter interface {
	Connect(ctx context.Context, info ClientInfo) Decision
	Helo(ctx context.Context, info ClientInfo, name string) Decision
	MailFrom(ctx context.Context, env *Envelope) Decision
	RcptTo(ctx context.Context, env *Envelope, rcpt *Recipient) Decision
	Body(ctx context.Context, env *Envelope, body []byte) Decision
}

// NopFilter accepts everything; embed it to implement a subset of Filter.
type NopFilter struct{}

func (NopFilter) Connect(context.Context, ClientInfo) Decision { return Accept }
func (NopFilter) Helo(context.Context, ClientInfo, string) Decision { return Accept }
func (NopFilter) MailFrom(context.Context, *Envelope) Decision { return Accept }
func (NopFilter) RcptTo(context.Context, *Envelope, *Recipient) Decision { return Accept }
func (NopFilter) Body(context.Context, *Envelope, []byte) Decision { return Accept }

// Queue accepts a committed message and returns its queue id.
type Queue interface {
	Enqueue(ctx context.Context, env *Envelope, body []byte) (string, error)
}

// SpaceChecker is optionally implemented by a Queue; MAIL is answered
// with 452 when it reports no room for the declared size.
type SpaceChecker interface {
	HasSpace(size int64) bool
}

// QueueRunner starts delivery of queued mail for ETRN. match is the ETRN
// argument as sent: "@domain" selects domain and every host under it, a
// bare name selects that host only.
type QueueRunner interface {
	RunQueue(ctx context.Context, match string) (bool, error)
}

// HelpSource returns the HELP text for a topic.
type HelpSource interface {
	Lookup(topic string) ([]string, bool)
}

// PeerResolver resolves the connecting peer's name.
type PeerResolver = dns.Resolver
