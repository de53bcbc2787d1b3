package heron

import (
	"net"
	"slices"
	"time"

	"github.com/synqronlabs/heron/address"
)

// BodyType is the MAIL BODY= parameter (RFC 6152).
type BodyType int

const (
	BodyUnset BodyType = iota
	Body7Bit
	Body8BitMIME
)

func (b BodyType) String() string {
	switch b {
	case Body7Bit:
		return "7BIT"
	case Body8BitMIME:
		return "8BITMIME"
	}
	return ""
}

// ReturnPolicy is the DSN RET= parameter (RFC 3461).
type ReturnPolicy int

const (
	RetUnset ReturnPolicy = iota
	RetFull
	RetHeaders
)

func (r ReturnPolicy) String() string {
	switch r {
	case RetFull:
		return "FULL"
	case RetHeaders:
		return "HDRS"
	}
	return ""
}

// EnvelopeFlags are transaction-wide markers.
type EnvelopeFlags uint8

const (
	// FlagFatal marks a transaction that failed; the session drops the
	// envelope once the current command has replied.
	FlagFatal EnvelopeFlags = 1 << iota
	// FlagSubmission marks mail from an XUSR session.
	FlagSubmission
)

// DeliveryMode controls what happens after DATA.
type DeliveryMode int

const (
	DeliverBackground DeliveryMode = iota
	DeliverInteractive
	DeliverQueueOnly
)

func (m DeliveryMode) String() string {
	switch m {
	case DeliverInteractive:
		return "interactive"
	case DeliverQueueOnly:
		return "queue-only"
	}
	return "background"
}

// NotifyFlags is the DSN NOTIFY= parameter.
type NotifyFlags uint8

const (
	NotifySuccess NotifyFlags = 1 << iota
	NotifyFailure
	NotifyDelay
	// NotifySet records that NOTIFY was given; without other bits it means NEVER.
	NotifySet
)

// RecipientStatus tracks a recipient through the transaction.
type RecipientStatus uint8

const (
	// RcptQueued is set on the recipients handed to the queue.
	RcptQueued RecipientStatus = 1 << iota
	// RcptBad and RcptSent may be set by a body filter to take a recipient
	// out of delivery, as refused or as already delivered.
	RcptBad
	// RcptVerified is set when RCPT accepted the address.
	RcptVerified
	RcptSent
)

// Recipient is one accepted RCPT TO.
type Recipient struct {
	Address address.Address
	Notify  NotifyFlags
	// ORcpt is the DSN ORCPT= value as "addr-type;xtext".
	ORcpt  string
	Status RecipientStatus
}

// ClientInfo describes the peer of a session.
type ClientInfo struct {
	SessionID     string
	PeerName      string
	Addr          net.Addr
	HeloName      string
	Protocol      string
	AuthIdentity  string
	AuthMechanism string
}

// Envelope is the state of one mail transaction.
type Envelope struct {
	ID         string
	Sender     *address.Address
	Recipients []*Recipient
	// Size is the SIZE= declaration from MAIL, then the actual body size.
	Size       int64
	Body       BodyType
	EnvelopeID string
	Return     ReturnPolicy
	// AuthParam is the MAIL AUTH= value, "<>" when not trusted.
	AuthParam  string
	Discard    bool
	Flags      EnvelopeFlags
	Mode       DeliveryMode
	Client     ClientInfo
	ReceivedAt time.Time

	// rcptCount counts accepted RCPT commands, duplicates included.
	rcptCount int
}

// NewEnvelope starts a transaction with the given id.
func NewEnvelope(id string, mode DeliveryMode) *Envelope {
	return &Envelope{ID: id, Mode: mode}
}

// Clone copies the envelope deeply enough that changes to the copy's
// sender, recipients and flags leave the original intact.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Sender != nil {
		s := *e.Sender
		c.Sender = &s
	}
	c.Recipients = make([]*Recipient, len(e.Recipients))
	for i, r := range e.Recipients {
		rc := *r
		c.Recipients[i] = &rc
	}
	return &c
}

// Done reports whether the recipient needs no further delivery.
func (r *Recipient) Done() bool {
	return r.Status&(RcptBad|RcptSent) != 0
}

// Deliverable returns the accepted recipients still awaiting delivery.
func (e *Envelope) Deliverable() []*Recipient {
	var out []*Recipient
	for _, r := range e.Recipients {
		if r.Status&RcptVerified != 0 && !r.Done() {
			out = append(out, r)
		}
	}
	return out
}

// HasSender reports whether MAIL has been accepted.
func (e *Envelope) HasSender() bool {
	return e.Sender != nil
}

// hasRecipient reports whether a is already on the recipient list.
func (e *Envelope) hasRecipient(a address.Address) bool {
	return slices.ContainsFunc(e.Recipients, func(r *Recipient) bool {
		return r.Address.Equal(a)
	})
}

// RecipientAddresses returns the recipients as strings.
func (e *Envelope) RecipientAddresses() []string {
	out := make([]string, 0, len(e.Recipients))
	for _, r := range e.Recipients {
		out = append(out, r.Address.String())
	}
	return out
}
