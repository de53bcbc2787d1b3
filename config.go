package heron

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/synqronlabs/heron/sasl"
)

// PrivacyFlags restrict what the server reveals or allows, after sendmail's
// PrivacyOptions.
type PrivacyFlags uint16

const (
	PrivNoVrfy PrivacyFlags = 1 << iota
	PrivNoExpn
	PrivNoEtrn
	PrivNoVerb
	PrivNoReceipts
	PrivNeedMailHelo
	PrivNeedExpnHelo
	PrivNeedVrfyHelo

	PrivPublic PrivacyFlags = 0
	PrivGoAway              = PrivNoVrfy | PrivNoExpn | PrivNoEtrn | PrivNoVerb |
		PrivNoReceipts | PrivNeedMailHelo | PrivNeedExpnHelo | PrivNeedVrfyHelo
)

var privacyNames = map[string]PrivacyFlags{
	"public":       PrivPublic,
	"novrfy":       PrivNoVrfy,
	"noexpn":       PrivNoExpn,
	"noetrn":       PrivNoEtrn,
	"noverb":       PrivNoVerb,
	"noreceipts":   PrivNoReceipts,
	"needmailhelo": PrivNeedMailHelo,
	"needexpnhelo": PrivNeedExpnHelo,
	"needvrfyhelo": PrivNeedVrfyHelo,
	"goaway":       PrivGoAway,
}

// ParsePrivacyFlags parses a comma-separated option list such as
// "noexpn,novrfy,needmailhelo".
func ParsePrivacyFlags(s string) (PrivacyFlags, error) {
	var flags PrivacyFlags
	for _, name := range strings.Split(s, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		f, ok := privacyNames[name]
		if !ok {
			return 0, fmt.Errorf("smtp: unknown privacy option %q", name)
		}
		flags |= f
	}
	return flags, nil
}

// Has reports whether all bits of f are set.
func (p PrivacyFlags) Has(f PrivacyFlags) bool {
	return p&f == f
}

// Limits are the abuse-guard thresholds. Once a counter reaches its
// maximum every further command of that class is delayed, doubling from
// BackoffUnit up to MaxTimeout.
type Limits struct {
	MaxBadCommands  int
	MaxNoopCommands int
	MaxHeloCommands int
	MaxVrfyCommands int
	MaxEtrnCommands int

	MaxTimeout  time.Duration
	BackoffUnit time.Duration
}

// DefaultLimits returns sendmail's thresholds.
func DefaultLimits() Limits {
	return Limits{
		MaxBadCommands:  25,
		MaxNoopCommands: 20,
		MaxHeloCommands: 3,
		MaxVrfyCommands: 6,
		MaxEtrnCommands: 8,
		MaxTimeout:      240 * time.Second,
		BackoffUnit:     time.Second,
	}
}

// ServerConfig contains configuration options for the SMTP server.
type ServerConfig struct {
	// Hostname is used in the greeting, replies and Received headers.
	// Required.
	Hostname string

	// Addr is the address to listen on (e.g., ":25").
	// Default: ":25"
	Addr string

	// Greeting is the banner text after the hostname. Lines after the
	// first are sent as continuation lines.
	// Default: "heron ready"
	Greeting string

	// ---- Timeouts ----

	// ReadTimeout is the timeout for reading a command line.
	// Default: 5 minutes
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for writing a reply.
	// Default: 5 minutes
	WriteTimeout time.Duration

	// DataTimeout is the timeout for reading the DATA body.
	// Default: 10 minutes
	DataTimeout time.Duration

	// ---- Limits ----

	// MaxLineLength is the maximum command line length, CRLF excluded.
	// Default: 2048
	MaxLineLength int

	// StrictCRLF rejects command lines ending in a bare LF.
	StrictCRLF bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited).
	// Advertised as SIZE in EHLO.
	MaxMessageSize int64

	// MaxRecipients is the maximum recipients per message (0 = unlimited).
	MaxRecipients int

	// MaxConnections is the maximum concurrent sessions (0 = unlimited).
	MaxConnections int

	// ConnectionRateLimit is the number of connections one IP may open per
	// ConnectionRateWindow (0 = unlimited).
	ConnectionRateLimit  int
	ConnectionRateWindow time.Duration

	// Limits holds the abuse-guard thresholds.
	// Default: DefaultLimits()
	Limits Limits

	// ---- Policy ----

	Privacy PrivacyFlags

	// RequireAuth rejects MAIL before a successful AUTH.
	RequireAuth bool

	// AllowBogusHELO accepts HELO/EHLO arguments that are not valid
	// domain tokens, and an empty argument.
	AllowBogusHELO bool

	// NullServer, when non-empty, refuses all mail: only HELO, EHLO, NOOP,
	// RSET and QUIT are processed and everything else is answered with
	// this text (prefixed with 550 5.0.0 unless it is already a reply).
	NullServer string

	// ETRNOnly refuses mail but still serves ETRN.
	ETRNOnly bool

	// DeliveryMode is copied into every envelope. VERB switches a session
	// to DeliverInteractive.
	DeliveryMode DeliveryMode

	// ---- Authentication ----

	// Auth provides SASL mechanisms. Nil disables AUTH.
	Auth *sasl.Provider

	// AuthMechanisms, when set, restricts the mechanisms advertised from
	// Auth.
	AuthMechanisms []string

	// ---- Collaborators ----

	// Parser parses addresses. Default: address.ParsePath without any
	// local-user checks.
	Parser AddressParser
	Rules  Ruleset
	Filter Filter
	Queue  Queue
	// Runner serves ETRN. Nil disables ETRN.
	Runner QueueRunner
	// Help serves HELP. Nil answers 502.
	Help     HelpSource
	Resolver PeerResolver

	// NewID generates envelope ids.
	// Default: ULIDs
	NewID func() string

	// ---- Logging ----

	// Logger is the structured logger for the server.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:          ":25",
		Greeting:      "heron ready",
		ReadTimeout:   5 * time.Minute,
		WriteTimeout:  5 * time.Minute,
		DataTimeout:   10 * time.Minute,
		MaxLineLength: 2048,
		Limits:        DefaultLimits(),
		NewID:         newULID,
		Logger:        slog.Default(),
	}
}

// SubmissionConfig returns a ServerConfig for authenticated submission
// on port 587.
func SubmissionConfig(auth *sasl.Provider) ServerConfig {
	config := DefaultServerConfig()
	config.Addr = ":587"
	config.Auth = auth
	config.RequireAuth = true
	return config
}

func newULID() string {
	return ulid.Make().String()
}

// withDefaults fills zero fields from DefaultServerConfig.
func (c ServerConfig) withDefaults() ServerConfig {
	def := DefaultServerConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.Greeting == "" {
		c.Greeting = def.Greeting
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.DataTimeout == 0 {
		c.DataTimeout = def.DataTimeout
	}
	if c.MaxLineLength == 0 {
		c.MaxLineLength = def.MaxLineLength
	}
	l := &c.Limits
	if l.MaxBadCommands == 0 {
		l.MaxBadCommands = def.Limits.MaxBadCommands
	}
	if l.MaxNoopCommands == 0 {
		l.MaxNoopCommands = def.Limits.MaxNoopCommands
	}
	if l.MaxHeloCommands == 0 {
		l.MaxHeloCommands = def.Limits.MaxHeloCommands
	}
	if l.MaxVrfyCommands == 0 {
		l.MaxVrfyCommands = def.Limits.MaxVrfyCommands
	}
	if l.MaxEtrnCommands == 0 {
		l.MaxEtrnCommands = def.Limits.MaxEtrnCommands
	}
	if l.MaxTimeout == 0 {
		l.MaxTimeout = def.Limits.MaxTimeout
	}
	if l.BackoffUnit == 0 {
		l.BackoffUnit = def.Limits.BackoffUnit
	}
	if c.NewID == nil {
		c.NewID = def.NewID
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	if c.ConnectionRateLimit > 0 && c.ConnectionRateWindow == 0 {
		c.ConnectionRateWindow = time.Minute
	}
	return c
}

// authMechanisms returns the mechanisms to advertise.
func (c *ServerConfig) authMechanisms() []string {
	offered := c.Auth.Mechanisms()
	if len(c.AuthMechanisms) == 0 {
		return offered
	}
	var out []string
	for _, m := range offered {
		for _, allowed := range c.AuthMechanisms {
			if strings.EqualFold(m, allowed) {
				out = append(out, m)
				break
			}
		}
	}
	return out
}
