// Package sasl runs the server side of SMTP AUTH exchanges (RFC 4954).
//
// PLAIN and ANONYMOUS come from github.com/emersion/go-sasl; LOGIN is
// implemented here because that package only ships a LOGIN client.
package sasl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gosasl "github.com/emersion/go-sasl"
)

var (
	ErrUnsupportedMechanism = errors.New("sasl: unsupported mechanism")
	ErrInvalidCredentials   = errors.New("sasl: invalid credentials")
	ErrInvalidFormat        = errors.New("sasl: invalid authentication format")
	// ErrTemporaryFailure marks backend failures; the client may retry.
	ErrTemporaryFailure = errors.New("sasl: temporary failure")
)

// Authenticator verifies a username/password pair and returns the identity
// the session is authenticated as. authzid is empty unless the mechanism
// carries one.
type Authenticator interface {
	Authenticate(ctx context.Context, authzid, username, password string) (identity string, err error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, authzid, username, password string) (string, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, authzid, username, password string) (string, error) {
	return f(ctx, authzid, username, password)
}

// Provider holds the mechanisms offered in EHLO and starts exchanges.
type Provider struct {
	auth  Authenticator
	mechs []string
}

// NewProvider offers mechs (PLAIN and LOGIN when empty) backed by auth.
// Unknown mechanism names are ignored.
func NewProvider(auth Authenticator, mechs ...string) *Provider {
	if len(mechs) == 0 {
		mechs = []string{gosasl.Plain, gosasl.Login}
	}
	p := &Provider{auth: auth}
	for _, m := range mechs {
		m = strings.ToUpper(m)
		switch m {
		case gosasl.Plain, gosasl.Login, gosasl.Anonymous:
			p.mechs = append(p.mechs, m)
		}
	}
	return p
}

// Mechanisms lists the offered mechanism names in configuration order.
func (p *Provider) Mechanisms() []string {
	if p == nil {
		return nil
	}
	return p.mechs
}

// Supports reports whether mech is offered, ignoring case.
func (p *Provider) Supports(mech string) bool {
	for _, m := range p.Mechanisms() {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

// Exchange is one in-progress AUTH negotiation.
type Exchange struct {
	Mechanism string
	server    gosasl.Server
	identity  string
}

// Start creates an exchange for mech.
func (p *Provider) Start(ctx context.Context, mech string) (*Exchange, error) {
	if !p.Supports(mech) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMechanism, mech)
	}
	ex := &Exchange{Mechanism: strings.ToUpper(mech)}
	switch ex.Mechanism {
	case gosasl.Plain:
		ex.server = gosasl.NewPlainServer(func(authzid, username, password string) error {
			return ex.verify(ctx, p.auth, authzid, username, password)
		})
	case gosasl.Login:
		ex.server = newLoginServer(func(username, password string) error {
			return ex.verify(ctx, p.auth, "", username, password)
		})
	case gosasl.Anonymous:
		ex.server = gosasl.NewAnonymousServer(func(trace string) error {
			ex.identity = "anonymous"
			return nil
		})
	}
	return ex, nil
}

func (ex *Exchange) verify(ctx context.Context, auth Authenticator, authzid, username, password string) error {
	if auth == nil {
		return ErrTemporaryFailure
	}
	identity, err := auth.Authenticate(ctx, authzid, username, password)
	if err != nil {
		return err
	}
	if identity == "" {
		identity = username
	}
	ex.identity = identity
	return nil
}

// Next feeds one decoded client response. A nil response means the client
// sent no initial response with the AUTH command.
func (ex *Exchange) Next(response []byte) (challenge []byte, done bool, err error) {
	challenge, done, err = ex.server.Next(response)
	if err != nil && !errors.Is(err, ErrTemporaryFailure) && !errors.Is(err, ErrInvalidCredentials) {
		err = fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return challenge, done, err
}

// Identity is the authenticated identity once Next reported done.
func (ex *Exchange) Identity() string {
	return ex.identity
}
