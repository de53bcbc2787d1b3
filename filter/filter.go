// Package filter provides heron.Filter implementations: a chain that
// runs filters in order, DKIM verification, a mail loop guard and a
// DNS blocklist check.
package filter

import (
	"context"

	"github.com/synqronlabs/heron"
)

// Chain runs its filters in order and stops at the first decision that
// is not Continue.
type Chain []heron.Filter

var _ heron.Filter = Chain(nil)

func (c Chain) run(f func(heron.Filter) heron.Decision) heron.Decision {
	for _, filter := range c {
		if d := f(filter); d.Action != heron.Continue {
			return d
		}
	}
	return heron.Accept
}

func (c Chain) Connect(ctx context.Context, info heron.ClientInfo) heron.Decision {
	return c.run(func(f heron.Filter) heron.Decision { return f.Connect(ctx, info) })
}

func (c Chain) Helo(ctx context.Context, info heron.ClientInfo, name string) heron.Decision {
	return c.run(func(f heron.Filter) heron.Decision { return f.Helo(ctx, info, name) })
}

func (c Chain) MailFrom(ctx context.Context, env *heron.Envelope) heron.Decision {
	return c.run(func(f heron.Filter) heron.Decision { return f.MailFrom(ctx, env) })
}

func (c Chain) RcptTo(ctx context.Context, env *heron.Envelope, rcpt *heron.Recipient) heron.Decision {
	return c.run(func(f heron.Filter) heron.Decision { return f.RcptTo(ctx, env, rcpt) })
}

func (c Chain) Body(ctx context.Context, env *heron.Envelope, body []byte) heron.Decision {
	return c.run(func(f heron.Filter) heron.Decision { return f.Body(ctx, env, body) })
}
