package filter

import (
	"bytes"
	"context"
	"log/slog"
	"net"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/synqronlabs/heron"
	"github.com/synqronlabs/heron/dns"
)

// DKIMVerifier checks DKIM signatures once the body is complete. By
// default results are only logged.
type DKIMVerifier struct {
	heron.NopFilter
	Resolver dns.Resolver
	// RejectFailures rejects messages whose every signature fails.
	RejectFailures bool
	// TempFailOnError answers 451 when a key lookup fails temporarily.
	TempFailOnError bool
	// MaxSignatures bounds the signatures checked per message.
	MaxSignatures int
	Logger        *slog.Logger
}

func (v DKIMVerifier) lookupTXT(ctx context.Context) func(string) ([]string, error) {
	return func(name string) ([]string, error) {
		res, err := v.Resolver.LookupTXT(ctx, name)
		if err != nil {
			// The verifier only classifies net.Error values as temporary.
			return nil, &net.DNSError{Err: err.Error(), Name: name, IsTemporary: dns.IsTemporary(err), IsNotFound: dns.IsNotFound(err)}
		}
		return res.Records, nil
	}
}

func (v DKIMVerifier) Body(ctx context.Context, env *heron.Envelope, body []byte) heron.Decision {
	opts := &dkim.VerifyOptions{MaxVerifications: v.MaxSignatures}
	if v.Resolver != nil {
		opts.LookupTXT = v.lookupTXT(ctx)
	}
	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(body), opts)
	if err != nil {
		v.log(env, "DKIM verification error", slog.Any("error", err))
		return heron.Accept
	}
	if len(verifications) == 0 {
		return heron.Accept
	}

	passed, temp := 0, 0
	for _, ver := range verifications {
		if ver.Err == nil {
			passed++
			v.log(env, "DKIM signature verified", slog.String("domain", ver.Domain))
			continue
		}
		if dkim.IsTempFail(ver.Err) {
			temp++
		}
		v.log(env, "DKIM signature failed", slog.String("domain", ver.Domain), slog.Any("error", ver.Err))
	}
	switch {
	case passed > 0:
		return heron.Accept
	case temp > 0 && v.TempFailOnError:
		return heron.TempFailWith(heron.CodeLocalError, "4.7.5", "DKIM key lookup failed; try again later")
	case temp == 0 && v.RejectFailures:
		return heron.RejectWith(heron.CodeTransactionFailed, "5.7.20", "No passing DKIM signature found")
	}
	return heron.Accept
}

func (v DKIMVerifier) log(env *heron.Envelope, msg string, attrs ...any) {
	if v.Logger == nil {
		return
	}
	v.Logger.Info(msg, append([]any{slog.String("envelope_id", env.ID)}, attrs...)...)
}
