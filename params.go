package heron

import (
	"errors"
	"strconv"
	"strings"
)

// maxSMTPArgs caps ESMTP parameters on one MAIL or RCPT command.
const maxSMTPArgs = 20

type esmtpParam struct {
	Key      string
	Value    string
	HasValue bool
}

// parseESMTPParams splits "KEY[=VALUE] ..." into parameters. Keywords are
// letters, digits and '-'; a value runs to the next space, control
// character or '='. Any other byte ends the current parameter.
func parseESMTPParams(s string) ([]esmtpParam, *Response) {
	var params []esmtpParam
	i := 0
	for {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			return params, nil
		}
		if len(params) >= maxSMTPArgs {
			return nil, Reply(CodeSyntaxError, "5.5.4", "Too many parameters")
		}
		start := i
		for i < len(s) && isKeywordChar(s[i]) {
			i++
		}
		p := esmtpParam{Key: s[start:i]}
		if i < len(s) && s[i] == '=' {
			i++
			vstart := i
			for i < len(s) && s[i] != ' ' && s[i] >= ' ' && s[i] != 0x7f && s[i] != '=' {
				i++
			}
			p.Value, p.HasValue = s[vstart:i], true
		}
		if i < len(s) {
			i++
		}
		params = append(params, p)
	}
}

func isKeywordChar(c byte) bool {
	return c == '-' || (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

// xtextOK validates RFC 3461 xtext: printable ASCII except '+' and '=',
// with "+XX" hex escapes.
func xtextOK(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '+' {
			if i+2 >= len(s) || !isUpperHex(s[i+1]) || !isUpperHex(s[i+2]) {
				return false
			}
			i += 2
			continue
		}
		if c < '!' || c > '~' || c == '=' {
			return false
		}
	}
	return true
}

func isUpperHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F')
}

// xuntextify decodes "+XX" escapes of valid xtext.
func xuntextify(s string) string {
	if !strings.Contains(s, "+") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '+' && i+2 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// applyMailParam applies one MAIL parameter to env.
func (s *session) applyMailParam(env *Envelope, p esmtpParam) *Response {
	key := strings.ToUpper(p.Key)
	switch key {
	case "SIZE":
		if !p.HasValue {
			return Reply(CodeSyntaxError, "5.5.2", "SIZE requires a value")
		}
		n, err := strconv.ParseInt(p.Value, 10, 64)
		if errors.Is(err, strconv.ErrRange) {
			return Reply(CodeExceededStorage, "5.2.3", "Message size exceeds maximum value")
		}
		if err != nil || n < 0 {
			return Reply(CodeSyntaxError, "5.5.2", "Bad argument %q to SIZE", p.Value)
		}
		env.Size = n

	case "BODY":
		if !p.HasValue {
			return Reply(CodeSyntaxError, "5.5.2", "BODY requires a value")
		}
		switch {
		case strings.EqualFold(p.Value, "8BITMIME"):
			env.Body = Body8BitMIME
		case strings.EqualFold(p.Value, "7BIT"):
			env.Body = Body7Bit
		default:
			return Reply(CodeSyntaxError, "5.5.4", "Unknown BODY type %s", p.Value)
		}

	case "ENVID":
		if s.cfg.Privacy.Has(PrivNoReceipts) {
			return Reply(CodeParamNotImpl, "5.7.0", "Sorry, ENVID not supported, we do not allow DSN")
		}
		if !p.HasValue {
			return Reply(CodeSyntaxError, "5.5.2", "ENVID requires a value")
		}
		if !xtextOK(p.Value) {
			return Reply(CodeSyntaxError, "5.5.4", "Syntax error in ENVID parameter value")
		}
		if env.EnvelopeID != "" {
			return Reply(CodeSyntaxError, "5.5.0", "Duplicate ENVID parameter")
		}
		env.EnvelopeID = p.Value

	case "RET":
		if s.cfg.Privacy.Has(PrivNoReceipts) {
			return Reply(CodeParamNotImpl, "5.7.0", "Sorry, RET not supported, we do not allow DSN")
		}
		if !p.HasValue {
			return Reply(CodeSyntaxError, "5.5.2", "RET requires a value")
		}
		if env.Return != RetUnset {
			return Reply(CodeSyntaxError, "5.5.0", "Duplicate RET parameter")
		}
		switch {
		case strings.EqualFold(p.Value, "FULL"):
			env.Return = RetFull
		case strings.EqualFold(p.Value, "HDRS"):
			env.Return = RetHeaders
		default:
			return Reply(CodeSyntaxError, "5.5.2", "Bad argument %q to RET", p.Value)
		}

	case "AUTH":
		if !p.HasValue {
			return Reply(CodeSyntaxError, "5.5.2", "AUTH= requires a value")
		}
		if env.AuthParam != "" {
			return Reply(CodeSyntaxError, "5.5.0", "Duplicate AUTH parameter")
		}
		if !xtextOK(p.Value) {
			return Reply(CodeSyntaxError, "5.5.4", "Syntax error in AUTH parameter value")
		}
		env.AuthParam = s.trustedAuthParam(env, xuntextify(p.Value))

	default:
		return Reply(CodeSyntaxError, "5.5.4", "%s parameter unrecognized", p.Key)
	}
	return nil
}

// trustedAuthParam keeps the AUTH= identity only when this session is
// authenticated and either is that identity or trust_auth allows it.
func (s *session) trustedAuthParam(env *Envelope, value string) string {
	if s.authState != authAuthenticated {
		return "<>"
	}
	if value == s.authIdentity {
		return value
	}
	if s.cfg.Rules != nil && s.cfg.Rules.Check(s.ctx, RulesetTrustAuth, value, env).Action == Continue {
		return value
	}
	s.logger.Info("AUTH= parameter not trusted", "auth_param", value, "identity", s.authIdentity)
	return "<>"
}

// applyRcptParam applies one RCPT parameter to rcpt.
func (s *session) applyRcptParam(rcpt *Recipient, p esmtpParam) *Response {
	key := strings.ToUpper(p.Key)
	switch key {
	case "NOTIFY":
		if s.cfg.Privacy.Has(PrivNoReceipts) {
			return Reply(CodeParamNotImpl, "5.7.0", "Sorry, NOTIFY not supported, we do not allow DSN")
		}
		if !p.HasValue {
			return Reply(CodeSyntaxError, "5.5.2", "NOTIFY requires a value")
		}
		// A repeated NOTIFY replaces the earlier one.
		var flags NotifyFlags
		if !strings.EqualFold(p.Value, "NEVER") {
			for _, v := range strings.Split(p.Value, ",") {
				switch strings.ToUpper(v) {
				case "SUCCESS":
					flags |= NotifySuccess
				case "FAILURE":
					flags |= NotifyFailure
				case "DELAY":
					flags |= NotifyDelay
				default:
					return Reply(CodeSyntaxError, "5.5.4", "Bad argument %q  to NOTIFY", v)
				}
			}
		}
		rcpt.Notify = flags | NotifySet

	case "ORCPT":
		if s.cfg.Privacy.Has(PrivNoReceipts) {
			return Reply(CodeParamNotImpl, "5.7.0", "Sorry, ORCPT not supported, we do not allow DSN")
		}
		if !p.HasValue {
			return Reply(CodeSyntaxError, "5.5.2", "ORCPT requires a value")
		}
		if !strings.Contains(p.Value, ";") || !xtextOK(p.Value) {
			return Reply(CodeSyntaxError, "5.5.4", "Syntax error in ORCPT parameter value")
		}
		if rcpt.ORcpt != "" {
			return Reply(CodeSyntaxError, "5.5.0", "Duplicate ORCPT parameter")
		}
		rcpt.ORcpt = p.Value

	default:
		return Reply(CodeSyntaxError, "5.5.4", "%s parameter unrecognized", p.Key)
	}
	return nil
}
