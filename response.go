package heron

import (
	"errors"
	"fmt"
	"strings"
)

// SMTPCode is a three-digit SMTP reply code (RFC 5321 section 4.2).
type SMTPCode int

const (
	CodeHelpMessage        SMTPCode = 214
	CodeServiceReady       SMTPCode = 220
	CodeServiceClosing     SMTPCode = 221
	CodeAuthSuccess        SMTPCode = 235
	CodeOK                 SMTPCode = 250
	CodeCannotVRFY         SMTPCode = 252
	CodeAuthContinue       SMTPCode = 334
	CodeStartMailInput     SMTPCode = 354
	CodeServiceUnavailable SMTPCode = 421
	CodeLocalError         SMTPCode = 451
	CodeInsufficientSpace  SMTPCode = 452
	CodeTempAuthFailure    SMTPCode = 454
	CodeUnableToQueue      SMTPCode = 458
	CodeCommandUnknown     SMTPCode = 500
	CodeSyntaxError        SMTPCode = 501
	CodeNotImplemented     SMTPCode = 502
	CodeBadSequence        SMTPCode = 503
	CodeParamNotImpl       SMTPCode = 504
	CodeAuthRequired       SMTPCode = 530
	CodeMailboxUnavailable SMTPCode = 550
	CodeExceededStorage    SMTPCode = 552
	CodeMailboxNameInvalid SMTPCode = 553
	CodeTransactionFailed  SMTPCode = 554
)

// Class returns the first digit of the code.
func (c SMTPCode) Class() int {
	return int(c) / 100
}

// Response is one SMTP reply, possibly spanning several lines. Every line
// carries the same code and enhanced status code.
//
// Response implements error so that collaborators can return the exact
// reply the client should see.
type Response struct {
	Code SMTPCode
	// EnhancedCode is an RFC 3463 status code such as "2.1.0"; empty for
	// replies that carry none.
	EnhancedCode string
	Lines        []string
}

// Reply builds a single-line response.
func Reply(code SMTPCode, enhanced string, format string, args ...any) *Response {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Response{Code: code, EnhancedCode: enhanced, Lines: []string{msg}}
}

// Error formats the response the way it appears on the wire, minus CRLFs.
func (r *Response) Error() string {
	return strings.Join(r.wireLines(), "; ")
}

// Message returns the text of all lines joined by spaces.
func (r *Response) Message() string {
	return strings.Join(r.Lines, " ")
}

// IsTransient reports a 4xx reply.
func (r *Response) IsTransient() bool { return r.Code.Class() == 4 }

// IsPermanent reports a 5xx reply.
func (r *Response) IsPermanent() bool { return r.Code.Class() == 5 }

// wireLines renders "250-first", "250-second", "250 last".
func (r *Response) wireLines() []string {
	lines := r.Lines
	if len(lines) == 0 {
		lines = []string{""}
	}
	out := make([]string, len(lines))
	for i, line := range lines {
		sep := " "
		if i < len(lines)-1 {
			sep = "-"
		}
		text := line
		switch {
		case r.EnhancedCode != "" && line != "":
			text = r.EnhancedCode + " " + line
		case r.EnhancedCode != "":
			text = r.EnhancedCode
		}
		out[i] = fmt.Sprintf("%d%s%s", r.Code, sep, text)
	}
	return out
}

// ResponseFromError extracts a *Response from err's chain.
func ResponseFromError(err error) (*Response, bool) {
	var resp *Response
	if errors.As(err, &resp) && resp != nil {
		return resp, true
	}
	return nil, false
}

// isReplyText reports whether s already starts with a reply code, as in
// "550 5.0.0 text". Such text is sent verbatim.
func isReplyText(s string) bool {
	if len(s) < 4 {
		return false
	}
	for i := 0; i < 3; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return (s[0] == '4' || s[0] == '5') && (s[3] == ' ' || s[3] == '-')
}

// parseReplyText splits "550 5.7.1 go away" into its parts. The enhanced
// code is optional.
func parseReplyText(s string) *Response {
	code := SMTPCode(int(s[0]-'0')*100 + int(s[1]-'0')*10 + int(s[2]-'0'))
	rest := strings.TrimSpace(s[4:])
	enhanced := ""
	if first, tail, ok := strings.Cut(rest, " "); ok && isEnhancedCode(first) {
		enhanced, rest = first, tail
	} else if isEnhancedCode(rest) {
		enhanced, rest = rest, ""
	}
	return &Response{Code: code, EnhancedCode: enhanced, Lines: []string{rest}}
}

func isEnhancedCode(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 3 || len(parts[0]) != 1 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		for i := 0; i < len(p); i++ {
			if p[i] < '0' || p[i] > '9' {
				return false
			}
		}
	}
	return parts[0] == "2" || parts[0] == "4" || parts[0] == "5"
}
