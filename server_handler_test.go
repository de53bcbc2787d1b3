package heron

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqronlabs/heron/address"
)

// syncBuffer collects log output written from session goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeRunner records ETRN queue runs.
type fakeRunner struct {
	mu      sync.Mutex
	matches []string
	refuse  bool
	err     error
}

func (r *fakeRunner) RunQueue(_ context.Context, match string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches = append(r.matches, match)
	return !r.refuse, r.err
}

func (r *fakeRunner) runs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.matches...)
}

// helpMap serves HELP from a map keyed by lowercase topic.
type helpMap map[string][]string

func (h helpMap) Lookup(topic string) ([]string, bool) {
	lines, ok := h[topic]
	return lines, ok
}

// ============================================================================
// HELO / EHLO
// ============================================================================

func TestEHLOKeywords(t *testing.T) {
	_, addr := startTestServer(t, testServerConfig())

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)

	client.send("EHLO client.example.com")
	lines := client.expectMultilineCode(250)
	assert.Equal(t, []string{
		"250-test.example.com Hello [127.0.0.1], pleased to meet you",
		"250-ENHANCEDSTATUSCODES",
		"250-EXPN",
		"250-VERB",
		"250-8BITMIME",
		"250-SIZE",
		"250-DSN",
		"250-ONEX",
		"250-XUSR",
		"250 HELP",
	}, lines)
}

func TestEHLOKeywordsFollowConfig(t *testing.T) {
	config := testServerConfig()
	config.MaxMessageSize = 1000
	config.Privacy = PrivNoExpn | PrivNoReceipts
	config.Runner = &fakeRunner{}
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)

	client.send("EHLO client.example.com")
	lines := client.expectMultilineCode(250)
	assert.Equal(t, []string{
		"250-test.example.com Hello [127.0.0.1], pleased to meet you",
		"250-ENHANCEDSTATUSCODES",
		"250-8BITMIME",
		"250-SIZE 1000",
		"250-ONEX",
		"250-ETRN",
		"250-XUSR",
		"250 HELP",
	}, lines)
}

func TestHELODuplicate(t *testing.T) {
	_, addr := startTestServer(t, testServerConfig())

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)

	client.send("HELO client.example.com")
	client.expectLine("250 test.example.com Hello [127.0.0.1], pleased to meet you")
	client.send("EHLO client.example.com")
	client.expectLine("503 test.example.com Duplicate HELO/EHLO")

	// RSET keeps the greeting.
	client.send("RSET")
	client.expectLine("250 2.0.0 Reset state")
	client.send("HELO client.example.com")
	client.expectCode(503)
}

func TestHELOArguments(t *testing.T) {
	tests := []struct {
		name  string
		bogus bool
		cmd   string
		want  string
	}{
		{"missing", false, "HELO", "501 HELO requires domain address"},
		{"missing ehlo", false, "ehlo", "501 EHLO requires domain address"},
		{"invalid", false, "HELO bad!name", "501 Invalid domain name"},
		{"too long", false, "HELO " + strings.Repeat("a", 300), "501 Invalid domain name"},
		{"literal", false, "HELO [192.0.2.1]", "250 test.example.com Hello [127.0.0.1], pleased to meet you"},
		{"bogus allowed", true, "HELO bad!name", "250 test.example.com Hello [127.0.0.1], accepting invalid domain name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testServerConfig()
			config.AllowBogusHELO = tt.bogus
			_, addr := startTestServer(t, config)

			client := newTestClient(t, addr)
			defer client.close()
			client.expectCode(220)
			client.send(tt.cmd)
			client.expectLine(tt.want)
		})
	}
}

func TestHeloThrottle(t *testing.T) {
	config := testServerConfig()
	config.Limits.MaxHeloCommands = 1
	server := newTestServer(t, config)

	var mu sync.Mutex
	calls := 0
	server.sleep = func(context.Context, time.Duration) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}
	addr := serveTestServer(t, server)

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)
	client.send("HELO client.example.com")
	client.expectCode(250)

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, calls)
}

// ============================================================================
// Mail Transactions
// ============================================================================

func TestBadSequenceErrors(t *testing.T) {
	_, addr := startTestServer(t, testServerConfig())

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("RCPT TO:<b@example.com>")
	client.expectLine("503 5.0.0 Need MAIL before RCPT")
	client.send("DATA")
	client.expectLine("503 5.0.0 Need MAIL command")

	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(250)
	client.send("MAIL FROM:<a@example.com>")
	client.expectLine("503 5.5.0 Sender already specified")
	client.send("DATA")
	client.expectLine("503 5.0.0 Need RCPT (recipient)")
}

func TestMAILSyntax(t *testing.T) {
	_, addr := startTestServer(t, testServerConfig())

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL <a@example.com>")
	client.expectLine(`501 5.5.2 Syntax error in parameters scanning "<a@example.com>"`)
	client.send("MAIL FROM:<a@example.com")
	client.expectLine("553 5.1.7 <a@example.com... Invalid sender address")
	client.send("MAIL FROM : <>")
	client.expectLine("250 2.1.0 Sender ok")
	client.send("RCPT TO:")
	client.expectLine("501 5.0.0 Missing recipient")
	client.send("RCPT <b@example.com>")
	client.expectCode(501)
}

func TestMAILParameters(t *testing.T) {
	queue := &captureQueue{}
	config := testServerConfig()
	config.Queue = queue
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@example.com> SIZE=100 BODY=8BITMIME ENVID=QQ+2B1 RET=HDRS")
	client.expectLine("250 2.1.0 Sender ok")
	client.send("RCPT TO:<b@example.com> NOTIFY=SUCCESS,FAILURE ORCPT=rfc822;b@example.com")
	client.expectLine("250 2.1.5 Recipient ok")
	client.send("RCPT TO:<c@example.com> NOTIFY=NEVER")
	client.expectCode(250)
	client.send("DATA")
	client.expectCode(354)
	client.send("Subject: params")
	client.send(".")
	client.expectCode(250)

	env, _ := queue.last(t)
	assert.Equal(t, Body8BitMIME, env.Body)
	assert.Equal(t, "QQ+2B1", env.EnvelopeID)
	assert.Equal(t, RetHeaders, env.Return)
	require.Len(t, env.Recipients, 2)
	assert.Equal(t, NotifySuccess|NotifyFailure|NotifySet, env.Recipients[0].Notify)
	assert.Equal(t, "rfc822;b@example.com", env.Recipients[0].ORcpt)
	assert.Equal(t, NotifySet, env.Recipients[1].Notify)
}

func TestMAILParameterErrors(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
		want string
	}{
		{"unknown", "MAIL FROM:<a@example.com> FOO=1", "501 5.5.4 FOO parameter unrecognized"},
		{"body", "MAIL FROM:<a@example.com> BODY=BINARYMIME", "501 5.5.4 Unknown BODY type BINARYMIME"},
		{"size syntax", "MAIL FROM:<a@example.com> SIZE=big", `501 5.5.2 Bad argument "big" to SIZE`},
		{"size overflow", "MAIL FROM:<a@example.com> SIZE=99999999999999999999", "552 5.2.3 Message size exceeds maximum value"},
		{"ret", "MAIL FROM:<a@example.com> RET=ALL", `501 5.5.2 Bad argument "ALL" to RET`},
		{"duplicate ret", "MAIL FROM:<a@example.com> RET=FULL RET=HDRS", "501 5.5.0 Duplicate RET parameter"},
		{"envid", "MAIL FROM:<a@example.com> ENVID=a+zz", "501 5.5.4 Syntax error in ENVID parameter value"},
		{"duplicate envid", "MAIL FROM:<a@example.com> ENVID=x ENVID=y", "501 5.5.0 Duplicate ENVID parameter"},
		{"too many", "MAIL FROM:<a@example.com>" + strings.Repeat(" X=1", 21), "501 5.5.4 Too many parameters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, addr := startTestServer(t, testServerConfig())
			client := newTestClient(t, addr)
			defer client.close()
			client.hello()

			client.send(tt.cmd)
			client.expectLine(tt.want)
			// A failed MAIL leaves no transaction behind.
			client.send("RCPT TO:<b@example.com>")
			client.expectCode(503)
		})
	}
}

func TestRCPTParameterErrors(t *testing.T) {
	_, addr := startTestServer(t, testServerConfig())
	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<b@example.com> NOTIFY=NEVER,SUCCESS")
	client.expectLine(`501 5.5.4 Bad argument "NEVER"  to NOTIFY`)
	client.send("RCPT TO:<b@example.com> ORCPT=b@example.com")
	client.expectLine("501 5.5.4 Syntax error in ORCPT parameter value")
	client.send("RCPT TO:<b@example.com> ORCPT=rf+zz;b@example.com")
	client.expectLine("501 5.5.4 Syntax error in ORCPT parameter value")
	client.send("RCPT TO:<b@example.com> ORCPT=rfc822;b@example.com ORCPT=rfc822;c@example.com")
	client.expectLine("501 5.5.0 Duplicate ORCPT parameter")
	client.send("RCPT TO:<b@example.com> SIZE=10")
	client.expectLine("501 5.5.4 SIZE parameter unrecognized")
	// None of the failed commands added a recipient.
	client.send("DATA")
	client.expectLine("503 5.0.0 Need RCPT (recipient)")
}

func TestRCPTRepeatedNotify(t *testing.T) {
	queue := &captureQueue{}
	config := testServerConfig()
	config.Queue = queue
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	reply := client.sendMessage("<a@example.com>", []string{"<b@example.com> NOTIFY=SUCCESS,DELAY NOTIFY=FAILURE"}, "x")
	assert.Equal(t, "250 2.0.0 TESTID Message accepted for delivery", reply)
	env, _ := queue.last(t)
	require.Len(t, env.Recipients, 1)
	assert.Equal(t, NotifyFailure|NotifySet, env.Recipients[0].Notify)
}

func TestDSNRefusedWithNoReceipts(t *testing.T) {
	config := testServerConfig()
	config.Privacy = PrivNoReceipts
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@example.com> ENVID=abc")
	client.expectLine("504 5.7.0 Sorry, ENVID not supported, we do not allow DSN")
	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<b@example.com> NOTIFY=SUCCESS")
	client.expectLine("504 5.7.0 Sorry, NOTIFY not supported, we do not allow DSN")
}

func TestSIZEParameterRejected(t *testing.T) {
	config := testServerConfig()
	config.MaxMessageSize = 1000
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@example.com> SIZE=5000")
	client.expectLine("552 5.2.3 Message size exceeds fixed maximum message size (1000)")
	client.send("MAIL FROM:<a@example.com> SIZE=500")
	client.expectCode(250)
}

func TestMaxMessageSize(t *testing.T) {
	queue := &captureQueue{}
	config := testServerConfig()
	config.MaxMessageSize = 100
	config.Queue = queue
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	lines := make([]string, 10)
	for i := range lines {
		lines[i] = strings.Repeat("x", 50)
	}
	reply := client.sendMessage("<a@example.com>", []string{"<b@example.com>"}, lines...)
	assert.Equal(t, "552 5.2.3 Message exceeds maximum fixed size (100)", reply)
	assert.Zero(t, queue.count())

	// The session is still in sync and the transaction is gone.
	client.send("RCPT TO:<b@example.com>")
	client.expectCode(503)
	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(250)
}

func TestDATALineTooLong(t *testing.T) {
	queue := &captureQueue{}
	config := testServerConfig()
	config.Queue = queue
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	reply := client.sendMessage("<a@example.com>", []string{"<b@example.com>"}, strings.Repeat("y", 70000))
	assert.Equal(t, "554 5.6.0 Line too long in message body", reply)
	assert.Zero(t, queue.count())
	// The failed transaction is gone.
	client.send("RCPT TO:<c@example.com>")
	client.expectLine("503 5.0.0 Need MAIL before RCPT")
	client.send("NOOP")
	client.expectCode(250)
}

func TestDATAStrictBareLF(t *testing.T) {
	queue := &captureQueue{}
	config := testServerConfig()
	config.Queue = queue
	config.StrictCRLF = true
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<b@example.com>")
	client.expectCode(250)
	client.send("DATA")
	client.expectCode(354)
	client.sendRaw([]byte("Subject: x\r\nbare lf line\nmore\r\n.\r\n"))
	client.expectLine("554 5.6.0 Bare linefeed (LF) not allowed in message body")
	assert.Zero(t, queue.count())

	// The session survives and the transaction was dropped.
	client.send("RCPT TO:<b@example.com>")
	client.expectLine("503 5.0.0 Need MAIL before RCPT")
	reply := client.sendMessage("<a@example.com>", []string{"<b@example.com>"}, "clean")
	assert.Equal(t, "250 2.0.0 TESTID Message accepted for delivery", reply)
	assert.Equal(t, 1, queue.count())
}

func TestDATAStrictBareLFTerminator(t *testing.T) {
	queue := &captureQueue{}
	config := testServerConfig()
	config.Queue = queue
	config.StrictCRLF = true
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<b@example.com>")
	client.expectCode(250)
	client.send("DATA")
	client.expectCode(354)
	client.sendRaw([]byte("Subject: x\r\n\r\nbody\r\n.\n"))
	client.expectLine("250 2.0.0 TESTID Message accepted for delivery")

	_, body := queue.last(t)
	assert.True(t, strings.HasSuffix(body, "\r\nbody\r\n"), body)
}

func TestMaxRecipients(t *testing.T) {
	config := testServerConfig()
	config.MaxRecipients = 2
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<b@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<c@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<d@example.com>")
	client.expectLine("452 4.5.3 Too many recipients")
}

func TestMaxRecipientsCountsDuplicates(t *testing.T) {
	config := testServerConfig()
	config.MaxRecipients = 2
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<b@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<b@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<c@example.com>")
	client.expectLine("452 4.5.3 Too many recipients")

	// The count starts over with the next transaction.
	client.send("RSET")
	client.expectCode(250)
	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<c@example.com>")
	client.expectCode(250)
}

func TestDuplicateRecipients(t *testing.T) {
	queue := &captureQueue{}
	config := testServerConfig()
	config.Queue = queue
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	reply := client.sendMessage("<a@example.com>",
		[]string{"<b@example.com>", "<b@EXAMPLE.com>", "<c@example.com>"}, "hi")
	assert.Equal(t, "250 2.0.0 TESTID Message accepted for delivery", reply)

	env, _ := queue.last(t)
	assert.Equal(t, []string{"b@example.com", "c@example.com"}, env.RecipientAddresses())
}

func TestRSET(t *testing.T) {
	queue := &captureQueue{}
	config := testServerConfig()
	config.Queue = queue
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<b@example.com>")
	client.expectCode(250)
	client.send("RSET")
	client.expectLine("250 2.0.0 Reset state")
	client.send("DATA")
	client.expectLine("503 5.0.0 Need MAIL command")

	reply := client.sendMessage("<c@example.com>", []string{"<d@example.com>"}, "after reset")
	assert.Equal(t, "250 2.0.0 TESTID Message accepted for delivery", reply)
	env, _ := queue.last(t)
	assert.Equal(t, "c@example.com", env.Sender.String())
	assert.Equal(t, []string{"d@example.com"}, env.RecipientAddresses())
}

func TestMultipleTransactions(t *testing.T) {
	queue := &captureQueue{}
	config := testServerConfig()
	config.Queue = queue
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	for i := 0; i < 3; i++ {
		reply := client.sendMessage("<a@example.com>", []string{"<b@example.com>"}, "message")
		assert.Equal(t, "250 2.0.0 TESTID Message accepted for delivery", reply)
	}
	assert.Equal(t, 3, queue.count())
}

func TestQueueOnlyMode(t *testing.T) {
	config := testServerConfig()
	config.DeliveryMode = DeliverQueueOnly
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<b@example.com>")
	client.expectLine("250 2.1.5 Recipient ok (will queue)")
}

func TestQueueFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"plain error", errors.New("disk on fire"), "451 4.3.0 Error queueing message"},
		{"reply error", Reply(CodeInsufficientSpace, "4.3.1", "Queue full"), "452 4.3.1 Queue full"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testServerConfig()
			config.Queue = &captureQueue{err: tt.err}
			_, addr := startTestServer(t, config)

			client := newTestClient(t, addr)
			defer client.close()
			client.hello()
			reply := client.sendMessage("<a@example.com>", []string{"<b@example.com>"}, "body")
			assert.Equal(t, tt.want, reply)
		})
	}
}

func TestInsufficientSpace(t *testing.T) {
	config := testServerConfig()
	config.Queue = &captureQueue{noSpace: true}
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@example.com> SIZE=10")
	client.expectLine("452 4.4.5 Insufficient disk space; try again later")
}

func TestNeedMailHelo(t *testing.T) {
	config := testServerConfig()
	config.Privacy = PrivNeedMailHelo
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)

	client.send("MAIL FROM:<a@example.com>")
	client.expectLine("503 5.0.0 Polite people say HELO first")
	client.send("HELO client.example.com")
	client.expectCode(250)
	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(250)
}

// ============================================================================
// Rulesets and Filters
// ============================================================================

func TestRulesetRejectsRecipient(t *testing.T) {
	var seen []RulesetName
	var mu sync.Mutex
	config := testServerConfig()
	config.Rules = rulesFunc(func(name RulesetName, arg string, env *Envelope) Decision {
		mu.Lock()
		seen = append(seen, name)
		mu.Unlock()
		if name == RulesetRcpt && arg == "<blocked@example.com>" {
			return Decision{Action: Reject}
		}
		if name == RulesetRcpt && arg == "<later@example.com>" {
			return TempFailWith(CodeLocalError, "4.2.0", "Greylisted")
		}
		return Accept
	})
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<blocked@example.com>")
	client.expectLine("550 5.7.1 Command rejected")
	client.send("RCPT TO:<later@example.com>")
	client.expectLine("451 4.2.0 Greylisted")
	client.send("RCPT TO:<ok@example.com>")
	client.expectCode(250)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []RulesetName{RulesetRelay, RulesetMail, RulesetRcpt, RulesetRcpt, RulesetRcpt}, seen)
}

func TestConnectReject(t *testing.T) {
	config := testServerConfig()
	config.Rules = rulesFunc(func(name RulesetName, arg string, env *Envelope) Decision {
		if name == RulesetRelay {
			assert.Equal(t, "127.0.0.1", arg)
			return RejectWith(CodeTransactionFailed, "5.7.1", "Access denied")
		}
		return Accept
	})
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()

	client.expectLine("554 test.example.com ESMTP heron ready")
	client.send("EHLO client.example.com")
	lines := client.expectMultilineCode(250)
	assert.Equal(t, []string{
		"250-test.example.com Hello [127.0.0.1], pleased to meet you",
		"250 ENHANCEDSTATUSCODES",
	}, lines)
	client.send("MAIL FROM:<a@example.com>")
	client.expectLine("554 5.7.1 Access denied")
	client.send("NOOP")
	client.expectCode(250)
	client.send("QUIT")
	client.expectCode(221)
}

func TestConnectTempFail(t *testing.T) {
	config := testServerConfig()
	config.Filter = &testFilter{connect: func(ClientInfo) Decision { return Decision{Action: TempFail} }}
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@example.com>")
	client.expectLine("451 4.7.1 Please try again later")
}

func TestHeloFilterReject(t *testing.T) {
	config := testServerConfig()
	config.Filter = &testFilter{helo: func(name string) Decision {
		if name == "evil.example" {
			return Decision{Action: Reject}
		}
		return Accept
	}}
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)

	client.send("HELO evil.example")
	client.expectLine("550 HELO/EHLO rejected")
	client.send("MAIL FROM:<a@example.com>")
	client.expectLine("550 5.0.0 Command rejected")
}

func TestFilterDecisions(t *testing.T) {
	queue := &captureQueue{}
	config := testServerConfig()
	config.Queue = queue
	config.Filter = &testFilter{
		mailFrom: func(env *Envelope) Decision {
			if env.Sender.Domain == "spam.example" {
				return RejectWith(CodeMailboxUnavailable, "5.7.1", "Sender blocked")
			}
			return Accept
		},
		rcptTo: func(rcpt *Recipient) Decision {
			if rcpt.Address.Local == "busy" {
				return Decision{Action: TempFail}
			}
			return Accept
		},
		body: func(_ *Envelope, body []byte) Decision {
			switch {
			case strings.Contains(string(body), "VIAGRA"):
				return RejectWith(CodeTransactionFailed, "5.7.1", "Spam detected")
			case strings.Contains(string(body), "blackhole"):
				return Decision{Action: Discard}
			}
			return Accept
		},
	}
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<x@spam.example>")
	client.expectLine("550 5.7.1 Sender blocked")

	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<busy@example.com>")
	client.expectLine("451 4.7.1 Try again later")
	client.send("RSET")
	client.expectCode(250)

	reply := client.sendMessage("<a@example.com>", []string{"<b@example.com>"}, "VIAGRA")
	assert.Equal(t, "554 5.7.1 Spam detected", reply)
	reply = client.sendMessage("<a@example.com>", []string{"<b@example.com>"}, "into the blackhole")
	assert.Equal(t, "250 2.0.0 TESTID Message accepted for delivery", reply)
	assert.Zero(t, queue.count())

	reply = client.sendMessage("<a@example.com>", []string{"<b@example.com>"}, "hello")
	assert.Equal(t, "250 2.0.0 TESTID Message accepted for delivery", reply)
	assert.Equal(t, 1, queue.count())
}

// ============================================================================
// Null Server and ETRN-only Modes
// ============================================================================

func TestNullServer(t *testing.T) {
	config := testServerConfig()
	config.NullServer = "Go away"
	config.Runner = &fakeRunner{}
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)

	client.send("EHLO client.example.com")
	lines := client.expectMultilineCode(250)
	assert.Len(t, lines, 2)
	client.send("MAIL FROM:<a@example.com>")
	client.expectLine("550 5.0.0 Go away")
	client.send("ETRN example.org")
	client.expectLine("550 5.0.0 Go away")
	client.send("VRFY root")
	client.expectLine("550 5.0.0 Go away")
	client.send("NOOP")
	client.expectLine("250 2.0.0 OK")
	client.send("RSET")
	client.expectCode(250)
	client.send("QUIT")
	client.expectCode(221)
}

func TestNullServerReplyText(t *testing.T) {
	config := testServerConfig()
	config.NullServer = "421 4.3.2 Closed for maintenance"
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)
	client.send("MAIL FROM:<a@example.com>")
	client.expectLine("421 4.3.2 Closed for maintenance")
}

func TestETRNOnly(t *testing.T) {
	runner := &fakeRunner{}
	config := testServerConfig()
	config.ETRNOnly = true
	config.Runner = runner
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@example.com>")
	client.expectLine("452 4.4.5 Insufficient disk space; try again later")
	client.send("ETRN example.org")
	client.expectLine("250 2.0.0 Queuing for node example.org started")
	assert.Equal(t, []string{"example.org"}, runner.runs())
}

// ============================================================================
// VRFY / EXPN
// ============================================================================

func newLocalParser() *address.Parser {
	p := address.NewParser("example.com")
	p.AddUser("alice", "Alice Smith")
	p.AddUser("bob", "")
	p.AddAlias("staff", "alice", "carol@remote.example")
	return p
}

func TestVRFY(t *testing.T) {
	config := testServerConfig()
	config.Parser = newLocalParser()
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("VRFY alice@example.com")
	client.expectLine("250 2.1.5 Alice Smith <alice@example.com>")
	client.send("VRFY <bob@example.com>")
	client.expectLine("250 2.1.5 <bob@example.com>")
	client.send("VRFY mallory@example.com")
	client.expectLine("550 5.1.1 mallory@example.com... User unknown")
	client.send("VRFY")
	client.expectLine("501 5.5.2 Argument required")

	client.send("VRFY alice@example.com, mallory@example.com")
	lines := client.expectMultilineCode(550)
	assert.Equal(t, []string{
		"250-2.1.5 Alice Smith <alice@example.com>",
		"550 5.1.1 mallory@example.com... User unknown",
	}, lines)
}

func TestEXPN(t *testing.T) {
	config := testServerConfig()
	config.Parser = newLocalParser()
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("EXPN staff@example.com")
	lines := client.expectMultilineCode(250)
	assert.Equal(t, []string{
		"250-2.1.5 Alice Smith <alice@example.com>",
		"250 2.1.5 <carol@remote.example>",
	}, lines)

	// VRFY does not expand aliases.
	client.send("VRFY staff@example.com")
	client.expectLine("250 2.1.5 <staff@example.com>")
}

func TestVRFYPrivacy(t *testing.T) {
	config := testServerConfig()
	config.Privacy = PrivNoVrfy | PrivNoExpn
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("VRFY root")
	client.expectLine("252 2.5.2 Cannot VRFY user; try RCPT to attempt delivery (or try finger)")
	client.send("EXPN root")
	client.expectLine("502 5.7.0 Sorry, we do not allow this operation")
	client.send("VERB")
	client.expectLine("502 5.7.0 Verbose unavailable")
}

func TestVRFYNeedsHelo(t *testing.T) {
	config := testServerConfig()
	config.Privacy = PrivNeedVrfyHelo | PrivNeedExpnHelo
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)

	client.send("VRFY root")
	client.expectLine("503 5.0.0 I demand that you introduce yourself first")
	client.send("EXPN root")
	client.expectCode(503)
}

func TestVRFYRuleset(t *testing.T) {
	config := testServerConfig()
	config.Rules = rulesFunc(func(name RulesetName, arg string, env *Envelope) Decision {
		if name == RulesetVrfy {
			return RejectWith(CodeMailboxUnavailable, "5.7.1", "VRFY denied")
		}
		return Accept
	})
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("VRFY root@example.com")
	client.expectLine("550 5.7.1 VRFY denied")
}

// ============================================================================
// ETRN
// ============================================================================

func TestETRN(t *testing.T) {
	runner := &fakeRunner{}
	config := testServerConfig()
	config.Runner = runner
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("ETRN example.org")
	client.expectLine("250 2.0.0 Queuing for node example.org started")
	client.send("ETRN @example.net")
	client.expectLine("250 2.0.0 Queuing for node @example.net started")
	client.send("ETRN")
	client.expectLine("500 5.5.2 Parameter required")

	assert.Equal(t, []string{"example.org", "@example.net"}, runner.runs())
}

func TestETRNFailures(t *testing.T) {
	tests := []struct {
		name   string
		runner QueueRunner
		priv   PrivacyFlags
		want   string
	}{
		{"no runner", nil, 0, "502 5.7.0 Sorry, we do not allow this operation"},
		{"noetrn", &fakeRunner{}, PrivNoEtrn, "502 5.7.0 Sorry, we do not allow this operation"},
		{"refused", &fakeRunner{refuse: true}, 0, "458 4.0.0 Unable to queue messages for node example.org"},
		{"error", &fakeRunner{err: errors.New("spool locked")}, 0, "458 4.0.0 Unable to queue messages for node example.org"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testServerConfig()
			config.Runner = tt.runner
			config.Privacy = tt.priv
			_, addr := startTestServer(t, config)

			client := newTestClient(t, addr)
			defer client.close()
			client.hello()
			client.send("ETRN example.org")
			client.expectLine(tt.want)
		})
	}
}

// ============================================================================
// HELP, VERB, ONEX, XUSR and unknown commands
// ============================================================================

func TestHELP(t *testing.T) {
	config := testServerConfig()
	config.Help = helpMap{
		"smtp": {"Topics:", "    HELO EHLO MAIL"},
		"mail": {"MAIL FROM: <sender> [ <parameters> ]"},
	}
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)

	client.send("HELP")
	lines := client.expectMultilineCode(214)
	assert.Equal(t, []string{
		"214-2.0.0 Topics:",
		"214-2.0.0     HELO EHLO MAIL",
		"214 2.0.0 End of HELP info",
	}, lines)

	client.send("HELP MAIL")
	lines = client.expectMultilineCode(214)
	assert.Equal(t, "214-2.0.0 MAIL FROM: <sender> [ <parameters> ]", lines[0])

	client.send("HELP nosuchtopic")
	client.expectLine(`504 5.3.0 HELP topic "nosuchtopi" unknown`)
}

func TestHELPWithoutSource(t *testing.T) {
	_, addr := startTestServer(t, testServerConfig())

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)

	client.send("HELP")
	client.expectLine("502 5.3.0 HELP not implemented")
}

func TestHELPWithoutDefaultTopic(t *testing.T) {
	config := testServerConfig()
	config.Help = helpMap{}
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)

	client.send("HELP")
	client.expectLine("214 2.0.0 End of HELP info")
}

func TestVERBAndXUSR(t *testing.T) {
	queue := &captureQueue{}
	config := testServerConfig()
	config.Queue = queue
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("VERB")
	client.expectLine("250 2.0.0 Verbose mode")
	client.send("XUSR")
	client.expectLine("250 2.0.0 Initial submission")
	reply := client.sendMessage("<a@example.com>", []string{"<b@example.com>"}, "body")
	assert.Equal(t, "250 2.0.0 TESTID Message accepted for delivery", reply)

	env, _ := queue.last(t)
	assert.Equal(t, DeliverInteractive, env.Mode)
	assert.NotZero(t, env.Flags&FlagSubmission)
}

func TestVERBRaisesRecipientLogging(t *testing.T) {
	logs := &syncBuffer{}
	config := testServerConfig()
	config.Logger = slog.New(slog.NewTextHandler(logs, nil))
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	reply := client.sendMessage("<a@example.com>", []string{"<quiet@example.com>"}, "x")
	assert.Equal(t, "250 2.0.0 TESTID Message accepted for delivery", reply)
	client.send("VERB")
	client.expectCode(250)
	reply = client.sendMessage("<a@example.com>", []string{"<loud@example.com>"}, "x")
	assert.Equal(t, "250 2.0.0 TESTID Message accepted for delivery", reply)

	out := logs.String()
	assert.NotContains(t, out, "quiet@example.com")
	assert.Contains(t, out, `msg="recipient accepted"`)
	assert.Contains(t, out, "rcpt=loud@example.com")
	assert.Contains(t, out, `msg="recipient queued"`)
}

func TestBodyFilterRecipientStatus(t *testing.T) {
	queue := &captureQueue{}
	config := testServerConfig()
	config.Queue = queue
	config.Filter = &testFilter{
		body: func(env *Envelope, _ []byte) Decision {
			for _, r := range env.Recipients {
				switch r.Address.Local {
				case "local":
					r.Status |= RcptSent
				case "refused":
					r.Status |= RcptBad
				}
			}
			return Accept
		},
	}
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	reply := client.sendMessage("<a@example.com>",
		[]string{"<local@example.com>", "<remote@example.org>", "<refused@example.com>"}, "x")
	assert.Equal(t, "250 2.0.0 TESTID Message accepted for delivery", reply)
	env, _ := queue.last(t)
	require.Len(t, env.Deliverable(), 1)
	assert.Equal(t, "remote", env.Deliverable()[0].Address.Local)
	assert.NotZero(t, env.Deliverable()[0].Status&RcptQueued)
	assert.Zero(t, env.Recipients[0].Status&RcptQueued)

	// Nothing left to deliver: accepted, but never queued.
	reply = client.sendMessage("<a@example.com>", []string{"<local@example.com>", "<refused@example.com>"}, "x")
	assert.Equal(t, "250 2.0.0 TESTID Message accepted for delivery", reply)
	assert.Equal(t, 1, queue.count())
}

func TestONEX(t *testing.T) {
	_, addr := startTestServer(t, testServerConfig())

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("ONEX")
	client.expectLine("250 2.0.0 Only one transaction")
	reply := client.sendMessage("<a@example.com>", []string{"<b@example.com>"}, "only one")
	assert.Equal(t, "250 2.0.0 TESTID Message accepted for delivery", reply)
	client.expectClosed()
}

func TestUnknownCommands(t *testing.T) {
	_, addr := startTestServer(t, testServerConfig())

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)

	client.send("TURN")
	client.expectLine(`502 5.5.1 Command not implemented: "TURN"`)
	client.send("DEBUG")
	client.expectLine(`500 5.5.1 Command unrecognized: "DEBUG"`)
	client.send("STARTTLS")
	client.expectLine(`500 5.5.1 Command unrecognized: "STARTTLS"`)
	client.send("noop")
	client.expectLine("250 2.0.0 OK")
}
