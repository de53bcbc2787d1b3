package heron

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/synqronlabs/heron/address"
	heronio "github.com/synqronlabs/heron/io"
	"github.com/synqronlabs/heron/utils"
)

const (
	// maxHeloName is the longest HELO argument accepted.
	maxHeloName = 256
	// maxDataLine bounds one body line; RFC 5322 allows 998 octets.
	maxDataLine = 65536
)

// validHeloName checks the HELO argument: letters, digits and "[].-_#"
// up to the first space.
func validHeloName(arg string) (string, bool) {
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		switch {
		case c >= 0x80:
			return arg, false
		case c == ' ' || c == '\t':
			return arg[:i], true
		case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'):
		case strings.IndexByte("[].-_#", c) >= 0:
		default:
			return arg, false
		}
	}
	return arg, true
}

func (s *session) handleHelo(cmd Command, verb, arg string) *Response {
	host := s.cfg.Hostname
	s.checkAttack(counterHelo, true)

	if s.greeted {
		return &Response{Code: CodeBadSequence, Lines: []string{host + " Duplicate HELO/EHLO"}}
	}
	if arg == "" && !s.cfg.AllowBogusHELO {
		return &Response{Code: CodeSyntaxError, Lines: []string{strings.ToUpper(verb) + " requires domain address"}}
	}
	if len(arg) > maxHeloName {
		s.logger.Info("invalid domain name (too long)")
		return &Response{Code: CodeSyntaxError, Lines: []string{"Invalid domain name"}}
	}

	greeting := "pleased to meet you"
	name, ok := validHeloName(arg)
	if !ok {
		if !s.cfg.AllowBogusHELO {
			s.logger.Info("invalid domain name", slog.String("helo", utils.ShortenString(arg, 100)))
			return &Response{Code: CodeSyntaxError, Lines: []string{"Invalid domain name"}}
		}
		greeting = "accepting invalid domain name"
	}

	if s.cfg.Filter != nil && !s.env.Discard {
		info := s.clientInfo()
		info.HeloName = name
		d := s.cfg.Filter.Helo(s.ctx, info, name)
		if d.Action == Reject {
			s.applyStageDecision(d, "helo")
			return d.response(&Response{Code: CodeMailboxUnavailable, Lines: []string{"HELO/EHLO rejected"}})
		}
		s.applyStageDecision(d, "helo")
	}

	s.greeted = true
	s.heloName = name
	if cmd == CmdEhlo {
		s.proto = protoESMTP
	} else {
		s.proto = protoSMTP
	}
	s.env.Client = s.clientInfo()

	hello := fmt.Sprintf("%s Hello %s, %s", host, s.peerName, greeting)
	if cmd == CmdHelo {
		return Reply(CodeOK, "", "%s", hello)
	}
	return &Response{Code: CodeOK, Lines: s.ehloLines(hello)}
}

// ehloLines lists the EHLO keywords in sendmail's order.
func (s *session) ehloLines(hello string) []string {
	lines := []string{hello, "ENHANCEDSTATUSCODES"}
	if s.nullServer != "" {
		return lines
	}
	priv := s.cfg.Privacy
	if !priv.Has(PrivNoExpn) {
		lines = append(lines, "EXPN")
		if !priv.Has(PrivNoVerb) {
			lines = append(lines, "VERB")
		}
	}
	lines = append(lines, "8BITMIME")
	if s.cfg.MaxMessageSize > 0 {
		lines = append(lines, fmt.Sprintf("SIZE %d", s.cfg.MaxMessageSize))
	} else {
		lines = append(lines, "SIZE")
	}
	if !priv.Has(PrivNoReceipts) {
		lines = append(lines, "DSN")
	}
	lines = append(lines, "ONEX")
	if !priv.Has(PrivNoEtrn) && s.cfg.Runner != nil {
		lines = append(lines, "ETRN")
	}
	lines = append(lines, "XUSR")
	if mechs := s.cfg.authMechanisms(); len(mechs) > 0 {
		lines = append(lines, "AUTH "+strings.Join(mechs, " "))
	}
	return append(lines, "HELP")
}

func (s *session) handleMail(args string) *Response {
	s.issuedMail = true
	if !s.greeted && s.cfg.Privacy.Has(PrivNeedMailHelo) {
		return Reply(CodeBadSequence, "5.0.0", "Polite people say HELO first")
	}
	if s.inTransaction() {
		return Reply(CodeBadSequence, "5.5.0", "Sender already specified")
	}
	if s.cfg.RequireAuth && s.authState != authAuthenticated {
		return Reply(CodeAuthRequired, "5.7.0", "Authentication required")
	}
	if s.tempfail {
		s.logger.Info("MAIL tempfailed (from previous connect or HELO check)", slog.String("args", utils.ShortenString(args, 100)))
		return Reply(CodeLocalError, "4.7.1", "Please try again later")
	}

	rest, ok := skipWord(args, "from")
	if !ok {
		return Reply(CodeSyntaxError, "5.5.2", "Syntax error in parameters scanning %q", utils.ShortenString(args, maxShortString))
	}
	if !s.greeted {
		s.logger.Warn("client didn't use HELO protocol")
	}

	// Work on a copy so that a failure leaves no partial state behind.
	env := s.env.Clone()

	pathText, paramText := splitPath(rest)
	sender, err := s.cfg.Parser.Parse(s.ctx, pathText, address.RoleSender)
	if err != nil {
		return s.addressError(err, Reply(CodeMailboxNameInvalid, "5.1.7", "%s... Invalid sender address", utils.ShortenString(pathText, maxShortString)))
	}
	env.Sender = &sender
	env.Size = 0

	params, resp := parseESMTPParams(paramText)
	if resp != nil {
		return resp
	}
	for _, p := range params {
		if resp := s.applyMailParam(env, p); resp != nil {
			return resp
		}
	}

	if resp := s.ruleset(RulesetMail, sender.Path(), env, Reply(CodeMailboxUnavailable, "5.7.1", "Command rejected")); resp != nil {
		return resp
	}
	if s.cfg.MaxMessageSize > 0 && env.Size > s.cfg.MaxMessageSize {
		return Reply(CodeExceededStorage, "5.2.3", "Message size exceeds fixed maximum message size (%d)", s.cfg.MaxMessageSize)
	}
	if sc, ok := s.cfg.Queue.(SpaceChecker); ok && !sc.HasSpace(env.Size) {
		return Reply(CodeInsufficientSpace, "4.4.5", "Insufficient disk space; try again later")
	}
	if s.cfg.Filter != nil && !env.Discard {
		if resp := s.filterDecision(s.cfg.Filter.MailFrom(s.ctx, env), env,
			Reply(CodeMailboxUnavailable, "5.7.1", "Command rejected")); resp != nil {
			return resp
		}
	}

	s.env = env
	return Reply(CodeOK, "2.1.0", "Sender ok")
}

// addressError maps a parser failure to its reply.
func (s *session) addressError(err error, def *Response) *Response {
	if resp, ok := ResponseFromError(err); ok {
		return resp
	}
	s.logger.Debug("address rejected", slog.Any("error", err))
	return def
}

// ruleset runs a named check and renders its verdict. Discard marks env.
func (s *session) ruleset(name RulesetName, arg string, env *Envelope, def *Response) *Response {
	if s.cfg.Rules == nil {
		return nil
	}
	d := s.cfg.Rules.Check(s.ctx, name, arg, env)
	if d.Action != Continue {
		s.logger.Info("ruleset verdict",
			slog.String("ruleset", string(name)),
			slog.String("arg", utils.ShortenString(arg, maxShortString)),
			slog.String("action", d.Action.String()),
		)
	}
	return s.decisionResponse(d, env, def)
}

// filterDecision renders a filter verdict.
func (s *session) filterDecision(d Decision, env *Envelope, def *Response) *Response {
	return s.decisionResponse(d, env, def)
}

func (s *session) decisionResponse(d Decision, env *Envelope, def *Response) *Response {
	switch d.Action {
	case Reject:
		return d.response(def)
	case TempFail:
		return d.response(Reply(CodeLocalError, "4.7.1", "Try again later"))
	case Discard:
		if env != nil {
			env.Discard = true
		}
	}
	return nil
}

func (s *session) handleRcpt(args string) *Response {
	if !s.inTransaction() {
		return Reply(CodeBadSequence, "5.0.0", "Need MAIL before RCPT")
	}
	if s.cfg.MaxRecipients > 0 && s.env.rcptCount >= s.cfg.MaxRecipients {
		return Reply(CodeInsufficientSpace, "4.5.3", "Too many recipients")
	}
	rest, ok := skipWord(args, "to")
	if !ok {
		return Reply(CodeSyntaxError, "5.5.2", "Syntax error in parameters scanning %q", utils.ShortenString(args, maxShortString))
	}
	pathText, paramText := splitPath(rest)
	if pathText == "" {
		return Reply(CodeSyntaxError, "5.0.0", "Missing recipient")
	}

	a, err := s.cfg.Parser.Parse(s.ctx, pathText, address.RoleRecipient)
	if err != nil {
		if errors.Is(err, address.ErrUnknownUser) {
			if _, ok := ResponseFromError(err); !ok {
				return Reply(CodeMailboxUnavailable, "5.1.1", "Addressee unknown")
			}
		}
		return s.addressError(err, Reply(CodeMailboxNameInvalid, "5.1.3", "%s... Invalid recipient address", utils.ShortenString(pathText, maxShortString)))
	}

	env := s.env.Clone()
	rcpt := &Recipient{Address: a}
	params, resp := parseESMTPParams(paramText)
	if resp != nil {
		return resp
	}
	for _, p := range params {
		if resp := s.applyRcptParam(rcpt, p); resp != nil {
			return resp
		}
	}

	if resp := s.ruleset(RulesetRcpt, a.Path(), env, Reply(CodeMailboxUnavailable, "5.7.1", "Command rejected")); resp != nil {
		return resp
	}
	if s.cfg.Filter != nil && !env.Discard {
		if resp := s.filterDecision(s.cfg.Filter.RcptTo(s.ctx, env, rcpt), env,
			Reply(CodeMailboxUnavailable, "5.7.1", "Command rejected")); resp != nil {
			return resp
		}
	}

	if !env.hasRecipient(a) {
		rcpt.Status |= RcptVerified
		env.Recipients = append(env.Recipients, rcpt)
	}
	env.rcptCount++
	s.env = env
	s.logger.Log(s.ctx, s.detailLevel(), "recipient accepted",
		slog.String("envelope_id", env.ID),
		slog.String("rcpt", a.String()),
	)
	if s.mode == DeliverQueueOnly {
		return Reply(CodeOK, "2.1.5", "Recipient ok (will queue)")
	}
	return Reply(CodeOK, "2.1.5", "Recipient ok")
}

func (s *session) handleData() (resp *Response) {
	if !s.inTransaction() {
		return Reply(CodeBadSequence, "5.0.0", "Need MAIL command")
	}
	if len(s.env.Recipients) == 0 {
		return Reply(CodeBadSequence, "5.0.0", "Need RCPT (recipient)")
	}
	if err := s.reply(Reply(CodeStartMailInput, "", `Enter mail, end with "." on a line by itself`)); err != nil {
		return nil
	}

	// Whatever happens to the body, the next transaction starts fresh: a
	// committed envelope is replaced here, a failed one by the dispatcher.
	env := s.env
	defer func() {
		if resp != nil && resp.Code.Class() == 2 {
			s.env = s.newEnvelope()
			return
		}
		env.Flags |= FlagFatal
	}()

	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.DataTimeout)); err != nil {
		return Reply(CodeLocalError, "4.3.0", "Error reading message")
	}
	body, err := heronio.ReadData(s.reader, s.cfg.MaxMessageSize, maxDataLine, s.cfg.StrictCRLF)
	if err != nil {
		switch {
		case errors.Is(err, heronio.ErrMessageTooLarge):
			metricMessages.WithLabelValues("toolarge").Inc()
			return Reply(CodeExceededStorage, "5.2.3", "Message exceeds maximum fixed size (%d)", s.cfg.MaxMessageSize)
		case errors.Is(err, heronio.ErrLineTooLong):
			return Reply(CodeTransactionFailed, "5.6.0", "Line too long in message body")
		case errors.Is(err, heronio.ErrBadLineEnding):
			s.logger.Info("bare LF in message body", slog.String("envelope_id", env.ID))
			return Reply(CodeTransactionFailed, "5.6.0", "Bare linefeed (LF) not allowed in message body")
		}
		s.lostInput(err)
		s.quit = true
		return nil
	}

	env.Size = int64(len(body))
	env.ReceivedAt = time.Now()
	if env.Body == Body7Bit && utils.HasEightBit(body) {
		s.logger.Info("8-bit data in 7BIT body", slog.String("envelope_id", env.ID))
	}

	body = append([]byte(s.receivedHeader(env)), body...)

	if s.cfg.Filter != nil && !env.Discard {
		if resp := s.filterDecision(s.cfg.Filter.Body(s.ctx, env, body), env,
			Reply(CodeTransactionFailed, "5.7.1", "Command rejected")); resp != nil {
			if resp.IsTransient() {
				metricMessages.WithLabelValues("tempfail").Inc()
			} else {
				metricMessages.WithLabelValues("rejected").Inc()
			}
			return resp
		}
	}

	id := env.ID
	pending := env.Deliverable()
	if env.Discard || len(pending) == 0 {
		s.logger.Info("message discarded",
			slog.String("envelope_id", id),
			slog.Int("recipients", len(env.Recipients)),
		)
		metricMessages.WithLabelValues("discarded").Inc()
	} else {
		for _, r := range pending {
			r.Status |= RcptQueued
		}
		if s.cfg.Queue != nil {
			qid, err := s.cfg.Queue.Enqueue(s.ctx, env, body)
			if err != nil {
				s.logger.Error("queueing failed", slog.String("envelope_id", id), slog.Any("error", err))
				metricMessages.WithLabelValues("tempfail").Inc()
				if resp, ok := ResponseFromError(err); ok {
					return resp
				}
				return Reply(CodeLocalError, "4.3.0", "Error queueing message")
			}
			if qid != "" {
				id = qid
			}
		}
		for _, r := range pending {
			s.logger.Log(s.ctx, s.detailLevel(), "recipient queued",
				slog.String("id", id),
				slog.String("rcpt", r.Address.String()),
			)
		}
		s.logger.Info("message accepted",
			slog.String("id", id),
			slog.String("from", env.Sender.String()),
			slog.Int("recipients", len(pending)),
			slog.Int64("size", env.Size),
		)
		metricMessages.WithLabelValues("accepted").Inc()
		metricMessageSize.Observe(float64(env.Size))
	}

	if s.oneTransaction {
		s.quit = true
	}
	return Reply(CodeOK, "2.0.0", "%s Message accepted for delivery", id)
}

// receivedHeader renders the trace header prepended to every message.
func (s *session) receivedHeader(env *Envelope) string {
	from := s.heloName
	if from == "" {
		from = s.peerName
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Received: from %s (%s)\r\n", from, s.peerName)
	fmt.Fprintf(&b, "\tby %s with %s id %s", s.cfg.Hostname, s.protocolName(), env.ID)
	if len(env.Recipients) == 1 {
		fmt.Fprintf(&b, "\r\n\tfor %s", env.Recipients[0].Address.Path())
	}
	fmt.Fprintf(&b, "; %s\r\n", env.ReceivedAt.Format(time.RFC1123Z))
	return b.String()
}

func (s *session) handleRset() *Response {
	s.env = s.newEnvelope()
	return Reply(CodeOK, "2.0.0", "Reset state")
}

func (s *session) handleVrfy(cmd Command, args string) *Response {
	s.issuedMail = true
	vrfy := cmd == CmdVrfy
	name := cmd.String()

	wait := s.checkAttack(counterVrfy, false)
	started := time.Now()

	if vrfy && s.cfg.Privacy.Has(PrivNoVrfy) {
		s.logger.Info("VRFY rejected", slog.String("args", utils.ShortenString(args, maxShortString)))
		return Reply(CodeCannotVRFY, "2.5.2", "Cannot VRFY user; try RCPT to attempt delivery (or try finger)")
	}
	if !vrfy && s.cfg.Privacy.Has(PrivNoExpn) {
		s.logger.Info("EXPN rejected", slog.String("args", utils.ShortenString(args, maxShortString)))
		return Reply(CodeNotImplemented, "5.7.0", "Sorry, we do not allow this operation")
	}
	needHelo := PrivNeedExpnHelo
	if vrfy {
		needHelo = PrivNeedVrfyHelo
	}
	if !s.greeted && s.cfg.Privacy.Has(needHelo) {
		return Reply(CodeBadSequence, "5.0.0", "I demand that you introduce yourself first")
	}

	s.logger.Info(name, slog.String("args", utils.ShortenString(args, maxShortString)))

	var results []*Response
	if args == "" {
		results = []*Response{Reply(CodeSyntaxError, "5.5.2", "Argument required")}
	} else {
		rs := RulesetExpn
		if vrfy {
			rs = RulesetVrfy
		}
		if resp := s.ruleset(rs, args, nil, Reply(CodeMailboxUnavailable, "5.7.1", "Command rejected")); resp != nil {
			results = []*Response{resp}
		} else {
			results = s.verifyList(args, !vrfy)
		}
	}

	if wait > 0 {
		s.pause(wait - time.Since(started))
	}
	if len(results) == 0 {
		return Reply(CodeTransactionFailed, "5.5.2", "Nothing to %s", name)
	}
	for _, r := range results[:len(results)-1] {
		r.Lines = []string{r.Message()}
		if err := s.replyContinued(r); err != nil {
			return nil
		}
	}
	return results[len(results)-1]
}

// verifyList resolves a comma-separated address list, expanding aliases
// when expand is set, into one reply per address.
func (s *session) verifyList(list string, expand bool) []*Response {
	var out []*Response
	seen := make(map[string]bool)
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		a, err := s.cfg.Parser.Parse(s.ctx, item, address.RoleRecipient)
		if err != nil {
			if resp, ok := ResponseFromError(err); ok {
				out = append(out, resp)
			} else if errors.Is(err, address.ErrUnknownUser) {
				out = append(out, Reply(CodeMailboxUnavailable, "5.1.1", "%s... User unknown", item))
			} else {
				out = append(out, Reply(CodeMailboxNameInvalid, "5.1.3", "%s... Invalid address", item))
			}
			continue
		}
		members := []address.Address{a}
		if expander, ok := s.cfg.Parser.(AddressExpander); ok && expand {
			members, err = expander.Expand(s.ctx, a)
			if err != nil {
				out = append(out, Reply(CodeMailboxUnavailable, "5.1.1", "%s... User unknown", item))
				continue
			}
		}
		for _, m := range members {
			key := strings.ToLower(m.String())
			if seen[key] {
				continue
			}
			seen[key] = true
			text := m.Path()
			if m.FullName != "" {
				text = m.FullName + " " + text
			}
			out = append(out, Reply(CodeOK, "2.1.5", "%s", text))
		}
	}
	return out
}

// replyContinued writes a one-line reply as a continuation line of a
// multi-line reply whose lines carry different codes.
func (s *session) replyContinued(r *Response) error {
	line := r.wireLines()[0]
	line = line[:3] + "-" + line[4:]
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	_, err := s.writer.WriteString(line + "\r\n")
	return err
}

func (s *session) handleEtrn(arg string) *Response {
	s.issuedMail = true
	if s.cfg.Privacy.Has(PrivNoEtrn) || s.cfg.Runner == nil {
		s.logger.Info("ETRN rejected", slog.String("args", utils.ShortenString(arg, maxShortString)))
		return Reply(CodeNotImplemented, "5.7.0", "Sorry, we do not allow this operation")
	}
	if arg == "" {
		return Reply(CodeCommandUnknown, "5.5.2", "Parameter required")
	}
	s.checkAttack(counterEtrn, true)

	if resp := s.ruleset(RulesetEtrn, arg, nil, Reply(CodeMailboxUnavailable, "5.7.1", "Command rejected")); resp != nil {
		return resp
	}
	s.logger.Info("ETRN", slog.String("node", utils.ShortenString(arg, maxShortString)))

	ok, err := s.cfg.Runner.RunQueue(context.WithoutCancel(s.ctx), arg)
	if err != nil || !ok {
		if err != nil {
			s.logger.Error("queue run failed", slog.String("match", arg), slog.Any("error", err))
		}
		return Reply(CodeUnableToQueue, "4.0.0", "Unable to queue messages for node %s", arg)
	}
	return Reply(CodeOK, "2.0.0", "Queuing for node %s started", arg)
}

func (s *session) handleHelp(topic string) *Response {
	s.checkAttack(counterNoop, true)
	if s.cfg.Help == nil {
		return Reply(CodeNotImplemented, "5.3.0", "HELP not implemented")
	}
	explicit := topic != ""
	if !explicit {
		topic = "smtp"
	}
	lines, ok := s.cfg.Help.Lookup(strings.ToLower(topic))
	if !ok && explicit {
		t := topic
		if len(t) > 10 {
			t = t[:10]
		}
		return Reply(CodeParamNotImpl, "5.3.0", "HELP topic %q unknown", t)
	}
	return &Response{Code: CodeHelpMessage, EnhancedCode: "2.0.0", Lines: append(lines, "End of HELP info")}
}

func (s *session) handleVerb() *Response {
	if s.cfg.Privacy.Has(PrivNoExpn) || s.cfg.Privacy.Has(PrivNoVerb) {
		return Reply(CodeNotImplemented, "5.7.0", "Verbose unavailable")
	}
	s.checkAttack(counterNoop, true)
	s.verbose = true
	s.logger.Info("verbose mode on")
	s.mode = DeliverInteractive
	s.env.Mode = DeliverInteractive
	return Reply(CodeOK, "2.0.0", "Verbose mode")
}

// decodeBase64 accepts "=" as an empty response.
func decodeBase64(s string) ([]byte, error) {
	if s == "=" {
		return []byte{}, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
