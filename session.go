package heron

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/synqronlabs/heron/dns"
	heronio "github.com/synqronlabs/heron/io"
	"github.com/synqronlabs/heron/utils"
)

// maxShortString bounds client text echoed back in replies.
const maxShortString = 203

type protocol int

const (
	protoNone protocol = iota
	protoSMTP
	protoESMTP
)

type authState int

const (
	authNone authState = iota
	authInProgress
	authAuthenticated
)

// session is the state of one SMTP connection.
type session struct {
	srv    *Server
	cfg    *ServerConfig
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	// wmu serializes replies with the shutdown notice.
	wmu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	id       string
	peerName string
	remoteIP string

	greeted        bool
	proto          protocol
	heloName       string
	oneTransaction bool
	verbose        bool
	submission     bool
	mode           DeliveryMode

	authState    authState
	authIdentity string
	authMech     string

	counters [numCounters]int
	// nullDelay is the current refusal delay in null-server mode.
	nullDelay time.Duration

	env *Envelope

	// nullServer is the refusal text; non-empty means mail is refused.
	nullServer string
	etrnOnly   bool
	// greetCode is 554 once the connection stage rejected the client.
	greetCode  SMTPCode
	tempfail   bool
	discardAll bool

	issuedMail  bool
	lastCommand string
	quit        bool
}

func newSession(srv *Server, conn net.Conn) *session {
	ctx, cancel := context.WithCancel(srv.ctx)
	cfg := &srv.config
	id := utils.GenerateID()
	remote := "unknown"
	if conn.RemoteAddr() != nil {
		remote = conn.RemoteAddr().String()
	}
	s := &session{
		srv:        srv,
		cfg:        cfg,
		conn:       conn,
		reader:     bufio.NewReaderSize(conn, max(cfg.MaxLineLength, 4096)),
		writer:     bufio.NewWriter(conn),
		ctx:        ctx,
		cancel:     cancel,
		id:         id,
		mode:       cfg.DeliveryMode,
		nullServer: cfg.NullServer,
		etrnOnly:   cfg.ETRNOnly,
		greetCode:  CodeServiceReady,
		logger: cfg.Logger.With(
			slog.String("session_id", id),
			slog.String("remote", remote),
		),
	}
	if ip, err := utils.GetIPFromAddr(conn.RemoteAddr()); err == nil {
		s.remoteIP = ip.String()
	}
	s.env = s.newEnvelope()
	return s
}

// newEnvelope starts an empty transaction carrying the session flags.
func (s *session) newEnvelope() *Envelope {
	env := NewEnvelope(s.cfg.NewID(), s.mode)
	env.Client = s.clientInfo()
	if s.submission {
		env.Flags |= FlagSubmission
	}
	if s.discardAll {
		env.Discard = true
	}
	return env
}

// detailLevel is the level of per-recipient logging, raised by VERB.
func (s *session) detailLevel() slog.Level {
	if s.verbose {
		return slog.LevelInfo
	}
	return slog.LevelDebug
}

func (s *session) clientInfo() ClientInfo {
	return ClientInfo{
		SessionID:     s.id,
		PeerName:      s.peerName,
		Addr:          s.conn.RemoteAddr(),
		HeloName:      s.heloName,
		Protocol:      s.protocolName(),
		AuthIdentity:  s.authIdentity,
		AuthMechanism: s.authMech,
	}
}

// protocolName is the WITH clause of the Received header.
func (s *session) protocolName() string {
	switch {
	case s.proto == protoESMTP && s.authState == authAuthenticated:
		return "ESMTPA"
	case s.proto == protoESMTP:
		return "ESMTP"
	}
	return "SMTP"
}

// inTransaction reports whether MAIL has been accepted.
func (s *session) inTransaction() bool {
	return s.env.HasSender()
}

// refusing reports null-server or ETRN-only operation.
func (s *session) refusing() bool {
	return s.nullServer != "" || s.etrnOnly
}

// reply writes r to the client.
func (s *session) reply(r *Response) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	for _, line := range r.wireLines() {
		if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
			return err
		}
	}
	return s.writer.Flush()
}

// shutdown sends the 421 notice and closes the connection.
func (s *session) shutdown(hostname string) {
	s.wmu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = fmt.Fprintf(s.writer, "%d 4.3.2 %s Service shutting down\r\n", CodeServiceUnavailable, hostname)
	_ = s.writer.Flush()
	s.wmu.Unlock()
	s.cancel()
	_ = s.conn.Close()
}

// readLine reads one line with the command timeout.
func (s *session) readLine() (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
		return "", err
	}
	return heronio.ReadLine(s.reader, s.cfg.MaxLineLength, s.cfg.StrictCRLF)
}

// serve runs the session until QUIT, a fatal error or shutdown.
func (s *session) serve() {
	s.peerName = s.resolvePeer()
	s.env.Client = s.clientInfo()
	s.logger = s.logger.With(slog.String("peer", s.peerName))
	s.logger.Info("client connected")

	s.connectStage()
	if err := s.reply(s.greeting()); err != nil {
		s.logger.Debug("greeting failed", slog.Any("error", err))
		return
	}

	for !s.quit {
		line, err := s.readLine()
		if err != nil {
			if s.handleReadError(err) {
				continue
			}
			break
		}
		resp := s.dispatch(line)
		if resp != nil {
			if err := s.reply(resp); err != nil {
				s.logger.Debug("write failed", slog.Any("error", err))
				break
			}
		}
	}

	if !s.issuedMail {
		s.logger.Info(fmt.Sprintf("%s did not issue MAIL/EXPN/VRFY/ETRN during connection to %s", s.peerName, s.cfg.Hostname))
	}
	s.logger.Info("client disconnected")
}

func (s *session) resolvePeer() string {
	if s.cfg.Resolver == nil {
		return "[" + s.remoteIP + "]"
	}
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()
	return dns.PeerName(ctx, s.cfg.Resolver, s.conn.RemoteAddr())
}

// connectStage applies check_relay and the filter Connect hook.
func (s *session) connectStage() {
	if s.nullServer != "" {
		return
	}
	var d Decision
	if s.cfg.Rules != nil {
		d = s.cfg.Rules.Check(s.ctx, RulesetRelay, s.remoteIP, nil)
	}
	if d.Action == Continue && s.cfg.Filter != nil {
		d = s.cfg.Filter.Connect(s.ctx, s.clientInfo())
	}
	s.applyStageDecision(d, "connect")
}

// applyStageDecision applies a connect or HELO verdict to the session.
func (s *session) applyStageDecision(d Decision, stage string) {
	switch d.Action {
	case Reject:
		text := d.Message
		if text == "" {
			text = "Command rejected"
		}
		if d.Code != 0 {
			text = d.response(Reply(CodeMailboxUnavailable, "5.0.0", text)).Error()
		}
		s.nullServer = text
		s.greetCode = CodeTransactionFailed
		s.logger.Info("client rejected", slog.String("stage", stage))
	case TempFail:
		s.tempfail = true
		s.logger.Info("client tempfailed", slog.String("stage", stage))
	case Discard:
		s.discardAll = true
		s.env.Discard = true
		s.logger.Info("client mail will be discarded", slog.String("stage", stage))
	}
}

// greeting builds the banner. ESMTP follows the first word of the first
// line.
func (s *session) greeting() *Response {
	lines := strings.Split(s.cfg.Hostname+" "+s.cfg.Greeting, "\n")
	first, rest, _ := strings.Cut(lines[0], " ")
	lines[0] = strings.TrimSpace(first + " ESMTP " + rest)
	return &Response{Code: s.greetCode, Lines: lines}
}

// handleReadError answers a failed command read. It returns true when the
// session can go on.
func (s *session) handleReadError(err error) bool {
	switch {
	case errors.Is(err, heronio.ErrLineTooLong):
		s.checkAttack(counterBad, true)
		return s.reply(Reply(CodeCommandUnknown, "5.5.2", "Line too long")) == nil
	case errors.Is(err, heronio.ErrBadLineEnding):
		s.checkAttack(counterBad, true)
		return s.reply(Reply(CodeCommandUnknown, "5.5.2", "Line must be terminated with CRLF")) == nil
	}
	if s.ctx.Err() != nil {
		return false
	}
	s.lostInput(err)
	return false
}

// lostInput reports a dead client: EOF, timeout or I/O failure.
func (s *session) lostInput(err error) {
	last := s.lastCommand
	if last == "" {
		last = "startup"
	}
	attrs := []any{slog.String("after", last), slog.Any("error", err)}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		attrs = append(attrs, slog.Bool("in_transaction", s.inTransaction()))
		s.logger.Warn("timeout waiting for input", attrs...)
	} else {
		s.logger.Warn("lost input channel", attrs...)
	}
	_ = s.reply(Reply(CodeServiceUnavailable, "4.4.1", "%s Lost input channel from %s", s.cfg.Hostname, s.peerName))
}

// dispatch executes one command line and returns the reply to send.
func (s *session) dispatch(line string) (resp *Response) {
	cmd, verb, args := tokenize(line)
	s.lastCommand = strings.ToUpper(verb)
	if cmd == CmdAuth {
		s.logger.Debug("command received", slog.String("cmd", s.lastCommand))
	} else {
		s.logger.Debug("command received", slog.String("cmd", s.lastCommand), slog.String("args", args))
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic recovered",
				slog.String("cmd", s.lastCommand),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			s.env.Flags |= FlagFatal
			resp = Reply(CodeCommandUnknown, "5.5.0", "Internal error")
		}
		if s.env.Flags&FlagFatal != 0 {
			s.logger.Info("transaction aborted", slog.String("envelope_id", s.env.ID))
			s.env = s.newEnvelope()
		}
		code, ecode := "", ""
		if resp != nil {
			code, ecode = fmt.Sprint(int(resp.Code)), resp.EnhancedCode
		}
		metricCommands.WithLabelValues(cmd.String(), code, ecode).Observe(time.Since(start).Seconds())
	}()

	if s.refusing() && !cmd.allowedInNullServer(s.nullServer == "") {
		return s.refuse()
	}

	switch cmd {
	case CmdHelo, CmdEhlo:
		return s.handleHelo(cmd, verb, args)
	case CmdMail:
		return s.handleMail(args)
	case CmdRcpt:
		return s.handleRcpt(args)
	case CmdData:
		return s.handleData()
	case CmdRset:
		return s.handleRset()
	case CmdVrfy, CmdExpn:
		return s.handleVrfy(cmd, args)
	case CmdEtrn:
		return s.handleEtrn(args)
	case CmdHelp:
		return s.handleHelp(args)
	case CmdNoop:
		s.checkAttack(counterNoop, true)
		return Reply(CodeOK, "2.0.0", "OK")
	case CmdVerb:
		return s.handleVerb()
	case CmdOnex:
		s.checkAttack(counterNoop, true)
		s.oneTransaction = true
		return Reply(CodeOK, "2.0.0", "Only one transaction")
	case CmdXusr:
		s.checkAttack(counterNoop, true)
		s.submission = true
		s.env.Flags |= FlagSubmission
		return Reply(CodeOK, "2.0.0", "Initial submission")
	case CmdAuth:
		return s.handleAuth(args)
	case CmdQuit:
		s.quit = true
		return Reply(CodeServiceClosing, "2.0.0", "%s closing connection", s.cfg.Hostname)
	case CmdUnimpl:
		return Reply(CodeNotImplemented, "5.5.1", "Command not implemented: %q", utils.ShortenString(line, maxShortString))
	case CmdBogus:
		s.logger.Log(s.ctx, LevelCrit, "attempt to use bogus command",
			slog.String("cmd", s.lastCommand),
			slog.String("peer", s.peerName),
		)
		return s.badCommand(line)
	case CmdUnknown:
		return s.badCommand(line)
	}
	return Reply(CodeCommandUnknown, "5.5.0", "Internal error")
}

// LevelCrit is logged for commands that only an attacker would send.
const LevelCrit = slog.LevelError + 4

// badCommand answers an unrecognized command and disconnects once the bad
// command threshold is exceeded.
func (s *session) badCommand(line string) *Response {
	s.counters[counterBad]++
	if s.counters[counterBad] > s.cfg.Limits.MaxBadCommands {
		s.logger.Warn("too many bad commands; closing connection")
		s.quit = true
		return Reply(CodeServiceUnavailable, "4.7.0", "%s Too many bad commands; closing connection", s.cfg.Hostname)
	}
	return Reply(CodeCommandUnknown, "5.5.1", "Command unrecognized: %q", utils.ShortenString(line, maxShortString))
}

// refuse answers a command that null-server or ETRN-only mode does not
// process, delaying the reply once the client keeps trying.
func (s *session) refuse() *Response {
	s.counters[counterBad]++
	if s.counters[counterBad] > s.cfg.Limits.MaxBadCommands {
		if s.nullDelay == 0 {
			s.nullDelay = s.cfg.Limits.BackoffUnit
		} else {
			s.nullDelay *= 2
		}
		if s.nullDelay > s.cfg.Limits.MaxTimeout {
			s.nullDelay = s.cfg.Limits.MaxTimeout
		}
		s.pause(s.nullDelay)
	}
	if s.nullServer == "" {
		return Reply(CodeInsufficientSpace, "4.4.5", "Insufficient disk space; try again later")
	}
	if isReplyText(s.nullServer) {
		return parseReplyText(s.nullServer)
	}
	return Reply(CodeMailboxUnavailable, "5.0.0", "%s", s.nullServer)
}
