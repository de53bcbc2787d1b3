package heron

// Command identifies an SMTP verb.
type Command int

const (
	CmdUnknown Command = iota
	CmdMail
	CmdRcpt
	CmdData
	CmdRset
	CmdVrfy
	CmdExpn
	CmdHelp
	CmdNoop
	CmdQuit
	CmdHelo
	CmdEhlo
	CmdEtrn
	CmdVerb
	CmdOnex
	CmdXusr
	CmdAuth
	// CmdUnimpl covers verbs that are recognized but never implemented.
	CmdUnimpl
	// CmdBogus covers debugging verbs that only attackers send.
	CmdBogus
)

var commandNames = [...]string{
	CmdUnknown: "UNKNOWN",
	CmdMail:    "MAIL",
	CmdRcpt:    "RCPT",
	CmdData:    "DATA",
	CmdRset:    "RSET",
	CmdVrfy:    "VRFY",
	CmdExpn:    "EXPN",
	CmdHelp:    "HELP",
	CmdNoop:    "NOOP",
	CmdQuit:    "QUIT",
	CmdHelo:    "HELO",
	CmdEhlo:    "EHLO",
	CmdEtrn:    "ETRN",
	CmdVerb:    "VERB",
	CmdOnex:    "ONEX",
	CmdXusr:    "XUSR",
	CmdAuth:    "AUTH",
	CmdUnimpl:  "UNIMPL",
	CmdBogus:   "BOGUS",
}

func (c Command) String() string {
	if c >= 0 && int(c) < len(commandNames) {
		return commandNames[c]
	}
	return "UNKNOWN"
}

// allowedInNullServer reports whether c is processed while the session
// refuses mail.
func (c Command) allowedInNullServer(etrnOnly bool) bool {
	switch c {
	case CmdQuit, CmdHelo, CmdEhlo, CmdNoop, CmdRset:
		return true
	case CmdEtrn:
		return etrnOnly
	}
	return false
}
