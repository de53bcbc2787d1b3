package heron

import (
	"strings"
)

// maxVerbLength truncates absurd verbs before they are logged or echoed.
const maxVerbLength = 64

// tokenize splits a command line into its verb and the rest of the line.
// Leading whitespace is skipped; the argument keeps its internal spacing.
func tokenize(line string) (Command, string, string) {
	s := strings.TrimLeft(line, " \t")
	i := strings.IndexAny(s, " \t")
	verb, args := s, ""
	if i >= 0 {
		verb, args = s[:i], strings.TrimLeft(s[i:], " \t")
	}
	if len(verb) > maxVerbLength {
		verb = verb[:maxVerbLength]
	}
	return canonicalizeVerb(verb), verb, args
}

func canonicalizeVerb(verb string) Command {
	switch len(verb) {
	case 3:
		if strings.EqualFold(verb, "WIZ") {
			return CmdBogus
		}
	case 4:
		switch {
		case strings.EqualFold(verb, "MAIL"):
			return CmdMail
		case strings.EqualFold(verb, "RCPT"):
			return CmdRcpt
		case strings.EqualFold(verb, "DATA"):
			return CmdData
		case strings.EqualFold(verb, "RSET"):
			return CmdRset
		case strings.EqualFold(verb, "VRFY"):
			return CmdVrfy
		case strings.EqualFold(verb, "EXPN"):
			return CmdExpn
		case strings.EqualFold(verb, "HELP"):
			return CmdHelp
		case strings.EqualFold(verb, "NOOP"):
			return CmdNoop
		case strings.EqualFold(verb, "QUIT"):
			return CmdQuit
		case strings.EqualFold(verb, "HELO"):
			return CmdHelo
		case strings.EqualFold(verb, "EHLO"):
			return CmdEhlo
		case strings.EqualFold(verb, "ETRN"):
			return CmdEtrn
		case strings.EqualFold(verb, "VERB"):
			return CmdVerb
		case strings.EqualFold(verb, "ONEX"):
			return CmdOnex
		case strings.EqualFold(verb, "XUSR"):
			return CmdXusr
		case strings.EqualFold(verb, "AUTH"):
			return CmdAuth
		case strings.EqualFold(verb, "SEND"),
			strings.EqualFold(verb, "SAML"),
			strings.EqualFold(verb, "SOML"),
			strings.EqualFold(verb, "TURN"):
			return CmdUnimpl
		}
	case 5:
		switch {
		case strings.EqualFold(verb, "SHOWQ"), strings.EqualFold(verb, "DEBUG"):
			return CmdBogus
		}
	}
	return CmdUnknown
}

// skipWord consumes word (case-insensitive) followed by optional spaces and
// a colon, as in "FROM:" and "TO :". It returns the remainder with leading
// spaces removed.
func skipWord(s, word string) (string, bool) {
	s = strings.TrimLeft(s, " \t")
	if len(s) < len(word) || !strings.EqualFold(s[:len(word)], word) {
		return "", false
	}
	s = strings.TrimLeft(s[len(word):], " \t")
	if s == "" || s[0] != ':' {
		return "", false
	}
	return strings.TrimLeft(s[1:], " \t"), true
}

// splitPath separates the path from trailing ESMTP parameters. A bracketed
// path ends at the matching '>' outside quotes; a bare path ends at the
// first space.
func splitPath(s string) (path, rest string) {
	s = strings.TrimLeft(s, " \t")
	if !strings.HasPrefix(s, "<") {
		if i := strings.IndexAny(s, " \t"); i >= 0 {
			return s[:i], strings.TrimLeft(s[i:], " \t")
		}
		return s, ""
	}
	quoted := false
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if quoted {
				i++
			}
		case '"':
			quoted = !quoted
		case '<':
			if !quoted {
				depth++
			}
		case '>':
			if quoted {
				continue
			}
			depth--
			if depth == 0 {
				return s[:i+1], strings.TrimLeft(s[i+1:], " \t")
			}
		}
	}
	return s, ""
}
