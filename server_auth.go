package heron

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"

	"github.com/synqronlabs/heron/sasl"
	"github.com/synqronlabs/heron/utils"
)

// handleAuth runs an AUTH exchange to completion. Continuation lines are
// read here rather than by the command loop, so no command can interleave
// with the negotiation.
func (s *session) handleAuth(args string) *Response {
	mechs := s.cfg.authMechanisms()
	if len(mechs) == 0 {
		return Reply(CodeBadSequence, "5.3.3", "AUTH not available")
	}
	if s.authState == authAuthenticated {
		return Reply(CodeBadSequence, "5.5.0", "Already Authenticated")
	}
	if s.inTransaction() {
		return Reply(CodeBadSequence, "5.5.0", "AUTH not permitted during a mail transaction")
	}

	mech, initial, _ := strings.Cut(strings.TrimSpace(args), " ")
	mech = strings.ToUpper(mech)
	if mech == "" {
		return Reply(CodeSyntaxError, "5.5.2", "AUTH mechanism must be specified")
	}
	offered := false
	for _, m := range mechs {
		if m == mech {
			offered = true
			break
		}
	}
	if !offered {
		return Reply(CodeBadSequence, "5.3.3", "AUTH mechanism %s not available", utils.ShortenString(mech, maxShortString))
	}

	var response []byte
	if initial = strings.TrimSpace(initial); initial != "" {
		decoded, err := decodeBase64(initial)
		if err != nil {
			return Reply(CodeSyntaxError, "5.5.4", "cannot BASE64 decode '%s'", utils.ShortenString(initial, maxShortString))
		}
		response = decoded
	}

	ex, err := s.cfg.Auth.Start(s.ctx, mech)
	if err != nil {
		s.logger.Warn("AUTH start failed", slog.String("mechanism", mech), slog.Any("error", err))
		metricAuth.WithLabelValues(mech, "error").Inc()
		return Reply(CodeCommandUnknown, "5.7.0", "authentication failed")
	}

	s.authState = authInProgress
	for {
		challenge, done, err := ex.Next(response)
		if err != nil {
			s.authState = authNone
			return s.authFailed(mech, err)
		}
		if done {
			s.authState = authAuthenticated
			s.authIdentity = ex.Identity()
			s.authMech = mech
			s.env.Client = s.clientInfo()
			s.logger.Info("AUTH succeeded",
				slog.String("mechanism", mech),
				slog.String("identity", s.authIdentity),
			)
			metricAuth.WithLabelValues(mech, "ok").Inc()
			return Reply(CodeAuthSuccess, "2.0.0", "OK Authenticated")
		}

		if err := s.reply(Reply(CodeAuthContinue, "", "%s", base64.StdEncoding.EncodeToString(challenge))); err != nil {
			s.authState = authNone
			s.quit = true
			return nil
		}
		line, err := s.readLine()
		if err != nil {
			s.authState = authNone
			s.lostInput(err)
			s.quit = true
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "*" {
			s.authState = authNone
			metricAuth.WithLabelValues(mech, "aborted").Inc()
			return Reply(CodeSyntaxError, "5.0.0", "AUTH aborted")
		}
		response, err = decodeBase64(line)
		if err != nil {
			s.authState = authNone
			metricAuth.WithLabelValues(mech, "error").Inc()
			return Reply(CodeSyntaxError, "5.5.4", "cannot decode AUTH parameter %s", utils.ShortenString(line, maxShortString))
		}
	}
}

func (s *session) authFailed(mech string, err error) *Response {
	if errors.Is(err, sasl.ErrTemporaryFailure) {
		s.logger.Warn("AUTH temporary failure", slog.String("mechanism", mech), slog.Any("error", err))
		metricAuth.WithLabelValues(mech, "tempfail").Inc()
		return Reply(CodeTempAuthFailure, "4.5.4", "Temporary authentication failure")
	}
	s.logger.Info("AUTH failed", slog.String("mechanism", mech), slog.Any("error", err))
	metricAuth.WithLabelValues(mech, "failed").Inc()
	return Reply(CodeCommandUnknown, "5.7.0", "authentication failed")
}
