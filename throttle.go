package heron

import (
	"context"
	"log/slog"
	"time"
)

// counterKind selects one of the per-session abuse counters.
type counterKind int

const (
	counterBad counterKind = iota
	counterNoop
	counterHelo
	counterVrfy
	counterEtrn
	numCounters
)

var counterNames = [numCounters]string{"bad", "noop", "helo", "vrfy", "etrn"}

func (k counterKind) String() string { return counterNames[k] }

func (l Limits) threshold(k counterKind) int {
	switch k {
	case counterNoop:
		return l.MaxNoopCommands
	case counterHelo:
		return l.MaxHeloCommands
	case counterVrfy:
		return l.MaxVrfyCommands
	case counterEtrn:
		return l.MaxEtrnCommands
	}
	return l.MaxBadCommands
}

// backoff computes the delay for a counter value at or beyond max:
// one unit doubled for every step past max, capped at maxTimeout.
func backoff(count, limit int, unit, maxTimeout time.Duration) time.Duration {
	shift := count - limit
	if shift < 0 {
		return 0
	}
	if shift > 30 {
		return maxTimeout
	}
	d := unit << shift
	if d <= 0 || d > maxTimeout {
		d = maxTimeout
	}
	return d
}

// checkAttack bumps counter k. Below the threshold it returns 0. At and
// beyond it the session first sleeps count/max units; the remaining
// backoff is slept as well when sleepNow is set, otherwise it is returned
// so the caller can delay its reply instead.
func (s *session) checkAttack(k counterKind, sleepNow bool) time.Duration {
	s.counters[k]++
	count := s.counters[k]
	limit := s.cfg.Limits.threshold(k)
	if limit <= 0 || count < limit {
		return 0
	}
	if count == limit {
		s.logger.Warn("possible SMTP attack",
			slog.String("counter", k.String()),
			slog.Int("count", count),
			slog.String("command", s.lastCommand),
		)
		metricThrottle.WithLabelValues(k.String()).Inc()
	}

	unit := s.cfg.Limits.BackoffUnit
	d := backoff(count, limit, unit, s.cfg.Limits.MaxTimeout)
	pre := unit * time.Duration(count/limit)
	s.pause(pre)
	d -= pre
	if d <= 0 {
		d = unit
	}
	if sleepNow {
		s.pause(d)
		return 0
	}
	return d
}

// pause sleeps for d or until the session context is cancelled.
func (s *session) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	_ = s.srv.sleep(s.ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
