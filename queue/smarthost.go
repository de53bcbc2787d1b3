package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Deliverer hands a spooled message to its next hop. rec.Recipients
// lists only pending recipients; implementations mark the ones they
// finished with Done.
type Deliverer interface {
	Deliver(ctx context.Context, rec *Record, body []byte) error
}

// SmartHost relays every message to one upstream server.
type SmartHost struct {
	Addr     string
	Hostname string
	Username string
	Password string
	Timeout  time.Duration
}

// Deliver implements Deliverer. A recipient refused with a 5xx reply is
// marked done; the message error reports the last failure.
func (h *SmartHost) Deliver(ctx context.Context, rec *Record, body []byte) error {
	timeout := h.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	c, err := dial(ctx, h.Addr, timeout)
	if err != nil {
		return err
	}
	defer c.quit()

	name := h.Hostname
	if name == "" {
		name = "localhost"
	}
	if err := c.hello(name); err != nil {
		return err
	}
	if h.Username != "" {
		if err := c.authPlain(h.Username, h.Password); err != nil {
			return fmt.Errorf("smart host authentication: %w", err)
		}
	}
	if err := c.mail(rec); err != nil {
		return err
	}

	var accepted []int
	var rcptErr error
	for i := range rec.Recipients {
		r := &rec.Recipients[i]
		if r.Done {
			continue
		}
		if err := c.rcpt(*r); err != nil {
			var smtpErr *SMTPError
			if errors.As(err, &smtpErr) && smtpErr.IsPermanent() {
				r.Done = true
			}
			rcptErr = fmt.Errorf("%s: %w", r.Addr, err)
			continue
		}
		accepted = append(accepted, i)
	}
	if len(accepted) == 0 {
		if rcptErr == nil {
			rcptErr = errors.New("no pending recipients")
		}
		return rcptErr
	}
	if err := c.data(body); err != nil {
		return err
	}
	for _, i := range accepted {
		rec.Recipients[i].Done = true
	}
	return rcptErr
}
