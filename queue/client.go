package queue

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/synqronlabs/heron"
)

var ErrUnexpectedResponse = errors.New("smtp: unexpected server response")

// SMTPError is a non-success reply from the next hop.
type SMTPError struct {
	Code         int
	EnhancedCode string
	Message      string
}

func (e *SMTPError) Error() string {
	if e.EnhancedCode != "" {
		return fmt.Sprintf("%d %s %s", e.Code, e.EnhancedCode, e.Message)
	}
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// IsPermanent reports a 5xx reply.
func (e *SMTPError) IsPermanent() bool { return e.Code >= 500 }

type clientResponse struct {
	Code         int
	EnhancedCode string
	Lines        []string
}

func (r *clientResponse) ok() bool           { return r.Code >= 200 && r.Code < 300 }
func (r *clientResponse) intermediate() bool { return r.Code >= 300 && r.Code < 400 }

func (r *clientResponse) err() error {
	msg := strings.Join(r.Lines, " ")
	if r.EnhancedCode != "" {
		msg = strings.TrimSpace(strings.TrimPrefix(msg, r.EnhancedCode))
	}
	return &SMTPError{Code: r.Code, EnhancedCode: r.EnhancedCode, Message: msg}
}

// client speaks the sending side of SMTP to the smart host.
type client struct {
	conn       net.Conn
	reader     *bufio.Reader
	writer     *bufio.Writer
	timeout    time.Duration
	extensions map[string]string
}

func dial(ctx context.Context, addr string, timeout time.Duration) (*client, error) {
	d := &net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	c := &client{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		writer:     bufio.NewWriter(conn),
		timeout:    timeout,
		extensions: make(map[string]string),
	}
	resp, err := c.readResponse()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read greeting: %w", err)
	}
	if !resp.ok() {
		conn.Close()
		return nil, resp.err()
	}
	return c, nil
}

func (c *client) hello(name string) error {
	resp, err := c.cmd("EHLO %s", name)
	if err != nil {
		return err
	}
	if resp.ok() {
		for _, line := range resp.Lines[1:] {
			ext, params, _ := strings.Cut(line, " ")
			c.extensions[strings.ToUpper(ext)] = params
		}
		return nil
	}
	resp, err = c.cmd("HELO %s", name)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return resp.err()
	}
	return nil
}

func (c *client) supports(ext string) bool {
	_, ok := c.extensions[ext]
	return ok
}

func (c *client) authPlain(username, password string) error {
	creds := base64.StdEncoding.EncodeToString([]byte("\x00" + username + "\x00" + password))
	resp, err := c.cmd("AUTH PLAIN %s", creds)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return resp.err()
	}
	return nil
}

// mail sends MAIL FROM with the DSN and body parameters the server
// advertised.
func (c *client) mail(rec *Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "MAIL FROM:<%s>", rec.Sender)
	if c.supports("SIZE") && rec.Size > 0 {
		fmt.Fprintf(&b, " SIZE=%d", rec.Size)
	}
	if c.supports("8BITMIME") && rec.Body != "" {
		b.WriteString(" BODY=" + rec.Body)
	}
	if c.supports("DSN") {
		if rec.Return != "" {
			b.WriteString(" RET=" + rec.Return)
		}
		if rec.EnvelopeID != "" {
			b.WriteString(" ENVID=" + rec.EnvelopeID)
		}
	}
	resp, err := c.cmd("%s", b.String())
	if err != nil {
		return err
	}
	if !resp.ok() {
		return resp.err()
	}
	return nil
}

func (c *client) rcpt(r Recipient) error {
	var b strings.Builder
	fmt.Fprintf(&b, "RCPT TO:<%s>", r.Addr)
	if c.supports("DSN") {
		if n := notifyString(heron.NotifyFlags(r.Notify)); n != "" {
			b.WriteString(" NOTIFY=" + n)
		}
		if r.ORcpt != "" {
			b.WriteString(" ORCPT=" + r.ORcpt)
		}
	}
	resp, err := c.cmd("%s", b.String())
	if err != nil {
		return err
	}
	if !resp.ok() {
		return resp.err()
	}
	return nil
}

func (c *client) data(body []byte) error {
	resp, err := c.cmd("DATA")
	if err != nil {
		return err
	}
	if !resp.intermediate() {
		return resp.err()
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.writer.Write(dotStuff(body)); err != nil {
		return err
	}
	if len(body) < 2 || body[len(body)-2] != '\r' || body[len(body)-1] != '\n' {
		if _, err := c.writer.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if _, err := c.writer.WriteString(".\r\n"); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}
	resp, err = c.readResponse()
	if err != nil {
		return err
	}
	if !resp.ok() {
		return resp.err()
	}
	return nil
}

func (c *client) quit() error {
	_, _ = c.cmd("QUIT")
	return c.conn.Close()
}

func (c *client) cmd(format string, args ...any) (*clientResponse, error) {
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := fmt.Fprintf(c.writer, format+"\r\n", args...); err != nil {
		return nil, err
	}
	if err := c.writer.Flush(); err != nil {
		return nil, err
	}
	return c.readResponse()
}

func (c *client) readResponse() (*clientResponse, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	resp := &clientResponse{}
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 3 {
			return nil, fmt.Errorf("%w: line too short: %q", ErrUnexpectedResponse, line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			return nil, fmt.Errorf("%w: invalid code: %q", ErrUnexpectedResponse, line)
		}
		if resp.Code == 0 {
			resp.Code = code
		}
		msg := ""
		if len(line) > 4 {
			msg = line[4:]
		}
		resp.Lines = append(resp.Lines, msg)
		if len(line) == 3 || line[3] == ' ' {
			break
		}
	}
	if first, _, _ := strings.Cut(resp.Lines[0], " "); strings.Count(first, ".") == 2 && first[0] >= '2' && first[0] <= '5' {
		resp.EnhancedCode = first
	}
	return resp, nil
}

// dotStuff doubles a period at the start of every line.
func dotStuff(data []byte) []byte {
	count := 0
	atLineStart := true
	for _, b := range data {
		if atLineStart && b == '.' {
			count++
		}
		atLineStart = b == '\n'
	}
	if count == 0 {
		return data
	}
	out := make([]byte, 0, len(data)+count)
	atLineStart = true
	for _, b := range data {
		if atLineStart && b == '.' {
			out = append(out, '.')
		}
		out = append(out, b)
		atLineStart = b == '\n'
	}
	return out
}

func notifyString(n heron.NotifyFlags) string {
	if n&heron.NotifySet == 0 {
		return ""
	}
	var parts []string
	if n&heron.NotifySuccess != 0 {
		parts = append(parts, "SUCCESS")
	}
	if n&heron.NotifyFailure != 0 {
		parts = append(parts, "FAILURE")
	}
	if n&heron.NotifyDelay != 0 {
		parts = append(parts, "DELAY")
	}
	if len(parts) == 0 {
		return "NEVER"
	}
	return strings.Join(parts, ",")
}
