package main

import (
	"fmt"
	"log/slog"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/spf13/cobra"
	"github.com/wneessen/go-mail"
)

type sendOptions struct {
	host     string
	port     int
	from     string
	to       []string
	subject  string
	body     string
	username string
	password string
}

func newSendCmd() *cobra.Command {
	var opts sendOptions
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a probe message through an SMTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendProbe(opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.host, "host", "localhost", "server host")
	f.IntVar(&opts.port, "port", 25, "server port")
	f.StringVar(&opts.from, "from", "postmaster@localhost", "envelope and header sender")
	f.StringSliceVar(&opts.to, "to", nil, "recipients")
	f.StringVar(&opts.subject, "subject", "heron probe", "subject line")
	f.StringVar(&opts.body, "body", "This is a test message.", "message text")
	f.StringVar(&opts.username, "user", "", "authenticate with AUTH PLAIN as this user")
	f.StringVar(&opts.password, "password", "", "password for --user")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func sendProbe(opts sendOptions) error {
	m := mail.NewMsg()
	if err := m.From(opts.from); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := m.To(opts.to...); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	m.Subject(opts.subject)
	m.SetBodyString(mail.TypeTextPlain, opts.body)

	clientOpts := []mail.Option{
		mail.WithPort(opts.port),
		mail.WithTLSPolicy(mail.NoTLS),
	}
	if opts.username != "" {
		clientOpts = append(clientOpts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(opts.username),
			mail.WithPassword(opts.password),
		)
	}
	c, err := mail.NewClient(opts.host, clientOpts...)
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	if err := c.DialAndSend(m); err != nil {
		slog.Warn("probe failed", slog.String("host", opts.host), sloki.WrapError(err))
		return err
	}
	slog.Info("probe sent", slog.String("host", opts.host), slog.Any("to", opts.to))
	return nil
}
