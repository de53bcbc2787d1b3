// Command heron runs the SMTP server and its companion tools.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/spf13/cobra"

	"github.com/synqronlabs/heron/sasl"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

type logOptions struct {
	level   string
	lokiURL string
}

func newRootCmd() *cobra.Command {
	var opts logOptions
	root := &cobra.Command{
		Use:           "heron",
		Short:         "heron is an SMTP server with sendmail's protocol semantics.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.level, "log-level", "info", "console log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.lokiURL, "loki-url", "", "push logs to this Loki endpoint")

	root.AddCommand(newServeCmd(), newPasswdCmd(), newSendCmd())
	return root
}

func setupLogging(opts logOptions) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.level)); err != nil {
		return fmt.Errorf("invalid log level %q", opts.level)
	}
	service := sloki.NewService(sloki.Configuration{
		URL:          opts.lokiURL,
		Service:      "heron",
		ConsoleLevel: level,
		LokiLevel:    slog.LevelInfo,
		EnableLoki:   opts.lokiURL != "",
	})
	slog.SetDefault(slog.New(service))
	return nil
}

func newPasswdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd USER",
		Short: "Read a password from stdin and print a users file line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if _, err := fmt.Fscanln(cmd.InOrStdin(), &password); err != nil {
				return fmt.Errorf("reading password: %w", err)
			}
			line, err := passwdLine(args[0], password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
			return nil
		},
	}
}

func passwdLine(user, password string) (string, error) {
	if user == "" || strings.ContainsAny(user, ": \t") {
		return "", fmt.Errorf("invalid user name %q", user)
	}
	if password == "" {
		return "", fmt.Errorf("empty password")
	}
	hash, err := sasl.HashPassword(password)
	if err != nil {
		return "", err
	}
	return user + ":" + hash, nil
}
