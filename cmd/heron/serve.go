package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/synqronlabs/heron"
	"github.com/synqronlabs/heron/address"
	"github.com/synqronlabs/heron/dns"
	"github.com/synqronlabs/heron/filter"
	"github.com/synqronlabs/heron/helpfile"
	"github.com/synqronlabs/heron/policy"
	"github.com/synqronlabs/heron/queue"
	"github.com/synqronlabs/heron/sasl"
)

type serveOptions struct {
	hostname     string
	addr         string
	greeting     string
	maxSize      int64
	maxRcpt      int
	maxConn      int
	rateLimit    int
	privacy      string
	deliveryMode string
	nullServer   string
	etrnOnly     bool

	allowBogusHELO bool

	usersFile   string
	authMechs   []string
	requireAuth bool

	localDomains []string
	localUsers   string
	aliases      string

	accessFile   string
	relayDomains []string
	trustAuth    []string

	spoolDir      string
	minFree       int64
	smartHost     string
	smartUser     string
	smartPassword string
	queueInterval time.Duration

	helpFile    string
	dkimVerify  bool
	dkimReject  bool
	maxHops     int
	dnsbl       []string
	nameservers []string
	noDNS       bool

	metricsAddr string
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SMTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.hostname, "hostname", "", "name announced in the greeting (default: system host name)")
	f.StringVar(&opts.addr, "addr", ":25", "listen address")
	f.StringVar(&opts.greeting, "greeting", "", "greeting text after the host name")
	f.Int64Var(&opts.maxSize, "max-size", 0, "maximum message size in bytes (0: unlimited)")
	f.IntVar(&opts.maxRcpt, "max-rcpt", 0, "maximum recipients per message (0: unlimited)")
	f.IntVar(&opts.maxConn, "max-conn", 0, "maximum concurrent connections (0: unlimited)")
	f.IntVar(&opts.rateLimit, "rate-limit", 0, "connections per minute per client address (0: unlimited)")
	f.StringVar(&opts.privacy, "privacy", "", "privacy options, e.g. noexpn,novrfy,needmailhelo or goaway")
	f.StringVar(&opts.deliveryMode, "delivery-mode", "background", "background, interactive or queue-only")
	f.StringVar(&opts.nullServer, "null-server", "", "refuse all mail with this text")
	f.BoolVar(&opts.etrnOnly, "etrn-only", false, "only accept ETRN")
	f.BoolVar(&opts.allowBogusHELO, "allow-bogus-helo", false, "accept malformed HELO arguments")

	f.StringVar(&opts.usersFile, "users", "", "users file with user:bcrypt-hash lines for AUTH")
	f.StringSliceVar(&opts.authMechs, "auth-mechanisms", nil, "SASL mechanisms to offer (default PLAIN,LOGIN)")
	f.BoolVar(&opts.requireAuth, "require-auth", false, "require AUTH before MAIL")

	f.StringSliceVar(&opts.localDomains, "local-domains", nil, "domains delivered locally")
	f.StringVar(&opts.localUsers, "local-users", "", "file of local user names")
	f.StringVar(&opts.aliases, "aliases", "", "aliases file")

	f.StringVar(&opts.accessFile, "access", "", "access table file")
	f.StringSliceVar(&opts.relayDomains, "relay-domains", nil, "domains accepted for relaying")
	f.StringSliceVar(&opts.trustAuth, "trust-auth", nil, "identity=value pairs allowed in MAIL AUTH=")

	f.StringVar(&opts.spoolDir, "spool", "/var/spool/heron", "queue directory")
	f.Int64Var(&opts.minFree, "min-free", 100<<20, "bytes kept free on the spool file system")
	f.StringVar(&opts.smartHost, "smarthost", "", "relay queued mail to host:port")
	f.StringVar(&opts.smartUser, "smarthost-user", "", "smart host AUTH PLAIN user")
	f.StringVar(&opts.smartPassword, "smarthost-password", "", "smart host password")
	f.DurationVar(&opts.queueInterval, "queue-interval", 15*time.Minute, "queue run interval")

	f.StringVar(&opts.helpFile, "helpfile", "", "sendmail-format help file")
	f.BoolVar(&opts.dkimVerify, "dkim-verify", false, "verify DKIM signatures")
	f.BoolVar(&opts.dkimReject, "dkim-reject", false, "reject messages without a passing DKIM signature")
	f.IntVar(&opts.maxHops, "max-hops", filter.DefaultMaxHops, "Received header limit")
	f.StringSliceVar(&opts.dnsbl, "dnsbl", nil, "DNS blocklist zones")
	f.StringSliceVar(&opts.nameservers, "nameservers", nil, "DNS servers (default: /etc/resolv.conf)")
	f.BoolVar(&opts.noDNS, "no-dns", false, "skip reverse lookups of clients")

	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

func parseDeliveryMode(s string) (heron.DeliveryMode, error) {
	switch strings.ToLower(s) {
	case "", "background":
		return heron.DeliverBackground, nil
	case "interactive":
		return heron.DeliverInteractive, nil
	case "queue-only", "queue":
		return heron.DeliverQueueOnly, nil
	}
	return 0, fmt.Errorf("unknown delivery mode %q", s)
}

func openWith(path string, load func(*os.File) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return load(f)
}

// buildConfig wires every collaborator from the command line options.
func buildConfig(opts serveOptions, logger *slog.Logger) (heron.ServerConfig, *queue.Runner, error) {
	cfg := heron.DefaultServerConfig()
	cfg.Logger = logger
	cfg.Hostname = opts.hostname
	if cfg.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return cfg, nil, err
		}
		cfg.Hostname = h
	}
	cfg.Addr = opts.addr
	if opts.greeting != "" {
		cfg.Greeting = opts.greeting
	}
	cfg.MaxMessageSize = opts.maxSize
	cfg.MaxRecipients = opts.maxRcpt
	cfg.MaxConnections = opts.maxConn
	cfg.ConnectionRateLimit = opts.rateLimit
	cfg.NullServer = opts.nullServer
	cfg.ETRNOnly = opts.etrnOnly
	cfg.AllowBogusHELO = opts.allowBogusHELO
	cfg.RequireAuth = opts.requireAuth

	var err error
	if cfg.Privacy, err = heron.ParsePrivacyFlags(opts.privacy); err != nil {
		return cfg, nil, err
	}
	if cfg.DeliveryMode, err = parseDeliveryMode(opts.deliveryMode); err != nil {
		return cfg, nil, err
	}

	var resolver *dns.DNSResolver
	if !opts.noDNS || opts.dkimVerify || len(opts.dnsbl) > 0 {
		resolver = dns.NewResolver(dns.ResolverConfig{Nameservers: opts.nameservers})
	}
	if !opts.noDNS {
		cfg.Resolver = resolver
	}

	parser := address.NewParser(opts.localDomains...)
	parser.DefaultDomain = cfg.Hostname
	if opts.localUsers != "" {
		if err := openWith(opts.localUsers, func(f *os.File) error { return parser.LoadUsers(f) }); err != nil {
			return cfg, nil, fmt.Errorf("local users: %w", err)
		}
	}
	if opts.aliases != "" {
		if err := openWith(opts.aliases, func(f *os.File) error { return parser.LoadAliases(f) }); err != nil {
			return cfg, nil, fmt.Errorf("aliases: %w", err)
		}
	}
	cfg.Parser = parser

	if opts.usersFile != "" {
		store := sasl.NewCredentialStore()
		if err := openWith(opts.usersFile, func(f *os.File) error { return store.LoadCredentials(f) }); err != nil {
			return cfg, nil, fmt.Errorf("users: %w", err)
		}
		cfg.Auth = sasl.NewProvider(store, opts.authMechs...)
	}

	table := policy.NewTable()
	if opts.accessFile != "" {
		if err := openWith(opts.accessFile, func(f *os.File) error { return table.Load(f) }); err != nil {
			return cfg, nil, fmt.Errorf("access table: %w", err)
		}
	}
	pol := policy.New(table, append(opts.relayDomains, opts.localDomains...)...)
	pol.AddRelayDomain(cfg.Hostname)
	pol.Logger = logger
	for _, pair := range opts.trustAuth {
		identity, value, ok := strings.Cut(pair, "=")
		if !ok {
			return cfg, nil, fmt.Errorf("trust-auth: want identity=value, got %q", pair)
		}
		pol.Trust(identity, value)
	}
	cfg.Rules = pol

	chain := filter.Chain{filter.HopCounter{MaxHops: opts.maxHops}}
	if len(opts.dnsbl) > 0 {
		chain = append(chain, filter.DNSBL{Resolver: resolver, Zones: opts.dnsbl, Logger: logger})
	}
	if opts.dkimVerify || opts.dkimReject {
		chain = append(chain, filter.DKIMVerifier{Resolver: resolver, RejectFailures: opts.dkimReject, Logger: logger})
	}
	cfg.Filter = chain

	spool, err := queue.NewSpool(opts.spoolDir)
	if err != nil {
		return cfg, nil, err
	}
	spool.MinFree = opts.minFree
	spool.Logger = logger
	cfg.Queue = spool

	var runner *queue.Runner
	if opts.smartHost != "" {
		runner = queue.NewRunner(spool, &queue.SmartHost{
			Addr:     opts.smartHost,
			Hostname: cfg.Hostname,
			Username: opts.smartUser,
			Password: opts.smartPassword,
		})
		runner.Logger = logger
		cfg.Runner = runner
	}

	if opts.helpFile != "" {
		hf, err := helpfile.Open(opts.helpFile)
		if err != nil {
			return cfg, nil, fmt.Errorf("help file: %w", err)
		}
		hf.Macros["j"] = cfg.Hostname
		hf.Macros["v"] = "heron"
		cfg.Help = hf
	}
	return cfg, runner, nil
}

func serve(ctx context.Context, opts serveOptions) error {
	logger := slog.Default()
	cfg, runner, err := buildConfig(opts, logger)
	if err != nil {
		return err
	}
	srv, err := heron.NewServer(cfg)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runner != nil {
		go runner.Run(ctx, opts.queueInterval)
	}
	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metrics := &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", sloki.WrapError(err))
			}
		}()
		defer metrics.Close()
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if errors.Is(err, heron.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", sloki.WrapError(err))
	}
	if runner != nil {
		runner.Wait()
	}
	return nil
}
