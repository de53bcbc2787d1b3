package heron

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/synqronlabs/heron/address"
	"github.com/synqronlabs/heron/utils"
)

// Server is an SMTP server that handles concurrent connections.
type Server struct {
	config   ServerConfig
	listener net.Listener
	limiter  *RateLimiter

	// sessions tracks active sessions
	mu        sync.Mutex
	sessions  map[*session]struct{}
	connCount atomic.Int64

	// shutdown coordination
	ctx        context.Context
	cancel     context.CancelFunc
	shutdownWg sync.WaitGroup
	closed     atomic.Bool

	// sleep implements abuse-guard delays; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// defaultParser accepts any syntactically valid path.
type defaultParser struct{}

func (defaultParser) Parse(ctx context.Context, text string, role address.Role) (address.Address, error) {
	var p address.Parser
	return p.Parse(ctx, text, role)
}

// NewServer creates a new SMTP server with the given configuration.
// Zero-valued fields take the values of DefaultServerConfig.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Hostname == "" {
		return nil, ErrNoHostname
	}
	config = config.withDefaults()
	if config.Parser == nil {
		config.Parser = defaultParser{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   config,
		sessions: make(map[*session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		sleep:    sleepContext,
	}
	if config.ConnectionRateLimit > 0 {
		s.limiter = NewRateLimiter(config.ConnectionRateLimit, config.ConnectionRateWindow)
		go s.limiter.Run(ctx)
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Server) Config() ServerConfig {
	return s.config
}

// ListenAndServe starts the SMTP server on the configured address.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("smtp: failed to listen: %w", err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on the listener and handles them.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.config.Logger.Info("SMTP server started",
		slog.String("addr", listener.Addr().String()),
		slog.String("hostname", s.config.Hostname),
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			s.config.Logger.Error("accept error", slog.Any("error", err))
			continue
		}

		if s.config.MaxConnections > 0 && s.connCount.Load() >= int64(s.config.MaxConnections) {
			s.config.Logger.Warn("connection limit reached",
				slog.String("remote", conn.RemoteAddr().String()),
			)
			metricConnection.WithLabelValues("limit").Inc()
			s.turnAway(conn, "Too many connections")
			continue
		}

		if s.limiter != nil {
			if ip, err := utils.GetIPFromAddr(conn.RemoteAddr()); err == nil && !s.limiter.Allow(ip.String()) {
				s.config.Logger.Warn("connection rate exceeded",
					slog.String("remote", conn.RemoteAddr().String()),
				)
				metricConnection.WithLabelValues("ratelimit").Inc()
				s.turnAway(conn, "Connection rate limit exceeded")
				continue
			}
		}

		metricConnection.WithLabelValues("accepted").Inc()
		s.shutdownWg.Add(1)
		go s.handleConnection(conn)
	}
}

// turnAway sends a 421 to a connection that will not get a session.
func (s *Server) turnAway(conn net.Conn, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = fmt.Fprintf(conn, "%d 4.3.2 %s %s\r\n", CodeServiceUnavailable, s.config.Hostname, reason)
	_ = conn.Close()
}

// Shutdown stops accepting connections, sends 421 to every open session
// and waits for them to finish or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for sess := range s.sessions {
			_ = sess.conn.Close()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Close immediately closes the server and all connections.
func (s *Server) Close() error {
	s.stop()
	s.mu.Lock()
	for sess := range s.sessions {
		_ = sess.conn.Close()
	}
	s.mu.Unlock()
	return nil
}

func (s *Server) stop() {
	if s.closed.Swap(true) {
		return
	}
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.shutdown(s.config.Hostname)
	}
	s.cancel()
}

// handleConnection processes a single client connection.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.shutdownWg.Done()

	sess := newSession(s, conn)

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		s.turnAway(conn, "Service shutting down")
		sess.cancel()
		return
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	s.connCount.Add(1)
	metricSessions.Inc()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		s.connCount.Add(-1)
		metricSessions.Dec()
		sess.cancel()
		_ = conn.Close()
	}()

	sess.serve()
}
