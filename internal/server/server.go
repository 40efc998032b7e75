// Package server implements the line protocol: login, the command loop and
// the per-process state shared by every connection.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/errgroup"

	"relaychat/internal/directory"
	"relaychat/internal/fanout"
	"relaychat/internal/logx"
	"relaychat/internal/middleware"
	"relaychat/internal/presence"
	"relaychat/internal/relay"
	"relaychat/internal/telemetry"
	. "relaychat/pkg/chat"
)

var ErrServerClosed = errors.New("server closed")

// storeTimeout bounds each round trip to the coordination store made on
// behalf of a connection.
const storeTimeout = 5 * time.Second

// Credentials checks login hashes and whether a username exists.
type Credentials interface {
	Authenticate(username, hash string) (*User, error)
	Exists(username string) (bool, error)
}

// Auditor records session bookkeeping.
type Auditor interface {
	LogLogin(username string) error
	LogLogout(username, room string) error
	LogLeaseLost(username string) error
	LogRoomJoin(username, fromRoom, toRoom string) error
}

type Deps struct {
	Presence    *presence.Manager
	Directory   *directory.DirectoryService
	Bus         relay.Bus
	Credentials Credentials
	Audit       Auditor
	Metrics     *telemetry.Metrics
}

type Options struct {
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	WriteTimeout      time.Duration

	// DeliveryTimeout bounds each relayed write. Zero falls back to
	// WriteTimeout.
	DeliveryTimeout time.Duration
	Limiter         *middleware.IPRateLimiter
}

// Server owns everything one process knows about its connections. It is
// built once with New and torn down with Shutdown.
type Server struct {
	serverID  string
	presence  *presence.Manager
	directory *directory.DirectoryService
	creds     Credentials
	audit     Auditor
	metrics   *telemetry.Metrics
	opts      Options

	tables    *fanout.Tables
	relay     *relay.Relay
	heartbeat *presence.Heartbeat
	log       zerolog.Logger

	mu        sync.Mutex
	closed    bool
	cancel    context.CancelFunc
	listeners []net.Listener
	clients   map[*Client]struct{}
	conns     sync.WaitGroup
}

func New(deps Deps, opts Options) *Server {
	metrics := deps.Metrics
	if metrics == nil {
		metrics, _ = telemetry.NewMetricsFrom(noop.NewMeterProvider())
	}
	audit := deps.Audit
	if audit == nil {
		audit = nopAuditor{}
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = opts.WriteTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = deps.Presence.TTL() / 3
	}

	serverID := deps.Presence.ServerID()
	s := &Server{
		serverID:  serverID,
		presence:  deps.Presence,
		directory: deps.Directory,
		creds:     deps.Credentials,
		audit:     audit,
		metrics:   metrics,
		opts:      opts,
		tables:    fanout.NewTables(),
		log:       logx.Component("server").With().Str("server_id", serverID).Logger(),
		clients:   make(map[*Client]struct{}),
	}
	s.relay = relay.NewRelay(deps.Bus, s.tables, serverID, metrics)
	s.heartbeat = presence.NewHeartbeat(deps.Presence, opts.HeartbeatInterval, s.tables.Active, s.leaseLost)
	return s
}

func (s *Server) ID() string { return s.serverID }

// Ready is closed once the relay is receiving events.
func (s *Server) Ready() <-chan struct{} { return s.relay.Ready() }

// Listen opens a TCP listener, wrapped in TLS when tlsConfig is set.
func Listen(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	if tlsConfig != nil {
		return tls.Listen("tcp", addr, tlsConfig)
	}
	return net.Listen("tcp", addr)
}

// LoadTLSConfig reads a certificate and key pair from disk.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// Run starts the relay, the heartbeat and one accept loop per listener, and
// blocks until ctx ends or Shutdown is called.
func (s *Server) Run(ctx context.Context, listeners ...net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.cancel = cancel
	s.listeners = append(s.listeners, listeners...)
	s.mu.Unlock()

	initCtx, initCancel := context.WithTimeout(ctx, storeTimeout)
	err := s.directory.EnsureLobby(initCtx)
	initCancel()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.relay.Run(gctx) })
	g.Go(func() error {
		s.heartbeat.Start(gctx)
		return nil
	})
	for _, ln := range listeners {
		g.Go(func() error { return s.acceptLoop(gctx, ln) })
	}
	g.Go(func() error {
		<-gctx.Done()
		for _, ln := range listeners {
			ln.Close()
		}
		return nil
	})

	s.log.Info().Int("listeners", len(listeners)).Msg("server running")
	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	log := s.log.With().Str("addr", ln.Addr().String()).Logger()
	log.Info().Msg("accepting connections")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Warn().Err(err).Msg("accept timeout")
				continue
			}
			return fmt.Errorf("accept on %s: %w", ln.Addr(), err)
		}

		if s.opts.Limiter != nil && !s.opts.Limiter.AllowAddr(conn.RemoteAddr()) {
			log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("connection rate limit exceeded")
			conn.Close()
			continue
		}

		go s.ServeConn(conn)
	}
}

// Shutdown stops accepting, stops the background tasks and closes every
// connection, waiting for their close paths to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	listeners := s.listeners
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ln := range listeners {
		ln.Close()
	}
	s.heartbeat.Stop()

	for _, c := range clients {
		c.transport.Close()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Int("connections", len(clients)).Msg("server stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connections: %w", ctx.Err())
	}
}

func (s *Server) track(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	s.conns.Add(1)
	return true
}

func (s *Server) untrack(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	s.conns.Done()
}

func (s *Server) leaseLost(user string) {
	s.tables.Deactivate(user)
	s.metrics.LeasesLost.Add(context.Background(), 1)
	if err := s.audit.LogLeaseLost(user); err != nil {
		s.log.Error().Err(err).Str("user", user).Msg("failed to record lease loss")
	}
}

func storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

type nopAuditor struct{}

func (nopAuditor) LogLogin(string) error                   { return nil }
func (nopAuditor) LogLogout(string, string) error          { return nil }
func (nopAuditor) LogLeaseLost(string) error               { return nil }
func (nopAuditor) LogRoomJoin(string, string, string) error { return nil }
