package watchd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/watchd/internal/auth"
	"pkt.systems/watchd/internal/clock"
	"pkt.systems/watchd/internal/dispatch"
	"pkt.systems/watchd/internal/drain"
	"pkt.systems/watchd/internal/gate"
	"pkt.systems/watchd/internal/httpconn"
	"pkt.systems/watchd/internal/registry"
	"pkt.systems/watchd/internal/svcfields"
	"pkt.systems/watchd/internal/tlsutil"
	"pkt.systems/watchd/internal/version"
)

const handshakeTimeout = 10 * time.Second

// Server accepts API connections and runs one connection actor per client.
type Server struct {
	cfg         Config
	logger      pslog.Logger
	connLogger  pslog.Logger
	clock       clock.Clock
	resolver    auth.Resolver
	store       *auth.Store
	dispatcher  httpconn.Dispatcher
	router      *dispatch.Registry
	bus         *dispatch.Bus
	conns       *registry.Registry
	coordinator *drain.Coordinator
	gate        *gate.Gate
	telemetry   *telemetry
	tlsConfig   *tls.Config
	headerLimit int64

	mu           sync.Mutex
	listener     net.Listener
	shutdown     bool
	lastServeErr error

	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger     pslog.Logger
	Clock      clock.Clock
	Resolver   auth.Resolver
	Dispatcher httpconn.Dispatcher
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithResolver injects a pre-built identity resolver (useful for tests).
func WithResolver(r auth.Resolver) Option {
	return func(o *options) {
		o.Resolver = r
	}
}

// WithDispatcher replaces the default handler registry.
func WithDispatcher(d httpconn.Dispatcher) Option {
	return func(o *options) {
		o.Dispatcher = d
	}
}

// NewServer constructs a watchd API server according to cfg.
// Example:
//
//	cfg := watchd.Config{Listen: ":5665", UsersFile: "users.yaml"}
//	srv, err := watchd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cfgCopy := cfg
	if err := cfgCopy.Validate(); err != nil {
		return nil, err
	}
	cfg = cfgCopy

	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	headerLimit, err := cfg.headerLimit()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:         cfg,
		logger:      svcfields.WithSubsystem(logger, "api.server"),
		connLogger:  logger,
		clock:       serverClock,
		conns:       registry.New(),
		coordinator: drain.NewCoordinator(),
		gate:        gate.New(cfg.MaxInFlight, serverClock),
		telemetry:   newTelemetry(logger),
		headerLimit: headerLimit,
		readyCh:     make(chan struct{}),
	}

	s.resolver = o.Resolver
	if s.resolver == nil {
		if cfg.UsersFile == "" {
			return nil, fmt.Errorf("config: a users file or an injected resolver is required")
		}
		store, err := auth.NewStore(cfg.UsersFile, logger)
		if err != nil {
			return nil, err
		}
		if cfg.WatchUsers {
			if err := store.Watch(); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
		s.store = store
		s.resolver = store
	}

	if cfg.TLS() {
		tlsConfig, err := tlsutil.LoadServerConfig(cfg.CertFile, cfg.KeyFile, cfg.ClientCAFile)
		if err != nil {
			s.closeStore()
			return nil, err
		}
		s.tlsConfig = tlsConfig
	}

	s.dispatcher = o.Dispatcher
	if s.dispatcher == nil {
		s.router = dispatch.NewRegistry(logger)
		s.bus = dispatch.NewBus()
		s.router.Register("/v1/status", "", dispatch.NewStatusHandler(serverClock))
		s.router.Register("/v1/events", "events/subscribe", dispatch.NewEventsHandler(s.bus))
		s.dispatcher = s.router
	}
	return s, nil
}

// Router returns the default handler registry so additional endpoints can be
// mounted. It is nil when a custom dispatcher was injected.
func (s *Server) Router() *dispatch.Registry {
	return s.router
}

// EventBus returns the bus feeding the event-stream endpoint, nil when a
// custom dispatcher was injected.
func (s *Server) EventBus() *dispatch.Bus {
	return s.bus
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	return s.conns.Len()
}

// Start begins accepting connections and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("watchd.server.listening",
		"address", ln.Addr().String(),
		"tls", s.tlsConfig != nil,
		"version", version.Current())

	if s.cfg.MetricsListen != "" {
		if err := s.telemetry.serve(s.cfg.MetricsListen); err != nil {
			// The API listener is already bound; release it so a failed
			// startup does not leave the port held.
			_ = ln.Close()
			return err
		}
	}

	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.recordServeErr(err)
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(nc)
	}
}

// handleConn terminates TLS when configured, binds the transport identity
// from a verified client certificate, and hands the stream to a connection
// actor.
func (s *Server) handleConn(nc net.Conn) {
	stream := nc
	identity := ""
	authenticated := false
	if s.tlsConfig != nil {
		tc := tls.Server(nc, s.tlsConfig)
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err := tc.HandshakeContext(ctx)
		cancel()
		if err != nil {
			s.logger.Debug("watchd.server.handshake_failed",
				"peer", nc.RemoteAddr().String(),
				"error", err)
			_ = nc.Close()
			return
		}
		if cn, ok := tlsutil.PeerCommonName(tc); ok {
			identity = cn
			authenticated = true
		}
		stream = tc
	}

	c := httpconn.New(httpconn.Options{
		Stream:         stream,
		Identity:       identity,
		Authenticated:  authenticated,
		Coordinator:    s.coordinator,
		Registry:       connSet{s.conns},
		Resolver:       s.resolver,
		Dispatcher:     s.dispatcher,
		Gate:           s.gate,
		Clock:          s.clock,
		Logger:         s.connLogger,
		Observer:       s.telemetry,
		AllowedOrigins: s.cfg.AllowedOrigins,
		HeaderLimit:    s.headerLimit,
		Realm:          s.cfg.Realm,
		ServerHeader:   version.ServerHeader(),
	})
	s.conns.Add(c)
	if !s.coordinator.AcceptingWork() {
		c.Disconnect()
		return
	}
	c.Start()
}

// Shutdown gracefully stops the server: no new work is accepted, live
// connections are disconnected, and in-flight requests get until ctx ends to
// finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	s.logger.Info("watchd.server.shutdown", "connections", s.conns.Len())
	s.coordinator.Shutdown()
	if ln != nil {
		_ = ln.Close()
	}
	s.conns.DisconnectAll()
	if err := s.coordinator.Drain(ctx); err != nil {
		s.logger.Warn("watchd.server.drain_incomplete", "error", err)
	}
	s.closeStore()
	if err := s.telemetry.shutdown(ctx); err != nil {
		return err
	}
	return s.lastServeError()
}

// Close gracefully shuts the server down using a bounded background context.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) closeStore() {
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	if s.lastServeErr == nil {
		s.lastServeErr = err
	}
	s.mu.Unlock()
}

func (s *Server) lastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// connSet adapts the connection registry to the engine's deregistration
// contract.
type connSet struct {
	r *registry.Registry
}

func (c connSet) Deregister(conn *httpconn.Conn) {
	c.r.Remove(conn)
}
