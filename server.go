package armadito

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"pkt.systems/armadito/internal/clients"
	"pkt.systems/armadito/internal/clock"
	"pkt.systems/armadito/internal/httpapi"
	"pkt.systems/armadito/internal/scanner"
	"pkt.systems/armadito/internal/version"
	"pkt.systems/pslog"
)

// Server wraps the HTTP API, the client registry and the scan engine.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	registry   *clients.Registry
	scanner    *scanner.Scanner
	handler    *httpapi.Handler
	httpSrv    *http.Server
	listener   net.Listener
	socketPath string
	clock      clock.Clock
	telemetry  *telemetryBundle

	// baseCtx carries scheduled scans past individual request
	// lifetimes; baseCancel ends them at shutdown.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu           sync.Mutex
	shutdown     bool
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	OTLPEndpoint string
	Modules      []scanner.Module
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

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// WithScanModules replaces the built-in detection module set.
func WithScanModules(modules ...scanner.Module) Option {
	return func(o *options) {
		o.Modules = modules
	}
}

// NewServer constructs an armadito server according to cfg.
// Example:
//
//	cfg := armadito.Config{Listen: ":8888", ListenProto: "tcp"}
//	srv, err := armadito.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if cfg.LogLevel != "" {
		if level, ok := pslog.ParseLevel(cfg.LogLevel); ok {
			logger = logger.LogLevel(level)
		}
	}
	otlpEndpoint := cfg.OTLPEndpoint
	if o.OTLPEndpoint != "" {
		otlpEndpoint = o.OTLPEndpoint
	}
	telemetry, err := setupTelemetry(context.Background(), otlpEndpoint, cfg.MetricsListen, cfg.PprofListen, cfg.EnableProfilingMetrics, logger.With("svc", "telemetry"))
	if err != nil {
		return nil, err
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	registry := clients.NewRegistry(logger)
	scanEngine := scanner.New(scanner.Config{
		Workers:     cfg.ScanWorkers,
		MaxFileSize: cfg.ScanMaxFileSize,
		Modules:     o.Modules,
		Logger:      logger,
		Clock:       serverClock,
	})

	baseCtx, baseCancel := context.WithCancel(context.Background())
	handler := httpapi.New(httpapi.Config{
		Clients:            registry,
		Scanner:            scanEngine,
		Logger:             logger,
		Clock:              serverClock,
		JSONMaxBytes:       cfg.JSONMaxBytes,
		EventPollTimeout:   cfg.EventPollTimeout,
		EventQueueSize:     cfg.EventQueueSize,
		BrowseRoot:         cfg.BrowseRoot,
		BaseContext:        baseCtx,
		DisableHTTPTracing: cfg.DisableHTTPTracing,
		Version:            version.Current(),
	})
	mux := http.NewServeMux()
	handler.Register(mux)

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}

	return &Server{
		cfg:        cfg,
		logger:     logger.With("svc", "server"),
		registry:   registry,
		scanner:    scanEngine,
		handler:    handler,
		httpSrv:    httpSrv,
		clock:      serverClock,
		telemetry:  telemetry,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		readyCh:    make(chan struct{}),
	}, nil
}

// Handler returns the underlying HTTP handler so armadito can be mounted
// inside an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.signalReady()
	s.logger.Info("listening", "network", s.cfg.ListenProto, "address", ln.Addr().String())
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.baseCancel()
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.registry.Close()
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
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
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying HTTP
// server. It is primarily useful for diagnostics; Shutdown already reports any
// fatal serve/shutdown errors to callers.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts an armadito server in a background goroutine and waits
// until it is ready to accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down.
// Example:
//
//	cfg := armadito.Config{ListenProto: "unix", Listen: "/tmp/armadito.sock"}
//	srv, stop, err := armadito.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	bail := func(reason error) (*Server, func(context.Context) error, error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil, nil, reason
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		return bail(err)
	case <-ctx.Done():
		_, _, err := bail(ctx.Err())
		<-errCh
		return nil, nil, err
	}

	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		_ = stop(context.Background())
	}()
	return srv, stop, nil
}
