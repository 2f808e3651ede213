package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/xid"

	"pkt.systems/armadito/api"
	"pkt.systems/armadito/internal/clients"
	"pkt.systems/armadito/internal/clock"
	"pkt.systems/armadito/internal/scanner"
	"pkt.systems/armadito/internal/svcfields"
	"pkt.systems/pslog"
)

// endpoint is one entry in the dispatch table.
type endpoint struct {
	path      string
	methods   map[string]struct{}
	needToken bool
	proc      processor
}

func methods(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, name := range names {
		m[name] = struct{}{}
	}
	return m
}

type endpointDeps struct {
	clients     *clients.Registry
	scanner     *scanner.Scanner
	clock       clock.Clock
	logger      pslog.Logger
	baseCtx     context.Context
	pollTimeout time.Duration
	queueSize   int
	browseRoot  string
	version     string
	startTime   time.Time
}

// endpointTable builds the static path-to-endpoint map. The table never
// changes after construction, so lookups are lock-free.
func endpointTable(deps endpointDeps) map[string]*endpoint {
	logger := svcfields.WithSubsystem(deps.logger, "api")
	table := []*endpoint{
		{
			path:    "/register",
			methods: methods(http.MethodGet),
			proc: &registerEndpoint{
				clients:   deps.clients,
				queueSize: deps.queueSize,
				logger:    logger,
			},
		},
		{
			path:      "/unregister",
			methods:   methods(http.MethodGet),
			needToken: true,
			proc:      &unregisterEndpoint{clients: deps.clients},
		},
		{
			path:      "/ping",
			methods:   methods(http.MethodGet),
			needToken: true,
			proc:      &pingEndpoint{clients: deps.clients},
		},
		{
			path:      "/event",
			methods:   methods(http.MethodGet),
			needToken: true,
			proc: &eventEndpoint{
				clients:     deps.clients,
				clock:       deps.clock,
				pollTimeout: deps.pollTimeout,
			},
		},
		{
			path:      "/scan",
			methods:   methods(http.MethodPost),
			needToken: true,
			proc: &scanEndpoint{
				clients: deps.clients,
				scanner: deps.scanner,
				baseCtx: deps.baseCtx,
				logger:  logger,
			},
		},
		{
			path:    "/status",
			methods: methods(http.MethodGet),
			proc: &statusEndpoint{
				clients:   deps.clients,
				scanner:   deps.scanner,
				clock:     deps.clock,
				startTime: deps.startTime,
				version:   deps.version,
			},
		},
		{
			path:    "/browse",
			methods: methods(http.MethodGet),
			proc:    &browseEndpoint{root: deps.browseRoot},
		},
		{
			path:    "/version",
			methods: methods(http.MethodGet),
			proc:    &versionEndpoint{version: deps.version},
		},
	}
	m := make(map[string]*endpoint, len(table))
	for _, ep := range table {
		m[ep.path] = ep
	}
	return m
}

// registerEndpoint mints a session token and registers the client. The
// /register endpoint is the only token-protected flow entry point, so
// it is itself exempt from the token precondition.
type registerEndpoint struct {
	clients   *clients.Registry
	queueSize int
	logger    pslog.Logger
}

func (e *registerEndpoint) process(_ context.Context, _ *http.Request, _ any) (any, error) {
	token := xid.New().String()
	client := clients.NewClient(token, e.queueSize)
	if err := e.clients.Add(client); err != nil {
		return nil, fmt.Errorf("register client: %w", err)
	}
	e.logger.Info("client registered", "token", token)
	return api.RegisterResponse{Token: token}, nil
}

type unregisterEndpoint struct {
	clients *clients.Registry
}

func (e *unregisterEndpoint) process(_ context.Context, r *http.Request, _ any) (any, error) {
	token := r.Header.Get(api.TokenHeader)
	if err := e.clients.Remove(token); err != nil {
		return nil, fmt.Errorf("unregister client: %w", err)
	}
	return api.UnregisterResponse{Status: "unregistered"}, nil
}

type pingEndpoint struct {
	clients *clients.Registry
}

func (e *pingEndpoint) process(_ context.Context, r *http.Request, _ any) (any, error) {
	token := r.Header.Get(api.TokenHeader)
	if _, err := e.clients.Get(token); err != nil {
		return nil, fmt.Errorf("ping client: %w", err)
	}
	return api.PingResponse{Status: "pong"}, nil
}

// eventEndpoint long-polls the client's queue. An empty document is
// returned when the poll times out with nothing to deliver.
type eventEndpoint struct {
	clients     *clients.Registry
	clock       clock.Clock
	pollTimeout time.Duration
}

func (e *eventEndpoint) process(ctx context.Context, r *http.Request, _ any) (any, error) {
	token := r.Header.Get(api.TokenHeader)
	client, err := e.clients.Get(token)
	if err != nil {
		return nil, fmt.Errorf("poll events: %w", err)
	}
	ev, ok := client.Pop(ctx, e.clock.After(e.pollTimeout))
	if !ok {
		return nil, nil
	}
	return ev, nil
}

type versionEndpoint struct {
	version string
}

func (e *versionEndpoint) process(context.Context, *http.Request, any) (any, error) {
	return api.VersionResponse{
		Name:       "armadito",
		Version:    e.version,
		APIVersion: api.Version,
	}, nil
}
