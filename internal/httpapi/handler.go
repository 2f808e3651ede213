// Package httpapi implements the HTTP request dispatcher. Every request
// runs through a fixed precondition pipeline (path, User-Agent, token
// presence, method, content type) before its endpoint processor sees it,
// and every enveloped response carries the API version headers.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/armadito/api"
	"pkt.systems/armadito/internal/clients"
	"pkt.systems/armadito/internal/clock"
	"pkt.systems/armadito/internal/scanner"
	"pkt.systems/armadito/internal/svcfields"
	"pkt.systems/armadito/internal/uuidv7"
	"pkt.systems/pslog"
)

const defaultJSONMaxBytes = 1 << 20
const defaultEventPollTimeout = 30 * time.Second
const defaultEventQueueSize = 64

// Config wires a Handler.
type Config struct {
	Clients *clients.Registry
	Scanner *scanner.Scanner
	Logger  pslog.Logger
	Clock   clock.Clock

	// JSONMaxBytes bounds POST request bodies.
	JSONMaxBytes int64
	// EventPollTimeout bounds how long GET /event blocks waiting for
	// an event before returning an empty document.
	EventPollTimeout time.Duration
	// EventQueueSize is the per-client event queue capacity.
	EventQueueSize int
	// BrowseRoot confines GET /browse to a directory subtree.
	BrowseRoot string
	// BaseContext outlives individual requests and carries scheduled
	// scans until server shutdown. Defaults to context.Background.
	BaseContext context.Context

	DisableHTTPTracing bool
	// Version is reported by GET /version and /status.
	Version string
}

// Handler dispatches API requests to endpoint processors. It serves the
// whole URL space so that unknown paths get the canned 404 instead of
// the mux default.
type Handler struct {
	endpoints map[string]*endpoint
	clients   *clients.Registry
	logger    pslog.Logger
	clock     clock.Clock
	startTime time.Time

	jsonMaxBytes       int64
	httpTracingEnabled bool
	tracer             trace.Tracer
	metrics            *apiMetrics
}

// New builds the Handler and its endpoint table.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	cl := cfg.Clock
	if cl == nil {
		cl = clock.Real{}
	}
	jsonMax := cfg.JSONMaxBytes
	if jsonMax <= 0 {
		jsonMax = defaultJSONMaxBytes
	}
	pollTimeout := cfg.EventPollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultEventPollTimeout
	}
	queueSize := cfg.EventQueueSize
	if queueSize <= 0 {
		queueSize = defaultEventQueueSize
	}
	browseRoot := cfg.BrowseRoot
	if browseRoot == "" {
		browseRoot = "/"
	}
	baseCtx := cfg.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	registry := cfg.Clients
	if registry == nil {
		registry = clients.NewRegistry(logger)
	}

	h := &Handler{
		clients:            registry,
		logger:             svcfields.WithSubsystem(logger, "api"),
		clock:              cl,
		startTime:          cl.Now(),
		jsonMaxBytes:       jsonMax,
		httpTracingEnabled: !cfg.DisableHTTPTracing,
		tracer:             otel.Tracer("pkt.systems/armadito/httpapi"),
		metrics:            newAPIMetrics(logger),
	}

	h.endpoints = endpointTable(endpointDeps{
		clients:     registry,
		scanner:     cfg.Scanner,
		clock:       cl,
		logger:      logger,
		baseCtx:     baseCtx,
		pollTimeout: pollTimeout,
		queueSize:   queueSize,
		browseRoot:  browseRoot,
		version:     cfg.Version,
		startTime:   h.startTime,
	})
	return h
}

// Register mounts the dispatcher at the mux root.
func (h *Handler) Register(mux *http.ServeMux) {
	var handler http.Handler = http.HandlerFunc(h.dispatch)
	if h.httpTracingEnabled {
		handler = otelhttp.NewHandler(handler, "armadito.http.api",
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
	}
	mux.Handle("/", handler)
}

// ServeHTTP makes the Handler usable without a mux.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	reqID := uuidv7.NewString()

	instrument := h.httpTracingEnabled
	var span trace.Span
	if instrument {
		ctx, span = h.tracer.Start(ctx, "armadito.api.dispatch",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("armadito.route", r.URL.Path),
				attribute.String("armadito.method", r.Method),
			),
		)
		defer span.End()
	} else {
		span = trace.SpanFromContext(ctx)
	}

	logger := h.logger.With(
		"req_id", reqID,
		"method", r.Method,
		"path", r.URL.Path,
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	r = r.WithContext(ctx)

	logger.Trace("api.request.start", "remote_addr", r.RemoteAddr)

	status := h.serve(w, r)

	elapsed := time.Since(start)
	if instrument {
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(attribute.Int("armadito.status", status))
	}
	h.metrics.record(ctx, r.URL.Path, status, elapsed)
	logger.Trace("api.request.complete", "status", status, "elapsed", elapsed)
}

// serve runs the precondition pipeline and the endpoint callbacks,
// writes the response and returns the HTTP status that went out.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request) int {
	logger := pslog.LoggerFromContext(r.Context())
	if logger == nil {
		logger = h.logger
	}

	ep, rejection := h.precheck(r)
	if rejection != nil {
		logger.Warn(rejection.logMessage, "path", r.URL.Path)
		h.writeCanned(w, *rejection)
		return rejection.status
	}

	var doc any
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.jsonMaxBytes))
		if err != nil {
			logger.Warn("error reading request body", "error", err)
			h.writeCanned(w, cannedBadRequest)
			return cannedBadRequest.status
		}
		// An empty body is not a parse error; the endpoint check sees
		// an absent document instead.
		if len(body) > 0 {
			if err := json.Unmarshal(body, &doc); err != nil {
				logger.Warn("error parsing request body as JSON", "error", err)
				h.writeCanned(w, cannedBadRequest)
				return cannedBadRequest.status
			}
		}
	}

	if chk, ok := ep.proc.(checker); ok {
		if err := chk.check(r, doc); err != nil {
			logger.Warn("request rejected by endpoint check", "error", err)
			h.writeCanned(w, cannedUnprocessable)
			return cannedUnprocessable.status
		}
	}

	respDoc, err := ep.proc.process(r.Context(), r, doc)
	if err != nil {
		logger.Error("request processing failed", "error", err)
		h.writeEnvelope(w, http.StatusInternalServerError, api.ErrorBody{
			Code:    http.StatusInternalServerError,
			Message: "Request processing triggered an internal error",
			Data:    respDoc,
		})
		return http.StatusInternalServerError
	}
	if respDoc == nil {
		respDoc = json.RawMessage("{}")
	}
	h.writeEnvelope(w, http.StatusOK, respDoc)
	return http.StatusOK
}

// writeEnvelope writes a 200/500 response with the full API header set.
// The body is the bare encoded document with no trailing newline.
func (h *Handler) writeEnvelope(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("error encoding response document", "error", err)
		data = []byte("{}")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Connection", "close")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set(api.VersionHeader, api.Version)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// checker is implemented by processors that validate the request
// document before process runs. A non-nil error rejects the request
// with the canned 422 and process is never invoked.
type checker interface {
	check(r *http.Request, doc any) error
}

// processor handles one endpoint. A non-nil error turns the returned
// document into the data field of a 500 envelope.
type processor interface {
	process(ctx context.Context, r *http.Request, doc any) (any, error)
}
