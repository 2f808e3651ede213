package armadito

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"
)

// telemetryBundle owns every telemetry component the server started so
// Shutdown can tear them down in one place.
type telemetryBundle struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metricsServer  *http.Server
	metricsLn      net.Listener
	pprofServer    *http.Server
	pprofLn        net.Listener
	logger         pslog.Logger
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil || h.logger == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	var errs []error
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}
	}
	if t.metricsServer != nil {
		if err := t.metricsServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	if t.metricsLn != nil {
		_ = t.metricsLn.Close()
	}
	if t.pprofServer != nil {
		if err := t.pprofServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("pprof server shutdown: %w", err))
		}
	}
	if t.pprofLn != nil {
		_ = t.pprofLn.Close()
	}
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		if t.logger != nil {
			t.logger.Warn("telemetry.shutdown.failures", "error", errors.Join(errs...))
		}
		return errors.Join(errs...)
	}
	if t.logger != nil {
		t.logger.Info("telemetry.shutdown.complete")
	}
	return nil
}

type otlpTarget struct {
	protocol string // "grpc" or "http"
	endpoint string // host:port
	path     string
	insecure bool
}

var runtimeMetricsOnce sync.Once
var runtimeMetricsErr error

func setupTelemetry(ctx context.Context, endpoint, metricsListen, pprofListen string, enableProfilingMetrics bool, logger pslog.Logger) (*telemetryBundle, error) {
	if strings.TrimSpace(endpoint) == "" && strings.TrimSpace(metricsListen) == "" && strings.TrimSpace(pprofListen) == "" && !enableProfilingMetrics {
		return nil, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName("armadito"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	bundle := &telemetryBundle{logger: logger}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bundle.Shutdown(shutdownCtx)
	}

	if strings.TrimSpace(endpoint) != "" {
		target, err := resolveOTLPTarget(endpoint)
		if err != nil {
			return nil, err
		}
		bundle.tracerProvider, err = newTraceProvider(ctx, target, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(bundle.tracerProvider)
		logger.Info("telemetry.tracing.enabled",
			"protocol", target.protocol,
			"endpoint", target.endpoint,
			"path", target.path,
			"insecure", target.insecure,
		)
	}

	metricsListen = strings.TrimSpace(metricsListen)
	if metricsListen != "" {
		registry := prometheus.NewRegistry()
		exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if enableProfilingMetrics {
			exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(exporterOpts...)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("telemetry: start prometheus exporter: %w", err)
		}
		bundle.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(bundle.meterProvider)
		if enableProfilingMetrics {
			runtimeMetricsOnce.Do(func() {
				runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(bundle.meterProvider))
			})
			if runtimeMetricsErr != nil {
				cleanup()
				return nil, fmt.Errorf("profiling: runtime metrics: %w", runtimeMetricsErr)
			}
			logger.Info("profiling.metrics.enabled")
		}
		handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		bundle.metricsServer, bundle.metricsLn, err = serveOnSideListener(metricsListen, metricsMux(handler), logger, "telemetry.metrics")
		if err != nil {
			cleanup()
			return nil, err
		}
		logger.Info("telemetry.metrics.enabled", "listen", metricsListen)
	} else if enableProfilingMetrics {
		return nil, fmt.Errorf("telemetry: profiling metrics require metrics listen address")
	}

	pprofListen = strings.TrimSpace(pprofListen)
	if pprofListen != "" {
		var err error
		bundle.pprofServer, bundle.pprofLn, err = serveOnSideListener(pprofListen, pprofMux(), logger, "profiling.pprof")
		if err != nil {
			cleanup()
			return nil, err
		}
		logger.Info("profiling.pprof.enabled", "listen", pprofListen)
	}

	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)
	otel.SetErrorHandler(otelErrorHandler{logger: logger})

	return bundle, nil
}

func newTraceProvider(ctx context.Context, target otlpTarget, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	var err error
	switch target.protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		} else {
			opts = append(opts, otlptracegrpc.WithDialOption(
				grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" && target.path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter (%s): %w", target.protocol, err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1.0))),
		sdktrace.WithBatcher(exporter),
	), nil
}

func metricsMux(handler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	return mux
}

func pprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func serveOnSideListener(addr string, handler http.Handler, logger pslog.Logger, sys string) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: listen: %w", sys, err)
	}
	srv := &http.Server{Handler: handler}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Warn(sys+".serve_error", "error", err)
			}
		}
	}()
	return srv, ln, nil
}

func resolveOTLPTarget(raw string) (otlpTarget, error) {
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		endpoint := raw
		if !strings.Contains(endpoint, ":") {
			endpoint = net.JoinHostPort(endpoint, "4317")
		}
		return otlpTarget{
			protocol: "grpc",
			endpoint: endpoint,
			insecure: true,
		}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	host := u.Host
	if host == "" {
		host = u.Path
		u.Path = ""
	}
	target := otlpTarget{
		endpoint: host,
		path:     strings.TrimSuffix(u.Path, "/"),
	}
	switch strings.ToLower(u.Scheme) {
	case "grpc":
		target.protocol = "grpc"
		target.insecure = true
	case "grpcs":
		target.protocol = "grpc"
	case "http":
		target.protocol = "http"
		target.insecure = true
	case "https":
		target.protocol = "http"
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if target.endpoint == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	if !strings.Contains(target.endpoint, ":") {
		port := "4317"
		if target.protocol == "http" {
			port = "4318"
		}
		target.endpoint = net.JoinHostPort(target.endpoint, port)
	}
	return target, nil
}
