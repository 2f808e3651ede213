package armadito

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8888"
	// DefaultListenProto controls the listener type when none is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultJSONMaxBytes bounds incoming JSON request bodies.
	DefaultJSONMaxBytes = int64(1 << 20)
	// DefaultEventPollTimeout is how long GET /event blocks before
	// returning an empty document.
	DefaultEventPollTimeout = 30 * time.Second
	// DefaultEventQueueSize is the per-client event queue capacity.
	DefaultEventQueueSize = 64
	// DefaultScanWorkers bounds concurrent file scans per scan job.
	DefaultScanWorkers = 4
	// DefaultScanMaxFileSize skips files larger than this during scans.
	DefaultScanMaxFileSize = int64(100 << 20)
	// DefaultBrowseRoot confines GET /browse to a directory subtree.
	DefaultBrowseRoot = "/"
	// DefaultShutdownTimeout caps graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for an armadito.Server instance.
type Config struct {
	// Listen is the server bind address (for example ":8888"), or a
	// socket path when ListenProto is "unix".
	Listen string
	// ListenProto selects listener type ("tcp" or "unix").
	ListenProto string
	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics enables runtime profiling metrics on the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export when set (host:port or URL).
	OTLPEndpoint string
	// JSONMaxBytes caps incoming JSON request bodies.
	JSONMaxBytes int64
	// EventPollTimeout bounds GET /event long-polls.
	EventPollTimeout time.Duration
	// EventQueueSize is the per-client event queue capacity.
	EventQueueSize int
	// ScanWorkers bounds concurrent file scans per scan job.
	ScanWorkers int
	// ScanMaxFileSize skips files larger than this many bytes; zero
	// falls back to the default, negative disables the limit.
	ScanMaxFileSize int64
	// BrowseRoot confines GET /browse to a directory subtree.
	BrowseRoot string
	// ShutdownTimeout caps graceful HTTP shutdown.
	ShutdownTimeout time.Duration
	// LogLevel adjusts server log verbosity when set (trace..error).
	LogLevel string
	// DisableHTTPTracing turns off per-request tracing spans.
	DisableHTTPTracing bool
}

// Validate normalizes zero values to defaults and rejects impossible
// combinations.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "unix":
	default:
		return fmt.Errorf("config: listen proto must be %q or %q", "tcp", "unix")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.EventPollTimeout <= 0 {
		c.EventPollTimeout = DefaultEventPollTimeout
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = DefaultEventQueueSize
	}
	if c.ScanWorkers <= 0 {
		c.ScanWorkers = DefaultScanWorkers
	}
	if c.ScanMaxFileSize == 0 {
		c.ScanMaxFileSize = DefaultScanMaxFileSize
	} else if c.ScanMaxFileSize < 0 {
		c.ScanMaxFileSize = 0
	}
	if strings.TrimSpace(c.BrowseRoot) == "" {
		c.BrowseRoot = DefaultBrowseRoot
	}
	if !filepath.IsAbs(c.BrowseRoot) {
		abs, err := filepath.Abs(c.BrowseRoot)
		if err != nil {
			return fmt.Errorf("config: browse root: %w", err)
		}
		c.BrowseRoot = abs
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.armadito).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("ARMADITO_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".armadito"), nil
}
