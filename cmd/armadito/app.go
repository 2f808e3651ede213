package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/armadito"
	"pkt.systems/armadito/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("ARMADITO_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "armadito")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := armadito.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, armadito.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg armadito.Config

	cmd := &cobra.Command{
		Use:           "armadito",
		Short:         "armadito serves the local antivirus control-plane API: session tokens, filesystem scans, and a long-polled event feed",
		SilenceErrors: true,
		Example: `
  # Listen on the default TCP port
  armadito

  # Same-host agents over a unix socket
  armadito --listen-proto unix --listen /var/run/armadito.sock

  # Restrict /browse to a subtree and expose Prometheus metrics
  armadito --browse-root /home --metrics-listen :9090

  # Export traces to an OTLP collector
  armadito --otlp-endpoint grpc://localhost:4317`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to armadito",
				"app", "armadito",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			if err := bindConfig(&cfg); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			level, ok := pslog.ParseLevel(logLevel)
			if ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := armadito.NewServer(cfg, armadito.WithLogger(logger))
			if err != nil {
				return err
			}

			shutdownTimeout := cfg.ShutdownTimeout
			if shutdownTimeout <= 0 {
				shutdownTimeout = armadito.DefaultShutdownTimeout
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.armadito/"+armadito.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", armadito.DefaultListen, "listen address (socket path when --listen-proto unix)")
	flags.String("listen-proto", armadito.DefaultListenProto, "listen network (tcp or unix)")
	flags.String("metrics-listen", armadito.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", armadito.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("json-max", humanizeBytes(armadito.DefaultJSONMaxBytes), "maximum JSON request body size")
	flags.Duration("event-poll-timeout", armadito.DefaultEventPollTimeout, "maximum time GET /event blocks waiting for an event")
	flags.Int("event-queue-size", armadito.DefaultEventQueueSize, "per-client event queue capacity")
	flags.Int("scan-workers", armadito.DefaultScanWorkers, "concurrent file scans per scan job")
	flags.String("scan-max-file-size", humanizeBytes(armadito.DefaultScanMaxFileSize), "skip files larger than this during scans (0 disables the limit)")
	flags.String("browse-root", armadito.DefaultBrowseRoot, "directory subtree GET /browse may list")
	flags.Duration("shutdown-timeout", armadito.DefaultShutdownTimeout, "overall shutdown timeout")
	flags.Bool("disable-http-tracing", false, "disable per-request tracing spans")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	lookup := func(name string) *pflag.Flag {
		if f := flags.Lookup(name); f != nil {
			return f
		}
		return persistentFlags.Lookup(name)
	}
	bindFlag := func(name string) {
		flag := lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("ARMADITO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "listen-proto", "metrics-listen", "pprof-listen", "enable-profiling-metrics",
		"otlp-endpoint", "json-max", "event-poll-timeout", "event-queue-size",
		"scan-workers", "scan-max-file-size", "browse-root", "shutdown-timeout",
		"disable-http-tracing", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *armadito.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	if jsonMax := strings.TrimSpace(viper.GetString("json-max")); jsonMax != "" {
		bytes, err := humanize.ParseBytes(jsonMax)
		if err != nil {
			return fmt.Errorf("parse json-max: %w", err)
		}
		cfg.JSONMaxBytes = int64(bytes)
	}
	cfg.EventPollTimeout = viper.GetDuration("event-poll-timeout")
	cfg.EventQueueSize = viper.GetInt("event-queue-size")
	cfg.ScanWorkers = viper.GetInt("scan-workers")
	if maxFile := strings.TrimSpace(viper.GetString("scan-max-file-size")); maxFile != "" {
		bytes, err := humanize.ParseBytes(maxFile)
		if err != nil {
			return fmt.Errorf("parse scan-max-file-size: %w", err)
		}
		if bytes == 0 {
			cfg.ScanMaxFileSize = -1
		} else {
			cfg.ScanMaxFileSize = int64(bytes)
		}
	}
	cfg.BrowseRoot = viper.GetString("browse-root")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	cfg.LogLevel = viper.GetString("log-level")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
