package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/armadito"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage armadito configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.armadito/" + armadito.DefaultConfigFileName
	if dir, err := armadito.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, armadito.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default armadito configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := armadito.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, armadito.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				fmt.Print(string(data))
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                 string `yaml:"listen"`
	ListenProto            string `yaml:"listen-proto"`
	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	JSONMax                string `yaml:"json-max"`
	EventPollTimeout       string `yaml:"event-poll-timeout"`
	EventQueueSize         int    `yaml:"event-queue-size"`
	ScanWorkers            int    `yaml:"scan-workers"`
	ScanMaxFileSize        string `yaml:"scan-max-file-size"`
	BrowseRoot             string `yaml:"browse-root"`
	ShutdownTimeout        string `yaml:"shutdown-timeout"`
	LogLevel               string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:           armadito.DefaultListen,
		ListenProto:      armadito.DefaultListenProto,
		MetricsListen:    armadito.DefaultMetricsListen,
		PprofListen:      armadito.DefaultPprofListen,
		JSONMax:          humanizeBytes(armadito.DefaultJSONMaxBytes),
		EventPollTimeout: armadito.DefaultEventPollTimeout.String(),
		EventQueueSize:   armadito.DefaultEventQueueSize,
		ScanWorkers:      armadito.DefaultScanWorkers,
		ScanMaxFileSize:  humanizeBytes(armadito.DefaultScanMaxFileSize),
		BrowseRoot:       armadito.DefaultBrowseRoot,
		ShutdownTimeout:  armadito.DefaultShutdownTimeout.String(),
		LogLevel:         "info",
	}
	for _, override := range overrides {
		override(&defaults)
	}
	out, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return out, nil
}
