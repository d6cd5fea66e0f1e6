package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/distlock"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage distlockd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.distlock/" + distlock.DefaultConfigFileName
	if path, err := distlock.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default distlockd configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if outPath == "" {
				path, err := distlock.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			expanded, err := expandPath(outPath)
			if err != nil {
				return fmt.Errorf("expand output path %q: %w", outPath, err)
			}
			if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(expanded); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", expanded)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(expanded, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", expanded)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags. Keys match flag names so
// the generated file loads straight back through viper.
type configDefaults struct {
	Listen                 string  `yaml:"listen"`
	ListenProto            string  `yaml:"listen-proto"`
	LockTTL                string  `yaml:"lock-ttl"`
	SweepInterval          string  `yaml:"sweep-interval"`
	IDFormat               string  `yaml:"id-format"`
	JSONMax                string  `yaml:"json-max"`
	RateLimit              float64 `yaml:"rate-limit"`
	RateBurst              int     `yaml:"rate-burst"`
	MetricsListen          string  `yaml:"metrics-listen"`
	PprofListen            string  `yaml:"pprof-listen"`
	EnableProfilingMetrics bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string  `yaml:"otlp-endpoint"`
	ShutdownTimeout        string  `yaml:"shutdown-timeout"`
	LogLevel               string  `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		Listen:          distlock.DefaultListen,
		ListenProto:     distlock.DefaultListenProto,
		LockTTL:         distlock.DefaultLockTTL.String(),
		SweepInterval:   distlock.DefaultSweepInterval.String(),
		IDFormat:        distlock.DefaultIDFormat,
		JSONMax:         humanizeBytes(distlock.DefaultJSONMaxBytes),
		RateBurst:       distlock.DefaultRateBurst,
		MetricsListen:   distlock.DefaultMetricsListen,
		PprofListen:     distlock.DefaultPprofListen,
		ShutdownTimeout: distlock.DefaultShutdownTimeout.String(),
		LogLevel:        "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
