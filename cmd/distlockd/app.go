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
	"golang.org/x/sync/errgroup"

	"pkt.systems/distlock"
	"pkt.systems/distlock/internal/loggingutil"
	"pkt.systems/distlock/internal/version"
	"pkt.systems/pslog"
)

const envPrefix = "DISTLOCK"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("DISTLOCK_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "distlockd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server itself
// rather than one of its subcommands. Server failures are logged, subcommand
// failures are printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

// loadConfigFile reads the file named by --config, or the default config
// file when one exists. It returns the absolute path that was loaded.
func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := distlock.DefaultConfigPath(); err == nil {
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

	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
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
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "distlockd",
		Short:         "distlockd serves named, time-bounded exclusive locks over HTTP",
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		Example: `
  # Listen on the default TCP port with 30 second locks
  distlockd

  # Short-lived locks on a unix socket
  distlockd --listen-proto unix --listen /run/distlock.sock --lock-ttl 5s

  # Expose Prometheus metrics and export traces
  DISTLOCK_METRICS_LISTEN=:9343 DISTLOCK_OTLP_ENDPOINT=grpc://localhost:4317 distlockd
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			loggingutil.WithSubsystem(baseLogger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to distlockd",
				"version", version.Current(),
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			cfg, err := bindConfig(v)
			if err != nil {
				return err
			}

			rawLevel := strings.TrimSpace(v.GetString("log-level"))
			if rawLevel == "" {
				rawLevel = "info"
			}
			level, ok := pslog.ParseLevel(rawLevel)
			if !ok {
				return fmt.Errorf("invalid log-level %q", rawLevel)
			}
			levels := loggingutil.NewLevelSwitch(baseLogger, level)
			logger := levels.Logger()
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			server, err := distlock.NewServer(cfg, distlock.WithLogger(logger))
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), server, levelWatch{
				path:   configFile,
				pinned: levelPinned(cmd),
				levels: levels,
			}, cliLogger)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.distlock/"+distlock.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", distlock.DefaultListen, "listen address (socket path for unix)")
	flags.String("listen-proto", distlock.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.Duration("lock-ttl", distlock.DefaultLockTTL, "lifetime of every granted lock")
	flags.Duration("sweep-interval", distlock.DefaultSweepInterval, "pause between expired-lock sweeps")
	flags.String("id-format", distlock.DefaultIDFormat, "lock token format (uuid, uuidv7, xid)")
	flags.String("json-max", humanizeBytes(distlock.DefaultJSONMaxBytes), "maximum request body size")
	flags.Float64("rate-limit", 0, "lock operations per second before requests are rejected (0 disables)")
	flags.Int("rate-burst", distlock.DefaultRateBurst, "burst allowance above --rate-limit")
	flags.String("metrics-listen", distlock.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", distlock.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Duration("shutdown-timeout", distlock.DefaultShutdownTimeout, "maximum time to wait for graceful shutdown")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, name := range []string{
		"config",
		"listen", "listen-proto", "lock-ttl", "sweep-interval", "id-format", "json-max",
		"rate-limit", "rate-burst",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
		"shutdown-timeout", "log-level",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newClientCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(v *viper.Viper) (distlock.Config, error) {
	cfg := distlock.Config{
		Listen:                 v.GetString("listen"),
		ListenProto:            strings.ToLower(strings.TrimSpace(v.GetString("listen-proto"))),
		LockTTL:                v.GetDuration("lock-ttl"),
		SweepInterval:          v.GetDuration("sweep-interval"),
		IDFormat:               strings.ToLower(strings.TrimSpace(v.GetString("id-format"))),
		RateLimit:              v.GetFloat64("rate-limit"),
		RateBurst:              v.GetInt("rate-burst"),
		MetricsListen:          v.GetString("metrics-listen"),
		PprofListen:            v.GetString("pprof-listen"),
		EnableProfilingMetrics: v.GetBool("enable-profiling-metrics"),
		OTLPEndpoint:           strings.TrimSpace(v.GetString("otlp-endpoint")),
		ShutdownTimeout:        v.GetDuration("shutdown-timeout"),
	}
	if maxBytes := strings.TrimSpace(v.GetString("json-max")); maxBytes != "" {
		size, err := humanize.ParseBytes(maxBytes)
		if err != nil {
			return cfg, fmt.Errorf("parse json-max: %w", err)
		}
		cfg.JSONMaxBytes = int64(size)
	}
	return cfg, nil
}

// levelPinned reports whether log-level came from the command line or the
// environment, in which case config file edits must not override it.
func levelPinned(cmd *cobra.Command) bool {
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		return true
	}
	_, ok := os.LookupEnv(envPrefix + "_LOG_LEVEL")
	return ok
}

type levelWatch struct {
	path   string
	pinned bool
	levels *loggingutil.LevelSwitch
}

// runServer serves until ctx is cancelled or the listener fails, then shuts
// the server down. The config watcher runs alongside when a file is in use.
func runServer(ctx context.Context, server *distlock.Server, watch levelWatch, logger pslog.Logger) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), server.Config().ShutdownTimeout)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return err
		}
		return nil
	})
	if watch.path != "" && !watch.pinned {
		g.Go(func() error {
			watchLogLevel(gctx, watch.path, watch.levels, loggingutil.WithSubsystem(logger, "config.watch"))
			return nil
		})
	}
	return g.Wait()
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
