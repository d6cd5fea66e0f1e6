package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/distlock/api"
	distlockclient "pkt.systems/distlock/client"
	"pkt.systems/distlock/internal/loggingutil"
	"pkt.systems/pslog"
)

const defaultClientServer = "http://127.0.0.1:9342"

type outputFormat string

const (
	outputText outputFormat = "text"
	outputJSON outputFormat = "json"
)

func parseOutputFormat(raw string) (outputFormat, error) {
	switch outputFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case "", outputText:
		return outputText, nil
	case outputJSON:
		return outputJSON, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (want text or json)", raw)
	}
}

type clientCLIConfig struct {
	v      *viper.Viper
	logger pslog.Logger
}

func (c *clientCLIConfig) client() (*distlockclient.Client, error) {
	server := strings.TrimSpace(c.v.GetString("server"))
	if server == "" {
		server = defaultClientServer
	}
	opts := []distlockclient.Option{distlockclient.WithLogger(c.logger)}
	if timeout := c.v.GetDuration("timeout"); timeout > 0 {
		opts = append(opts, distlockclient.WithHTTPTimeout(timeout))
	}
	return distlockclient.New(server, opts...)
}

func (c *clientCLIConfig) output() (outputFormat, error) {
	return parseOutputFormat(c.v.GetString("output"))
}

func newClientCommand(baseLogger pslog.Logger) *cobra.Command {
	cfg := &clientCLIConfig{
		v:      viper.New(),
		logger: loggingutil.WithSubsystem(baseLogger, "cli.client"),
	}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Acquire, release and list locks on a running distlockd",
		Example: `
  distlockd client acquire nightly-report
  distlockd client --server unix:///run/distlock.sock list --output json
`,
	}

	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", defaultClientServer, "server base URL (http://, https:// or unix:///path)")
	flags.Duration("timeout", distlockclient.DefaultHTTPTimeout, "per-request timeout")
	flags.StringP("output", "o", string(outputText), "output format (text|json)")

	cfg.v.SetEnvPrefix(envPrefix)
	cfg.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cfg.v.AutomaticEnv()
	for _, name := range []string{"server", "timeout", "output"} {
		if err := cfg.v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newClientAcquireCommand(cfg))
	cmd.AddCommand(newClientReleaseCommand(cfg))
	cmd.AddCommand(newClientListCommand(cfg))
	return cmd
}

func newClientAcquireCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "acquire KEY",
		Short: "Try to take a lock once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cfg.output()
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			acquired, lock, err := cli.Acquire(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if format == outputJSON {
				return writeJSON(out, api.AcquireResponse{Acquired: acquired, Lock: lock})
			}
			switch {
			case acquired && lock != nil:
				fmt.Fprintf(out, "acquired %s id=%s expires %s\n", lock.Key, lock.ID, humanize.Time(lock.ExpireTime))
			case acquired:
				fmt.Fprintln(out, "acquired")
			default:
				fmt.Fprintf(out, "%s is held\n", args[0])
			}
			return nil
		},
	}
}

func newClientReleaseCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "release KEY",
		Short: "Drop a lock regardless of who holds it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cfg.output()
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			released, err := cli.Release(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if format == outputJSON {
				return writeJSON(out, api.ReleaseResponse{Released: released})
			}
			if released {
				fmt.Fprintf(out, "released %s\n", args[0])
			} else {
				fmt.Fprintf(out, "%s was not held\n", args[0])
			}
			return nil
		},
	}
}

func newClientListCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show every tracked lock",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cfg.output()
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			locks, err := cli.List(commandContext(cmd))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if format == outputJSON {
				if locks == nil {
					locks = []api.LockEntry{}
				}
				return writeJSON(out, api.ListResponse{Locks: locks})
			}
			return writeLockTable(out, locks, time.Now())
		},
	}
}

// writeLockTable renders locks with relative expiry. Entries past their
// expire time are still listed until the sweeper drops them.
func writeLockTable(out io.Writer, locks []api.LockEntry, now time.Time) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tID\tCREATED\tEXPIRES")
	for _, lock := range locks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			lock.Key,
			lock.ID,
			humanize.RelTime(lock.CreateTime, now, "ago", "from now"),
			humanize.RelTime(lock.ExpireTime, now, "ago", "from now"),
		)
	}
	return tw.Flush()
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
