package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cordum/capturekit/core/infra/buildinfo"
	"github.com/cordum/capturekit/core/infra/config"
	"github.com/cordum/capturekit/core/infra/logging"
)

type rootOptions struct {
	configPath string
	redisURL   string
	natsURL    string
}

// config resolves env defaults, the YAML overlay and then command-line overrides.
func (o *rootOptions) config() (*config.Config, error) {
	cfg := config.Load()
	path := strings.TrimSpace(o.configPath)
	if path == "" {
		path = cfg.ConfigPath
	}
	fc, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := fc.Apply(cfg); err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(o.redisURL); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(o.natsURL); v != "" {
		cfg.NatsURL = v
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "capturectl",
		Short:         "Capture, cache and upload media artifacts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config overlay (default $CAPTURE_CONFIG_PATH)")
	root.PersistentFlags().StringVar(&opts.redisURL, "redis-url", "", "Redis URL for the artifact cache (default $REDIS_URL)")
	root.PersistentFlags().StringVar(&opts.natsURL, "nats-url", "", "NATS URL for lifecycle events (default $NATS_URL)")

	root.AddCommand(
		newServeCmd(opts),
		newPruneCmd(opts),
		newGetCmd(opts),
		newUploadCmd(opts),
		newEventsCmd(opts),
		newMirrorCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Info())
		},
	}
}

func main() {
	defer logging.Sync()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logging.Sync()
		os.Exit(1)
	}
}
