package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cordum/capturekit/core/infra/bus"
	"github.com/cordum/capturekit/core/infra/logging"
	"github.com/cordum/capturekit/core/infra/metrics"
	"github.com/cordum/capturekit/core/infra/secrets"
	"github.com/cordum/capturekit/core/infra/transport"
)

const mirrorQueue = "capture-mirror"

var errNoNats = errors.New("NATS URL required (--nats-url or $NATS_URL)")

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print artifact lifecycle events as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			if cfg.NatsURL == "" {
				return errNoNats
			}
			nb, err := bus.NewNatsBus(cfg.NatsURL)
			if err != nil {
				return err
			}
			defer nb.Close()

			var mu sync.Mutex
			enc := json.NewEncoder(cmd.OutOrStdout())
			err = nb.Subscribe(subject, "", func(ev *bus.Event) error {
				mu.Lock()
				defer mu.Unlock()
				return enc.Encode(ev)
			})
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", subject, err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", bus.SubjectAll, "subject to follow")
	return cmd
}

func newMirrorCmd(opts *rootOptions) *cobra.Command {
	var (
		flags   uploadFlags
		backoff time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Upload every newly cached artifact to a remote endpoint",
		Long:  `Consumes cached events and uploads each artifact. "{id}" in --url is replaced by the artifact id.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			if cfg.NatsURL == "" {
				return errNoNats
			}
			target, err := flags.options()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, metrics.Noop{}, true)
			if err != nil {
				return err
			}
			defer store.Close()
			nb, err := bus.NewNatsBus(cfg.NatsURL)
			if err != nil {
				return err
			}
			defer nb.Close()

			coord := newCoordinator(cfg, store, transport.New(), nb)
			subject := bus.Subject(bus.EventCached)
			if err := nb.Subscribe(subject, mirrorQueue, coord.MirrorHandler(target, backoff)); err != nil {
				return fmt.Errorf("subscribe %s: %w", subject, err)
			}
			logging.Info("capturectl", "mirroring artifacts", "subject", subject, "url", target.URL,
				"headers", secrets.RedactHeaders(target.Headers))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
	bindUploadFlags(cmd, &flags)
	cmd.Flags().DurationVar(&backoff, "backoff", 5*time.Second, "redelivery delay after a retryable failure")
	return cmd
}
