package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cordum/capturekit/core/capture/synthetic"
	"github.com/cordum/capturekit/core/controlplane/gateway"
	"github.com/cordum/capturekit/core/infra/buildinfo"
	"github.com/cordum/capturekit/core/infra/bus"
	"github.com/cordum/capturekit/core/infra/cache"
	"github.com/cordum/capturekit/core/infra/config"
	"github.com/cordum/capturekit/core/infra/logging"
	"github.com/cordum/capturekit/core/infra/metrics"
	"github.com/cordum/capturekit/core/infra/transport"
	"github.com/cordum/capturekit/core/pipeline"
	"github.com/cordum/capturekit/core/recording"
)

const metricsNamespace = "capture"

func newServeCmd(opts *rootOptions) *cobra.Command {
	var mock bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture gateway, cache pruner and metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("mock-device") {
				cfg.MockDevice = mock
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().BoolVar(&mock, "mock-device", false, "attach a synthetic camera and microphone (default $CAPTURE_MOCK_DEVICE)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	buildinfo.Log("capturectl serve")
	m := metrics.NewProm(metricsNamespace)

	store, err := openStore(ctx, cfg, m, false)
	if err != nil {
		return err
	}
	defer store.Close()

	publisher, closeBus, err := connectBus(cfg.NatsURL)
	if err != nil {
		return err
	}
	defer closeBus()

	coord := newCoordinator(cfg, store, transport.New(transport.WithMetrics(m)), publisher)

	var engine *recording.Engine
	if cfg.MockDevice {
		dev, err := synthetic.NewDevice(synthetic.Options{Video: true, Audio: true})
		if err != nil {
			return err
		}
		defer dev.Stop()
		engine = recording.NewEngine(dev, synthetic.RecorderFactory{},
			recording.WithMetrics(m),
			recording.WithTimeslice(cfg.Timeslice),
		)
		logging.Info("capturectl", "synthetic device attached")
	} else {
		logging.Warn("capturectl", "no capture device attached; recording routes disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		store.RunPruner(gctx, cfg.PruneInterval)
		return nil
	})
	g.Go(func() error {
		return gateway.Run(gctx, gateway.Deps{
			Engine:   engine,
			Pipeline: coord,
			Cache:    store,
			Metrics:  metrics.NewGatewayProm(metricsNamespace),
			APIKey:   os.Getenv("CAPTURE_API_KEY"),
		}, cfg.HTTPAddr, cfg.MetricsAddr)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// connectBus returns a nil Publisher when url is empty so the pipeline skips events.
func connectBus(url string) (pipeline.Publisher, func(), error) {
	if url == "" {
		return nil, func() {}, nil
	}
	nb, err := bus.NewNatsBus(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	return nb, nb.Close, nil
}

func newCoordinator(cfg *config.Config, store *cache.Store, up *transport.Uploader, pub pipeline.Publisher) *pipeline.Coordinator {
	return pipeline.New(store, up, pub, pipeline.Options{
		Prefix:    cfg.ArtifactPrefix,
		Retention: cfg.Retention,
		UploadDefaults: transport.Options{
			Headers: cfg.UploadHeaders,
			Timeout: cfg.UploadTimeout,
		},
	})
}

func openStore(ctx context.Context, cfg *config.Config, m metrics.Metrics, skipPrune bool) (*cache.Store, error) {
	return cache.OpenURL(ctx, cfg.RedisURL, cache.Config{
		DBName:           cfg.DBName,
		StoreName:        cfg.StoreName,
		DefaultRetention: cfg.Retention,
		SkipInitialPrune: skipPrune,
		Metrics:          m,
	})
}
