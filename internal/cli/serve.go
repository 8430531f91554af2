package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/PipeOpsHQ/flowexec/api"
	"github.com/PipeOpsHQ/flowexec/runner"
	"github.com/PipeOpsHQ/flowexec/runtime/distributed"
	"github.com/PipeOpsHQ/flowexec/stream"
)

type serveOptions struct {
	api         bool
	workers     bool
	concurrency int
	metricsAddr string
}

func newAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve the HTTP API (submission, streaming, abort, admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return serve(ctx, a, serveOptions{api: true})
			})
		},
	}
}

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker pool that executes queued jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return serve(ctx, a, serveOptions{workers: true, concurrency: concurrency, metricsAddr: metricsAddr})
			})
		},
	}
	cmd.Flags().Int("concurrency", 0, "maximum jobs run at once (overrides WORKER_CONCURRENCY)")
	cmd.Flags().String("metrics-addr", "", "serve /metrics and /healthz on this address")
	return cmd
}

func newAllCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Run the HTTP API and a worker pool in one process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return serve(ctx, a, serveOptions{api: true, workers: true, concurrency: concurrency})
			})
		},
	}
	cmd.Flags().Int("concurrency", 0, "maximum jobs run at once (overrides WORKER_CONCURRENCY)")
	return cmd
}

// serve runs the selected roles until ctx is done. Roles share one bus, so
// in local mode the API sees the events of in-process workers directly.
func serve(ctx context.Context, a *app, opts serveOptions) error {
	var hub *stream.Hub
	if opts.api {
		hub = stream.NewHub(a.logger, 0, a.metrics)
	}
	publisher, subscriber, err := a.eventBus(ctx, hub)
	if err != nil {
		return err
	}
	saver, err := a.checkpointSaver(ctx)
	if err != nil {
		return err
	}
	observer, err := a.telemetrySink(ctx)
	if err != nil {
		return err
	}
	relay, err := a.abortRelay(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(relay.Run(gctx)) })

	if opts.api {
		coord, err := a.coordinator(ctx)
		if err != nil {
			return err
		}
		server, err := api.NewServer(api.Config{
			Addr:           a.cfg.HTTP.Addr,
			Coordinator:    coord,
			Saver:          saver,
			Flows:          configuredFlows(a.cfg.Flows),
			Hub:            hub,
			Subscriber:     subscriber,
			Metrics:        a.metrics,
			MetricsHandler: a.metrics.Handler(),
			CORSOrigins:    a.cfg.HTTP.CORSOrigins,
			WaitTimeout:    a.cfg.HTTP.WaitTimeout,
			ShutdownWait:   a.cfg.HTTP.ShutdownWait,
			Logger:         a.logger,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return ignoreCanceled(coord.Start(gctx)) })
		g.Go(func() error { return server.ListenAndServe(gctx) })
	}

	if opts.workers {
		q, err := a.jobQueue(ctx)
		if err != nil {
			return err
		}
		flows, err := buildFlows(ctx, a.cfg, geminiProvider(a.cfg.Provider.GeminiAPIKey), observer, a.logger)
		if err != nil {
			return err
		}
		concurrency := a.cfg.Queue.Concurrency
		if opts.concurrency > 0 {
			concurrency = opts.concurrency
		}
		worker, err := distributed.NewWorker(
			distributed.WorkerConfig{Concurrency: concurrency},
			q,
			distributed.Dependencies{Saver: saver, Publisher: publisher, Observer: observer, Logger: a.logger},
			a.registry,
			a.runtimePolicy(),
			runner.Processor(flows, runner.WithMemoryType(a.memoryType())),
			a.metrics,
		)
		if err != nil {
			return err
		}
		g.Go(func() error { return ignoreCanceled(worker.Start(gctx)) })
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.HTTP.ShutdownWait)
			defer cancel()
			if err := worker.Stop(stopCtx); err != nil {
				a.logger.Warn("worker drain cut short, running jobs cancelled", zap.Error(err))
			}
			return nil
		})
		if opts.metricsAddr != "" {
			g.Go(func() error { return serveMetrics(gctx, a, opts.metricsAddr) })
		}
	}

	a.logger.Info("flowexec started",
		zap.String("mode", a.cfg.Mode),
		zap.Bool("api", opts.api),
		zap.Bool("workers", opts.workers),
	)
	return g.Wait()
}

// serveMetrics exposes the collector for worker-only processes, which have
// no API server to mount it on.
func serveMetrics(ctx context.Context, a *app, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.logger.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
