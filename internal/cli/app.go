package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/flowexec/internal/config"
	"github.com/PipeOpsHQ/flowexec/internal/logging"
	"github.com/PipeOpsHQ/flowexec/internal/metrics"
	"github.com/PipeOpsHQ/flowexec/internal/telemetry"
	"github.com/PipeOpsHQ/flowexec/observe"
	observeotel "github.com/PipeOpsHQ/flowexec/observe/otel"
	"github.com/PipeOpsHQ/flowexec/runtime/distributed"
	"github.com/PipeOpsHQ/flowexec/runtime/queue/redisstreams"
	"github.com/PipeOpsHQ/flowexec/state"
	statefactory "github.com/PipeOpsHQ/flowexec/state/factory"
	"github.com/PipeOpsHQ/flowexec/stream"
)

// app holds the process-wide handles every command builds on. Each field is
// created on first use and released by close in reverse order.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector

	redis    *goredis.Client
	queue    *redisstreams.Queue
	saver    state.Saver
	observer observe.Sink
	registry *distributed.AbortRegistry

	closers []func(context.Context) error
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.NewCollector(metrics.DefaultNamespace, logger),
		registry: distributed.NewAbortRegistry(),
	}
	a.onClose(func(context.Context) error {
		_ = logger.Sync()
		return nil
	})
	return a, nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) redisClient(ctx context.Context) (*goredis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client, err := a.cfg.Redis.NewRedisClient()
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	a.redis = client
	a.onClose(func(context.Context) error { return client.Close() })
	return client, nil
}

func (a *app) jobQueue(ctx context.Context) (*redisstreams.Queue, error) {
	if a.queue != nil {
		return a.queue, nil
	}
	client, err := a.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	q := a.cfg.Queue
	store, err := redisstreams.New("",
		redisstreams.WithClient(client),
		redisstreams.WithPrefix(q.Name),
		redisstreams.WithGroup(q.Group),
		redisstreams.WithEventsMaxLen(q.EventsMaxLen),
		redisstreams.WithRetainFailed(q.RetainFailed),
		redisstreams.WithResultTTL(q.ResultTTL),
		redisstreams.WithLogger(a.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open job queue: %w", err)
	}
	a.queue = store
	a.onClose(func(context.Context) error { return store.Close() })
	return store, nil
}

// checkpointSaver opens the configured backend, instrumented with the
// checkpoint operation counters.
func (a *app) checkpointSaver(ctx context.Context) (state.Saver, error) {
	if a.saver != nil {
		return a.saver, nil
	}
	c := a.cfg.Checkpoint
	opts := statefactory.Options{
		Backend:    c.Backend,
		Table:      c.Table,
		SQLitePath: c.SQLitePath,
		Postgres: statefactory.PostgresOptions{
			Host:     c.Postgres.Host,
			Port:     c.Postgres.Port,
			Database: c.Postgres.Database,
			User:     c.Postgres.User,
			Password: c.Postgres.Password,
			SSLMode:  c.Postgres.SSLMode,
		},
		RedisPrefix: c.RedisPrefix,
		RedisTTL:    c.RedisTTL,
	}
	if strings.EqualFold(strings.TrimSpace(c.Backend), "redis") {
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		opts.RedisClient = client
	}
	saver, err := statefactory.New(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	a.onClose(func(context.Context) error { return saver.Close() })
	a.saver = state.Instrument(saver, a.metrics)
	a.logger.Info("checkpoint store ready", zap.String("backend", a.memoryType()))
	return a.saver, nil
}

func (a *app) memoryType() string {
	backend := strings.ToLower(strings.TrimSpace(a.cfg.Checkpoint.Backend))
	if backend == "" {
		return "sqlite"
	}
	return backend
}

// telemetrySink fans observe events out to the log and to OpenTelemetry
// spans. Delivery is asynchronous so slow exporters never stall a job.
func (a *app) telemetrySink(ctx context.Context) (observe.Sink, error) {
	if a.observer != nil {
		return a.observer, nil
	}
	tp, err := telemetry.Setup(ctx, a.cfg.Telemetry, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	a.onClose(tp.Shutdown)

	async := observe.NewAsyncSink(observe.NewMultiSink(
		observe.NewLogSink(a.logger),
		observe.NewFilterSink(observeotel.NewSink(tp.TracerProvider), observe.SkipNames("worker.heartbeat")),
	), 1024)
	a.onClose(func(context.Context) error {
		async.Close()
		if dropped := async.Dropped(); dropped > 0 {
			a.logger.Warn("telemetry events dropped", zap.Int64("dropped", dropped))
		}
		return nil
	})
	a.observer = async
	return async, nil
}

// eventBus returns the publisher and subscriber for this process. Local mode
// keeps events in-process; distributed mode goes through Redis pub/sub.
// hub may be nil for publish-only processes.
func (a *app) eventBus(ctx context.Context, hub *stream.Hub) (stream.Publisher, stream.Subscriber, error) {
	var handler stream.Handler
	if hub != nil {
		handler = hub
	}
	if a.cfg.Mode == config.ModeLocal {
		bus := stream.NewLocalBus(handler, a.logger, a.metrics)
		return bus, bus, nil
	}
	client, err := a.redisClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	bus, err := stream.NewRedisBus(client, handler,
		stream.WithChannelPrefix(a.cfg.Bus.ChannelPrefix),
		stream.WithLogger(a.logger),
		stream.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, nil, err
	}
	a.onClose(func(context.Context) error { return bus.Close() })
	return bus, bus, nil
}

func (a *app) abortRelay(ctx context.Context) (*distributed.RedisAbortRelay, error) {
	client, err := a.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	return distributed.NewRedisAbortRelay(client, a.registry, a.cfg.Bus.AbortChannel, a.logger), nil
}

func (a *app) runtimePolicy() distributed.RuntimePolicy {
	policy := distributed.DefaultRuntimePolicy()
	policy.ClaimBlock = a.cfg.Queue.ClaimBlock
	policy.AwaitTimeout = a.cfg.HTTP.WaitTimeout
	return policy
}

func (a *app) coordinator(ctx context.Context) (distributed.Coordinator, error) {
	q, err := a.jobQueue(ctx)
	if err != nil {
		return nil, err
	}
	observer, err := a.telemetrySink(ctx)
	if err != nil {
		return nil, err
	}
	relay, err := a.abortRelay(ctx)
	if err != nil {
		return nil, err
	}
	return distributed.NewCoordinator(q, distributed.CoordinatorConfig{
		Policy:   a.runtimePolicy(),
		Registry: a.registry,
		Relay:    relay,
		Observer: observer,
		Metrics:  a.metrics,
		Logger:   a.logger,
	})
}
