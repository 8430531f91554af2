package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultChannelPrefix  = "flowexec:events"
	defaultPublishTimeout = 2 * time.Second
)

// RedisBus is a Publisher and Subscriber over Redis pub/sub. All subscribed
// channels share one connection and one receive loop, so events on a channel
// reach the Handler in publish order.
type RedisBus struct {
	client         *goredis.Client
	handler        Handler
	prefix         string
	publishTimeout time.Duration
	logger         *zap.Logger
	metrics        Metrics

	mu       sync.Mutex
	pubsub   *goredis.PubSub
	channels map[string]struct{}
	loopDone chan struct{}
	closed   bool
}

type RedisOption func(*RedisBus)

func WithChannelPrefix(prefix string) RedisOption {
	return func(b *RedisBus) {
		if strings.TrimSpace(prefix) != "" {
			b.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithPublishTimeout(timeout time.Duration) RedisOption {
	return func(b *RedisBus) {
		if timeout > 0 {
			b.publishTimeout = timeout
		}
	}
}

func WithLogger(logger *zap.Logger) RedisOption {
	return func(b *RedisBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithMetrics(metrics Metrics) RedisOption {
	return func(b *RedisBus) {
		if metrics != nil {
			b.metrics = metrics
		}
	}
}

// NewRedisBus creates a bus on client. handler receives events for subscribed
// channels and may be nil for publish-only processes.
func NewRedisBus(client *goredis.Client, handler Handler, opts ...RedisOption) (*RedisBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	b := &RedisBus{
		client:         client,
		handler:        handler,
		prefix:         defaultChannelPrefix,
		publishTimeout: defaultPublishTimeout,
		logger:         zap.NewNop(),
		metrics:        nopMetrics{},
		channels:       map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "event-bus"))
	return b, nil
}

// Publish sends one event. It runs synchronously so events from one caller
// keep their order, and it survives cancellation of ctx so abort and error
// events still go out after the run context is cancelled.
func (b *RedisBus) Publish(ctx context.Context, channel string, kind Kind, data any) {
	ev, err := NewEvent(channel, kind, data)
	if err != nil {
		b.metrics.PublishFailed(kind)
		b.logger.Warn("dropping invalid event", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		b.metrics.PublishFailed(kind)
		b.logger.Warn("failed to encode event", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.publishTimeout)
	defer cancel()
	if err := b.client.Publish(pctx, b.key(channel), raw).Err(); err != nil {
		b.metrics.PublishFailed(kind)
		b.logger.Warn("failed to publish event",
			zap.String("channel", channel),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return
	}
	b.metrics.EventPublished(kind)
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) error {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return fmt.Errorf("channel is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("event bus is closed")
	}
	if _, ok := b.channels[channel]; ok {
		return nil
	}

	if b.pubsub == nil {
		ps := b.client.Subscribe(ctx, b.key(channel))
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			b.logger.Warn("failed to subscribe", zap.String("channel", channel), zap.Error(err))
			return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
		}
		b.pubsub = ps
		b.loopDone = make(chan struct{})
		go b.receive(ps.Channel(), b.loopDone)
	} else if err := b.pubsub.Subscribe(ctx, b.key(channel)); err != nil {
		b.logger.Warn("failed to subscribe", zap.String("channel", channel), zap.Error(err))
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	b.channels[channel] = struct{}{}
	return nil
}

func (b *RedisBus) Unsubscribe(ctx context.Context, channel string) error {
	channel = strings.TrimSpace(channel)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.channels[channel]; !ok || b.pubsub == nil {
		return nil
	}
	delete(b.channels, channel)
	if err := b.pubsub.Unsubscribe(ctx, b.key(channel)); err != nil {
		b.logger.Warn("failed to unsubscribe", zap.String("channel", channel), zap.Error(err))
		return fmt.Errorf("failed to unsubscribe from %s: %w", channel, err)
	}
	return nil
}

// Subscribed reports whether channel is currently subscribed.
func (b *RedisBus) Subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.channels[channel]
	return ok
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ps, done := b.pubsub, b.loopDone
	b.pubsub = nil
	b.channels = map[string]struct{}{}
	b.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}

func (b *RedisBus) receive(messages <-chan *goredis.Message, done chan struct{}) {
	defer close(done)
	for msg := range messages {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			b.logger.Warn("dropping malformed event", zap.String("redis_channel", msg.Channel), zap.Error(err))
			continue
		}
		if ev.Channel == "" {
			ev.Channel = strings.TrimPrefix(msg.Channel, b.prefix+":")
		}
		if !Dispatch(b.handler, ev) {
			b.logger.Debug("ignoring event", zap.String("channel", ev.Channel), zap.String("kind", string(ev.Kind)))
		}
	}
}

func (b *RedisBus) key(channel string) string {
	return b.prefix + ":" + channel
}

var (
	_ Publisher  = (*RedisBus)(nil)
	_ Subscriber = (*RedisBus)(nil)
)
