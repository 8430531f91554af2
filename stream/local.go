package stream

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// LocalBus delivers events in-process. It is used when the API and the
// workers share one process and no Redis is configured.
type LocalBus struct {
	handler Handler
	logger  *zap.Logger
	metrics Metrics

	mu       sync.RWMutex
	channels map[string]struct{}
}

func NewLocalBus(handler Handler, logger *zap.Logger, metrics Metrics) *LocalBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &LocalBus{
		handler:  handler,
		logger:   logger.With(zap.String("component", "event-bus")),
		metrics:  metrics,
		channels: map[string]struct{}{},
	}
}

func (b *LocalBus) Publish(_ context.Context, channel string, kind Kind, data any) {
	ev, err := NewEvent(channel, kind, data)
	if err != nil {
		b.metrics.PublishFailed(kind)
		b.logger.Warn("dropping invalid event", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	b.metrics.EventPublished(kind)

	b.mu.RLock()
	_, ok := b.channels[channel]
	b.mu.RUnlock()
	if !ok {
		return
	}
	Dispatch(b.handler, ev)
}

func (b *LocalBus) Subscribe(_ context.Context, channel string) error {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil
	}
	b.mu.Lock()
	b.channels[channel] = struct{}{}
	b.mu.Unlock()
	return nil
}

func (b *LocalBus) Unsubscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	delete(b.channels, strings.TrimSpace(channel))
	b.mu.Unlock()
	return nil
}

func (b *LocalBus) Close() error { return nil }

var (
	_ Publisher  = (*LocalBus)(nil)
	_ Subscriber = (*LocalBus)(nil)
)
