package distributed

import (
	"context"
	"errors"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrAbortRequested is the cancellation cause of an aborted job context.
var ErrAbortRequested = errors.New("abort requested")

// AbortRegistry maps a (flow, chat) key to the cancel functions of the jobs
// running under it in this process.
type AbortRegistry struct {
	mu      sync.Mutex
	next    uint64
	entries map[string]map[uint64]context.CancelCauseFunc
}

func NewAbortRegistry() *AbortRegistry {
	return &AbortRegistry{entries: map[string]map[uint64]context.CancelCauseFunc{}}
}

// Register derives a cancellable context for key. The returned release func
// must be called when the job ends.
func (r *AbortRegistry) Register(parent context.Context, key string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	r.mu.Lock()
	id := r.next
	r.next++
	set, ok := r.entries[key]
	if !ok {
		set = map[uint64]context.CancelCauseFunc{}
		r.entries[key] = set
	}
	set[id] = cancel
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		if set, ok := r.entries[key]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.entries, key)
			}
		}
		r.mu.Unlock()
		cancel(nil)
	}
	return ctx, release
}

// Abort cancels every job registered under key and reports whether any was.
func (r *AbortRegistry) Abort(key string) bool {
	r.mu.Lock()
	set := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	for _, cancel := range set {
		cancel(ErrAbortRequested)
	}
	return len(set) > 0
}

// Active reports whether a job is registered under key.
func (r *AbortRegistry) Active(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries[key]) > 0
}

// Aborted reports whether ctx was cancelled by Abort.
func Aborted(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrAbortRequested)
}

// AbortBroadcaster fans an abort request out to other processes.
type AbortBroadcaster interface {
	Broadcast(ctx context.Context, key string) error
}

const defaultAbortChannel = "flowexec:abort"

// RedisAbortRelay carries abort requests over Redis pub/sub so the worker
// running a job cancels it even when the request reached another process.
type RedisAbortRelay struct {
	client   *goredis.Client
	registry *AbortRegistry
	channel  string
	logger   *zap.Logger
}

func NewRedisAbortRelay(client *goredis.Client, registry *AbortRegistry, channel string, logger *zap.Logger) *RedisAbortRelay {
	if strings.TrimSpace(channel) == "" {
		channel = defaultAbortChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisAbortRelay{
		client:   client,
		registry: registry,
		channel:  channel,
		logger:   logger.With(zap.String("component", "abort-relay")),
	}
}

func (r *RedisAbortRelay) Broadcast(ctx context.Context, key string) error {
	return r.client.Publish(ctx, r.channel, key).Err()
}

// Run listens for abort requests until ctx is done.
func (r *RedisAbortRelay) Run(ctx context.Context) error {
	ps := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = ps.Close() }()
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	messages := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if r.registry.Abort(msg.Payload) {
				r.logger.Info("aborted job from relay", zap.String("key", msg.Payload))
			}
		}
	}
}
