package distributed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/flowexec/observe"
	"github.com/PipeOpsHQ/flowexec/runtime/queue"
)

type Coordinator interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	SubmitAndWait(ctx context.Context, req SubmitRequest) (queue.Result, error)
	AwaitResult(ctx context.Context, jobID string) (queue.Result, error)
	Abort(ctx context.Context, flowID, chatID string) error
	Counts(ctx context.Context) (queue.Counts, error)
	ListJobs(ctx context.Context, limit int) ([]queue.JobInfo, error)
	ListFailed(ctx context.Context, limit int) ([]queue.FailedJob, error)
	ListEvents(ctx context.Context, limit int) ([]queue.LifecycleEvent, error)
	Purge(ctx context.Context) error
}

type CoordinatorConfig struct {
	Policy RuntimePolicy
	// Registry is shared with in-process workers so local aborts need no relay.
	Registry *AbortRegistry
	Relay    AbortBroadcaster
	Observer observe.Sink
	Metrics  QueueMetrics
	Logger   *zap.Logger
}

type coordinator struct {
	queue    queue.Queue
	registry *AbortRegistry
	relay    AbortBroadcaster
	observer observe.Sink
	metrics  QueueMetrics
	policy   RuntimePolicy
	logger   *zap.Logger
	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewCoordinator(queueStore queue.Queue, cfg CoordinatorConfig) (Coordinator, error) {
	if queueStore == nil {
		return nil, fmt.Errorf("queue is required")
	}
	c := &coordinator{
		queue:    queueStore,
		registry: cfg.Registry,
		relay:    cfg.Relay,
		observer: cfg.Observer,
		metrics:  cfg.Metrics,
		policy:   NormalizeRuntimePolicy(cfg.Policy),
		logger:   cfg.Logger,
	}
	if c.registry == nil {
		c.registry = NewAbortRegistry()
	}
	if c.metrics == nil {
		c.metrics = nopMetrics{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("component", "coordinator"))
	return c, nil
}

// Start samples queue counts until ctx is done or Stop is called.
func (c *coordinator) Start(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("coordinator is nil")
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: %w", ErrAlreadyStarted)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.started = true
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.started = false
		c.cancel = nil
		if c.done == done {
			close(done)
			c.done = nil
		}
		c.mu.Unlock()
	}()

	ticker := time.NewTicker(c.policy.QueueRefresh)
	defer ticker.Stop()
	c.sample(runCtx)
	for {
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case <-ticker.C:
			c.sample(runCtx)
		}
	}
}

func (c *coordinator) Stop(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return nil
	}
	if ctx == nil {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *coordinator) sample(ctx context.Context) {
	counts, err := c.queue.Counts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("failed to sample queue counts", zap.Error(err))
		}
		return
	}
	c.metrics.ObserveQueue(counts)
}

// Submit validates and enqueues a job. Bad input is rejected here and never
// reaches the queue.
func (c *coordinator) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if strings.TrimSpace(req.FlowID) == "" {
		return SubmitResult{}, fmt.Errorf("%w: flowId is required", queue.ErrInvalidJob)
	}
	if strings.TrimSpace(req.Question) == "" {
		return SubmitResult{}, fmt.Errorf("%w: question is required", queue.ErrInvalidJob)
	}
	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		jobID = uuid.NewString()
	}
	chatID := strings.TrimSpace(req.ChatID)
	if chatID == "" {
		chatID = uuid.NewString()
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = chatID
	}
	chatMessageID := strings.TrimSpace(req.ChatMessageID)
	if chatMessageID == "" {
		chatMessageID = uuid.NewString()
	}
	now := time.Now().UTC()
	job := queue.Job{
		ID:            jobID,
		FlowID:        strings.TrimSpace(req.FlowID),
		ChatID:        chatID,
		SessionID:     sessionID,
		ChatMessageID: chatMessageID,
		Question:      req.Question,
		History:       req.History,
		Streaming:     req.Streaming,
		EmitMetadata:  req.EmitMetadata,
		Overrides:     req.Overrides,
		Metadata:      req.Metadata,
		EnqueuedAt:    now,
	}
	if err := job.Validate(); err != nil {
		return SubmitResult{}, err
	}
	if _, err := c.queue.Enqueue(ctx, job); err != nil {
		return SubmitResult{}, fmt.Errorf("failed to enqueue job: %w", err)
	}
	c.emit(ctx, observe.Event{
		Kind:       observe.KindQueue,
		Status:     observe.StatusStarted,
		Name:       "queue.enqueued",
		JobID:      jobID,
		FlowID:     job.FlowID,
		ChatID:     chatID,
		Attributes: map[string]any{"sessionId": sessionID, "streaming": req.Streaming},
	})
	return SubmitResult{
		JobID:         jobID,
		ChatID:        chatID,
		SessionID:     sessionID,
		ChatMessageID: chatMessageID,
		EnqueuedAt:    now,
	}, nil
}

// SubmitAndWait enqueues a job and blocks until a worker hands back its
// result. A failed job returns its result together with ErrJobFailed.
func (c *coordinator) SubmitAndWait(ctx context.Context, req SubmitRequest) (queue.Result, error) {
	submitted, err := c.Submit(ctx, req)
	if err != nil {
		return queue.Result{}, err
	}
	result, err := c.AwaitResult(ctx, submitted.JobID)
	if result.JobID == "" {
		result.JobID = submitted.JobID
		result.ChatID = submitted.ChatID
	}
	return result, err
}

// AwaitResult blocks until the worker hands back the result of an already
// submitted job, for at most the policy's await timeout.
func (c *coordinator) AwaitResult(ctx context.Context, jobID string) (queue.Result, error) {
	result, err := c.queue.AwaitResult(ctx, jobID, c.policy.AwaitTimeout)
	if err != nil {
		return queue.Result{}, fmt.Errorf("job %s: %w", jobID, err)
	}
	if result.Failed() {
		return result, fmt.Errorf("%w: %s", ErrJobFailed, result.Error)
	}
	return result, nil
}

// Abort cancels the runs of flowID in chatID, here and, through the relay,
// in every other process.
func (c *coordinator) Abort(ctx context.Context, flowID, chatID string) error {
	if strings.TrimSpace(flowID) == "" || strings.TrimSpace(chatID) == "" {
		return fmt.Errorf("%w: flowId and chatId are required", queue.ErrInvalidJob)
	}
	key := queue.AbortKey(flowID, chatID)
	local := c.registry.Abort(key)
	var relayErr error
	if c.relay != nil {
		if err := c.relay.Broadcast(ctx, key); err != nil {
			relayErr = fmt.Errorf("failed to broadcast abort: %w", err)
		}
	}
	c.logger.Info("abort requested", zap.String("key", key), zap.Bool("local", local))
	c.emit(ctx, observe.Event{
		Kind:       observe.KindRun,
		Status:     observe.StatusFailed,
		Name:       "run.aborted",
		FlowID:     flowID,
		ChatID:     chatID,
		Message:    "abort requested",
		Attributes: map[string]any{"local": local},
	})
	if relayErr != nil && !local {
		return relayErr
	}
	if c.relay == nil && !local {
		return fmt.Errorf("no running job for %s: %w", key, queue.ErrJobNotFound)
	}
	return nil
}

func (c *coordinator) Counts(ctx context.Context) (queue.Counts, error) {
	return c.queue.Counts(ctx)
}

func (c *coordinator) ListJobs(ctx context.Context, limit int) ([]queue.JobInfo, error) {
	return c.queue.List(ctx, limit)
}

func (c *coordinator) ListFailed(ctx context.Context, limit int) ([]queue.FailedJob, error) {
	return c.queue.ListFailed(ctx, limit)
}

func (c *coordinator) ListEvents(ctx context.Context, limit int) ([]queue.LifecycleEvent, error) {
	return c.queue.ListEvents(ctx, limit)
}

func (c *coordinator) Purge(ctx context.Context) error {
	if err := c.queue.Purge(ctx); err != nil {
		return err
	}
	c.logger.Warn("queue purged")
	return nil
}

func (c *coordinator) emit(ctx context.Context, event observe.Event) {
	if c == nil || c.observer == nil {
		return
	}
	event.Normalize()
	_ = c.observer.Emit(ctx, event)
}

// IsTimeout reports whether err means a synchronous caller gave up waiting.
func IsTimeout(err error) bool {
	return errors.Is(err, queue.ErrResultTimeout) || errors.Is(err, context.DeadlineExceeded)
}

var _ Coordinator = (*coordinator)(nil)
