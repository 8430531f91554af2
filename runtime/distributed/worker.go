package distributed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/PipeOpsHQ/flowexec/observe"
	"github.com/PipeOpsHQ/flowexec/runtime/queue"
	"github.com/PipeOpsHQ/flowexec/stream"
)

type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type WorkerConfig struct {
	WorkerID    string
	Concurrency int
}

type worker struct {
	cfg       WorkerConfig
	queue     queue.Queue
	deps      Dependencies
	registry  *AbortRegistry
	policy    RuntimePolicy
	processor ProcessFunc
	metrics   WorkerMetrics
	logger    *zap.Logger
	slots     *semaphore.Weighted
	inflight  sync.WaitGroup

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	jobCancel context.CancelFunc
	done      chan struct{}
}

// NewWorker builds a pool that runs at most cfg.Concurrency jobs at once.
// When every slot is busy the worker stops dequeuing until one frees.
func NewWorker(cfg WorkerConfig, queueStore queue.Queue, deps Dependencies, registry *AbortRegistry, policy RuntimePolicy, processor ProcessFunc, metrics WorkerMetrics) (Worker, error) {
	if queueStore == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if deps.Saver == nil {
		return nil, fmt.Errorf("checkpoint saver is required")
	}
	if strings.TrimSpace(cfg.WorkerID) == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if registry == nil {
		registry = NewAbortRegistry()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if deps.Observer == nil {
		deps.Observer = observe.NoopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &worker{
		cfg:       cfg,
		queue:     queueStore,
		deps:      deps,
		registry:  registry,
		policy:    NormalizeRuntimePolicy(policy),
		processor: processor,
		metrics:   metrics,
		logger:    deps.Logger.With(zap.String("component", "worker"), zap.String("worker_id", cfg.WorkerID)),
		slots:     semaphore.NewWeighted(int64(cfg.Concurrency)),
	}, nil
}

func (w *worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("worker %s: %w", w.cfg.WorkerID, ErrAlreadyStarted)
	}
	runCtx, cancel := context.WithCancel(ctx)
	// Jobs outlive the claim loop so Stop can drain them.
	jobCtx, jobCancel := context.WithCancel(context.WithoutCancel(ctx))
	w.started = true
	w.cancel = cancel
	w.jobCancel = jobCancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	defer func() {
		cancel()
		w.inflight.Wait()
		jobCancel()
		w.mu.Lock()
		w.started = false
		w.cancel = nil
		w.jobCancel = nil
		if w.done == done {
			close(done)
			w.done = nil
		}
		w.mu.Unlock()
		w.logger.Info("worker stopped")
	}()

	w.logger.Info("worker started", zap.Int("concurrency", w.cfg.Concurrency))
	go w.heartbeat(runCtx)

	for {
		if err := w.slots.Acquire(runCtx, 1); err != nil {
			return runCtx.Err()
		}
		deliveries, err := w.queue.Claim(runCtx, w.cfg.WorkerID, w.policy.ClaimBlock, 1)
		if err != nil || len(deliveries) == 0 {
			w.slots.Release(1)
			if err != nil && runCtx.Err() == nil {
				w.logger.Warn("failed to claim job", zap.Error(err))
			}
			select {
			case <-runCtx.Done():
				return runCtx.Err()
			case <-time.After(w.policy.PollInterval):
			}
			continue
		}
		delivery := deliveries[0]
		w.inflight.Add(1)
		go func() {
			defer w.inflight.Done()
			defer w.slots.Release(1)
			w.handleDelivery(jobCtx, delivery)
		}()
	}
}

// Stop ends the claim loop and waits for running jobs. If ctx expires first
// the remaining jobs are cancelled.
func (w *worker) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	cancel := w.cancel
	jobCancel := w.jobCancel
	done := w.done
	w.mu.Unlock()
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
		if jobCancel != nil {
			jobCancel()
		}
		<-done
		return ctx.Err()
	}
}

func (w *worker) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(w.policy.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.emit(ctx, observe.Event{
				Kind:   observe.KindCustom,
				Status: observe.StatusCompleted,
				Name:   "worker.heartbeat",
				Attributes: map[string]any{
					"workerId":    w.cfg.WorkerID,
					"concurrency": w.cfg.Concurrency,
				},
			})
		}
	}
}

func (w *worker) handleDelivery(ctx context.Context, delivery queue.Delivery) {
	job := delivery.Job
	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("chat_id", job.ChatID), zap.String("flow_id", job.FlowID))
	if delivery.Duplicate {
		w.rejectDuplicate(ctx, job, logger)
		return
	}
	runCtx, release := w.registry.Register(ctx, job.AbortKey())
	defer release()

	pub := newTrackingPublisher(w.deps.Publisher)
	deps := w.deps
	deps.Publisher = pub
	deps.Logger = logger

	started := time.Now()
	w.metrics.JobStarted()
	w.emit(ctx, observe.Event{
		Kind:       observe.KindRun,
		Status:     observe.StatusStarted,
		Name:       "job.started",
		JobID:      job.ID,
		FlowID:     job.FlowID,
		ChatID:     job.ChatID,
		Attributes: map[string]any{"workerId": w.cfg.WorkerID},
	})
	logger.Info("job started")

	result, runErr := w.process(runCtx, job, deps)
	elapsed := time.Since(started)

	status := JobStatusCompleted
	if runErr != nil {
		status = JobStatusFailed
		if Aborted(runCtx) {
			status = JobStatusAborted
		}
		switch {
		case pub.terminated():
		case status == JobStatusAborted:
			pub.Publish(ctx, job.ChatID, stream.KindAbort, stream.DoneMarker)
		default:
			pub.Publish(ctx, job.ChatID, stream.KindError, runErr.Error())
		}
		result = fillResult(result, job)
		result.Error = runErr.Error()
		result.Aborted = status == JobStatusAborted
		if err := w.queue.Fail(ctx, delivery, runErr.Error()); err != nil {
			logger.Warn("failed to record job failure", zap.Error(err))
		}
		logger.Error("job failed", zap.String("status", status), zap.Duration("elapsed", elapsed), zap.Error(runErr))
	} else {
		if !pub.terminated() {
			pub.Publish(ctx, job.ChatID, stream.KindEnd, stream.DoneMarker)
		}
		result = fillResult(result, job)
		if err := w.queue.Complete(ctx, delivery); err != nil {
			logger.Warn("failed to record job completion", zap.Error(err))
		}
		logger.Info("job completed", zap.Duration("elapsed", elapsed))
	}
	w.metrics.JobFinished(status, elapsed)

	if err := w.queue.PutResult(ctx, job.ID, result); err != nil {
		logger.Warn("failed to hand back job result", zap.Error(err))
	}

	ev := observe.Event{
		Kind:       observe.KindRun,
		Status:     observe.StatusCompleted,
		Name:       "job." + status,
		JobID:      job.ID,
		FlowID:     job.FlowID,
		ChatID:     job.ChatID,
		DurationMs: elapsed.Milliseconds(),
		Attributes: map[string]any{"workerId": w.cfg.WorkerID},
	}
	if runErr != nil {
		ev.Status = observe.StatusFailed
		ev.Error = runErr.Error()
	}
	w.emit(ctx, ev)
}

// rejectDuplicate answers a job whose id is already claimed by another run.
// The job never executes, but its chat still gets a terminal error event and
// any waiter gets an error result.
func (w *worker) rejectDuplicate(ctx context.Context, job queue.Job, logger *zap.Logger) {
	reason := fmt.Sprintf("job id %s is already claimed by another run", job.ID)
	if w.deps.Publisher != nil {
		w.deps.Publisher.Publish(ctx, job.ChatID, stream.KindError, reason)
	}
	result := fillResult(queue.Result{}, job)
	result.Error = reason
	if err := w.queue.PutResult(ctx, job.ID, result); err != nil {
		logger.Warn("failed to hand back duplicate job result", zap.Error(err))
	}
	logger.Warn("duplicate job rejected")
	w.emit(ctx, observe.Event{
		Kind:       observe.KindRun,
		Status:     observe.StatusFailed,
		Name:       "job.duplicate",
		JobID:      job.ID,
		FlowID:     job.FlowID,
		ChatID:     job.ChatID,
		Error:      reason,
		Attributes: map[string]any{"workerId": w.cfg.WorkerID},
	})
}

func (w *worker) process(ctx context.Context, job queue.Job, deps Dependencies) (result queue.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			deps.Logger.Error("job panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	return w.processor(ctx, job, deps)
}

func fillResult(result queue.Result, job queue.Job) queue.Result {
	result.JobID = job.ID
	if result.ChatID == "" {
		result.ChatID = job.ChatID
	}
	if result.SessionID == "" {
		result.SessionID = job.SessionID
	}
	if result.ChatMessageID == "" {
		result.ChatMessageID = job.ChatMessageID
	}
	if result.Question == "" {
		result.Question = job.Question
	}
	return result
}

func (w *worker) emit(ctx context.Context, event observe.Event) {
	if w == nil || w.deps.Observer == nil {
		return
	}
	event.Normalize()
	_ = w.deps.Observer.Emit(ctx, event)
}

var _ Worker = (*worker)(nil)
