// Package redisstreams implements queue.Queue on a Redis Streams consumer
// group. Enqueue refuses a job id it has already seen, and a per-job claim
// lock keeps an id that reached the stream twice from running on two workers.
package redisstreams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/flowexec/runtime/queue"
)

const (
	defaultPrefix       = "flowexec:queue"
	defaultGroup        = "workers"
	defaultEventsMaxLen = 10000
	defaultResultTTL    = 10 * time.Minute
	defaultClaimTTL     = 24 * time.Hour
	defaultAwaitTimeout = 5 * time.Minute
	defaultListLimit    = 50
)

type Queue struct {
	client       *goredis.Client
	ownsConn     bool
	addr         string
	password     string
	db           int
	prefix       string
	group        string
	eventsMaxLen int64
	retainFailed bool
	resultTTL    time.Duration
	claimTTL     time.Duration
	logger       *zap.Logger

	jobStream    string
	failedStream string
	eventStream  string
}

type Option func(*Queue)

func WithClient(client *goredis.Client) Option {
	return func(q *Queue) {
		if client != nil {
			q.client = client
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(q *Queue) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			q.prefix = prefix
		}
	}
}

func WithGroup(group string) Option {
	return func(q *Queue) {
		group = strings.TrimSpace(group)
		if group != "" {
			q.group = group
		}
	}
}

func WithPassword(password string) Option {
	return func(q *Queue) { q.password = password }
}

func WithDB(db int) Option {
	return func(q *Queue) { q.db = db }
}

func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithEventsMaxLen bounds the lifecycle events stream.
func WithEventsMaxLen(n int64) Option {
	return func(q *Queue) {
		if n > 0 {
			q.eventsMaxLen = n
		}
	}
}

// WithRetainFailed keeps failed jobs in a separate stream for inspection.
func WithRetainFailed(retain bool) Option {
	return func(q *Queue) { q.retainFailed = retain }
}

func WithResultTTL(ttl time.Duration) Option {
	return func(q *Queue) {
		if ttl > 0 {
			q.resultTTL = ttl
		}
	}
}

// WithClaimTTL sets how long a job id stays claimed after a worker takes it.
func WithClaimTTL(ttl time.Duration) Option {
	return func(q *Queue) {
		if ttl > 0 {
			q.claimTTL = ttl
		}
	}
}

func New(addr string, opts ...Option) (*Queue, error) {
	q := &Queue{
		addr:         strings.TrimSpace(addr),
		prefix:       defaultPrefix,
		group:        defaultGroup,
		eventsMaxLen: defaultEventsMaxLen,
		resultTTL:    defaultResultTTL,
		claimTTL:     defaultClaimTTL,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.client == nil {
		if q.addr == "" {
			return nil, fmt.Errorf("redis addr is required")
		}
		q.client = goredis.NewClient(&goredis.Options{Addr: q.addr, Password: q.password, DB: q.db})
		q.ownsConn = true
	}
	q.logger = q.logger.With(zap.String("component", "queue"), zap.String("queue", q.prefix))
	if err := q.client.Ping(context.Background()).Err(); err != nil {
		if q.ownsConn {
			_ = q.client.Close()
		}
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	q.jobStream = q.prefix + ":jobs"
	q.failedStream = q.prefix + ":failed"
	q.eventStream = q.prefix + ":events"
	if err := q.ensureGroup(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	res := q.client.XGroupCreateMkStream(ctx, q.jobStream, q.group, "0")
	if err := res.Err(); err != nil && !strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return fmt.Errorf("failed to ensure redis stream group: %w", err)
	}
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, job queue.Job) (string, error) {
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	if err := job.Validate(); err != nil {
		return "", err
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queue job: %w", err)
	}
	fresh, err := q.client.SetNX(ctx, q.submittedKey(job.ID), job.ChatID, q.claimTTL).Result()
	if err != nil {
		return "", fmt.Errorf("failed to reserve job id %s: %w", job.ID, err)
	}
	if !fresh {
		return "", fmt.Errorf("%w: %s", queue.ErrDuplicateJob, job.ID)
	}
	if err := q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.jobStream,
		Values: map[string]any{"payload": string(payload), "job_id": job.ID},
	}).Err(); err != nil {
		q.client.Del(ctx, q.submittedKey(job.ID))
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	q.recordEvent(ctx, job.ID, queue.StatusWaiting, "", "")
	return job.ID, nil
}

// Claim reads up to count new deliveries for consumer. A non-positive block
// returns immediately when the stream is empty. An entry whose job id is
// already claimed is removed from the stream and returned with Duplicate set.
func (q *Queue) Claim(ctx context.Context, consumer string, block time.Duration, count int) ([]queue.Delivery, error) {
	if strings.TrimSpace(consumer) == "" {
		return nil, fmt.Errorf("consumer is required")
	}
	if count <= 0 {
		count = 1
	}
	if block <= 0 {
		block = -1
	}
	res, err := q.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.jobStream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return []queue.Delivery{}, nil
		}
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	out := make([]queue.Delivery, 0, count)
	for _, stream := range res {
		for _, msg := range stream.Messages {
			job, ok := decodeJob(msg.Values)
			if !ok {
				q.logger.Warn("dropping malformed queue entry", zap.String("stream_id", msg.ID))
				q.drop(ctx, msg.ID)
				continue
			}
			claimed, err := q.client.SetNX(ctx, q.claimKey(job.ID), consumer, q.claimTTL).Result()
			if err != nil {
				return out, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
			}
			if !claimed {
				q.logger.Warn("rejecting duplicate delivery", zap.String("job_id", job.ID), zap.String("stream_id", msg.ID))
				q.drop(ctx, msg.ID)
				q.recordEvent(ctx, job.ID, queue.StatusDuplicate, consumer, "job id already claimed")
				out = append(out, queue.Delivery{
					StreamID:  msg.ID,
					Consumer:  consumer,
					Job:       job,
					Received:  time.Now().UTC(),
					Duplicate: true,
				})
				continue
			}
			q.recordEvent(ctx, job.ID, queue.StatusActive, consumer, "")
			out = append(out, queue.Delivery{
				StreamID: msg.ID,
				Consumer: consumer,
				Job:      job,
				Received: time.Now().UTC(),
			})
		}
	}
	return out, nil
}

func (q *Queue) Complete(ctx context.Context, delivery queue.Delivery) error {
	if err := q.ack(ctx, delivery.StreamID); err != nil {
		return err
	}
	if err := q.client.Incr(ctx, q.counterKey(queue.StatusCompleted)).Err(); err != nil {
		q.logger.Warn("failed to count completed job", zap.String("job_id", delivery.Job.ID), zap.Error(err))
	}
	q.recordEvent(ctx, delivery.Job.ID, queue.StatusCompleted, delivery.Consumer, "")
	return nil
}

// Fail acknowledges a delivery as terminally failed. There is no retry.
func (q *Queue) Fail(ctx context.Context, delivery queue.Delivery, reason string) error {
	if q.retainFailed {
		payload, err := json.Marshal(delivery.Job)
		if err != nil {
			return fmt.Errorf("failed to marshal failed job: %w", err)
		}
		if err := q.client.XAdd(ctx, &goredis.XAddArgs{
			Stream: q.failedStream,
			MaxLen: q.eventsMaxLen,
			Values: map[string]any{
				"payload":   string(payload),
				"source_id": delivery.StreamID,
				"reason":    reason,
				"failed_at": time.Now().UTC().Format(time.RFC3339Nano),
			},
		}).Err(); err != nil {
			return fmt.Errorf("failed to retain failed job: %w", err)
		}
	}
	if err := q.ack(ctx, delivery.StreamID); err != nil {
		return err
	}
	if err := q.client.Incr(ctx, q.counterKey(queue.StatusFailed)).Err(); err != nil {
		q.logger.Warn("failed to count failed job", zap.String("job_id", delivery.Job.ID), zap.Error(err))
	}
	q.recordEvent(ctx, delivery.Job.ID, queue.StatusFailed, delivery.Consumer, reason)
	return nil
}

func (q *Queue) Counts(ctx context.Context) (queue.Counts, error) {
	length, err := q.client.XLen(ctx, q.jobStream).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return queue.Counts{}, fmt.Errorf("failed to read queue length: %w", err)
	}
	var active int64
	pending, err := q.client.XPending(ctx, q.jobStream, q.group).Result()
	if err == nil {
		active = pending.Count
	}
	completed, err := q.counter(ctx, queue.StatusCompleted)
	if err != nil {
		return queue.Counts{}, err
	}
	failed, err := q.counter(ctx, queue.StatusFailed)
	if err != nil {
		return queue.Counts{}, err
	}
	return queue.Counts{
		Waiting:   max(length-active, 0),
		Active:    active,
		Completed: completed,
		Failed:    failed,
	}, nil
}

// List returns the oldest queued or in-flight jobs, marking those already
// delivered to a worker as active.
func (q *Queue) List(ctx context.Context, limit int) ([]queue.JobInfo, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	entries, err := q.client.XRangeN(ctx, q.jobStream, "-", "+", int64(limit)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}
	active := map[string]goredis.XPendingExt{}
	if len(entries) > 0 {
		pending, err := q.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
			Stream: q.jobStream,
			Group:  q.group,
			Start:  "-",
			End:    "+",
			Count:  int64(limit),
		}).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("failed to list pending entries: %w", err)
		}
		for _, p := range pending {
			active[p.ID] = p
		}
	}
	out := make([]queue.JobInfo, 0, len(entries))
	for _, entry := range entries {
		job, ok := decodeJob(entry.Values)
		if !ok {
			continue
		}
		info := queue.JobInfo{StreamID: entry.ID, Job: job, State: queue.StatusWaiting}
		if p, ok := active[entry.ID]; ok {
			info.State = queue.StatusActive
			info.Consumer = p.Consumer
			info.Idle = p.Idle
			info.Deliveries = p.RetryCount
		}
		out = append(out, info)
	}
	return out, nil
}

func (q *Queue) ListFailed(ctx context.Context, limit int) ([]queue.FailedJob, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	entries, err := q.client.XRevRangeN(ctx, q.failedStream, "+", "-", int64(limit)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return []queue.FailedJob{}, nil
		}
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	out := make([]queue.FailedJob, 0, len(entries))
	for _, entry := range entries {
		job, ok := decodeJob(entry.Values)
		if !ok {
			continue
		}
		reason, _ := entry.Values["reason"].(string)
		failedAt, _ := time.Parse(time.RFC3339Nano, stringValue(entry.Values["failed_at"]))
		out = append(out, queue.FailedJob{StreamID: entry.ID, Job: job, Reason: reason, FailedAt: failedAt})
	}
	return out, nil
}

// ListEvents returns lifecycle events, newest first.
func (q *Queue) ListEvents(ctx context.Context, limit int) ([]queue.LifecycleEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	entries, err := q.client.XRevRangeN(ctx, q.eventStream, "+", "-", int64(limit)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return []queue.LifecycleEvent{}, nil
		}
		return nil, fmt.Errorf("failed to list queue events: %w", err)
	}
	out := make([]queue.LifecycleEvent, 0, len(entries))
	for _, entry := range entries {
		ts, _ := time.Parse(time.RFC3339Nano, stringValue(entry.Values["ts"]))
		out = append(out, queue.LifecycleEvent{
			ID:        entry.ID,
			JobID:     stringValue(entry.Values["job_id"]),
			Status:    stringValue(entry.Values["status"]),
			Consumer:  stringValue(entry.Values["consumer"]),
			Reason:    stringValue(entry.Values["reason"]),
			Timestamp: ts,
		})
	}
	return out, nil
}

// PutResult hands a job's outcome to whoever waits on it. Unclaimed results
// expire after the result TTL.
func (q *Queue) PutResult(ctx context.Context, jobID string, result queue.Result) error {
	if strings.TrimSpace(jobID) == "" {
		return fmt.Errorf("%w: job id is required", queue.ErrInvalidJob)
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal job result: %w", err)
	}
	key := q.resultKey(jobID)
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, key, string(payload))
	pipe.Expire(ctx, key, q.resultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store job result: %w", err)
	}
	return nil
}

func (q *Queue) AwaitResult(ctx context.Context, jobID string, timeout time.Duration) (queue.Result, error) {
	if strings.TrimSpace(jobID) == "" {
		return queue.Result{}, fmt.Errorf("%w: job id is required", queue.ErrInvalidJob)
	}
	if timeout <= 0 {
		timeout = defaultAwaitTimeout
	}
	vals, err := q.client.BLPop(ctx, timeout, q.resultKey(jobID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return queue.Result{}, queue.ErrResultTimeout
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return queue.Result{}, ctxErr
		}
		return queue.Result{}, fmt.Errorf("failed to await job result: %w", err)
	}
	if len(vals) != 2 {
		return queue.Result{}, fmt.Errorf("unexpected result reply for job %s", jobID)
	}
	var result queue.Result
	if err := json.Unmarshal([]byte(vals[1]), &result); err != nil {
		return queue.Result{}, fmt.Errorf("failed to decode job result: %w", err)
	}
	return result, nil
}

// Purge drops every queued and in-flight job together with all bookkeeping,
// then recreates the consumer group.
func (q *Queue) Purge(ctx context.Context) error {
	keys := []string{
		q.jobStream,
		q.failedStream,
		q.eventStream,
		q.counterKey(queue.StatusCompleted),
		q.counterKey(queue.StatusFailed),
	}
	if err := q.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to purge queue streams: %w", err)
	}
	for _, pattern := range []string{q.prefix + ":claim:*", q.prefix + ":job:*", q.prefix + ":result:*"} {
		if err := q.deleteMatching(ctx, pattern); err != nil {
			return err
		}
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	q.recordEvent(ctx, "", queue.StatusPurged, "", "")
	q.logger.Info("queue purged")
	return nil
}

func (q *Queue) Close() error {
	if q == nil || q.client == nil || !q.ownsConn {
		return nil
	}
	return q.client.Close()
}

func (q *Queue) deleteMatching(ctx context.Context, pattern string) error {
	iter := q.client.Scan(ctx, 0, pattern, 200).Iterator()
	batch := make([]string, 0, 200)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := q.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to delete %s: %w", pattern, err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan %s: %w", pattern, err)
	}
	if len(batch) > 0 {
		if err := q.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to delete %s: %w", pattern, err)
		}
	}
	return nil
}

func (q *Queue) ack(ctx context.Context, streamID string) error {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil
	}
	if err := q.client.XAck(ctx, q.jobStream, q.group, streamID).Err(); err != nil {
		return fmt.Errorf("failed to ack queue message: %w", err)
	}
	if err := q.client.XDel(ctx, q.jobStream, streamID).Err(); err != nil {
		return fmt.Errorf("failed to delete queue message: %w", err)
	}
	return nil
}

func (q *Queue) drop(ctx context.Context, streamID string) {
	if err := q.ack(ctx, streamID); err != nil {
		q.logger.Warn("failed to drop queue entry", zap.String("stream_id", streamID), zap.Error(err))
	}
}

// recordEvent appends to the bounded lifecycle stream. It is best effort.
func (q *Queue) recordEvent(ctx context.Context, jobID, status, consumer, reason string) {
	err := q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.eventStream,
		MaxLen: q.eventsMaxLen,
		Values: map[string]any{
			"job_id":   jobID,
			"status":   status,
			"consumer": consumer,
			"reason":   reason,
			"ts":       time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		q.logger.Warn("failed to record queue event", zap.String("job_id", jobID), zap.String("status", status), zap.Error(err))
	}
}

func (q *Queue) counter(ctx context.Context, status string) (int64, error) {
	n, err := q.client.Get(ctx, q.counterKey(status)).Int64()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read %s counter: %w", status, err)
	}
	return n, nil
}

func (q *Queue) counterKey(status string) string {
	return q.prefix + ":count:" + status
}

func (q *Queue) claimKey(jobID string) string {
	return q.prefix + ":claim:" + jobID
}

// submittedKey marks a job id as taken from Enqueue until the claim TTL
// expires or the queue is purged.
func (q *Queue) submittedKey(jobID string) string {
	return q.prefix + ":job:" + jobID
}

func (q *Queue) resultKey(jobID string) string {
	return q.prefix + ":result:" + jobID
}

func decodeJob(values map[string]any) (queue.Job, bool) {
	payload := stringValue(values["payload"])
	if payload == "" {
		return queue.Job{}, false
	}
	var job queue.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil || job.ID == "" {
		return queue.Job{}, false
	}
	return job, true
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

var _ queue.Queue = (*Queue)(nil)
