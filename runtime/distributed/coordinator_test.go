package distributed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/flowexec/runtime/queue"
)

type countsRecorder struct {
	samples chan queue.Counts
}

func (r *countsRecorder) ObserveQueue(c queue.Counts) {
	select {
	case r.samples <- c:
	default:
	}
}

func TestCoordinatorSubmitRejectsBadInput(t *testing.T) {
	c, err := NewCoordinator(newTestQueue(t, newRedis(t)), CoordinatorConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Submit(ctx, SubmitRequest{Question: "hi"})
	assert.ErrorIs(t, err, queue.ErrInvalidJob)
	_, err = c.Submit(ctx, SubmitRequest{FlowID: "f"})
	assert.ErrorIs(t, err, queue.ErrInvalidJob)
	_, err = c.Submit(ctx, SubmitRequest{FlowID: "f", Question: "hi", History: "bogus"})
	assert.ErrorIs(t, err, queue.ErrInvalidJob)

	counts, err := c.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Waiting, "rejected submissions are never enqueued")
}

func TestCoordinatorSubmitFillsIdentifiers(t *testing.T) {
	c, err := NewCoordinator(newTestQueue(t, newRedis(t)), CoordinatorConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := c.Submit(ctx, SubmitRequest{FlowID: "f", Question: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.JobID)
	assert.NotEmpty(t, res.ChatID)
	assert.Equal(t, res.ChatID, res.SessionID)
	assert.NotEmpty(t, res.ChatMessageID)

	explicit, err := c.Submit(ctx, SubmitRequest{JobID: "job-7", FlowID: "f", ChatID: "c", SessionID: "s", Question: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "job-7", explicit.JobID)
	assert.Equal(t, "s", explicit.SessionID)

	jobs, err := c.ListJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-7", jobs[1].Job.ID)
	assert.Equal(t, "c", jobs[1].Job.ChatID)

	events, err := c.ListEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestCoordinatorSubmitAndWait(t *testing.T) {
	h := startWorker(t, 2, func(ctx context.Context, job queue.Job, deps Dependencies) (queue.Result, error) {
		if job.Question == "fail" {
			return queue.Result{}, errors.New("flow exploded")
		}
		return queue.Result{Text: "echo: " + job.Question}, nil
	})
	c, err := NewCoordinator(h.queue, CoordinatorConfig{Policy: fastPolicy(), Registry: h.registry})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := c.SubmitAndWait(ctx, SubmitRequest{FlowID: "f", ChatID: "c1", Question: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "echo: ping", res.Text)
	assert.Equal(t, "c1", res.ChatID)

	res, err = c.SubmitAndWait(ctx, SubmitRequest{FlowID: "f", ChatID: "c2", Question: "fail"})
	assert.ErrorIs(t, err, ErrJobFailed)
	assert.Equal(t, "flow exploded", res.Error)

	failed, err := c.ListFailed(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestCoordinatorRejectsReusedJobID(t *testing.T) {
	h := startWorker(t, 1, func(ctx context.Context, job queue.Job, deps Dependencies) (queue.Result, error) {
		return queue.Result{Text: "echo: " + job.Question}, nil
	})
	c, err := NewCoordinator(h.queue, CoordinatorConfig{Policy: fastPolicy(), Registry: h.registry})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := c.SubmitAndWait(ctx, SubmitRequest{JobID: "same", FlowID: "f", ChatID: "chat-1", Question: "first"})
	require.NoError(t, err)
	assert.Equal(t, "echo: first", res.Text)

	_, err = c.Submit(ctx, SubmitRequest{JobID: "same", FlowID: "f", ChatID: "chat-2", Question: "second"})
	assert.ErrorIs(t, err, queue.ErrInvalidJob)
	assert.ErrorIs(t, err, queue.ErrDuplicateJob)
	assert.Empty(t, h.pub.kinds("chat-2"), "a rejected submission never reaches a worker")
}

func TestCoordinatorSubmitAndWaitTimesOut(t *testing.T) {
	policy := fastPolicy()
	policy.AwaitTimeout = time.Second
	c, err := NewCoordinator(newTestQueue(t, newRedis(t)), CoordinatorConfig{Policy: policy})
	require.NoError(t, err)

	_, err = c.SubmitAndWait(context.Background(), SubmitRequest{FlowID: "f", Question: "nobody home"})
	assert.True(t, IsTimeout(err))
}

func TestCoordinatorAbortLocal(t *testing.T) {
	registry := NewAbortRegistry()
	c, err := NewCoordinator(newTestQueue(t, newRedis(t)), CoordinatorConfig{Registry: registry})
	require.NoError(t, err)
	ctx := context.Background()

	err = c.Abort(ctx, "f", "c1")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
	assert.ErrorIs(t, c.Abort(ctx, "", "c1"), queue.ErrInvalidJob)

	jobCtx, release := registry.Register(ctx, queue.AbortKey("f", "c1"))
	defer release()
	require.NoError(t, c.Abort(ctx, "f", "c1"))
	<-jobCtx.Done()
	assert.True(t, Aborted(jobCtx))
}

func TestCoordinatorAbortCrossesProcesses(t *testing.T) {
	client := newRedis(t)
	workerRegistry := NewAbortRegistry()
	relay := NewRedisAbortRelay(client, workerRegistry, "test:abort", nil)
	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	go func() { _ = relay.Run(relayCtx) }()

	jobCtx, release := workerRegistry.Register(context.Background(), queue.AbortKey("f", "c9"))
	defer release()

	apiRelay := NewRedisAbortRelay(client, NewAbortRegistry(), "test:abort", nil)
	c, err := NewCoordinator(newTestQueue(t, client), CoordinatorConfig{Relay: apiRelay})
	require.NoError(t, err)

	// The relay subscribes asynchronously, so keep broadcasting until it lands.
	require.Eventually(t, func() bool {
		_ = c.Abort(context.Background(), "f", "c9")
		return jobCtx.Err() != nil
	}, 2*time.Second, 20*time.Millisecond)
	assert.True(t, Aborted(jobCtx))
}

func TestCoordinatorStartSamplesQueue(t *testing.T) {
	rec := &countsRecorder{samples: make(chan queue.Counts, 4)}
	policy := fastPolicy()
	policy.QueueRefresh = 20 * time.Millisecond
	c, err := NewCoordinator(newTestQueue(t, newRedis(t)), CoordinatorConfig{Policy: policy, Metrics: rec})
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), SubmitRequest{FlowID: "f", Question: "q"})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()

	select {
	case counts := <-rec.samples:
		assert.EqualValues(t, 1, counts.Waiting)
	case <-time.After(2 * time.Second):
		t.Fatal("no queue sample observed")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(stopCtx))
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestCoordinatorPurge(t *testing.T) {
	c, err := NewCoordinator(newTestQueue(t, newRedis(t)), CoordinatorConfig{})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = c.Submit(ctx, SubmitRequest{FlowID: "f", Question: "q"})
	require.NoError(t, err)
	require.NoError(t, c.Purge(ctx))
	counts, err := c.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Counts{}, counts)
}
