package distributed

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/flowexec/observe"
	"github.com/PipeOpsHQ/flowexec/runtime/queue"
	"github.com/PipeOpsHQ/flowexec/state"
	"github.com/PipeOpsHQ/flowexec/stream"
	"github.com/PipeOpsHQ/flowexec/types"
)

var (
	ErrAlreadyStarted = errors.New("already started")
	// ErrJobFailed wraps the failure reason a worker handed back to a
	// synchronous caller.
	ErrJobFailed = errors.New("job failed")
)

type ExecutionMode string

const (
	ExecutionModeLocal       ExecutionMode = "local"
	ExecutionModeDistributed ExecutionMode = "distributed"
)

type SubmitRequest struct {
	JobID         string
	FlowID        string
	ChatID        string
	SessionID     string
	ChatMessageID string
	Question      string
	History       types.HistoryPolicy
	Streaming     bool
	EmitMetadata  bool
	Overrides     map[string]any
	Metadata      map[string]any
}

type SubmitResult struct {
	JobID         string    `json:"jobId"`
	ChatID        string    `json:"chatId"`
	SessionID     string    `json:"sessionId"`
	ChatMessageID string    `json:"chatMessageId"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
}

// Dependencies are the live handles a worker attaches to each job when it
// dequeues it, never the ones the submitting process held.
type Dependencies struct {
	Saver     state.Saver
	Publisher stream.Publisher
	Observer  observe.Sink
	Logger    *zap.Logger
}

// ProcessFunc runs one job to completion.
type ProcessFunc func(ctx context.Context, job queue.Job, deps Dependencies) (queue.Result, error)

// WorkerMetrics observes job execution.
type WorkerMetrics interface {
	JobStarted()
	JobFinished(status string, elapsed time.Duration)
}

// QueueMetrics receives periodic queue depth samples.
type QueueMetrics interface {
	ObserveQueue(counts queue.Counts)
}

type nopMetrics struct{}

func (nopMetrics) JobStarted()                       {}
func (nopMetrics) JobFinished(string, time.Duration) {}
func (nopMetrics) ObserveQueue(queue.Counts)         {}

// Job outcome labels.
const (
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusAborted   = "aborted"
)
