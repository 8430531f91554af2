// Package queue defines the durable job queue contract shared by the API tier
// that submits jobs and the workers that execute them.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PipeOpsHQ/flowexec/types"
)

var (
	// ErrInvalidJob marks a submission rejected at intake. It is never enqueued.
	ErrInvalidJob = errors.New("invalid job")
	// ErrDuplicateJob is returned by Enqueue for a job id that was already
	// submitted. It wraps ErrInvalidJob.
	ErrDuplicateJob = fmt.Errorf("%w: job id already submitted", ErrInvalidJob)
	// ErrJobNotFound is returned when no result or record exists for a job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrResultTimeout is returned when a synchronous caller stops waiting.
	ErrResultTimeout = errors.New("timed out waiting for job result")
)

// Lifecycle statuses.
const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusDuplicate = "duplicate"
	StatusPurged    = "purged"
)

type Job struct {
	ID            string              `json:"id"`
	FlowID        string              `json:"flowId"`
	ChatID        string              `json:"chatId"`
	SessionID     string              `json:"sessionId,omitempty"`
	ChatMessageID string              `json:"chatMessageId,omitempty"`
	Question      string              `json:"question"`
	History       types.HistoryPolicy `json:"history,omitempty"`
	Streaming     bool                `json:"streaming,omitempty"`
	EmitMetadata  bool                `json:"emitMetadata,omitempty"`
	Overrides     map[string]any      `json:"overrides,omitempty"`
	Metadata      map[string]any      `json:"metadata,omitempty"`
	EnqueuedAt    time.Time           `json:"enqueuedAt"`
}

// AbortKey is the cancellation key shared by every run of a flow in one chat.
func (j Job) AbortKey() string {
	return AbortKey(j.FlowID, j.ChatID)
}

func AbortKey(flowID, chatID string) string {
	return flowID + "_" + chatID
}

// Validate checks the fields every job needs before it can be enqueued.
func (j Job) Validate() error {
	if strings.TrimSpace(j.FlowID) == "" {
		return fmt.Errorf("%w: flowId is required", ErrInvalidJob)
	}
	if strings.TrimSpace(j.ChatID) == "" {
		return fmt.Errorf("%w: chatId is required", ErrInvalidJob)
	}
	if j.History != "" {
		if _, ok := types.ParseHistoryPolicy(string(j.History)); !ok {
			return fmt.Errorf("%w: unknown history policy %q", ErrInvalidJob, j.History)
		}
	}
	return nil
}

// Delivery is a claimed job. A Duplicate delivery carries a job id that is
// already claimed elsewhere; it has been removed from the stream and must be
// answered with an error instead of being run.
type Delivery struct {
	StreamID  string    `json:"streamId"`
	Consumer  string    `json:"consumer"`
	Job       Job       `json:"job"`
	Received  time.Time `json:"received"`
	Duplicate bool      `json:"duplicate,omitempty"`
}

type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type JobInfo struct {
	StreamID   string        `json:"streamId"`
	Job        Job           `json:"job"`
	State      string        `json:"state"`
	Consumer   string        `json:"consumer,omitempty"`
	Idle       time.Duration `json:"idle,omitempty"`
	Deliveries int64         `json:"deliveries,omitempty"`
}

type FailedJob struct {
	StreamID string    `json:"streamId"`
	Job      Job       `json:"job"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

type LifecycleEvent struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Consumer  string    `json:"consumer,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Result is the outcome handed back to a synchronous caller.
type Result struct {
	JobID           string                 `json:"jobId"`
	ChatID          string                 `json:"chatId"`
	ChatMessageID   string                 `json:"chatMessageId,omitempty"`
	Question        string                 `json:"question"`
	SessionID       string                 `json:"sessionId,omitempty"`
	MemoryType      string                 `json:"memoryType,omitempty"`
	Text            string                 `json:"text"`
	UsedTools       []types.UsedTool       `json:"usedTools,omitempty"`
	SourceDocuments []types.SourceDocument `json:"sourceDocuments,omitempty"`
	Artifacts       []types.Artifact       `json:"artifacts,omitempty"`
	FileAnnotations []types.FileAnnotation `json:"fileAnnotations,omitempty"`
	CheckpointID    string                 `json:"checkpointId,omitempty"`
	Aborted         bool                   `json:"aborted,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// Failed reports whether the result carries a failure instead of an answer.
func (r Result) Failed() bool {
	return r.Error != ""
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) (string, error)
	Claim(ctx context.Context, consumer string, block time.Duration, count int) ([]Delivery, error)
	Complete(ctx context.Context, delivery Delivery) error
	Fail(ctx context.Context, delivery Delivery, reason string) error
	Counts(ctx context.Context) (Counts, error)
	List(ctx context.Context, limit int) ([]JobInfo, error)
	ListFailed(ctx context.Context, limit int) ([]FailedJob, error)
	ListEvents(ctx context.Context, limit int) ([]LifecycleEvent, error)
	PutResult(ctx context.Context, jobID string, result Result) error
	AwaitResult(ctx context.Context, jobID string, timeout time.Duration) (Result, error)
	Purge(ctx context.Context) error
	Close() error
}
