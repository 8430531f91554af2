package state

import (
	"context"
	"errors"
	"iter"
)

var (
	ErrNotFound      = errors.New("state: not found")
	ErrThreadMissing = errors.New("state: thread id is required")
)

type ListOptions struct {
	// Limit caps the number of tuples; zero means no limit.
	Limit int
	// Before restricts results to checkpoint ids strictly lower than this id.
	Before string
}

// Saver persists versioned checkpoints partitioned by thread.
//
// Implementations bootstrap their backing storage lazily and must be safe for
// concurrent use. Writes to the same (thread, checkpoint) key overwrite in place.
type Saver interface {
	// GetTuple returns the checkpoint named by cfg.CheckpointID, or the newest
	// checkpoint of the thread when no id is given. It returns ErrNotFound when
	// nothing matches.
	GetTuple(ctx context.Context, cfg Config) (*Tuple, error)
	// List yields the thread's checkpoints in descending id order. Every call
	// re-reads the store.
	List(ctx context.Context, threadID string, opts ListOptions) iter.Seq2[*Tuple, error]
	// Put upserts a checkpoint under cfg. A config without a checkpoint id is a
	// no-op returning an empty Config.
	Put(ctx context.Context, cfg Config, checkpoint Checkpoint, metadata Metadata, newVersions map[string]int64) (Config, error)
	// PutWrites stores pending writes as synthetic checkpoints keyed by taskID.
	PutWrites(ctx context.Context, cfg Config, writes []PendingWrite, taskID string) error
	// ClearThread overwrites every checkpoint of the thread with empty messages.
	ClearThread(ctx context.Context, threadID string) error
	// DeleteThread removes every checkpoint of the thread.
	DeleteThread(ctx context.Context, threadID string) error
	Close() error
}

// Putter is the write half of Saver.
type Putter interface {
	Put(ctx context.Context, cfg Config, checkpoint Checkpoint, metadata Metadata, newVersions map[string]int64) (Config, error)
}
