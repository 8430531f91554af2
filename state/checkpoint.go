package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/flowexec/types"
)

// NewCheckpointID returns a time-ordered id whose string form sorts in
// creation order.
func NewCheckpointID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("%016x-%s", time.Now().UTC().UnixNano(), uuid.NewString())
	}
	return id.String()
}

// PutPendingWrites persists each write as a minimal checkpoint keyed by taskID.
// Writes sharing a task id overwrite each other.
func PutPendingWrites(ctx context.Context, p Putter, cfg Config, writes []PendingWrite, taskID string) error {
	if strings.TrimSpace(cfg.ThreadID) == "" {
		return ErrThreadMissing
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}
	for _, w := range writes {
		cp := EmptyCheckpoint(taskID)
		cp.ParentID = cfg.CheckpointID
		md := Metadata{
			Source:  SourceUpdate,
			Step:    -1,
			Writes:  map[string]any{w.Channel: w.Value},
			Parents: map[string]string{},
		}
		if cfg.CheckpointID != "" {
			md.Parents[""] = cfg.CheckpointID
		}
		if _, err := p.Put(ctx, Config{ThreadID: cfg.ThreadID, CheckpointID: taskID}, cp, md, nil); err != nil {
			return fmt.Errorf("failed to put pending write for channel %q: %w", w.Channel, err)
		}
	}
	return nil
}

// ClearThreadMessages rewrites every checkpoint of a thread with an empty
// messages channel, keeping ids, parents and metadata.
func ClearThreadMessages(ctx context.Context, s Saver, threadID string) error {
	if strings.TrimSpace(threadID) == "" {
		return ErrThreadMissing
	}
	// Collect first: some backends cannot write while a read cursor is open.
	var tuples []*Tuple
	for tuple, err := range s.List(ctx, threadID, ListOptions{}) {
		if err != nil {
			return fmt.Errorf("failed to list thread %q: %w", threadID, err)
		}
		tuples = append(tuples, tuple)
	}
	for _, tuple := range tuples {
		cp := tuple.Checkpoint
		cp.ChannelValues.Messages = []types.Message{}
		if _, err := s.Put(ctx, tuple.Config, cp, tuple.Metadata, nil); err != nil {
			return fmt.Errorf("failed to clear checkpoint %q: %w", tuple.Config.CheckpointID, err)
		}
	}
	return nil
}

// LoadCurrent returns the thread's current state: the newest checkpoint,
// following parent links past pending-write rows.
func LoadCurrent(ctx context.Context, s Saver, threadID string) (*Tuple, error) {
	tuple, err := s.GetTuple(ctx, Config{ThreadID: threadID})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for tuple.Metadata.IsPendingWrite() {
		seen[tuple.Config.CheckpointID] = true
		if tuple.ParentConfig == nil || seen[tuple.ParentConfig.CheckpointID] {
			return nil, ErrNotFound
		}
		tuple, err = s.GetTuple(ctx, *tuple.ParentConfig)
		if err != nil {
			return nil, err
		}
	}
	return tuple, nil
}

// OpObserver receives the outcome of every checkpoint operation.
type OpObserver interface {
	ObserveCheckpointOp(op string, err error)
}

type instrumented struct {
	Saver
	obs OpObserver
}

// Instrument wraps s so that each operation is reported to obs.
func Instrument(s Saver, obs OpObserver) Saver {
	if obs == nil {
		return s
	}
	return &instrumented{Saver: s, obs: obs}
}

func (i *instrumented) GetTuple(ctx context.Context, cfg Config) (*Tuple, error) {
	tuple, err := i.Saver.GetTuple(ctx, cfg)
	if errors.Is(err, ErrNotFound) {
		i.obs.ObserveCheckpointOp("get", nil)
	} else {
		i.obs.ObserveCheckpointOp("get", err)
	}
	return tuple, err
}

func (i *instrumented) Put(ctx context.Context, cfg Config, cp Checkpoint, md Metadata, newVersions map[string]int64) (Config, error) {
	out, err := i.Saver.Put(ctx, cfg, cp, md, newVersions)
	i.obs.ObserveCheckpointOp("put", err)
	return out, err
}

func (i *instrumented) PutWrites(ctx context.Context, cfg Config, writes []PendingWrite, taskID string) error {
	err := i.Saver.PutWrites(ctx, cfg, writes, taskID)
	i.obs.ObserveCheckpointOp("put_writes", err)
	return err
}

func (i *instrumented) ClearThread(ctx context.Context, threadID string) error {
	err := i.Saver.ClearThread(ctx, threadID)
	i.obs.ObserveCheckpointOp("clear", err)
	return err
}

func (i *instrumented) DeleteThread(ctx context.Context, threadID string) error {
	err := i.Saver.DeleteThread(ctx, threadID)
	i.obs.ObserveCheckpointOp("delete", err)
	return err
}
