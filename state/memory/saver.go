// Package memory keeps checkpoints in process memory.
package memory

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"

	"github.com/PipeOpsHQ/flowexec/state"
)

type record struct {
	checkpoint []byte
	metadata   []byte
	parentID   string
}

// Saver stores checkpoints serialized, so reads never alias caller data.
type Saver struct {
	mu      sync.RWMutex
	threads map[string]map[string]record
}

func New() *Saver {
	return &Saver{threads: map[string]map[string]record{}}
}

func (s *Saver) GetTuple(ctx context.Context, cfg state.Config) (*state.Tuple, error) {
	_ = ctx
	threadID := strings.TrimSpace(cfg.ThreadID)
	if threadID == "" {
		return nil, state.ErrThreadMissing
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.threads[threadID]
	if len(rows) == 0 {
		return nil, state.ErrNotFound
	}
	id := strings.TrimSpace(cfg.CheckpointID)
	if id == "" {
		ids := sortedIDs(rows)
		id = ids[0]
	}
	rec, ok := rows[id]
	if !ok {
		return nil, state.ErrNotFound
	}
	return decode(threadID, id, rec)
}

func (s *Saver) List(ctx context.Context, threadID string, opts state.ListOptions) iter.Seq2[*state.Tuple, error] {
	return func(yield func(*state.Tuple, error) bool) {
		tid := strings.TrimSpace(threadID)
		if tid == "" {
			yield(nil, state.ErrThreadMissing)
			return
		}
		s.mu.RLock()
		rows := s.threads[tid]
		snapshot := make(map[string]record, len(rows))
		for id, rec := range rows {
			snapshot[id] = rec
		}
		s.mu.RUnlock()

		n := 0
		for _, id := range sortedIDs(snapshot) {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if opts.Before != "" && id >= opts.Before {
				continue
			}
			if opts.Limit > 0 && n >= opts.Limit {
				return
			}
			tuple, err := decode(tid, id, snapshot[id])
			if !yield(tuple, err) || err != nil {
				return
			}
			n++
		}
	}
}

func (s *Saver) Put(ctx context.Context, cfg state.Config, checkpoint state.Checkpoint, metadata state.Metadata, newVersions map[string]int64) (state.Config, error) {
	_ = ctx
	if strings.TrimSpace(cfg.CheckpointID) == "" {
		return state.Config{}, nil
	}
	if strings.TrimSpace(cfg.ThreadID) == "" {
		return state.Config{}, state.ErrThreadMissing
	}
	checkpoint = state.PrepareCheckpoint(cfg, checkpoint, newVersions)
	cpRaw, err := state.MarshalCheckpoint(checkpoint)
	if err != nil {
		return state.Config{}, err
	}
	mdRaw, err := state.MarshalMetadata(metadata)
	if err != nil {
		return state.Config{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.threads[cfg.ThreadID]
	if rows == nil {
		rows = map[string]record{}
		s.threads[cfg.ThreadID] = rows
	}
	rows[cfg.CheckpointID] = record{checkpoint: cpRaw, metadata: mdRaw, parentID: checkpoint.ParentID}
	return state.Config{ThreadID: cfg.ThreadID, CheckpointID: cfg.CheckpointID}, nil
}

func (s *Saver) PutWrites(ctx context.Context, cfg state.Config, writes []state.PendingWrite, taskID string) error {
	return state.PutPendingWrites(ctx, s, cfg, writes, taskID)
}

func (s *Saver) ClearThread(ctx context.Context, threadID string) error {
	return state.ClearThreadMessages(ctx, s, threadID)
}

func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	_ = ctx
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return state.ErrThreadMissing
	}
	s.mu.Lock()
	delete(s.threads, threadID)
	s.mu.Unlock()
	return nil
}

func (s *Saver) Close() error { return nil }

func sortedIDs(rows map[string]record) []string {
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids
}

func decode(threadID, id string, rec record) (*state.Tuple, error) {
	cp, err := state.UnmarshalCheckpoint(rec.checkpoint)
	if err != nil {
		return nil, err
	}
	md, err := state.UnmarshalMetadata(rec.metadata)
	if err != nil {
		return nil, err
	}
	tuple := &state.Tuple{
		Config:     state.Config{ThreadID: threadID, CheckpointID: id},
		Checkpoint: cp,
		Metadata:   md,
	}
	if rec.parentID != "" {
		tuple.ParentConfig = &state.Config{ThreadID: threadID, CheckpointID: rec.parentID}
	}
	return tuple, nil
}

var _ state.Saver = (*Saver)(nil)
