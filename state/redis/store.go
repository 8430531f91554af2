// Package redis keeps checkpoints in Redis: one string key per checkpoint and
// a per-thread sorted set ordered lexicographically by checkpoint id.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/flowexec/state"
)

const (
	defaultPrefix = "flowexec:cp"
	listBatch     = 100
)

type Store struct {
	client   *goredis.Client
	ownsConn bool
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) {
		s.password = password
	}
}

func WithDB(db int) Option {
	return func(s *Store) {
		s.db = db
	}
}

// WithTTL expires a thread's keys after ttl of inactivity. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl >= 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	s := &Store{
		prefix: defaultPrefix,
		addr:   strings.TrimSpace(addr),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		if s.addr == "" {
			return nil, fmt.Errorf("redis addr is required")
		}
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
		s.ownsConn = true
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		if s.ownsConn {
			_ = s.client.Close()
		}
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

type envelope struct {
	ParentID   string          `json:"parentId,omitempty"`
	Checkpoint json.RawMessage `json:"checkpoint"`
	Metadata   json.RawMessage `json:"metadata"`
}

func (s *Store) GetTuple(ctx context.Context, cfg state.Config) (*state.Tuple, error) {
	threadID := strings.TrimSpace(cfg.ThreadID)
	if threadID == "" {
		return nil, state.ErrThreadMissing
	}
	id := strings.TrimSpace(cfg.CheckpointID)
	if id == "" {
		ids, err := s.client.ZRevRangeByLex(ctx, s.indexKey(threadID), &goredis.ZRangeBy{
			Max:   "+",
			Min:   "-",
			Count: 1,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read latest checkpoint id: %w", err)
		}
		if len(ids) == 0 {
			return nil, state.ErrNotFound
		}
		id = ids[0]
	}

	raw, err := s.client.Get(ctx, s.checkpointKey(threadID, id)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, state.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load checkpoint from redis: %w", err)
	}
	return decode(threadID, id, raw)
}

func (s *Store) List(ctx context.Context, threadID string, opts state.ListOptions) iter.Seq2[*state.Tuple, error] {
	return func(yield func(*state.Tuple, error) bool) {
		tid := strings.TrimSpace(threadID)
		if tid == "" {
			yield(nil, state.ErrThreadMissing)
			return
		}
		rng := &goredis.ZRangeBy{Max: "+", Min: "-"}
		if before := strings.TrimSpace(opts.Before); before != "" {
			rng.Max = "(" + before
		}
		if opts.Limit > 0 {
			rng.Count = int64(opts.Limit)
		}
		ids, err := s.client.ZRevRangeByLex(ctx, s.indexKey(tid), rng).Result()
		if err != nil {
			yield(nil, fmt.Errorf("failed to list checkpoint ids: %w", err))
			return
		}

		for start := 0; start < len(ids); start += listBatch {
			end := min(start+listBatch, len(ids))
			batch := ids[start:end]
			keys := make([]string, len(batch))
			for i, id := range batch {
				keys[i] = s.checkpointKey(tid, id)
			}
			loaded, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				yield(nil, fmt.Errorf("failed to mget checkpoints: %w", err))
				return
			}
			stale := make([]any, 0)
			for i, value := range loaded {
				raw, ok := value.(string)
				if !ok {
					stale = append(stale, batch[i])
					continue
				}
				tuple, err := decode(tid, batch[i], raw)
				if !yield(tuple, err) || err != nil {
					return
				}
			}
			if len(stale) > 0 {
				_ = s.client.ZRem(ctx, s.indexKey(tid), stale...).Err()
			}
		}
	}
}

func (s *Store) Put(ctx context.Context, cfg state.Config, checkpoint state.Checkpoint, metadata state.Metadata, newVersions map[string]int64) (state.Config, error) {
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
	raw, err := json.Marshal(envelope{ParentID: checkpoint.ParentID, Checkpoint: cpRaw, Metadata: mdRaw})
	if err != nil {
		return state.Config{}, fmt.Errorf("failed to marshal checkpoint envelope: %w", err)
	}

	idx := s.indexKey(cfg.ThreadID)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.checkpointKey(cfg.ThreadID, cfg.CheckpointID), string(raw), s.ttl)
	pipe.ZAdd(ctx, idx, goredis.Z{Score: 0, Member: cfg.CheckpointID})
	if s.ttl > 0 {
		pipe.Expire(ctx, idx, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return state.Config{}, fmt.Errorf("failed to save checkpoint in redis: %w", err)
	}
	return state.Config{ThreadID: cfg.ThreadID, CheckpointID: cfg.CheckpointID}, nil
}

func (s *Store) PutWrites(ctx context.Context, cfg state.Config, writes []state.PendingWrite, taskID string) error {
	return state.PutPendingWrites(ctx, s, cfg, writes, taskID)
}

func (s *Store) ClearThread(ctx context.Context, threadID string) error {
	return state.ClearThreadMessages(ctx, s, threadID)
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return state.ErrThreadMissing
	}
	idx := s.indexKey(threadID)
	ids, err := s.client.ZRange(ctx, idx, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read checkpoint index: %w", err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.checkpointKey(threadID, id))
	}
	keys = append(keys, idx)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete thread from redis: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.client == nil || !s.ownsConn {
		return nil
	}
	return s.client.Close()
}

// Keys are prefix:{thread}:idx and prefix:{thread}:cp:<id>. The escaped
// thread id cannot contain a brace, so no checkpoint key equals an index key
// and a thread's keys share one cluster hash slot.
func (s *Store) indexKey(threadID string) string {
	return s.threadTag(threadID) + ":idx"
}

func (s *Store) checkpointKey(threadID, checkpointID string) string {
	return s.threadTag(threadID) + ":cp:" + checkpointID
}

func (s *Store) threadTag(threadID string) string {
	return s.prefix + ":{" + url.PathEscape(threadID) + "}"
}

func decode(threadID, id, raw string) (*state.Tuple, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint envelope: %w", err)
	}
	cp, err := state.UnmarshalCheckpoint(env.Checkpoint)
	if err != nil {
		return nil, err
	}
	md, err := state.UnmarshalMetadata(env.Metadata)
	if err != nil {
		return nil, err
	}
	tuple := &state.Tuple{
		Config:     state.Config{ThreadID: threadID, CheckpointID: id},
		Checkpoint: cp,
		Metadata:   md,
	}
	if env.ParentID != "" {
		tuple.ParentConfig = &state.Config{ThreadID: threadID, CheckpointID: env.ParentID}
	}
	return tuple, nil
}

var _ state.Saver = (*Store)(nil)
