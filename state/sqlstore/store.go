// Package sqlstore persists checkpoints in a SQL table shared by SQLite and
// PostgreSQL deployments.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/flowexec/state"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const (
	defaultTable       = "checkpoints"
	defaultBusyTimeout = 5 * time.Second
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Store struct {
	db          *sql.DB
	dialect     Dialect
	table       string
	ownsDB      bool
	busyTimeout time.Duration
	enableWAL   bool

	setupMu sync.Mutex
	ready   bool
}

type Option func(*Store)

func WithTable(name string) Option {
	return func(s *Store) {
		name = strings.TrimSpace(name)
		if name != "" {
			s.table = name
		}
	}
}

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

// New wraps an existing connection pool. The caller keeps ownership of db.
func New(db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	s := &Store{
		db:          db,
		dialect:     dialect,
		table:       defaultTable,
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !identPattern.MatchString(s.table) {
		return nil, fmt.Errorf("invalid checkpoint table name %q", s.table)
	}
	return s, nil
}

// OpenSQLite opens (creating if needed) a SQLite database file.
func OpenSQLite(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s, err := New(db, DialectSQLite, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// OpenPostgres opens a PostgreSQL pool through the pgx stdlib driver.
func OpenPostgres(dsn string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres db: %w", err)
	}
	s, err := New(db, DialectPostgres, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// setup creates the checkpoint table on first use. It runs before every
// operation and is safe under concurrent callers; a failed attempt is retried
// on the next call.
func (s *Store) setup(ctx context.Context) error {
	s.setupMu.Lock()
	defer s.setupMu.Unlock()
	if s.ready {
		return nil
	}
	if s.dialect == DialectSQLite {
		if s.busyTimeout > 0 {
			ms := int(s.busyTimeout / time.Millisecond)
			if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
				return fmt.Errorf("failed to set busy_timeout: %w", err)
			}
		}
		if s.enableWAL {
			if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
				return fmt.Errorf("failed to enable wal: %w", err)
			}
		}
	}
	if _, err := s.db.ExecContext(ctx, s.schema()); err != nil {
		return fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}
	s.ready = true
	return nil
}

func (s *Store) schema() string {
	blob := "BLOB"
	if s.dialect == DialectPostgres {
		blob = "BYTEA"
	}
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  thread_id TEXT NOT NULL,
  checkpoint_id TEXT NOT NULL,
  parent_id TEXT,
  checkpoint %s,
  metadata %s,
  PRIMARY KEY (thread_id, checkpoint_id)
);`, s.table, blob, blob)
}

// rebind rewrites ? placeholders into the dialect's positional form.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) GetTuple(ctx context.Context, cfg state.Config) (*state.Tuple, error) {
	threadID := strings.TrimSpace(cfg.ThreadID)
	if threadID == "" {
		return nil, state.ErrThreadMissing
	}
	if err := s.setup(ctx); err != nil {
		return nil, err
	}

	var row *sql.Row
	if id := strings.TrimSpace(cfg.CheckpointID); id != "" {
		q := s.rebind(fmt.Sprintf(`SELECT thread_id, checkpoint_id, parent_id, checkpoint, metadata FROM %s WHERE thread_id = ? AND checkpoint_id = ?`, s.table))
		row = s.db.QueryRowContext(ctx, q, threadID, id)
	} else {
		q := s.rebind(fmt.Sprintf(`SELECT thread_id, checkpoint_id, parent_id, checkpoint, metadata FROM %s WHERE thread_id = ? ORDER BY checkpoint_id DESC LIMIT 1`, s.table))
		row = s.db.QueryRowContext(ctx, q, threadID)
	}
	tuple, err := scanTuple(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, state.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return tuple, nil
}

func (s *Store) List(ctx context.Context, threadID string, opts state.ListOptions) iter.Seq2[*state.Tuple, error] {
	return func(yield func(*state.Tuple, error) bool) {
		tid := strings.TrimSpace(threadID)
		if tid == "" {
			yield(nil, state.ErrThreadMissing)
			return
		}
		if err := s.setup(ctx); err != nil {
			yield(nil, err)
			return
		}

		query := fmt.Sprintf(`SELECT thread_id, checkpoint_id, parent_id, checkpoint, metadata FROM %s WHERE thread_id = ?`, s.table)
		args := []any{tid}
		if before := strings.TrimSpace(opts.Before); before != "" {
			query += ` AND checkpoint_id < ?`
			args = append(args, before)
		}
		query += ` ORDER BY checkpoint_id DESC`
		if opts.Limit > 0 {
			query += ` LIMIT ?`
			args = append(args, opts.Limit)
		}

		rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
		if err != nil {
			yield(nil, fmt.Errorf("failed to list checkpoints: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			tuple, err := scanTuple(rows)
			if err != nil {
				yield(nil, fmt.Errorf("failed to scan checkpoint: %w", err))
				return
			}
			if !yield(tuple, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("failed to iterate checkpoints: %w", err))
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
	if err := s.setup(ctx); err != nil {
		return state.Config{}, err
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

	q := s.rebind(fmt.Sprintf(`
INSERT INTO %s (thread_id, checkpoint_id, parent_id, checkpoint, metadata)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (thread_id, checkpoint_id) DO UPDATE SET
  parent_id = excluded.parent_id,
  checkpoint = excluded.checkpoint,
  metadata = excluded.metadata`, s.table))
	if _, err := s.db.ExecContext(ctx, q, cfg.ThreadID, cfg.CheckpointID, nullIfEmpty(checkpoint.ParentID), cpRaw, mdRaw); err != nil {
		return state.Config{}, fmt.Errorf("failed to save checkpoint: %w", err)
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
	if err := s.setup(ctx); err != nil {
		return err
	}
	q := s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE thread_id = ?`, s.table))
	if _, err := s.db.ExecContext(ctx, q, threadID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil || !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTuple(row scanner) (*state.Tuple, error) {
	var (
		threadID     string
		checkpointID string
		parentID     sql.NullString
		cpRaw        []byte
		mdRaw        []byte
	)
	if err := row.Scan(&threadID, &checkpointID, &parentID, &cpRaw, &mdRaw); err != nil {
		return nil, err
	}
	cp, err := state.UnmarshalCheckpoint(cpRaw)
	if err != nil {
		return nil, err
	}
	md, err := state.UnmarshalMetadata(mdRaw)
	if err != nil {
		return nil, err
	}
	cp.ID = checkpointID
	cp.ParentID = parentID.String

	tuple := &state.Tuple{
		Config:     state.Config{ThreadID: threadID, CheckpointID: checkpointID},
		Checkpoint: cp,
		Metadata:   md,
	}
	if parentID.Valid && parentID.String != "" {
		tuple.ParentConfig = &state.Config{ThreadID: threadID, CheckpointID: parentID.String}
	}
	return tuple, nil
}

func nullIfEmpty(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

var _ state.Saver = (*Store)(nil)
