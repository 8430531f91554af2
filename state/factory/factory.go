package factory

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/flowexec/state"
	"github.com/PipeOpsHQ/flowexec/state/memory"
	redisstore "github.com/PipeOpsHQ/flowexec/state/redis"
	"github.com/PipeOpsHQ/flowexec/state/sqlstore"
)

// Options selects and parameterizes a checkpoint backend.
type Options struct {
	Backend    string
	Table      string
	SQLitePath string
	Postgres   PostgresOptions
	// RedisClient is reused by the redis backend when set.
	RedisClient *goredis.Client
	RedisPrefix string
	RedisTTL    time.Duration
}

type PostgresOptions struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

// DSN renders a pgx connection URL.
func (p PostgresOptions) DSN() string {
	port := p.Port
	if port <= 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(port)),
		Path:   "/" + p.Database,
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u.RawQuery = url.Values{"sslmode": []string{sslMode}}.Encode()
	return u.String()
}

// New opens the backend named by opts.Backend. An empty backend is sqlite.
func New(ctx context.Context, opts Options) (state.Saver, error) {
	_ = ctx
	var tableOpts []sqlstore.Option
	if opts.Table != "" {
		tableOpts = append(tableOpts, sqlstore.WithTable(opts.Table))
	}

	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	switch backend {
	case "", "sqlite":
		path := opts.SQLitePath
		if path == "" {
			path = "./.flowexec/checkpoints.db"
		}
		return sqlstore.OpenSQLite(path, tableOpts...)

	case "postgres", "postgresql":
		if strings.TrimSpace(opts.Postgres.Host) == "" {
			return nil, fmt.Errorf("postgres host is required")
		}
		return sqlstore.OpenPostgres(opts.Postgres.DSN(), tableOpts...)

	case "redis":
		if opts.RedisClient == nil {
			return nil, fmt.Errorf("redis checkpoint backend requires a redis client")
		}
		return redisstore.New("", redisstore.WithClient(opts.RedisClient), redisstore.WithPrefix(opts.RedisPrefix), redisstore.WithTTL(opts.RedisTTL))

	case "memory":
		return memory.New(), nil

	default:
		return nil, fmt.Errorf("unsupported CHECKPOINT_BACKEND %q (use sqlite, postgres, redis, or memory)", backend)
	}
}
