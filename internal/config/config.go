// Package config loads process configuration from .env, an optional YAML
// file and the environment, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

const (
	ModeDistributed = "distributed"
	ModeLocal       = "local"
)

type Config struct {
	Mode       string           `yaml:"mode"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	Bus        BusConfig        `yaml:"bus"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Provider   ProviderConfig   `yaml:"provider"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Tools      ToolsConfig      `yaml:"tools"`
	Flows      []FlowConfig     `yaml:"flows"`
}

type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	CORSOrigins  []string      `yaml:"corsOrigins"`
	WaitTimeout  time.Duration `yaml:"waitTimeout"`
	ShutdownWait time.Duration `yaml:"shutdownWait"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RedisConfig struct {
	URL       string        `yaml:"url"`
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	TLS       bool          `yaml:"tls"`
	Cert      string        `yaml:"cert"`
	Key       string        `yaml:"key"`
	CA        string        `yaml:"ca"`
	KeepAlive time.Duration `yaml:"keepAlive"`
}

type QueueConfig struct {
	Name         string        `yaml:"name"`
	Group        string        `yaml:"group"`
	Concurrency  int           `yaml:"concurrency"`
	EventsMaxLen int64         `yaml:"eventsMaxLen"`
	RetainFailed bool          `yaml:"retainFailed"`
	ResultTTL    time.Duration `yaml:"resultTTL"`
	ClaimBlock   time.Duration `yaml:"claimBlock"`
}

type BusConfig struct {
	ChannelPrefix string `yaml:"channelPrefix"`
	AbortChannel  string `yaml:"abortChannel"`
}

type CheckpointConfig struct {
	Backend     string         `yaml:"backend"`
	Table       string         `yaml:"table"`
	SQLitePath  string         `yaml:"sqlitePath"`
	RedisPrefix string         `yaml:"redisPrefix"`
	RedisTTL    time.Duration  `yaml:"redisTTL"`
	Postgres    PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslMode"`
}

type ProviderConfig struct {
	GeminiAPIKey string `yaml:"geminiApiKey"`
	Model        string `yaml:"model"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

type ToolsConfig struct {
	DocumentsPath string `yaml:"documentsPath"`
	SearchLimit   int    `yaml:"searchLimit"`
}

// FlowConfig declares an LLM agent served under a flow id. The id "*" serves
// every flow without its own entry.
type FlowConfig struct {
	ID            string        `yaml:"id"`
	Model         string        `yaml:"model"`
	SystemPrompt  string        `yaml:"systemPrompt"`
	MaxIterations int           `yaml:"maxIterations"`
	MaxOutput     int           `yaml:"maxOutputTokens"`
	MaxMessages   int           `yaml:"maxMessages"`
	MaxTokens     int           `yaml:"maxTokens"`
	Tools         []string      `yaml:"tools"`
	ParallelTools bool          `yaml:"parallelTools"`
	ToolTimeout   time.Duration `yaml:"toolTimeout"`
}

func Default() *Config {
	return &Config{
		Mode: ModeDistributed,
		HTTP: HTTPConfig{
			Addr:         ":8080",
			CORSOrigins:  []string{"*"},
			WaitTimeout:  5 * time.Minute,
			ShutdownWait: 30 * time.Second,
		},
		Log:   LogConfig{Level: "info", Format: "json"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Queue: QueueConfig{
			Name:         "flowexec:queue",
			Group:        "workers",
			Concurrency:  1,
			EventsMaxLen: 10000,
			ResultTTL:    10 * time.Minute,
			ClaimBlock:   2 * time.Second,
		},
		Bus: BusConfig{ChannelPrefix: "flowexec:events", AbortChannel: "flowexec:abort"},
		Checkpoint: CheckpointConfig{
			Backend:    "sqlite",
			SQLitePath: "./.flowexec/checkpoints.db",
			Postgres:   PostgresConfig{Port: 5432, Database: "flowexec", SSLMode: "disable"},
		},
		Provider:  ProviderConfig{Model: "gemini-2.5-flash"},
		Telemetry: TelemetryConfig{ServiceName: "flowexec"},
		Tools:     ToolsConfig{SearchLimit: 3},
	}
}

// Load builds the configuration. An empty path falls back to FLOWEXEC_CONFIG;
// no path at all means defaults plus environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg := Default()

	if strings.TrimSpace(path) == "" {
		path = os.Getenv("FLOWEXEC_CONFIG")
	}
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString("FLOWEXEC_MODE", &c.Mode)
	envString("FLOWEXEC_HTTP_ADDR", &c.HTTP.Addr)
	envList("FLOWEXEC_CORS_ORIGINS", &c.HTTP.CORSOrigins)
	envDuration("FLOWEXEC_WAIT_TIMEOUT", &c.HTTP.WaitTimeout)
	envString("FLOWEXEC_LOG_LEVEL", &c.Log.Level)
	envString("FLOWEXEC_LOG_FORMAT", &c.Log.Format)

	envString("REDIS_URL", &c.Redis.URL)
	envString("REDIS_HOST", &c.Redis.Host)
	envInt("REDIS_PORT", &c.Redis.Port)
	envString("REDIS_USERNAME", &c.Redis.Username)
	envString("REDIS_PASSWORD", &c.Redis.Password)
	envInt("REDIS_DB", &c.Redis.DB)
	envBool("REDIS_TLS", &c.Redis.TLS)
	envString("REDIS_CERT", &c.Redis.Cert)
	envString("REDIS_KEY", &c.Redis.Key)
	envString("REDIS_CA", &c.Redis.CA)
	envDuration("REDIS_KEEP_ALIVE", &c.Redis.KeepAlive)

	envString("QUEUE_NAME", &c.Queue.Name)
	envString("QUEUE_GROUP", &c.Queue.Group)
	envInt("WORKER_CONCURRENCY", &c.Queue.Concurrency)
	envInt64("QUEUE_EVENTS_MAXLEN", &c.Queue.EventsMaxLen)
	envBool("QUEUE_RETAIN_FAILED", &c.Queue.RetainFailed)
	envDuration("QUEUE_RESULT_TTL", &c.Queue.ResultTTL)
	envDuration("QUEUE_CLAIM_BLOCK", &c.Queue.ClaimBlock)

	envString("BUS_CHANNEL_PREFIX", &c.Bus.ChannelPrefix)

	envString("CHECKPOINT_BACKEND", &c.Checkpoint.Backend)
	envString("CHECKPOINT_TABLE", &c.Checkpoint.Table)
	envString("SQLITE_PATH", &c.Checkpoint.SQLitePath)
	envString("CHECKPOINT_REDIS_PREFIX", &c.Checkpoint.RedisPrefix)
	envDuration("CHECKPOINT_REDIS_TTL", &c.Checkpoint.RedisTTL)
	envString("DATABASE_HOST", &c.Checkpoint.Postgres.Host)
	envInt("DATABASE_PORT", &c.Checkpoint.Postgres.Port)
	envString("DATABASE_NAME", &c.Checkpoint.Postgres.Database)
	envString("DATABASE_USER", &c.Checkpoint.Postgres.User)
	envString("DATABASE_PASSWORD", &c.Checkpoint.Postgres.Password)
	envString("DATABASE_SSL", &c.Checkpoint.Postgres.SSLMode)

	envString("GEMINI_API_KEY", &c.Provider.GeminiAPIKey)
	envString("GEMINI_MODEL", &c.Provider.Model)

	envString("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	envString("OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)

	envString("TOOLS_DOCUMENTS_PATH", &c.Tools.DocumentsPath)
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeDistributed, ModeLocal:
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q (use distributed or local)", c.Mode))
	}
	if c.Queue.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("worker concurrency must be positive, got %d", c.Queue.Concurrency))
	}
	switch strings.ToLower(c.Checkpoint.Backend) {
	case "sqlite", "postgres", "postgresql", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	seen := map[string]bool{}
	for i, f := range c.Flows {
		id := strings.TrimSpace(f.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("flows[%d]: id is required", i))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("flows[%d]: duplicate id %q", i, id))
		}
		seen[id] = true
	}
	return errors.Join(errs...)
}
