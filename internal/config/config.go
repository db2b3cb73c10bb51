package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/nidhogg/converge/internal/execution"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Queue     QueueConfig     `json:"queue"`
	Worker    WorkerConfig    `json:"worker"`
	Workflow  WorkflowConfig  `json:"workflow"`
	Execution ExecutionConfig `json:"execution"`
	Proposal  ProposalConfig  `json:"proposal"`
}

type ServerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Backend  string         `json:"backend"`
	Postgres PostgresConfig `json:"postgres"`
	SQLite   SQLiteConfig   `json:"sqlite"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QueueConfig struct {
	MaxAttempts int `json:"max_attempts"`
}

type WorkerConfig struct {
	Enabled      *bool    `json:"enabled,omitempty"`
	PollInterval Duration `json:"poll_interval"`
	BatchSize    int      `json:"batch_size"`
	ClaimTimeout Duration `json:"claim_timeout"`
}

type WorkflowConfig struct {
	HITLMode          string   `json:"hitl_mode"`
	OutputDir         string   `json:"output_dir"`
	AgentProvider     string   `json:"agent_provider"`
	StrictResume      bool     `json:"strict_resume"`
	CheckpointBackend string   `json:"checkpoint_backend"`
	CheckpointTTL     Duration `json:"checkpoint_ttl"`
}

type ExecutionConfig struct {
	Mode                    string   `json:"mode"`
	AllowlistedCommands     []string `json:"allowlisted_commands,omitempty"`
	RequireCleanWorkingTree bool     `json:"require_clean_working_tree"`
	CreateBranch            bool     `json:"create_branch"`
	BranchPrefix            string   `json:"branch_prefix"`
	CommandTimeout          Duration `json:"command_timeout"`
}

// ProposalConfig configures the optional LLM responsibility-split
// generator. It stays disabled while APIKey is empty.
type ProposalConfig struct {
	Endpoint string   `json:"endpoint"`
	APIKey   string   `json:"api_key"`
	Model    string   `json:"model"`
	Timeout  Duration `json:"timeout"`
}

// Duration decodes from either a Go duration string ("2s") or a number
// of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		d.Duration = 0
	case float64:
		d.Duration = time.Duration(v * float64(time.Second))
	case string:
		if strings.TrimSpace(v) == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration that runs fully in memory.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every zero value that has a sensible default.
func (c *Config) ApplyDefaults() {
	if c.Server.Enabled == nil {
		c.Server.Enabled = boolPtr(true)
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Database.Backend == "" {
		c.Database.Backend = "memory"
	}
	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = "converge.db"
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Worker.Enabled == nil {
		c.Worker.Enabled = boolPtr(true)
	}
	if c.Worker.PollInterval.Duration == 0 {
		c.Worker.PollInterval.Duration = 2 * time.Second
	}
	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = 1
	}
	if c.Worker.ClaimTimeout.Duration == 0 {
		c.Worker.ClaimTimeout.Duration = time.Hour
	}
	if c.Workflow.HITLMode == "" {
		c.Workflow.HITLMode = "conditional"
	}
	if c.Workflow.OutputDir == "" {
		c.Workflow.OutputDir = ".converge"
	}
	if c.Workflow.AgentProvider == "" {
		c.Workflow.AgentProvider = "codex"
	}
	if c.Workflow.CheckpointBackend == "" {
		c.Workflow.CheckpointBackend = "db"
	}
	if c.Workflow.CheckpointTTL.Duration == 0 {
		c.Workflow.CheckpointTTL.Duration = 7 * 24 * time.Hour
	}
	if c.Execution.Mode == "" {
		c.Execution.Mode = string(execution.ModePlan)
	}
	if len(c.Execution.AllowlistedCommands) == 0 {
		c.Execution.AllowlistedCommands = execution.DefaultAllowlist()
	}
	if c.Execution.BranchPrefix == "" {
		c.Execution.BranchPrefix = execution.DefaultBranchPrefix
	}
	if c.Execution.CommandTimeout.Duration == 0 {
		c.Execution.CommandTimeout.Duration = 30 * time.Second
	}
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	switch c.Database.Backend {
	case "postgres":
		if c.Database.Postgres.DSN == "" {
			return fmt.Errorf("database.postgres.dsn is required for the postgres backend")
		}
	case "sqlite", "memory":
	default:
		return fmt.Errorf("database.backend must be postgres, sqlite or memory, got %q", c.Database.Backend)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Worker.BatchSize < 1 {
		return fmt.Errorf("worker.batch_size must be positive, got %d", c.Worker.BatchSize)
	}
	if c.Worker.PollInterval.Duration <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	if c.Worker.ClaimTimeout.Duration < 0 {
		return fmt.Errorf("worker.claim_timeout must not be negative")
	}
	switch c.Workflow.HITLMode {
	case "conditional", "interrupt":
	default:
		return fmt.Errorf("workflow.hitl_mode must be conditional or interrupt, got %q", c.Workflow.HITLMode)
	}
	switch c.Workflow.CheckpointBackend {
	case "db", "memory":
	case "redis":
		if c.Database.Redis.URL == "" {
			return fmt.Errorf("database.redis.url is required for the redis checkpoint backend")
		}
	default:
		return fmt.Errorf("workflow.checkpoint_backend must be db, redis or memory, got %q", c.Workflow.CheckpointBackend)
	}
	if c.Workflow.CheckpointTTL.Duration < 0 {
		return fmt.Errorf("workflow.checkpoint_ttl must not be negative")
	}
	return c.ExecutionPolicy().Validate()
}

// ExecutionPolicy converts the execution section into a policy.
func (c *Config) ExecutionPolicy() execution.Policy {
	p := execution.DefaultPolicy()
	p.Mode = execution.ParseMode(c.Execution.Mode)
	p.RequireTTY = p.Mode == execution.ModeInteractive
	if len(c.Execution.AllowlistedCommands) > 0 {
		p.AllowlistedCommands = append([]string(nil), c.Execution.AllowlistedCommands...)
	}
	p.RequireCleanWorkingTree = c.Execution.RequireCleanWorkingTree
	p.CreateBranch = c.Execution.CreateBranch
	if c.Execution.BranchPrefix != "" {
		p.BranchPrefix = c.Execution.BranchPrefix
	}
	return p
}

// ServerEnabled reports whether the management API should be served.
func (c *Config) ServerEnabled() bool { return c.Server.Enabled == nil || *c.Server.Enabled }

// WorkerEnabled reports whether this process runs the scheduler loop.
func (c *Config) WorkerEnabled() bool { return c.Worker.Enabled == nil || *c.Worker.Enabled }

func boolPtr(b bool) *bool { return &b }
