// Package config loads the service configuration from YAML with environment
// variable expansion and env overrides for the deployment-facing knobs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables honored on top of the config file.
const (
	EnvToolProviders     = "TOOL_PROVIDERS"
	EnvToolProvidersFile = "TOOL_PROVIDERS_FILE"
	EnvReplayMode        = "REPLAY_MODE"
	EnvOpenAIKey         = "OPENAI_API_KEY"
	EnvAnthropicKey      = "ANTHROPIC_API_KEY"
	EnvDatabaseURL       = "DATABASE_URL"
	EnvOTELEndpoint      = "OTEL_ENDPOINT"
)

// Config is the main configuration structure for the Axon replay service.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
	Replay   ReplayConfig   `yaml:"replay"`
	Tools    ToolsConfig    `yaml:"tools"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig selects the storage backend. Driver is one of "memory",
// "sqlite", or "postgres".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`

	// Path is the SQLite database file, ":memory:" for ephemeral storage.
	Path string `yaml:"path"`

	// URL is the Postgres connection string.
	URL string `yaml:"url"`
}

type LLMConfig struct {
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`

	// DefaultModel backs replay requests that name no model.
	DefaultModel string `yaml:"default_model"`
}

type ReplayConfig struct {
	// Mode selects the subgraph policy: "", "component", or "full".
	Mode string `yaml:"mode"`

	// ModelTimeout bounds the replay model call.
	ModelTimeout time.Duration `yaml:"model_timeout"`
}

type ToolsConfig struct {
	// Providers is the inline JSON tool provider map, same shape as the
	// TOOL_PROVIDERS environment variable.
	Providers string `yaml:"providers"`

	// ProvidersFile points at a JSON file with the provider map; the file is
	// watched and hot-reloaded.
	ProvidersFile string `yaml:"providers_file"`

	// FetchTimeout bounds each tool HTTP fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

type SweeperConfig struct {
	// Schedule is a cron expression for the trace deadline sweep.
	Schedule string `yaml:"schedule"`

	// TraceDeadline closes running traces older than this.
	TraceDeadline time.Duration `yaml:"trace_deadline"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector address; empty disables span
	// export.
	Endpoint string `yaml:"endpoint"`

	// SampleRate is the fraction of replays recorded; 0 means record all.
	SampleRate float64 `yaml:"sample_rate"`

	// Insecure disables TLS on the collector connection.
	Insecure bool `yaml:"insecure"`
}

// Load reads and parses the configuration file, expanding environment
// variables in its text. An empty path yields pure defaults plus env
// overrides.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// applyEnv overlays the deployment environment variables. Env wins over the
// file for the keys operators actually set per-environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvToolProviders); v != "" {
		cfg.Tools.Providers = v
	}
	if v := os.Getenv(EnvToolProvidersFile); v != "" {
		cfg.Tools.ProvidersFile = v
	}
	if v := os.Getenv(EnvReplayMode); v != "" {
		cfg.Replay.Mode = v
	}
	if v := os.Getenv(EnvOpenAIKey); v != "" {
		cfg.LLM.OpenAIAPIKey = v
	}
	if v := os.Getenv(EnvAnthropicKey); v != "" {
		cfg.LLM.AnthropicAPIKey = v
	}
	if v := os.Getenv(EnvOTELEndpoint); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		cfg.Database.URL = v
		if cfg.Database.Driver == "" {
			cfg.Database.Driver = "postgres"
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "axon.db"
	}
	if cfg.LLM.DefaultModel == "" {
		cfg.LLM.DefaultModel = "gpt-4o-mini"
	}
	if cfg.Replay.ModelTimeout == 0 {
		cfg.Replay.ModelTimeout = 120 * time.Second
	}
	if cfg.Tools.FetchTimeout == 0 {
		cfg.Tools.FetchTimeout = 10 * time.Second
	}
	if cfg.Sweeper.Schedule == "" {
		cfg.Sweeper.Schedule = "*/5 * * * *"
	}
	if cfg.Sweeper.TraceDeadline == 0 {
		cfg.Sweeper.TraceDeadline = 30 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
