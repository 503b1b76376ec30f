// Package config provides configuration loading for memfork.
//
// Configuration is a flat structure loaded from an optional YAML file with
// an environment-variable overlay. A .env file in the working directory is
// honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	// DatabaseURL is the storage DSN. For SQLite this is a file path or
	// "file::memory:?cache=shared" style DSN.
	DatabaseURL string `yaml:"database_url"`

	// EmbeddingProvider selects the embedder: openai, doubao, or mock.
	EmbeddingProvider string `yaml:"embedding_provider"`

	// EmbeddingDimension is the vector dimension the provider emits.
	EmbeddingDimension int `yaml:"embedding_dimension"`

	// EmbeddingAPIKey authenticates the embedding provider.
	EmbeddingAPIKey string `yaml:"embedding_api_key"`

	// EmbeddingBaseURL overrides the embedding endpoint.
	EmbeddingBaseURL string `yaml:"embedding_base_url"`

	// EmbeddingModel overrides the embedding model name.
	EmbeddingModel string `yaml:"embedding_model"`

	// LLMAPIKey authenticates the judge LLM. Empty disables the judge;
	// verification falls back to heuristics.
	LLMAPIKey string `yaml:"llm_api_key"`

	// LLMBaseURL overrides the judge endpoint.
	LLMBaseURL string `yaml:"llm_base_url"`

	// LLMModel is the judge model name.
	LLMModel string `yaml:"llm_model"`

	// APIKey gates the HTTP surface. Empty means open access.
	APIKey string `yaml:"api_key"`

	// RateLimit is requests per minute per caller. 0 disables limiting.
	RateLimit int `yaml:"rate_limit"`

	// Host and Port bind the HTTP listener.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`

	// DefaultBranch is the root branch name.
	DefaultBranch string `yaml:"default_branch"`

	// Context carriers for hook-initiated captures.
	TaskID        string `yaml:"task_id"`
	AgentID       string `yaml:"agent_id"`
	ParentSession string `yaml:"parent_session"`

	// VectorIndexPath persists the in-process vector index. Empty keeps
	// it memory-only.
	VectorIndexPath string `yaml:"vector_index_path"`
}

// SetDefaults fills zero values with defaults.
func (c *Config) SetDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = "memfork.db"
	}
	if c.EmbeddingProvider == "" {
		c.EmbeddingProvider = "mock"
	}
	if c.EmbeddingDimension == 0 {
		c.EmbeddingDimension = 1536
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DefaultBranch == "" {
		c.DefaultBranch = "main"
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	switch c.EmbeddingProvider {
	case "openai", "doubao", "mock":
	default:
		return fmt.Errorf("unsupported embedding_provider: %s", c.EmbeddingProvider)
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("embedding_dimension must be positive, got %d", c.EmbeddingDimension)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be >= 0, got %d", c.RateLimit)
	}
	return nil
}

// Load reads a YAML config file (optional), applies the environment
// overlay, then defaults, then validates.
func Load(path string) (*Config, error) {
	loadDotEnv()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays MEMFORK_* environment variables onto the config.
func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr(&c.DatabaseURL, "MEMFORK_DATABASE_URL")
	setStr(&c.EmbeddingProvider, "MEMFORK_EMBEDDING_PROVIDER")
	setInt(&c.EmbeddingDimension, "MEMFORK_EMBEDDING_DIMENSION")
	setStr(&c.EmbeddingAPIKey, "MEMFORK_EMBEDDING_API_KEY")
	setStr(&c.EmbeddingBaseURL, "MEMFORK_EMBEDDING_BASE_URL")
	setStr(&c.EmbeddingModel, "MEMFORK_EMBEDDING_MODEL")
	setStr(&c.LLMAPIKey, "MEMFORK_LLM_API_KEY")
	setStr(&c.LLMBaseURL, "MEMFORK_LLM_BASE_URL")
	setStr(&c.LLMModel, "MEMFORK_LLM_MODEL")
	setStr(&c.APIKey, "MEMFORK_API_KEY")
	setInt(&c.RateLimit, "MEMFORK_RATE_LIMIT")
	setStr(&c.Host, "MEMFORK_HOST")
	setInt(&c.Port, "MEMFORK_PORT")
	setStr(&c.LogLevel, "MEMFORK_LOG_LEVEL")
	setStr(&c.DefaultBranch, "MEMFORK_DEFAULT_BRANCH")
	setStr(&c.TaskID, "MEMFORK_TASK_ID")
	setStr(&c.AgentID, "MEMFORK_AGENT_ID")
	setStr(&c.ParentSession, "MEMFORK_PARENT_SESSION")
	setStr(&c.VectorIndexPath, "MEMFORK_VECTOR_INDEX_PATH")
}
