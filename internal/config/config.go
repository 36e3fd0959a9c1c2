// Package config provides YAML-based configuration for ragkb.
// Configuration is loaded with a layered precedence: defaults → YAML file → env vars.
// Environment variables always win, so existing workflows are unaffected.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. RAGKB_CONFIG environment variable
//  3. ~/.ragkb/config.yaml
//  4. ./ragkb.yaml
//
// If no file is found the system runs entirely from env vars (backwards compatible).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration structure.
// Field names use yaml tags that mirror the env var naming (lowercase, underscored).
type Config struct {
	// Embedding configures the embedding provider.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Retrieval configures chunking and retrieval behaviour.
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Server configures the HTTP server.
	Server ServerConfig `yaml:"server"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// History configures query history persistence.
	History HistoryConfig `yaml:"history"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider selects the embedding backend (ollama, openai, azure).
	Provider string `yaml:"provider"`
	// Model is the embedding model name.
	Model string `yaml:"model"`
	// Dimensions overrides the embedding vector size.
	Dimensions int `yaml:"dimensions"`
	// APIKey is the embedding API key. Prefer env var EMBEDDING_API_KEY.
	APIKey string `yaml:"api_key"`
	// Endpoint is the embedding API endpoint.
	Endpoint string `yaml:"endpoint"`
	// OllamaHost is the Ollama API endpoint used when no explicit
	// embedding endpoint is set.
	OllamaHost string `yaml:"ollama_host"`
}

// RetrievalConfig holds chunking and retrieval settings.
type RetrievalConfig struct {
	// ChunkSize is the maximum chunk size in bytes.
	ChunkSize int `yaml:"chunk_size"`
	// ChunkOverlap is the overlap between consecutive chunks.
	ChunkOverlap int `yaml:"chunk_overlap"`
	// MaxRetrievedDocs caps the number of documents per query.
	MaxRetrievedDocs int `yaml:"max_retrieved_docs"`
	// MinRelevanceScore drops matches scoring below it (0.0–1.0).
	MinRelevanceScore float64 `yaml:"min_relevance_score"`
	// KBDir is the system knowledge-base directory.
	KBDir string `yaml:"kb_dir"`
	// StatePath is the persisted engine state file.
	StatePath string `yaml:"state_path"`
	// BatchSize is the maximum embedding request size.
	BatchSize int `yaml:"batch_size"`
	// MaxRetries is the embedder transient-failure retry count.
	MaxRetries int `yaml:"max_retries"`
	// RetryDelayMS is the initial embedder back-off in milliseconds.
	RetryDelayMS int `yaml:"retry_delay_ms"`
	// EmbedTimeoutMS is the per-call embedder timeout in milliseconds.
	EmbedTimeoutMS int `yaml:"embed_timeout_ms"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the bind address.
	Host string `yaml:"host"`
	// Port is the TCP port.
	Port int `yaml:"port"`
	// APIKey is the Bearer token for API authentication. Prefer env var RAGKB_API_KEY.
	APIKey string `yaml:"api_key"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format"`
}

// HistoryConfig holds query history settings.
type HistoryConfig struct {
	// DBPath is the SQLite database path. Set to "disabled" to disable.
	DBPath string `yaml:"db_path"`
}

// envMapping maps YAML config fields to their corresponding env var names.
// Only non-empty YAML values are applied; env vars always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"OLLAMA_HOST", func(c *Config) string { return c.Embedding.OllamaHost }},
	{"RAGKB_CHUNK_SIZE", func(c *Config) string { return intStr(c.Retrieval.ChunkSize) }},
	{"RAGKB_CHUNK_OVERLAP", func(c *Config) string { return intStr(c.Retrieval.ChunkOverlap) }},
	{"RAGKB_MAX_RETRIEVED_DOCS", func(c *Config) string { return intStr(c.Retrieval.MaxRetrievedDocs) }},
	{"RAGKB_MIN_RELEVANCE_SCORE", func(c *Config) string { return floatStr(c.Retrieval.MinRelevanceScore) }},
	{"RAGKB_KB_DIR", func(c *Config) string { return c.Retrieval.KBDir }},
	{"RAGKB_STATE_PATH", func(c *Config) string { return c.Retrieval.StatePath }},
	{"RAGKB_BATCH_SIZE", func(c *Config) string { return intStr(c.Retrieval.BatchSize) }},
	{"RAGKB_MAX_RETRIES", func(c *Config) string { return intStr(c.Retrieval.MaxRetries) }},
	{"RAGKB_RETRY_DELAY_MS", func(c *Config) string { return intStr(c.Retrieval.RetryDelayMS) }},
	{"RAGKB_EMBED_TIMEOUT_MS", func(c *Config) string { return intStr(c.Retrieval.EmbedTimeoutMS) }},
	{"RAGKB_HOST", func(c *Config) string { return c.Server.Host }},
	{"RAGKB_PORT", func(c *Config) string { return intStr(c.Server.Port) }},
	{"RAGKB_API_KEY", func(c *Config) string { return c.Server.APIKey }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
	{"RAGKB_HISTORY_DB", func(c *Config) string { return c.History.DBPath }},
}

// Load reads a YAML config file and applies non-empty values as environment
// variables. Existing env vars are never overwritten (env always wins).
// Returns the path that was loaded, or empty string if no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&cfg)
		if yamlVal == "" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue // env var already set — do not override
		}
		os.Setenv(m.envKey, yamlVal)
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)

	return path, nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("RAGKB_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".ragkb", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("ragkb.yaml"); err == nil {
		return "ragkb.yaml"
	}

	return ""
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

// floatStr converts a float64 to string, returning "" for zero values.
func floatStr(v float64) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}
