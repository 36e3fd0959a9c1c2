package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragkb-go/internal/chunker"
	"github.com/54b3r/ragkb-go/internal/embedder"
	"github.com/54b3r/ragkb-go/internal/engine"
	"github.com/54b3r/ragkb-go/internal/rag"
)

// engineConfigFromEnv assembles the engine configuration from RAGKB_*
// environment variables. Unset variables leave the zero value so the engine
// applies its own defaults.
func engineConfigFromEnv(log *slog.Logger) engine.Config {
	return engine.Config{
		ChunkSize:         envInt("RAGKB_CHUNK_SIZE"),
		ChunkOverlap:      envInt("RAGKB_CHUNK_OVERLAP"),
		MaxRetrievedDocs:  envInt("RAGKB_MAX_RETRIEVED_DOCS"),
		MinRelevanceScore: envFloat("RAGKB_MIN_RELEVANCE_SCORE"),
		KBDir:             os.Getenv("RAGKB_KB_DIR"),
		StatePath:         os.Getenv("RAGKB_STATE_PATH"),
		Logger:            log,
	}
}

// buildEngine validates the embedding configuration, constructs the provider
// and its adapter, and wires both into a new Engine. The returned embedder is
// the adapter, suitable for readiness probes. metrics may be nil for one-shot
// commands that do not expose /metrics.
func buildEngine(log *slog.Logger, metrics prometheus.Registerer) (*engine.Engine, rag.Embedder, error) {
	if err := embedder.Validate(log); err != nil {
		return nil, nil, err
	}

	provider, err := embedder.NewFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialise embedding provider: %w", err)
	}

	adapter, err := embedder.NewAdapter(provider, embedder.Config{
		BatchSize: envInt("RAGKB_BATCH_SIZE"),
		// -1 keeps the adapter default; 0 is a valid "never retry".
		MaxRetries: envIntOr("RAGKB_MAX_RETRIES", -1),
		RetryDelay: time.Duration(envInt("RAGKB_RETRY_DELAY_MS")) * time.Millisecond,
		Timeout:    time.Duration(envInt("RAGKB_EMBED_TIMEOUT_MS")) * time.Millisecond,
		Logger:     log,
	})
	if err != nil {
		return nil, nil, err
	}

	eng, err := engine.New(engineConfigFromEnv(log), engine.Options{
		Embedder: adapter,
		Splitter: chunker.New(),
		Metrics:  metrics,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialise engine: %w", err)
	}

	return eng, adapter, nil
}

// envInt parses an integer environment variable, returning 0 when unset or
// malformed.
func envInt(key string) int {
	return envIntOr(key, 0)
}

// envIntOr parses an integer environment variable, returning fallback when
// unset or malformed.
func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envFloat parses a float environment variable, returning 0 when unset or
// malformed.
func envFloat(key string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}
