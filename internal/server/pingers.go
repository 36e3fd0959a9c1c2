package server

import (
	"context"
	"fmt"

	"github.com/54b3r/ragkb-go/internal/rag"
	"github.com/54b3r/ragkb-go/internal/store"
)

// EmbedderPinger probes the embedding backend by embedding a single short
// text. It satisfies the Pinger interface and is used by GET /api/ready.
type EmbedderPinger struct {
	// embedder is the embedding capability to probe.
	embedder rag.Embedder
	// name identifies the backend in readiness responses (e.g. "ollama").
	name string
}

// NewEmbedderPinger constructs an EmbedderPinger for the given embedder and
// backend name.
func NewEmbedderPinger(e rag.Embedder, name string) *EmbedderPinger {
	return &EmbedderPinger{embedder: e, name: name}
}

// Name returns the backend label used in readiness responses.
func (p *EmbedderPinger) Name() string { return p.name }

// Ping embeds one short text to verify the backend responds. A probe that
// returns no vector counts as a failure.
func (p *EmbedderPinger) Ping(ctx context.Context) error {
	vecs, err := p.embedder.Embed(ctx, []string{"ping"})
	if err != nil {
		return fmt.Errorf("embed failed: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return fmt.Errorf("embed returned no vector")
	}
	return nil
}

// HistoryPinger probes the query history database.
// It satisfies the Pinger interface and is used by GET /api/ready.
type HistoryPinger struct {
	// db is the history store to probe.
	db *store.SQLiteStore
}

// NewHistoryPinger constructs a HistoryPinger for the given store.
func NewHistoryPinger(db *store.SQLiteStore) *HistoryPinger {
	return &HistoryPinger{db: db}
}

// Name returns the dependency label used in readiness responses.
func (p *HistoryPinger) Name() string { return "history" }

// Ping checks the database connection.
func (p *HistoryPinger) Ping(ctx context.Context) error {
	if err := p.db.Ping(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}
