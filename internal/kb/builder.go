package kb

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/54b3r/ragkb-go/internal/rag"
)

// BuilderConfig holds the chunking parameters for ingestion.
type BuilderConfig struct {
	// ChunkSize is the maximum number of bytes per chunk. Defaults to 1000.
	ChunkSize int
	// ChunkOverlap is the number of bytes shared between consecutive chunks.
	// Defaults to 200; clamped below ChunkSize.
	ChunkOverlap int
	// Logger records ingestion progress. Nil falls back to slog.Default.
	Logger *slog.Logger
}

// Builder runs the end-to-end ingestion flow for one source file:
// read → split → embed → assemble index. Batching and retry policy are the
// embedder's concern (the engine passes the embedder.Adapter here), so the
// builder stays a straight pipeline.
type Builder struct {
	// embedder converts chunk texts into unit-normalised embeddings.
	embedder rag.Embedder
	// splitter divides source text into overlapping fragments.
	splitter rag.Splitter
	// cfg holds the resolved chunking parameters.
	cfg BuilderConfig
	// log records per-file ingestion progress.
	log *slog.Logger
}

// NewBuilder constructs a Builder from the provided dependencies and config.
func NewBuilder(embedder rag.Embedder, splitter rag.Splitter, cfg BuilderConfig) (*Builder, error) {
	if embedder == nil {
		return nil, fmt.Errorf("kb: embedder must not be nil")
	}
	if splitter == nil {
		return nil, fmt.Errorf("kb: splitter must not be nil")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 10
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Builder{embedder: embedder, splitter: splitter, cfg: cfg, log: log}, nil
}

// Build reads the file at path, splits it into chunks, embeds them, and
// returns a ready Entry tagged with origin. The entry is not yet registered;
// committing it into the registry is the engine's job, which keeps the slow
// I/O here outside the engine mutex. A file with no text yields an entry
// with an empty index.
func (b *Builder) Build(ctx context.Context, path string, origin Origin) (*Entry, error) {
	name := NameFromPath(path)
	if name == "" {
		return nil, fmt.Errorf("kb: cannot derive a name from path %q", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kb: read %s: %w", path, err)
	}

	frags := b.splitter.Split(string(data), b.cfg.ChunkSize, b.cfg.ChunkOverlap)
	if len(frags) == 0 {
		idx, err := rag.NewVectorIndex(0)
		if err != nil {
			return nil, err
		}
		b.log.Info("kb: ingested empty file",
			slog.String("name", name),
			slog.String("path", path),
		)
		return &Entry{Name: name, SourcePath: path, Index: idx, Origin: origin}, nil
	}

	texts := make([]string, len(frags))
	for i, f := range frags {
		texts[i] = f.Text
	}

	vecs, err := b.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("kb: embed %s: %w", path, err)
	}
	if len(vecs) != len(frags) {
		return nil, fmt.Errorf("kb: embedder returned %d vectors for %d chunks", len(vecs), len(frags))
	}

	idx, err := rag.NewVectorIndex(len(vecs[0]))
	if err != nil {
		return nil, err
	}
	for i, f := range frags {
		chunk := rag.Chunk{
			ID:        i,
			Content:   f.Text,
			Embedding: vecs[i],
			Start:     f.Start,
			End:       f.End,
		}
		if err := idx.Append(chunk); err != nil {
			return nil, fmt.Errorf("kb: index %s: %w", path, err)
		}
	}

	b.log.Info("kb: ingested",
		slog.String("name", name),
		slog.String("path", path),
		slog.Int("chunks", idx.Len()),
	)

	return &Entry{Name: name, SourcePath: path, Index: idx, Origin: origin}, nil
}
