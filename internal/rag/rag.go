// Package rag defines the core data model and capability interfaces of the
// knowledge-base retrieval engine: text chunks, similarity matches, query
// results, and the embedding and splitting capabilities the engine consumes.
// Concrete implementations (HTTP embedders, the recursive chunker) satisfy
// these interfaces so the engine never depends on a specific backend.
package rag

import (
	"context"
	"math"
)

// Chunk is an immutable fragment of source text together with its embedding.
// Chunks are created once during ingestion and never mutated afterwards.
type Chunk struct {
	// ID is the chunk identifier, unique and dense within one knowledge base.
	ID int

	// Content is the raw text of the chunk.
	Content string

	// Embedding is the unit-normalised dense vector for Content. All chunks
	// in a process share the dimension pinned at the first successful embed.
	Embedding []float32

	// Start and End are the byte offsets of Content in the origin document.
	Start int
	End   int
}

// Match is a single retrieval hit returned to callers.
type Match struct {
	// Content is the text of the matched chunk.
	Content string `json:"content"`

	// Score is the normalised cosine similarity in [0,1]: (1+cosθ)/2.
	Score float64 `json:"score"`

	// KBName is the knowledge base the chunk came from.
	KBName string `json:"kb_name"`

	// ChunkID is the chunk identifier within KBName.
	ChunkID int `json:"chunk_id"`
}

// Reference is the per-match citation record carried in result metadata.
// References appear in the same order as QueryResult.Documents.
type Reference struct {
	// ID is the chunk identifier within KB.
	ID int `json:"id"`
	// Score is the normalised similarity of the match.
	Score float64 `json:"score"`
	// KB is the knowledge base name.
	KB string `json:"kb"`
	// Excerpt is a short prefix of the matched content.
	Excerpt string `json:"excerpt"`
}

// Metadata is the closed set of fields the chat layer consumes alongside the
// formatted context. Exactly one of KBSingle / KBMulti is populated,
// depending on the retrieval mode that produced the result.
type Metadata struct {
	// MatchCount is the number of documents in the result.
	MatchCount int `json:"match_count"`
	// KBSingle is the knowledge base searched in single mode.
	KBSingle string `json:"kb_single,omitempty"`
	// KBMulti lists the knowledge bases searched in multi mode.
	KBMulti []string `json:"kb_multi,omitempty"`
	// References cites each match, ordered like Documents.
	References []Reference `json:"references"`
}

// QueryResult is the complete answer to one retrieval query.
type QueryResult struct {
	// Context is the formatted citation block ready for LLM prompting.
	Context string `json:"context"`
	// Documents are the matches in descending score order. The order equals
	// the order used to build Context.
	Documents []Match `json:"documents"`
	// Metadata carries match count, searched KB names, and references.
	Metadata Metadata `json:"metadata"`
}

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Fragment is one piece of split source text with its byte offsets.
type Fragment struct {
	// Text is the fragment content.
	Text string
	// Start and End are the byte offsets of Text in the original input.
	Start int
	End   int
}

// Splitter is the interface for dividing source text into overlapping
// fragments under a size budget. Implementations must be deterministic for
// identical inputs and must not drop characters other than to honour the
// size/overlap contract at fragment boundaries.
type Splitter interface {
	// Split divides text into fragments of at most size bytes with the given
	// overlap between consecutive fragments. Empty input yields no fragments.
	Split(text string, size, overlap int) []Fragment
}

// Normalize scales v in place to unit length. Zero-magnitude vectors are
// left unchanged so callers never divide by zero.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}
