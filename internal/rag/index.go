package rag

import (
	"fmt"
	"sort"
)

// VectorIndex is the in-memory chunk store for one knowledge base. It is
// append-only during ingestion and immutable once published, so concurrent
// readers need no synchronisation. All embeddings share one dimension and
// are stored unit-normalised, which makes the similarity loop a plain dot
// product over the chunk list.
type VectorIndex struct {
	// dim is the embedding dimension shared by every chunk in the index.
	dim int

	// chunks is the ordered chunk list; chunks[i].ID == i.
	chunks []Chunk
}

// Hit is one similarity result from VectorIndex.TopK.
type Hit struct {
	// ChunkID identifies the matched chunk within the index.
	ChunkID int
	// Score is the normalised cosine similarity (1+cosθ)/2 in [0,1].
	Score float64
}

// NewVectorIndex constructs an empty index for embeddings of the given
// dimension. A dimension of 0 is allowed for a permanently empty index
// (a knowledge base built from a file with no text).
func NewVectorIndex(dim int) (*VectorIndex, error) {
	if dim < 0 {
		return nil, fmt.Errorf("rag: index dimension must not be negative, got %d", dim)
	}
	return &VectorIndex{dim: dim}, nil
}

// Append adds a chunk to the index, normalising its embedding in place.
// The chunk's ID must equal the current length so IDs stay dense and ordered.
// Only the ingestion builder may call Append; once the index is published
// into the registry it must be treated as read-only.
func (x *VectorIndex) Append(c Chunk) error {
	if len(c.Embedding) != x.dim {
		return fmt.Errorf("rag: chunk %d embedding has dimension %d, index expects %d", c.ID, len(c.Embedding), x.dim)
	}
	if c.ID != len(x.chunks) {
		return fmt.Errorf("rag: chunk ID %d out of sequence, next is %d", c.ID, len(x.chunks))
	}
	Normalize(c.Embedding)
	x.chunks = append(x.chunks, c)
	return nil
}

// Len returns the number of chunks in the index.
func (x *VectorIndex) Len() int { return len(x.chunks) }

// Dimension returns the embedding dimension of the index.
func (x *VectorIndex) Dimension() int { return x.dim }

// Chunk returns the chunk with the given ID.
func (x *VectorIndex) Chunk(id int) (Chunk, bool) {
	if id < 0 || id >= len(x.chunks) {
		return Chunk{}, false
	}
	return x.chunks[id], true
}

// TopK returns the k most similar chunks to query in descending score order.
// Scores use the normalised cosine convention (1+cosθ)/2 so they fall in
// [0,1] and compare directly against the configured relevance threshold.
// Equal scores tie-break on the smaller chunk ID. k is clamped to the chunk
// count; an empty index yields an empty result, never an error.
//
// The query vector is normalised on a copy — the caller's slice is not
// modified. A linear scan is deliberate: target corpora are tens of
// thousands of chunks, well inside brute-force territory.
func (x *VectorIndex) TopK(query []float32, k int) []Hit {
	if len(x.chunks) == 0 || k <= 0 {
		return nil
	}
	if len(query) != x.dim {
		return nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	Normalize(q)

	hits := make([]Hit, 0, len(x.chunks))
	for i := range x.chunks {
		cos := dot(x.chunks[i].Embedding, q)
		score := (1 + cos) / 2
		// Guard against float drift outside [0,1].
		if score < 0 {
			score = 0
		} else if score > 1 {
			score = 1
		}
		hits = append(hits, Hit{ChunkID: x.chunks[i].ID, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})

	if k > len(hits) {
		k = len(hits)
	}
	return hits[:k]
}

// dot returns the dot product of two equal-length vectors in float64 to
// avoid accumulating float32 rounding error over long vectors.
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
