// Package kb implements knowledge-base ingestion and the two-tier registry
// of loaded knowledge bases. A knowledge base is one source text file,
// chunked and embedded into an immutable in-memory vector index.
package kb

import (
	"path/filepath"
	"strings"

	"github.com/54b3r/ragkb-go/internal/rag"
)

// Origin tags where a knowledge base came from.
type Origin string

const (
	// OriginSystem marks knowledge bases discovered in the configured
	// directory scan.
	OriginSystem Origin = "system"
	// OriginUser marks knowledge bases added explicitly through the facade.
	OriginUser Origin = "user"
)

// Entry is one loaded knowledge base. Entries are immutable after
// publication into the Registry; the registry owns them until removal.
type Entry struct {
	// Name is the non-empty knowledge base name (file basename sans extension).
	Name string

	// SourcePath is the file the knowledge base was built from.
	SourcePath string

	// Index holds the embedded chunks.
	Index *rag.VectorIndex

	// Origin records whether this is a system or user knowledge base.
	Origin Origin
}

// Info is the listing record returned to callers.
type Info struct {
	// Name is the knowledge base name.
	Name string `json:"name"`
	// Path is the source file path.
	Path string `json:"path"`
	// Active reports whether this is the active knowledge base.
	Active bool `json:"active"`
	// Origin is "system" or "user".
	Origin string `json:"origin"`
	// ChunkCount is the number of chunks in the index.
	ChunkCount int `json:"chunk_count"`
}

// NameFromPath derives a knowledge base name from a source file path: the
// base name with its extension stripped.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
