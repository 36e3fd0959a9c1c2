package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/54b3r/ragkb-go/internal/embedder"
	"github.com/54b3r/ragkb-go/internal/rag"
	"github.com/54b3r/ragkb-go/internal/state"
)

// citationFormat renders one retrieved document into the context block. The
// exact byte sequence is frozen: downstream prompts parse the 引用 headers.
const citationFormat = "\n引用 %d (知识库: %s, 相关度: %.1f%%):\n%s\n"

// excerptRunes caps reference excerpts carried in result metadata.
const excerptRunes = 100

// QueryOptions tunes a single query without touching engine state.
type QueryOptions struct {
	// Mode overrides the engine's retrieval mode for this query only.
	// Empty means "use the engine's current mode".
	Mode string
}

// target is one knowledge base selected for searching, snapshotted under the
// engine mutex. The index is immutable, so the search itself runs unlocked.
type target struct {
	name  string
	index *rag.VectorIndex
}

// Query embeds the question once and retrieves the most relevant chunks from
// the active knowledge base (single mode) or all loaded knowledge bases
// (multi mode, searched in parallel). Results below the relevance threshold
// are dropped; an empty result surfaces as NO_RELEVANT_CONTENT.
func (e *Engine) Query(ctx context.Context, text string, opts QueryOptions) (*rag.QueryResult, error) {
	start := time.Now()

	if strings.TrimSpace(text) == "" {
		e.metrics.queriesTotal.WithLabelValues("unknown", "error").Inc()
		return nil, errf(KindInvalidArgument, "query text must not be blank")
	}
	if opts.Mode != "" && opts.Mode != state.ModeSingle && opts.Mode != state.ModeMulti {
		e.metrics.queriesTotal.WithLabelValues("unknown", "error").Inc()
		return nil, errf(KindInvalidArgument, "unknown mode %q (valid: single, multi)", opts.Mode)
	}

	// Snapshot everything the search needs under the mutex. The indexes are
	// immutable once published, so holding references after unlock is safe.
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		e.metrics.queriesTotal.WithLabelValues("unknown", "error").Inc()
		return nil, errf(KindDisabled, "retrieval is disabled")
	}
	mode := e.mode
	if opts.Mode != "" {
		mode = opts.Mode
	}

	var targets []target
	switch mode {
	case state.ModeSingle:
		entry, ok := e.reg.Active()
		if !ok {
			e.mu.Unlock()
			e.metrics.queriesTotal.WithLabelValues(mode, "error").Inc()
			return nil, errf(KindNoActiveKB, "no active knowledge base")
		}
		targets = []target{{name: entry.Name, index: entry.Index}}
	case state.ModeMulti:
		entries := e.reg.Entries()
		if len(entries) == 0 {
			e.mu.Unlock()
			e.metrics.queriesTotal.WithLabelValues(mode, "error").Inc()
			return nil, errf(KindNoKBLoaded, "no knowledge bases loaded")
		}
		for name, entry := range entries {
			targets = append(targets, target{name: name, index: entry.Index})
		}
		sort.Slice(targets, func(i, j int) bool { return targets[i].name < targets[j].name })
	}
	e.mu.Unlock()

	defer func() {
		e.metrics.queryDurationSeconds.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}()

	query, err := e.embedQuery(ctx, text)
	if err != nil {
		e.metrics.queriesTotal.WithLabelValues(mode, "error").Inc()
		return nil, err
	}

	var matches []rag.Match
	if mode == state.ModeSingle {
		matches = e.search(targets[0], query)
	} else {
		matches, err = e.fanOut(ctx, targets, query)
		if err != nil {
			e.metrics.queriesTotal.WithLabelValues(mode, "error").Inc()
			return nil, err
		}
		sort.Slice(matches, func(i, j int) bool {
			if matches[i].Score != matches[j].Score {
				return matches[i].Score > matches[j].Score
			}
			if matches[i].KBName != matches[j].KBName {
				return matches[i].KBName < matches[j].KBName
			}
			return matches[i].ChunkID < matches[j].ChunkID
		})
		if len(matches) > e.cfg.MaxRetrievedDocs {
			matches = matches[:e.cfg.MaxRetrievedDocs]
		}
	}

	if len(matches) == 0 {
		e.metrics.queriesTotal.WithLabelValues(mode, "no_relevant_content").Inc()
		return nil, errf(KindNoRelevantContent, "no content above relevance threshold %v", e.cfg.MinRelevanceScore)
	}

	result := buildResult(mode, targets, matches)

	e.metrics.queriesTotal.WithLabelValues(mode, "ok").Inc()
	e.log.Debug("engine: query completed",
		slog.String("mode", mode),
		slog.Int("matches", len(matches)),
		slog.Float64("top_score", matches[0].Score),
	)
	return result, nil
}

// embedQuery embeds the query text and maps embedder failures into the
// facade error taxonomy.
func (e *Engine) embedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embedder.Embed(ctx, []string{text})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, wrapf(KindCancelled, err, "query cancelled")
		case errors.Is(err, embedder.ErrDimensionMismatch):
			return nil, wrapf(KindDimensionMismatch, err, "query embedding dimension changed mid-process")
		default:
			return nil, wrapf(KindEmbeddingFailed, err, "embedding query failed")
		}
	}
	if len(vecs) != 1 {
		return nil, errf(KindEmbeddingFailed, "embedder returned %d vectors for one text", len(vecs))
	}
	return vecs[0], nil
}

// search runs top-k over one knowledge base and keeps matches at or above
// the relevance threshold.
func (e *Engine) search(t target, query []float32) []rag.Match {
	hits := t.index.TopK(query, e.cfg.MaxRetrievedDocs)
	matches := make([]rag.Match, 0, len(hits))
	for _, h := range hits {
		if h.Score < e.cfg.MinRelevanceScore {
			continue
		}
		c, ok := t.index.Chunk(h.ChunkID)
		if !ok {
			continue
		}
		matches = append(matches, rag.Match{
			Content: c.Content,
			Score:   h.Score,
			KBName:  t.name,
			ChunkID: h.ChunkID,
		})
	}
	return matches
}

// fanOut searches every target in parallel. A panic in one knowledge base's
// search is logged and tolerated: the remaining results still count. Only
// context cancellation aborts the whole query.
func (e *Engine) fanOut(ctx context.Context, targets []target, query []float32) ([]rag.Match, error) {
	perKB := make([][]rag.Match, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("engine: knowledge base search panicked",
						slog.String("kb", t.name),
						slog.Any("panic", r),
					)
				}
			}()
			if gctx.Err() != nil {
				return nil
			}
			perKB[i] = e.search(t, query)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, wrapf(KindCancelled, ctx.Err(), "query cancelled")
	}

	var all []rag.Match
	for _, m := range perKB {
		all = append(all, m...)
	}
	return all, nil
}

// buildResult formats the matches into the citation context block and fills
// the metadata the chat layer consumes.
func buildResult(mode string, targets []target, matches []rag.Match) *rag.QueryResult {
	var b strings.Builder
	refs := make([]rag.Reference, 0, len(matches))
	for i, m := range matches {
		fmt.Fprintf(&b, citationFormat, i+1, m.KBName, m.Score*100, m.Content)
		refs = append(refs, rag.Reference{
			ID:      m.ChunkID,
			Score:   m.Score,
			KB:      m.KBName,
			Excerpt: excerpt(m.Content),
		})
	}

	meta := rag.Metadata{
		MatchCount: len(matches),
		References: refs,
	}
	if mode == state.ModeSingle {
		meta.KBSingle = targets[0].name
	} else {
		names := make([]string, len(targets))
		for i, t := range targets {
			names[i] = t.name
		}
		meta.KBMulti = names
	}

	return &rag.QueryResult{
		Context:   b.String(),
		Documents: matches,
		Metadata:  meta,
	}
}

// excerpt returns a short prefix of content for citation metadata.
func excerpt(content string) string {
	runes := []rune(content)
	if len(runes) <= excerptRunes {
		return content
	}
	return string(runes[:excerptRunes]) + "..."
}
