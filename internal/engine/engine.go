// Package engine implements the knowledge-base retrieval engine facade: KB
// lifecycle (add, remove, switch, list), durable enabled/mode state, the
// retrieval planner for single- and multi-mode queries, and the lazy
// system-KB loader. One Engine is constructed per process in the
// composition root and injected into its collaborators (HTTP server, CLI);
// there is no hidden global instance.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragkb-go/internal/embedder"
	"github.com/54b3r/ragkb-go/internal/event"
	"github.com/54b3r/ragkb-go/internal/kb"
	"github.com/54b3r/ragkb-go/internal/rag"
	"github.com/54b3r/ragkb-go/internal/state"
)

// Config holds the engine's tunable parameters. Zero values fall back to
// the documented defaults.
type Config struct {
	// ChunkSize is the maximum number of bytes per chunk (default 1000).
	ChunkSize int
	// ChunkOverlap is the overlap between consecutive chunks (default 200,
	// always below ChunkSize).
	ChunkOverlap int
	// MaxRetrievedDocs caps both top-k and the result length (default 5).
	MaxRetrievedDocs int
	// MinRelevanceScore drops matches scoring strictly below it (default 0.7).
	MinRelevanceScore float64
	// KBDir is the system knowledge-base directory (default "docs").
	KBDir string
	// StatePath is the persisted state file (default "rag-state.json").
	StatePath string
	// Logger is the engine's structured logger. Nil falls back to slog.Default.
	Logger *slog.Logger
}

// setDefaults fills zero-valued fields and validates ranges.
func (c *Config) setDefaults() error {
	if c.ChunkSize == 0 {
		c.ChunkSize = 1000
	}
	if c.ChunkSize < 0 || c.ChunkOverlap < 0 {
		return errf(KindInvalidArgument, "chunk size and overlap must not be negative")
	}
	if c.ChunkOverlap == 0 && c.ChunkSize > 200 {
		c.ChunkOverlap = 200
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return errf(KindInvalidArgument, "chunk overlap %d must be below chunk size %d", c.ChunkOverlap, c.ChunkSize)
	}
	if c.MaxRetrievedDocs <= 0 {
		c.MaxRetrievedDocs = 5
	}
	if c.MinRelevanceScore == 0 {
		c.MinRelevanceScore = 0.7
	}
	if c.MinRelevanceScore < 0 || c.MinRelevanceScore > 1 {
		return errf(KindInvalidArgument, "min relevance score %v outside [0,1]", c.MinRelevanceScore)
	}
	if c.KBDir == "" {
		c.KBDir = "docs"
	}
	if c.StatePath == "" {
		c.StatePath = "rag-state.json"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Options carries the engine's injected collaborators.
type Options struct {
	// Embedder is the embedding capability, normally an *embedder.Adapter.
	Embedder rag.Embedder
	// Splitter is the text splitting capability.
	Splitter rag.Splitter
	// Bus receives lifecycle events. Nil constructs a private bus.
	Bus *event.Bus
	// Metrics receives the engine's Prometheus metrics. Nil disables
	// registration (metrics stay inert).
	Metrics prometheus.Registerer
}

// Status is the engine snapshot returned by Engine.Status.
type Status struct {
	// Enabled reports whether retrieval is switched on.
	Enabled bool `json:"enabled"`
	// Mode is the retrieval mode: "single" or "multi".
	Mode string `json:"mode"`
	// ActiveName is the active knowledge base, or "".
	ActiveName string `json:"active_name"`
	// LoadedNames lists the merged view's names in lexicographic order.
	LoadedNames []string `json:"loaded_names"`
	// TotalChunks is the chunk count summed over the merged view.
	TotalChunks int `json:"total_chunks"`
	// ChunkSize and ChunkOverlap echo the ingestion configuration.
	ChunkSize    int `json:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap"`
}

// Engine is the retrieval engine facade. All mutations of the registry and
// the enabled/mode state are serialised on one mutex; vector indexes are
// immutable once published, so queries only need the mutex for their
// initial snapshot.
type Engine struct {
	// cfg holds the resolved configuration.
	cfg Config
	// log is the engine's structured logger.
	log *slog.Logger
	// embedder is the query/ingestion embedding capability.
	embedder rag.Embedder
	// builder runs per-file ingestion.
	builder *kb.Builder
	// bus publishes lifecycle events.
	bus *event.Bus
	// states persists enabled/mode/active across restarts.
	states *state.Store
	// metrics holds the engine's Prometheus instruments.
	metrics *engineMetrics

	// mu serialises every registry and state mutation. It is never held
	// across file reads, embedder calls, or state persistence.
	mu sync.Mutex
	// reg is the two-tier knowledge-base registry, guarded by mu.
	reg *kb.Registry
	// enabled and mode are the volatile copy of persisted state, guarded by mu.
	enabled bool
	mode    string
	// pendingActive is the persisted active name waiting for its KB to be
	// loaded. It is applied (and cleared) on the first commit of a matching
	// entry, and superseded by any explicit switch. Guarded by mu.
	pendingActive string

	// sysLoading gates the one-shot system-KB scan; sysLoaded prevents
	// re-entry once complete. Both are guarded by mu.
	sysLoading bool
	sysLoaded  bool
	// sysScanErr records why the last scan failed, so waiters woken by a
	// failed scan observe the error instead of a false success. Cleared when
	// a new scan starts. Guarded by mu.
	sysScanErr error
	// sysWaiters are callers blocked on an in-flight scan; each channel is
	// closed when the scan finishes.
	sysWaiters []chan struct{}
}

// New constructs an Engine, loads persisted state, and publishes
// engine.state_loaded. The embedder and splitter are required.
func New(cfg Config, opts Options) (*Engine, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	if opts.Embedder == nil {
		return nil, fmt.Errorf("engine: embedder must not be nil")
	}
	if opts.Splitter == nil {
		return nil, fmt.Errorf("engine: splitter must not be nil")
	}

	bus := opts.Bus
	if bus == nil {
		bus = event.NewBus(cfg.Logger)
	}

	builder, err := kb.NewBuilder(opts.Embedder, opts.Splitter, kb.BuilderConfig{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	states, err := state.NewStore(cfg.StatePath, cfg.Logger)
	if err != nil {
		return nil, err
	}

	st := states.Load()

	e := &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		embedder: opts.Embedder,
		builder:  builder,
		bus:      bus,
		states:   states,
		metrics:  newEngineMetrics(opts.Metrics),
		reg:      kb.NewRegistry(),
		enabled:  st.Enabled,
		mode:     st.Mode,
	}
	// The active name from disk may point at a KB that no longer loads;
	// it is validated lazily by single-mode queries, matching the merged
	// view invariant rather than failing startup.
	if st.ActiveName != "" {
		e.restoreActive(st.ActiveName)
	}

	e.log.Info("engine: state loaded",
		slog.Bool("enabled", st.Enabled),
		slog.String("mode", st.Mode),
		slog.String("active", st.ActiveName),
	)
	bus.Publish(event.StateLoaded{Enabled: st.Enabled, Mode: st.Mode, ActiveName: st.ActiveName})

	return e, nil
}

// restoreActive records the persisted active name so it takes effect as
// soon as a matching KB is loaded. The registry rejects unknown names, so
// the raw pointer is kept on the registry only after a successful load;
// until then single-mode queries report NO_ACTIVE_KB.
func (e *Engine) restoreActive(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingActive = name
}

// Bus returns the engine's event bus so collaborators can subscribe.
func (e *Engine) Bus() *event.Bus { return e.bus }

// ListKBs returns the current listing: system entries first (alphabetical),
// then user entries (alphabetical), user entries replacing shadowed system
// entries.
func (e *Engine) ListKBs() []kb.Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg.List()
}

// AddKB ingests the file at path as a user knowledge base and returns its
// name and chunk count. The slow work (read, chunk, embed) happens with the
// engine mutex released; the commit re-checks the name under the mutex, so
// concurrent adds of the same name resolve first-commit-wins.
func (e *Engine) AddKB(ctx context.Context, path string) (string, int, error) {
	name := kb.NameFromPath(path)
	if name == "" {
		return "", 0, errf(KindInvalidArgument, "cannot derive a knowledge base name from %q", path)
	}

	// Prepare: fail fast on an existing name before paying for ingestion.
	e.mu.Lock()
	if e.reg.HasUser(name) {
		e.mu.Unlock()
		return "", 0, errf(KindAlreadyExists, "knowledge base %q already exists", name)
	}
	e.mu.Unlock()

	start := time.Now()
	entry, err := e.builder.Build(ctx, path, kb.OriginUser)
	if err != nil {
		return "", 0, mapIngestErr(ctx, err)
	}
	e.metrics.ingestDurationSeconds.Observe(time.Since(start).Seconds())

	// Commit: re-check under the mutex — another add may have won the race.
	e.mu.Lock()
	wasEmpty := e.reg.Len() == 0
	beforeActive := e.reg.ActiveName()
	if err := e.reg.AddUser(entry); err != nil {
		e.mu.Unlock()
		return "", 0, errf(KindAlreadyExists, "knowledge base %q already exists", name)
	}
	if wasEmpty {
		_ = e.reg.SetActive(name)
	}
	e.applyPendingActiveLocked()
	activated := e.reg.ActiveName() != beforeActive
	e.updateGaugesLocked()
	snap := e.snapshotLocked()
	e.bus.Publish(event.KBAdded{
		Name:       entry.Name,
		Path:       entry.SourcePath,
		ChunkCount: entry.Index.Len(),
		Origin:     string(entry.Origin),
	})
	e.mu.Unlock()

	if activated {
		e.persist(snap)
	}
	return entry.Name, entry.Index.Len(), nil
}

// RemoveKB removes the named knowledge base (user tier preferred when the
// name exists in both). Removing a system KB is allowed and sticky for the
// rest of the process: the directory scan never reruns, so the entry only
// reappears after a restart.
func (e *Engine) RemoveKB(name string) error {
	e.mu.Lock()
	wasActive := e.reg.ActiveName() == name
	if e.pendingActive == name {
		e.pendingActive = ""
	}
	if _, ok := e.reg.Remove(name); !ok {
		e.mu.Unlock()
		return errf(KindNotFound, "knowledge base %q not found", name)
	}
	e.updateGaugesLocked()
	snap := e.snapshotLocked()
	e.bus.Publish(event.KBRemoved{Name: name})
	e.mu.Unlock()

	if wasActive {
		e.persist(snap)
	}
	return nil
}

// SwitchKB marks the named knowledge base as active and persists the
// change. The previous active flag is cleared implicitly — the registry
// holds a single active pointer.
func (e *Engine) SwitchKB(name string) error {
	e.mu.Lock()
	entry, ok := e.reg.Get(name)
	if !ok {
		e.mu.Unlock()
		return errf(KindNotFound, "knowledge base %q not found", name)
	}
	_ = e.reg.SetActive(name)
	e.pendingActive = ""
	snap := e.snapshotLocked()
	e.bus.Publish(event.KBSwitched{Name: entry.Name, Path: entry.SourcePath})
	e.mu.Unlock()

	e.persist(snap)
	return nil
}

// SetEnabled flips the engine enabled flag and persists it. Enabling while
// the mode is already multi triggers the lazy system-KB load; the call
// returns only after that load completes.
func (e *Engine) SetEnabled(ctx context.Context, enabled bool) error {
	e.mu.Lock()
	old := e.enabled
	e.enabled = enabled
	needLoad := enabled && e.mode == state.ModeMulti && !e.sysLoaded
	snap := e.snapshotLocked()
	if old != enabled {
		e.bus.Publish(event.EnabledChanged{Old: old, New: enabled})
	}
	e.mu.Unlock()

	e.persist(snap)

	if needLoad {
		return e.ensureSystemKBs(ctx)
	}
	return nil
}

// SetMode switches the retrieval mode and persists it. Entering multi mode
// triggers the lazy system-KB load if it has not run yet; the call returns
// only after that load completes.
func (e *Engine) SetMode(ctx context.Context, mode string) error {
	if mode != state.ModeSingle && mode != state.ModeMulti {
		return errf(KindInvalidArgument, "unknown mode %q (valid: single, multi)", mode)
	}

	e.mu.Lock()
	old := e.mode
	e.mode = mode
	needLoad := mode == state.ModeMulti && !e.sysLoaded
	snap := e.snapshotLocked()
	if old != mode {
		e.bus.Publish(event.ModeChanged{Old: old, New: mode})
	}
	e.mu.Unlock()

	e.persist(snap)

	if needLoad {
		return e.ensureSystemKBs(ctx)
	}
	return nil
}

// Status returns a consistent snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Enabled:      e.enabled,
		Mode:         e.mode,
		ActiveName:   e.reg.ActiveName(),
		LoadedNames:  e.reg.Names(),
		TotalChunks:  e.reg.TotalChunks(),
		ChunkSize:    e.cfg.ChunkSize,
		ChunkOverlap: e.cfg.ChunkOverlap,
	}
}

// snapshotLocked captures the persistable state. Callers must hold mu.
// A still-pending restored active name is preserved so an unrelated
// mutation persisted before the KB loads does not clobber it.
func (e *Engine) snapshotLocked() state.State {
	active := e.reg.ActiveName()
	if active == "" {
		active = e.pendingActive
	}
	return state.State{
		Enabled:    e.enabled,
		Mode:       e.mode,
		ActiveName: active,
	}
}

// applyPendingActiveLocked activates the restored name once its KB exists.
// Callers must hold mu.
func (e *Engine) applyPendingActiveLocked() {
	if e.pendingActive == "" || e.reg.ActiveName() != "" {
		return
	}
	if _, ok := e.reg.Get(e.pendingActive); ok {
		_ = e.reg.SetActive(e.pendingActive)
		e.pendingActive = ""
	}
}

// updateGaugesLocked refreshes the registry gauges. Callers must hold mu.
func (e *Engine) updateGaugesLocked() {
	e.metrics.loadedKBs.Set(float64(e.reg.Len()))
	e.metrics.totalChunks.Set(float64(e.reg.TotalChunks()))
}

// persist writes the state snapshot outside the critical section. Failures
// are logged and never fail the mutating operation — durability here is
// best-effort.
func (e *Engine) persist(snap state.State) {
	if err := e.states.Save(snap); err != nil {
		e.log.Warn("engine: state persistence failed",
			slog.Any("error", err),
		)
	}
}

// mapIngestErr translates builder failures into the facade error taxonomy.
func mapIngestErr(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return wrapf(KindCancelled, err, "ingestion cancelled")
	case errors.Is(err, embedder.ErrDimensionMismatch):
		return wrapf(KindDimensionMismatch, err, "embedding dimension changed mid-process")
	case isFileError(err):
		return wrapf(KindIO, err, "reading knowledge base file failed")
	default:
		return wrapf(KindEmbeddingFailed, err, "embedding knowledge base failed")
	}
}

// isFileError reports whether err originates in the filesystem read rather
// than the embedding step.
func isFileError(err error) bool {
	var pathErr *fs.PathError
	return errors.As(err, &pathErr)
}
