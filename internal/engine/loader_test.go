package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/54b3r/ragkb-go/internal/chunker"
	"github.com/54b3r/ragkb-go/internal/event"
	"github.com/54b3r/ragkb-go/internal/rag"
	"github.com/54b3r/ragkb-go/internal/state"
)

// newSystemEngine builds an engine whose KB directory is pre-populated with
// files. Keys are file names, values are contents.
func newSystemEngine(t *testing.T, emb rag.Embedder, files map[string]string) *Engine {
	t.Helper()
	dir := t.TempDir()
	kbDir := filepath.Join(dir, "docs")
	if err := os.MkdirAll(kbDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(kbDir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	e, err := New(Config{
		KBDir:     kbDir,
		StatePath: filepath.Join(dir, "rag-state.json"),
		Logger:    discardLogger(),
	}, Options{Embedder: emb, Splitter: chunker.New()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func Test_Engine_SystemKBLoad_ScansTxtFiles(t *testing.T) {
	t.Parallel()
	e := newSystemEngine(t, &scriptEmbedder{}, map[string]string{
		"beta.txt":   "beta content",
		"alpha.txt":  "alpha content",
		"readme.md":  "not a knowledge base",
		"notes.json": "also not one",
	})
	ctx := context.Background()

	if err := e.SetMode(ctx, state.ModeMulti); err != nil {
		t.Fatalf("set mode: %v", err)
	}

	st := e.Status()
	if len(st.LoadedNames) != 2 || st.LoadedNames[0] != "alpha" || st.LoadedNames[1] != "beta" {
		t.Errorf("loaded: %v", st.LoadedNames)
	}
	// First load into an empty registry activates the lexicographically
	// first name.
	if st.ActiveName != "alpha" {
		t.Errorf("active: want alpha, got %q", st.ActiveName)
	}
	for _, in := range e.ListKBs() {
		if in.Origin != "system" {
			t.Errorf("origin of %s: %q", in.Name, in.Origin)
		}
	}
}

func Test_Engine_SystemKBLoad_IgnoresSubdirectories(t *testing.T) {
	t.Parallel()
	e := newSystemEngine(t, &scriptEmbedder{}, map[string]string{"top.txt": "content"})
	sub := filepath.Join(e.cfg.KBDir, "nested")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "deep.txt"), []byte("nested content"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := e.SetMode(context.Background(), state.ModeMulti); err != nil {
		t.Fatal(err)
	}
	st := e.Status()
	if len(st.LoadedNames) != 1 || st.LoadedNames[0] != "top" {
		t.Errorf("loaded: %v", st.LoadedNames)
	}
}

func Test_Engine_SystemKBLoad_SkipsFailedFile(t *testing.T) {
	t.Parallel()
	emb := &scriptEmbedder{fail: map[string]error{
		"broken content": errors.New("provider rejected the text"),
	}}
	e := newSystemEngine(t, emb, map[string]string{
		"broken.txt": "broken content",
		"good.txt":   "good content",
	})

	if err := e.SetMode(context.Background(), state.ModeMulti); err != nil {
		t.Fatalf("set mode must succeed despite one bad file: %v", err)
	}
	st := e.Status()
	if len(st.LoadedNames) != 1 || st.LoadedNames[0] != "good" {
		t.Errorf("loaded: %v", st.LoadedNames)
	}
}

func Test_Engine_SystemKBLoad_RunsOnce(t *testing.T) {
	t.Parallel()
	e := newSystemEngine(t, &scriptEmbedder{}, map[string]string{
		"a.txt": "a content",
		"b.txt": "b content",
	})
	ctx := context.Background()

	var mu sync.Mutex
	loads := 0
	cancel := e.Bus().Subscribe(func(ev event.Event) {
		if _, ok := ev.(event.SystemKBsLoaded); ok {
			mu.Lock()
			loads++
			mu.Unlock()
		}
	})
	defer cancel()

	if err := e.SetMode(ctx, state.ModeMulti); err != nil {
		t.Fatal(err)
	}
	if err := e.RemoveKB("a"); err != nil {
		t.Fatal(err)
	}

	// Bouncing through single and back must not rescan: the removal of a
	// system KB sticks until restart.
	if err := e.SetMode(ctx, state.ModeSingle); err != nil {
		t.Fatal(err)
	}
	if err := e.SetMode(ctx, state.ModeMulti); err != nil {
		t.Fatal(err)
	}

	st := e.Status()
	if len(st.LoadedNames) != 1 || st.LoadedNames[0] != "b" {
		t.Errorf("removed system KB reappeared: %v", st.LoadedNames)
	}
	mu.Lock()
	defer mu.Unlock()
	if loads != 1 {
		t.Errorf("system_kbs.loaded published %d times, want 1", loads)
	}
}

func Test_Engine_SystemKBLoad_UserEntryShadowsSystemFile(t *testing.T) {
	t.Parallel()
	e := newSystemEngine(t, &scriptEmbedder{}, map[string]string{
		"shared.txt": "system flavour",
		"other.txt":  "other content",
	})
	ctx := context.Background()

	userPath := writeKBFile(t, "shared.txt", "user flavour")
	if _, _, err := e.AddKB(ctx, userPath); err != nil {
		t.Fatal(err)
	}
	if err := e.SetMode(ctx, state.ModeMulti); err != nil {
		t.Fatal(err)
	}

	infos := e.ListKBs()
	for _, in := range infos {
		if in.Name == "shared" && in.Origin != "user" {
			t.Errorf("shared must stay the user entry, got origin %q", in.Origin)
		}
	}
	st := e.Status()
	if len(st.LoadedNames) != 2 {
		t.Errorf("loaded: %v", st.LoadedNames)
	}
}

func Test_Engine_SetEnabled_TriggersLoadInMultiMode(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	kbDir := filepath.Join(dir, "docs")
	if err := os.MkdirAll(kbDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(kbDir, "sys.txt"), []byte("system content"), 0o644); err != nil {
		t.Fatal(err)
	}
	statePath := filepath.Join(dir, "rag-state.json")
	persisted := state.State{Enabled: false, Mode: state.ModeMulti}
	store, err := state.NewStore(statePath, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(persisted); err != nil {
		t.Fatal(err)
	}

	e, err := New(Config{
		KBDir:     kbDir,
		StatePath: statePath,
		Logger:    discardLogger(),
	}, Options{Embedder: &scriptEmbedder{}, Splitter: chunker.New()})
	if err != nil {
		t.Fatal(err)
	}

	// Disabled multi-mode engines defer the scan until retrieval is
	// actually switched on.
	if got := len(e.Status().LoadedNames); got != 0 {
		t.Fatalf("scan ran before enable: %d KBs", got)
	}
	if err := e.SetEnabled(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	st := e.Status()
	if len(st.LoadedNames) != 1 || st.LoadedNames[0] != "sys" {
		t.Errorf("loaded after enable: %v", st.LoadedNames)
	}
}

// gateEmbedder blocks inside Embed until released, so tests can hold a
// directory scan in flight. It honours cancellation while blocked.
type gateEmbedder struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGateEmbedder() *gateEmbedder {
	return &gateEmbedder{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0, 0, 1}
	}
	return out, nil
}

// waitForWaiters polls until n callers are parked on the in-flight scan.
func waitForWaiters(t *testing.T, e *Engine, n int) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		e.mu.Lock()
		got := len(e.sysWaiters)
		e.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no caller parked on the in-flight scan")
}

func Test_Engine_SystemKBLoad_WaiterCancelled(t *testing.T) {
	t.Parallel()
	g := newGateEmbedder()
	e := newSystemEngine(t, g, map[string]string{"sys.txt": "system content"})

	scanDone := make(chan error, 1)
	go func() { scanDone <- e.SetMode(context.Background(), state.ModeMulti) }()
	<-g.entered

	// A second caller arrives mid-scan and gives up before it finishes.
	wctx, cancelWait := context.WithCancel(context.Background())
	waitDone := make(chan error, 1)
	go func() { waitDone <- e.SetMode(wctx, state.ModeMulti) }()
	waitForWaiters(t, e, 1)

	cancelWait()
	if err := <-waitDone; !IsKind(err, KindCancelled) {
		t.Errorf("waiter: want CANCELLED, got %v", err)
	}

	// The scan itself is unaffected by the waiter's departure.
	close(g.release)
	if err := <-scanDone; err != nil {
		t.Errorf("scan: %v", err)
	}
	if got := e.Status().LoadedNames; len(got) != 1 || got[0] != "sys" {
		t.Errorf("loaded: %v", got)
	}
}

func Test_Engine_SystemKBLoad_ScanFailureReachesWaiters(t *testing.T) {
	t.Parallel()
	g := newGateEmbedder()
	e := newSystemEngine(t, g, map[string]string{"sys.txt": "system content"})

	sctx, cancelScan := context.WithCancel(context.Background())
	scanDone := make(chan error, 1)
	go func() { scanDone <- e.SetMode(sctx, state.ModeMulti) }()
	<-g.entered

	waitDone := make(chan error, 1)
	go func() { waitDone <- e.SetMode(context.Background(), state.ModeMulti) }()
	waitForWaiters(t, e, 1)

	// Kill the scan out from under both callers: the waiter must observe
	// the failure, not a blind success over an empty registry.
	cancelScan()
	if err := <-scanDone; !IsKind(err, KindCancelled) {
		t.Errorf("scanner: want CANCELLED, got %v", err)
	}
	if err := <-waitDone; !IsKind(err, KindCancelled) {
		t.Errorf("waiter: want the scan failure, got %v", err)
	}
	if got := len(e.Status().LoadedNames); got != 0 {
		t.Errorf("failed scan left %d KBs", got)
	}

	// A failed scan stays retryable.
	close(g.release)
	if err := e.SetMode(context.Background(), state.ModeMulti); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := e.Status().LoadedNames; len(got) != 1 || got[0] != "sys" {
		t.Errorf("loaded after retry: %v", got)
	}
}

func Test_Engine_SystemKBLoad_CreatesMissingDirectory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	kbDir := filepath.Join(dir, "does", "not", "exist")
	e, err := New(Config{
		KBDir:     kbDir,
		StatePath: filepath.Join(dir, "rag-state.json"),
		Logger:    discardLogger(),
	}, Options{Embedder: &scriptEmbedder{}, Splitter: chunker.New()})
	if err != nil {
		t.Fatal(err)
	}

	if err := e.SetMode(context.Background(), state.ModeMulti); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if _, err := os.Stat(kbDir); err != nil {
		t.Errorf("kb dir not created: %v", err)
	}
	if got := len(e.Status().LoadedNames); got != 0 {
		t.Errorf("want empty registry, got %d", got)
	}
}
