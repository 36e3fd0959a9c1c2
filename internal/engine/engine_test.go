package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/54b3r/ragkb-go/internal/chunker"
	"github.com/54b3r/ragkb-go/internal/event"
	"github.com/54b3r/ragkb-go/internal/rag"
	"github.com/54b3r/ragkb-go/internal/state"
)

// scriptEmbedder maps exact texts to fixed vectors so similarity scores in
// tests are controlled precisely. Unknown texts get an orthogonal default.
type scriptEmbedder struct {
	mu    sync.Mutex
	vecs  map[string][]float32
	fail  map[string]error
	calls int
}

func (s *scriptEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err, ok := s.fail[t]; ok {
			return nil, err
		}
		v, ok := s.vecs[t]
		if !ok {
			v = []float32{0, 0, 1}
		}
		out[i] = append([]float32(nil), v...)
	}
	return out, nil
}

func (s *scriptEmbedder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ctxEmbedder wraps scriptEmbedder with the cancellation check a real HTTP
// embedder performs before issuing its request.
type ctxEmbedder struct {
	scriptEmbedder
}

func (c *ctxEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.scriptEmbedder.Embed(ctx, texts)
}

// vecCos returns a unit vector whose cosine against (1,0,0) is c.
func vecCos(c float64) []float32 {
	return []float32{float32(c), float32(math.Sqrt(1 - c*c)), 0}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine builds an engine over temp dirs with the scripted embedder
// and the real recursive splitter.
func newTestEngine(t *testing.T, emb rag.Embedder) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := New(Config{
		KBDir:     filepath.Join(dir, "docs"),
		StatePath: filepath.Join(dir, "rag-state.json"),
		Logger:    discardLogger(),
	}, Options{Embedder: emb, Splitter: chunker.New()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

// writeKBFile writes a short document that chunks into a single fragment.
func writeKBFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func Test_Engine_SingleModeQuery_FormatsContext(t *testing.T) {
	t.Parallel()
	const question = "how do goroutines work"
	const doc = "Goroutines are lightweight threads managed by the runtime."
	emb := &scriptEmbedder{vecs: map[string][]float32{
		question: vecCos(1),
		doc:      vecCos(0.91),
	}}
	e := newTestEngine(t, emb)

	if _, _, err := e.AddKB(context.Background(), writeKBFile(t, "gopher.txt", doc)); err != nil {
		t.Fatalf("add: %v", err)
	}

	res, err := e.Query(context.Background(), question, QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Documents) != 1 {
		t.Fatalf("want 1 document, got %d", len(res.Documents))
	}
	if got := res.Documents[0].Score; math.Abs(got-0.955) > 1e-4 {
		t.Errorf("score: want 0.955, got %v", got)
	}
	want := "\n引用 1 (知识库: gopher, 相关度: 95.5%):\n" + doc + "\n"
	if res.Context != want {
		t.Errorf("context:\nwant %q\ngot  %q", want, res.Context)
	}
	if res.Metadata.KBSingle != "gopher" {
		t.Errorf("kb_single: want gopher, got %q", res.Metadata.KBSingle)
	}
	if res.Metadata.MatchCount != 1 || len(res.Metadata.References) != 1 {
		t.Errorf("metadata: %+v", res.Metadata)
	}
}

func Test_Engine_SingleModeQuery_BelowThreshold(t *testing.T) {
	t.Parallel()
	const question = "unrelated question"
	const doc = "content about something else entirely"
	emb := &scriptEmbedder{vecs: map[string][]float32{
		question: vecCos(1),
		doc:      vecCos(0.32), // score 0.66, below the 0.7 threshold
	}}
	e := newTestEngine(t, emb)

	if _, _, err := e.AddKB(context.Background(), writeKBFile(t, "other.txt", doc)); err != nil {
		t.Fatalf("add: %v", err)
	}

	_, err := e.Query(context.Background(), question, QueryOptions{})
	if !IsKind(err, KindNoRelevantContent) {
		t.Errorf("want NO_RELEVANT_CONTENT, got %v", err)
	}
}

func Test_Engine_MultiModeQuery_OrdersAcrossKBs(t *testing.T) {
	t.Parallel()
	const question = "what is an agent loop"
	const progDoc = "Programming patterns for agent loops."
	const agentDoc = "Agents observe, plan, and act."
	emb := &scriptEmbedder{vecs: map[string][]float32{
		question: vecCos(1),
		progDoc:  vecCos(0.76), // score 0.88
		agentDoc: vecCos(0.44), // score 0.72
	}}
	e := newTestEngine(t, emb)
	ctx := context.Background()

	if _, _, err := e.AddKB(ctx, writeKBFile(t, "programming.txt", progDoc)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, _, err := e.AddKB(ctx, writeKBFile(t, "agent-article.txt", agentDoc)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := e.SetMode(ctx, state.ModeMulti); err != nil {
		t.Fatalf("set mode: %v", err)
	}

	res, err := e.Query(ctx, question, QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Documents) != 2 {
		t.Fatalf("want 2 documents, got %d", len(res.Documents))
	}
	if res.Documents[0].KBName != "programming" || res.Documents[1].KBName != "agent-article" {
		t.Errorf("order: got %q then %q", res.Documents[0].KBName, res.Documents[1].KBName)
	}
	if math.Abs(res.Documents[0].Score-0.88) > 1e-4 || math.Abs(res.Documents[1].Score-0.72) > 1e-4 {
		t.Errorf("scores: got %v and %v", res.Documents[0].Score, res.Documents[1].Score)
	}
	wantKBs := []string{"agent-article", "programming"}
	if len(res.Metadata.KBMulti) != 2 || res.Metadata.KBMulti[0] != wantKBs[0] || res.Metadata.KBMulti[1] != wantKBs[1] {
		t.Errorf("kb_multi: want %v, got %v", wantKBs, res.Metadata.KBMulti)
	}
}

func Test_Engine_MultiModeQuery_TieBreaksOnKBName(t *testing.T) {
	t.Parallel()
	const question = "tied question"
	const docZ = "identical relevance, later name"
	const docA = "identical relevance, earlier name"
	emb := &scriptEmbedder{vecs: map[string][]float32{
		question: vecCos(1),
		docZ:     vecCos(0.6),
		docA:     vecCos(0.6),
	}}
	e := newTestEngine(t, emb)
	ctx := context.Background()

	if _, _, err := e.AddKB(ctx, writeKBFile(t, "zeta.txt", docZ)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.AddKB(ctx, writeKBFile(t, "alpha.txt", docA)); err != nil {
		t.Fatal(err)
	}
	if err := e.SetMode(ctx, state.ModeMulti); err != nil {
		t.Fatal(err)
	}

	res, err := e.Query(ctx, question, QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Documents) != 2 {
		t.Fatalf("want 2 documents, got %d", len(res.Documents))
	}
	if res.Documents[0].KBName != "alpha" || res.Documents[1].KBName != "zeta" {
		t.Errorf("tie-break order: got %q then %q", res.Documents[0].KBName, res.Documents[1].KBName)
	}
}

func Test_Engine_MultiModeQuery_CapsResultCount(t *testing.T) {
	t.Parallel()
	const question = "broad question"
	vecs := map[string][]float32{question: vecCos(1)}
	e := newTestEngine(t, &scriptEmbedder{vecs: vecs})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		doc := fmt.Sprintf("relevant document number %d", i)
		vecs[doc] = vecCos(0.9 - float64(i)*0.01)
		if _, _, err := e.AddKB(ctx, writeKBFile(t, fmt.Sprintf("kb%d.txt", i), doc)); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.SetMode(ctx, state.ModeMulti); err != nil {
		t.Fatal(err)
	}

	res, err := e.Query(ctx, question, QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Documents) != 5 {
		t.Errorf("want result capped at 5, got %d", len(res.Documents))
	}
	// The lowest-scoring KB must be the one cut.
	for _, d := range res.Documents {
		if d.KBName == "kb5" {
			t.Errorf("kb5 should have been cut by the cap")
		}
	}
}

func Test_Engine_MultiModeQuery_ToleratesEmptyIndex(t *testing.T) {
	t.Parallel()
	const question = "anything"
	const doc = "the only real content"
	emb := &scriptEmbedder{vecs: map[string][]float32{
		question: vecCos(1),
		doc:      vecCos(0.8),
	}}
	e := newTestEngine(t, emb)
	ctx := context.Background()

	if _, _, err := e.AddKB(ctx, writeKBFile(t, "empty.txt", "")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.AddKB(ctx, writeKBFile(t, "full.txt", doc)); err != nil {
		t.Fatal(err)
	}
	if err := e.SetMode(ctx, state.ModeMulti); err != nil {
		t.Fatal(err)
	}

	res, err := e.Query(ctx, question, QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Documents) != 1 || res.Documents[0].KBName != "full" {
		t.Errorf("want one match from full, got %+v", res.Documents)
	}
}

func Test_Engine_AddKB_DuplicateName(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &scriptEmbedder{})
	ctx := context.Background()
	path := writeKBFile(t, "dup.txt", "some content")

	if _, _, err := e.AddKB(ctx, path); err != nil {
		t.Fatalf("first add: %v", err)
	}
	_, _, err := e.AddKB(ctx, path)
	if !IsKind(err, KindAlreadyExists) {
		t.Errorf("want ALREADY_EXISTS, got %v", err)
	}
}

func Test_Engine_QueryWhileDisabled(t *testing.T) {
	t.Parallel()
	emb := &scriptEmbedder{}
	e := newTestEngine(t, emb)
	ctx := context.Background()

	if _, _, err := e.AddKB(ctx, writeKBFile(t, "kb.txt", "content")); err != nil {
		t.Fatal(err)
	}
	before := emb.callCount()
	if err := e.SetEnabled(ctx, false); err != nil {
		t.Fatal(err)
	}

	_, err := e.Query(ctx, "a question", QueryOptions{})
	if !IsKind(err, KindDisabled) {
		t.Errorf("want DISABLED, got %v", err)
	}
	if emb.callCount() != before {
		t.Errorf("embedder must not run while disabled")
	}
}

func Test_Engine_Query_CancelledContext(t *testing.T) {
	t.Parallel()
	emb := &ctxEmbedder{}
	e := newTestEngine(t, emb)
	ctx := context.Background()

	if _, _, err := e.AddKB(ctx, writeKBFile(t, "kb.txt", "some content")); err != nil {
		t.Fatal(err)
	}
	before := emb.callCount()

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	if _, err := e.Query(cancelled, "a question", QueryOptions{}); !IsKind(err, KindCancelled) {
		t.Errorf("single mode: want CANCELLED, got %v", err)
	}
	if _, err := e.Query(cancelled, "a question", QueryOptions{Mode: state.ModeMulti}); !IsKind(err, KindCancelled) {
		t.Errorf("multi mode: want CANCELLED, got %v", err)
	}
	if emb.callCount() != before {
		t.Errorf("embedder produced vectors for a cancelled query")
	}
}

func Test_Engine_Query_BlankText(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &scriptEmbedder{})
	_, err := e.Query(context.Background(), "   \n\t", QueryOptions{})
	if !IsKind(err, KindInvalidArgument) {
		t.Errorf("want INVALID_ARGUMENT, got %v", err)
	}
}

func Test_Engine_Query_InvalidModeOverride(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &scriptEmbedder{})
	_, err := e.Query(context.Background(), "question", QueryOptions{Mode: "hybrid"})
	if !IsKind(err, KindInvalidArgument) {
		t.Errorf("want INVALID_ARGUMENT, got %v", err)
	}
}

func Test_Engine_Query_ModeOverride(t *testing.T) {
	t.Parallel()
	const question = "q"
	const docA = "first doc"
	const docB = "second doc"
	emb := &scriptEmbedder{vecs: map[string][]float32{
		question: vecCos(1),
		docA:     vecCos(0.8),
		docB:     vecCos(0.7),
	}}
	e := newTestEngine(t, emb)
	ctx := context.Background()

	if _, _, err := e.AddKB(ctx, writeKBFile(t, "a.txt", docA)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.AddKB(ctx, writeKBFile(t, "b.txt", docB)); err != nil {
		t.Fatal(err)
	}

	// Engine stays in single mode; the per-query override fans out anyway.
	res, err := e.Query(ctx, question, QueryOptions{Mode: state.ModeMulti})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Documents) != 2 {
		t.Errorf("want both KBs searched under override, got %d documents", len(res.Documents))
	}
	if e.Status().Mode != state.ModeSingle {
		t.Errorf("override must not change the engine mode")
	}
}

func Test_Engine_Query_NoActiveKB(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &scriptEmbedder{})
	_, err := e.Query(context.Background(), "question", QueryOptions{})
	if !IsKind(err, KindNoActiveKB) {
		t.Errorf("want NO_ACTIVE_KB, got %v", err)
	}
}

func Test_Engine_MultiModeQuery_NoKBLoaded(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &scriptEmbedder{})
	ctx := context.Background()
	if err := e.SetMode(ctx, state.ModeMulti); err != nil {
		t.Fatal(err)
	}
	_, err := e.Query(ctx, "question", QueryOptions{})
	if !IsKind(err, KindNoKBLoaded) {
		t.Errorf("want NO_KB_LOADED, got %v", err)
	}
}

func Test_Engine_FirstAddAutoActivates(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &scriptEmbedder{})
	ctx := context.Background()

	name, chunks, err := e.AddKB(ctx, writeKBFile(t, "first.txt", "content here"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if name != "first" || chunks == 0 {
		t.Errorf("add returned %q/%d", name, chunks)
	}
	if got := e.Status().ActiveName; got != "first" {
		t.Errorf("first add must auto-activate, active=%q", got)
	}

	// A second add must not steal the active pointer.
	if _, _, err := e.AddKB(ctx, writeKBFile(t, "second.txt", "more content")); err != nil {
		t.Fatal(err)
	}
	if got := e.Status().ActiveName; got != "first" {
		t.Errorf("second add changed active to %q", got)
	}
}

func Test_Engine_SwitchAndRemove(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &scriptEmbedder{})
	ctx := context.Background()

	if _, _, err := e.AddKB(ctx, writeKBFile(t, "one.txt", "content one")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.AddKB(ctx, writeKBFile(t, "two.txt", "content two")); err != nil {
		t.Fatal(err)
	}

	if err := e.SwitchKB("two"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if got := e.Status().ActiveName; got != "two" {
		t.Errorf("active after switch: %q", got)
	}
	if err := e.SwitchKB("ghost"); !IsKind(err, KindNotFound) {
		t.Errorf("switch unknown: want NOT_FOUND, got %v", err)
	}

	if err := e.RemoveKB("two"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	st := e.Status()
	if st.ActiveName != "" {
		t.Errorf("removing the active KB must clear active, got %q", st.ActiveName)
	}
	if len(st.LoadedNames) != 1 || st.LoadedNames[0] != "one" {
		t.Errorf("loaded after remove: %v", st.LoadedNames)
	}
	if err := e.RemoveKB("two"); !IsKind(err, KindNotFound) {
		t.Errorf("double remove: want NOT_FOUND, got %v", err)
	}
}

func Test_Engine_StatePersistsAcrossRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	statePath := filepath.Join(dir, "rag-state.json")
	kbPath := writeKBFile(t, "persisted.txt", "durable content")

	newEngine := func() *Engine {
		e, err := New(Config{
			KBDir:     filepath.Join(dir, "docs"),
			StatePath: statePath,
			Logger:    discardLogger(),
		}, Options{Embedder: &scriptEmbedder{}, Splitter: chunker.New()})
		if err != nil {
			t.Fatalf("new engine: %v", err)
		}
		return e
	}

	ctx := context.Background()
	e1 := newEngine()
	if _, _, err := e1.AddKB(ctx, kbPath); err != nil {
		t.Fatal(err)
	}
	if err := e1.SetMode(ctx, state.ModeMulti); err != nil {
		t.Fatal(err)
	}
	if err := e1.SetEnabled(ctx, false); err != nil {
		t.Fatal(err)
	}

	e2 := newEngine()
	st := e2.Status()
	if st.Enabled || st.Mode != state.ModeMulti {
		t.Errorf("restored state: enabled=%v mode=%q", st.Enabled, st.Mode)
	}
	// The active name becomes effective again once the same KB is loaded.
	if st.ActiveName != "" {
		t.Errorf("active must stay pending until the KB loads, got %q", st.ActiveName)
	}
	if _, _, err := e2.AddKB(ctx, kbPath); err != nil {
		t.Fatal(err)
	}
	if got := e2.Status().ActiveName; got != "persisted" {
		t.Errorf("restored active: want persisted, got %q", got)
	}
}

func Test_Engine_SetMode_Invalid(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &scriptEmbedder{})
	if err := e.SetMode(context.Background(), "turbo"); !IsKind(err, KindInvalidArgument) {
		t.Errorf("want INVALID_ARGUMENT, got %v", err)
	}
}

func Test_Engine_PublishesLifecycleEvents(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &scriptEmbedder{})
	ctx := context.Background()

	var mu sync.Mutex
	var types []string
	cancel := e.Bus().Subscribe(func(ev event.Event) {
		mu.Lock()
		types = append(types, ev.Type())
		mu.Unlock()
	})
	defer cancel()

	if _, _, err := e.AddKB(ctx, writeKBFile(t, "ev.txt", "event content")); err != nil {
		t.Fatal(err)
	}
	if err := e.SwitchKB("ev"); err != nil {
		t.Fatal(err)
	}
	if err := e.SetEnabled(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := e.RemoveKB("ev"); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	got := strings.Join(types, ",")
	mu.Unlock()
	want := "kb.added,kb.switched,engine.enabled_changed,kb.removed"
	if got != want {
		t.Errorf("event order:\nwant %s\ngot  %s", want, got)
	}
}

func Test_Engine_NoEventWhenStateUnchanged(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &scriptEmbedder{})
	ctx := context.Background()

	var mu sync.Mutex
	var types []string
	cancel := e.Bus().Subscribe(func(ev event.Event) {
		mu.Lock()
		types = append(types, ev.Type())
		mu.Unlock()
	})
	defer cancel()

	// Fresh engines start enabled in single mode; re-applying either value
	// must not announce a change.
	if err := e.SetEnabled(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := e.SetMode(ctx, state.ModeSingle); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(types) != 0 {
		t.Errorf("no-op transitions published %v", types)
	}
}

func Test_Engine_ListKBs_OrdersSystemThenUser(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &scriptEmbedder{})
	ctx := context.Background()

	if _, _, err := e.AddKB(ctx, writeKBFile(t, "zeta.txt", "z content")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.AddKB(ctx, writeKBFile(t, "alpha.txt", "a content")); err != nil {
		t.Fatal(err)
	}

	infos := e.ListKBs()
	if len(infos) != 2 {
		t.Fatalf("want 2 entries, got %d", len(infos))
	}
	if infos[0].Name != "alpha" || infos[1].Name != "zeta" {
		t.Errorf("order: %q then %q", infos[0].Name, infos[1].Name)
	}
	if !infos[1].Active {
		t.Errorf("zeta was added first and must be active")
	}
	for _, in := range infos {
		if in.Origin != "user" {
			t.Errorf("origin of %s: %q", in.Name, in.Origin)
		}
	}
}
