package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sage-tutor/sage/internal/log"
	"github.com/sage-tutor/sage/internal/session"
	"github.com/sage-tutor/sage/internal/testutil"
	"github.com/sage-tutor/sage/internal/vectorstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRetriever serves canned matches per store and records Add calls.
type fakeRetriever struct {
	mu     sync.Mutex
	kb     []vectorstore.Match
	mem    []vectorstore.Match
	kbErr  error
	memErr error
	addErr error
	added  []vectorstore.Entry
}

func (f *fakeRetriever) Query(_ context.Context, store vectorstore.Store, _ string, k int) ([]vectorstore.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matches []vectorstore.Match
	var err error
	switch store {
	case vectorstore.StoreKnowledge:
		matches, err = f.kb, f.kbErr
	case vectorstore.StoreMemory:
		matches, err = f.mem, f.memErr
	}
	if err != nil {
		return nil, err
	}
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (f *fakeRetriever) Add(_ context.Context, _ vectorstore.Store, entries []vectorstore.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, entries...)
	return nil
}

func (f *fakeRetriever) addedEntries() []vectorstore.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]vectorstore.Entry, len(f.added))
	copy(out, f.added)
	return out
}

func chunkMatch(id, text string, similarity float64) vectorstore.Match {
	return vectorstore.Match{
		Entry:      vectorstore.Entry{ID: id, Kind: vectorstore.KindChunk, Text: text},
		Similarity: similarity,
	}
}

func turnMatch(id, text string, similarity float64) vectorstore.Match {
	return vectorstore.Match{
		Entry:      vectorstore.Entry{ID: id, Kind: vectorstore.KindTurn, Text: text},
		Similarity: similarity,
	}
}

func fastRetry(attempts int) Option {
	return WithRetryPolicy(RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
}

func newTestEngine(t *testing.T, r Retriever, g Generator, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithTokenCounter(HeuristicCounter{}), fastRetry(3)}, opts...)
	e := NewEngine(r, g, log.NewNop(), opts...)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestSendSuccess(t *testing.T) {
	retriever := &fakeRetriever{
		kb:  []vectorstore.Match{chunkMatch("chunk_fact", "The mitochondria is the powerhouse of the cell.", 0.9)},
		mem: []vectorstore.Match{turnMatch("turn_prev", "user: hi", 0.4)},
	}
	generator := testutil.NewScriptedGenerator().Reply("It produces the cell's energy.")
	engine := newTestEngine(t, retriever, generator)
	sess := session.NewStore().Create()

	result, err := engine.Send(context.Background(), sess, "what do mitochondria do?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.Reply != "It produces the cell's energy." {
		t.Errorf("reply = %q", result.Reply)
	}
	if result.Fallback {
		t.Error("unexpected fallback")
	}
	if len(result.Context) == 0 || result.Context[0].Entry.ID != "chunk_fact" {
		t.Errorf("top context = %+v, want chunk_fact first", result.Context)
	}

	turns := sess.Turns()
	if len(turns) != 2 {
		t.Fatalf("session has %d turns, want 2", len(turns))
	}
	if turns[0].Role != session.RoleUser || turns[1].Role != session.RoleAssistant {
		t.Errorf("turn roles = %v, %v", turns[0].Role, turns[1].Role)
	}

	// Close drains the async memory write.
	if err := engine.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	added := retriever.addedEntries()
	if len(added) != 2 {
		t.Fatalf("memory store received %d entries, want 2", len(added))
	}
	if added[0].Kind != vectorstore.KindTurn {
		t.Errorf("entry kind = %v, want turn", added[0].Kind)
	}
	if got := added[0].Metadata[vectorstore.MetaSessionID]; got != sess.ID {
		t.Errorf("session metadata = %q, want %q", got, sess.ID)
	}
	if got := added[1].Metadata[vectorstore.MetaRole]; got != "assistant" {
		t.Errorf("second entry role = %q, want assistant", got)
	}

	st := engine.MemoryWriteStatus()
	if st.Pending != 0 || st.Failed != 0 {
		t.Errorf("memory write status = %+v, want clean", st)
	}
}

func TestSendFallbackWhenNoContext(t *testing.T) {
	retriever := &fakeRetriever{}
	generator := testutil.NewScriptedGenerator()
	engine := newTestEngine(t, retriever, generator)
	sess := session.NewStore().Create()

	result, err := engine.Send(context.Background(), sess, "anything at all?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !result.Fallback || result.Reply != FallbackResponse {
		t.Errorf("result = %+v, want fallback response", result)
	}
	if generator.Calls() != 0 {
		t.Errorf("generator called %d times, want 0", generator.Calls())
	}
	if sess.Len() != 0 {
		t.Errorf("session gained %d turns, want 0", sess.Len())
	}
}

func TestSendMemoryOnlyProceeds(t *testing.T) {
	// An empty knowledge base with usable memory must not short-circuit.
	retriever := &fakeRetriever{
		mem: []vectorstore.Match{turnMatch("turn_a", "user: my name is Ada", 0.8)},
	}
	generator := testutil.NewScriptedGenerator().Reply("Your name is Ada.")
	engine := newTestEngine(t, retriever, generator)
	sess := session.NewStore().Create()

	result, err := engine.Send(context.Background(), sess, "what is my name?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.Fallback {
		t.Error("fell back despite memory context")
	}
	if result.Reply != "Your name is Ada." {
		t.Errorf("reply = %q", result.Reply)
	}
}

func TestSendRetriesTransientFailures(t *testing.T) {
	transient := errors.New("rate limited")
	retriever := &fakeRetriever{kb: []vectorstore.Match{chunkMatch("chunk_a", "fact", 0.9)}}

	t.Run("succeeds within budget", func(t *testing.T) {
		generator := testutil.NewScriptedGenerator().Fail(transient).Fail(transient).Reply("ok")
		engine := newTestEngine(t, retriever, generator, fastRetry(3))
		sess := session.NewStore().Create()

		result, err := engine.Send(context.Background(), sess, "question")
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if result.Reply != "ok" {
			t.Errorf("reply = %q, want ok", result.Reply)
		}
		if generator.Calls() != 3 {
			t.Errorf("generator calls = %d, want 3", generator.Calls())
		}
		if sess.Len() != 2 {
			t.Errorf("session gained %d turns, want 2", sess.Len())
		}
	})

	t.Run("budget exhausted leaves session untouched", func(t *testing.T) {
		generator := testutil.NewScriptedGenerator().Fail(transient).Fail(transient).Reply("ok")
		engine := newTestEngine(t, retriever, generator, fastRetry(2))
		sess := session.NewStore().Create()

		_, err := engine.Send(context.Background(), sess, "question")
		if !errors.Is(err, ErrGenerationFailure) {
			t.Fatalf("got %v, want ErrGenerationFailure", err)
		}
		if sess.Len() != 0 {
			t.Errorf("session gained %d turns, want 0", sess.Len())
		}
	})
}

func TestSendNonRetryableFailsFast(t *testing.T) {
	permanent := errors.New("invalid credentials")
	retriever := &fakeRetriever{kb: []vectorstore.Match{chunkMatch("chunk_a", "fact", 0.9)}}
	generator := testutil.NewScriptedGenerator().Fail(permanent)
	engine := newTestEngine(t, retriever, generator,
		WithRetryClassifier(func(error) bool { return false }))

	_, err := engine.Send(context.Background(), session.NewStore().Create(), "question")
	if !errors.Is(err, ErrGenerationFailure) {
		t.Fatalf("got %v, want ErrGenerationFailure", err)
	}
	if generator.Calls() != 1 {
		t.Errorf("generator calls = %d, want 1", generator.Calls())
	}
}

func TestSendDegradedStores(t *testing.T) {
	down := errors.New("store down")

	t.Run("knowledge down", func(t *testing.T) {
		retriever := &fakeRetriever{
			kbErr: down,
			mem:   []vectorstore.Match{turnMatch("turn_a", "user: hi", 0.5)},
		}
		generator := testutil.NewScriptedGenerator().Reply("hello again")
		engine := newTestEngine(t, retriever, generator)

		result, err := engine.Send(context.Background(), session.NewStore().Create(), "hi")
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if len(result.Warnings) != 1 || result.Warnings[0] != WarnKnowledgeUnavailable {
			t.Errorf("warnings = %v", result.Warnings)
		}
	})

	t.Run("memory down", func(t *testing.T) {
		retriever := &fakeRetriever{
			memErr: down,
			kb:     []vectorstore.Match{chunkMatch("chunk_a", "fact", 0.9)},
		}
		generator := testutil.NewScriptedGenerator().Reply("answer")
		engine := newTestEngine(t, retriever, generator)

		result, err := engine.Send(context.Background(), session.NewStore().Create(), "q")
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if len(result.Warnings) != 1 || result.Warnings[0] != WarnMemoryUnavailable {
			t.Errorf("warnings = %v", result.Warnings)
		}
	})

	t.Run("both down", func(t *testing.T) {
		retriever := &fakeRetriever{kbErr: down, memErr: down}
		engine := newTestEngine(t, retriever, testutil.NewScriptedGenerator())

		_, err := engine.Send(context.Background(), session.NewStore().Create(), "q")
		if !errors.Is(err, vectorstore.ErrStorageIO) {
			t.Errorf("got %v, want ErrStorageIO", err)
		}
	})
}

func TestSendEmptyMessage(t *testing.T) {
	engine := newTestEngine(t, &fakeRetriever{}, testutil.NewScriptedGenerator())
	if _, err := engine.Send(context.Background(), session.NewStore().Create(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("got %v, want ErrEmptyMessage", err)
	}
}

func TestSendAfterClose(t *testing.T) {
	engine := newTestEngine(t, &fakeRetriever{}, testutil.NewScriptedGenerator())
	if err := engine.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := engine.Send(context.Background(), session.NewStore().Create(), "hi"); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

// gateGenerator blocks Generate until released, so tests can hold an
// exchange open at a chosen point.
type gateGenerator struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gateGenerator) Generate(context.Context, string) (string, error) {
	g.entered <- struct{}{}
	<-g.release
	return "late reply", nil
}

func TestSendOverlappingCloseStillPersistsTurns(t *testing.T) {
	retriever := &fakeRetriever{
		kb: []vectorstore.Match{chunkMatch("chunk_a", "fact", 0.9)},
	}
	gen := &gateGenerator{entered: make(chan struct{}), release: make(chan struct{})}
	engine := newTestEngine(t, retriever, gen)
	sess := session.NewStore().Create()

	sendErr := make(chan error, 1)
	go func() {
		_, err := engine.Send(context.Background(), sess, "question")
		sendErr <- err
	}()

	// Close completes while the exchange is still generating: nothing is
	// pending yet, so the drain returns immediately.
	<-gen.entered
	if err := engine.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(gen.release)

	if err := <-sendErr; err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The exchange outlived Close, so its memory write ran synchronously
	// and landed before Send returned.
	if got := len(retriever.addedEntries()); got != 2 {
		t.Fatalf("memory store received %d entries, want 2", got)
	}
	if sess.Len() != 2 {
		t.Errorf("session gained %d turns, want 2", sess.Len())
	}
	st := engine.MemoryWriteStatus()
	if st.Pending != 0 || st.Failed != 0 {
		t.Errorf("status = %+v, want clean", st)
	}
}

func TestMemoryWriteFailureDoesNotFailSend(t *testing.T) {
	retriever := &fakeRetriever{
		kb:     []vectorstore.Match{chunkMatch("chunk_a", "fact", 0.9)},
		addErr: errors.New("disk full"),
	}
	generator := testutil.NewScriptedGenerator().Reply("answer")
	engine := newTestEngine(t, retriever, generator)
	sess := session.NewStore().Create()

	result, err := engine.Send(context.Background(), sess, "q")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.Reply != "answer" {
		t.Errorf("reply = %q", result.Reply)
	}
	if sess.Len() != 2 {
		t.Errorf("session gained %d turns, want 2", sess.Len())
	}

	if err := engine.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	st := engine.MemoryWriteStatus()
	if st.Failed != 1 || st.Pending != 0 {
		t.Errorf("status = %+v, want 1 failed, 0 pending", st)
	}
	if st.LastError == "" {
		t.Error("LastError empty after failed write")
	}
}

func TestMergeMatchesDedup(t *testing.T) {
	a := []vectorstore.Match{
		chunkMatch("chunk_a", "x", 0.9),
		chunkMatch("chunk_shared", "x", 0.5),
	}
	b := []vectorstore.Match{
		turnMatch("turn_b", "x", 0.7),
		{Entry: vectorstore.Entry{ID: "chunk_shared", Kind: vectorstore.KindChunk, Text: "x"}, Similarity: 0.8},
	}

	merged := mergeMatches(a, b)
	if len(merged) != 3 {
		t.Fatalf("got %d merged matches, want 3", len(merged))
	}
	want := []string{"chunk_a", "chunk_shared", "turn_b"}
	for i, w := range want {
		if merged[i].Entry.ID != w {
			t.Errorf("merged[%d] = %s, want %s", i, merged[i].Entry.ID, w)
		}
	}
	// The duplicate keeps its higher similarity.
	if merged[1].Similarity != 0.8 {
		t.Errorf("deduped similarity = %v, want 0.8", merged[1].Similarity)
	}
}

func TestTransitionsCoverEveryNode(t *testing.T) {
	node := NodeRetrieve
	visited := []Node{node}
	for {
		next, ok := Transitions[node]
		if !ok {
			break
		}
		node = next
		visited = append(visited, node)
		if len(visited) > len(Transitions)+1 {
			t.Fatal("transition table contains a cycle")
		}
	}
	want := []Node{NodeRetrieve, NodeAugment, NodeGenerate, NodeUpdateMemory, NodeRespond}
	if len(visited) != len(want) {
		t.Fatalf("walk visited %v, want %v", visited, want)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Errorf("step %d = %v, want %v", i, visited[i], want[i])
		}
	}
}
