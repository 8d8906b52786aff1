package memory

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestRetriever(t *testing.T, store *SQLiteStore, reranker RerankerSettings) *Retriever {
	t.Helper()
	retr, err := NewRetriever(store, nil, reranker, DefaultRetrievalSettings(), VectorSettings{Enabled: false})
	if err != nil {
		t.Fatalf("new retriever: %v", err)
	}
	t.Cleanup(retr.Close)
	return retr
}

func TestRetrieve_ChineseQueryWithoutVectorLayer(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	retr := newTestRetriever(t, store, RerankerSettings{})

	r1, err := store.InsertRecord(ctx, MemoryRecord{PersonaID: "luna", Content: "用户喜欢喝无糖咖啡", MemoryType: TypePreference, Importance: 0.6})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := runTagBatch(ctx, store, 32); err != nil {
		t.Fatalf("tag batch: %v", err)
	}

	result, err := retr.Retrieve(ctx, RetrieveOptions{PersonaID: "luna", Query: "咖啡", Limit: 5, IncludeShared: true}, nil)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	found := false
	for _, rec := range result.Records {
		if rec.Rowid == r1.Rowid {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected record found via fuzzy/tag layers, got %+v", result.Records)
	}
	for _, layer := range result.Debug.Layers {
		if layer.Layer == LayerVector {
			t.Fatalf("vector layer must not run when disabled: %+v", result.Debug.Layers)
		}
	}
	if !strings.Contains(result.Addon, "用户喜欢喝无糖咖啡") {
		t.Fatalf("expected snippet in addon, got %q", result.Addon)
	}
}

func TestRetrieve_LimitAndBudgetBounds(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	retr := newTestRetriever(t, store, RerankerSettings{})

	for i := 0; i < 10; i++ {
		if _, err := store.InsertRecord(ctx, MemoryRecord{PersonaID: "luna", Content: "enjoys coffee with oat milk every single morning"}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	result, err := retr.Retrieve(ctx, RetrieveOptions{PersonaID: "luna", Query: "coffee", Limit: 3, MaxChars: 60}, nil)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(result.Records) > 3 {
		t.Fatalf("limit exceeded: %d", len(result.Records))
	}
	if got := len([]rune(result.Addon)); got > 60 {
		t.Fatalf("addon budget exceeded: %d chars", got)
	}
}

func TestRetrieve_RerankerFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	retr := newTestRetriever(t, store, RerankerSettings{
		Enabled:  true,
		BaseURL:  "http://127.0.0.1:1",
		Model:    "test-reranker",
		Ratio:    3,
		MinScore: 0.1,
		Timeout:  200 * time.Millisecond,
	})

	for i := 0; i < 5; i++ {
		if _, err := store.InsertRecord(ctx, MemoryRecord{PersonaID: "luna", Content: "drinks black coffee at work"}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	result, err := retr.Retrieve(ctx, RetrieveOptions{PersonaID: "luna", Query: "coffee", Limit: 3}, nil)
	if err != nil {
		t.Fatalf("retrieve with unreachable reranker: %v", err)
	}
	if result.Debug.Reranked {
		t.Fatalf("expected silent fallback, debug says reranked")
	}
	if len(result.Records) != 3 {
		t.Fatalf("fallback must keep pre-rerank count capped at limit, got %d", len(result.Records))
	}
}

func TestRetrieve_CacheHitSkipsPipeline(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	retr := newTestRetriever(t, store, RerankerSettings{})

	if _, err := store.InsertRecord(ctx, MemoryRecord{PersonaID: "luna", Content: "prefers window seats on trains"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	first, err := retr.Retrieve(ctx, RetrieveOptions{PersonaID: "luna", Query: "trains", Limit: 5}, nil)
	if err != nil {
		t.Fatalf("first retrieve: %v", err)
	}
	if first.Debug.CacheHit {
		t.Fatalf("first retrieval must miss the cache")
	}
	retr.cache.Wait()

	second, err := retr.Retrieve(ctx, RetrieveOptions{PersonaID: "luna", Query: "trains", Limit: 5}, nil)
	if err != nil {
		t.Fatalf("second retrieve: %v", err)
	}
	if !second.Debug.CacheHit {
		t.Fatalf("expected cache hit on identical query")
	}
}

func TestRetrieve_AccessBumpSideEffect(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	retr := newTestRetriever(t, store, RerankerSettings{})

	rec, err := store.InsertRecord(ctx, MemoryRecord{PersonaID: "luna", Content: "collects vinyl records"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := retr.Retrieve(ctx, RetrieveOptions{PersonaID: "luna", Query: "vinyl", Limit: 5}, nil); err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	got, err := store.GetRecord(ctx, rec.Rowid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessCount != 1 {
		t.Fatalf("expected access count bump, got %d", got.AccessCount)
	}
}

func TestBuildAddon(t *testing.T) {
	records := []MemoryRecord{
		{Content: "first snippet"},
		{Content: "second snippet"},
		{Content: "third snippet"},
	}

	addon := buildAddon("You are Luna.", records, 2000)
	if !strings.HasPrefix(addon, "You are Luna.") {
		t.Fatalf("persona prompt must lead the addon: %q", addon)
	}
	if !strings.Contains(addon, "first snippet") || !strings.Contains(addon, "third snippet") {
		t.Fatalf("expected all snippets within budget: %q", addon)
	}

	tight := buildAddon("You are Luna.", records, 50)
	if len([]rune(tight)) > 50 {
		t.Fatalf("budget exceeded: %d", len([]rune(tight)))
	}
	if strings.Contains(tight, "third snippet") && !strings.Contains(tight, "first snippet") {
		t.Fatalf("lowest-ranked snippets must drop first: %q", tight)
	}

	clipped := buildAddon(strings.Repeat("長", 100), nil, 40)
	if len([]rune(clipped)) != 40 {
		t.Fatalf("oversized prompt must clip to budget, got %d", len([]rune(clipped)))
	}
}

func TestRetrieve_GraphLayerFailureDegrades(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	retr := newTestRetriever(t, store, RerankerSettings{})

	rec, err := store.InsertRecord(ctx, MemoryRecord{PersonaID: "luna", Content: "alice lives in tokyo"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Break the graph tables underneath the retriever.
	if _, err := store.db.Exec(`DROP TABLE kg_entities`); err != nil {
		t.Fatalf("drop kg_entities: %v", err)
	}

	result, err := retr.Retrieve(ctx, RetrieveOptions{PersonaID: "luna", Query: "tokyo", Limit: 5}, nil)
	if err != nil {
		t.Fatalf("retrieve must survive a broken graph layer: %v", err)
	}

	found := false
	for _, got := range result.Records {
		if got.Rowid == rec.Rowid {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected record via the surviving layers, got %+v", result.Records)
	}
	for _, layer := range result.Debug.Layers {
		if layer.Layer == LayerGraph {
			t.Fatalf("failed graph layer must drop out of the union: %+v", result.Debug.Layers)
		}
	}
}
