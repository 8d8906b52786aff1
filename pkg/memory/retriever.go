package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
)

// RetrievalSettings bounds the layered retrieval pipeline.
type RetrievalSettings struct {
	DefaultLimit    int
	MaxLimit        int
	DefaultMaxChars int
	// LayerLimit caps each layer's contribution before the union.
	LayerLimit int
	// TagFanout caps one-hop tag expansion.
	TagFanout int
	CacheTTL  time.Duration
}

func DefaultRetrievalSettings() RetrievalSettings {
	return RetrievalSettings{
		DefaultLimit:    8,
		MaxLimit:        50,
		DefaultMaxChars: 2000,
		LayerLimit:      20,
		TagFanout:       5,
		CacheTTL:        20 * time.Second,
	}
}

// Retriever composes the six retrieval layers over one store.
type Retriever struct {
	store    *SQLiteStore
	ai       *AIClient
	reranker *rerankClient
	settings RetrievalSettings
	vectors  VectorSettings
	cache    *ristretto.Cache
}

func NewRetriever(store *SQLiteStore, ai *AIClient, reranker RerankerSettings, settings RetrievalSettings, vectors VectorSettings) (*Retriever, error) {
	if settings.DefaultLimit <= 0 {
		settings = DefaultRetrievalSettings()
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     8 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval cache: %w", err)
	}
	return &Retriever{
		store:    store,
		ai:       ai,
		reranker: newRerankClient(reranker),
		settings: settings,
		vectors:  vectors,
		cache:    cache,
	}, nil
}

func (r *Retriever) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
}

type candidate struct {
	record     MemoryRecord
	layer      string
	layerScore float64
}

func recencyWeight(createdAt, now time.Time) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-ageDays / 30)
}

func compositeScore(c candidate, now time.Time) float64 {
	return 0.30*c.layerScore +
		0.20*recencyWeight(c.record.CreatedAt, now) +
		0.20*c.record.Importance +
		0.15*c.record.Strength +
		0.15*c.record.Retention
}

// Retrieve runs the layer pipeline and assembles the prompt addon.
// Failing optional layers are dropped from the union; only a store-level
// failure is a hard error.
func (r *Retriever) Retrieve(ctx context.Context, opts RetrieveOptions, persona *Persona) (RetrieveResult, error) {
	start := time.Now()
	limit := opts.Limit
	if limit <= 0 {
		limit = r.settings.DefaultLimit
	}
	if limit > r.settings.MaxLimit {
		limit = r.settings.MaxLimit
	}
	maxChars := opts.MaxChars
	if maxChars <= 0 {
		maxChars = r.settings.DefaultMaxChars
	}

	prompt := ""
	if persona != nil {
		prompt = persona.Prompt
	}

	cacheKey := fmt.Sprintf("%s|%s|%d|%d|%t", opts.PersonaID, opts.Query, limit, maxChars, opts.IncludeShared)
	if cached, ok := r.cache.Get(cacheKey); ok {
		if res, ok := cached.(RetrieveResult); ok {
			res.Debug.CacheHit = true
			return res, nil
		}
	}

	union := map[int64]candidate{}
	layers := []LayerStat{}
	addLayer := func(name string, hits []MemoryRecord, elapsed time.Duration) {
		layers = append(layers, LayerStat{Layer: name, Hits: len(hits), Millis: elapsed.Milliseconds()})
		for i, rec := range hits {
			if _, seen := union[rec.Rowid]; seen {
				continue
			}
			score := 1.0
			if len(hits) > 1 {
				score = 1 - float64(i)/float64(len(hits))
			}
			union[rec.Rowid] = candidate{record: rec, layer: name, layerScore: score}
		}
	}

	now := time.Now()
	layerLimit := r.settings.LayerLimit
	queryTokens := tokenize(opts.Query)

	if window, ok := resolveTimeCue(opts.Query, now); ok {
		t0 := time.Now()
		hits, err := r.store.SearchTimeRange(ctx, opts.PersonaID, opts.IncludeShared, window.From, window.To, layerLimit)
		if err != nil {
			return RetrieveResult{}, err
		}
		addLayer(LayerTime, hits, time.Since(t0))
	}

	if match := buildFTSQuery(opts.Query); match != "" {
		t0 := time.Now()
		hits, err := r.store.SearchFTS(ctx, opts.PersonaID, opts.IncludeShared, match, layerLimit)
		if err != nil {
			return RetrieveResult{}, err
		}
		addLayer(LayerFTS, hits, time.Since(t0))
	}

	if len(union) < limit && strings.TrimSpace(opts.Query) != "" {
		terms := queryTokens
		if len(terms) > 6 {
			terms = terms[:6]
		}
		if len(terms) == 0 {
			terms = []string{strings.TrimSpace(opts.Query)}
		}
		t0 := time.Now()
		hits, err := r.store.SearchLike(ctx, opts.PersonaID, opts.IncludeShared, terms, layerLimit)
		if err != nil {
			return RetrieveResult{}, err
		}
		addLayer(LayerFuzzy, hits, time.Since(t0))
	}

	if len(queryTokens) > 0 {
		t0 := time.Now()
		tags := queryTokens
		if adjacent, err := r.store.AdjacentTags(ctx, tags, r.settings.TagFanout); err == nil {
			tags = append(append([]string{}, tags...), adjacent...)
		}
		hits, err := r.store.RecordsWithTags(ctx, opts.PersonaID, opts.IncludeShared, tags, layerLimit)
		if err != nil {
			return RetrieveResult{}, err
		}
		addLayer(LayerTag, hits, time.Since(t0))
	}

	if r.vectors.Enabled && r.ai != nil {
		t0 := time.Now()
		if hits, err := r.vectorLayer(ctx, opts); err == nil {
			addLayer(LayerVector, hits, time.Since(t0))
		}
	}

	// Like the vector layer, a failing graph layer drops out of the union
	// instead of failing the whole retrieval.
	if len(queryTokens) > 0 {
		t0 := time.Now()
		if entities, err := r.store.EntitiesByNames(ctx, queryTokens); err == nil && len(entities) > 0 {
			ids := make([]string, 0, len(entities))
			for _, e := range entities {
				ids = append(ids, e.ID)
			}
			if hits, err := r.store.RecordsForEntities(ctx, opts.PersonaID, opts.IncludeShared, ids, layerLimit); err == nil {
				addLayer(LayerGraph, hits, time.Since(t0))
			}
		}
	}

	ranked := make([]candidate, 0, len(union))
	for _, c := range union {
		ranked = append(ranked, c)
	}
	sort.Slice(ranked, func(i, j int) bool {
		si, sj := compositeScore(ranked[i], now), compositeScore(ranked[j], now)
		if si != sj {
			return si > sj
		}
		return ranked[i].record.Rowid > ranked[j].record.Rowid
	})

	reranked := false
	if r.reranker.enabled() && len(ranked) > 1 {
		ranked, reranked = r.applyRerank(ctx, opts.Query, ranked, limit)
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	records := make([]MemoryRecord, 0, len(ranked))
	rowids := make([]int64, 0, len(ranked))
	for _, c := range ranked {
		records = append(records, c.record)
		rowids = append(rowids, c.record.Rowid)
	}

	result := RetrieveResult{
		Addon:   buildAddon(prompt, records, maxChars),
		Records: records,
		Debug: RetrievalDebug{
			TraceID:      uuid.NewString(),
			Layers:       layers,
			Candidates:   len(union),
			Reranked:     reranked,
			ElapsedMilli: time.Since(start).Milliseconds(),
		},
	}

	// Read-through side effect, best-effort.
	_ = r.store.BumpAccess(ctx, rowids)

	r.cache.SetWithTTL(cacheKey, result, int64(len(result.Addon))+1, r.settings.CacheTTL)
	return result, nil
}

func (r *Retriever) vectorLayer(ctx context.Context, opts RetrieveOptions) ([]MemoryRecord, error) {
	vecs, err := r.ai.Embed(ctx, []string{opts.Query})
	if err != nil {
		return nil, err
	}
	window, err := r.store.EmbeddedWindow(ctx, opts.PersonaID, opts.IncludeShared, r.vectors.ScanWindow)
	if err != nil {
		return nil, err
	}
	type scored struct {
		rec   MemoryRecord
		score float64
	}
	hits := []scored{}
	for _, er := range window {
		score := cosineSimilarity(vecs[0], er.Vector)
		if score >= r.vectors.MinScore {
			hits = append(hits, scored{rec: er.Record, score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	topK := r.vectors.TopK
	if topK <= 0 {
		topK = DefaultVectorSettings().TopK
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}
	out := make([]MemoryRecord, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.rec)
	}
	return out, nil
}

// applyRerank sends the top limit*ratio candidates for external scoring.
// Candidates the scorer filtered out are re-appended in pre-rerank order,
// so reranking reorders but never shrinks the result. Any failure keeps
// the original order.
func (r *Retriever) applyRerank(ctx context.Context, query string, ranked []candidate, limit int) ([]candidate, bool) {
	ratio := r.reranker.settings.Ratio
	if ratio < 1 {
		ratio = DefaultRerankerSettings().Ratio
	}
	window := int(float64(limit) * ratio)
	if window > len(ranked) {
		window = len(ranked)
	}
	docs := make([]string, 0, window)
	for _, c := range ranked[:window] {
		docs = append(docs, c.record.Content)
	}

	hits, err := r.reranker.rerank(ctx, query, docs)
	if err != nil {
		return ranked, false
	}

	taken := make([]bool, window)
	reordered := make([]candidate, 0, len(ranked))
	for _, h := range hits {
		if !taken[h.Index] {
			taken[h.Index] = true
			reordered = append(reordered, ranked[h.Index])
		}
	}
	for i := 0; i < window; i++ {
		if !taken[i] {
			reordered = append(reordered, ranked[i])
		}
	}
	reordered = append(reordered, ranked[window:]...)
	return reordered, true
}

// buildAddon assembles the prompt-injectable text: persona prompt first,
// then memory snippets best-first, dropping the lowest-ranked snippets to
// stay inside the character budget.
func buildAddon(personaPrompt string, records []MemoryRecord, maxChars int) string {
	var b strings.Builder
	prompt := strings.TrimSpace(personaPrompt)
	promptLen := len([]rune(prompt))
	if prompt != "" && promptLen >= maxChars {
		return string([]rune(prompt)[:maxChars])
	}

	used := 0
	if prompt != "" {
		b.WriteString(prompt)
		used = promptLen
	}

	const header = "\n\nRelevant memories:"
	headerLen := len([]rune(header))
	wroteHeader := false
	for _, rec := range records {
		line := "\n- " + strings.TrimSpace(rec.Content)
		lineLen := len([]rune(line))
		need := lineLen
		if !wroteHeader {
			need += headerLen
		}
		if used+need > maxChars {
			break
		}
		if !wroteHeader {
			b.WriteString(header)
			used += headerLen
			wroteHeader = true
		}
		b.WriteString(line)
		used += lineLen
	}
	return b.String()
}
