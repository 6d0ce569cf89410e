package service

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/weekijie/sturgeon/internal/model"
	"golang.org/x/sync/errgroup"
)

const (
	// defaultTopK is the number of candidates to fetch from the vector index.
	defaultTopK = 20
	// defaultThreshold is the minimum cosine similarity for candidates.
	defaultThreshold = 0.35
	// maxChunksPerDocument / maxChunksPerTopic bound the diversity compaction pass.
	maxChunksPerDocument = 2
	maxChunksPerTopic    = 1

	// querySecurityMax is the hard reject length.
	querySecurityMax = 500
	// querySoftMax is the clamp length.
	querySoftMax = 480

	// Re-ranking weights.
	weightSimilarity = 0.70
	weightRecency    = 0.15
	weightParentDoc  = 0.15
)

// VectorSearchResult mirrors the repository's chunk search result without
// importing the repository package.
type VectorSearchResult struct {
	Chunk      model.GuidelineChunk
	Similarity float64
}

// VectorSearcher abstracts similarity search for testability.
type VectorSearcher interface {
	SimilaritySearch(ctx context.Context, queryVec []float32, topK int, threshold float64) ([]VectorSearchResult, error)
}

// QueryEmbedder abstracts query embedding for testability.
type QueryEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// BM25Searcher abstracts full-text search for testability.
type BM25Searcher interface {
	FullTextSearch(ctx context.Context, query string, topK int) ([]VectorSearchResult, error)
}

// RAGCache abstracts the TTL+LRU retrieval cache (internal/cache.RAGCache).
type RAGCache interface {
	Get(key string) ([]RankedChunk, bool)
	Set(key string, chunks []RankedChunk)
}

// RankedChunk is a chunk with its final re-ranked score.
type RankedChunk struct {
	Chunk      model.GuidelineChunk `json:"chunk"`
	Similarity float64              `json:"similarity"`
	FinalScore float64              `json:"finalScore"`
}

// RetrievalResult contains the ranked chunks for a query, or a blocked flag
// when the query violated a retrieval guardrail.
type RetrievalResult struct {
	Chunks         []RankedChunk `json:"chunks"`
	QueryEmbedding []float32     `json:"-"`
	Blocked        bool          `json:"blocked,omitempty"`
	FromCache      bool          `json:"-"`
}

// RetrieverService serves sanitized, diversified, cached guideline context
// for a clinical query.
type RetrieverService struct {
	embedder   QueryEmbedder
	searcher   VectorSearcher
	bm25       BM25Searcher // nil = vector-only
	cache      RAGCache     // nil = uncached
	onBlocked  func()       // optional: drives the rag_query_blocked_count counter
}

// NewRetrieverService creates a RetrieverService.
func NewRetrieverService(embedder QueryEmbedder, searcher VectorSearcher) *RetrieverService {
	return &RetrieverService{embedder: embedder, searcher: searcher}
}

// SetBM25 attaches a BM25Searcher for hybrid retrieval. When nil (default),
// retrieval is vector-only.
func (s *RetrieverService) SetBM25(bm25 BM25Searcher) { s.bm25 = bm25 }

// SetCache attaches the RAG query cache.
func (s *RetrieverService) SetCache(c RAGCache) { s.cache = c }

// SetBlockedHook attaches a callback invoked once whenever a query is
// rejected by the hard security-length guardrail, so callers can drive the
// rag_query_blocked_count counter without Retrieve needing to know
// about metrics.
func (s *RetrieverService) SetBlockedHook(hook func()) { s.onBlocked = hook }

// Retrieve runs the full retrieval pipeline: validate, clamp, cache lookup, embed+search,
// relevance filter, diversity compaction, sanitize, cache store.
func (s *RetrieverService) Retrieve(ctx context.Context, query string, topK int, topicHints []string) (*RetrievalResult, error) {
	if topK <= 0 {
		topK = 5
	}

	// 1. Validate: hard security max. Composed queries arrive pre-clamped to
	// the soft max by their builders (formulate clamps before calling here);
	// anything still over the hard max did not come through composition and
	// is rejected outright.
	clean := stripControlChars(query)
	if len([]rune(clean)) > querySecurityMax {
		slog.Warn("rag query blocked", "query_shape", shapeForAudit(clean), "len", len(clean))
		if s.onBlocked != nil {
			s.onBlocked()
		}
		return &RetrievalResult{Blocked: true}, nil
	}

	// 2. Query clamp: trim to the soft max, preserving the tail (most semantically
	// dense part of a composed challenge+context query).
	clamped := clampQuery(clean, querySoftMax)

	// 3. Cache lookup.
	cacheKey := ragCacheKey(clamped, topicHints, topK)
	if s.cache != nil {
		if hit, ok := s.cache.Get(cacheKey); ok {
			return &RetrievalResult{Chunks: hit, FromCache: true}, nil
		}
	}

	// 4. Embed & search.
	queryVecs, err := s.embedder.Embed(ctx, []string{clamped})
	if err != nil {
		slog.Error("rag embed fault", "error", err.Error())
		return &RetrievalResult{Chunks: []RankedChunk{}}, nil
	}
	queryVec := queryVecs[0]

	var vectorResults, bm25Results []VectorSearchResult
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		vectorResults, err = s.searcher.SimilaritySearch(gCtx, queryVec, 2*topK, defaultThreshold)
		return err
	})
	if s.bm25 != nil {
		g.Go(func() error {
			var err error
			bm25Results, err = s.bm25.FullTextSearch(gCtx, clamped, 2*topK)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("rag search fault", "error", err.Error())
		return &RetrievalResult{Chunks: []RankedChunk{}}, nil
	}

	var candidates []VectorSearchResult
	if len(bm25Results) > 0 {
		candidates = reciprocalRankFusion(vectorResults, bm25Results)
	} else {
		candidates = vectorResults
	}

	// 5. Relevance filter: drop below threshold or conflicting topic hints.
	candidates = filterByRelevance(candidates, topicHints)

	if len(candidates) == 0 {
		result := &RetrievalResult{Chunks: []RankedChunk{}}
		if s.cache != nil {
			s.cache.Set(cacheKey, result.Chunks)
		}
		return result, nil
	}

	// Re-rank by similarity + guideline freshness + same-document boost.
	ranked := rerank(candidates)

	// 6. Diversity compaction: greedy selection capped per document and topic.
	compacted := diversityCompact(ranked, topK)

	// 7. Sanitize chunk text.
	for i := range compacted {
		compacted[i].Chunk.ChunkText = sanitizeChunkText(compacted[i].Chunk.ChunkText)
	}

	result := &RetrievalResult{Chunks: compacted, QueryEmbedding: queryVec}

	// 8. Cache store.
	if s.cache != nil {
		s.cache.Set(cacheKey, compacted)
	}

	return result, nil
}

// clampQuery trims a query to max characters, preserving the tail.
func clampQuery(query string, max int) string {
	runes := []rune(query)
	if len(runes) <= max {
		return query
	}
	return string(runes[len(runes)-max:])
}

var controlCharRe = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)

func stripControlChars(s string) string {
	return controlCharRe.ReplaceAllString(s, "")
}

var digitRunRe = regexp.MustCompile(`\d+`)

// shapeForAudit redacts digit runs so audit logs show the shape of a query
// without leaking lab values.
func shapeForAudit(query string) string {
	redacted := digitRunRe.ReplaceAllString(query, "#")
	return truncateForAudit(redacted, 80)
}

func truncateForAudit(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

// filterByRelevance drops chunks below the similarity threshold or whose
// topic conflicts with the caller's topic hints.
func filterByRelevance(candidates []VectorSearchResult, topicHints []string) []VectorSearchResult {
	if len(topicHints) == 0 {
		var kept []VectorSearchResult
		for _, c := range candidates {
			if c.Similarity >= defaultThreshold {
				kept = append(kept, c)
			}
		}
		return kept
	}

	hintSet := make(map[string]bool, len(topicHints))
	for _, h := range topicHints {
		hintSet[strings.ToLower(h)] = true
	}

	var kept []VectorSearchResult
	for _, c := range candidates {
		if c.Similarity < defaultThreshold {
			continue
		}
		if c.Chunk.Topic != "" && len(hintSet) > 0 && !hintSet[strings.ToLower(c.Chunk.Topic)] {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// rerank scores candidates: FinalScore = 0.70*similarity + 0.15*freshness + 0.15*sameDocBoost.
func rerank(candidates []VectorSearchResult) []RankedChunk {
	docCount := make(map[string]int)
	for _, c := range candidates {
		docCount[c.Chunk.DocID]++
	}

	ranked := make([]RankedChunk, len(candidates))
	for i, c := range candidates {
		freshness := freshnessBoost(c.Chunk.Year)
		sameDoc := sameDocBoost(docCount[c.Chunk.DocID])

		finalScore := weightSimilarity*c.Similarity +
			weightRecency*freshness +
			weightParentDoc*sameDoc

		ranked[i] = RankedChunk{Chunk: c.Chunk, Similarity: c.Similarity, FinalScore: finalScore}
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].FinalScore > ranked[j].FinalScore })
	return ranked
}

// freshnessBoost favors guidelines published more recently.
func freshnessBoost(year int) float64 {
	if year <= 0 {
		return 0.5
	}
	age := 2025 - year
	if age <= 2 {
		return 1.0
	}
	if age >= 20 {
		return 0.0
	}
	return 1.0 - float64(age-2)/18.0
}

// sameDocBoost rewards chunks whose document contributed multiple candidates,
// capped so one document can't dominate the ranking.
func sameDocBoost(count int) float64 {
	return math.Min(float64(count)/4.0, 1.0)
}

// reciprocalRankFusion combines vector and BM25 result lists.
// score = sum(1 / (k + rank_in_list)), k=60.
func reciprocalRankFusion(vectorResults, bm25Results []VectorSearchResult) []VectorSearchResult {
	const k = 60
	scores := make(map[string]float64)
	items := make(map[string]VectorSearchResult)

	for rank, item := range vectorResults {
		id := item.Chunk.ID
		scores[id] += 1.0 / float64(k+rank+1)
		if _, exists := items[id]; !exists {
			items[id] = item
		}
	}
	for rank, item := range bm25Results {
		id := item.Chunk.ID
		scores[id] += 1.0 / float64(k+rank+1)
		if _, exists := items[id]; !exists {
			items[id] = item
		}
	}

	type scored struct {
		result VectorSearchResult
		score  float64
	}
	var sorted []scored
	for id, item := range items {
		sorted = append(sorted, scored{item, scores[id]})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].score > sorted[j].score })

	results := make([]VectorSearchResult, len(sorted))
	for i, sc := range sorted {
		results[i] = sc.result
	}
	return results
}

// diversityCompact greedily selects up to topK chunks, rejecting further
// chunks sharing a document beyond maxChunksPerDocument or a topic beyond
// maxChunksPerTopic.
func diversityCompact(ranked []RankedChunk, topK int) []RankedChunk {
	docCount := make(map[string]int)
	topicCount := make(map[string]int)
	var result []RankedChunk

	for _, r := range ranked {
		if len(result) >= topK {
			break
		}
		if docCount[r.Chunk.DocID] >= maxChunksPerDocument {
			continue
		}
		if r.Chunk.Topic != "" && topicCount[r.Chunk.Topic] >= maxChunksPerTopic {
			continue
		}
		docCount[r.Chunk.DocID]++
		if r.Chunk.Topic != "" {
			topicCount[r.Chunk.Topic]++
		}
		result = append(result, r)
	}

	if result == nil {
		result = []RankedChunk{}
	}
	return result
}

var (
	codeFenceRe  = regexp.MustCompile("```[a-zA-Z]*")
	htmlTagRe    = regexp.MustCompile(`<[^>]*>`)
	injectionRe  = regexp.MustCompile(`(?i)ignore (all )?(previous|prior|above) instructions`)
)

// sanitizeChunkText strips code fences, HTML tags, and prompt-injection
// patterns from retrieved guideline text, then wraps it with explicit
// delimiters the downstream prompt builder treats as inert.
func sanitizeChunkText(text string) string {
	text = codeFenceRe.ReplaceAllString(text, "")
	text = htmlTagRe.ReplaceAllString(text, "")
	text = injectionRe.ReplaceAllString(text, "[redacted]")
	return "[RETRIEVED GUIDELINES — START]\n" + strings.TrimSpace(text) + "\n[RETRIEVED GUIDELINES — END]"
}

// ragCacheKey builds the cache key hash(query ∥ topic_hints ∥ top_k).
func ragCacheKey(query string, topicHints []string, topK int) string {
	h := sha256.New()
	h.Write([]byte(query))
	for _, t := range topicHints {
		h.Write([]byte("|" + t))
	}
	fmt.Fprintf(h, "|%d", topK)
	return fmt.Sprintf("%x", h.Sum(nil))
}
