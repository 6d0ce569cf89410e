package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/weekijie/sturgeon/internal/model"
)

func buildBenchCandidates(n int) []VectorSearchResult {
	candidates := make([]VectorSearchResult, n)
	for i := 0; i < n; i++ {
		candidates[i] = VectorSearchResult{
			Chunk: model.GuidelineChunk{
				ID:        fmt.Sprintf("c%d", i),
				DocID:     fmt.Sprintf("doc%d", i%10),
				Topic:     "sepsis",
				Year:      2015 + (i % 10),
				ChunkText: "guideline excerpt content for benchmarking",
			},
			Similarity: 0.5 + float64(i%50)/100.0,
		}
	}
	return candidates
}

func BenchmarkRerank(b *testing.B) {
	candidates := buildBenchCandidates(200)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = rerank(candidates)
	}
}

func BenchmarkDiversityCompact(b *testing.B) {
	ranked := rerank(buildBenchCandidates(200))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = diversityCompact(ranked, 10)
	}
}

func BenchmarkReciprocalRankFusion(b *testing.B) {
	vector := buildBenchCandidates(100)
	bm25 := buildBenchCandidates(100)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = reciprocalRankFusion(vector, bm25)
	}
}

func BenchmarkRetrieve_VectorOnly(b *testing.B) {
	searcher := &fakeSearcher{results: buildBenchCandidates(40)}
	svc := NewRetrieverService(&fakeEmbedder{vec: make([]float32, 768)}, searcher)

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := svc.Retrieve(ctx, "sepsis fluid resuscitation guidance", 10, nil); err != nil {
			b.Fatalf("Retrieve() error: %v", err)
		}
	}
}

func BenchmarkSanitizeChunkText(b *testing.B) {
	text := "Initial resuscitation targets a mean arterial pressure of 65 mmHg within the first hour."
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = sanitizeChunkText(text)
	}
}
