package service

import (
	"context"
	"strings"
	"testing"
)

func TestChunk_SplitsOnParagraphs(t *testing.T) {
	svc := NewChunkerService(50, 10)
	text := "First paragraph with some content here.\n\nSecond paragraph with different content.\n\nThird paragraph wraps things up."

	chunks, err := svc.Chunk(context.Background(), text)
	if err != nil {
		t.Fatalf("Chunk() error: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has index %d, want %d", i, c.Index, i)
		}
		if c.ContentHash == "" {
			t.Errorf("chunk %d missing content hash", i)
		}
		if strings.TrimSpace(c.Content) == "" {
			t.Errorf("chunk %d has empty content", i)
		}
	}
}

func TestChunk_EmptyText(t *testing.T) {
	svc := NewChunkerService(1200, 500)
	_, err := svc.Chunk(context.Background(), "   \n\n  ")
	if err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestChunk_DefaultsWhenInvalidParams(t *testing.T) {
	svc := NewChunkerService(0, 0)
	if svc.chunkSize != 1200 {
		t.Errorf("expected default chunk size 1200, got %d", svc.chunkSize)
	}
	if svc.overlap != 500 {
		t.Errorf("expected default overlap 500, got %d", svc.overlap)
	}
}

func TestChunk_OverlapExceedsChunkSizeFallsBackToDefault(t *testing.T) {
	svc := NewChunkerService(100, 200)
	if svc.overlap != 500 {
		t.Errorf("expected overlap to fall back to default when >= chunkSize, got %d", svc.overlap)
	}
}

func TestChunk_SectionTitleTracked(t *testing.T) {
	svc := NewChunkerService(1000, 100)
	text := "# Sepsis Management\n\nInitial resuscitation should begin within one hour of recognition.\n\nFluid boluses of 30 mL/kg are recommended for hypotension."

	chunks, err := svc.Chunk(context.Background(), text)
	if err != nil {
		t.Fatalf("Chunk() error: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	if chunks[0].SectionTitle != "Sepsis Management" {
		t.Errorf("expected section title %q, got %q", "Sepsis Management", chunks[0].SectionTitle)
	}
}

func TestChunk_LargeParagraphIsSplit(t *testing.T) {
	svc := NewChunkerService(100, 20)
	sentence := "This is one clinical sentence about management. "
	big := strings.Repeat(sentence, 20)

	chunks, err := svc.Chunk(context.Background(), big)
	if err != nil {
		t.Fatalf("Chunk() error: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected large paragraph to split into multiple chunks, got %d", len(chunks))
	}
}

func TestChunk_MultipleParagraphsProduceOverlap(t *testing.T) {
	svc := NewChunkerService(40, 15)
	text := "Paragraph number one has content.\n\nParagraph number two has more content.\n\nParagraph number three finishes things."

	chunks, err := svc.Chunk(context.Background(), text)
	if err != nil {
		t.Fatalf("Chunk() error: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatal("expected multiple chunks to verify overlap")
	}
}

func TestChunkContentHash_Deterministic(t *testing.T) {
	h1 := sha256Hash("same content")
	h2 := sha256Hash("same content")
	if h1 != h2 {
		t.Fatal("expected identical hash for identical content")
	}
	h3 := sha256Hash("different content")
	if h1 == h3 {
		t.Fatal("expected different hash for different content")
	}
}

func TestEstimateTokens(t *testing.T) {
	got := estimateTokens("12345678")
	if got != 2 {
		t.Errorf("estimateTokens(8 chars) = %d, want 2", got)
	}
	if estimateTokens("") != 0 {
		t.Error("estimateTokens(\"\") should be 0")
	}
}
