package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeGuidelineFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const sampleGuideline = `---
doc_id: aha-afib-2023
title: Atrial Fibrillation Management
organization: AHA
year: 2023
topic: cardiology
categories: [arrhythmia]
license: CC-BY
source_url: https://example.org/afib
---

Rate control is preferred over rhythm control in most patients with
persistent atrial fibrillation, absent specific indications for rhythm
control such as symptomatic impairment despite adequate rate control.

Anticoagulation decisions should use a validated stroke-risk score
independent of the chosen rhythm strategy.
`

func TestGuidelineIndexer_Build_IndexesChunks(t *testing.T) {
	dir := t.TempDir()
	writeGuidelineFile(t, dir, "afib.md", sampleGuideline)

	vec := make([]float32, 768)
	vec[0] = 1.0
	client := &mockEmbeddingClient{vectors: [][]float32{vec, vec}}
	store := &mockChunkStore{}
	embedder := NewEmbedderService(client, store)
	chunker := NewChunkerService(1200, 500)
	indexer := NewGuidelineIndexer(chunker, embedder)

	if err := indexer.Build(context.Background(), dir); err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if len(store.insertedChunks) == 0 {
		t.Fatal("expected chunks to be inserted")
	}
	for _, c := range store.insertedChunks {
		if c.DocID != "aha-afib-2023" {
			t.Errorf("doc_id = %q, want aha-afib-2023", c.DocID)
		}
		if c.Organization != "AHA" {
			t.Errorf("organization = %q, want AHA", c.Organization)
		}
		if c.SourceURL != "https://example.org/afib" {
			t.Errorf("source_url = %q, want https://example.org/afib", c.SourceURL)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, fingerprintFileName)); err != nil {
		t.Errorf("expected fingerprint sidecar to be written: %v", err)
	}
}

func TestGuidelineIndexer_Build_SkipsUnchanged(t *testing.T) {
	dir := t.TempDir()
	writeGuidelineFile(t, dir, "afib.md", sampleGuideline)

	vec := make([]float32, 768)
	client := &mockEmbeddingClient{vectors: [][]float32{vec, vec}}
	store := &mockChunkStore{}
	embedder := NewEmbedderService(client, store)
	indexer := NewGuidelineIndexer(NewChunkerService(1200, 500), embedder)

	if err := indexer.Build(context.Background(), dir); err != nil {
		t.Fatalf("first Build() error: %v", err)
	}
	firstCalls := client.calls

	if err := indexer.Build(context.Background(), dir); err != nil {
		t.Fatalf("second Build() error: %v", err)
	}
	if client.calls != firstCalls {
		t.Errorf("embed calls after unchanged rebuild = %d, want %d (should skip)", client.calls, firstCalls)
	}
}

func TestGuidelineIndexer_Build_RebuildsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeGuidelineFile(t, dir, "afib.md", sampleGuideline)

	vec := make([]float32, 768)
	client := &mockEmbeddingClient{vectors: [][]float32{vec, vec}}
	store := &mockChunkStore{}
	embedder := NewEmbedderService(client, store)
	indexer := NewGuidelineIndexer(NewChunkerService(1200, 500), embedder)

	if err := indexer.Build(context.Background(), dir); err != nil {
		t.Fatalf("first Build() error: %v", err)
	}
	firstCalls := client.calls

	writeGuidelineFile(t, dir, "afib.md", sampleGuideline+"\nAdditional guidance added later.\n")

	if err := indexer.Build(context.Background(), dir); err != nil {
		t.Fatalf("second Build() error: %v", err)
	}
	if client.calls <= firstCalls {
		t.Errorf("expected a rebuild to re-embed after content change, calls = %d", client.calls)
	}
}

func TestGuidelineIndexer_Build_MissingDirectory(t *testing.T) {
	client := &mockEmbeddingClient{}
	store := &mockChunkStore{}
	embedder := NewEmbedderService(client, store)
	indexer := NewGuidelineIndexer(NewChunkerService(1200, 500), embedder)

	if err := indexer.Build(context.Background(), "/nonexistent/guideline/dir"); err != nil {
		t.Fatalf("Build() with missing directory should not error, got: %v", err)
	}
	if len(store.insertedChunks) != 0 {
		t.Error("expected no chunks inserted for a missing directory")
	}
}

func TestSplitFrontMatter_NoFrontMatter(t *testing.T) {
	front, body, err := splitFrontMatter([]byte("just plain text, no YAML header\n"))
	if err != nil {
		t.Fatalf("splitFrontMatter() error: %v", err)
	}
	if front.DocID != "" {
		t.Errorf("doc_id = %q, want empty", front.DocID)
	}
	if body != "just plain text, no YAML header\n" {
		t.Errorf("body = %q, unexpected", body)
	}
}
