package service

import (
	"testing"

	"github.com/weekijie/sturgeon/internal/model"
)

func TestCitationNormalizer_KeepsValidURL(t *testing.T) {
	n := NewCitationNormalizer()
	out := n.Normalize([]model.RawCitation{
		{Organization: "CDC", Text: "CDC sepsis guidance", URL: "https://www.cdc.gov/sepsis/guidance"},
	}, nil)

	if len(out) != 1 {
		t.Fatalf("expected 1 citation, got %d", len(out))
	}
	if out[0].Organization != "CDC" || out[0].URL != "https://www.cdc.gov/sepsis/guidance" {
		t.Fatalf("unexpected citation: %+v", out[0])
	}
	if !HasGuidelines(out) {
		t.Fatal("expected has_guidelines=true")
	}
}

func TestCitationNormalizer_DropsUnresolvableCitation(t *testing.T) {
	n := NewCitationNormalizer()
	out := n.Normalize([]model.RawCitation{
		{Organization: "Martian Medical Society", Text: "(Martian Medical Society, 2099)"},
	}, nil)

	if len(out) != 0 {
		t.Fatalf("expected citation to be dropped, got %+v", out)
	}
	if HasGuidelines(out) {
		t.Fatal("expected has_guidelines=false")
	}
}

func TestCitationNormalizer_ResolvesFromRetrievedChunkSourceURL(t *testing.T) {
	n := NewCitationNormalizer()
	chunks := []RankedChunk{
		{Chunk: model.GuidelineChunk{Organization: "WHO", SourceURL: "https://www.who.int/guidelines/x", DocID: "doc-1"}},
	}
	out := n.Normalize([]model.RawCitation{
		{Organization: "", Text: "per WHO guidance"},
	}, chunks)

	if len(out) != 1 {
		t.Fatalf("expected 1 citation, got %d", len(out))
	}
	if out[0].URL != "https://www.who.int/guidelines/x" {
		t.Fatalf("expected chunk source_url, got %q", out[0].URL)
	}
	if out[0].DocID != "doc-1" {
		t.Fatalf("expected doc_id from matching chunk, got %q", out[0].DocID)
	}
}

func TestCitationNormalizer_DeduplicatesByURL(t *testing.T) {
	n := NewCitationNormalizer()
	out := n.Normalize([]model.RawCitation{
		{Organization: "CDC", URL: "https://www.cdc.gov/a"},
		{Organization: "CDC", URL: "https://www.cdc.gov/a"},
	}, nil)

	if len(out) != 1 {
		t.Fatalf("expected deduplication to 1 citation, got %d", len(out))
	}
}

func TestCitationNormalizer_FallsBackToCanonicalLandingPage(t *testing.T) {
	n := NewCitationNormalizer()
	out := n.Normalize([]model.RawCitation{
		{Organization: "NICE", Text: "NICE guideline CG189"},
	}, nil)

	if len(out) != 1 {
		t.Fatalf("expected 1 citation, got %d", len(out))
	}
	if out[0].URL == "" {
		t.Fatal("expected canonical landing page URL")
	}
}
