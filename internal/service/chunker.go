package service

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"strings"
)

// Chunk is a raw text segment produced by ChunkerService, before it is
// paired with guideline front-matter (doc_id, organization, topic, ...)
// by the indexer into a model.GuidelineChunk.
type Chunk struct {
	Content      string
	ContentHash  string
	Index        int
	SectionTitle string
}

// ChunkerService splits guideline text into overlapping character-window
// chunks.
type ChunkerService struct {
	chunkSize int // target characters per chunk
	overlap   int // overlap characters between adjacent chunks
}

// NewChunkerService creates a ChunkerService with the given parameters.
func NewChunkerService(chunkSize, overlap int) *ChunkerService {
	if chunkSize <= 0 {
		chunkSize = 1200
	}
	if overlap <= 0 || overlap >= chunkSize {
		overlap = 500
	}
	return &ChunkerService{chunkSize: chunkSize, overlap: overlap}
}

// Chunk splits text into overlapping chunks and returns them with metadata.
func (s *ChunkerService) Chunk(ctx context.Context, text string) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("service.Chunk: text is empty")
	}

	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return nil, fmt.Errorf("service.Chunk: no content after splitting")
	}

	segments := s.buildSegments(paragraphs)
	overlapped := s.applyOverlap(segments)

	chunks := make([]Chunk, 0, len(overlapped))
	for i, seg := range overlapped {
		content := strings.TrimSpace(seg.content)
		if content == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Content:      content,
			ContentHash:  sha256Hash(content),
			Index:        i,
			SectionTitle: seg.sectionTitle,
		})
	}

	for i := range chunks {
		chunks[i].Index = i
	}

	return chunks, nil
}

type segment struct {
	content      string
	sectionTitle string
}

// buildSegments merges small paragraphs and splits large ones to fit chunkSize
// characters, tracking the most recent markdown-style section header.
func (s *ChunkerService) buildSegments(paragraphs []string) []segment {
	var segments []segment
	var current strings.Builder
	currentSection := ""

	for _, para := range paragraphs {
		if title := extractSectionTitle(para); title != "" {
			currentSection = title
		}

		if current.Len() > 0 && current.Len()+len(para) > s.chunkSize {
			segments = append(segments, segment{content: current.String(), sectionTitle: currentSection})
			current.Reset()
		}

		if len(para) > s.chunkSize {
			if current.Len() > 0 {
				segments = append(segments, segment{content: current.String(), sectionTitle: currentSection})
				current.Reset()
			}
			for _, sub := range splitLargeParagraph(para, s.chunkSize) {
				segments = append(segments, segment{content: sub, sectionTitle: currentSection})
			}
			continue
		}

		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}

	if current.Len() > 0 {
		segments = append(segments, segment{content: current.String(), sectionTitle: currentSection})
	}

	return segments
}

// applyOverlap duplicates the trailing `overlap` characters of each chunk as
// the prefix of the next, so context survives a chunk boundary.
func (s *ChunkerService) applyOverlap(segments []segment) []segment {
	if len(segments) <= 1 {
		return segments
	}

	result := make([]segment, len(segments))
	result[0] = segments[0]

	for i := 1; i < len(segments); i++ {
		tail := lastNChars(segments[i-1].content, s.overlap)
		if tail != "" {
			result[i] = segment{content: tail + "\n\n" + segments[i].content, sectionTitle: segments[i].sectionTitle}
		} else {
			result[i] = segments[i]
		}
	}

	return result
}

func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	var result []string
	for _, p := range raw {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// splitLargeParagraph splits a paragraph exceeding chunkSize at sentence
// boundaries, falling back to character boundaries for single huge sentences.
func splitLargeParagraph(para string, chunkSize int) []string {
	sentences := splitSentences(para)
	var chunks []string
	var current strings.Builder

	for _, sent := range sentences {
		if current.Len() > 0 && current.Len()+len(sent) > chunkSize {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sent)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}

	if len(chunks) == 0 && len(para) > 0 {
		chunks = splitByChars(para, chunkSize)
	}

	return chunks
}

func splitSentences(text string) []string {
	var sentences []string
	current := strings.Builder{}

	for i, r := range text {
		current.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && i+1 < len(text) && text[i+1] == ' ' {
			sentences = append(sentences, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if current.Len() > 0 {
		sentences = append(sentences, strings.TrimSpace(current.String()))
	}
	return sentences
}

func splitByChars(text string, chunkSize int) []string {
	var chunks []string
	runes := []rune(text)
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

func lastNChars(text string, n int) string {
	runes := []rune(text)
	if n >= len(runes) {
		return text
	}
	return string(runes[len(runes)-n:])
}

func extractSectionTitle(para string) string {
	trimmed := strings.TrimSpace(para)
	if strings.HasPrefix(trimmed, "#") {
		if title := strings.TrimLeft(trimmed, "# "); title != "" {
			return title
		}
	}
	return ""
}

// estimateTokens approximates token count as chars/4, the heuristic the specialist
// invoker and the retriever's query-clamp also use.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / 4.0))
}

func sha256Hash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h)
}
