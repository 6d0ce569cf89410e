package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/weekijie/sturgeon/internal/model"
)

// guidelineFrontMatter is the YAML front matter each curated guideline file
// carries.
type guidelineFrontMatter struct {
	DocID        string   `yaml:"doc_id"`
	Title        string   `yaml:"title"`
	Organization string   `yaml:"organization"`
	Year         int      `yaml:"year"`
	Topic        string   `yaml:"topic"`
	Categories   []string `yaml:"categories"`
	License      string   `yaml:"license"`
	SourceURL    string   `yaml:"source_url"`
}

const fingerprintFileName = ".index.fingerprint"

// GuidelineIndexer builds the
// guideline chunk index once at startup from a curated directory of
// front-matter-tagged files, skipping the rebuild when a content fingerprint
// of the directory matches the sidecar left by the last successful build.
type GuidelineIndexer struct {
	chunker  *ChunkerService
	embedder *EmbedderService
}

// NewGuidelineIndexer creates a GuidelineIndexer.
func NewGuidelineIndexer(chunker *ChunkerService, embedder *EmbedderService) *GuidelineIndexer {
	return &GuidelineIndexer{chunker: chunker, embedder: embedder}
}

// Build walks dir for guideline source files and, unless the directory's
// content fingerprint matches the sidecar from the last successful run,
// re-chunks, re-embeds, and re-persists every file's chunks. A missing or
// empty directory is not an error: it leaves the index empty and lets the
// service serve specialist-only answers until a corpus is provided.
func (idx *GuidelineIndexer) Build(ctx context.Context, dir string) error {
	entries, err := collectGuidelineFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("guideline corpus directory does not exist, skipping index build", "dir", dir)
			return nil
		}
		return fmt.Errorf("service.GuidelineIndexer.Build: %w", err)
	}
	if len(entries) == 0 {
		slog.Warn("guideline corpus directory is empty, skipping index build", "dir", dir)
		return nil
	}

	fingerprint, err := fingerprintFiles(entries)
	if err != nil {
		return fmt.Errorf("service.GuidelineIndexer.Build: %w", err)
	}

	sidecar := filepath.Join(dir, fingerprintFileName)
	if existing, rerr := os.ReadFile(sidecar); rerr == nil && strings.TrimSpace(string(existing)) == fingerprint {
		slog.Info("guideline index unchanged, skipping rebuild", "dir", dir, "fingerprint", fingerprint)
		return nil
	}

	var allChunks []model.GuidelineChunk
	for _, path := range entries {
		chunks, ferr := idx.indexFile(ctx, path)
		if ferr != nil {
			slog.Warn("skipping unparseable guideline file", "path", path, "error", ferr)
			continue
		}
		allChunks = append(allChunks, chunks...)
	}
	if len(allChunks) == 0 {
		return fmt.Errorf("service.GuidelineIndexer.Build: no chunks produced from %d files", len(entries))
	}

	if err := idx.embedder.EmbedAndStore(ctx, allChunks); err != nil {
		return fmt.Errorf("service.GuidelineIndexer.Build: %w", err)
	}

	if werr := os.WriteFile(sidecar, []byte(fingerprint), 0o644); werr != nil {
		slog.Warn("could not persist index fingerprint, next startup will rebuild", "error", werr)
	}

	slog.Info("guideline index built", "dir", dir, "files", len(entries), "chunks", len(allChunks))
	return nil
}

// indexFile chunks a single guideline file, pairing each chunk with the
// file's front-matter provenance.
func (idx *GuidelineIndexer) indexFile(ctx context.Context, path string) ([]model.GuidelineChunk, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	front, body, err := splitFrontMatter(raw)
	if err != nil {
		return nil, err
	}
	if front.DocID == "" {
		front.DocID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	chunks, err := idx.chunker.Chunk(ctx, body)
	if err != nil {
		return nil, err
	}

	out := make([]model.GuidelineChunk, len(chunks))
	for i, c := range chunks {
		out[i] = model.GuidelineChunk{
			ID:           fmt.Sprintf("%s-%04d", front.DocID, c.Index),
			DocID:        front.DocID,
			Title:        front.Title,
			Organization: front.Organization,
			Year:         front.Year,
			Topic:        front.Topic,
			Categories:   front.Categories,
			License:      front.License,
			SourceURL:    front.SourceURL,
			ChunkText:    c.Content,
			ChunkIndex:   c.Index,
		}
	}
	return out, nil
}

// splitFrontMatter separates a leading "---\n...\n---\n" YAML block from the
// document body. A file with no front matter is indexed with zero-value
// metadata rather than rejected.
func splitFrontMatter(raw []byte) (guidelineFrontMatter, string, error) {
	text := string(raw)
	var front guidelineFrontMatter

	if !strings.HasPrefix(text, "---\n") {
		return front, text, nil
	}

	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	if end == -1 {
		return front, text, nil
	}

	fmBlock := rest[:end]
	body := rest[end+len("\n---\n"):]

	if err := yaml.Unmarshal([]byte(fmBlock), &front); err != nil {
		return front, text, fmt.Errorf("parsing front matter: %w", err)
	}
	return front, body, nil
}

// collectGuidelineFiles returns the sorted paths of .md/.txt files under dir.
func collectGuidelineFiles(dir string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Base(path) == fingerprintFileName {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".md", ".txt":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// fingerprintFiles hashes the sorted file list's paths and content
// together so any addition, removal, or edit to the corpus changes the
// fingerprint.
func fingerprintFiles(paths []string) (string, error) {
	h := sha256.New()
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return "", err
		}
		h.Write([]byte(p))
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
