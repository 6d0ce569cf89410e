package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/weekijie/sturgeon/internal/model"
	"github.com/weekijie/sturgeon/internal/service"
)

// ChunkRepo implements service.GuidelineChunkStore, service.VectorSearcher,
// and service.BM25Searcher against a Postgres+pgvector-backed guideline_chunks
// table.
type ChunkRepo struct {
	pool *pgxpool.Pool
}

// NewChunkRepo creates a ChunkRepo.
func NewChunkRepo(pool *pgxpool.Pool) *ChunkRepo {
	return &ChunkRepo{pool: pool}
}

var (
	_ service.GuidelineChunkStore = (*ChunkRepo)(nil)
	_ service.VectorSearcher     = (*ChunkRepo)(nil)
	_ service.BM25Searcher       = (*ChunkRepo)(nil)
)

// BulkInsert stores guideline chunks with their embedding vectors using pgx
// batching, one statement per chunk.
func (r *ChunkRepo) BulkInsert(ctx context.Context, chunks []model.GuidelineChunk, vectors [][]float32) error {
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) != len(vectors) {
		return fmt.Errorf("repository.BulkInsert: chunk count (%d) != vector count (%d)", len(chunks), len(vectors))
	}

	batch := &pgx.Batch{}
	now := time.Now().UTC()

	for i, c := range chunks {
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		embedding := pgvector.NewVector(vectors[i])

		batch.Queue(`
			INSERT INTO guideline_chunks (
				id, doc_id, title, organization, year, topic, categories, license,
				source_url, chunk_text, chunk_index, embedding, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO UPDATE SET
				chunk_text = EXCLUDED.chunk_text, embedding = EXCLUDED.embedding`,
			id, c.DocID, c.Title, c.Organization, c.Year, c.Topic, c.Categories, c.License,
			c.SourceURL, c.ChunkText, c.ChunkIndex, embedding, now,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < len(chunks); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("repository.BulkInsert: chunk %d: %w", i, err)
		}
	}
	return nil
}

// SimilaritySearch finds the top-K chunks most similar to queryVec using
// cosine distance.
func (r *ChunkRepo) SimilaritySearch(ctx context.Context, queryVec []float32, topK int, threshold float64) ([]service.VectorSearchResult, error) {
	embedding := pgvector.NewVector(queryVec)

	const query = `
		SELECT id, doc_id, title, organization, year, topic, categories, license,
			source_url, chunk_text, chunk_index,
			1 - (embedding <=> $1::vector) AS similarity
		FROM guideline_chunks
		WHERE (1 - (embedding <=> $1::vector)) > $2
		ORDER BY embedding <=> $1::vector
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, embedding, threshold, topK)
	if err != nil {
		return nil, fmt.Errorf("repository.SimilaritySearch: %w", err)
	}
	defer rows.Close()

	var results []service.VectorSearchResult
	for rows.Next() {
		var res service.VectorSearchResult
		if err := rows.Scan(
			&res.Chunk.ID, &res.Chunk.DocID, &res.Chunk.Title, &res.Chunk.Organization,
			&res.Chunk.Year, &res.Chunk.Topic, &res.Chunk.Categories, &res.Chunk.License,
			&res.Chunk.SourceURL, &res.Chunk.ChunkText, &res.Chunk.ChunkIndex, &res.Similarity,
		); err != nil {
			return nil, fmt.Errorf("repository.SimilaritySearch: scan: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository.SimilaritySearch: rows: %w", err)
	}
	return results, nil
}

// FullTextSearch ranks chunks by Postgres full-text search against
// chunk_text, for the BM25 leg of hybrid retrieval's reciprocal rank fusion
//. ts_rank_cd approximates a BM25-style rank; Similarity here holds
// the raw ts_rank_cd score (default normalization) rather than cosine similarity, since reciprocalRankFusion
// only consumes relative order.
func (r *ChunkRepo) FullTextSearch(ctx context.Context, query string, topK int) ([]service.VectorSearchResult, error) {
	const sql = `
		SELECT id, doc_id, title, organization, year, topic, categories, license,
			source_url, chunk_text, chunk_index,
			ts_rank_cd(to_tsvector('english', chunk_text), plainto_tsquery('english', $1)) AS rank
		FROM guideline_chunks
		WHERE to_tsvector('english', chunk_text) @@ plainto_tsquery('english', $1)
		ORDER BY rank DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, sql, query, topK)
	if err != nil {
		return nil, fmt.Errorf("repository.FullTextSearch: %w", err)
	}
	defer rows.Close()

	var results []service.VectorSearchResult
	for rows.Next() {
		var res service.VectorSearchResult
		if err := rows.Scan(
			&res.Chunk.ID, &res.Chunk.DocID, &res.Chunk.Title, &res.Chunk.Organization,
			&res.Chunk.Year, &res.Chunk.Topic, &res.Chunk.Categories, &res.Chunk.License,
			&res.Chunk.SourceURL, &res.Chunk.ChunkText, &res.Chunk.ChunkIndex, &res.Similarity,
		); err != nil {
			return nil, fmt.Errorf("repository.FullTextSearch: scan: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository.FullTextSearch: rows: %w", err)
	}
	return results, nil
}

// CountChunks returns the total indexed guideline-chunk count, surfaced by
// the /health endpoint.
func (r *ChunkRepo) CountChunks(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM guideline_chunks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("repository.CountChunks: %w", err)
	}
	return count, nil
}

// DeleteByDocID removes all chunks for a guideline document, used when the
// corpus indexer re-processes an updated source document.
func (r *ChunkRepo) DeleteByDocID(ctx context.Context, docID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM guideline_chunks WHERE doc_id = $1`, docID)
	if err != nil {
		return fmt.Errorf("repository.DeleteByDocID: %w", err)
	}
	slog.Info("repository: deleted chunks for document", "doc_id", docID)
	return nil
}
