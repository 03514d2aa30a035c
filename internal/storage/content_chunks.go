package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kagami/internal/model"
)

// CreateContentChunk inserts an ingested content unit. Chunking itself
// belongs to the ingestion pipeline; this core only stores and reads.
func (db *DB) CreateContentChunk(ctx context.Context, chunk model.ContentChunk) (model.ContentChunk, error) {
	if chunk.ID == uuid.Nil {
		chunk.ID = uuid.New()
	}
	if err := db.pool.QueryRow(ctx,
		`INSERT INTO content_chunks (id, tenant_id, twin_id, source_id, content, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING ingested_at`,
		chunk.ID, chunk.TenantID, chunk.TwinID, chunk.SourceID, chunk.Content, chunk.Embedding,
	).Scan(&chunk.IngestedAt); err != nil {
		return model.ContentChunk{}, fmt.Errorf("storage: create content chunk: %w", err)
	}
	return chunk, nil
}

// GetContentChunk retrieves a chunk by ID scoped to a tenant.
func (db *DB) GetContentChunk(ctx context.Context, tenantID, id uuid.UUID) (model.ContentChunk, error) {
	var chunk model.ContentChunk
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, twin_id, source_id, content, ingested_at
		 FROM content_chunks WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	).Scan(&chunk.ID, &chunk.TenantID, &chunk.TwinID, &chunk.SourceID, &chunk.Content, &chunk.IngestedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ContentChunk{}, ErrNotFound
		}
		return model.ContentChunk{}, fmt.Errorf("storage: get content chunk: %w", err)
	}
	return chunk, nil
}

// ChunkMatch pairs a content chunk with its similarity to a query.
type ChunkMatch struct {
	Chunk      model.ContentChunk
	Similarity float32
}

// SearchContentChunks performs semantic similarity search over a twin's
// ingested content and training memories combined. Training memories are
// surfaced through the same vector tier as ingested chunks, with the
// training session's conversation id doubling as the source id.
func (db *DB) SearchContentChunks(ctx context.Context, tenantID, twinID uuid.UUID, embedding pgvector.Vector, limit int) ([]ChunkMatch, error) {
	if limit <= 0 {
		limit = 8
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, twin_id, source_id, content, ingested_at,
		 (1 - (embedding <=> $3)) AS similarity
		 FROM (
		     SELECT id, tenant_id, twin_id, source_id, content, embedding, ingested_at
		     FROM content_chunks
		     WHERE tenant_id = $1 AND twin_id = $2 AND embedding IS NOT NULL
		     UNION ALL
		     SELECT id, tenant_id, twin_id, conversation_id AS source_id, content, embedding, created_at AS ingested_at
		     FROM training_memories
		     WHERE tenant_id = $1 AND twin_id = $2 AND embedding IS NOT NULL
		 ) corpus
		 ORDER BY embedding <=> $3
		 LIMIT $4`,
		tenantID, twinID, embedding, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search content chunks: %w", err)
	}
	defer rows.Close()

	var matches []ChunkMatch
	for rows.Next() {
		var m ChunkMatch
		if err := rows.Scan(
			&m.Chunk.ID, &m.Chunk.TenantID, &m.Chunk.TwinID, &m.Chunk.SourceID,
			&m.Chunk.Content, &m.Chunk.IngestedAt, &m.Similarity,
		); err != nil {
			return nil, fmt.Errorf("storage: scan chunk match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// CountContentChunks returns the number of ingested chunks for a twin.
func (db *DB) CountContentChunks(ctx context.Context, tenantID, twinID uuid.UUID) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM content_chunks WHERE tenant_id = $1 AND twin_id = $2`,
		tenantID, twinID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count content chunks: %w", err)
	}
	return count, nil
}
