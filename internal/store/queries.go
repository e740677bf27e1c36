package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// candidateCols is the standard SELECT column list for scanCandidates.
const candidateCols = `id, document_id, chunk_text, embedding, metadata`

// PGQuerier implements Querier over PostgreSQL + pgvector.
type PGQuerier struct {
	pool *pgxpool.Pool
}

// NewPGQuerier creates a PGQuerier. The pool must have pgvector types
// registered (see database.NewPool).
func NewPGQuerier(pool *pgxpool.Pool) (*PGQuerier, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PGQuerier{pool: pool}, nil
}

// SelectNearest retrieves rows ordered by cosine distance using the
// pgvector <=> operator, which planners satisfy from an IVFFlat or HNSW
// index when one exists.
func (q *PGQuerier) SelectNearest(ctx context.Context, query pgvector.Vector, documentID string, limit int32) ([]CandidateRow, error) {
	var rows pgx.Rows
	var err error

	if documentID != "" {
		rows, err = q.pool.Query(ctx,
			`SELECT `+candidateCols+`, embedding <=> $1 AS distance
			 FROM embeddings
			 WHERE document_id = $2
			 ORDER BY embedding <=> $1
			 LIMIT $3`,
			query, documentID, limit,
		)
	} else {
		rows, err = q.pool.Query(ctx,
			`SELECT `+candidateCols+`, embedding <=> $1 AS distance
			 FROM embeddings
			 ORDER BY embedding <=> $1
			 LIMIT $2`,
			query, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("querying nearest embeddings: %w", err)
	}
	defer rows.Close()

	return scanCandidates(rows, true)
}

// SelectCandidates retrieves rows without distance ordering for in-process
// scoring.
func (q *PGQuerier) SelectCandidates(ctx context.Context, documentID string, limit int32) ([]CandidateRow, error) {
	var rows pgx.Rows
	var err error

	if documentID != "" {
		rows, err = q.pool.Query(ctx,
			`SELECT `+candidateCols+`
			 FROM embeddings
			 WHERE document_id = $1
			 LIMIT $2`,
			documentID, limit,
		)
	} else {
		rows, err = q.pool.Query(ctx,
			`SELECT `+candidateCols+`
			 FROM embeddings
			 LIMIT $1`,
			limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("querying candidate embeddings: %w", err)
	}
	defer rows.Close()

	return scanCandidates(rows, false)
}

// CountEmbeddings counts rows for a document.
func (q *PGQuerier) CountEmbeddings(ctx context.Context, documentID string) (int64, error) {
	var count int64
	err := q.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM embeddings WHERE document_id = $1`,
		documentID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting embeddings for document %q: %w", documentID, err)
	}
	return count, nil
}

// MarkDocumentIndexed transitions the document row to the indexed status.
func (q *PGQuerier) MarkDocumentIndexed(ctx context.Context, documentID string) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE documents SET status = 'indexed', updated_at = NOW() WHERE id = $1`,
		documentID,
	)
	if err != nil {
		return fmt.Errorf("marking document %q indexed: %w", documentID, err)
	}
	return nil
}

// InsertEmbeddings persists rows in a single batch. The parent documents
// row is upserted first so the foreign key holds even when the ingestion
// layer has not registered the document yet.
func (q *PGQuerier) InsertEmbeddings(ctx context.Context, rows []EmbeddingRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	batch.Queue(
		`INSERT INTO documents (id, status)
		 VALUES ($1, 'pending')
		 ON CONFLICT (id) DO NOTHING`,
		rows[0].DocumentID,
	)
	for _, r := range rows {
		batch.Queue(
			`INSERT INTO embeddings (id, document_id, chunk_text, embedding, metadata)
			 VALUES ($1, $2, $3, $4, $5)`,
			r.ID, r.DocumentID, r.ChunkText, r.Embedding, r.Metadata,
		)
	}

	results := q.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()

	for i := 0; i < len(rows)+1; i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("inserting embedding batch: %w", err)
		}
	}
	return nil
}

// DeleteEmbeddings removes all rows for a document and returns the count.
// The documents row is removed too; its ON DELETE CASCADE covers any
// embedding rows a concurrent writer slipped in between the two statements.
func (q *PGQuerier) DeleteEmbeddings(ctx context.Context, documentID string) (int64, error) {
	tag, err := q.pool.Exec(ctx,
		`DELETE FROM embeddings WHERE document_id = $1`,
		documentID,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting embeddings for document %q: %w", documentID, err)
	}
	if _, err := q.pool.Exec(ctx,
		`DELETE FROM documents WHERE id = $1`,
		documentID,
	); err != nil {
		return 0, fmt.Errorf("deleting document %q: %w", documentID, err)
	}
	return tag.RowsAffected(), nil
}

// scanCandidates reads CandidateRow structs from pgx.Rows. withDistance
// expects the trailing distance column produced by SelectNearest.
func scanCandidates(rows pgx.Rows, withDistance bool) ([]CandidateRow, error) {
	var out []CandidateRow
	for rows.Next() {
		var c CandidateRow
		var err error
		if withDistance {
			err = rows.Scan(&c.ID, &c.DocumentID, &c.ChunkText, &c.Embedding, &c.Metadata, &c.Distance)
		} else {
			err = rows.Scan(&c.ID, &c.DocumentID, &c.ChunkText, &c.Embedding, &c.Metadata)
		}
		if err != nil {
			return nil, fmt.Errorf("scanning candidate row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating candidate rows: %w", err)
	}
	return out, nil
}
