package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devloop/coach/internal/log"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// chunkCols is the standard SELECT column list for scanChunks.
const chunkCols = `id, source, source_id, title, content, embedding,
	token_count, author, technology, parent_document_id, chunk_index,
	created_at, updated_at`

// jobCols is the standard SELECT column list for scanJob.
const jobCols = `id, source, status, total_items, processed_items,
	chunks_created, error_message, created_at, started_at, completed_at`

// upsertChunkSQL replaces a chunk identified by its idempotency key.
const upsertChunkSQL = `INSERT INTO content_chunks
	(source, source_id, title, content, embedding, token_count,
	 author, technology, parent_document_id, chunk_index)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (source, source_id) DO UPDATE SET
	  title = EXCLUDED.title,
	  content = EXCLUDED.content,
	  embedding = EXCLUDED.embedding,
	  token_count = EXCLUDED.token_count,
	  author = EXCLUDED.author,
	  technology = EXCLUDED.technology,
	  parent_document_id = EXCLUDED.parent_document_id,
	  chunk_index = EXCLUDED.chunk_index,
	  updated_at = now()`

// Store manages persisted chunks and ingestion jobs in PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewStore creates a content Store.
func NewStore(pool *pgxpool.Pool, logger log.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// ReplaceDocumentChunks atomically replaces all chunks of one parent
// document: prior chunks for parentDocumentID are deleted, then the new
// set is written, all inside a single transaction. On any error the
// transaction rolls back and no partial chunk set survives.
func (s *Store) ReplaceDocumentChunks(ctx context.Context, parentDocumentID string, chunks []Chunk) error {
	if parentDocumentID == "" {
		return fmt.Errorf("parent document ID is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	if err := deleteByParent(ctx, tx, parentDocumentID); err != nil {
		return err
	}
	for i := range chunks {
		if err := upsertChunk(ctx, tx, &chunks[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing chunk transaction: %w", err)
	}
	return nil
}

// DeleteByParentDocument removes all chunks belonging to a parent document.
func (s *Store) DeleteByParentDocument(ctx context.Context, parentDocumentID string) error {
	return deleteByParent(ctx, s.pool, parentDocumentID)
}

func deleteByParent(ctx context.Context, q querier, parentDocumentID string) error {
	if _, err := q.Exec(ctx,
		`DELETE FROM content_chunks WHERE parent_document_id = $1`,
		parentDocumentID,
	); err != nil {
		return fmt.Errorf("deleting chunks for document %s: %w", parentDocumentID, err)
	}
	return nil
}

func upsertChunk(ctx context.Context, q querier, c *Chunk) error {
	if !c.Source.Valid() {
		return fmt.Errorf("invalid source: %q", c.Source)
	}
	if c.SourceID == "" {
		return fmt.Errorf("source ID is required")
	}
	if _, err := q.Exec(ctx, upsertChunkSQL,
		c.Source, c.SourceID, c.Title, c.Content, c.Embedding, c.TokenCount,
		c.Author, c.Technology, c.ParentDocumentID, c.ChunkIndex,
	); err != nil {
		return fmt.Errorf("upserting chunk %s/%s: %w", c.Source, c.SourceID, err)
	}
	return nil
}

// ListEmbedded returns every chunk that has an embedding, ordered by
// parent document and chunk index. Used by the cache refresh.
func (s *Store) ListEmbedded(ctx context.Context) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+chunkCols+`
		 FROM content_chunks
		 WHERE embedding IS NOT NULL
		 ORDER BY parent_document_id, chunk_index`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing embedded chunks: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

// CountByParentDocument returns how many chunks a parent document has.
func (s *Store) CountByParentDocument(ctx context.Context, parentDocumentID string) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM content_chunks WHERE parent_document_id = $1`,
		parentDocumentID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting chunks for document %s: %w", parentDocumentID, err)
	}
	return count, nil
}

// ChunkBySourceID looks a chunk up by its idempotency key. Returns
// ErrNotFound if no chunk has been ingested under that key.
func (s *Store) ChunkBySourceID(ctx context.Context, source Source, sourceID string) (*Chunk, error) {
	var c Chunk
	err := s.pool.QueryRow(ctx,
		`SELECT `+chunkCols+` FROM content_chunks
		 WHERE source = $1 AND source_id = $2`,
		source, sourceID,
	).Scan(
		&c.ID, &c.Source, &c.SourceID, &c.Title, &c.Content, &c.Embedding,
		&c.TokenCount, &c.Author, &c.Technology, &c.ParentDocumentID,
		&c.ChunkIndex, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading chunk %s/%s: %w", source, sourceID, err)
	}
	return &c, nil
}

// CreateJob persists a new ingestion job in the Queued state.
func (s *Store) CreateJob(ctx context.Context, source Source) (*Job, error) {
	if !source.Valid() {
		return nil, fmt.Errorf("invalid source: %q", source)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO ingestion_jobs (source) VALUES ($1)
		 RETURNING `+jobCols,
		source,
	)
	return scanJob(row)
}

// JobByID returns one job. Returns ErrNotFound if it does not exist.
func (s *Store) JobByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobCols+` FROM ingestion_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// JobsByStatus returns jobs in the given status, oldest first.
func (s *Store) JobsByStatus(ctx context.Context, status JobStatus) ([]*Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobCols+`
		 FROM ingestion_jobs
		 WHERE status = $1
		 ORDER BY created_at ASC`,
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("listing jobs by status %s: %w", status, err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating jobs: %w", err)
	}
	return jobs, nil
}

// MarkProcessing transitions a job from Queued to Processing.
func (s *Store) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs
		 SET status = 'processing', started_at = now()
		 WHERE id = $1 AND status = 'queued'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("marking job %s processing: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateProgress persists progress counters while a job is Processing,
// so status is observable mid-job.
func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, processed, total int) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs
		 SET processed_items = $2, total_items = $3
		 WHERE id = $1 AND status = 'processing'`,
		id, processed, total,
	); err != nil {
		return fmt.Errorf("updating progress for job %s: %w", id, err)
	}
	return nil
}

// MarkCompleted transitions a job from Processing to Completed with its
// final chunk count.
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID, chunksCreated int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs
		 SET status = 'completed', chunks_created = $2, completed_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		id, chunksCreated,
	)
	if err != nil {
		return fmt.Errorf("marking job %s completed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkFailed transitions a job to Failed and records the error message.
// Runs against the pool, never inside the job's data transaction, so the
// failure itself is durable after a rollback.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	if message == "" {
		message = "unknown error"
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs
		 SET status = 'failed', error_message = $2, completed_at = now()
		 WHERE id = $1 AND status IN ('queued', 'processing')`,
		id, message,
	)
	if err != nil {
		return fmt.Errorf("marking job %s failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// scanChunks reads Chunk structs from pgx.Rows (standard column set).
func scanChunks(rows pgx.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(
			&c.ID, &c.Source, &c.SourceID, &c.Title, &c.Content, &c.Embedding,
			&c.TokenCount, &c.Author, &c.Technology, &c.ParentDocumentID,
			&c.ChunkIndex, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}
	return chunks, nil
}

// scanJob reads a Job from a pgx.Row (standard column set).
func scanJob(row pgx.Row) (*Job, error) {
	j := &Job{}
	if err := row.Scan(
		&j.ID, &j.Source, &j.Status, &j.TotalItems, &j.ProcessedItems,
		&j.ChunksCreated, &j.ErrorMessage, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	return j, nil
}
