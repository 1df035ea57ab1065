package content_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/devloop/coach/internal/content"
	"github.com/devloop/coach/internal/log"
	"github.com/devloop/coach/internal/testutil"
)

func newStore(t *testing.T) *content.Store {
	t.Helper()
	db := testutil.SetupTestDB(t)
	store, err := content.NewStore(db.Pool, log.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func docChunks(parentID string, n int) []content.Chunk {
	chunks := make([]content.Chunk, n)
	for i := range chunks {
		chunks[i] = content.Chunk{
			Source:           content.SourceArticle,
			SourceID:         fmt.Sprintf("%s-%d", parentID, i),
			Title:            "Effective Go",
			Content:          fmt.Sprintf("chunk %d body", i),
			Embedding:        []byte{1, 0, 0, 0},
			TokenCount:       3,
			Technology:       "go",
			ParentDocumentID: parentID,
			ChunkIndex:       i,
		}
	}
	return chunks
}

func TestReplaceDocumentChunks_Idempotent(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	if err := store.ReplaceDocumentChunks(ctx, "doc-1", docChunks("doc-1", 3)); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if err := store.ReplaceDocumentChunks(ctx, "doc-1", docChunks("doc-1", 3)); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	count, err := store.CountByParentDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("CountByParentDocument: %v", err)
	}
	if count != 3 {
		t.Errorf("chunk count after re-ingest = %d, want 3", count)
	}
}

func TestReplaceDocumentChunks_ReplacesPriorSet(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	if err := store.ReplaceDocumentChunks(ctx, "doc-2", docChunks("doc-2", 5)); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if err := store.ReplaceDocumentChunks(ctx, "doc-2", docChunks("doc-2", 2)); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	count, err := store.CountByParentDocument(ctx, "doc-2")
	if err != nil {
		t.Fatalf("CountByParentDocument: %v", err)
	}
	if count != 2 {
		t.Errorf("chunk count after shrinking re-ingest = %d, want 2", count)
	}
}

func TestReplaceDocumentChunks_RollsBackOnError(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	chunks := docChunks("doc-3", 3)
	chunks[2].SourceID = "" // invalid, fails mid-transaction

	if err := store.ReplaceDocumentChunks(ctx, "doc-3", chunks); err == nil {
		t.Fatal("expected error for invalid chunk")
	}

	count, err := store.CountByParentDocument(ctx, "doc-3")
	if err != nil {
		t.Fatalf("CountByParentDocument: %v", err)
	}
	if count != 0 {
		t.Errorf("chunks persisted after rollback = %d, want 0", count)
	}
}

func TestListEmbedded_SkipsChunksWithoutEmbedding(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	chunks := docChunks("doc-4", 2)
	chunks[1].Embedding = nil
	if err := store.ReplaceDocumentChunks(ctx, "doc-4", chunks); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	embedded, err := store.ListEmbedded(ctx)
	if err != nil {
		t.Fatalf("ListEmbedded: %v", err)
	}
	if len(embedded) != 1 {
		t.Fatalf("embedded chunks = %d, want 1", len(embedded))
	}
	if embedded[0].SourceID != "doc-4-0" {
		t.Errorf("embedded chunk = %s, want doc-4-0", embedded[0].SourceID)
	}
}

func TestChunkBySourceID(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	if err := store.ReplaceDocumentChunks(ctx, "doc-5", docChunks("doc-5", 2)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	got, err := store.ChunkBySourceID(ctx, content.SourceArticle, "doc-5-1")
	if err != nil {
		t.Fatalf("ChunkBySourceID: %v", err)
	}
	if got.ParentDocumentID != "doc-5" || got.ChunkIndex != 1 {
		t.Errorf("chunk = %+v, want doc-5 index 1", got)
	}

	if _, err := store.ChunkBySourceID(ctx, content.SourceArticle, "doc-5-9"); !errors.Is(err, content.ErrNotFound) {
		t.Errorf("missing key = %v, want ErrNotFound", err)
	}
	// Same source ID under a different source is a different key.
	if _, err := store.ChunkBySourceID(ctx, content.SourcePDF, "doc-5-1"); !errors.Is(err, content.ErrNotFound) {
		t.Errorf("cross-source key = %v, want ErrNotFound", err)
	}
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, content.SourcePDF)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Status != content.StatusQueued {
		t.Errorf("new job status = %s, want queued", job.Status)
	}

	if err := store.MarkProcessing(ctx, job.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := store.UpdateProgress(ctx, job.ID, 1, 2); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if err := store.MarkCompleted(ctx, job.ID, 6); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	got, err := store.JobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("JobByID: %v", err)
	}
	if got.Status != content.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.ChunksCreated != 6 {
		t.Errorf("chunks_created = %d, want 6", got.ChunksCreated)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("expected started_at and completed_at to be set")
	}
}

func TestMarkFailed_IsTerminalAndDurable(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, content.SourceOfficialDocs)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.MarkProcessing(ctx, job.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := store.MarkFailed(ctx, job.ID, "crawl timed out"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	got, err := store.JobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("JobByID: %v", err)
	}
	if got.Status != content.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage != "crawl timed out" {
		t.Errorf("error_message = %q, want %q", got.ErrorMessage, "crawl timed out")
	}

	// Terminal: cannot complete a failed job.
	if err := store.MarkCompleted(ctx, job.ID, 1); !errors.Is(err, content.ErrNotFound) {
		t.Errorf("MarkCompleted on failed job = %v, want ErrNotFound", err)
	}
}

func TestJobByID_NotFound(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	_, err := store.JobByID(context.Background(), uuid.New())
	if !errors.Is(err, content.ErrNotFound) {
		t.Errorf("JobByID = %v, want ErrNotFound", err)
	}
}
