package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/devloop/coach/internal/content"
	"github.com/devloop/coach/internal/embedding"
	"github.com/devloop/coach/internal/log"
)

// fakeLister serves a mutable set of chunks with an optional scripted error.
type fakeLister struct {
	mu     sync.Mutex
	chunks []content.Chunk
	err    error
}

func (f *fakeLister) ListEmbedded(_ context.Context) ([]content.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	cp := make([]content.Chunk, len(f.chunks))
	copy(cp, f.chunks)
	return cp, nil
}

func (f *fakeLister) set(chunks []content.Chunk, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = chunks
	f.err = err
}

func testChunk(sourceID string, vec []float32) content.Chunk {
	return content.Chunk{
		ID:               uuid.New(),
		Source:           content.SourceArticle,
		SourceID:         sourceID,
		Content:          "body of " + sourceID,
		Embedding:        embedding.Serialize(vec),
		ParentDocumentID: "doc",
	}
}

func TestGetAll_BlocksUntilFirstRefresh(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{}
	lister.set([]content.Chunk{testChunk("a", []float32{1, 0})}, nil)
	cache := NewCache(lister, log.NewNop())

	// Before any refresh, GetAll must not return a snapshot.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := cache.GetAll(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("GetAll before refresh = %v, want deadline exceeded", err)
	}

	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	chunks, err := cache.GetAll(context.Background())
	if err != nil {
		t.Fatalf("GetAll after refresh: %v", err)
	}
	if len(chunks) != 1 || chunks[0].SourceID != "a" {
		t.Errorf("snapshot = %+v, want single chunk a", chunks)
	}
}

func TestRefresh_SwapsSnapshotAtomically(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{}
	lister.set([]content.Chunk{testChunk("old", []float32{1, 0})}, nil)
	cache := NewCache(lister, log.NewNop())
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	before, _ := cache.GetAll(context.Background())

	lister.set([]content.Chunk{
		testChunk("new-1", []float32{0, 1}),
		testChunk("new-2", []float32{1, 1}),
	}, nil)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}

	// The old snapshot the reader already holds is untouched.
	if len(before) != 1 || before[0].SourceID != "old" {
		t.Errorf("held snapshot mutated: %+v", before)
	}

	after, _ := cache.GetAll(context.Background())
	if len(after) != 2 {
		t.Errorf("new snapshot length = %d, want 2", len(after))
	}
}

func TestRefresh_FailureKeepsLastGoodSnapshot(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{}
	lister.set([]content.Chunk{testChunk("keep", []float32{1, 0})}, nil)
	cache := NewCache(lister, log.NewNop())
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	lister.set(nil, errors.New("store down"))
	if err := cache.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}

	chunks, err := cache.GetAll(context.Background())
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(chunks) != 1 || chunks[0].SourceID != "keep" {
		t.Errorf("snapshot after failed refresh = %+v, want chunk keep", chunks)
	}
}

func TestRefresh_SkipsCorruptEmbeddings(t *testing.T) {
	t.Parallel()

	bad := testChunk("bad", []float32{1, 0})
	bad.Embedding = []byte{1, 2, 3} // not a multiple of 4

	lister := &fakeLister{}
	lister.set([]content.Chunk{bad, testChunk("good", []float32{0, 1})}, nil)
	cache := NewCache(lister, log.NewNop())
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	chunks, _ := cache.GetAll(context.Background())
	if len(chunks) != 1 || chunks[0].SourceID != "good" {
		t.Errorf("snapshot = %+v, want only chunk good", chunks)
	}
}

func TestGetAll_ConcurrentReaders(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{}
	lister.set([]content.Chunk{testChunk("a", []float32{1, 0})}, nil)
	cache := NewCache(lister, log.NewNop())
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				if _, err := cache.GetAll(context.Background()); err != nil {
					t.Errorf("GetAll: %v", err)
					return
				}
			}
		}()
	}
	// Refresh concurrently with the readers.
	for range 10 {
		if err := cache.Refresh(context.Background()); err != nil {
			t.Errorf("Refresh: %v", err)
		}
	}
	wg.Wait()
}
