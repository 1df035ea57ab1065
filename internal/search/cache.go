// Package search holds the in-memory embedding cache and the cosine
// similarity search that runs over it.
package search

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/devloop/coach/internal/content"
	"github.com/devloop/coach/internal/embedding"
	"github.com/devloop/coach/internal/log"
)

// chunkLister is the slice of the content store the cache needs.
type chunkLister interface {
	ListEmbedded(ctx context.Context) ([]content.Chunk, error)
}

// CachedChunk is the in-memory projection of a content chunk with its
// embedding deserialized once. Snapshots holding CachedChunks are
// immutable after publication.
type CachedChunk struct {
	ID               uuid.UUID
	Source           content.Source
	SourceID         string
	Title            string
	Content          string
	Author           string
	Technology       string
	ParentDocumentID string
	ChunkIndex       int
	Vector           []float32
}

// Cache holds the process-wide snapshot of all embedded chunks.
//
// Refresh rebuilds the snapshot wholesale and swaps it atomically:
// readers always see either the old or the new snapshot, never a
// partially built one. Refreshes serialize against each other but never
// block readers. GetAll waits for the first successful refresh.
type Cache struct {
	lister chunkLister
	logger log.Logger

	refreshMu sync.Mutex // serializes Refresh calls

	mu       sync.RWMutex // guards snapshot
	snapshot []CachedChunk

	readyOnce sync.Once
	ready     chan struct{} // closed after the first successful refresh
}

// NewCache creates an empty cache. Call Refresh before serving reads.
func NewCache(lister chunkLister, logger log.Logger) *Cache {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Cache{
		lister: lister,
		logger: logger,
		ready:  make(chan struct{}),
	}
}

// Refresh loads all embedded chunks from the store, deserializes each
// embedding once and atomically swaps the held snapshot. On error the
// previous snapshot stays active and the error is returned; the caller
// decides whether that is fatal (first load) or merely logged.
func (c *Cache) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	chunks, err := c.lister.ListEmbedded(ctx)
	if err != nil {
		return fmt.Errorf("loading chunks: %w", err)
	}

	next := make([]CachedChunk, 0, len(chunks))
	for _, ch := range chunks {
		vec, err := embedding.Deserialize(ch.Embedding)
		if err != nil {
			// A corrupt row must not take down retrieval.
			c.logger.Warn("skipping chunk with invalid embedding",
				"chunk_id", ch.ID, "error", err)
			continue
		}
		next = append(next, CachedChunk{
			ID:               ch.ID,
			Source:           ch.Source,
			SourceID:         ch.SourceID,
			Title:            ch.Title,
			Content:          ch.Content,
			Author:           ch.Author,
			Technology:       ch.Technology,
			ParentDocumentID: ch.ParentDocumentID,
			ChunkIndex:       ch.ChunkIndex,
			Vector:           vec,
		})
	}

	c.mu.Lock()
	c.snapshot = next
	c.mu.Unlock()

	c.readyOnce.Do(func() { close(c.ready) })

	c.logger.Debug("embedding cache refreshed", "chunks", len(next))
	return nil
}

// GetAll returns the current snapshot. Blocks until the first successful
// Refresh has completed, then never blocks again. The returned slice is
// shared and must not be mutated.
func (c *Cache) GetAll(ctx context.Context) ([]CachedChunk, error) {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for cache: %w", ctx.Err())
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot, nil
}

// Len returns the size of the current snapshot without waiting for
// readiness. Diagnostic use only.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshot)
}
