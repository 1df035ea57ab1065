package search

import (
	"context"
	"fmt"
	"sort"

	"github.com/devloop/coach/internal/embedding"
	"github.com/devloop/coach/internal/log"
)

// queryEmbedder is the slice of the embedding client the searcher needs.
type queryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Filters narrows a search to chunks matching the set fields exactly.
// Zero-valued fields do not filter.
type Filters struct {
	Source     string
	Technology string
	Author     string
}

// Result pairs a cached chunk with its similarity to the query.
type Result struct {
	Chunk      CachedChunk
	Similarity float64
}

// Searcher ranks cached chunks by cosine similarity to a query.
//
// The scan is O(n) over the snapshot. At the target corpus scale a
// linear scan stays well under a millisecond; a nearest-neighbor index
// can replace it behind the same method if the corpus outgrows that.
type Searcher struct {
	cache    *Cache
	embedder queryEmbedder
	logger   log.Logger
}

// NewSearcher creates a Searcher over the given cache.
func NewSearcher(cache *Cache, embedder queryEmbedder, logger log.Logger) *Searcher {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Searcher{cache: cache, embedder: embedder, logger: logger}
}

// Search embeds the query once and returns up to limit chunks with
// similarity >= minSimilarity, filtered by f, sorted by similarity
// descending with chunk ID as a deterministic tiebreak. An empty result
// is not an error.
func (s *Searcher) Search(ctx context.Context, query string, f Filters, limit int, minSimilarity float64) ([]Result, error) {
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	chunks, err := s.cache.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, ch := range chunks {
		if !matches(ch, f) {
			continue
		}
		sim, err := embedding.CosineSimilarity(queryVec, ch.Vector)
		if err != nil {
			// Dimension mismatch is a programmer error; fail fast.
			return nil, fmt.Errorf("comparing chunk %s: %w", ch.ID, err)
		}
		if sim < minSimilarity {
			continue
		}
		results = append(results, Result{Chunk: ch, Similarity: sim})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Chunk.ID.String() < results[j].Chunk.ID.String()
	})

	if len(results) > limit {
		results = results[:limit]
	}

	s.logger.Debug("semantic search", "query_len", len(query), "results", len(results))
	return results, nil
}

func matches(ch CachedChunk, f Filters) bool {
	if f.Source != "" && string(ch.Source) != f.Source {
		return false
	}
	if f.Technology != "" && ch.Technology != f.Technology {
		return false
	}
	if f.Author != "" && ch.Author != f.Author {
		return false
	}
	return true
}
