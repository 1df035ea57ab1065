package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/devloop/coach/internal/config"
	"github.com/devloop/coach/internal/embedding"
	"github.com/devloop/coach/internal/log"
)

// retrievalStore is the slice of Store the retriever needs.
type retrievalStore interface {
	Recent(ctx context.Context, profileID uuid.UUID, limit int) ([]Memory, error)
	HighImportance(ctx context.Context, profileID uuid.UUID, minImportance, limit int) ([]Memory, error)
	ActiveWithEmbeddings(ctx context.Context, profileID uuid.UUID) ([]Memory, error)
}

// queryEmbedder embeds a single query string.
type queryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Ranked pairs a memory with its merge score.
type Ranked struct {
	Memory Memory
	Score  float64
}

// Retriever assembles the memory context for a chat turn from three
// candidate sets: semantic matches to the current message, high-importance
// memories, and recent memories.
type Retriever struct {
	store    retrievalStore
	embedder queryEmbedder
	cfg      config.MemoryConfig
	logger   log.Logger
}

// NewRetriever creates a Retriever with the given tunables.
func NewRetriever(store retrievalStore, embedder queryEmbedder, cfg config.MemoryConfig, logger log.Logger) *Retriever {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Retriever{store: store, embedder: embedder, cfg: cfg, logger: logger}
}

// ContextMemories returns the ranked memory list used to personalize a
// response to message. Semantic matches win deduplication and carry their
// similarity plus a fixed boost; high-importance memories score
// importance/5; recent memories decay linearly from 0.5. The merged list
// is sorted by score descending and capped.
//
// A failing query embedding degrades to recency and importance only. The
// chat turn must not fail because the embedder is down.
func (r *Retriever) ContextMemories(ctx context.Context, profileID uuid.UUID, message string) ([]Ranked, error) {
	seen := make(map[uuid.UUID]bool)
	var merged []Ranked

	for _, sm := range r.semanticSet(ctx, profileID, message) {
		if seen[sm.Memory.ID] {
			continue
		}
		seen[sm.Memory.ID] = true
		merged = append(merged, Ranked{
			Memory: sm.Memory,
			Score:  sm.Similarity + r.cfg.SemanticBoost,
		})
	}

	important, err := r.store.HighImportance(ctx, profileID, r.cfg.ImportanceThreshold, r.cfg.ContextLimit)
	if err != nil {
		return nil, fmt.Errorf("loading high-importance memories: %w", err)
	}
	for _, m := range important {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		merged = append(merged, Ranked{Memory: m, Score: float64(m.Importance) / 5})
	}

	recent, err := r.store.Recent(ctx, profileID, r.cfg.RecentLimit)
	if err != nil {
		return nil, fmt.Errorf("loading recent memories: %w", err)
	}
	for i, m := range recent {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		n := len(recent)
		merged = append(merged, Ranked{Memory: m, Score: float64(n-i) / float64(n) * 0.5})
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if r.cfg.ContextLimit > 0 && len(merged) > r.cfg.ContextLimit {
		merged = merged[:r.cfg.ContextLimit]
	}
	return merged, nil
}

type semanticMatch struct {
	Memory     Memory
	Similarity float64
}

// semanticSet embeds the message and ranks embedded active memories by
// cosine similarity. Any failure is logged and yields an empty set.
func (r *Retriever) semanticSet(ctx context.Context, profileID uuid.UUID, message string) []semanticMatch {
	if message == "" {
		return nil
	}
	queryVec, err := r.embedder.Embed(ctx, message)
	if err != nil {
		r.logger.Warn("skipping semantic memory set", "error", err)
		return nil
	}

	candidates, err := r.store.ActiveWithEmbeddings(ctx, profileID)
	if err != nil {
		r.logger.Warn("skipping semantic memory set", "error", err)
		return nil
	}

	var matches []semanticMatch
	for _, m := range candidates {
		if m.Embedding == nil {
			continue
		}
		sim, err := embedding.CosineSimilarity(queryVec, m.Embedding.Slice())
		if err != nil {
			r.logger.Warn("skipping memory with bad embedding", "memory_id", m.ID, "error", err)
			continue
		}
		if sim < r.cfg.MinSimilarity {
			continue
		}
		matches = append(matches, semanticMatch{Memory: m, Similarity: sim})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Memory.ID.String() < matches[j].Memory.ID.String()
	})
	if r.cfg.ContextLimit > 0 && len(matches) > r.cfg.ContextLimit {
		matches = matches[:r.cfg.ContextLimit]
	}
	return matches
}
