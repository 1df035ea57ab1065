package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/devloop/coach/internal/log"
	"github.com/devloop/coach/internal/session"
)

// queueSize bounds the extraction queue. Producers never block: a full
// queue drops the request, which is safe because extraction is
// checkpointed and the profile will be enqueued again on its next turn.
const queueSize = 256

// extractor derives memory candidates from a conversation transcript.
type extractor interface {
	Extract(ctx context.Context, conversation string) ([]Candidate, error)
}

// mergeStore is the slice of Store the worker needs to merge candidates.
type mergeStore interface {
	Create(ctx context.Context, m *Memory) (*Memory, error)
	FindByContent(ctx context.Context, profileID uuid.UUID, category Category, content string) (*Memory, error)
	IncrementOccurrence(ctx context.Context, id uuid.UUID, minImportance int) error
	ActiveByCategory(ctx context.Context, profileID uuid.UUID, category Category) ([]Memory, error)
	Supersede(ctx context.Context, profileID, oldID, newID uuid.UUID) error
}

// sessionSource provides the conversations pending extraction and their
// checkpoints.
type sessionSource interface {
	SessionsNeedingExtraction(ctx context.Context, profileID uuid.UUID) ([]session.Session, error)
	MessagesSince(ctx context.Context, sessionID uuid.UUID, afterMessageID *uuid.UUID) ([]session.Message, error)
	SetExtractionCheckpoint(ctx context.Context, sessionID uuid.UUID, lastMessageID *uuid.UUID, at time.Time) error
}

// contentEmbedder embeds candidate content for later semantic retrieval.
type contentEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Worker consumes per-profile extraction requests and merges the
// resulting candidates into the memory store. One worker goroutine
// serializes all extraction, so merge logic never races with itself.
type Worker struct {
	store     mergeStore
	sessions  sessionSource
	extractor extractor
	embedder  contentEmbedder
	logger    log.Logger
	queue     chan uuid.UUID
}

// NewWorker creates an extraction worker. Run must be started for
// enqueued profiles to be processed.
func NewWorker(store mergeStore, sessions sessionSource, ext extractor, embedder contentEmbedder, logger log.Logger) *Worker {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Worker{
		store:     store,
		sessions:  sessions,
		extractor: ext,
		embedder:  embedder,
		logger:    logger,
		queue:     make(chan uuid.UUID, queueSize),
	}
}

// Enqueue requests extraction for a profile. It never blocks; if the
// queue is full the request is dropped with a warning.
func (w *Worker) Enqueue(profileID uuid.UUID) {
	select {
	case w.queue <- profileID:
	default:
		w.logger.Warn("extraction queue full, dropping request", "profile_id", profileID)
	}
}

// Run processes the queue until ctx is cancelled. A single profile's
// failure is logged and does not halt the loop.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("memory extraction worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("memory extraction worker stopped")
			return
		case profileID := <-w.queue:
			if err := w.ProcessProfile(ctx, profileID); err != nil {
				w.logger.Error("memory extraction failed", "profile_id", profileID, "error", err)
			}
		}
	}
}

// ProcessProfile extracts and merges memories from every session of the
// profile with messages newer than its extraction checkpoint. Processing
// the same profile twice is idempotent: each pass advances the
// checkpoints, so already-extracted messages are not revisited.
func (w *Worker) ProcessProfile(ctx context.Context, profileID uuid.UUID) error {
	pending, err := w.sessions.SessionsNeedingExtraction(ctx, profileID)
	if err != nil {
		return fmt.Errorf("listing sessions needing extraction: %w", err)
	}

	for _, s := range pending {
		if err := w.processSession(ctx, profileID, s); err != nil {
			// Checkpoint was not advanced, so this session is retried
			// on the next enqueue.
			w.logger.Error("session extraction failed",
				"profile_id", profileID, "session_id", s.ID, "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (w *Worker) processSession(ctx context.Context, profileID uuid.UUID, s session.Session) error {
	messages, err := w.sessions.MessagesSince(ctx, s.ID, s.LastProcessedMessageID)
	if err != nil {
		return fmt.Errorf("loading messages: %w", err)
	}
	if len(messages) == 0 {
		// Nothing new; advance the timestamp so the pending scan stops
		// returning this session, keeping the message checkpoint as is.
		return w.sessions.SetExtractionCheckpoint(ctx, s.ID, s.LastProcessedMessageID, s.LastMessageAt)
	}

	last := messages[len(messages)-1]
	candidates, err := w.extractor.Extract(ctx, formatMessages(messages))
	if err != nil {
		return fmt.Errorf("extracting candidates: %w", err)
	}

	for _, c := range candidates {
		if err := w.merge(ctx, profileID, s.ID, c); err != nil {
			return fmt.Errorf("merging candidate (%s): %w", c.Category, err)
		}
	}

	if err := w.sessions.SetExtractionCheckpoint(ctx, s.ID, &last.ID, last.CreatedAt); err != nil {
		return fmt.Errorf("updating extraction checkpoint: %w", err)
	}
	w.logger.Debug("session extracted",
		"session_id", s.ID, "messages", len(messages), "candidates", len(candidates))
	return nil
}

// merge folds one candidate into the store. An exact duplicate bumps the
// existing memory's occurrence count. A single-cardinality category
// supersedes the previous active memory rather than coexisting with it.
func (w *Worker) merge(ctx context.Context, profileID, sessionID uuid.UUID, c Candidate) error {
	existing, err := w.store.FindByContent(ctx, profileID, c.Category, c.Content)
	if err == nil {
		return w.store.IncrementOccurrence(ctx, existing.ID, c.Importance)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	m := &Memory{
		ProfileID:       profileID,
		SourceSessionID: &sessionID,
		Category:        c.Category,
		Content:         c.Content,
		Importance:      c.Importance,
	}
	if vec, err := w.embedder.Embed(ctx, c.Content); err != nil {
		// A memory without an embedding still serves the recency and
		// importance retrieval paths.
		w.logger.Warn("storing memory without embedding", "error", err)
	} else {
		v := pgvector.NewVector(vec)
		m.Embedding = &v
	}

	created, err := w.store.Create(ctx, m)
	if err != nil {
		return err
	}

	if !c.Category.SingleCardinality() {
		return nil
	}
	active, err := w.store.ActiveByCategory(ctx, profileID, c.Category)
	if err != nil {
		return err
	}
	for _, old := range active {
		if old.ID == created.ID {
			continue
		}
		if err := w.store.Supersede(ctx, profileID, old.ID, created.ID); err != nil {
			return err
		}
	}
	return nil
}

func formatMessages(messages []session.Message) string {
	conv := make([]ConversationMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == session.RoleSystem {
			continue
		}
		conv = append(conv, ConversationMessage{Role: string(m.Role), Content: m.Content})
	}
	return FormatConversation(conv)
}
