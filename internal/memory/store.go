package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devloop/coach/internal/log"
)

const memoryCols = `id, profile_id, source_session_id, category, content,
	embedding, importance, occurrence_count, created_at, superseded_at, superseded_by_id`

// Store persists learner memories.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewStore creates a memory store backed by pool.
func NewStore(pool *pgxpool.Pool, logger log.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Create inserts a new active memory and returns it with generated fields.
func (s *Store) Create(ctx context.Context, m *Memory) (*Memory, error) {
	if m == nil {
		return nil, errors.New("memory is nil")
	}
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return nil, errors.New("memory content is empty")
	}
	content = clipContent(content)
	if !m.Category.Valid() {
		return nil, fmt.Errorf("invalid category %q", m.Category)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO memories (profile_id, source_session_id, category, content, embedding, importance)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+memoryCols,
		m.ProfileID, m.SourceSessionID, m.Category, content, m.Embedding, clampImportance(m.Importance))

	created, err := scanMemory(row)
	if err != nil {
		return nil, fmt.Errorf("creating memory: %w", err)
	}
	return created, nil
}

// FindByContent returns the active memory with exactly this content in the
// given category, or ErrNotFound.
func (s *Store) FindByContent(ctx context.Context, profileID uuid.UUID, category Category, content string) (*Memory, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+memoryCols+`
		FROM memories
		WHERE profile_id = $1 AND category = $2 AND content = $3 AND superseded_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1`,
		profileID, category, content)

	m, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("finding memory by content: %w", err)
	}
	return m, nil
}

// IncrementOccurrence bumps the occurrence count of an active memory and
// raises its importance to at least minImportance.
func (s *Store) IncrementOccurrence(ctx context.Context, id uuid.UUID, minImportance int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE memories
		SET occurrence_count = occurrence_count + 1,
		    importance = GREATEST(importance, $2)
		WHERE id = $1 AND superseded_at IS NULL`,
		id, clampImportance(minImportance))
	if err != nil {
		return fmt.Errorf("incrementing occurrence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveByCategory returns active memories for the profile in the given
// category, newest first.
func (s *Store) ActiveByCategory(ctx context.Context, profileID uuid.UUID, category Category) ([]Memory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+memoryCols+`
		FROM memories
		WHERE profile_id = $1 AND category = $2 AND superseded_at IS NULL
		ORDER BY created_at DESC`,
		profileID, category)
	if err != nil {
		return nil, fmt.Errorf("listing memories by category: %w", err)
	}
	return scanMemories(rows)
}

// Supersede marks oldID as replaced by newID. The old memory is never
// deleted, only linked forward, so history stays auditable. Both memories
// must belong to profileID, and the old one must still be active.
//
// A chain walk guards against supersession cycles, which would otherwise
// make the link graph unresolvable.
func (s *Store) Supersede(ctx context.Context, profileID, oldID, newID uuid.UUID) error {
	if oldID == newID {
		return errors.New("memory cannot supersede itself")
	}

	// Walk the chain from newID: if it leads back to oldID the update
	// would create a cycle.
	cursor := newID
	for range 10 {
		var next *uuid.UUID
		err := s.pool.QueryRow(ctx,
			`SELECT superseded_by_id FROM memories WHERE id = $1 AND profile_id = $2`,
			cursor, profileID).Scan(&next)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("checking supersession chain: %w", err)
		}
		if next == nil {
			break
		}
		if *next == oldID {
			return errors.New("supersession would create a cycle")
		}
		cursor = *next
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE memories
		SET superseded_at = now(), superseded_by_id = $3
		WHERE id = $1 AND profile_id = $2 AND superseded_at IS NULL
		  AND EXISTS (SELECT 1 FROM memories WHERE id = $3 AND profile_id = $2)`,
		oldID, profileID, newID)
	if err != nil {
		return fmt.Errorf("superseding memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Recent returns the most recently created active memories, newest first.
func (s *Store) Recent(ctx context.Context, profileID uuid.UUID, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+memoryCols+`
		FROM memories
		WHERE profile_id = $1 AND superseded_at IS NULL
		ORDER BY created_at DESC
		LIMIT $2`,
		profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent memories: %w", err)
	}
	return scanMemories(rows)
}

// HighImportance returns active memories at or above the importance
// threshold, most important and newest first.
func (s *Store) HighImportance(ctx context.Context, profileID uuid.UUID, minImportance, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+memoryCols+`
		FROM memories
		WHERE profile_id = $1 AND superseded_at IS NULL AND importance >= $2
		ORDER BY importance DESC, created_at DESC
		LIMIT $3`,
		profileID, minImportance, limit)
	if err != nil {
		return nil, fmt.Errorf("listing high-importance memories: %w", err)
	}
	return scanMemories(rows)
}

// ActiveWithEmbeddings returns every active memory that has an embedding.
// Semantic ranking happens in process, so no vector index or ordering is
// pushed to the database.
func (s *Store) ActiveWithEmbeddings(ctx context.Context, profileID uuid.UUID) ([]Memory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+memoryCols+`
		FROM memories
		WHERE profile_id = $1 AND superseded_at IS NULL AND embedding IS NOT NULL
		ORDER BY created_at DESC`,
		profileID)
	if err != nil {
		return nil, fmt.Errorf("listing embedded memories: %w", err)
	}
	return scanMemories(rows)
}

// ActiveCount returns the number of active memories for the profile.
func (s *Store) ActiveCount(ctx context.Context, profileID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM memories WHERE profile_id = $1 AND superseded_at IS NULL`,
		profileID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting memories: %w", err)
	}
	return n, nil
}

// ByID returns a memory regardless of supersession state.
func (s *Store) ByID(ctx context.Context, id uuid.UUID) (*Memory, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+memoryCols+` FROM memories WHERE id = $1`, id)
	m, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading memory: %w", err)
	}
	return m, nil
}

func scanMemory(row pgx.Row) (*Memory, error) {
	var m Memory
	err := row.Scan(
		&m.ID, &m.ProfileID, &m.SourceSessionID, &m.Category, &m.Content,
		&m.Embedding, &m.Importance, &m.OccurrenceCount, &m.CreatedAt,
		&m.SupersededAt, &m.SupersededByID)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMemories(rows pgx.Rows) ([]Memory, error) {
	defer rows.Close()
	var memories []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning memory: %w", err)
		}
		memories = append(memories, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating memories: %w", err)
	}
	return memories, nil
}
