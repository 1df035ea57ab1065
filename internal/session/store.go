package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devloop/coach/internal/log"
)

const sessionCols = `id, profile_id, title, created_at, last_message_at, last_extraction_at, last_processed_message_id, deleted_at`

const messageCols = `id, session_id, role, content, model, prompt_tokens, completion_tokens, created_at`

// Store persists sessions and messages.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewStore creates a session store backed by pool.
func NewStore(pool *pgxpool.Pool, logger log.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// CreateSession opens a new session for the profile.
func (s *Store) CreateSession(ctx context.Context, profileID uuid.UUID, title string) (*Session, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (profile_id, title)
		VALUES ($1, $2)
		RETURNING `+sessionCols,
		profileID, strings.TrimSpace(title))

	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// SessionForProfile loads a session and enforces ownership. A missing
// session is ErrNotFound, a soft-deleted one ErrDeleted, and one owned by
// a different profile ErrForbidden. Ownership is checked before deletion
// so a foreign caller cannot distinguish deleted sessions from live ones.
func (s *Store) SessionForProfile(ctx context.Context, sessionID, profileID uuid.UUID) (*Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = $1`, sessionID)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess.ProfileID != profileID {
		return nil, ErrForbidden
	}
	if sess.DeletedAt != nil {
		return nil, ErrDeleted
	}
	return sess, nil
}

// AppendMessage stores one message in a session.
func (s *Store) AppendMessage(ctx context.Context, m *Message) (*Message, error) {
	if m == nil {
		return nil, errors.New("message is nil")
	}
	if !m.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", m.Role)
	}
	if strings.TrimSpace(m.Content) == "" {
		return nil, errors.New("message content is empty")
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (session_id, role, content, model, prompt_tokens, completion_tokens)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+messageCols,
		m.SessionID, m.Role, m.Content, m.Model, m.PromptTokens, m.CompletionTokens)

	created, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}
	return created, nil
}

// RecentMessages returns the latest limit messages of a session in
// chronological order, ready for prompt assembly.
func (s *Store) RecentMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageCols+` FROM (
			SELECT `+messageCols+`
			FROM messages
			WHERE session_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent messages: %w", err)
	}
	return scanMessages(rows)
}

// MessagesSince returns all messages of a session strictly after the
// checkpoint message, in chronological order. A nil checkpoint returns
// everything. Ordering and comparison use (created_at, id) so messages
// sharing a timestamp with the checkpoint are never skipped.
func (s *Store) MessagesSince(ctx context.Context, sessionID uuid.UUID, afterMessageID *uuid.UUID) ([]Message, error) {
	if afterMessageID == nil {
		rows, err := s.pool.Query(ctx, `
			SELECT `+messageCols+`
			FROM messages
			WHERE session_id = $1
			ORDER BY created_at ASC, id ASC`,
			sessionID)
		if err != nil {
			return nil, fmt.Errorf("listing messages: %w", err)
		}
		return scanMessages(rows)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+messageCols+`
		FROM messages
		WHERE session_id = $1
		  AND (created_at, id) > (SELECT created_at, id FROM messages WHERE id = $2)
		ORDER BY created_at ASC, id ASC`,
		sessionID, *afterMessageID)
	if err != nil {
		return nil, fmt.Errorf("listing messages since checkpoint: %w", err)
	}
	return scanMessages(rows)
}

// MessageCount returns the number of messages in a session.
func (s *Store) MessageCount(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM messages WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// TouchLastMessage advances the session's last-message timestamp.
func (s *Store) TouchLastMessage(ctx context.Context, sessionID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET last_message_at = now() WHERE id = $1 AND deleted_at IS NULL`,
		sessionID)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTitle sets the session title.
func (s *Store) SetTitle(ctx context.Context, sessionID uuid.UUID, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET title = $2 WHERE id = $1 AND deleted_at IS NULL`,
		sessionID, strings.TrimSpace(title))
	if err != nil {
		return fmt.Errorf("setting session title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SessionsNeedingExtraction returns the profile's live sessions whose
// last message postdates their extraction checkpoint.
func (s *Store) SessionsNeedingExtraction(ctx context.Context, profileID uuid.UUID) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionCols+`
		FROM sessions
		WHERE profile_id = $1 AND deleted_at IS NULL
		  AND (last_extraction_at IS NULL OR last_message_at > last_extraction_at)
		ORDER BY last_message_at ASC`,
		profileID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions needing extraction: %w", err)
	}
	return scanSessions(rows)
}

// SetExtractionCheckpoint records that extraction has processed all
// messages up to and including lastMessageID (nil if the session had no
// extractable messages yet) as of at.
func (s *Store) SetExtractionCheckpoint(ctx context.Context, sessionID uuid.UUID, lastMessageID *uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET last_extraction_at = $2, last_processed_message_id = $3 WHERE id = $1`,
		sessionID, at, lastMessageID)
	if err != nil {
		return fmt.Errorf("setting extraction checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks a session deleted. Messages are kept; extraction and
// listing skip deleted sessions.
func (s *Store) SoftDelete(ctx context.Context, sessionID, profileID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET deleted_at = now()
		WHERE id = $1 AND profile_id = $2 AND deleted_at IS NULL`,
		sessionID, profileID)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.ProfileID, &s.Title, &s.CreatedAt,
		&s.LastMessageAt, &s.LastExtractionAt, &s.LastProcessedMessageID, &s.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanSessions(rows pgx.Rows) ([]Session, error) {
	defer rows.Close()
	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Model,
		&m.PromptTokens, &m.CompletionTokens, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()
	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}
