// Package profile loads learner profiles and builds the personalized
// system prompt for a chat turn.
package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devloop/coach/internal/log"
)

// ErrNotFound indicates the profile does not exist.
var ErrNotFound = errors.New("profile not found")

// LearnerProfile describes who the coach is talking to. It is maintained
// by the surrounding platform; this service only reads it.
type LearnerProfile struct {
	ID              uuid.UUID
	DisplayName     string
	Role            string
	ExperienceYears int
	TechStack       []string
	Goals           []string
	LearningStyle   string
	Pace            string
	Strengths       []string
	Struggles       []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const profileCols = `id, display_name, role, experience_years, tech_stack, goals,
	learning_style, pace, strengths, struggles, created_at, updated_at`

// Store reads learner profiles.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewStore creates a profile store backed by pool.
func NewStore(pool *pgxpool.Pool, logger log.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// ByID loads a profile or returns ErrNotFound.
func (s *Store) ByID(ctx context.Context, id uuid.UUID) (*LearnerProfile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+profileCols+` FROM learner_profiles WHERE id = $1`, id)

	var p LearnerProfile
	err := row.Scan(&p.ID, &p.DisplayName, &p.Role, &p.ExperienceYears,
		&p.TechStack, &p.Goals, &p.LearningStyle, &p.Pace,
		&p.Strengths, &p.Struggles, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading profile: %w", err)
	}
	return &p, nil
}
