package testutil

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CreateProfile inserts a minimal learner profile and returns its ID.
func CreateProfile(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()

	var id uuid.UUID
	err := pool.QueryRow(context.Background(), `
		INSERT INTO learner_profiles (display_name, role, experience_years, tech_stack, goals)
		VALUES ('Test Learner', 'backend developer', 3, '{go,postgres}', '{"learn concurrency"}')
		RETURNING id`).Scan(&id)
	if err != nil {
		t.Fatalf("creating test profile: %v", err)
	}
	return id
}

// CreateSession inserts a session owned by profileID and returns its ID.
func CreateSession(t *testing.T, pool *pgxpool.Pool, profileID uuid.UUID) uuid.UUID {
	t.Helper()

	var id uuid.UUID
	err := pool.QueryRow(context.Background(),
		`INSERT INTO sessions (profile_id, title) VALUES ($1, 'test session') RETURNING id`,
		profileID).Scan(&id)
	if err != nil {
		t.Fatalf("creating test session: %v", err)
	}
	return id
}
