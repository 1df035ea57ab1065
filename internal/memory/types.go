// Package memory manages durable per-learner facts: extraction from
// conversations, deduplication and supersession, and the ranked retrieval
// that personalizes a chat turn.
package memory

import (
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"
)

var (
	// ErrNotFound indicates the requested memory does not exist.
	ErrNotFound = errors.New("memory not found")
)

// MaxContentLength bounds memory content size.
const MaxContentLength = 500

// Category classifies what kind of fact a memory captures.
type Category string

// Known categories.
const (
	CategoryGoal       Category = "goal"
	CategoryStrength   Category = "strength"
	CategoryStruggle   Category = "struggle"
	CategoryPreference Category = "preference"
	CategoryFact       Category = "fact"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryGoal, CategoryStrength, CategoryStruggle, CategoryPreference, CategoryFact:
		return true
	}
	return false
}

// SingleCardinality reports whether at most one active memory per
// (profile, category) may exist. A new goal or preference supersedes the
// previous one; strengths, struggles and facts accumulate.
func (c Category) SingleCardinality() bool {
	return c == CategoryGoal || c == CategoryPreference
}

// Memory is a durable extracted fact about a learner. Superseded
// memories are never deleted; SupersededByID links old to new so history
// is preserved and exactly one memory per single-cardinality category is
// active at a time.
type Memory struct {
	ID              uuid.UUID
	ProfileID       uuid.UUID
	SourceSessionID *uuid.UUID
	Category        Category
	Content         string
	Embedding       *pgvector.Vector
	Importance      int // 1-5
	OccurrenceCount int
	CreatedAt       time.Time
	SupersededAt    *time.Time
	SupersededByID  *uuid.UUID
}

// Active reports whether the memory has not been superseded.
func (m *Memory) Active() bool {
	return m.SupersededAt == nil
}

// Candidate is a fact proposed by the extractor before merge.
type Candidate struct {
	Content    string   `json:"content"`
	Category   Category `json:"category"`
	Importance int      `json:"importance"`
}

// clampImportance normalizes importance to the 1-5 scale (default 3).
func clampImportance(v int) int {
	if v < 1 || v > 5 {
		return 3
	}
	return v
}

// clipContent cuts s to at most MaxContentLength bytes, stepping back to
// the nearest rune boundary so the result stays valid UTF-8.
func clipContent(s string) string {
	if len(s) <= MaxContentLength {
		return s
	}
	cut := MaxContentLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
