// Package content persists ingested knowledge: text chunks with their
// embeddings, and the lifecycle of the ingestion jobs that produce them.
package content

import (
	"time"

	"github.com/google/uuid"
)

// Source identifies where a chunk's text came from.
type Source string

// Known content sources.
const (
	SourcePDF             Source = "pdf"
	SourceVideoTranscript Source = "video_transcript"
	SourceOfficialDocs    Source = "official_docs"
	SourceArticle         Source = "article"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourcePDF, SourceVideoTranscript, SourceOfficialDocs, SourceArticle:
		return true
	}
	return false
}

// Chunk is a unit of retrievable knowledge. (Source, SourceID) is unique,
// which makes re-ingestion idempotent: the same document always maps to
// the same rows. Embedding holds little-endian float32 bytes.
type Chunk struct {
	ID               uuid.UUID
	Source           Source
	SourceID         string
	Title            string
	Content          string
	Embedding        []byte
	TokenCount       int
	Author           string
	Technology       string
	ParentDocumentID string
	ChunkIndex       int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// JobStatus is the lifecycle state of an ingestion job.
// Transitions are one-directional: Queued → Processing → Completed | Failed.
type JobStatus string

// Job statuses.
const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Job records one ingestion request's lifecycle and progress.
type Job struct {
	ID             uuid.UUID
	Source         Source
	Status         JobStatus
	TotalItems     int
	ProcessedItems int
	ChunksCreated  int
	ErrorMessage   string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}
