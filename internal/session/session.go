// Package session persists chat sessions and their messages.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates the session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrForbidden indicates the session belongs to another profile.
	ErrForbidden = errors.New("session belongs to another profile")

	// ErrDeleted indicates the session was soft-deleted.
	ErrDeleted = errors.New("session deleted")
)

// Role identifies who authored a message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Session is one conversation thread owned by a learner profile.
// LastExtractionAt and LastProcessedMessageID form the memory
// extraction checkpoint: the timestamp drives the cheap "needs
// extraction" scan, the message ID is the exact resume point. Both nil
// means extraction never ran for this session.
type Session struct {
	ID                     uuid.UUID
	ProfileID              uuid.UUID
	Title                  string
	CreatedAt              time.Time
	LastMessageAt          time.Time
	LastExtractionAt       *time.Time
	LastProcessedMessageID *uuid.UUID
	DeletedAt              *time.Time
}

// Message is one turn within a session.
type Message struct {
	ID               uuid.UUID
	SessionID        uuid.UUID
	Role             Role
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CreatedAt        time.Time
}
