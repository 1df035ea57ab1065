// Package chat assembles the context for a chat turn and streams the
// model response while persisting conversational state.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Event is one element of a chat response stream. A stream is strictly
// ordered: Start, zero or more Content events, then exactly one terminal
// Done or Error.
type Event interface {
	isEvent()
}

// Start opens a stream once the session is resolved.
type Start struct {
	SessionID    uuid.UUID
	IsNewSession bool
}

// Content carries one streamed fragment of the assistant response.
type Content struct {
	Text string
}

// Done terminates a successful stream with the persisted assistant
// message.
type Done struct {
	MessageID uuid.UUID
	CreatedAt time.Time
}

// Error terminates a failed stream. No further events follow.
type Error struct {
	Message string
}

func (Start) isEvent()   {}
func (Content) isEvent() {}
func (Done) isEvent()    {}
func (Error) isEvent()   {}

// EmitFunc receives stream events in order. Returning an error aborts
// the stream; the caller sees no further events.
type EmitFunc func(Event) error
