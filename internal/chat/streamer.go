package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/devloop/coach/internal/log"
	"github.com/devloop/coach/internal/memory"
	"github.com/devloop/coach/internal/profile"
	"github.com/devloop/coach/internal/session"
)

// sessionStore is the slice of session.Store the streamer needs.
type sessionStore interface {
	CreateSession(ctx context.Context, profileID uuid.UUID, title string) (*session.Session, error)
	SessionForProfile(ctx context.Context, sessionID, profileID uuid.UUID) (*session.Session, error)
	AppendMessage(ctx context.Context, m *session.Message) (*session.Message, error)
	RecentMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]session.Message, error)
	MessageCount(ctx context.Context, sessionID uuid.UUID) (int, error)
	TouchLastMessage(ctx context.Context, sessionID uuid.UUID) error
	SetTitle(ctx context.Context, sessionID uuid.UUID, title string) error
}

// profileStore loads the learner the coach is talking to.
type profileStore interface {
	ByID(ctx context.Context, id uuid.UUID) (*profile.LearnerProfile, error)
}

// memoryRetriever supplies the ranked memory context for a turn.
type memoryRetriever interface {
	ContextMemories(ctx context.Context, profileID uuid.UUID, message string) ([]memory.Ranked, error)
}

// extractionQueue requests memory extraction after a turn.
type extractionQueue interface {
	Enqueue(profileID uuid.UUID)
}

// Streamer runs one chat turn end to end: session resolution, context
// assembly, streamed generation and persistence.
type Streamer struct {
	g          *genkit.Genkit
	model      string
	sessions   sessionStore
	profiles   profileStore
	memories   memoryRetriever
	extraction extractionQueue
	limiter    *rate.Limiter
	historyLen int
	logger     log.Logger
}

// Options configures a Streamer.
type Options struct {
	Model string

	// HistoryMessages is the recent-message window included in the
	// prompt (default 20).
	HistoryMessages int

	// ModelRateLimit caps model calls per second across all turns;
	// zero disables limiting.
	ModelRateLimit float64
}

// NewStreamer creates a Streamer.
func NewStreamer(
	g *genkit.Genkit,
	sessions sessionStore,
	profiles profileStore,
	memories memoryRetriever,
	extraction extractionQueue,
	opts Options,
	logger log.Logger,
) (*Streamer, error) {
	if g == nil {
		return nil, errors.New("genkit instance is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	if opts.HistoryMessages <= 0 {
		opts.HistoryMessages = 20
	}
	if logger == nil {
		logger = log.NewNop()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.ModelRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.ModelRateLimit), 1)
	}

	return &Streamer{
		g:          g,
		model:      opts.Model,
		sessions:   sessions,
		profiles:   profiles,
		memories:   memories,
		extraction: extraction,
		limiter:    limiter,
		historyLen: opts.HistoryMessages,
		logger:     logger,
	}, nil
}

// Respond runs one chat turn. A nil sessionID starts a new session.
// Authorization failures surface as a terminal Error event before any
// model call. A model failure mid-stream saves the partial response
// best-effort and ends the stream with a terminal Error event; only a
// dead emit sink leaves the stream without a terminal.
func (s *Streamer) Respond(ctx context.Context, profileID uuid.UUID, sessionID *uuid.UUID, message string, emit EmitFunc) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return emit(Error{Message: "message is empty"})
	}

	prof, err := s.profiles.ByID(ctx, profileID)
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			return emit(Error{Message: "profile not found"})
		}
		return fmt.Errorf("loading profile: %w", err)
	}

	sess, isNew, err := s.resolveSession(ctx, profileID, sessionID)
	if err != nil {
		var ev Error
		switch {
		case errors.Is(err, session.ErrNotFound):
			ev = Error{Message: "session not found"}
		case errors.Is(err, session.ErrForbidden):
			ev = Error{Message: "session belongs to another user"}
		case errors.Is(err, session.ErrDeleted):
			ev = Error{Message: "session was deleted"}
		default:
			return fmt.Errorf("resolving session: %w", err)
		}
		return emit(ev)
	}
	if isNew {
		// A brand new session may still have extractable history from
		// the profile's other sessions.
		s.extraction.Enqueue(profileID)
	}

	if err := emit(Start{SessionID: sess.ID, IsNewSession: isNew}); err != nil {
		return err
	}

	priorMessages, err := s.sessions.MessageCount(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("counting messages: %w", err)
	}

	if _, err := s.sessions.AppendMessage(ctx, &session.Message{
		SessionID: sess.ID,
		Role:      session.RoleUser,
		Content:   message,
	}); err != nil {
		return fmt.Errorf("persisting user message: %w", err)
	}

	history, err := s.sessions.RecentMessages(ctx, sess.ID, s.historyLen)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	// The chat turn proceeds without memories rather than failing.
	memories, err := s.memories.ContextMemories(ctx, profileID, message)
	if err != nil {
		s.logger.Warn("memory retrieval failed", "profile_id", profileID, "error", err)
		memories = nil
	}

	systemPrompt := profile.SystemPrompt(prof, memories)

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	var accumulated strings.Builder
	var emitFailed bool
	resp, genErr := genkit.Generate(ctx, s.g,
		ai.WithModelName(s.model),
		ai.WithSystem(systemPrompt),
		ai.WithMessages(toModelMessages(history)...),
		ai.WithStreaming(func(_ context.Context, chunk *ai.ModelResponseChunk) error {
			text := chunk.Text()
			if text == "" {
				return nil
			}
			accumulated.WriteString(text)
			if err := emit(Content{Text: text}); err != nil {
				emitFailed = true
				return err
			}
			return nil
		}),
	)
	if genErr != nil {
		s.savePartial(sess.ID, accumulated.String())
		// Model failures still terminate the stream with an Error event.
		// When the emit itself failed the consumer is gone, so there is
		// no one left to notify.
		if !emitFailed {
			if err := emit(Error{Message: "response generation failed"}); err != nil {
				s.logger.Warn("emitting error event", "session_id", sess.ID, "error", err)
			}
		}
		return fmt.Errorf("generating response: %w", genErr)
	}

	finalText := resp.Text()
	if finalText == "" {
		finalText = accumulated.String()
	}

	assistantMsg := &session.Message{
		SessionID: sess.ID,
		Role:      session.RoleAssistant,
		Content:   finalText,
		Model:     s.model,
	}
	if resp.Usage != nil {
		assistantMsg.PromptTokens = resp.Usage.InputTokens
		assistantMsg.CompletionTokens = resp.Usage.OutputTokens
	}
	saved, err := s.sessions.AppendMessage(ctx, assistantMsg)
	if err != nil {
		return fmt.Errorf("persisting assistant message: %w", err)
	}

	if priorMessages == 0 {
		if err := s.sessions.SetTitle(ctx, sess.ID, DeriveTitle(message)); err != nil {
			s.logger.Warn("setting session title", "session_id", sess.ID, "error", err)
		}
	}
	if err := s.sessions.TouchLastMessage(ctx, sess.ID); err != nil {
		s.logger.Warn("touching session", "session_id", sess.ID, "error", err)
	}

	s.extraction.Enqueue(profileID)

	return emit(Done{MessageID: saved.ID, CreatedAt: saved.CreatedAt})
}

func (s *Streamer) resolveSession(ctx context.Context, profileID uuid.UUID, sessionID *uuid.UUID) (*session.Session, bool, error) {
	if sessionID == nil {
		sess, err := s.sessions.CreateSession(ctx, profileID, "")
		if err != nil {
			return nil, false, err
		}
		return sess, true, nil
	}
	sess, err := s.sessions.SessionForProfile(ctx, *sessionID, profileID)
	if err != nil {
		return nil, false, err
	}
	return sess, false, nil
}

// savePartial persists whatever streamed before a failure so the
// conversation history stays coherent. Best-effort: a fresh context is
// used because the request context is typically already cancelled.
func (s *Streamer) savePartial(sessionID uuid.UUID, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	ctx := context.Background()
	if _, err := s.sessions.AppendMessage(ctx, &session.Message{
		SessionID: sessionID,
		Role:      session.RoleAssistant,
		Content:   text,
		Model:     s.model,
	}); err != nil {
		s.logger.Warn("saving partial response", "session_id", sessionID, "error", err)
		return
	}
	if err := s.sessions.TouchLastMessage(ctx, sessionID); err != nil {
		s.logger.Warn("touching session", "session_id", sessionID, "error", err)
	}
}

func toModelMessages(history []session.Message) []*ai.Message {
	msgs := make([]*ai.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case session.RoleUser:
			msgs = append(msgs, ai.NewUserMessage(ai.NewTextPart(m.Content)))
		case session.RoleAssistant:
			msgs = append(msgs, ai.NewModelMessage(ai.NewTextPart(m.Content)))
		}
	}
	return msgs
}
