package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"

	"github.com/devloop/coach/internal/log"
	"github.com/devloop/coach/internal/memory"
	"github.com/devloop/coach/internal/profile"
	"github.com/devloop/coach/internal/session"
	"github.com/devloop/coach/internal/testutil"
)

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*session.Session
	messages map[uuid.UUID][]session.Message
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions: make(map[uuid.UUID]*session.Session),
		messages: make(map[uuid.UUID][]session.Message),
	}
}

func (f *fakeSessionStore) CreateSession(_ context.Context, profileID uuid.UUID, title string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &session.Session{ID: uuid.New(), ProfileID: profileID, Title: title, CreatedAt: time.Now()}
	f.sessions[s.ID] = s
	cp := *s
	return &cp, nil
}

func (f *fakeSessionStore) SessionForProfile(_ context.Context, sessionID, profileID uuid.UUID) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, session.ErrNotFound
	}
	if s.ProfileID != profileID {
		return nil, session.ErrForbidden
	}
	if s.DeletedAt != nil {
		return nil, session.ErrDeleted
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessionStore) AppendMessage(_ context.Context, m *session.Message) (*session.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	cp.ID = uuid.New()
	cp.CreatedAt = time.Now()
	f.messages[m.SessionID] = append(f.messages[m.SessionID], cp)
	return &cp, nil
}

func (f *fakeSessionStore) RecentMessages(_ context.Context, sessionID uuid.UUID, limit int) ([]session.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[sessionID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	cp := make([]session.Message, len(msgs))
	copy(cp, msgs)
	return cp, nil
}

func (f *fakeSessionStore) MessageCount(_ context.Context, sessionID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[sessionID]), nil
}

func (f *fakeSessionStore) TouchLastMessage(_ context.Context, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return session.ErrNotFound
	}
	s.LastMessageAt = time.Now()
	return nil
}

func (f *fakeSessionStore) SetTitle(_ context.Context, sessionID uuid.UUID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return session.ErrNotFound
	}
	s.Title = title
	return nil
}

func (f *fakeSessionStore) sessionMessages(sessionID uuid.UUID) []session.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]session.Message, len(f.messages[sessionID]))
	copy(cp, f.messages[sessionID])
	return cp
}

func (f *fakeSessionStore) title(sessionID uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[sessionID].Title
}

type fakeProfiles struct {
	profiles map[uuid.UUID]*profile.LearnerProfile
}

func (f *fakeProfiles) ByID(_ context.Context, id uuid.UUID) (*profile.LearnerProfile, error) {
	p, ok := f.profiles[id]
	if !ok {
		return nil, profile.ErrNotFound
	}
	return p, nil
}

type fakeRetriever struct {
	ranked []memory.Ranked
	err    error
}

func (f *fakeRetriever) ContextMemories(_ context.Context, _ uuid.UUID, _ string) ([]memory.Ranked, error) {
	return f.ranked, f.err
}

type recordingQueue struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
}

func (q *recordingQueue) Enqueue(profileID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, profileID)
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

type chatEnv struct {
	streamer *Streamer
	sessions *fakeSessionStore
	queue    *recordingQueue
	llm      *testutil.MockLLM
	profileID uuid.UUID
}

func newChatEnv(t *testing.T, retriever memoryRetriever) chatEnv {
	t.Helper()

	g := genkit.Init(context.Background())
	llm := testutil.NewMockLLM("Here is a thorough answer to your question.")
	llm.Register(g)

	profileID := uuid.New()
	sessions := newFakeSessionStore()
	queue := &recordingQueue{}
	if retriever == nil {
		retriever = &fakeRetriever{}
	}

	streamer, err := NewStreamer(g, sessions, &fakeProfiles{profiles: map[uuid.UUID]*profile.LearnerProfile{
		profileID: {ID: profileID, DisplayName: "Dana", Role: "backend developer"},
	}}, retriever, queue, Options{Model: "mock/test-model"}, log.NewNop())
	if err != nil {
		t.Fatalf("NewStreamer: %v", err)
	}
	return chatEnv{streamer: streamer, sessions: sessions, queue: queue, llm: llm, profileID: profileID}
}

func collectEvents(events *[]Event) EmitFunc {
	return func(e Event) error {
		*events = append(*events, e)
		return nil
	}
}

func TestRespond_FirstTurn(t *testing.T) {
	t.Parallel()

	retriever := &fakeRetriever{ranked: []memory.Ranked{
		{Memory: memory.Memory{Category: memory.CategoryStruggle, Content: "Struggles with channel deadlocks"}, Score: 1.1},
	}}
	env := newChatEnv(t, retriever)

	var events []Event
	err := env.streamer.Respond(context.Background(), env.profileID, nil, "How do I avoid goroutine leaks?", collectEvents(&events))
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}

	if len(events) < 3 {
		t.Fatalf("events = %d, want at least Start, Content, Done", len(events))
	}
	start, ok := events[0].(Start)
	if !ok || !start.IsNewSession {
		t.Fatalf("first event = %#v, want Start with IsNewSession", events[0])
	}
	var streamed strings.Builder
	for _, e := range events[1 : len(events)-1] {
		c, ok := e.(Content)
		if !ok {
			t.Fatalf("middle event = %#v, want Content", e)
		}
		streamed.WriteString(c.Text)
	}
	done, ok := events[len(events)-1].(Done)
	if !ok {
		t.Fatalf("last event = %#v, want Done", events[len(events)-1])
	}
	if done.MessageID == uuid.Nil {
		t.Error("Done carries no message ID")
	}

	msgs := env.sessions.sessionMessages(start.SessionID)
	if len(msgs) != 2 {
		t.Fatalf("persisted messages = %d, want user + assistant", len(msgs))
	}
	if msgs[0].Role != session.RoleUser || msgs[1].Role != session.RoleAssistant {
		t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Content != streamed.String() {
		t.Errorf("persisted %q, streamed %q", msgs[1].Content, streamed.String())
	}
	if msgs[1].Model != "mock/test-model" || msgs[1].CompletionTokens == 0 {
		t.Errorf("assistant metadata = %+v", msgs[1])
	}

	if got := env.sessions.title(start.SessionID); got != "How do I avoid goroutine leaks?" {
		t.Errorf("title = %q", got)
	}

	// The memory context and the profile reach the model's system prompt.
	calls := env.llm.Calls()
	if len(calls) != 1 {
		t.Fatalf("model calls = %d, want 1", len(calls))
	}
	if !strings.Contains(calls[0].System, "Dana") {
		t.Error("system prompt missing profile name")
	}
	if !strings.Contains(calls[0].System, "Struggles with channel deadlocks") {
		t.Error("system prompt missing retrieved memory")
	}

	if env.queue.count() < 1 {
		t.Error("extraction never enqueued")
	}
}

func TestRespond_LongFirstMessageTitle(t *testing.T) {
	t.Parallel()

	env := newChatEnv(t, nil)
	long := "Can you explain in detail how the Go scheduler decides when to preempt a goroutine?"

	var events []Event
	if err := env.streamer.Respond(context.Background(), env.profileID, nil, long, collectEvents(&events)); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	start := events[0].(Start)
	title := env.sessions.title(start.SessionID)
	if len([]rune(title)) > 53 {
		t.Errorf("title = %q (%d runes), want <= 53", title, len([]rune(title)))
	}
	if !strings.HasSuffix(title, "...") {
		t.Errorf("title = %q, want ... suffix", title)
	}
	if strings.Contains(title, "preempt a gor") {
		t.Errorf("title cut mid-word: %q", title)
	}
}

func TestRespond_AuthorizationErrors(t *testing.T) {
	t.Parallel()

	env := newChatEnv(t, nil)
	ctx := context.Background()

	owned, err := env.sessions.CreateSession(ctx, env.profileID, "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	deleted, err := env.sessions.CreateSession(ctx, env.profileID, "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	now := time.Now()
	env.sessions.sessions[deleted.ID].DeletedAt = &now

	missing := uuid.New()

	tests := []struct {
		name      string
		profileID uuid.UUID
		sessionID *uuid.UUID
	}{
		{"missing session", env.profileID, &missing},
		{"foreign session", uuid.Nil, &owned.ID},
		{"deleted session", env.profileID, &deleted.ID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profileID := tt.profileID
			if profileID == uuid.Nil {
				// A second real profile that does not own the session.
				profileID = uuid.New()
				env.streamer.profiles.(*fakeProfiles).profiles[profileID] = &profile.LearnerProfile{ID: profileID, DisplayName: "Other"}
			}

			var events []Event
			if err := env.streamer.Respond(ctx, profileID, tt.sessionID, "hello", collectEvents(&events)); err != nil {
				t.Fatalf("Respond: %v", err)
			}
			if len(events) != 1 {
				t.Fatalf("events = %#v, want single terminal Error", events)
			}
			if _, ok := events[0].(Error); !ok {
				t.Fatalf("event = %#v, want Error", events[0])
			}
		})
	}

	// Authorization failures must never reach the model.
	if calls := env.llm.Calls(); len(calls) != 0 {
		t.Errorf("model calls = %d, want 0", len(calls))
	}
}

func TestRespond_ModelFailureEmitsTerminalError(t *testing.T) {
	t.Parallel()

	env := newChatEnv(t, nil)
	env.llm.AddError("broken", errors.New("model exploded"))

	var events []Event
	err := env.streamer.Respond(context.Background(), env.profileID, nil, "this is broken", collectEvents(&events))
	if err == nil {
		t.Fatal("expected generation error")
	}

	for _, e := range events {
		if _, ok := e.(Done); ok {
			t.Fatal("Done emitted despite failure")
		}
	}
	// The stream still ends with a terminal event so consumers are not
	// left hanging on a Start or Content.
	last, ok := events[len(events)-1].(Error)
	if !ok {
		t.Fatalf("last event = %#v, want terminal Error", events[len(events)-1])
	}
	if last.Message == "" {
		t.Error("Error event carries no message")
	}

	start := events[0].(Start)
	msgs := env.sessions.sessionMessages(start.SessionID)
	if len(msgs) != 1 || msgs[0].Role != session.RoleUser {
		t.Errorf("messages = %+v, want only the user message", msgs)
	}
}

func TestRespond_EmitAbortSavesPartial(t *testing.T) {
	t.Parallel()

	env := newChatEnv(t, nil)

	var events []Event
	abort := errors.New("client disconnected")
	emit := func(e Event) error {
		events = append(events, e)
		if _, ok := e.(Content); ok {
			return abort
		}
		return nil
	}

	err := env.streamer.Respond(context.Background(), env.profileID, nil, "tell me something long", emit)
	if err == nil {
		t.Fatal("expected the aborted stream to fail")
	}

	start := events[0].(Start)
	msgs := env.sessions.sessionMessages(start.SessionID)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want user + partial assistant", len(msgs))
	}
	partial := msgs[1]
	if partial.Role != session.RoleAssistant || partial.Content == "" {
		t.Errorf("partial = %+v", partial)
	}
	// Only the first streamed chunk made it out before the abort.
	if full := "Here is a thorough answer to your question."; partial.Content == full {
		t.Errorf("partial content equals the full response")
	}
	// The sink already failed, so no terminal event follows the
	// rejected Content.
	if _, ok := events[len(events)-1].(Content); !ok {
		t.Errorf("last event = %#v, want the rejected Content", events[len(events)-1])
	}
}

func TestRespond_SecondTurnKeepsTitle(t *testing.T) {
	t.Parallel()

	env := newChatEnv(t, nil)
	ctx := context.Background()

	var events []Event
	if err := env.streamer.Respond(ctx, env.profileID, nil, "first question", collectEvents(&events)); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	sessionID := events[0].(Start).SessionID

	events = nil
	if err := env.streamer.Respond(ctx, env.profileID, &sessionID, "a different follow-up question entirely", collectEvents(&events)); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if start := events[0].(Start); start.IsNewSession {
		t.Error("second turn reported a new session")
	}
	if got := env.sessions.title(sessionID); got != "first question" {
		t.Errorf("title = %q, want unchanged first-turn title", got)
	}
}

func TestDeriveTitle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"short", "Goroutine leaks", "Goroutine leaks"},
		{"exactly fifty runes kept", strings.Repeat("a", 50), strings.Repeat("a", 50)},
		{
			"word boundary cut",
			"Can you explain in detail how the Go scheduler decides when to preempt",
			"Can you explain in detail how the Go scheduler...",
		},
		{"collapses whitespace", "what   about\nchannels", "what about channels"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := DeriveTitle(tt.input)
			if got != tt.want {
				t.Errorf("DeriveTitle = %q, want %q", got, tt.want)
			}
			if n := len([]rune(got)); n > 53 {
				t.Errorf("title length = %d runes, want <= 53", n)
			}
		})
	}
}
