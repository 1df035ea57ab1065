package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/devloop/coach/internal/embedding"
	"github.com/devloop/coach/internal/log"
	"github.com/devloop/coach/internal/memory"
	"github.com/devloop/coach/internal/testutil"
)

type storeEnv struct {
	store     *memory.Store
	profileID uuid.UUID
	sessionID uuid.UUID
}

func setupStore(t *testing.T) storeEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)
	store, err := memory.NewStore(db.Pool, log.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	profileID := testutil.CreateProfile(t, db.Pool)
	return storeEnv{
		store:     store,
		profileID: profileID,
		sessionID: testutil.CreateSession(t, db.Pool, profileID),
	}
}

func testVector() *pgvector.Vector {
	vec := make([]float32, embedding.Dimension)
	vec[0] = 1
	v := pgvector.NewVector(vec)
	return &v
}

func (e storeEnv) create(t *testing.T, category memory.Category, content string, importance int) *memory.Memory {
	t.Helper()
	m, err := e.store.Create(context.Background(), &memory.Memory{
		ProfileID:       e.profileID,
		SourceSessionID: &e.sessionID,
		Category:        category,
		Content:         content,
		Embedding:       testVector(),
		Importance:      importance,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return m
}

func TestCreate_And_FindByContent(t *testing.T) {
	t.Parallel()

	env := setupStore(t)
	ctx := context.Background()

	created := env.create(t, memory.CategoryStruggle, "Struggles with interface embedding", 4)
	if created.OccurrenceCount != 1 {
		t.Errorf("occurrence = %d, want 1", created.OccurrenceCount)
	}

	found, err := env.store.FindByContent(ctx, env.profileID, memory.CategoryStruggle, "Struggles with interface embedding")
	if err != nil {
		t.Fatalf("FindByContent: %v", err)
	}
	if found.ID != created.ID {
		t.Errorf("found %s, want %s", found.ID, created.ID)
	}

	// Same content in a different category is not a duplicate.
	if _, err := env.store.FindByContent(ctx, env.profileID, memory.CategoryFact, "Struggles with interface embedding"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("cross-category lookup = %v, want ErrNotFound", err)
	}
}

func TestIncrementOccurrence_RaisesImportance(t *testing.T) {
	t.Parallel()

	env := setupStore(t)
	ctx := context.Background()

	m := env.create(t, memory.CategoryFact, "Works with Kubernetes daily", 2)
	if err := env.store.IncrementOccurrence(ctx, m.ID, 4); err != nil {
		t.Fatalf("IncrementOccurrence: %v", err)
	}

	got, err := env.store.ByID(ctx, m.ID)
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	if got.OccurrenceCount != 2 {
		t.Errorf("occurrence = %d, want 2", got.OccurrenceCount)
	}
	if got.Importance != 4 {
		t.Errorf("importance = %d, want raised to 4", got.Importance)
	}
}

func TestSupersede_NeverDeletes(t *testing.T) {
	t.Parallel()

	env := setupStore(t)
	ctx := context.Background()

	old := env.create(t, memory.CategoryGoal, "Learn Go basics", 3)
	replacement := env.create(t, memory.CategoryGoal, "Ship a production service in Go", 5)

	if err := env.store.Supersede(ctx, env.profileID, old.ID, replacement.ID); err != nil {
		t.Fatalf("Supersede: %v", err)
	}

	// The old row still exists, linked to its replacement.
	gotOld, err := env.store.ByID(ctx, old.ID)
	if err != nil {
		t.Fatalf("ByID(old): %v", err)
	}
	if gotOld.SupersededAt == nil {
		t.Error("old memory still active")
	}
	if gotOld.SupersededByID == nil || *gotOld.SupersededByID != replacement.ID {
		t.Errorf("superseded_by = %v, want %s", gotOld.SupersededByID, replacement.ID)
	}

	// Exactly one active goal remains.
	active, err := env.store.ActiveByCategory(ctx, env.profileID, memory.CategoryGoal)
	if err != nil {
		t.Fatalf("ActiveByCategory: %v", err)
	}
	if len(active) != 1 || active[0].ID != replacement.ID {
		t.Errorf("active goals = %+v, want only the replacement", active)
	}
}

func TestSupersede_RejectsCycle(t *testing.T) {
	t.Parallel()

	env := setupStore(t)
	ctx := context.Background()

	a := env.create(t, memory.CategoryGoal, "goal a", 3)
	b := env.create(t, memory.CategoryGoal, "goal b", 3)

	if err := env.store.Supersede(ctx, env.profileID, a.ID, b.ID); err != nil {
		t.Fatalf("Supersede a->b: %v", err)
	}
	// b -> a would close the loop.
	if err := env.store.Supersede(ctx, env.profileID, b.ID, a.ID); err == nil {
		t.Fatal("expected cycle rejection")
	}

	if err := env.store.Supersede(ctx, env.profileID, a.ID, a.ID); err == nil {
		t.Fatal("expected self-supersession rejection")
	}
}

func TestSupersede_EnforcesOwnership(t *testing.T) {
	t.Parallel()

	env := setupStore(t)
	ctx := context.Background()

	old := env.create(t, memory.CategoryGoal, "goal", 3)
	replacement := env.create(t, memory.CategoryGoal, "new goal", 3)

	if err := env.store.Supersede(ctx, uuid.New(), old.ID, replacement.ID); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("foreign profile supersede = %v, want ErrNotFound", err)
	}
}

func TestRecent_And_HighImportance(t *testing.T) {
	t.Parallel()

	env := setupStore(t)
	ctx := context.Background()

	env.create(t, memory.CategoryFact, "minor detail", 1)
	env.create(t, memory.CategoryStruggle, "struggles with generics", 4)
	env.create(t, memory.CategoryGoal, "wants to master concurrency", 5)

	recent, err := env.store.Recent(ctx, env.profileID, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent = %d, want 2", len(recent))
	}

	important, err := env.store.HighImportance(ctx, env.profileID, 4, 10)
	if err != nil {
		t.Fatalf("HighImportance: %v", err)
	}
	if len(important) != 2 {
		t.Fatalf("important = %d, want 2", len(important))
	}
	if important[0].Importance < important[1].Importance {
		t.Error("not ordered by importance descending")
	}
}

func TestActiveWithEmbeddings_SkipsUnembedded(t *testing.T) {
	t.Parallel()

	env := setupStore(t)
	ctx := context.Background()

	env.create(t, memory.CategoryFact, "embedded memory", 3)
	if _, err := env.store.Create(ctx, &memory.Memory{
		ProfileID:  env.profileID,
		Category:   memory.CategoryFact,
		Content:    "memory without embedding",
		Importance: 3,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	embedded, err := env.store.ActiveWithEmbeddings(ctx, env.profileID)
	if err != nil {
		t.Fatalf("ActiveWithEmbeddings: %v", err)
	}
	if len(embedded) != 1 || embedded[0].Content != "embedded memory" {
		t.Errorf("embedded = %+v, want only the embedded memory", embedded)
	}
}
