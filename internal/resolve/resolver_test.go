package resolve

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"appforge/internal/cache"
	"appforge/pkg/domain"
	"appforge/pkg/store"
)

// countingStore wraps the memory store to count persisted-history reads.
type countingStore struct {
	*store.MemoryStore
	historyReads int
}

func (c *countingStore) ListPrompts(applicationID string) ([]domain.Prompt, error) {
	c.historyReads++
	return c.MemoryStore.ListPrompts(applicationID)
}

func seedApp(t *testing.T, s *store.MemoryStore, id, userID, traceID string) domain.Application {
	t.Helper()
	app := domain.Application{ID: id, UserID: userID, TraceID: traceID, DeployStatus: domain.DeployDeployed}
	if err := s.CreateApplication(app); err != nil {
		t.Fatalf("create app: %v", err)
	}
	return app
}

func TestResolveNewBuild(t *testing.T) {
	r := New(store.NewMemoryStore(), cache.NewMemoryCache())
	res, err := r.Resolve("u1", "", "build a todo app")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.IsIteration {
		t.Fatalf("no application id means new build")
	}
	if res.ApplicationID == "" {
		t.Fatalf("new build must generate an application id")
	}
	if res.TraceID != "temp.req-"+res.RequestID {
		t.Fatalf("unexpected temp trace id %q", res.TraceID)
	}
	if len(res.Messages) != 1 || res.Messages[0].Content != "build a todo app" {
		t.Fatalf("body must contain only the new message: %v", res.Messages)
	}
}

func TestResolveUnknownApplication(t *testing.T) {
	r := New(store.NewMemoryStore(), cache.NewMemoryCache())
	if _, err := r.Resolve("u1", "nope", "msg"); !errors.Is(err, ErrApplicationNotFound) {
		t.Fatalf("want ErrApplicationNotFound, got %v", err)
	}
}

func TestResolveForeignApplicationReadsAsNotFound(t *testing.T) {
	s := store.NewMemoryStore()
	seedApp(t, s, "a1", "owner", "app-a1.req-r1_1")
	r := New(s, cache.NewMemoryCache())
	if _, err := r.Resolve("intruder", "a1", "msg"); !errors.Is(err, ErrApplicationNotFound) {
		t.Fatalf("want ErrApplicationNotFound, got %v", err)
	}
}

func TestResolveIterationFromHistoryAfterRestart(t *testing.T) {
	s := store.NewMemoryStore()
	seedApp(t, s, "a1", "u1", "app-a1.req-r1_1")
	const n = 6
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < n; i++ {
		role := domain.RoleTurnUser
		if i%2 == 1 {
			role = domain.RoleTurnAssistant
		}
		p := domain.Prompt{
			ID:            fmt.Sprintf("p%d", i),
			ApplicationID: "a1",
			Role:          role,
			Content:       fmt.Sprintf("turn %d", i),
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AppendPrompt(p); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// Empty cache simulates a process restart.
	r := New(s, cache.NewMemoryCache())
	res, err := r.Resolve("u1", "a1", "one more thing")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.IsIteration {
		t.Fatalf("expected iteration")
	}
	if len(res.Messages) != n+1 {
		t.Fatalf("got %d messages, want %d prior + 1 new", len(res.Messages), n)
	}
	for i := 0; i < n; i++ {
		if res.Messages[i].Content != fmt.Sprintf("turn %d", i) {
			t.Fatalf("turn %d out of order: %q", i, res.Messages[i].Content)
		}
	}
	last := res.Messages[n]
	if last.Role != string(domain.RoleTurnUser) || last.Content != "one more thing" {
		t.Fatalf("new message not appended last: %+v", last)
	}
}

func TestResolveIterationCacheHitSkipsHistory(t *testing.T) {
	cs := &countingStore{MemoryStore: store.NewMemoryStore()}
	seedApp(t, cs.MemoryStore, "a1", "u1", "app-a1.req-r1_1")
	c := cache.NewMemoryCache()
	c.Set("app-a1.req-r1_1", domain.ConversationSnapshot{
		LastStatus: "idle",
		Messages: []domain.ChatMessage{
			{Role: "user", Content: "build it"},
			{Role: "assistant", Content: "built"},
		},
	})

	r := New(cs, c)
	res, err := r.Resolve("u1", "a1", "add a delete button")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cs.historyReads != 0 {
		t.Fatalf("cache hit must not read persisted history, reads=%d", cs.historyReads)
	}
	if len(res.Messages) != 3 || res.Messages[2].Content != "add a delete button" {
		t.Fatalf("unexpected messages %v", res.Messages)
	}
}

func TestResolveIterationWithoutAnyHistory(t *testing.T) {
	s := store.NewMemoryStore()
	seedApp(t, s, "a1", "u1", "app-a1.req-r1_1")
	r := New(s, cache.NewMemoryCache())
	if _, err := r.Resolve("u1", "a1", "msg"); !errors.Is(err, ErrPreviousRequestNotFound) {
		t.Fatalf("want ErrPreviousRequestNotFound, got %v", err)
	}
}

func TestFlattenContent(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`"plain text"`, "plain text"},
		{`[{"type":"text","text":"a"},{"type":"tool_use","id":"t1"},{"type":"text","text":"b"}]`, "a\nb"},
		{`[{"type":"tool_use","id":"t1"}]`, ""},
		{`{"unexpected":"shape"}`, ""},
		{``, ""},
	}
	for _, c := range cases {
		if got := FlattenContent(json.RawMessage(c.raw)); got != c.want {
			t.Fatalf("FlattenContent(%s) = %q, want %q", c.raw, got, c.want)
		}
	}
}
