package store

import (
	"testing"
	"time"

	"appforge/pkg/domain"
)

func appFixture(id, userID string) domain.Application {
	now := time.Now().UTC()
	return domain.Application{
		ID:           id,
		Name:         "todo app",
		UserID:       userID,
		TraceID:      "app-" + id + ".req-r1_1",
		DeployStatus: domain.DeployPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestGetApplicationForUserHidesForeignApps(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateApplication(appFixture("a1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok, _ := s.GetApplicationForUser("a1", "u1"); !ok {
		t.Fatalf("owner lookup should succeed")
	}
	if _, ok, _ := s.GetApplicationForUser("a1", "u2"); ok {
		t.Fatalf("foreign lookup must read as not found")
	}
}

func TestSoftDeleteHidesApplication(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateApplication(appFixture("a1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SoftDeleteApplication("a1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.GetApplication("a1"); ok {
		t.Fatalf("soft-deleted application still visible")
	}
}

func TestBeginDeployIsConditional(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateApplication(appFixture("a1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	ok, err := s.BeginDeploy("a1")
	if err != nil || !ok {
		t.Fatalf("first begin should win: ok=%v err=%v", ok, err)
	}
	ok, err = s.BeginDeploy("a1")
	if err != nil || ok {
		t.Fatalf("second begin must lose: ok=%v err=%v", ok, err)
	}
	if err := s.SetDeployStatus("a1", domain.DeployDeployed, "https://a1.example.app"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	app, _, _ := s.GetApplication("a1")
	if app.DeployStatus != domain.DeployDeployed || app.AppURL != "https://a1.example.app" {
		t.Fatalf("unexpected app %+v", app)
	}
	if ok, _ := s.BeginDeploy("a1"); !ok {
		t.Fatalf("begin should succeed again after terminal status")
	}
}

func TestCountUserPromptsSince(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateApplication(appFixture("a1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	cutoff := time.Now().UTC().Add(-time.Hour)
	old := cutoff.Add(-time.Hour)
	recent := cutoff.Add(time.Minute)
	rows := []domain.Prompt{
		{ID: "p1", ApplicationID: "a1", Role: domain.RoleTurnUser, Content: "old", CreatedAt: old},
		{ID: "p2", ApplicationID: "a1", Role: domain.RoleTurnUser, Content: "new", CreatedAt: recent},
		{ID: "p3", ApplicationID: "a1", Role: domain.RoleTurnAssistant, Content: "reply", CreatedAt: recent},
	}
	for _, p := range rows {
		if err := s.AppendPrompt(p); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	count, err := s.CountUserPromptsSince("u1", cutoff)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1 (user rows inside window only)", count)
	}
}

func TestPromptContentTruncation(t *testing.T) {
	s := NewMemoryStore()
	long := make([]byte, domain.MaxPromptContentLen+100)
	for i := range long {
		long[i] = 'x'
	}
	if err := s.AppendPrompt(domain.Prompt{ID: "p1", ApplicationID: "a1", Role: domain.RoleTurnUser, Content: string(long)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	prompts, _ := s.ListPrompts("a1")
	if len(prompts[0].Content) != domain.MaxPromptContentLen {
		t.Fatalf("content not truncated: %d", len(prompts[0].Content))
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	for _, id := range []string{"s1", "s2", "s3"} {
		sess := domain.ActiveSession{ID: id, UserID: "u1", LastActiveAt: now, CreatedAt: now}
		if err := s.SaveSession(sess); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if err := s.TouchSession("s1", now.Add(time.Minute)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	count, err := s.CountSessionsSince(now.Add(-time.Second))
	if err != nil || count != 3 {
		t.Fatalf("count = %d err=%v, want 3", count, err)
	}
	if err := s.DeleteSession("s2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// s3 idles out; s1 was touched recently.
	removed, err := s.DeleteSessionsIdleBefore(now.Add(time.Second))
	if err != nil || removed != 1 {
		t.Fatalf("reaped %d err=%v, want 1", removed, err)
	}
	count, _ = s.CountSessionsSince(time.Time{})
	if count != 1 {
		t.Fatalf("remaining = %d, want 1", count)
	}
}
