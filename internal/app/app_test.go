package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"appforge/internal/agentclient"
	"appforge/internal/cache"
	"appforge/internal/overlay"
	"appforge/internal/resolve"
	"appforge/pkg/domain"
	"appforge/pkg/store"
)

type recordingSink struct {
	events  []Event
	started bool
}

func (s *recordingSink) Started() bool { return s.started }

func (s *recordingSink) Send(ev Event) error {
	s.started = true
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) byKind(kind EventKind) []Event {
	var out []Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type fakeUpstream struct {
	body    string
	err     error
	calls   int
	lastReq agentclient.Request
}

func (f *fakeUpstream) StreamMessage(ctx context.Context, req agentclient.Request) (io.ReadCloser, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}

type commitCall struct {
	repo    string
	message string
	branch  string
	files   []overlay.File
}

type fakeGit struct {
	seed     map[string]string // file contents for cloned checkouts
	repoName string
	repoURL  string
	commits  []commitCall
	ensured  int
}

func (f *fakeGit) EnsureRepository(ctx context.Context, user domain.UserIdentity, name string) (string, string, error) {
	f.ensured++
	if f.repoName == "" {
		f.repoName = name
	}
	if f.repoURL == "" {
		f.repoURL = "https://github.com/" + user.GithubUsername + "/" + f.repoName
	}
	return f.repoName, f.repoURL, nil
}

func (f *fakeGit) Clone(ctx context.Context, user domain.UserIdentity, repoName string) (string, error) {
	dir, err := os.MkdirTemp("", "fake-clone-")
	if err != nil {
		return "", err
	}
	for path, contents := range f.seed {
		full := filepath.Join(dir, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(full, []byte(contents), 0o644); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func (f *fakeGit) Commit(ctx context.Context, user domain.UserIdentity, repoName string, files []overlay.File, message, branch string) (string, error) {
	f.commits = append(f.commits, commitCall{repo: repoName, message: message, branch: branch, files: files})
	return fmt.Sprintf("sha-%d", len(f.commits)), nil
}

type fakeDeployRunner struct {
	url   string
	calls int
}

func (f *fakeDeployRunner) Deploy(ctx context.Context, applicationID, traceID, dir string) (string, error) {
	f.calls++
	os.RemoveAll(dir)
	return f.url, nil
}

func frameData(t *testing.T, status, text, diff, appName, commitMsg string) string {
	t.Helper()
	payload := map[string]any{
		"status":  status,
		"traceId": "upstream",
		"message": map[string]any{
			"role":           "assistant",
			"kind":           "message",
			"content":        text,
			"unifiedDiff":    diff,
			"app_name":       appName,
			"commit_message": commitMsg,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return "event: message\ndata: " + string(data) + "\n\n"
}

func newFixture(upstream *fakeUpstream, git *fakeGit, runner *fakeDeployRunner) (*Orchestrator, *store.MemoryStore, *cache.MemoryCache) {
	st := store.NewMemoryStore()
	c := cache.NewMemoryCache()
	orch := New(Config{
		Store:    st,
		Cache:    c,
		Resolver: resolve.New(st, c),
		Agent:    upstream,
		Git:      git,
		Deployer: runner,
	})
	return orch, st, c
}

const createDiff = "--- /dev/null\n+++ b/index.ts\n@@ -0,0 +1,2 @@\n+const app = init();\n+app.listen(3000);\n"

func TestNewBuildCreatesAppCommitsAndDeploys(t *testing.T) {
	upstream := &fakeUpstream{body: frameData(t, agentclient.StatusIdle, "Built your todo app", createDiff, "todo-app", "Create todo app")}
	git := &fakeGit{}
	runner := &fakeDeployRunner{url: "https://todo.apps.example"}
	orch, st, _ := newFixture(upstream, git, runner)

	sink := &recordingSink{}
	user := domain.UserIdentity{UserID: "u1", GithubUsername: "octo", GithubAccessToken: "tok"}
	err := orch.Run(context.Background(), Request{User: user, Message: "build a todo app"}, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	notices := sink.byKind(EventPlatformNotice)
	if len(notices) != 1 {
		t.Fatalf("platform notices = %d, want 1", len(notices))
	}
	notice := notices[0].Payload.(PlatformNotice)
	if notice.AppURL != "https://todo.apps.example" {
		t.Fatalf("notice url = %q", notice.AppURL)
	}

	app, ok, err := st.GetApplication(notice.ApplicationID)
	if err != nil || !ok {
		t.Fatalf("GetApplication: ok=%v err=%v", ok, err)
	}
	if app.AppName != "todo-app" {
		t.Fatalf("app name = %q", app.AppName)
	}
	if !strings.HasPrefix(app.TraceID, "app-"+app.ID+".") {
		t.Fatalf("trace id %q lacks application prefix", app.TraceID)
	}

	prompts, err := st.ListPrompts(app.ID)
	if err != nil {
		t.Fatalf("ListPrompts: %v", err)
	}
	if len(prompts) != 2 {
		t.Fatalf("prompts = %d, want 2", len(prompts))
	}
	if prompts[0].Role != domain.RoleTurnUser || prompts[1].Role != domain.RoleTurnAssistant {
		t.Fatalf("prompt roles = %q, %q", prompts[0].Role, prompts[1].Role)
	}

	if git.ensured != 1 {
		t.Fatalf("repos created = %d, want 1", git.ensured)
	}
	if len(git.commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(git.commits))
	}
	if git.commits[0].message != "Create todo app" {
		t.Fatalf("commit message = %q", git.commits[0].message)
	}
	if runner.calls != 1 {
		t.Fatalf("deploys = %d, want 1", runner.calls)
	}

	last := sink.events[len(sink.events)-1]
	if last.Kind != EventDone {
		t.Fatalf("last event = %q, want done", last.Kind)
	}
	done := last.Payload.(DonePayload)
	if !done.Done || !done.CanDeploy || done.TraceID != app.TraceID {
		t.Fatalf("done payload = %+v", done)
	}
}

// countingStore wraps the resolver's store to observe history reads.
type countingStore struct {
	*store.MemoryStore
	historyReads int
}

func (c *countingStore) ListPrompts(applicationID string) ([]domain.Prompt, error) {
	c.historyReads++
	return c.MemoryStore.ListPrompts(applicationID)
}

func TestIterationWithCacheHitSkipsHistoryAndCommitsMain(t *testing.T) {
	modifyDiff := "--- a/index.ts\n+++ b/index.ts\n@@ -1,2 +1,3 @@\n const app = init();\n+app.use(logging());\n app.listen(3000);\n"
	upstream := &fakeUpstream{body: frameData(t, agentclient.StatusIdle, "Added a delete button", modifyDiff, "", "Add delete button")}
	git := &fakeGit{seed: map[string]string{"index.ts": "const app = init();\napp.listen(3000);\n"}}
	runner := &fakeDeployRunner{url: "https://todo.apps.example"}

	st := store.NewMemoryStore()
	counting := &countingStore{MemoryStore: st}
	c := cache.NewMemoryCache()
	orch := New(Config{
		Store:    st,
		Cache:    c,
		Resolver: resolve.New(counting, c),
		Agent:    upstream,
		Git:      git,
		Deployer: runner,
	})

	app := domain.Application{ID: "appX", UserID: "u1", Name: "todo", TraceID: "app-appX.req-r1_1000", AppName: "todo-app", RepoURL: "https://github.com/octo/todo-app"}
	if err := st.CreateApplication(app); err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	c.Set(app.TraceID, domain.ConversationSnapshot{
		LastStatus: agentclient.StatusIdle,
		Messages: []domain.ChatMessage{
			{Role: "user", Content: "build a todo app"},
			{Role: "assistant", Content: "Built your todo app"},
		},
	})

	sink := &recordingSink{}
	user := domain.UserIdentity{UserID: "u1", GithubUsername: "octo"}
	err := orch.Run(context.Background(), Request{User: user, Message: "add a delete button", ApplicationID: app.ID}, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if counting.historyReads != 0 {
		t.Fatalf("history reads = %d, want 0 on cache hit", counting.historyReads)
	}
	if len(git.commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(git.commits))
	}
	if git.commits[0].branch != "main" {
		t.Fatalf("branch = %q, want main", git.commits[0].branch)
	}
	if got := len(upstream.lastReq.AllMessages); got != 3 {
		t.Fatalf("upstream messages = %d, want 3", got)
	}
	if upstream.lastReq.AllMessages[2].Content != "add a delete button" {
		t.Fatalf("last upstream message = %q", upstream.lastReq.AllMessages[2].Content)
	}
}

func TestDiffFailureSendsErrorFrameAndSkipsDeploy(t *testing.T) {
	badDiff := "--- a/index.ts\n+++ b/index.ts\n@@ -1,2 +1,2 @@\n something that never existed\n-const app = init();\n+const app = boot();\n"
	upstream := &fakeUpstream{body: frameData(t, agentclient.StatusIdle, "Changed startup", badDiff, "", "")}
	git := &fakeGit{seed: map[string]string{"index.ts": "const app = init();\napp.listen(3000);\n"}}
	runner := &fakeDeployRunner{url: "https://todo.apps.example"}
	orch, st, c := newFixture(upstream, git, runner)

	app := domain.Application{ID: "appX", UserID: "u1", Name: "todo", TraceID: "app-appX.req-r1_1000", AppName: "todo-app", DeployStatus: domain.DeployPending}
	if err := st.CreateApplication(app); err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	c.Set(app.TraceID, domain.ConversationSnapshot{
		Messages: []domain.ChatMessage{{Role: "user", Content: "build a todo app"}},
	})

	sink := &recordingSink{}
	err := orch.Run(context.Background(), Request{User: domain.UserIdentity{UserID: "u1"}, Message: "change startup", ApplicationID: app.ID}, sink)
	if err == nil {
		t.Fatal("expected error")
	}
	var typed *Error
	if !errors.As(err, &typed) || typed.Kind != KindDiffApplication {
		t.Fatalf("err = %v, want DiffApplicationError", err)
	}

	frames := sink.byKind(EventError)
	if len(frames) != 1 {
		t.Fatalf("error frames = %d, want 1", len(frames))
	}
	payload := frames[0].Payload.(ErrorPayload)
	if payload.Kind != KindDiffApplication {
		t.Fatalf("frame kind = %q", payload.Kind)
	}

	if runner.calls != 0 {
		t.Fatalf("deploys = %d, want 0", runner.calls)
	}
	got, _, err := st.GetApplication(app.ID)
	if err != nil {
		t.Fatalf("GetApplication: %v", err)
	}
	if got.DeployStatus != domain.DeployPending {
		t.Fatalf("deploy status = %q, want pending", got.DeployStatus)
	}
}

func TestNoChangesSentinelSkipsApplyAndDeploy(t *testing.T) {
	upstream := &fakeUpstream{body: frameData(t, agentclient.StatusIdle, "Nothing to change", domain.NoChangesSentinel, "", "")}
	git := &fakeGit{seed: map[string]string{"index.ts": "const app = init();\n"}}
	runner := &fakeDeployRunner{url: "https://todo.apps.example"}
	orch, st, c := newFixture(upstream, git, runner)

	app := domain.Application{ID: "appX", UserID: "u1", Name: "todo", TraceID: "app-appX.req-r1_1000", AppName: "todo-app"}
	if err := st.CreateApplication(app); err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	c.Set(app.TraceID, domain.ConversationSnapshot{
		Messages: []domain.ChatMessage{{Role: "user", Content: "build a todo app"}},
	})

	sink := &recordingSink{}
	err := orch.Run(context.Background(), Request{User: domain.UserIdentity{UserID: "u1"}, Message: "anything new?", ApplicationID: app.ID}, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(git.commits) != 0 {
		t.Fatalf("commits = %d, want 0", len(git.commits))
	}
	if runner.calls != 0 {
		t.Fatalf("deploys = %d, want 0", runner.calls)
	}
	last := sink.events[len(sink.events)-1]
	done := last.Payload.(DonePayload)
	if done.CanDeploy {
		t.Fatal("canDeploy = true for no-changes sentinel")
	}
}

type blockingGit struct {
	fakeGit
	cloneExited atomic.Bool
}

func (g *blockingGit) Clone(ctx context.Context, user domain.UserIdentity, repoName string) (string, error) {
	<-ctx.Done()
	g.cloneExited.Store(true)
	return "", ctx.Err()
}

func TestNoDiffIterationReapsSeedingClone(t *testing.T) {
	upstream := &fakeUpstream{body: frameData(t, agentclient.StatusIdle, "Nothing to change", "", "", "")}
	git := &blockingGit{}
	runner := &fakeDeployRunner{}

	st := store.NewMemoryStore()
	c := cache.NewMemoryCache()
	orch := New(Config{
		Store:    st,
		Cache:    c,
		Resolver: resolve.New(st, c),
		Agent:    upstream,
		Git:      git,
		Deployer: runner,
	})

	app := domain.Application{ID: "appX", UserID: "u1", Name: "todo", TraceID: "app-appX.req-r1_1000", AppName: "todo-app"}
	if err := st.CreateApplication(app); err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	c.Set(app.TraceID, domain.ConversationSnapshot{LastStatus: agentclient.StatusIdle})

	sink := &recordingSink{}
	user := domain.UserIdentity{UserID: "u1", GithubUsername: "octo"}
	err := orch.Run(context.Background(), Request{User: user, Message: "do nothing", ApplicationID: app.ID}, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !git.cloneExited.Load() {
		t.Fatalf("seeding clone still running after Run returned")
	}
	if runner.calls != 0 {
		t.Fatalf("deploys = %d, want 0", runner.calls)
	}
}

func TestUpstreamDoneSentinelNotRelayed(t *testing.T) {
	body := frameData(t, agentclient.StatusIdle, "Built it", createDiff, "demo-app", "") +
		"event: done\ndata: {\"done\":true}\n\n"
	upstream := &fakeUpstream{body: body}
	runner := &fakeDeployRunner{url: "https://demo.apps.example"}
	orch, _, _ := newFixture(upstream, &fakeGit{}, runner)

	sink := &recordingSink{}
	user := domain.UserIdentity{UserID: "u1", GithubUsername: "octo"}
	if err := orch.Run(context.Background(), Request{User: user, Message: "build"}, sink); err != nil {
		t.Fatalf("Run: %v", err)
	}

	doneStreams := 0
	for _, ev := range sink.events {
		if ev.Stream == "done" {
			doneStreams++
		}
	}
	if doneStreams != 1 {
		t.Fatalf("done events on the wire = %d, want 1", doneStreams)
	}
	last := sink.events[len(sink.events)-1]
	if last.Kind != EventDone || !last.Payload.(DonePayload).CanDeploy {
		t.Fatalf("last event = %+v, want terminal done with canDeploy", last)
	}
}

func TestUpstreamErrorSurfacesBeforeStreaming(t *testing.T) {
	upstream := &fakeUpstream{err: &agentclient.APIError{Status: 503, Body: "agent overloaded"}}
	git := &fakeGit{}
	runner := &fakeDeployRunner{}
	orch, _, _ := newFixture(upstream, git, runner)

	sink := &recordingSink{}
	err := orch.Run(context.Background(), Request{User: domain.UserIdentity{UserID: "u1"}, Message: "build"}, sink)
	if err == nil {
		t.Fatal("expected error")
	}
	var typed *Error
	if !errors.As(err, &typed) || typed.Kind != KindUpstreamAgent {
		t.Fatalf("err = %v, want UpstreamAgentError", err)
	}
	if typed.Status != 503 {
		t.Fatalf("status = %d, want 503", typed.Status)
	}
	if sink.started {
		t.Fatal("sink started before upstream succeeded")
	}
}

func TestSettledFramesUpdateCacheUnderTrace(t *testing.T) {
	upstream := &fakeUpstream{body: frameData(t, agentclient.StatusIdle, "Built it", createDiff, "todo-app", "")}
	git := &fakeGit{}
	runner := &fakeDeployRunner{url: "https://todo.apps.example"}
	orch, st, c := newFixture(upstream, git, runner)

	sink := &recordingSink{}
	err := orch.Run(context.Background(), Request{User: domain.UserIdentity{UserID: "u1", GithubUsername: "octo"}, Message: "build a todo app"}, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	notice := sink.byKind(EventPlatformNotice)[0].Payload.(PlatformNotice)
	app, _, err := st.GetApplication(notice.ApplicationID)
	if err != nil {
		t.Fatalf("GetApplication: %v", err)
	}
	snap, ok := c.Get(app.TraceID)
	if !ok {
		t.Fatal("cache entry missing under final trace id")
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("cached messages = %d, want 2", len(snap.Messages))
	}
	if snap.Messages[1].Content != "Built it" {
		t.Fatalf("cached assistant turn = %q", snap.Messages[1].Content)
	}
}
