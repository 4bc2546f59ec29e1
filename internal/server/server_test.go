package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"appforge/internal/agentclient"
	"appforge/internal/app"
	"appforge/internal/cache"
	"appforge/internal/guardrail"
	"appforge/internal/overlay"
	"appforge/internal/resolve"
	"appforge/internal/session"
	"appforge/pkg/domain"
	"appforge/pkg/store"
)

type stubVerifier struct {
	user domain.UserIdentity
	err  error
}

func (s stubVerifier) VerifyIdentity(string) (domain.UserIdentity, error) {
	return s.user, s.err
}

type stubUpstream struct {
	body  string
	calls int
}

func (s *stubUpstream) StreamMessage(ctx context.Context, req agentclient.Request) (io.ReadCloser, error) {
	s.calls++
	return io.NopCloser(strings.NewReader(s.body)), nil
}

type stubGit struct{}

func (stubGit) EnsureRepository(ctx context.Context, user domain.UserIdentity, name string) (string, string, error) {
	return name, "https://github.com/" + user.GithubUsername + "/" + name, nil
}

func (stubGit) Clone(ctx context.Context, user domain.UserIdentity, repoName string) (string, error) {
	return os.MkdirTemp("", "stub-clone-")
}

func (stubGit) Commit(ctx context.Context, user domain.UserIdentity, repoName string, files []overlay.File, message, branch string) (string, error) {
	return "sha", nil
}

type stubDeployRunner struct{}

func (stubDeployRunner) Deploy(ctx context.Context, applicationID, traceID, dir string) (string, error) {
	os.RemoveAll(dir)
	return "https://app.example", nil
}

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(string) bool { return false }

func streamBody(t *testing.T, diff string) string {
	t.Helper()
	payload := map[string]any{
		"status":  "idle",
		"traceId": "upstream",
		"message": map[string]any{
			"role":        "assistant",
			"kind":        "message",
			"content":     "Built it",
			"unifiedDiff": diff,
			"app_name":    "demo-app",
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return "event: message\ndata: " + string(data) + "\n\n"
}

type fixture struct {
	server   *Server
	store    *store.MemoryStore
	upstream *stubUpstream
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	c := cache.NewMemoryCache()
	upstream := &stubUpstream{body: streamBody(t, "--- /dev/null\n+++ b/index.ts\n@@ -0,0 +1,1 @@\n+hello();\n")}
	orch := app.New(app.Config{
		Store:    st,
		Cache:    c,
		Resolver: resolve.New(st, c),
		Agent:    upstream,
		Git:      stubGit{},
		Deployer: stubDeployRunner{},
	})
	cfg := Config{
		Orchestrator:  orch,
		Guardrail:     guardrail.New(guardrail.Config{Counter: st, DefaultLimit: 50}),
		Sessions:      session.New(session.Config{Store: st, MaxActive: 20}),
		TokenVerifier: stubVerifier{user: domain.UserIdentity{UserID: "u1", GithubUsername: "octo"}},
		Apps:          st,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{server: New(cfg), store: st, upstream: upstream}
}

func postMessage(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/message", strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestMessageStreamsToDone(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	resp := postMessage(t, ts, `{"message":"build a todo app"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	if resp.Header.Get("x-dailylimit-limit") != "50" {
		t.Fatalf("limit header = %q", resp.Header.Get("x-dailylimit-limit"))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, "event: platform_notice") {
		t.Fatalf("no platform notice in stream:\n%s", text)
	}
	if !strings.Contains(text, "https://app.example") {
		t.Fatalf("deployed url missing from stream:\n%s", text)
	}
	if !strings.Contains(text, "event: done") {
		t.Fatalf("no done frame in stream:\n%s", text)
	}
	sessions, err := f.store.CountSessionsSince(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountSessionsSince: %v", err)
	}
	if sessions != 0 {
		t.Fatalf("sessions left after request = %d", sessions)
	}
}

func TestQuotaExceededRejectsBeforeUpstream(t *testing.T) {
	f := newFixture(t, nil)
	seedQuotaUsage(t, f.store, "u1", 50)
	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	resp := postMessage(t, ts, `{"message":"one more"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("x-dailylimit-remaining") != "0" {
		t.Fatalf("remaining = %q, want 0", resp.Header.Get("x-dailylimit-remaining"))
	}
	if reset := resp.Header.Get("x-dailylimit-reset"); reset == "" {
		t.Fatal("reset header missing")
	} else if _, err := time.Parse(time.RFC3339, reset); err != nil {
		t.Fatalf("reset header %q not RFC3339: %v", reset, err)
	}
	if f.upstream.calls != 0 {
		t.Fatalf("upstream called %d times", f.upstream.calls)
	}
}

func seedQuotaUsage(t *testing.T, st *store.MemoryStore, userID string, n int) {
	t.Helper()
	app := domain.Application{ID: "quota-app", UserID: userID, Name: "q", TraceID: "app-quota-app.req-r_1"}
	if err := st.CreateApplication(app); err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	for i := 0; i < n; i++ {
		p := domain.Prompt{
			ID:            fmt.Sprintf("p%d", i),
			ApplicationID: app.ID,
			Content:       "hi",
			Role:          domain.RoleTurnUser,
			CreatedAt:     time.Now().UTC(),
		}
		if err := st.AppendPrompt(p); err != nil {
			t.Fatalf("AppendPrompt: %v", err)
		}
	}
}

func TestConcurrencyCeilingRejects(t *testing.T) {
	sessStore := store.NewMemoryStore()
	if err := sessStore.SaveSession(domain.ActiveSession{
		ID:           "busy",
		UserID:       "someone-else",
		TraceID:      "temp.req-r",
		LastActiveAt: time.Now().UTC(),
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	f := newFixture(t, func(cfg *Config) {
		cfg.Sessions = session.New(session.Config{Store: sessStore, MaxActive: 1})
	})
	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	resp := postMessage(t, ts, `{"message":"hi"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
}

type stubLogLinker struct{ base string }

func (s stubLogLinker) Link(_ context.Context, traceID string, _ time.Duration) (string, error) {
	return s.base + "/" + traceID, nil
}

func TestTraceLogLinkChecksOwnership(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Logs = stubLogLinker{base: "https://logs.example"}
	})
	if err := f.store.CreateApplication(domain.Application{ID: "appX", UserID: "u1", TraceID: "app-appX.req-r1_1"}); err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	if err := f.store.CreateApplication(domain.Application{ID: "appY", UserID: "someone-else"}); err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	get := func(traceID string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/trace-log?traceId="+traceID, nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer tok")
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatalf("do request: %v", err)
		}
		return resp
	}

	resp := get("app-appX.req-r1_1")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["url"] != "https://logs.example/app-appX.req-r1_1" {
		t.Fatalf("url = %q", body["url"])
	}

	foreign := get("app-appY.req-r1_1")
	foreign.Body.Close()
	if foreign.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign app status = %d, want 404", foreign.StatusCode)
	}

	temp := get("temp.req-r1")
	temp.Body.Close()
	if temp.StatusCode != http.StatusBadRequest {
		t.Fatalf("temp trace status = %d, want 400", temp.StatusCode)
	}
}

type touchCountingStore struct {
	*store.MemoryStore
	touches int
}

func (s *touchCountingStore) TouchSession(id string, at time.Time) error {
	s.touches++
	return s.MemoryStore.TouchSession(id, at)
}

func TestStreamingRefreshesSession(t *testing.T) {
	sessStore := &touchCountingStore{MemoryStore: store.NewMemoryStore()}
	f := newFixture(t, func(cfg *Config) {
		cfg.Sessions = session.New(session.Config{Store: sessStore, MaxActive: 20})
	})
	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	resp := postMessage(t, ts, `{"message":"build"}`)
	defer resp.Body.Close()
	if _, err := io.ReadAll(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if sessStore.touches == 0 {
		t.Fatalf("streamed frames should refresh the session")
	}
}

func TestUnauthorizedWithoutBearer(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+"/message", "application/json", strings.NewReader(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRejectedToken(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.TokenVerifier = stubVerifier{err: errors.New("expired")}
	})
	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	resp := postMessage(t, ts, `{"message":"hi"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	resp := postMessage(t, ts, `{"message":"  "}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUnknownApplicationReturnsNotFound(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	resp := postMessage(t, ts, `{"message":"iterate","applicationId":"nope"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var payload struct {
		Kind string `json:"kind"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Kind != string(app.KindApplicationNotFound) {
		t.Fatalf("kind = %q", payload.Kind)
	}
}

func TestIPLimiterRejectsBursts(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.IPLimiter = denyAllLimiter{}
	})
	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	resp := postMessage(t, ts, `{"message":"hi"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if f.upstream.calls != 0 {
		t.Fatalf("upstream called %d times", f.upstream.calls)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
