package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"appforge/internal/agentclient"
	"appforge/internal/gitops"
	"appforge/internal/notify"
	"appforge/internal/overlay"
	"appforge/internal/patch"
	"appforge/internal/resolve"
	"appforge/internal/sse"
	"appforge/internal/trace"
	"appforge/pkg/domain"
	"appforge/pkg/storage"
	"appforge/pkg/store"
)

// Upstream streams build events for a message request.
type Upstream interface {
	StreamMessage(ctx context.Context, req agentclient.Request) (io.ReadCloser, error)
}

// DeployRunner runs the deploy for a materialized directory and returns the
// public URL. The runner owns the directory afterwards.
type DeployRunner interface {
	Deploy(ctx context.Context, applicationID, traceID, dir string) (string, error)
}

// CacheStore is the conversation cache slice the orchestrator uses.
type CacheStore interface {
	Set(traceID string, snapshot domain.ConversationSnapshot)
	Rekey(oldTraceID, newTraceID string)
}

// Request is one resolved-and-authorized message submission.
type Request struct {
	User          domain.UserIdentity
	Message       string
	ApplicationID string
	Settings      map[string]any
}

// Orchestrator drives a message request end to end: resolve, call the agent,
// relay the stream, persist turns, then apply the final diff and commit and
// deploy it.
type Orchestrator struct {
	store       store.Store
	cache       CacheStore
	resolver    *resolve.Resolver
	agent       Upstream
	git         gitops.Service
	deployer    DeployRunner
	notifier    notify.Notifier
	archiver    *storage.TraceLogArchiver
	templateDir string
	now         func() time.Time
}

// Config wires the orchestrator.
type Config struct {
	Store       store.Store
	Cache       CacheStore
	Resolver    *resolve.Resolver
	Agent       Upstream
	Git         gitops.Service
	Deployer    DeployRunner
	Notifier    notify.Notifier
	Archiver    *storage.TraceLogArchiver
	TemplateDir string
}

// New constructs an orchestrator.
func New(cfg Config) *Orchestrator {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Orchestrator{
		store:       cfg.Store,
		cache:       cfg.Cache,
		resolver:    cfg.Resolver,
		agent:       cfg.Agent,
		git:         cfg.Git,
		deployer:    cfg.Deployer,
		notifier:    notifier,
		archiver:    cfg.Archiver,
		templateDir: cfg.TemplateDir,
		now:         time.Now,
	}
}

// Run executes the pipeline for one request. An error returned before the sink
// has started maps to an HTTP status; after that the error has already been
// pushed through the stream as an error frame.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink EventSink) error {
	res, err := o.resolver.Resolve(req.User.UserID, req.ApplicationID, req.Message)
	if err != nil {
		return Classify(err)
	}

	// Overlay seeding overlaps the upstream call; a seed failure only matters
	// once a diff has to be applied. Every exit path reaps the goroutine so a
	// clone in flight never outlives the request.
	var ov *overlay.Overlay
	seedCtx, cancelSeed := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(seedCtx)
	defer func() {
		cancelSeed()
		_ = g.Wait()
	}()
	g.Go(func() error {
		seeded, err := o.seedOverlay(gctx, req.User, res)
		ov = seeded
		return err
	})

	body, err := o.agent.StreamMessage(ctx, agentclient.Request{
		AllMessages:   res.Messages,
		ApplicationID: res.ApplicationID,
		TraceID:       res.TraceID,
		Settings:      req.Settings,
	})
	if err != nil {
		return Classify(err)
	}
	defer body.Close()

	st := &stream{orch: o, req: req, res: res, sink: sink, messages: res.Messages}
	if err := sse.Stream(ctx, body, st.handle); err != nil {
		return o.fail(ctx, sink, res.TraceID, err)
	}
	o.archive(ctx, res.TraceID, st.transcript.String())

	if st.lastDiff == "" || st.lastDiff == domain.NoChangesSentinel {
		return o.finishWithoutDeploy(ctx, sink, res.TraceID)
	}

	if err := g.Wait(); err != nil {
		return o.fail(ctx, sink, res.TraceID, Internal("seed overlay", err))
	}
	if err := o.commitAndDeploy(ctx, req, res, st, ov, sink); err != nil {
		return o.fail(ctx, sink, st.finalTrace(res.TraceID), err)
	}
	return nil
}

// fail pushes a structured error frame when the stream is already open and
// returns the classified error either way.
func (o *Orchestrator) fail(ctx context.Context, sink EventSink, traceID string, err error) error {
	e := Classify(err)
	slog.Error("message pipeline failed", "trace_id", traceID, "kind", string(e.Kind), "err", err)
	if sink.Started() {
		if sendErr := sink.Send(errorEvent(e, traceID)); sendErr != nil {
			slog.Warn("failed to send error frame", "trace_id", traceID, "err", sendErr)
		}
	}
	return e
}

func (o *Orchestrator) finishWithoutDeploy(ctx context.Context, sink EventSink, traceID string) error {
	if err := sink.Send(doneEvent(traceID, false)); err != nil {
		return Internal("send done frame", err)
	}
	return nil
}

// seedOverlay prepares the staging filesystem: a template copy (or empty tree)
// for new builds, a shallow clone of the existing repo for iterations.
func (o *Orchestrator) seedOverlay(ctx context.Context, user domain.UserIdentity, res resolve.Resolution) (*overlay.Overlay, error) {
	if !res.IsIteration {
		if o.templateDir == "" {
			return overlay.New(), nil
		}
		return overlay.SeedFrom(o.templateDir)
	}
	if res.Application.AppName == "" {
		return nil, fmt.Errorf("application %s has no repository", res.ApplicationID)
	}
	dir, err := o.git.Clone(ctx, user, res.Application.AppName)
	if err != nil {
		return nil, fmt.Errorf("clone repository: %w", err)
	}
	defer os.RemoveAll(dir)
	return overlay.SeedFrom(dir)
}

func (o *Orchestrator) archive(ctx context.Context, traceID, transcript string) {
	if o.archiver != nil {
		o.archiver.Archive(ctx, traceID, transcript)
	}
}

// stream accumulates per-request state while upstream frames arrive.
type stream struct {
	orch *Orchestrator
	req  Request
	res  resolve.Resolution
	sink EventSink

	messages      []domain.ChatMessage
	transcript    strings.Builder
	lastDiff      string
	appName       string
	commitMessage string
	userPersisted bool
	// pending holds new-build turns until the application row exists.
	pending []domain.Prompt
	// trace assigned at commit time for new builds; empty until then.
	assignedTrace string
}

func (s *stream) finalTrace(fallback string) string {
	if s.assignedTrace != "" {
		return s.assignedTrace
	}
	return fallback
}

func (s *stream) handle(frame sse.Frame) error {
	s.transcript.WriteString(fmt.Sprintf("event: %s\ndata: %s\n\n", frame.Event, frame.Data))

	// The pipeline emits its own done frame once commit and deploy settle;
	// relaying the upstream sentinel would give clients two done events.
	if frame.Event == sse.DoneEvent {
		return nil
	}

	var payload agentclient.FramePayload
	if err := json.Unmarshal([]byte(frame.Data), &payload); err != nil {
		// A malformed payload is relayed untouched; only the platform-side
		// bookkeeping is skipped.
		slog.Warn("unparseable upstream frame", "trace_id", s.res.TraceID, "err", err)
		return s.sink.Send(turnEvent(frame.Event, frame.Data))
	}
	if payload.Message.Kind == agentclient.KindKeepAlive {
		return nil
	}

	if err := s.sink.Send(turnEvent(frame.Event, frame.Data)); err != nil {
		return fmt.Errorf("relay frame: %w", err)
	}

	if payload.Message.UnifiedDiff != "" {
		s.lastDiff = payload.Message.UnifiedDiff
	}
	if payload.Message.AppName != "" {
		s.appName = payload.Message.AppName
	}
	if payload.Message.CommitMessage != "" {
		s.commitMessage = payload.Message.CommitMessage
	}

	if payload.Status == agentclient.StatusIdle {
		if text := resolve.FlattenContent(payload.Message.Content); text != "" {
			s.persistSettledTurns(text, payload.Message.Kind)
			s.messages = append(s.messages, domain.ChatMessage{Role: string(domain.RoleTurnAssistant), Content: text})
		}
	}
	s.orch.cache.Set(s.res.TraceID, domain.ConversationSnapshot{LastStatus: payload.Status, Messages: s.messages})
	return nil
}

// persistSettledTurns stores the originating user message once and the settled
// assistant turn. New-build turns are buffered until the application row is
// created at commit time.
func (s *stream) persistSettledTurns(assistantText, kind string) {
	now := s.orch.now()
	var turns []domain.Prompt
	if !s.userPersisted {
		turns = append(turns, domain.Prompt{
			ID:            trace.NewRequestID(),
			ApplicationID: s.res.ApplicationID,
			Content:       domain.TruncatePromptContent(s.req.Message),
			Role:          domain.RoleTurnUser,
			CreatedAt:     now,
		})
		s.userPersisted = true
	}
	turns = append(turns, domain.Prompt{
		ID:            trace.NewRequestID(),
		ApplicationID: s.res.ApplicationID,
		Content:       domain.TruncatePromptContent(assistantText),
		Role:          domain.RoleTurnAssistant,
		Kind:          kind,
		CreatedAt:     now,
	})

	if !s.res.IsIteration {
		s.pending = append(s.pending, turns...)
		return
	}
	for _, p := range turns {
		if err := s.orch.store.AppendPrompt(p); err != nil {
			slog.Error("failed to persist turn", "application_id", p.ApplicationID, "role", string(p.Role), "err", err)
		}
	}
}

func (o *Orchestrator) commitAndDeploy(ctx context.Context, req Request, res resolve.Resolution, st *stream, ov *overlay.Overlay, sink EventSink) error {
	files, err := patch.Apply(st.lastDiff, ov)
	if err != nil {
		return err
	}

	app := res.Application
	traceID := res.TraceID
	if !res.IsIteration {
		app, traceID, err = o.createApplication(ctx, req, res, st)
		if err != nil {
			return err
		}
		st.assignedTrace = traceID
	}

	sha, err := o.git.Commit(ctx, req.User, app.AppName, files, st.commitMessageOr(res.IsIteration), gitops.DefaultBranch)
	if err != nil {
		return Internal("commit files", err)
	}
	o.notifier.Publish(ctx, notify.Event{
		Milestone:     notify.MilestoneCommitted,
		ApplicationID: app.ID,
		TraceID:       traceID,
		Detail:        sha,
	})

	dir, err := ov.Materialize()
	if err != nil {
		return Internal("materialize overlay", err)
	}
	appURL, err := o.deployer.Deploy(ctx, app.ID, traceID, dir)
	if err != nil {
		return err
	}

	if err := sink.Send(noticeEvent(PlatformNotice{
		ApplicationID: app.ID,
		AppURL:        appURL,
		RepoURL:       app.RepoURL,
		TraceID:       traceID,
	})); err != nil {
		return Internal("send platform notice", err)
	}
	if err := sink.Send(doneEvent(traceID, true)); err != nil {
		return Internal("send done frame", err)
	}
	return nil
}

// createApplication turns a successful first build into persistent state: the
// repository, the application row with its final trace id, and the buffered
// conversation turns.
func (o *Orchestrator) createApplication(ctx context.Context, req Request, res resolve.Resolution, st *stream) (domain.Application, string, error) {
	name := st.appName
	if name == "" {
		name = defaultAppName(res.ApplicationID)
	}
	repoName, repoURL, err := o.git.EnsureRepository(ctx, req.User, name)
	if err != nil {
		return domain.Application{}, "", Internal("create repository", err)
	}
	o.notifier.Publish(ctx, notify.Event{
		Milestone:     notify.MilestoneRepoCreated,
		ApplicationID: res.ApplicationID,
		Detail:        repoURL,
	})

	traceID := trace.New(res.ApplicationID, res.RequestID, o.now())
	app := domain.Application{
		ID:           res.ApplicationID,
		Name:         name,
		UserID:       req.User.UserID,
		TraceID:      traceID,
		RepoURL:      repoURL,
		AppName:      repoName,
		DeployStatus: domain.DeployPending,
	}
	if err := o.store.CreateApplication(app); err != nil {
		return domain.Application{}, "", Internal("create application", err)
	}
	for _, p := range st.pending {
		if err := o.store.AppendPrompt(p); err != nil {
			slog.Error("failed to persist turn", "application_id", p.ApplicationID, "role", string(p.Role), "err", err)
		}
	}
	st.pending = nil
	o.cache.Rekey(res.TraceID, traceID)
	return app, traceID, nil
}

func (s *stream) commitMessageOr(iteration bool) string {
	if s.commitMessage != "" {
		return s.commitMessage
	}
	if iteration {
		return "Update application"
	}
	return "Initial commit"
}

func defaultAppName(applicationID string) string {
	id := applicationID
	if len(id) > 8 {
		id = id[:8]
	}
	return "app-" + id
}
