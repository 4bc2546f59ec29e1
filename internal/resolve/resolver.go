package resolve

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"appforge/internal/cache"
	"appforge/internal/trace"
	"appforge/internal/util"
	"appforge/pkg/domain"
)

var (
	// ErrApplicationNotFound covers both truly missing applications and ones
	// owned by someone else; the two are indistinguishable to the caller.
	ErrApplicationNotFound = errors.New("application not found")
	// ErrPreviousRequestNotFound means an iteration has neither a cached
	// conversation nor persisted history to continue from.
	ErrPreviousRequestNotFound = errors.New("previous request not found")
)

// ApplicationReader is the slice of the store the resolver needs.
type ApplicationReader interface {
	GetApplicationForUser(id, userID string) (domain.Application, bool, error)
	ListPrompts(applicationID string) ([]domain.Prompt, error)
}

// Resolution is the outcome of new-build-vs-iteration resolution.
type Resolution struct {
	IsIteration   bool
	ApplicationID string
	Application   domain.Application // zero value for new builds
	TraceID       string
	RequestID     string
	// Messages is the full upstream message list: prior turns in original
	// order, the new user message appended last, never duplicated.
	Messages []domain.ChatMessage
}

// Resolver decides whether a message starts a new build or iterates on an
// existing application, and reconstructs the conversation the upstream agent
// expects for continuation.
type Resolver struct {
	store ApplicationReader
	cache cache.Cache
}

// New constructs a resolver.
func New(store ApplicationReader, c cache.Cache) *Resolver {
	return &Resolver{store: store, cache: c}
}

// Resolve maps (userID, applicationID?, message) to an upstream request shape.
// The cache is authoritative when it holds the trace; on a miss the persisted
// prompt history is rebuilt into an equivalent conversation. The two sources
// are never merged.
func (r *Resolver) Resolve(userID, applicationID, message string) (Resolution, error) {
	requestID := trace.NewRequestID()
	userTurn := domain.ChatMessage{Role: string(domain.RoleTurnUser), Content: message}

	if strings.TrimSpace(applicationID) == "" {
		return Resolution{
			ApplicationID: util.NewID(),
			TraceID:       trace.Temp(requestID),
			RequestID:     requestID,
			Messages:      []domain.ChatMessage{userTurn},
		}, nil
	}

	app, ok, err := r.store.GetApplicationForUser(applicationID, userID)
	if err != nil {
		return Resolution{}, fmt.Errorf("load application: %w", err)
	}
	if !ok {
		return Resolution{}, ErrApplicationNotFound
	}

	prior, err := r.priorMessages(app)
	if err != nil {
		return Resolution{}, err
	}

	return Resolution{
		IsIteration:   true,
		ApplicationID: app.ID,
		Application:   app,
		TraceID:       app.TraceID,
		RequestID:     requestID,
		Messages:      append(prior, userTurn),
	}, nil
}

func (r *Resolver) priorMessages(app domain.Application) ([]domain.ChatMessage, error) {
	if snap, ok := r.cache.Get(app.TraceID); ok {
		out := make([]domain.ChatMessage, len(snap.Messages))
		copy(out, snap.Messages)
		return out, nil
	}

	prompts, err := r.store.ListPrompts(app.ID)
	if err != nil {
		return nil, fmt.Errorf("load prompt history: %w", err)
	}
	if len(prompts) == 0 {
		return nil, ErrPreviousRequestNotFound
	}
	// Each stored turn becomes one synthetic conversation message, in
	// original chronological order.
	out := make([]domain.ChatMessage, 0, len(prompts))
	for _, p := range prompts {
		out = append(out, domain.ChatMessage{Role: string(p.Role), Content: p.Content})
	}
	return out, nil
}

// FlattenContent reduces a raw agent content payload to plain text. Content is
// either a bare string or a list of typed blocks; non-text blocks (tool use,
// agent state) are dropped and do not survive flattening.
func FlattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
