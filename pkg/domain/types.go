package domain

import "time"

type DeployStatus string

const (
	DeployPending   DeployStatus = "pending"
	DeployDeploying DeployStatus = "deploying"
	DeployDeployed  DeployStatus = "deployed"
	DeployFailed    DeployStatus = "failed"
)

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// PromptRole distinguishes who authored a conversation turn.
type PromptRole string

const (
	RoleTurnUser      PromptRole = "user"
	RoleTurnAssistant PromptRole = "assistant"
)

// MaxPromptContentLen is the ceiling beyond which stored turn content is truncated.
const MaxPromptContentLen = 16384

// NoChangesSentinel is the diff payload the agent sends when the generated app
// matches the template exactly. It must never reach the patch applier.
const NoChangesSentinel = "NO_CHANGES_FROM_TEMPLATE"

// Application is a generated app owned by a user. Rows are never hard-deleted.
type Application struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	UserID       string       `json:"userId"`
	TraceID      string       `json:"traceId"`
	RepoURL      string       `json:"repoUrl"`
	AppName      string       `json:"appName"`
	AppURL       string       `json:"appUrl"`
	DeployStatus DeployStatus `json:"deployStatus"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	DeletedAt    *time.Time   `json:"deletedAt,omitempty"`
}

// Prompt is one immutable conversation turn tied to an application.
type Prompt struct {
	ID            string            `json:"id"`
	ApplicationID string            `json:"applicationId"`
	Content       string            `json:"content"`
	Role          PromptRole        `json:"role"`
	Kind          string            `json:"kind,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// ActiveSession records one live client connection for concurrency capping.
type ActiveSession struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	TraceID       string    `json:"traceId"`
	ApplicationID string    `json:"applicationId,omitempty"`
	LastActiveAt  time.Time `json:"lastActiveAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// UserIdentity is the resolved bearer identity the platform operates on behalf of.
type UserIdentity struct {
	UserID            string   `json:"userId"`
	GithubUsername    string   `json:"githubUsername"`
	GithubAccessToken string   `json:"-"`
	Role              UserRole `json:"role"`
}

// ChatMessage is one flattened, text-only turn in the shape the upstream agent
// expects for conversation continuation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationSnapshot is the cached view of a live build conversation: the
// last upstream status seen plus the full accumulated message list. When
// present it is authoritative; when absent the prompt history is the fallback.
type ConversationSnapshot struct {
	LastStatus string        `json:"lastStatus"`
	Messages   []ChatMessage `json:"messages"`
}

// TruncatePromptContent enforces the stored-content size ceiling.
func TruncatePromptContent(content string) string {
	if len(content) <= MaxPromptContentLen {
		return content
	}
	return content[:MaxPromptContentLen]
}
