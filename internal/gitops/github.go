package gitops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"appforge/internal/util"
	"appforge/pkg/domain"
)

const defaultAPIBaseURL = "https://api.github.com"

const maxNameAttempts = 4

// GitHubClient calls the GitHub REST API for repository management.
type GitHubClient struct {
	apiBaseURL string
	cloneHost  string
	httpClient *http.Client
}

// NewGitHubClient constructs a client. Empty arguments select github.com.
func NewGitHubClient(apiBaseURL, cloneHost string) *GitHubClient {
	if strings.TrimSpace(apiBaseURL) == "" {
		apiBaseURL = defaultAPIBaseURL
	}
	if strings.TrimSpace(cloneHost) == "" {
		cloneHost = "https://github.com"
	}
	return &GitHubClient{
		apiBaseURL: strings.TrimRight(apiBaseURL, "/"),
		cloneHost:  strings.TrimRight(cloneHost, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// CloneURL returns the HTTPS clone URL for a repository.
func (c *GitHubClient) CloneURL(owner, repoName string) string {
	return fmt.Sprintf("%s/%s/%s.git", c.cloneHost, owner, repoName)
}

// APIError represents a GitHub error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: status %d: %s", e.Status, e.Message)
}

// CreateRepository creates a private repository under the user's namespace.
// When the name is taken (422) it retries with a short random suffix. Returns
// the final repository name and its browse URL.
func (c *GitHubClient) CreateRepository(ctx context.Context, user domain.UserIdentity, name string) (string, string, error) {
	candidate := name
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		url, err := c.createOnce(ctx, user, candidate)
		if err == nil {
			return candidate, url, nil
		}
		apiErr, ok := err.(*APIError)
		if !ok || apiErr.Status != http.StatusUnprocessableEntity {
			return "", "", err
		}
		candidate = fmt.Sprintf("%s-%s", name, util.NewID()[:6])
	}
	return "", "", fmt.Errorf("could not find a free repository name for %q", name)
}

func (c *GitHubClient) createOnce(ctx context.Context, user domain.UserIdentity, name string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"name":      name,
		"private":   true,
		"auto_init": false,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBaseURL+"/user/repos", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+user.GithubAccessToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create repository: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<14))
		return "", &APIError{Status: resp.StatusCode, Message: string(payload)}
	}
	var created struct {
		HTMLURL string `json:"html_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if created.HTMLURL == "" {
		created.HTMLURL = fmt.Sprintf("%s/%s/%s", c.cloneHost, user.GithubUsername, name)
	}
	return created.HTMLURL, nil
}
