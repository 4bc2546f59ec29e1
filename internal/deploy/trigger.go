package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"appforge/internal/notify"
	"appforge/pkg/domain"
)

// ErrAlreadyDeploying means another request holds the deploying status for
// this application. The losing request must not deploy.
var ErrAlreadyDeploying = errors.New("application is already deploying")

// Deployer is the hosting-provider capability: given a directory, return a
// public URL.
type Deployer interface {
	DeployDirectory(ctx context.Context, applicationID, dir string) (string, error)
}

// StatusStore is the slice of the store the trigger needs.
type StatusStore interface {
	BeginDeploy(id string) (bool, error)
	SetDeployStatus(id string, status domain.DeployStatus, appURL string) error
}

// Trigger sequences a deploy: atomically claim the deploying status, hand the
// materialized directory to the provider, record the outcome. The trigger owns
// the directory's cleanup once it has been invoked.
type Trigger struct {
	store      StatusStore
	deployer   Deployer
	notifier   notify.Notifier
	keepOutput bool // development keeps materialized directories for inspection
}

// Config wires the trigger.
type Config struct {
	Store      StatusStore
	Deployer   Deployer
	Notifier   notify.Notifier
	KeepOutput bool
}

// New constructs a trigger.
func New(cfg Config) *Trigger {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Trigger{store: cfg.Store, deployer: cfg.Deployer, notifier: notifier, keepOutput: cfg.KeepOutput}
}

// Deploy runs the deploy for an application from a materialized directory and
// returns the public URL. The status claim is a conditional update in the
// store, not a read-then-write, so two overlapping iterations cannot both
// deploy.
func (t *Trigger) Deploy(ctx context.Context, applicationID, traceID, dir string) (string, error) {
	defer t.cleanup(dir)

	ok, err := t.store.BeginDeploy(applicationID)
	if err != nil {
		return "", fmt.Errorf("claim deploy status: %w", err)
	}
	if !ok {
		return "", ErrAlreadyDeploying
	}

	url, err := t.deployer.DeployDirectory(ctx, applicationID, dir)
	if err != nil {
		if setErr := t.store.SetDeployStatus(applicationID, domain.DeployFailed, ""); setErr != nil {
			slog.Error("failed to record deploy failure", "application_id", applicationID, "err", setErr)
		}
		t.notifier.Publish(ctx, notify.Event{
			Milestone:     notify.MilestoneFailed,
			ApplicationID: applicationID,
			TraceID:       traceID,
			Detail:        err.Error(),
		})
		return "", fmt.Errorf("deploy: %w", err)
	}

	if err := t.store.SetDeployStatus(applicationID, domain.DeployDeployed, url); err != nil {
		return "", fmt.Errorf("record deploy success: %w", err)
	}
	t.notifier.Publish(ctx, notify.Event{
		Milestone:     notify.MilestoneDeployed,
		ApplicationID: applicationID,
		TraceID:       traceID,
		Detail:        url,
	})
	return url, nil
}

func (t *Trigger) cleanup(dir string) {
	if t.keepOutput || dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("failed to remove materialized directory", "dir", dir, "err", err)
	}
}

// HTTPDeployer calls the hosting provider's deploy service.
type HTTPDeployer struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// NewHTTPDeployer constructs a provider client.
func NewHTTPDeployer(baseURL, secret string) *HTTPDeployer {
	return &HTTPDeployer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// DeployDirectory submits the directory path to the provider and returns the
// public URL. The provider shares the build volume, so a path is sufficient.
func (d *HTTPDeployer) DeployDirectory(ctx context.Context, applicationID, dir string) (string, error) {
	body, err := json.Marshal(map[string]string{"applicationId": applicationID, "path": dir})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/deployments", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.secret)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call deploy service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<14))
		return "", fmt.Errorf("deploy service: status %d: %s", resp.StatusCode, payload)
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode deploy response: %w", err)
	}
	if out.URL == "" {
		return "", errors.New("deploy service returned no url")
	}
	return out.URL, nil
}
