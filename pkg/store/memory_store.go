package store

import (
	"sync"
	"time"

	"appforge/pkg/domain"
)

// MemoryStore keeps all state in-process. It backs tests and local development
// without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	apps     map[string]domain.Application
	prompts  map[string][]domain.Prompt // keyed by application id
	sessions map[string]domain.ActiveSession
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		apps:     make(map[string]domain.Application),
		prompts:  make(map[string][]domain.Prompt),
		sessions: make(map[string]domain.ActiveSession),
	}
}

func (m *MemoryStore) CreateApplication(app domain.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[app.ID] = app
	return nil
}

func (m *MemoryStore) GetApplication(id string) (domain.Application, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.apps[id]
	if !ok || app.DeletedAt != nil {
		return domain.Application{}, false, nil
	}
	return app, true, nil
}

func (m *MemoryStore) GetApplicationForUser(id, userID string) (domain.Application, bool, error) {
	app, ok, err := m.GetApplication(id)
	if err != nil || !ok || app.UserID != userID {
		return domain.Application{}, false, err
	}
	return app, true, nil
}

func (m *MemoryStore) SetDeployStatus(id string, status domain.DeployStatus, appURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if app, ok := m.apps[id]; ok {
		app.DeployStatus = status
		if appURL != "" {
			app.AppURL = appURL
		}
		app.UpdatedAt = time.Now().UTC()
		m.apps[id] = app
	}
	return nil
}

func (m *MemoryStore) BeginDeploy(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[id]
	if !ok || app.DeletedAt != nil {
		return false, nil
	}
	if app.DeployStatus == domain.DeployDeploying {
		return false, nil
	}
	app.DeployStatus = domain.DeployDeploying
	app.UpdatedAt = time.Now().UTC()
	m.apps[id] = app
	return true, nil
}

func (m *MemoryStore) SoftDeleteApplication(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if app, ok := m.apps[id]; ok {
		now := time.Now().UTC()
		app.DeletedAt = &now
		m.apps[id] = app
	}
	return nil
}

func (m *MemoryStore) AppendPrompt(p domain.Prompt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Content = domain.TruncatePromptContent(p.Content)
	m.prompts[p.ApplicationID] = append(m.prompts[p.ApplicationID], p)
	return nil
}

func (m *MemoryStore) ListPrompts(applicationID string) ([]domain.Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prompts := m.prompts[applicationID]
	out := make([]domain.Prompt, len(prompts))
	copy(out, prompts)
	return out, nil
}

func (m *MemoryStore) CountUserPromptsSince(userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for appID, prompts := range m.prompts {
		app, ok := m.apps[appID]
		if !ok || app.UserID != userID {
			continue
		}
		for _, p := range prompts {
			if p.Role == domain.RoleTurnUser && !p.CreatedAt.Before(since) {
				count++
			}
		}
	}
	return count, nil
}

func (m *MemoryStore) SaveSession(s domain.ActiveSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) SaveSessionBelowCeiling(s domain.ActiveSession, activeSince time.Time, max int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, existing := range m.sessions {
		if !existing.LastActiveAt.Before(activeSince) {
			count++
		}
	}
	if count >= max {
		return false, nil
	}
	m.sessions[s.ID] = s
	return true, nil
}

func (m *MemoryStore) TouchSession(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastActiveAt = at.UTC()
		m.sessions[id] = s
	}
	return nil
}

func (m *MemoryStore) DeleteSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) CountSessionsSince(cutoff time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if !s.LastActiveAt.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) DeleteSessionsIdleBefore(cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.LastActiveAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}
