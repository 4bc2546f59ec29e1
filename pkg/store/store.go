package store

import (
	"time"

	"appforge/pkg/domain"
)

// Store defines persistence operations for applications, conversation turns,
// and active sessions.
type Store interface {
	// applications
	CreateApplication(app domain.Application) error
	GetApplication(id string) (domain.Application, bool, error)
	// GetApplicationForUser treats an application owned by another user the
	// same as a missing one.
	GetApplicationForUser(id, userID string) (domain.Application, bool, error)
	SetDeployStatus(id string, status domain.DeployStatus, appURL string) error
	// BeginDeploy atomically transitions to deploying unless already there.
	// Returns false when another deploy holds the status.
	BeginDeploy(id string) (bool, error)
	SoftDeleteApplication(id string) error

	// prompts (immutable once appended)
	AppendPrompt(p domain.Prompt) error
	ListPrompts(applicationID string) ([]domain.Prompt, error)
	// CountUserPromptsSince counts user-authored turns across the user's
	// applications created at or after the cutoff.
	CountUserPromptsSince(userID string, since time.Time) (int, error)

	// active sessions
	SaveSession(s domain.ActiveSession) error
	// SaveSessionBelowCeiling admits a session only while the number of
	// sessions active at or after activeSince is below max. Check and insert
	// are a single atomic step.
	SaveSessionBelowCeiling(s domain.ActiveSession, activeSince time.Time, max int) (bool, error)
	TouchSession(id string, at time.Time) error
	DeleteSession(id string) error
	CountSessionsSince(cutoff time.Time) (int, error)
	DeleteSessionsIdleBefore(cutoff time.Time) (int, error)
}
