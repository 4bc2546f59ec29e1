package app

import (
	"errors"
	"fmt"
	"net/http"

	"appforge/internal/agentclient"
	"appforge/internal/deploy"
	"appforge/internal/patch"
	"appforge/internal/resolve"
)

// ErrorKind names the request failure classes the client protocol exposes.
type ErrorKind string

const (
	KindValidation              ErrorKind = "ValidationError"
	KindAuth                    ErrorKind = "AuthError"
	KindApplicationNotFound     ErrorKind = "ApplicationNotFoundError"
	KindPreviousRequestNotFound ErrorKind = "PreviousRequestNotFoundError"
	KindQuotaExceeded           ErrorKind = "QuotaExceededError"
	KindConcurrencyExceeded     ErrorKind = "ConcurrencyExceededError"
	KindUpstreamAgent           ErrorKind = "UpstreamAgentError"
	KindDiffApplication         ErrorKind = "DiffApplicationError"
	KindDeploymentConflict      ErrorKind = "DeploymentConflictError"
	KindInternal                ErrorKind = "InternalError"
)

// Error is the typed request error. Status is the HTTP status to use when
// headers have not been committed yet; once streaming has started the error
// travels as an error frame instead.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, status int, msg string, err error) *Error {
	return &Error{Kind: kind, Status: status, Message: msg, Err: err}
}

// Validation reports a malformed request body.
func Validation(msg string) *Error {
	return newError(KindValidation, http.StatusBadRequest, msg, nil)
}

// Unauthorized reports a failed bearer-token resolution.
func Unauthorized(msg string) *Error {
	return newError(KindAuth, http.StatusUnauthorized, msg, nil)
}

// QuotaExceeded reports a spent daily message quota.
func QuotaExceeded(msg string) *Error {
	return newError(KindQuotaExceeded, http.StatusTooManyRequests, msg, nil)
}

// ConcurrencyExceeded reports a full active-session registry.
func ConcurrencyExceeded(msg string) *Error {
	return newError(KindConcurrencyExceeded, http.StatusTooManyRequests, msg, nil)
}

// Internal wraps anything without a more specific class.
func Internal(msg string, err error) *Error {
	return newError(KindInternal, http.StatusInternalServerError, msg, err)
}

// Classify maps collaborator errors onto the taxonomy. Already-typed errors
// pass through unchanged.
func Classify(err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(err, resolve.ErrApplicationNotFound) {
		return newError(KindApplicationNotFound, http.StatusNotFound, "application not found", err)
	}
	if errors.Is(err, resolve.ErrPreviousRequestNotFound) {
		return newError(KindPreviousRequestNotFound, http.StatusNotFound, "previous request not found", err)
	}
	var agentErr *agentclient.APIError
	if errors.As(err, &agentErr) {
		status := agentErr.Status
		if status < 400 {
			status = http.StatusBadGateway
		}
		return newError(KindUpstreamAgent, status, agentErr.Body, err)
	}
	var applyErr *patch.ApplyError
	if errors.As(err, &applyErr) {
		return newError(KindDiffApplication, http.StatusInternalServerError, applyErr.Error(), err)
	}
	if errors.Is(err, deploy.ErrAlreadyDeploying) {
		return newError(KindDeploymentConflict, http.StatusConflict, "application is already deploying", err)
	}
	return Internal("internal error", err)
}
