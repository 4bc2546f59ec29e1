package trace

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Trace IDs correlate all events, log objects, and persisted turns of one build
// attempt. Shape: app-<applicationId>.req-<requestId>_<unixMillis>.
// Before the application id exists the temporary form temp.req-<requestId> is used.

const (
	appPrefix  = "app-"
	tempPrefix = "temp"
)

// NewRequestID returns a fresh request id for trace construction.
func NewRequestID() string {
	return uuid.NewString()
}

// Temp builds the placeholder trace id used before an application id is assigned.
func Temp(requestID string) string {
	return fmt.Sprintf("%s.req-%s", tempPrefix, requestID)
}

// New builds a full trace id for an application and request at the given time.
func New(applicationID, requestID string, at time.Time) string {
	return fmt.Sprintf("%s%s.req-%s_%d", appPrefix, applicationID, requestID, at.UTC().UnixMilli())
}

// IsTemp reports whether the trace id is a pre-assignment placeholder.
func IsTemp(traceID string) bool {
	return strings.HasPrefix(traceID, tempPrefix+".")
}

// ApplicationID extracts the application id from a full trace id.
func ApplicationID(traceID string) (string, bool) {
	if !strings.HasPrefix(traceID, appPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(traceID, appPrefix)
	idx := strings.Index(rest, ".")
	if idx <= 0 {
		return "", false
	}
	return rest[:idx], true
}

// Authorized reports whether a trace or log-folder id belongs to the given
// application. Anything not carrying the exact app-<id>. prefix is rejected.
func Authorized(traceID, applicationID string) bool {
	if applicationID == "" {
		return false
	}
	return strings.HasPrefix(traceID, appPrefix+applicationID+".")
}
