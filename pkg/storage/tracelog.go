package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// TraceLogArchiver persists the raw upstream transcript of a build request so
// a failed build can be replayed later. Archival is best effort and never
// blocks or fails the request it documents.
type TraceLogArchiver struct {
	store  ObjectStore
	prefix string
}

// NewTraceLogArchiver wraps an object store. An empty prefix defaults to
// "trace-logs".
func NewTraceLogArchiver(store ObjectStore, prefix string) *TraceLogArchiver {
	if prefix == "" {
		prefix = "trace-logs"
	}
	return &TraceLogArchiver{store: store, prefix: strings.TrimRight(prefix, "/")}
}

func (a *TraceLogArchiver) key(traceID string) string {
	return fmt.Sprintf("%s/%s.log", a.prefix, traceID)
}

// Archive uploads the transcript under the trace ID. Failures are logged and
// swallowed.
func (a *TraceLogArchiver) Archive(ctx context.Context, traceID, transcript string) {
	if a == nil || a.store == nil || transcript == "" {
		return
	}
	r := strings.NewReader(transcript)
	if err := a.store.Put(ctx, a.key(traceID), r, int64(r.Len()), "text/plain; charset=utf-8"); err != nil {
		slog.Warn("failed to archive trace log", "trace_id", traceID, "err", err)
	}
}

// Link returns a pre-signed URL for a stored transcript.
func (a *TraceLogArchiver) Link(ctx context.Context, traceID string, expiry time.Duration) (string, error) {
	if a == nil || a.store == nil {
		return "", fmt.Errorf("trace log archival not configured")
	}
	return a.store.PresignGet(ctx, a.key(traceID), expiry)
}
