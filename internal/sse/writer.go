package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Writer streams SSE frames to an HTTP response. Headers are committed on the
// first frame, after which the response status can no longer change.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewWriter wraps a response writer. The underlying writer must support
// flushing, which every stdlib HTTP/1.1 and HTTP/2 response does.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// Started reports whether the event-stream headers have been committed.
func (w *Writer) Started() bool {
	return w.started
}

// Send writes one frame and flushes it. A nil payload sends a data-less frame.
func (w *Writer) Send(event string, payload any) error {
	if !w.started {
		h := w.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		w.w.WriteHeader(http.StatusOK)
		w.started = true
	}
	var sb strings.Builder
	if event != "" {
		fmt.Fprintf(&sb, "event: %s\n", event)
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
		fmt.Fprintf(&sb, "data: %s\n", data)
	}
	sb.WriteString("\n")
	if _, err := w.w.Write([]byte(sb.String())); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// SendRaw relays an already-encoded data payload verbatim.
func (w *Writer) SendRaw(event, data string) error {
	if !w.started {
		h := w.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		w.w.WriteHeader(http.StatusOK)
		w.started = true
	}
	var sb strings.Builder
	if event != "" {
		fmt.Fprintf(&sb, "event: %s\n", event)
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&sb, "data: %s\n", line)
	}
	sb.WriteString("\n")
	if _, err := w.w.Write([]byte(sb.String())); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}
