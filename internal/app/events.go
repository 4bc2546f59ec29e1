package app

// EventKind tags the internal event envelope. Upstream frames are mapped into
// this envelope on the way in and back to wire frames on the way out, so the
// upstream wire format never leaks into the client protocol.
type EventKind string

const (
	EventKeepAlive      EventKind = "keepalive"
	EventTurn           EventKind = "turn"
	EventDiffReady      EventKind = "diff_ready"
	EventPlatformNotice EventKind = "platform_notice"
	EventDone           EventKind = "done"
	EventError          EventKind = "error"
)

// Event is one outbound client event. Turn events relay the upstream payload
// verbatim in Raw; platform-produced events carry a Payload to be serialized.
type Event struct {
	Kind    EventKind
	Stream  string // wire event name
	Raw     string // verbatim payload, relayed untouched when set
	Payload any
}

// EventSink receives ordered client events. Started reports whether anything
// has been flushed to the client yet, which decides whether an error can still
// become an HTTP status or must travel through the open stream.
type EventSink interface {
	Started() bool
	Send(ev Event) error
}

// PlatformNotice is the deploy-milestone payload sent before the done frame.
type PlatformNotice struct {
	ApplicationID string `json:"applicationId"`
	AppURL        string `json:"appUrl"`
	RepoURL       string `json:"repoUrl"`
	TraceID       string `json:"traceId"`
}

// DonePayload terminates every successful stream.
type DonePayload struct {
	Done      bool   `json:"done"`
	TraceID   string `json:"traceId"`
	CanDeploy bool   `json:"canDeploy"`
}

// ErrorPayload is the structured error frame used once headers are committed.
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Error   string    `json:"error"`
	TraceID string    `json:"traceId,omitempty"`
}

func turnEvent(stream, raw string) Event {
	if stream == "" {
		stream = "message"
	}
	return Event{Kind: EventTurn, Stream: stream, Raw: raw}
}

func noticeEvent(n PlatformNotice) Event {
	return Event{Kind: EventPlatformNotice, Stream: "platform_notice", Payload: n}
}

func doneEvent(traceID string, canDeploy bool) Event {
	return Event{Kind: EventDone, Stream: "done", Payload: DonePayload{Done: true, TraceID: traceID, CanDeploy: canDeploy}}
}

func errorEvent(e *Error, traceID string) Event {
	return Event{Kind: EventError, Stream: "error", Payload: ErrorPayload{Kind: e.Kind, Error: e.Message, TraceID: traceID}}
}
