package protocol

import (
	"encoding/json"
	"strconv"
	"time"
)

// Canonical event names. Every event on the bus, the SSE stream and the
// WebSocket carries one of these in its "event" field.
const (
	EventTaskStart            = "taskStart"
	EventStepProgress         = "stepProgress"
	EventIntermediateResult   = "intermediateResult"
	EventTaskComplete         = "taskComplete"
	EventTaskError            = "taskError"
	EventPlanLog              = "planLog"
	EventThoughtUpdate        = "thoughtUpdate"
	EventThoughtComplete      = "thoughtComplete"
	EventFunctionCallPartial  = "functionCallPartial"
	EventNLIResponsePersisted = "nliResponsePersisted"
	EventActionScreenshot     = "actionScreenshot"
	EventActionReport         = "actionReport"
	EventActionComplete       = "actionComplete"
	EventNotification         = "notification"
)

// AllEvents lists every canonical topic. Subscribers that want the whole
// stream subscribe to each name explicitly; the bus has no wildcards.
var AllEvents = []string{
	EventTaskStart,
	EventStepProgress,
	EventIntermediateResult,
	EventTaskComplete,
	EventTaskError,
	EventPlanLog,
	EventThoughtUpdate,
	EventThoughtComplete,
	EventFunctionCallPartial,
	EventNLIResponsePersisted,
	EventActionScreenshot,
	EventActionReport,
	EventActionComplete,
	EventNotification,
}

// SSEEvents are the events relayed on a submission-scoped SSE stream.
var SSEEvents = []string{
	EventTaskStart,
	EventStepProgress,
	EventThoughtUpdate,
	EventFunctionCallPartial,
	EventThoughtComplete,
	EventTaskComplete,
	EventTaskError,
}

// IsTerminal reports whether the event ends a task's event sequence.
func IsTerminal(name string) bool {
	return name == EventTaskComplete || name == EventTaskError
}

// Item is the UI-facing payload attached to progress and intermediate events.
type Item struct {
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Progress  *int      `json:"progress,omitempty"`
	URL       string    `json:"url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is the wire envelope shared by the bus and both transports.
type Event struct {
	Event     string         `json:"event"`
	TaskID    string         `json:"taskId,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	Seq       uint64         `json:"seq,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Progress  *int           `json:"progress,omitempty"`
	Message   string         `json:"message,omitempty"`
	Item      *Item          `json:"item,omitempty"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Stack     string         `json:"stack,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Key identifies a logical event within its task for deduplication.
func (e *Event) Key() string {
	return e.Event + "#" + strconv.FormatUint(e.Seq, 10)
}

// Encode marshals the event for the wire.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire event. Result stays a generic JSON value; callers
// that need the typed bundle re-decode it with DecodeResult.
func Decode(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// DecodeResult re-decodes the event's result field into v.
func (e *Event) DecodeResult(v any) error {
	raw, err := json.Marshal(e.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// IntPtr is a small helper for the optional progress fields.
func IntPtr(v int) *int {
	return &v
}
