package execmon

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventKind classifies a normalized protocol message.
type EventKind int

const (
	KindStart EventKind = iota
	KindTaskBegin
	KindTaskOk
	KindTaskChanged
	KindTaskFailed
	KindComplete
	KindError
	KindInfo
)

var kindNames = map[EventKind]string{
	KindStart:       "start",
	KindTaskBegin:   "task_begin",
	KindTaskOk:      "task_ok",
	KindTaskChanged: "task_changed",
	KindTaskFailed:  "task_failed",
	KindComplete:    "complete",
	KindError:       "error",
	KindInfo:        "info",
}

var kindFromName = map[string]EventKind{
	"start":        KindStart,
	"task_begin":   KindTaskBegin,
	"task_ok":      KindTaskOk,
	"task_changed": KindTaskChanged,
	"task_failed":  KindTaskFailed,
	"complete":     KindComplete,
	"error":        KindError,
	"info":         KindInfo,
}

func (k EventKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *EventKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := kindFromName[s]; ok {
		*k = v
	}
	return nil
}

// LogEvent is one normalized protocol message appended to a session transcript.
type LogEvent struct {
	Kind      EventKind `json:"kind"`
	Message   string    `json:"message"`
	TaskName  string    `json:"task_name,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Result carries the remote-reported outcome of a complete message.
type Result int

const (
	ResultSucceeded Result = iota
	ResultFailed
)

// wireMessage is the inbound protocol schema: one JSON object per message.
// The backend emits either "task" or "task_name" for the correlation key
// depending on the job kind; both are accepted.
type wireMessage struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Task       string `json:"task,omitempty"`
	TaskName   string `json:"task_name,omitempty"`
	TaskNumber int    `json:"task_number,omitempty"`
	Status     string `json:"status,omitempty"`
}

func (w *wireMessage) taskKey() string {
	if w.Task != "" {
		return w.Task
	}
	return w.TaskName
}

// decoded is the result of interpreting one raw wire message.
type decoded struct {
	event      LogEvent
	isComplete bool
	result     Result
}

// decodeWire maps a raw wire message to a normalized event. Unknown types
// are treated as info lines so a newer backend does not break older panels.
func decodeWire(data []byte, now time.Time) (decoded, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return decoded{}, fmt.Errorf("malformed protocol message: %w", err)
	}

	d := decoded{event: LogEvent{Message: w.Message, TaskName: w.taskKey(), Timestamp: now}}
	switch strings.ToLower(strings.TrimSpace(w.Type)) {
	case "start":
		d.event.Kind = KindStart
	case "task":
		d.event.Kind = KindTaskBegin
	case "ok":
		d.event.Kind = KindTaskOk
	case "changed":
		d.event.Kind = KindTaskChanged
	case "failed":
		d.event.Kind = KindTaskFailed
	case "complete":
		d.event.Kind = KindComplete
		d.isComplete = true
		if strings.ToLower(strings.TrimSpace(w.Status)) == "success" {
			d.result = ResultSucceeded
		} else {
			d.result = ResultFailed
		}
	case "error":
		d.event.Kind = KindError
		d.isComplete = true
		d.result = ResultFailed
	default:
		d.event.Kind = KindInfo
	}
	return d, nil
}

// cancelMessage is the outbound control message sent on user cancellation.
var cancelMessage = []byte(`{"type":"cancel"}`)
