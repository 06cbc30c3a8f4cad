package execmon

import (
	"encoding/json"
	"time"
)

// State is the session lifecycle state.
type State int

const (
	Idle State = iota
	Connecting
	Running
	Succeeded
	Failed
	Cancelled
)

var stateNames = map[State]string{
	Idle:       "idle",
	Connecting: "connecting",
	Running:    "running",
	Succeeded:  "succeeded",
	Failed:     "failed",
	Cancelled:  "cancelled",
}

var stateFromName = map[string]State{
	"idle":       Idle,
	"connecting": Connecting,
	"running":    Running,
	"succeeded":  Succeeded,
	"failed":     Failed,
	"cancelled":  Cancelled,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := stateFromName[name]; ok {
		*s = v
	}
	return nil
}

// IsTerminal reports whether no further transcript mutation is accepted.
func (s State) IsTerminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// IsActive reports whether a connection is (being) established.
func (s State) IsActive() bool {
	return s == Connecting || s == Running
}

// TaskSummary holds the cumulative execution counters for one session.
//
// CompletedTasks and FailedTasks are deduplicated per task name;
// OkCount, ChangedCount and FailedCount count every occurrence, since a
// single task can legitimately report multiple sub-step results.
type TaskSummary struct {
	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	OkCount        int `json:"ok_count"`
	ChangedCount   int `json:"changed_count"`
	FailedCount    int `json:"failed_count"`
}

// Session is one monitored execution of a remote long-running job. It is
// mutated only by the Controller that owns it; callers observe it through
// Snapshot copies.
type Session struct {
	ID              string      `json:"id"`
	Target          string      `json:"target"`
	State           State       `json:"state"`
	StartedAt       time.Time   `json:"started_at"`
	EndedAt         time.Time   `json:"ended_at,omitempty"`
	Transcript      []LogEvent  `json:"transcript"`
	Summary         TaskSummary `json:"summary"`
	TerminalMessage string      `json:"terminal_message,omitempty"`
	ProtocolErrors  int         `json:"protocol_errors,omitempty"`

	seenKeys map[string]struct{}
}

func newSession(id, target string, now time.Time) *Session {
	return &Session{
		ID:        id,
		Target:    target,
		State:     Connecting,
		StartedAt: now,
		seenKeys:  make(map[string]struct{}),
	}
}

// claim inserts key into the seen-set and reports whether it was absent.
// First-seen-wins: the insertion is the dedup guard for task accounting.
func (s *Session) claim(key string) bool {
	if _, ok := s.seenKeys[key]; ok {
		return false
	}
	s.seenKeys[key] = struct{}{}
	return true
}

// apply appends ev to the transcript and updates the summary counters.
// Terminal sessions accept no further events.
func (s *Session) apply(ev LogEvent) {
	if s.State.IsTerminal() {
		return
	}
	s.Transcript = append(s.Transcript, ev)

	name := ev.TaskName
	switch ev.Kind {
	case KindTaskBegin:
		if name != "" && s.claim(name) {
			s.Summary.TotalTasks++
		}
	case KindTaskOk:
		s.Summary.OkCount++
		s.markCompleted(name)
	case KindTaskChanged:
		s.Summary.ChangedCount++
		s.markCompleted(name)
	case KindTaskFailed:
		s.Summary.FailedCount++
		if name != "" {
			if s.claim(name) {
				s.Summary.TotalTasks++
			}
			if !s.has(name+"_completed") && s.claim(name+"_failed") {
				s.Summary.FailedTasks++
			}
		}
	}
}

// markCompleted records a task completion at most once per name. A result
// arriving before its begin still claims the bare name, so a task observed
// only through its outcome is counted in the totals. A task settles as
// either completed or failed, first outcome wins; together these keep
// completed+failed <= total under any arrival order.
func (s *Session) markCompleted(name string) {
	if name == "" {
		return
	}
	if s.claim(name) {
		s.Summary.TotalTasks++
	}
	if s.has(name + "_failed") {
		return
	}
	if s.claim(name + "_completed") {
		s.Summary.CompletedTasks++
	}
}

func (s *Session) has(key string) bool {
	_, ok := s.seenKeys[key]
	return ok
}

// Snapshot is a deep copy of a session safe to retain outside the controller.
type Snapshot struct {
	ID              string      `json:"id"`
	Target          string      `json:"target"`
	State           State       `json:"state"`
	StartedAt       time.Time   `json:"started_at"`
	EndedAt         time.Time   `json:"ended_at,omitempty"`
	Transcript      []LogEvent  `json:"transcript"`
	Summary         TaskSummary `json:"summary"`
	TerminalMessage string      `json:"terminal_message,omitempty"`
	ProtocolErrors  int         `json:"protocol_errors,omitempty"`
}

func (s *Session) snapshot() Snapshot {
	transcript := make([]LogEvent, len(s.Transcript))
	copy(transcript, s.Transcript)
	return Snapshot{
		ID:              s.ID,
		Target:          s.Target,
		State:           s.State,
		StartedAt:       s.StartedAt,
		EndedAt:         s.EndedAt,
		Transcript:      transcript,
		Summary:         s.Summary,
		TerminalMessage: s.TerminalMessage,
		ProtocolErrors:  s.ProtocolErrors,
	}
}

// Duration returns the elapsed time of a terminal session, or the time
// spent so far when the session is still active.
func (sn Snapshot) Duration(now time.Time) time.Duration {
	if sn.StartedAt.IsZero() {
		return 0
	}
	if !sn.EndedAt.IsZero() {
		return sn.EndedAt.Sub(sn.StartedAt)
	}
	return now.Sub(sn.StartedAt)
}
