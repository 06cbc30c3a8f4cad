package execmon

import (
	"testing"
	"time"
)

func taskEvent(kind EventKind, name string) LogEvent {
	return LogEvent{Kind: kind, TaskName: name, Message: name, Timestamp: time.Now().UTC()}
}

func TestApplyCountsTaskBeginOncePerName(t *testing.T) {
	s := newSession("s1", "ws://backend/jobs/1", time.Now().UTC())
	for i := 0; i < 5; i++ {
		s.apply(taskEvent(KindTaskBegin, "install packages"))
	}
	if s.Summary.TotalTasks != 1 {
		t.Fatalf("TotalTasks=%d want 1", s.Summary.TotalTasks)
	}
}

func TestApplyOkRepeatsButCompletesOnce(t *testing.T) {
	s := newSession("s1", "ws://backend/jobs/1", time.Now().UTC())
	s.apply(taskEvent(KindTaskBegin, "deploy"))
	s.apply(taskEvent(KindTaskOk, "deploy"))
	s.apply(taskEvent(KindTaskOk, "deploy"))
	s.apply(taskEvent(KindTaskChanged, "deploy"))

	if s.Summary.OkCount != 2 {
		t.Errorf("OkCount=%d want 2", s.Summary.OkCount)
	}
	if s.Summary.ChangedCount != 1 {
		t.Errorf("ChangedCount=%d want 1", s.Summary.ChangedCount)
	}
	if s.Summary.CompletedTasks != 1 {
		t.Errorf("CompletedTasks=%d want 1", s.Summary.CompletedTasks)
	}
}

func TestApplyFailedRepeatsButFailsOnce(t *testing.T) {
	s := newSession("s1", "ws://backend/jobs/1", time.Now().UTC())
	s.apply(taskEvent(KindTaskBegin, "restart service"))
	s.apply(taskEvent(KindTaskFailed, "restart service"))
	s.apply(taskEvent(KindTaskFailed, "restart service"))

	if s.Summary.FailedCount != 2 {
		t.Errorf("FailedCount=%d want 2", s.Summary.FailedCount)
	}
	if s.Summary.FailedTasks != 1 {
		t.Errorf("FailedTasks=%d want 1", s.Summary.FailedTasks)
	}
}

func TestApplyInvariantCompletedPlusFailedNeverExceedsTotal(t *testing.T) {
	s := newSession("s1", "ws://backend/jobs/1", time.Now().UTC())
	events := []LogEvent{
		taskEvent(KindTaskBegin, "a"),
		taskEvent(KindTaskOk, "a"),
		taskEvent(KindTaskBegin, "b"),
		taskEvent(KindTaskFailed, "b"),
		taskEvent(KindTaskBegin, "a"),
		taskEvent(KindTaskOk, "a"),
		taskEvent(KindTaskFailed, "b"),
		taskEvent(KindTaskChanged, "c"),
	}
	for i, ev := range events {
		s.apply(ev)
		sum := s.Summary
		if got := sum.CompletedTasks + sum.FailedTasks; got > sum.TotalTasks {
			t.Fatalf("after event %d: completed+failed=%d total=%d", i, got, sum.TotalTasks)
		}
	}
}

func TestApplyRejectedAfterTerminal(t *testing.T) {
	s := newSession("s1", "ws://backend/jobs/1", time.Now().UTC())
	s.apply(taskEvent(KindTaskBegin, "a"))
	s.State = Succeeded

	s.apply(taskEvent(KindTaskBegin, "b"))
	if len(s.Transcript) != 1 {
		t.Fatalf("transcript len=%d want 1", len(s.Transcript))
	}
	if s.Summary.TotalTasks != 1 {
		t.Fatalf("TotalTasks=%d want 1", s.Summary.TotalTasks)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := newSession("s1", "ws://backend/jobs/1", time.Now().UTC())
	s.apply(taskEvent(KindTaskBegin, "a"))
	snap := s.snapshot()

	s.apply(taskEvent(KindTaskBegin, "b"))
	if len(snap.Transcript) != 1 {
		t.Fatalf("snapshot transcript mutated: len=%d want 1", len(snap.Transcript))
	}
}

func TestDecodeWireMapsTypes(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		name    string
		raw     string
		kind    EventKind
		task    string
		done    bool
		result  Result
		wantErr bool
	}{
		{name: "start", raw: `{"type":"start","message":"run started"}`, kind: KindStart},
		{name: "task via task field", raw: `{"type":"task","task":"ping hosts"}`, kind: KindTaskBegin, task: "ping hosts"},
		{name: "task via task_name field", raw: `{"type":"task","task_name":"ping hosts"}`, kind: KindTaskBegin, task: "ping hosts"},
		{name: "ok", raw: `{"type":"ok","task":"ping hosts"}`, kind: KindTaskOk, task: "ping hosts"},
		{name: "changed", raw: `{"type":"changed","task":"config"}`, kind: KindTaskChanged, task: "config"},
		{name: "failed", raw: `{"type":"failed","task":"config"}`, kind: KindTaskFailed, task: "config"},
		{name: "complete success", raw: `{"type":"complete","status":"success"}`, kind: KindComplete, done: true, result: ResultSucceeded},
		{name: "complete failed", raw: `{"type":"complete","status":"failed"}`, kind: KindComplete, done: true, result: ResultFailed},
		{name: "complete error status", raw: `{"type":"complete","status":"error"}`, kind: KindComplete, done: true, result: ResultFailed},
		{name: "error", raw: `{"type":"error","message":"boom"}`, kind: KindError, done: true, result: ResultFailed},
		{name: "unknown type becomes info", raw: `{"type":"progress","message":"50%"}`, kind: KindInfo},
		{name: "malformed", raw: `{not json`, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := decodeWire([]byte(tc.raw), now)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("decodeWire(%q) expected error", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeWire(%q): %v", tc.raw, err)
			}
			if d.event.Kind != tc.kind {
				t.Errorf("kind=%v want %v", d.event.Kind, tc.kind)
			}
			if d.event.TaskName != tc.task {
				t.Errorf("task=%q want %q", d.event.TaskName, tc.task)
			}
			if d.isComplete != tc.done {
				t.Errorf("isComplete=%v want %v", d.isComplete, tc.done)
			}
			if tc.done && d.result != tc.result {
				t.Errorf("result=%v want %v", d.result, tc.result)
			}
		})
	}
}
