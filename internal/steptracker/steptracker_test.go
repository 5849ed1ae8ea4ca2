package steptracker

import "testing"

func TestClassifyTool(t *testing.T) {
	cases := []struct {
		tool, cmd string
		want      Phase
		ok        bool
	}{
		{"Read", "", PhaseAnalysis, true},
		{"Grep", "", PhaseAnalysis, true},
		{"Edit", "", PhaseImplementation, true},
		{"Bash", "go build ./...", PhaseImplementation, true},
		{"Bash", "npm run test", PhaseVerification, true},
		{"Bash", "pytest tests/", PhaseVerification, true},
		{"SomeSubAgentTool", "", "", false},
	}
	for _, c := range cases {
		got, ok := ClassifyTool(c.tool, c.cmd)
		if ok != c.ok || got != c.want {
			t.Errorf("ClassifyTool(%q,%q) = (%q,%v), want (%q,%v)", c.tool, c.cmd, got, ok, c.want, c.ok)
		}
	}
}

func TestObserveSamePhaseIsInProgress(t *testing.T) {
	tr := New()
	events := tr.Observe("s-1", "Read", "")
	if len(events) != 1 || events[0].Kind != EventInProgress {
		t.Fatalf("first observe = %v, want single IN_PROGRESS", events)
	}

	events = tr.Observe("s-1", "Grep", "")
	if len(events) != 1 || events[0].Kind != EventInProgress || events[0].Phase != PhaseAnalysis {
		t.Fatalf("same-phase observe = %v, want single IN_PROGRESS analysis", events)
	}
}

func TestObservePhaseTransitionEmitsCompletedThenInProgress(t *testing.T) {
	tr := New()
	tr.Observe("s-1", "Read", "")

	events := tr.Observe("s-1", "Edit", "")
	if len(events) != 2 {
		t.Fatalf("transition events = %v, want 2", events)
	}
	if events[0].Kind != EventCompleted || events[0].Phase != PhaseAnalysis {
		t.Fatalf("first event = %+v, want COMPLETED analysis", events[0])
	}
	if events[1].Kind != EventInProgress || events[1].Phase != PhaseImplementation {
		t.Fatalf("second event = %+v, want IN_PROGRESS implementation", events[1])
	}
}

func TestFinishEndTurnEmitsSessionComplete(t *testing.T) {
	tr := New()
	tr.Observe("s-1", "Read", "")
	tr.Observe("s-1", "Edit", "")

	event, complete := tr.Finish("s-1", "end_turn")
	if event == nil || event.Phase != PhaseImplementation {
		t.Fatalf("finish event = %+v, want forced completion of implementation", event)
	}
	if complete == nil || len(complete.Completed) != 2 {
		t.Fatalf("complete = %+v, want 2 completed phases", complete)
	}
}

func TestFinishNonEndTurnNoSessionComplete(t *testing.T) {
	tr := New()
	tr.Observe("s-1", "Read", "")

	_, complete := tr.Finish("s-1", "max_tokens")
	if complete != nil {
		t.Fatalf("complete = %+v, want nil for non-end_turn stop reason", complete)
	}
}

func TestFinishUnknownSessionIsNoop(t *testing.T) {
	tr := New()
	event, complete := tr.Finish("missing", "end_turn")
	if event != nil || complete != nil {
		t.Fatal("finishing an untracked session should be a no-op")
	}
}
