// Package steptracker collapses tool-use events into coarse workflow
// phases per session, per spec §4.9.
package steptracker

import (
	"strings"
	"sync"
)

// Phase is one of the four coarse workflow stages a session moves through.
type Phase string

const (
	PhaseAnalysis      Phase = "ANALYSIS"
	PhaseDesign        Phase = "DESIGN"
	PhaseImplementation Phase = "IMPLEMENTATION"
	PhaseVerification  Phase = "VERIFICATION"
)

// EventKind distinguishes an in-progress tick from a phase completion.
type EventKind string

const (
	EventInProgress EventKind = "IN_PROGRESS"
	EventCompleted  EventKind = "COMPLETED"
)

// Event is emitted on each tool-use observation and on forced completion.
type Event struct {
	SessionID string
	Phase     Phase
	Kind      EventKind
	Progress  int // 0-100; 100 only on EventCompleted
}

// SessionCompleteEvent is emitted once per session when the stream ends
// with stop_reason == "end_turn".
type SessionCompleteEvent struct {
	SessionID string
	Completed []Phase
}

var analysisTools = map[string]bool{
	"Read": true, "Glob": true, "Grep": true, "WebFetch": true, "WebSearch": true,
}

var designTools = map[string]bool{
	"exitplanmode": true, "todowrite": true, "todoread": true,
}

var implementationTools = map[string]bool{
	"Edit": true, "Write": true, "NotebookEdit": true,
}

var verificationKeywords = []string{"test", "jest", "pytest", "npm run test", "./gradlew test", "mvn test", "cargo test"}

// ClassifyTool maps an observed tool name (and, for Bash, its command) to a
// workflow phase. ok is false for tools the tracker ignores entirely.
func ClassifyTool(toolName, bashCommand string) (phase Phase, ok bool) {
	if analysisTools[toolName] {
		return PhaseAnalysis, true
	}
	if designTools[strings.ToLower(toolName)] {
		return PhaseDesign, true
	}
	if implementationTools[toolName] {
		return PhaseImplementation, true
	}
	if toolName == "Bash" {
		lower := strings.ToLower(bashCommand)
		for _, kw := range verificationKeywords {
			if strings.Contains(lower, kw) {
				return PhaseVerification, true
			}
		}
		return PhaseImplementation, true
	}
	return "", false
}

type sessionState struct {
	current   Phase
	hasCurrent bool
	completed []Phase
}

// Tracker holds per-session phase state. It is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
}

func New() *Tracker {
	return &Tracker{sessions: make(map[string]*sessionState)}
}

// Observe records a tool-use event for a session and returns the events it
// produces (zero, one, or two: a COMPLETED for the old phase followed by an
// IN_PROGRESS for the new one).
func (t *Tracker) Observe(sessionID, toolName, bashCommand string) []Event {
	phase, ok := ClassifyTool(toolName, bashCommand)
	if !ok {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, exists := t.sessions[sessionID]
	if !exists {
		st = &sessionState{}
		t.sessions[sessionID] = st
	}

	if st.hasCurrent && st.current == phase {
		return []Event{{SessionID: sessionID, Phase: phase, Kind: EventInProgress}}
	}

	var events []Event
	if st.hasCurrent {
		events = append(events, Event{SessionID: sessionID, Phase: st.current, Kind: EventCompleted, Progress: 100})
		st.completed = append(st.completed, st.current)
	}
	st.current = phase
	st.hasCurrent = true
	events = append(events, Event{SessionID: sessionID, Phase: phase, Kind: EventInProgress})
	return events
}

// Finish forcibly completes the current phase (spec §4.5 step 12 / §4.9).
// When stopReason is "end_turn" it also returns a SessionCompleteEvent
// carrying the full completed-phase list; complete is nil otherwise.
// The session's state is cleared either way.
func (t *Tracker) Finish(sessionID, stopReason string) (event *Event, complete *SessionCompleteEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, exists := t.sessions[sessionID]
	if !exists {
		return nil, nil
	}

	if st.hasCurrent {
		event = &Event{SessionID: sessionID, Phase: st.current, Kind: EventCompleted, Progress: 100}
		st.completed = append(st.completed, st.current)
		st.hasCurrent = false
	}

	if stopReason == "end_turn" {
		completedCopy := append([]Phase(nil), st.completed...)
		complete = &SessionCompleteEvent{SessionID: sessionID, Completed: completedCopy}
	}

	delete(t.sessions, sessionID)
	return event, complete
}
