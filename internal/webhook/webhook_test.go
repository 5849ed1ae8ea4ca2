package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestDispatchPostsExpectedPayload(t *testing.T) {
	var mu sync.Mutex
	var received payload
	var path string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&received)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, err := New(srv.URL, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d.Dispatch("s-1", "todo-1", EventSessionComplete, map[string]any{"stop_reason": "end_turn"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := received.Event != ""
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/api/webhooks/session-complete" {
		t.Fatalf("path = %q, want /api/webhooks/session-complete", path)
	}
	if received.Event != EventSessionComplete || received.SessionID != "s-1" || received.TodoID != "todo-1" {
		t.Fatalf("received = %+v", received)
	}
}

func TestDispatchDisabledIsNoop(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	d, err := New(srv.URL, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Dispatch("s-1", "", EventUsageLogged, nil)

	time.Sleep(50 * time.Millisecond)
	if called {
		t.Fatal("disabled dispatcher should never call the server")
	}
}

func TestDispatchNilDispatcherIsNoop(t *testing.T) {
	var d *Dispatcher
	d.Dispatch("s-1", "", EventUsageLogged, nil)
}
