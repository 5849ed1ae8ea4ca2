// Package webhook fans out typed proxy events to an external notification
// service, fire-and-forget, per spec §4.10.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/worldline-go/klient"
)

// Event names the kind of proxy-lifecycle occurrence being reported.
type Event string

const (
	EventUsageLogged       Event = "usage_logged"
	EventAIQuestionDetected Event = "ai_question_detected"
	EventStepUpdate        Event = "step_update"
	EventSessionComplete   Event = "session_complete"
)

const dispatchTimeout = 5 * time.Second

// subpaths maps each event to the `<base>/api/webhooks/<subpath>` path
// segment it is posted to.
var subpaths = map[Event]string{
	EventUsageLogged:        "usage",
	EventAIQuestionDetected: "ai-question",
	EventStepUpdate:         "step-update",
	EventSessionComplete:    "session-complete",
}

// payload is the JSON envelope every webhook call sends.
type payload struct {
	Event     Event  `json:"event"`
	TodoID    string `json:"todo_id,omitempty"`
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// Dispatcher holds the process-wide base URL / enable flag and the HTTP
// client used for every dispatch.
type Dispatcher struct {
	client  *klient.Client
	baseURL string
	enabled bool
}

func New(baseURL string, enabled bool) (*Dispatcher, error) {
	client, err := klient.New(
		klient.WithDisableBaseURLCheck(true),
		klient.WithDisableEnvValues(true),
		klient.WithDisableRetry(true),
	)
	if err != nil {
		return nil, fmt.Errorf("build webhook client: %w", err)
	}
	return &Dispatcher{client: client, baseURL: strings.TrimRight(baseURL, "/"), enabled: enabled}, nil
}

// Dispatch fires the event in a detached goroutine and returns immediately.
// A nil, disabled or base-URL-less dispatcher does nothing. Errors
// (network, non-2xx) are logged at debug and never surfaced to the caller,
// per spec §4.10/§7.
func (d *Dispatcher) Dispatch(sessionID, todoID string, event Event, data any) {
	if d == nil || !d.enabled || d.baseURL == "" {
		return
	}

	p := payload{
		Event:     event,
		TodoID:    todoID,
		SessionID: sessionID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}

	subpath, ok := subpaths[event]
	if !ok {
		slog.Debug("webhook dispatch skipped: unknown event", "event", event)
		return
	}

	go d.send(subpath, p)
}

// Forward posts an arbitrary payload to "<base>/api/webhooks/<subpath>" the
// same fire-and-forget way Dispatch does, for callers outside the typed
// Event set (the session-mapping registration forward of spec §6).
func (d *Dispatcher) Forward(subpath, sessionID, todoID string, data any) {
	if d == nil || !d.enabled || d.baseURL == "" {
		return
	}

	p := payload{
		TodoID:    todoID,
		SessionID: sessionID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}

	go d.send(subpath, p)
}

func (d *Dispatcher) send(subpath string, p payload) {
	body, err := json.Marshal(p)
	if err != nil {
		slog.Debug("webhook dispatch marshal failed", "event", p.Event, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/webhooks/%s", d.baseURL, subpath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Debug("webhook dispatch request build failed", "event", p.Event, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.HTTP.Do(req)
	if err != nil {
		slog.Debug("webhook dispatch failed", "event", p.Event, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		slog.Debug("webhook dispatch non-2xx response", "event", p.Event, "status", resp.StatusCode)
	}
}
