package filelog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rakunlabs/swiftcast/internal/hooks"
)

func TestResponseCompleteWritesRecord(t *testing.T) {
	dir := t.TempDir()
	sink := New(dir, time.Hour)
	defer sink.Close()

	req := hooks.RequestContext{
		RequestID: "0123456789abcdef",
		SessionID: "session-0123456789-long-id",
		Model:     "claude-opus-4/20250514",
		Method:    "POST",
		Path:      "/v1/messages",
		Timestamp: "2026-07-31T00:00:00Z",
	}
	res := hooks.ResponseContext{
		StatusCode:   200,
		DurationMS:   42,
		InputTokens:  10,
		OutputTokens: 5,
		IsSuccess:    true,
		ResponseText: "hello",
		StopReason:   "end_turn",
	}

	sink.ResponseComplete(req, res)

	sessionDir := filepath.Join(dir, "session-01234567")
	entries, err := os.ReadDir(sessionDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %v, want 1 file", entries)
	}

	data, err := os.ReadFile(filepath.Join(sessionDir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["request_id"] != "0123456789abcdef" {
		t.Fatalf("request_id = %v", got["request_id"])
	}
}

func TestSweepRemovesStaleFilesAndEmptyDirs(t *testing.T) {
	dir := t.TempDir()
	sessionDir := filepath.Join(dir, "s1")
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	stale := filepath.Join(sessionDir, "old.json")
	if err := os.WriteFile(stale, []byte("{}"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	oldTime := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, oldTime, oldTime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	sink := &Sink{logDir: dir, retention: time.Hour, seq: map[string]int{}}
	if err := sink.sweep(); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, err := os.Stat(sessionDir); !os.IsNotExist(err) {
		t.Fatalf("expected emptied session dir to be removed, stat err = %v", err)
	}
}
