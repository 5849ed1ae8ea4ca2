// Package filelog implements the per-exchange JSON file sink (C11): an
// ObservationHook that writes one file per completed request under the
// session's log directory, with a startup + periodic TTL sweep.
package filelog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rakunlabs/swiftcast/internal/hooks"
)

const defaultRetention = 30 * 24 * time.Hour

var modelSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// record is the JSON shape spec §4.11 names field-for-field.
type record struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Request   struct {
		Timestamp string `json:"timestamp"`
		Model     string `json:"model"`
		Method    string `json:"method"`
		Path      string `json:"path"`
		Body      any    `json:"body"`
	} `json:"request"`
	Response struct {
		Timestamp    string `json:"timestamp"`
		StatusCode   int    `json:"status_code"`
		DurationMS   int64  `json:"duration_ms"`
		InputTokens  int    `json:"input_tokens"`
		OutputTokens int    `json:"output_tokens"`
		IsSuccess    bool   `json:"is_success"`
		ErrorMessage string `json:"error_message,omitempty"`
		ResponseText string `json:"response_text"`
		StopReason   string `json:"stop_reason,omitempty"`
	} `json:"response"`
}

// Sink is the C11 observation hook. It ignores every lifecycle callback
// except ResponseComplete.
type Sink struct {
	logDir    string
	retention time.Duration

	mu  sync.Mutex // guards the per-dir sequence counter cache
	seq map[string]int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(logDir string, retention time.Duration) *Sink {
	if retention <= 0 {
		retention = defaultRetention
	}
	s := &Sink{
		logDir:    logDir,
		retention: retention,
		seq:       make(map[string]int),
		stopCh:    make(chan struct{}),
	}

	if err := s.sweep(); err != nil {
		slog.Warn("file-log startup sweep failed", "error", err)
	}

	s.wg.Add(1)
	go s.sweepLoop()

	return s
}

func (s *Sink) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sink) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.sweep(); err != nil {
				slog.Warn("file-log periodic sweep failed", "error", err)
			}
		}
	}
}

func (s *Sink) Name() string { return "filelog" }

func (s *Sink) RequestBefore(hooks.RequestContext)                           {}
func (s *Sink) RequestAfter(hooks.RequestContext, hooks.ResponseContext)      {}
func (s *Sink) RequestSuccess(hooks.RequestContext, hooks.ResponseContext)    {}
func (s *Sink) RequestFailed(hooks.RequestContext, hooks.ResponseContext)     {}
func (s *Sink) ResponseChunk(hooks.RequestContext, []byte)                   {}

func (s *Sink) ResponseComplete(req hooks.RequestContext, res hooks.ResponseContext) {
	shortSession := req.SessionID
	if len(shortSession) > 16 {
		shortSession = shortSession[:16]
	}
	if shortSession == "" {
		shortSession = "no-session"
	}

	dir := filepath.Join(s.logDir, shortSession)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		slog.Warn("file-log: create session dir failed", "dir", dir, "error", err)
		return
	}

	var rec record
	rec.RequestID = req.RequestID
	rec.SessionID = req.SessionID
	rec.Request.Timestamp = req.Timestamp
	rec.Request.Model = req.Model
	rec.Request.Method = req.Method
	rec.Request.Path = req.Path
	rec.Request.Body = req.Body
	rec.Response.Timestamp = time.Now().UTC().Format(time.RFC3339)
	rec.Response.StatusCode = res.StatusCode
	rec.Response.DurationMS = res.DurationMS
	rec.Response.InputTokens = res.InputTokens
	rec.Response.OutputTokens = res.OutputTokens
	rec.Response.IsSuccess = res.IsSuccess
	rec.Response.ErrorMessage = res.ErrorMessage
	rec.Response.ResponseText = res.ResponseText
	rec.Response.StopReason = res.StopReason

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		slog.Warn("file-log: marshal record failed", "error", err)
		return
	}

	shortRequest := req.RequestID
	if len(shortRequest) > 8 {
		shortRequest = shortRequest[:8]
	}

	seq := s.nextSeq(dir)
	name := fmt.Sprintf("%s_%s_%d_%s.json",
		time.Now().UTC().Format("20060102_150405"),
		shortRequest,
		seq,
		sanitizeModel(req.Model),
	)

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		slog.Warn("file-log: write record failed", "path", path, "error", err)
	}
}

// nextSeq is advisory only: file-name uniqueness comes from the timestamp
// and request id, not from this number. The count is cached per directory
// (s.mu guards only that cache map) rather than re-listing the directory
// on every write, trading exactness for cheapness.
func (s *Sink) nextSeq(dir string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.seq[dir]
	if !ok {
		entries, _ := os.ReadDir(dir)
		n = len(entries)
	}
	n++
	s.seq[dir] = n
	return n
}

func sanitizeModel(model string) string {
	if model == "" {
		return "unknown"
	}
	return modelSanitizer.ReplaceAllString(model, "-")
}

// sweep walks <log_dir>/*/*.json, deletes files older than the retention
// window, and removes any session directory left empty.
func (s *Sink) sweep() error {
	entries, err := os.ReadDir(s.logDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read log dir: %w", err)
	}

	cutoff := time.Now().Add(-s.retention)
	var deleted int

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sessionDir := filepath.Join(s.logDir, entry.Name())
		files, err := os.ReadDir(sessionDir)
		if err != nil {
			continue
		}

		remaining := 0
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				remaining++
				continue
			}
			info, err := f.Info()
			if err != nil {
				remaining++
				continue
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(filepath.Join(sessionDir, f.Name())); err != nil {
					slog.Warn("file-log: remove stale file failed", "path", f.Name(), "error", err)
					remaining++
				} else {
					deleted++
				}
				continue
			}
			remaining++
		}

		if remaining == 0 {
			os.Remove(sessionDir)
		}
	}

	if deleted > 0 {
		slog.Info("file-log sweep complete", "files_deleted", deleted)
	}
	return nil
}
