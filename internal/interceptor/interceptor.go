// Package interceptor implements the `>>swiftcast <name> <args>` command
// directive (C6): task catalog loading, shell/http/read_file/composite
// execution variants, and synthesized Anthropic-style SSE responses.
package interceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/klient"
	"github.com/worldline-go/types"
)

const directiveMarker = ">>swiftcast "

const (
	VariantShell     = "shell"
	VariantHTTP      = "http"
	VariantReadFile  = "read_file"
	VariantComposite = "composite"
)

// TaskDefinition is one entry in the on-disk task catalog.
type TaskDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Variant     string `json:"variant"`

	// shell
	Command    string `json:"command,omitempty"`
	WorkingDir string `json:"working_dir,omitempty"`

	// http
	URL    string `json:"url,omitempty"`
	Method string `json:"method,omitempty"`

	// read_file
	FilePath string `json:"file_path,omitempty"`

	// Env holds "KEY=VALUE" overlay declarations, unioned over the
	// SWIFTCAST_-prefixed placeholder environment at execution time.
	Env types.Slice[string] `json:"env,omitempty"`
}

// Catalog is the mutable, hot-reloadable set of known tasks.
type Catalog struct {
	path string

	mu    sync.RWMutex
	tasks map[string]TaskDefinition

	client *klient.Client
}

// Load reads the task catalog from path. A missing file yields an empty,
// still-usable catalog rather than an error.
func Load(path string) (*Catalog, error) {
	client, err := klient.New(
		klient.WithDisableBaseURLCheck(true),
		klient.WithDisableEnvValues(true),
		klient.WithDisableRetry(true),
	)
	if err != nil {
		return nil, fmt.Errorf("build interceptor http client: %w", err)
	}

	c := &Catalog{path: path, tasks: map[string]TaskDefinition{}, client: client}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload rebuilds the catalog from disk, replacing the prior set atomically
// under the write lock.
func (c *Catalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		c.mu.Lock()
		c.tasks = map[string]TaskDefinition{}
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read task catalog: %w", err)
	}

	var defs []TaskDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("parse task catalog: %w", err)
	}

	next := make(map[string]TaskDefinition, len(defs))
	for _, d := range defs {
		next[d.Name] = d
	}

	c.mu.Lock()
	c.tasks = next
	c.mu.Unlock()
	return nil
}

func (c *Catalog) lookup(name string) (TaskDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[name]
	return t, ok
}

// List returns every task sorted by name, for the "list" built-in.
func (c *Catalog) List() []TaskDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]TaskDefinition, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func formatCatalog(tasks []TaskDefinition) string {
	if len(tasks) == 0 {
		return "No tasks registered. Add entries to the task file and run `>>swiftcast reload`."
	}
	var b strings.Builder
	b.WriteString("Available tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "- %s (%s): %s\n", t.Name, t.Variant, t.Description)
	}
	return b.String()
}

// Detect inspects the last user-role message of a decoded Anthropic Messages
// request body (string content, or the first "text" item of a content
// array) for the >>swiftcast directive. It returns the task name, the rest
// of the message text after the name (trimmed, not cut at a line end) as
// the argument string, and whether a directive was found at all.
func Detect(body map[string]any) (taskName, args string, found bool) {
	text := lastUserMessageText(body)
	idx := strings.Index(text, directiveMarker)
	if idx < 0 {
		return "", "", false
	}

	rest := strings.TrimSpace(text[idx+len(directiveMarker):])
	if rest == "" {
		return "", "", false
	}

	fields := strings.SplitN(rest, " ", 2)
	taskName = fields[0]
	if len(fields) == 2 {
		args = strings.TrimSpace(fields[1])
	}
	return taskName, args, true
}

func lastUserMessageText(body map[string]any) string {
	messages, _ := body["messages"].([]any)
	for i := len(messages) - 1; i >= 0; i-- {
		msg, ok := messages[i].(map[string]any)
		if !ok {
			continue
		}
		if role, _ := msg["role"].(string); role != "user" {
			continue
		}

		switch content := msg["content"].(type) {
		case string:
			return content
		case []any:
			for _, item := range content {
				part, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if kind, _ := part["type"].(string); kind == "text" {
					if text, ok := part["text"].(string); ok {
						return text
					}
				}
			}
		}
		return ""
	}
	return ""
}

// Result carries a task's output text and whether it represents a failure,
// for wrapping in the synthesized SSE stream.
type Result struct {
	Text    string
	IsError bool
}

// Handle resolves and executes a directive, including the "list"/"reload"
// built-ins. It never returns an error: unknown tasks, execution failures,
// and missing files are all surfaced as Result text, per spec.
func (c *Catalog) Handle(ctx context.Context, taskName, args, sessionID, path, model string) Result {
	switch taskName {
	case "list":
		return Result{Text: formatCatalog(c.List())}
	case "reload":
		if err := c.Reload(); err != nil {
			return Result{Text: fmt.Sprintf("reload failed: %v", err), IsError: true}
		}
		return Result{Text: "Task catalog reloaded."}
	}

	task, ok := c.lookup(taskName)
	if !ok {
		return Result{
			Text:    fmt.Sprintf("Unknown task %q. Run `>>swiftcast list` to see available tasks.", taskName),
			IsError: true,
		}
	}

	switch task.Variant {
	case VariantShell:
		return c.runShell(ctx, task, args, sessionID, path, model)
	case VariantHTTP:
		return c.runHTTP(ctx, task, args, sessionID, path, model)
	case VariantReadFile:
		return c.runReadFile(task, args, sessionID)
	case VariantComposite:
		return Result{Text: "task_execution_failed: composite tasks are not implemented", IsError: true}
	default:
		return Result{Text: fmt.Sprintf("task_execution_failed: unknown variant %q", task.Variant), IsError: true}
	}
}

func replacer(args, sessionID, path, model string) *strings.Replacer {
	return strings.NewReplacer(
		"{args}", args,
		"{session_id}", sessionID,
		"{path}", path,
		"{model}", model,
	)
}

func (c *Catalog) runShell(ctx context.Context, task TaskDefinition, args, sessionID, path, model string) Result {
	r := replacer(args, sessionID, path, model)
	command := r.Replace(task.Command)

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	if task.WorkingDir != "" {
		cmd.Dir = r.Replace(task.WorkingDir)
	}

	cmd.Env = append(os.Environ(),
		"SWIFTCAST_ARGS="+args,
		"SWIFTCAST_SESSION_ID="+sessionID,
		"SWIFTCAST_PATH="+path,
		"SWIFTCAST_MODEL="+model,
	)
	for _, kv := range task.Env {
		cmd.Env = append(cmd.Env, r.Replace(kv))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var b strings.Builder
	fmt.Fprintf(&b, "```\n%s", stdout.String())
	if stderr.Len() > 0 {
		fmt.Fprintf(&b, "%s", stderr.String())
	}
	exitCode := 0
	isError := false
	if runErr != nil {
		isError = true
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			fmt.Fprintf(&b, "\nexec failed: %v", runErr)
		}
	}
	fmt.Fprintf(&b, "\nexit status %d\n```", exitCode)

	return Result{Text: b.String(), IsError: isError}
}

func (c *Catalog) runHTTP(ctx context.Context, task TaskDefinition, args, sessionID, path, model string) Result {
	r := replacer(args, sessionID, path, model)
	url := r.Replace(task.URL)

	method := strings.ToUpper(strings.TrimSpace(task.Method))
	if method == "" {
		method = http.MethodGet
	}

	taskContext := map[string]any{
		"args":       args,
		"session_id": sessionID,
		"path":       path,
		"model":      model,
	}

	var body []byte
	var reqBody *bytes.Reader
	if method != http.MethodGet {
		body, _ = json.Marshal(taskContext)
		reqBody = bytes.NewReader(body)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return Result{Text: fmt.Sprintf("task_execution_failed: build request: %v", err), IsError: true}
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.HTTP.Do(req)
	if err != nil {
		return Result{Text: fmt.Sprintf("task_execution_failed: %v", err), IsError: true}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	text := fmt.Sprintf("%s %s\nstatus %d\n```\n%s\n```", method, url, resp.StatusCode, string(respBody))
	return Result{Text: text, IsError: resp.StatusCode >= 300}
}

func (c *Catalog) runReadFile(task TaskDefinition, args, sessionID string) Result {
	r := strings.NewReplacer("{args}", args, "{session_id}", sessionID)
	path := r.Replace(task.FilePath)

	data, err := os.ReadFile(path)
	if err != nil {
		return Result{Text: fmt.Sprintf("task_execution_failed: read %q: %v", path, err), IsError: true}
	}
	return Result{Text: fmt.Sprintf("```\n%s\n```", string(data))}
}

const sseChunkRunes = 50

// WriteSSE writes the synthesized Anthropic-compatible event stream for a
// command-interceptor result: message_start, one content_block_start, text
// deltas chunked at <=50 code points, content_block_stop, message_delta
// (stop_reason intentionally null, per spec), message_stop.
func WriteSSE(w http.ResponseWriter, flusher http.Flusher, model, text string) {
	msgID := "msg_" + ulid.Make().String()

	writeEvent(w, flusher, "message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            msgID,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})

	writeEvent(w, flusher, "content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})

	for _, chunk := range chunkByRunes(text, sseChunkRunes) {
		writeEvent(w, flusher, "content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": chunk},
		})
	}

	writeEvent(w, flusher, "content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": 0,
	})

	writeEvent(w, flusher, "message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": nil, "stop_sequence": nil},
		"usage": map[string]any{"output_tokens": utf8.RuneCountInString(text)},
	})

	writeEvent(w, flusher, "message_stop", map[string]any{"type": "message_stop"})
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, _ := json.Marshal(payload)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	if flusher != nil {
		flusher.Flush()
	}
}

func chunkByRunes(s string, n int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	var out []string
	for i := 0; i < len(runes); i += n {
		end := i + n
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}
