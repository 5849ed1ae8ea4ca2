// Package compaction implements the compaction injector (C7): a mutating
// hook that splices summarization instructions and persistent context into
// the two conversation-compaction request shapes Claude Code's
// memory-compaction flow produces.
package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rakunlabs/swiftcast/internal/hooks"
)

const (
	summarizationMarker = "Your task is to create a detailed summary of the conversation"
	summarizationAnchor  = "Please provide your summary based on the conversation so far"
	continuationMarker   = "This session is being continued from a previous conversation that ran out of context."
)

// Config is the hot-reloadable, JSON-persisted compaction policy.
type Config struct {
	Enabled                    bool   `json:"enabled"`
	SummarizationInstructions  string `json:"summarization_instructions"`
	ContextInjection           string `json:"context_injection"`
	ContextProvidersEnabled    bool   `json:"context_providers_enabled"`
}

// ContextFetcher supplies combined external context text on demand. It is
// satisfied by *contextprovider.Manager; kept as an interface here so this
// package never imports contextprovider directly.
type ContextFetcher interface {
	FetchCombinedContext(ctx context.Context) string
}

// Injector is the C7 mutating hook. It holds the config under a read-write
// lock and swaps the whole value on Reload, following the build-new-then-swap
// idiom used for other hot-reloaded config in this codebase.
type Injector struct {
	path string

	mu     sync.RWMutex
	config Config

	fetcher ContextFetcher
}

// New loads the config file at path (missing file => disabled zero-value
// config, not an error) and returns a ready Injector.
func New(path string, fetcher ContextFetcher) (*Injector, error) {
	inj := &Injector{path: path, fetcher: fetcher}
	if err := inj.Reload(); err != nil {
		return nil, err
	}
	return inj, nil
}

func (inj *Injector) Name() string { return "compaction" }

// Reload re-reads the config file and swaps it in under the write lock.
func (inj *Injector) Reload() error {
	data, err := os.ReadFile(inj.path)
	if os.IsNotExist(err) {
		inj.mu.Lock()
		inj.config = Config{}
		inj.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read compaction config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse compaction config: %w", err)
	}

	inj.mu.Lock()
	inj.config = cfg
	inj.mu.Unlock()
	return nil
}

// Update writes cfg to disk atomically (temp file + rename) and swaps the
// in-memory copy, per spec §4.7.
func (inj *Injector) Update(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal compaction config: %w", err)
	}

	dir := filepath.Dir(inj.path)
	tmp, err := os.CreateTemp(dir, ".compaction-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp compaction config: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp compaction config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp compaction config: %w", err)
	}

	if err := os.Rename(tmpPath, inj.path); err != nil {
		return fmt.Errorf("rename compaction config: %w", err)
	}

	inj.mu.Lock()
	inj.config = cfg
	inj.mu.Unlock()
	return nil
}

func (inj *Injector) snapshot() Config {
	inj.mu.RLock()
	defer inj.mu.RUnlock()
	return inj.config
}

// ModifyRequestBody implements hooks.MutatingHook. Both compaction patterns
// are detected in the raw request body, not the response text: the
// summarization-request pattern gets the configured instructions spliced
// before the "please provide your summary" anchor (or appended if the
// anchor is absent), and the compacted-continuation pattern gets provider
// context and/or the static context_injection spliced immediately after the
// continuation marker. Either, both, or neither may fire on a given body.
func (inj *Injector) ModifyRequestBody(body []byte, _ hooks.RequestContext) ([]byte, bool) {
	cfg := inj.snapshot()
	if !cfg.Enabled {
		return body, false
	}

	text := string(body)
	modified := false

	if cfg.SummarizationInstructions != "" && strings.Contains(text, summarizationMarker) {
		block := fmt.Sprintf("## Additional Summarization Instructions (IMPORTANT - Must be included in summary):\n%s\n", cfg.SummarizationInstructions)

		idx := strings.Index(text, summarizationAnchor)
		if idx >= 0 {
			text = text[:idx] + block + text[idx:]
		} else {
			text = text + "\n" + block
		}
		modified = true
	}

	if strings.Contains(text, continuationMarker) {
		var providerContext string
		if cfg.ContextProvidersEnabled && inj.fetcher != nil {
			providerContext = inj.fetcher.FetchCombinedContext(context.Background())
		}

		if providerContext != "" || cfg.ContextInjection != "" {
			var b strings.Builder
			if providerContext != "" {
				b.WriteString(providerContext)
				b.WriteString("\n\n")
			}
			if cfg.ContextInjection != "" {
				b.WriteString("## Persistent Context (Always Remember):\n")
				b.WriteString(cfg.ContextInjection)
			}
			block := strings.TrimRight(b.String(), "\n")

			idx := strings.Index(text, continuationMarker)
			insertAt := idx + len(continuationMarker)
			text = text[:insertAt] + "\n" + block + text[insertAt:]
			modified = true
		}
	}

	if !modified {
		return body, false
	}
	return []byte(text), true
}

// ModifyResponseText implements hooks.MutatingHook. Compaction splices only
// ever target the request body (see ModifyRequestBody); this is a
// deliberate no-op.
func (inj *Injector) ModifyResponseText(text string, _ hooks.RequestContext) (string, bool) {
	return text, false
}
