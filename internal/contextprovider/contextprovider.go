// Package contextprovider loads declarative HTTP context providers and
// fetches external context to splice into compacted conversations (C8).
package contextprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rytsh/mugo/render"
	"github.com/worldline-go/klient"
)

const (
	defaultConnectTimeout = 3 * time.Second
	defaultOverallTimeout = 5 * time.Second
)

// definition is the on-disk TOML shape for one provider file, matching
// spec §3's ProviderConfig.
type definition struct {
	Name    string            `toml:"name"`
	Enabled bool              `toml:"enabled"`
	Type    string            `toml:"type"`
	HTTP    httpDefinition    `toml:"http"`
	Path    string            `toml:"path"`
	Output  string            `toml:"output"`
	Vars    map[string]string `toml:"variables"`
}

type httpDefinition struct {
	Method  string            `toml:"method"`
	URL     string            `toml:"url"`
	Headers map[string]string `toml:"headers"`
	Timeout int               `toml:"timeout"`
}

// Provider is a loaded, validated provider ready to be fetched.
type Provider struct {
	def    definition
	client *klient.Client
}

// Manager holds every loaded provider definition.
type Manager struct {
	providers []*Provider
}

// Load walks dir for "*.toml" files, producing one provider per file.
// Unknown provider types are skipped with a warning rather than failing
// the whole load, per spec §4.8.
func Load(dir string) (*Manager, error) {
	m := &Manager{}
	if dir == "" {
		return m, nil
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read context provider dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		var def definition
		if _, err := toml.DecodeFile(path, &def); err != nil {
			slog.Warn("context provider: failed to parse definition, skipping", "path", path, "error", err)
			continue
		}

		if def.Type != "http" {
			slog.Warn("context provider: unsupported type, skipping", "path", path, "type", def.Type)
			continue
		}

		client, err := klient.New(
			klient.WithDisableBaseURLCheck(true),
			klient.WithDisableEnvValues(true),
			klient.WithDisableRetry(true),
		)
		if err != nil {
			slog.Warn("context provider: failed to build client, skipping", "path", path, "error", err)
			continue
		}
		client.HTTP.Transport = &http.Transport{
			DialContext: (&net.Dialer{Timeout: defaultConnectTimeout}).DialContext,
		}

		m.providers = append(m.providers, &Provider{def: def, client: client})
	}

	return m, nil
}

func substituteVars(s string, vars map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			b.WriteString(s)
			break
		}
		end += start
		b.WriteString(s[:start])
		name := s[start+2 : end]
		if v, ok := vars[name]; ok {
			b.WriteString(v)
		} else if v, ok := os.LookupEnv(name); ok {
			b.WriteString(v)
		}
		s = s[end+1:]
	}
	return b.String()
}

// fetch performs one provider's HTTP fetch, JSON path walk, and output
// formatting, per spec §4.8 steps 1-5.
func (p *Provider) fetch(ctx context.Context) (string, error) {
	timeout := defaultOverallTimeout
	if p.def.HTTP.Timeout > 0 {
		timeout = time.Duration(p.def.HTTP.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(strings.TrimSpace(p.def.HTTP.Method))
	if method == "" {
		method = http.MethodGet
	}

	url := substituteVars(p.def.HTTP.URL, p.def.Vars)

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	for k, v := range p.def.HTTP.Headers {
		req.Header.Set(k, substituteVars(v, p.def.Vars))
	}

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("parse response json: %w", err)
	}

	extracted := walkPath(doc, p.def.Path)
	return formatOutput(extracted, p.def.Output)
}

// walkPath dot-walks a parsed JSON document. An empty or unresolvable path
// falls back to the whole document, per spec §4.8 step 4.
func walkPath(doc any, path string) any {
	if path == "" {
		return doc
	}
	cur := doc
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return doc
		}
		v, ok := m[key]
		if !ok {
			return doc
		}
		cur = v
	}
	return cur
}

// formatOutput implements spec §4.8 step 5's four-way rendering rule. When
// an output template is configured it is rendered via mugo with the
// extracted value as template data; otherwise the built-in shape rules
// apply directly.
func formatOutput(extracted any, outputTemplate string) (string, error) {
	if outputTemplate != "" {
		rendered, err := render.ExecuteWithData(outputTemplate, extracted)
		if err != nil {
			return "", fmt.Errorf("render output template: %w", err)
		}
		return string(rendered), nil
	}

	switch v := extracted.(type) {
	case string:
		return v, nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		for _, k := range keys {
			summary := v[k]
			if m, ok := summary.(map[string]any); ok {
				if s, ok := m["summary"]; ok {
					summary = s
				}
			}
			fmt.Fprintf(&b, "### %s\n%v\n", k, summary)
		}
		return b.String(), nil
	case []any:
		allStrings := true
		lines := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				allStrings = false
				break
			}
			lines = append(lines, s)
		}
		if allStrings {
			return strings.Join(lines, "\n"), nil
		}
		return prettyJSON(v)
	default:
		return prettyJSON(v)
	}
}

func prettyJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("pretty-print json: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// FetchCombinedContext queries every enabled provider sequentially and
// joins the non-empty outputs with blank lines. A single provider's
// failure is logged and skipped, never fatal (spec §4.8).
func (m *Manager) FetchCombinedContext(ctx context.Context) string {
	var parts []string
	for _, p := range m.providers {
		if !p.def.Enabled {
			continue
		}
		out, err := p.fetch(ctx)
		if err != nil {
			slog.Warn("context provider fetch failed", "provider", p.def.Name, "error", err)
			continue
		}
		if strings.TrimSpace(out) == "" {
			continue
		}
		parts = append(parts, out)
	}
	return strings.Join(parts, "\n\n")
}
