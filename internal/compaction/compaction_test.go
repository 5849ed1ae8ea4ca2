package compaction

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rakunlabs/swiftcast/internal/hooks"
)

type stubFetcher struct{ text string }

func (s stubFetcher) FetchCombinedContext(context.Context) string { return s.text }

var noReq = hooks.RequestContext{}

func writeConfig(t *testing.T, cfg Config) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "compaction.json")
	inj, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := inj.Update(cfg); err != nil {
		t.Fatalf("Update: %v", err)
	}
	return path
}

func TestModifyRequestBodyInsertsBeforeAnchor(t *testing.T) {
	path := writeConfig(t, Config{Enabled: true, SummarizationInstructions: "Keep it concise."})
	inj, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	body := []byte("Your task is to create a detailed summary of the conversation.\n\nPlease provide your summary based on the conversation so far.")
	replacement, modified := inj.ModifyRequestBody(body, noReq)
	got := string(replacement)

	if !modified {
		t.Fatal("expected modified = true")
	}
	anchorIdx := strings.Index(got, "Please provide your summary")
	instrIdx := strings.Index(got, "Keep it concise.")
	if instrIdx < 0 || anchorIdx < 0 || instrIdx > anchorIdx {
		t.Fatalf("expected instructions spliced before anchor, got:\n%s", got)
	}
}

func TestModifyRequestBodyAppendsWhenAnchorAbsent(t *testing.T) {
	path := writeConfig(t, Config{Enabled: true, SummarizationInstructions: "Keep it concise."})
	inj, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	body := []byte("Your task is to create a detailed summary of the conversation.")
	replacement, modified := inj.ModifyRequestBody(body, noReq)
	got := string(replacement)
	if !modified || !strings.Contains(got, "Keep it concise.") {
		t.Fatalf("expected instructions appended, got:\n%s", got)
	}
}

func TestModifyRequestBodyNoopWithoutMarker(t *testing.T) {
	path := writeConfig(t, Config{Enabled: true, SummarizationInstructions: "Keep it concise."})
	inj, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	body := []byte("an unrelated request")
	got, modified := inj.ModifyRequestBody(body, noReq)
	if modified || string(got) != string(body) {
		t.Fatalf("expected no change, got %q", got)
	}
}

func TestModifyRequestBodySplicesProviderAndStaticContext(t *testing.T) {
	path := writeConfig(t, Config{
		Enabled:                 true,
		ContextInjection:        "Remember the deploy freeze.",
		ContextProvidersEnabled: true,
	})
	inj, err := New(path, stubFetcher{text: "### tasks\ntwo open tasks"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	body := []byte("This session is being continued from a previous conversation that ran out of context.\nSome resumed content follows.")
	replacement, modified := inj.ModifyRequestBody(body, noReq)
	got := string(replacement)
	if !modified {
		t.Fatal("expected modified = true")
	}

	markerIdx := strings.Index(got, continuationMarker)
	providerIdx := strings.Index(got, "two open tasks")
	staticIdx := strings.Index(got, "Remember the deploy freeze.")
	resumedIdx := strings.Index(got, "Some resumed content follows.")

	if markerIdx < 0 || providerIdx < markerIdx || staticIdx < providerIdx || resumedIdx < staticIdx {
		t.Fatalf("expected marker < provider context < static context < resumed content, got:\n%s", got)
	}
	if !strings.Contains(got, "## Persistent Context (Always Remember):") {
		t.Fatalf("missing persistent context heading:\n%s", got)
	}
}

func TestModifyRequestBodyContinuationNoopWhenBothContextsEmpty(t *testing.T) {
	path := writeConfig(t, Config{Enabled: true})
	inj, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	body := []byte("This session is being continued from a previous conversation that ran out of context.\nresumed")
	got, modified := inj.ModifyRequestBody(body, noReq)
	if modified || string(got) != string(body) {
		t.Fatalf("expected no change, got:\n%s", got)
	}
}

func TestModifyRequestBodyContinuationNoopWhenDisabled(t *testing.T) {
	path := writeConfig(t, Config{Enabled: false, ContextInjection: "ignored"})
	inj, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	body := []byte("This session is being continued from a previous conversation that ran out of context.\nresumed")
	got, modified := inj.ModifyRequestBody(body, noReq)
	if modified || string(got) != string(body) {
		t.Fatalf("expected no change when disabled, got:\n%s", got)
	}
}

func TestModifyRequestBodyAppliesBothPatternsInOneBody(t *testing.T) {
	path := writeConfig(t, Config{
		Enabled:                   true,
		SummarizationInstructions: "Keep it concise.",
		ContextInjection:          "Remember the deploy freeze.",
	})
	inj, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	body := []byte("Your task is to create a detailed summary of the conversation.\n\n" +
		"Please provide your summary based on the conversation so far.\n\n" +
		"This session is being continued from a previous conversation that ran out of context.\nresumed")
	got, modified := inj.ModifyRequestBody(body, noReq)
	if !modified {
		t.Fatal("expected modified = true")
	}
	if !strings.Contains(string(got), "Keep it concise.") {
		t.Fatalf("expected summarization instructions spliced, got:\n%s", got)
	}
	if !strings.Contains(string(got), "Remember the deploy freeze.") {
		t.Fatalf("expected continuation context spliced, got:\n%s", got)
	}
}

func TestModifyResponseTextIsAlwaysANoop(t *testing.T) {
	path := writeConfig(t, Config{
		Enabled:                 true,
		ContextInjection:        "Remember the deploy freeze.",
		ContextProvidersEnabled: true,
	})
	inj, err := New(path, stubFetcher{text: "### tasks\ntwo open tasks"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text := "This session is being continued from a previous conversation that ran out of context.\nSome resumed content follows."
	got, modified := inj.ModifyResponseText(text, noReq)
	if modified || got != text {
		t.Fatalf("expected ModifyResponseText to never mutate, got modified=%v text:\n%s", modified, got)
	}
}

func TestUpdateWritesAtomicallyAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "compaction.json")

	inj, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := inj.Update(Config{Enabled: true, ContextInjection: "hello"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			t.Fatalf("expected no leftover temp file, found %s", e.Name())
		}
	}

	other, err := New(path, nil)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	if other.snapshot().ContextInjection != "hello" {
		t.Fatalf("expected reloaded config to reflect the update")
	}
}
