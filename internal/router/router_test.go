package router

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/rakunlabs/swiftcast/internal/accountstore"
)

func TestResolveSessionIDPriority(t *testing.T) {
	h := http.Header{}
	h.Set("x-session-id", "s-1")
	h.Set("x-request-id", "r-1")
	if got := ResolveSessionID(h); got != "s-1" {
		t.Fatalf("got %q, want s-1 (x-session-id wins)", got)
	}

	h = http.Header{}
	h.Set("x-request-id", "r-1")
	if got := ResolveSessionID(h); got != "r-1" {
		t.Fatalf("got %q, want r-1", got)
	}

	h = http.Header{}
	h.Set("sentry-trace", "abc123-span-456")
	if got := ResolveSessionID(h); got != "abc123" {
		t.Fatalf("got %q, want abc123", got)
	}

	h = http.Header{}
	h.Set("sentry-trace", "no-dash-present")
	if got := ResolveSessionID(h); got != "no" {
		t.Fatalf("got %q, want \"no\" (prefix before first dash)", got)
	}

	h = http.Header{}
	if got := ResolveSessionID(h); got != "" {
		t.Fatalf("got %q, want empty when no headers present", got)
	}

	h = http.Header{}
	h.Set("x-session-id", "")
	h.Set("x-request-id", "r-1")
	if got := ResolveSessionID(h); got != "r-1" {
		t.Fatalf("empty x-session-id should be treated as absent, got %q", got)
	}
}

func newTestStore(t *testing.T) *accountstore.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := accountstore.New(context.Background(), accountstore.Options{
		Datasource: filepath.Join(dir, "data.db"),
	})
	if err != nil {
		t.Fatalf("accountstore.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRouteNewSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acct, err := store.CreateAccount(ctx, "Z.AI", "https://api.z.ai/v1", "k1")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := store.SwitchAccount(ctx, acct.ID); err != nil {
		t.Fatalf("SwitchAccount: %v", err)
	}

	decision, err := Route(ctx, store, "s-1")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.Kind != RouteNew {
		t.Fatalf("kind = %s, want new", decision.Kind)
	}
	if decision.Account.ID != acct.ID {
		t.Fatalf("account = %s, want %s", decision.Account.ID, acct.ID)
	}

	decision2, err := Route(ctx, store, "s-1")
	if err != nil {
		t.Fatalf("second Route: %v", err)
	}
	if decision2.Kind != RouteExisting {
		t.Fatalf("second call kind = %s, want existing", decision2.Kind)
	}
}

func TestRouteNoActiveAccountFails(t *testing.T) {
	store := newTestStore(t)
	_, err := Route(context.Background(), store, "s-1")
	if err == nil {
		t.Fatal("expected error when no active account exists")
	}
}

func TestRouteNoSessionID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acct, _ := store.CreateAccount(ctx, "A", "https://api.anthropic.com", "k1")
	store.SwitchAccount(ctx, acct.ID)

	decision, err := Route(ctx, store, "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.Kind != RouteNoSession {
		t.Fatalf("kind = %s, want no_session", decision.Kind)
	}
}
