package accountstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(context.Background(), Options{
		Datasource:   filepath.Join(dir, "data.db"),
		KeyVaultPath: filepath.Join(dir, ".api_keys.json"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreateAccount(ctx, "Anthropic", "https://api.anthropic.com", "sk-ant-test")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if a.IsActive {
		t.Fatal("new account should not be active by default")
	}

	got, err := s.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got == nil || got.DisplayName != "Anthropic" {
		t.Fatalf("got %+v, want display name Anthropic", got)
	}

	key, err := s.GetAPIKey(a.ID)
	if err != nil {
		t.Fatalf("GetAPIKey: %v", err)
	}
	if key != "sk-ant-test" {
		t.Fatalf("key = %q, want sk-ant-test", key)
	}
}

func TestSwitchAccountExactlyOneActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateAccount(ctx, "A", "https://api.anthropic.com", "k1")
	b, _ := s.CreateAccount(ctx, "B", "https://api.z.ai/v1", "k2")

	if err := s.SwitchAccount(ctx, a.ID); err != nil {
		t.Fatalf("SwitchAccount(a): %v", err)
	}
	active, err := s.GetActiveAccount(ctx)
	if err != nil {
		t.Fatalf("GetActiveAccount: %v", err)
	}
	if active.ID != a.ID {
		t.Fatalf("active = %s, want %s", active.ID, a.ID)
	}

	if err := s.SwitchAccount(ctx, b.ID); err != nil {
		t.Fatalf("SwitchAccount(b): %v", err)
	}
	active, err = s.GetActiveAccount(ctx)
	if err != nil {
		t.Fatalf("GetActiveAccount: %v", err)
	}
	if active.ID != b.ID {
		t.Fatalf("active = %s, want %s", active.ID, b.ID)
	}

	all, err := s.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	activeCount := 0
	for _, acc := range all {
		if acc.IsActive {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Fatalf("active count = %d, want 1", activeCount)
	}
}

func TestSwitchAccountIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateAccount(ctx, "A", "https://api.anthropic.com", "k1")

	if err := s.SwitchAccount(ctx, a.ID); err != nil {
		t.Fatalf("first switch: %v", err)
	}
	if err := s.SwitchAccount(ctx, a.ID); err != nil {
		t.Fatalf("second switch: %v", err)
	}

	active, err := s.GetActiveAccount(ctx)
	if err != nil {
		t.Fatalf("GetActiveAccount: %v", err)
	}
	if active.ID != a.ID {
		t.Fatalf("active = %s, want %s", active.ID, a.ID)
	}
}

func TestGetActiveAccountNoneExists(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetActiveAccount(context.Background())
	if err == nil {
		t.Fatal("expected error when no active account exists")
	}
	var serr *Error
	if !asStoreError(err, &serr) || serr.Kind != KindNoActiveAcct {
		t.Fatalf("err = %v, want no_active_account kind", err)
	}
}

func TestDeleteAccountCascadesUsageAndKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateAccount(ctx, "A", "https://api.anthropic.com", "k1")
	if err := s.LogUsage(ctx, a.ID, "claude-opus-4", 10, 20, "", 200); err != nil {
		t.Fatalf("LogUsage: %v", err)
	}

	if err := s.DeleteAccount(ctx, a.ID); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}

	got, err := s.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got != nil {
		t.Fatal("account should be gone after delete")
	}

	stats, err := s.GetUsageStats(ctx)
	if err != nil {
		t.Fatalf("GetUsageStats: %v", err)
	}
	if stats.TotalRequests != 0 {
		t.Fatalf("usage rows should cascade-delete, got %d remaining", stats.TotalRequests)
	}

	if _, err := s.GetAPIKey(a.ID); err == nil {
		t.Fatal("expected key_not_found after account deletion")
	}
}

func TestUpsertSessionConfigPreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateAccount(ctx, "A", "https://api.anthropic.com", "k1")

	sc1, err := s.UpsertSessionConfig(ctx, "s-1", a.ID, "")
	if err != nil {
		t.Fatalf("UpsertSessionConfig (create): %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	sc2, err := s.UpsertSessionConfig(ctx, "s-1", a.ID, "claude-opus-4-20250514")
	if err != nil {
		t.Fatalf("UpsertSessionConfig (update): %v", err)
	}

	if !sc1.CreatedAt.Equal(sc2.CreatedAt) {
		t.Fatalf("created_at changed on update: %v -> %v", sc1.CreatedAt, sc2.CreatedAt)
	}
	if sc2.ModelOverride != "claude-opus-4-20250514" {
		t.Fatalf("model override = %q, want claude-opus-4-20250514", sc2.ModelOverride)
	}
}

func TestExcerptTruncation(t *testing.T) {
	short := "a message under the limit"
	if truncateExcerpt(short) != short {
		t.Fatalf("short message should be unchanged")
	}

	exactly100 := make([]rune, 100)
	for i := range exactly100 {
		exactly100[i] = 'a'
	}
	if got := truncateExcerpt(string(exactly100)); got != string(exactly100) {
		t.Fatalf("100-rune message should be unchanged, got len %d", len([]rune(got)))
	}

	over := make([]rune, 101)
	for i := range over {
		over[i] = 'b'
	}
	got := truncateExcerpt(string(over))
	gotRunes := []rune(got)
	if len(gotRunes) != 98 || gotRunes[97] != '…' {
		t.Fatalf("101-rune message should truncate to 97+ellipsis, got %q (len %d)", got, len(gotRunes))
	}
}

func TestManualCleanupKeepsRecentRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateAccount(ctx, "A", "https://api.anthropic.com", "k1")
	if err := s.LogUsage(ctx, a.ID, "claude-opus-4", 1, 1, "", 200); err != nil {
		t.Fatalf("LogUsage: %v", err)
	}

	if err := s.ManualCleanup(ctx, 365); err != nil {
		t.Fatalf("ManualCleanup: %v", err)
	}

	stats, err := s.GetUsageStats(ctx)
	if err != nil {
		t.Fatalf("GetUsageStats: %v", err)
	}
	if stats.TotalRequests != 1 {
		t.Fatalf("row inserted moments ago should survive a 365-day window, got %d rows", stats.TotalRequests)
	}
}

func asStoreError(err error, target **Error) bool {
	serr, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = serr
	return true
}
