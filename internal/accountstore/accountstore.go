// Package accountstore implements the proxy's persistent store: the
// account catalog, the sibling API-key vault, the usage log, the session
// table and its external-id mapping, the flat config table, and the
// retention sweep that ages all of the above out.
package accountstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "modernc.org/sqlite"
)

const (
	tableAccounts    = "accounts"
	tableSessions    = "sessions"
	tableUsageLog    = "usage_log"
	tableMappings    = "external_mappings"
	tableConfig      = "config"

	// connSemaphoreCap bounds concurrent store access to 5 connections.
	// modernc.org/sqlite is a single-writer engine (SetMaxOpenConns(1)
	// below), so the pool is modeled as a counting semaphore around every
	// store call rather than as literal extra *sql.DB connections.
	connSemaphoreCap = 5
	connAcquireTimeout = 30 * time.Second

	sessionRetentionDefault = 90 * 24 * time.Hour
	usageRetentionDefault   = 365 * 24 * time.Hour
)

// Store is the persistent store (C1). It owns the sqlite connection, the
// goqu query builder bound to the sqlite3 dialect, the sibling key vault,
// and the background retention ticker.
type Store struct {
	db   *sql.DB
	goqu *goqu.Database

	sem chan struct{}

	vault *keyVault

	sessionRetention time.Duration
	usageRetention   time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Options configures New.
type Options struct {
	// Datasource is the sqlite DSN (file path).
	Datasource string
	// KeyVaultPath is the sibling JSON file. Defaults to
	// "<dir of Datasource>/.api_keys.json" if empty.
	KeyVaultPath string
	// EncryptionKey, if non-empty, enables AES-256-GCM sealing of key
	// vault values.
	EncryptionKey string

	SessionRetentionDays int
	UsageRetentionDays   int
}

func New(ctx context.Context, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", opts.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", opts.Datasource, err)
	}

	// modernc.org/sqlite has no internal connection pool; sqlite itself
	// is single-writer, so the driver-level pool is pinned to one
	// connection and the store's own semaphore (below) governs the
	// number of concurrent logical callers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	s := &Store{
		db:     db,
		goqu:   goqu.New("sqlite3", db),
		sem:    make(chan struct{}, connSemaphoreCap),
		stopCh: make(chan struct{}),
	}

	vault, err := newKeyVault(opts.KeyVaultPath, opts.Datasource, opts.EncryptionKey)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open key vault: %w", err)
	}
	s.vault = vault

	s.sessionRetention = sessionRetentionDefault
	if opts.SessionRetentionDays > 0 {
		s.sessionRetention = time.Duration(opts.SessionRetentionDays) * 24 * time.Hour
	}
	s.usageRetention = usageRetentionDefault
	if opts.UsageRetentionDays > 0 {
		s.usageRetention = time.Duration(opts.UsageRetentionDays) * 24 * time.Hour
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if err := s.sweepRetention(ctx); err != nil {
		slog.Warn("initial retention sweep failed", "error", err)
	}
	if err := s.ensureDefaultConfig(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed default config: %w", err)
	}

	s.wg.Add(1)
	go s.retentionLoop()

	return s, nil
}

func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) retentionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			release, err := s.acquire(ctx)
			if err != nil {
				slog.Warn("retention sweep skipped", "error", err)
				cancel()
				continue
			}
			if err := s.sweepRetention(ctx); err != nil {
				slog.Warn("retention sweep failed", "error", err)
			}
			release()
			cancel()
		}
	}
}

// acquire blocks up to connAcquireTimeout for a slot in the connection
// semaphore, returning a retryable store_busy error on timeout per spec §4.1.
func (s *Store) acquire(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, connAcquireTimeout)
	defer cancel()
	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, nil
	case <-ctx.Done():
		return nil, newErr(KindStoreBusy, "timed out acquiring store connection slot", ctx.Err())
	}
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + tableAccounts + ` (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			base_url TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + tableSessions + ` (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES ` + tableAccounts + `(id),
			model_override TEXT,
			last_message_excerpt TEXT,
			created_at TEXT NOT NULL,
			last_activity_at TEXT NOT NULL,
			api_logging_enabled INTEGER NOT NULL DEFAULT 1,
			compaction_injection_enabled INTEGER,
			custom_tasks_enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON ` + tableSessions + `(last_activity_at)`,
		`CREATE TABLE IF NOT EXISTS ` + tableUsageLog + ` (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			account_id TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			session_id TEXT,
			status_code INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON ` + tableUsageLog + `(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_session ON ` + tableUsageLog + `(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_account ON ` + tableUsageLog + `(account_id)`,
		`CREATE TABLE IF NOT EXISTS ` + tableMappings + ` (
			session_id TEXT PRIMARY KEY,
			todo_id TEXT NOT NULL,
			mission_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS ` + tableConfig + ` (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema stmt: %w", err)
		}
	}

	// Additive columns land here via addColumnIfMissing, the idempotent
	// stand-in for a migration-file runner (see DESIGN.md).
	return nil
}

// addColumnIfMissing issues ALTER TABLE ... ADD COLUMN and tolerates
// sqlite's "duplicate column name" error, giving additive schema changes
// idempotent re-run semantics without a migration-file format.
func (s *Store) addColumnIfMissing(ctx context.Context, table, column, ddl string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, ddl)
	_, err := s.db.ExecContext(ctx, stmt)
	if err == nil {
		return nil
	}
	if isDuplicateColumnErr(err) {
		return nil
	}
	return err
}

func isDuplicateColumnErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsFold(msg, "duplicate column name")
}

func containsFold(s, substr string) bool {
	sl := []rune(s)
	bl := []rune(substr)
	n := len(sl) - len(bl)
	for i := 0; i <= n; i++ {
		match := true
		for j := range bl {
			a, b := sl[i+j], bl[j]
			if a >= 'A' && a <= 'Z' {
				a += 'a' - 'A'
			}
			if b >= 'A' && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return n >= 0 && len(bl) == 0
}

func (s *Store) ensureDefaultConfig(ctx context.Context) error {
	defaults := map[string]string{
		"proxy_port":                             "32080",
		"auto_start":                              "false",
		"threadcast_webhook_url":                  "",
		"threadcast_webhook_enabled":              "false",
		"hooks_enabled":                           "true",
		"hooks_retention_days":                    "30",
		"compaction_injection_enabled":            "false",
		"compaction_summarization_instructions":   "",
		"compaction_context_injection":            "",
	}
	for k, v := range defaults {
		query, _, err := s.goqu.Insert(tableConfig).
			Rows(goqu.Record{"key": k, "value": v}).
			OnConflict(goqu.DoNothing()).
			ToSQL()
		if err != nil {
			return fmt.Errorf("build default config insert: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("seed config %q: %w", k, err)
		}
	}
	return nil
}
