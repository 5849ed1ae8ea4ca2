package accountstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/doug-martin/goqu/v9"
)

// SessionConfig mirrors spec §3's Session row plus the per-session hook
// overrides spec §6 calls out as "stored alongside the session config".
type SessionConfig struct {
	ID                          string
	AccountID                   string
	ModelOverride               string // empty if unset
	LastMessageExcerpt          string
	CreatedAt                   time.Time
	LastActivityAt              time.Time
	APILoggingEnabled           bool
	CompactionInjectionEnabled  *bool // nil means "defer to global config"
	CustomTasksEnabled          bool
}

const excerptMaxGraphemes = 100

// truncateExcerpt implements spec §8's boundary rule: 100 runes unchanged,
// 101+ truncated to 97 runes plus an ellipsis.
func truncateExcerpt(s string) string {
	if utf8.RuneCountInString(s) <= excerptMaxGraphemes {
		return s
	}
	runes := []rune(s)
	return string(runes[:excerptMaxGraphemes-3]) + "…"
}

func (s *Store) GetSessionConfig(ctx context.Context, id string) (*SessionConfig, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.getSessionLocked(ctx, id)
}

func (s *Store) getSessionLocked(ctx context.Context, id string) (*SessionConfig, error) {
	query, _, err := s.goqu.From(tableSessions).
		Select("id", "account_id", "model_override", "last_message_excerpt",
			"created_at", "last_activity_at", "api_logging_enabled",
			"compaction_injection_enabled", "custom_tasks_enabled").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, newErr(KindStoreError, "build get session query", err)
	}

	var (
		sc                    SessionConfig
		modelOverride         sql.NullString
		excerpt               sql.NullString
		createdAt, activityAt string
		apiLogging            int
		compactionOverride    sql.NullInt64
		customTasks           int
	)
	row := s.db.QueryRowContext(ctx, query)
	err = row.Scan(&sc.ID, &sc.AccountID, &modelOverride, &excerpt,
		&createdAt, &activityAt, &apiLogging, &compactionOverride, &customTasks)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, newErr(KindStoreError, fmt.Sprintf("get session %q", id), err)
	}

	sc.ModelOverride = modelOverride.String
	sc.LastMessageExcerpt = excerpt.String
	sc.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sc.LastActivityAt, _ = time.Parse(time.RFC3339, activityAt)
	sc.APILoggingEnabled = apiLogging != 0
	sc.CustomTasksEnabled = customTasks != 0
	if compactionOverride.Valid {
		v := compactionOverride.Int64 != 0
		sc.CompactionInjectionEnabled = &v
	}
	return &sc, nil
}

// UpsertSessionConfig inserts a new session row or, if one exists, updates
// account/model-override while preserving created_at (spec §4.1).
func (s *Store) UpsertSessionConfig(ctx context.Context, id, accountID, modelOverride string) (*SessionConfig, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := s.getSessionLocked(ctx, id)
	if err != nil {
		return nil, err
	}

	// Truncated to whole seconds so the returned timestamps equal what a
	// later read of the RFC3339 columns yields.
	now := time.Now().UTC().Truncate(time.Second)

	if existing == nil {
		sc := SessionConfig{
			ID:                id,
			AccountID:         accountID,
			ModelOverride:     modelOverride,
			CreatedAt:         now,
			LastActivityAt:    now,
			APILoggingEnabled: true,
			CustomTasksEnabled: true,
		}
		record := goqu.Record{
			"id":                            sc.ID,
			"account_id":                    sc.AccountID,
			"model_override":                nullableString(sc.ModelOverride),
			"created_at":                    sc.CreatedAt.Format(time.RFC3339),
			"last_activity_at":              sc.LastActivityAt.Format(time.RFC3339),
			"api_logging_enabled":           true,
			"compaction_injection_enabled":  nil,
			"custom_tasks_enabled":          true,
		}
		query, _, err := s.goqu.Insert(tableSessions).Rows(record).ToSQL()
		if err != nil {
			return nil, newErr(KindStoreError, "build insert session query", err)
		}
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return nil, newErr(KindStoreError, "insert session", err)
		}
		return &sc, nil
	}

	existing.AccountID = accountID
	existing.ModelOverride = modelOverride
	existing.LastActivityAt = now

	query, _, err := s.goqu.Update(tableSessions).
		Set(goqu.Record{
			"account_id":       accountID,
			"model_override":   nullableString(modelOverride),
			"last_activity_at": now.Format(time.RFC3339),
		}).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, newErr(KindStoreError, "build update session query", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, newErr(KindStoreError, "update session", err)
	}
	return existing, nil
}

// UpdateSessionActivity touches last_activity_at and optionally the
// truncated message excerpt.
func (s *Store) UpdateSessionActivity(ctx context.Context, id string, lastMessage string) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	record := goqu.Record{"last_activity_at": time.Now().UTC().Format(time.RFC3339)}
	if strings.TrimSpace(lastMessage) != "" {
		record["last_message_excerpt"] = truncateExcerpt(lastMessage)
	}

	query, _, err := s.goqu.Update(tableSessions).
		Set(record).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return newErr(KindStoreError, "build update activity query", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return newErr(KindStoreError, "update session activity", err)
	}
	return nil
}

// ActiveSessionSummary is get_active_sessions's row shape: a session joined
// with aggregated usage.
type ActiveSessionSummary struct {
	SessionConfig
	RequestCount int64
	InputTokens  int64
	OutputTokens int64
}

// GetActiveSessions returns sessions with last_activity_at within 24h,
// joined with aggregated usage (spec §4.1).
func (s *Store) GetActiveSessions(ctx context.Context) ([]ActiveSessionSummary, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	cutoff := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339)

	query, _, err := s.goqu.From(tableSessions).
		Select("id", "account_id", "model_override", "last_message_excerpt",
			"created_at", "last_activity_at", "api_logging_enabled",
			"compaction_injection_enabled", "custom_tasks_enabled").
		Where(goqu.I("last_activity_at").Gte(cutoff)).
		Order(goqu.I("last_activity_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, newErr(KindStoreError, "build active sessions query", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, newErr(KindStoreError, "list active sessions", err)
	}
	defer rows.Close()

	var out []ActiveSessionSummary
	for rows.Next() {
		var (
			sc                    SessionConfig
			modelOverride, excerpt sql.NullString
			createdAt, activityAt string
			apiLogging, customTasks int
			compactionOverride    sql.NullInt64
		)
		if err := rows.Scan(&sc.ID, &sc.AccountID, &modelOverride, &excerpt,
			&createdAt, &activityAt, &apiLogging, &compactionOverride, &customTasks); err != nil {
			return nil, newErr(KindStoreError, "scan active session row", err)
		}
		sc.ModelOverride = modelOverride.String
		sc.LastMessageExcerpt = excerpt.String
		sc.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		sc.LastActivityAt, _ = time.Parse(time.RFC3339, activityAt)
		sc.APILoggingEnabled = apiLogging != 0
		sc.CustomTasksEnabled = customTasks != 0
		if compactionOverride.Valid {
			v := compactionOverride.Int64 != 0
			sc.CompactionInjectionEnabled = &v
		}

		summary := ActiveSessionSummary{SessionConfig: sc}
		usageQuery, _, err := s.goqu.From(tableUsageLog).
			Select(
				goqu.COUNT("id"),
				goqu.COALESCE(goqu.SUM("input_tokens"), 0),
				goqu.COALESCE(goqu.SUM("output_tokens"), 0),
			).
			Where(goqu.I("session_id").Eq(sc.ID)).
			ToSQL()
		if err != nil {
			return nil, newErr(KindStoreError, "build session usage aggregate query", err)
		}
		if err := s.db.QueryRowContext(ctx, usageQuery).Scan(
			&summary.RequestCount, &summary.InputTokens, &summary.OutputTokens,
		); err != nil {
			return nil, newErr(KindStoreError, "aggregate session usage", err)
		}

		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, newErr(KindStoreError, "iterate active sessions", err)
	}
	return out, nil
}

func (s *Store) DeleteSessionConfig(ctx context.Context, id string) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	query, _, err := s.goqu.Delete(tableSessions).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return newErr(KindStoreError, "build delete session query", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return newErr(KindStoreError, "delete session", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
