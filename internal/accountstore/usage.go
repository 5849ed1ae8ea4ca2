package accountstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"
)

// UsageLogEntry is append-only (spec §3); rows are never mutated after
// insert.
type UsageLogEntry struct {
	ID           string
	Timestamp    time.Time
	AccountID    string
	Model        string
	InputTokens  int
	OutputTokens int
	SessionID    string // empty if none
	StatusCode   int
}

func (s *Store) LogUsage(ctx context.Context, accountID, model string, inputTokens, outputTokens int, sessionID string, statusCode int) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	record := goqu.Record{
		"id":            ulid.Make().String(),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"account_id":    accountID,
		"model":         model,
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
		"session_id":    nullableString(sessionID),
		"status_code":   statusCode,
	}

	query, _, err := s.goqu.Insert(tableUsageLog).Rows(record).ToSQL()
	if err != nil {
		return newErr(KindStoreError, "build log usage query", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return newErr(KindStoreError, "log usage", err)
	}
	return nil
}

// UsageStats is get_usage_stats's aggregate shape.
type UsageStats struct {
	TotalRequests int64
	InputTokens   int64
	OutputTokens  int64
}

func (s *Store) GetUsageStats(ctx context.Context) (*UsageStats, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	query, _, err := s.goqu.From(tableUsageLog).
		Select(
			goqu.COUNT("id"),
			goqu.COALESCE(goqu.SUM("input_tokens"), 0),
			goqu.COALESCE(goqu.SUM("output_tokens"), 0),
		).
		ToSQL()
	if err != nil {
		return nil, newErr(KindStoreError, "build usage stats query", err)
	}

	var stats UsageStats
	if err := s.db.QueryRowContext(ctx, query).Scan(&stats.TotalRequests, &stats.InputTokens, &stats.OutputTokens); err != nil {
		return nil, newErr(KindStoreError, "aggregate usage stats", err)
	}
	return &stats, nil
}

func (s *Store) GetRecentUsage(ctx context.Context, n int) ([]UsageLogEntry, error) {
	if n <= 0 || n > 100 {
		n = 100
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	query, _, err := s.goqu.From(tableUsageLog).
		Select("id", "timestamp", "account_id", "model", "input_tokens", "output_tokens", "session_id", "status_code").
		Order(goqu.I("timestamp").Desc()).
		Limit(uint(n)).
		ToSQL()
	if err != nil {
		return nil, newErr(KindStoreError, "build recent usage query", err)
	}
	return s.scanUsageRows(ctx, query)
}

// usageAggregateDimension is one of account/model/session/day, matching
// spec §4.1's get_usage_by_account/model/session/day family.
type usageAggregateDimension string

const (
	DimensionAccount usageAggregateDimension = "account_id"
	DimensionModel   usageAggregateDimension = "model"
	DimensionSession usageAggregateDimension = "session_id"
)

// UsageAggregate is one grouped row from the by-dimension queries.
type UsageAggregate struct {
	Key          string
	RequestCount int64
	InputTokens  int64
	OutputTokens int64
}

func (s *Store) GetUsageByDimension(ctx context.Context, dim usageAggregateDimension, limit int) ([]UsageAggregate, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	query, _, err := s.goqu.From(tableUsageLog).
		Select(
			goqu.I(string(dim)),
			goqu.COUNT("id"),
			goqu.COALESCE(goqu.SUM("input_tokens"), 0),
			goqu.COALESCE(goqu.SUM("output_tokens"), 0),
		).
		GroupBy(goqu.I(string(dim))).
		Order(goqu.COUNT("id").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, newErr(KindStoreError, "build usage aggregate query", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, newErr(KindStoreError, "aggregate usage by dimension", err)
	}
	defer rows.Close()

	var out []UsageAggregate
	for rows.Next() {
		var agg UsageAggregate
		var key sql.NullString
		if err := rows.Scan(&key, &agg.RequestCount, &agg.InputTokens, &agg.OutputTokens); err != nil {
			return nil, newErr(KindStoreError, "scan usage aggregate row", err)
		}
		agg.Key = key.String
		out = append(out, agg)
	}
	return out, rows.Err()
}

// GetUsageByDay aggregates by the date portion of the timestamp, capped to
// the top 50-100 rows per spec §4.1.
func (s *Store) GetUsageByDay(ctx context.Context, limit int) ([]UsageAggregate, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	dayExpr := goqu.L("substr(timestamp, 1, 10)")
	query, _, err := s.goqu.From(tableUsageLog).
		Select(
			dayExpr,
			goqu.COUNT("id"),
			goqu.COALESCE(goqu.SUM("input_tokens"), 0),
			goqu.COALESCE(goqu.SUM("output_tokens"), 0),
		).
		GroupBy(dayExpr).
		Order(dayExpr.Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, newErr(KindStoreError, "build usage by day query", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, newErr(KindStoreError, "aggregate usage by day", err)
	}
	defer rows.Close()

	var out []UsageAggregate
	for rows.Next() {
		var agg UsageAggregate
		if err := rows.Scan(&agg.Key, &agg.RequestCount, &agg.InputTokens, &agg.OutputTokens); err != nil {
			return nil, newErr(KindStoreError, "scan usage-by-day row", err)
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

func (s *Store) scanUsageRows(ctx context.Context, query string) ([]UsageLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, newErr(KindStoreError, "query usage log", err)
	}
	defer rows.Close()

	var out []UsageLogEntry
	for rows.Next() {
		var (
			e         UsageLogEntry
			timestamp string
			sessionID sql.NullString
		)
		if err := rows.Scan(&e.ID, &timestamp, &e.AccountID, &e.Model, &e.InputTokens, &e.OutputTokens, &sessionID, &e.StatusCode); err != nil {
			return nil, newErr(KindStoreError, "scan usage row", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, timestamp)
		e.SessionID = sessionID.String
		out = append(out, e)
	}
	return out, rows.Err()
}
