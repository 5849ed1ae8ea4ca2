package accountstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
)

const (
	vacuumSessionThreshold = 100
	vacuumUsageThreshold   = 1000
)

// sweepRetention deletes sessions older than the session retention window
// and usage rows older than the usage retention window, issuing a VACUUM
// when either sweep crosses its threshold (spec §4.1).
func (s *Store) sweepRetention(ctx context.Context) error {
	sessionCutoff := time.Now().UTC().Add(-s.sessionRetention).Format(time.RFC3339)
	usageCutoff := time.Now().UTC().Add(-s.usageRetention).Format(time.RFC3339)

	sessionsDeleted, err := s.deleteWhereOlderThan(ctx, tableSessions, "last_activity_at", sessionCutoff)
	if err != nil {
		return err
	}
	usageDeleted, err := s.deleteWhereOlderThan(ctx, tableUsageLog, "timestamp", usageCutoff)
	if err != nil {
		return err
	}

	slog.Info("retention sweep complete", "sessions_deleted", sessionsDeleted, "usage_rows_deleted", usageDeleted)

	if sessionsDeleted > vacuumSessionThreshold || usageDeleted > vacuumUsageThreshold {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			return newErr(KindStoreError, "vacuum after retention sweep", err)
		}
	}
	return nil
}

func (s *Store) deleteWhereOlderThan(ctx context.Context, table, column, cutoff string) (int64, error) {
	query, _, err := s.goqu.Delete(table).Where(goqu.I(column).Lt(cutoff)).ToSQL()
	if err != nil {
		return 0, newErr(KindStoreError, "build retention delete query", err)
	}
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, newErr(KindStoreError, "retention delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, newErr(KindStoreError, "read retention delete rows affected", err)
	}
	return n, nil
}

// ManualCleanup exposes the same sweep for operator-invoked cleanup (spec
// §4.1's manual_cleanup(days)). For this one invocation a single cutoff of
// days replaces both configured windows: it applies to sessions and to
// usage rows alike. A non-positive days runs the regular sweep.
func (s *Store) ManualCleanup(ctx context.Context, days int) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if days <= 0 {
		return s.sweepRetention(ctx)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)

	sessionsDeleted, err := s.deleteWhereOlderThan(ctx, tableSessions, "last_activity_at", cutoff)
	if err != nil {
		return err
	}
	usageDeleted, err := s.deleteWhereOlderThan(ctx, tableUsageLog, "timestamp", cutoff)
	if err != nil {
		return err
	}

	slog.Info("manual cleanup complete", "days", days, "sessions_deleted", sessionsDeleted, "usage_rows_deleted", usageDeleted)

	if sessionsDeleted > vacuumSessionThreshold || usageDeleted > vacuumUsageThreshold {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			return newErr(KindStoreError, "vacuum after manual cleanup", err)
		}
	}
	return nil
}
