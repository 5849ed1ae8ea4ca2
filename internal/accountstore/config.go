package accountstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/doug-martin/goqu/v9"
)

// GetConfig reads one flat config key (spec §3's Config table). Missing
// keys return an empty string, not an error: defaults are seeded at
// ensureDefaultConfig, so a miss here means the key is unrecognized.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	query, _, err := s.goqu.From(tableConfig).
		Select("value").
		Where(goqu.I("key").Eq(key)).
		ToSQL()
	if err != nil {
		return "", newErr(KindStoreError, "build get config query", err)
	}

	var value string
	err = s.db.QueryRowContext(ctx, query).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", newErr(KindStoreError, "get config key", err)
	}
	return value, nil
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	query, _, err := s.goqu.Insert(tableConfig).
		Rows(goqu.Record{"key": key, "value": value}).
		OnConflict(goqu.DoUpdate("key", goqu.Record{"value": value})).
		ToSQL()
	if err != nil {
		return newErr(KindStoreError, "build set config query", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return newErr(KindStoreError, "set config key", err)
	}
	return nil
}

func (s *Store) ListConfig(ctx context.Context) (map[string]string, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	query, _, err := s.goqu.From(tableConfig).Select("key", "value").ToSQL()
	if err != nil {
		return nil, newErr(KindStoreError, "build list config query", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, newErr(KindStoreError, "list config", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, newErr(KindStoreError, "scan config row", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
