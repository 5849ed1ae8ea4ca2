package accountstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/doug-martin/goqu/v9"
)

// ExternalMapping links a session id to the external todo/mission ids a
// discovery-scan collaborator cares about (spec §3). Only C10 reads it.
type ExternalMapping struct {
	SessionID string
	TodoID    string
	MissionID string // empty if absent
}

func (s *Store) SaveMapping(ctx context.Context, m ExternalMapping) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	query, _, err := s.goqu.Insert(tableMappings).
		Rows(goqu.Record{
			"session_id": m.SessionID,
			"todo_id":    m.TodoID,
			"mission_id": nullableString(m.MissionID),
		}).
		OnConflict(goqu.DoUpdate("session_id", goqu.Record{
			"todo_id":    m.TodoID,
			"mission_id": nullableString(m.MissionID),
		})).
		ToSQL()
	if err != nil {
		return newErr(KindStoreError, "build save mapping query", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return newErr(KindStoreError, "save external mapping", err)
	}
	return nil
}

func (s *Store) GetMappingBySession(ctx context.Context, sessionID string) (*ExternalMapping, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	query, _, err := s.goqu.From(tableMappings).
		Select("session_id", "todo_id", "mission_id").
		Where(goqu.I("session_id").Eq(sessionID)).
		ToSQL()
	if err != nil {
		return nil, newErr(KindStoreError, "build get mapping query", err)
	}

	var m ExternalMapping
	var missionID sql.NullString
	err = s.db.QueryRowContext(ctx, query).Scan(&m.SessionID, &m.TodoID, &missionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, newErr(KindStoreError, "get mapping by session", err)
	}
	m.MissionID = missionID.String
	return &m, nil
}

func (s *Store) GetSessionsByExternalID(ctx context.Context, todoID string) ([]string, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	query, _, err := s.goqu.From(tableMappings).
		Select("session_id").
		Where(goqu.I("todo_id").Eq(todoID)).
		ToSQL()
	if err != nil {
		return nil, newErr(KindStoreError, "build sessions-by-external-id query", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, newErr(KindStoreError, "query sessions by external id", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, newErr(KindStoreError, "scan session id", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
