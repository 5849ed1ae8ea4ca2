package accountstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
)

// Account mirrors spec §3: stable id, display name, upstream base URL,
// creation timestamp, and an exactly-one-active invariant enforced by
// SwitchAccount.
type Account struct {
	ID          string    `db:"id"`
	DisplayName string    `db:"display_name"`
	BaseURL     string    `db:"base_url"`
	IsActive    bool      `db:"is_active"`
	CreatedAt   time.Time `db:"created_at"`
}

func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	query, _, err := s.goqu.From(tableAccounts).
		Select("id", "display_name", "base_url", "is_active", "created_at").
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, newErr(KindStoreError, "build list accounts query", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, newErr(KindStoreError, "list accounts", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		var isActive int
		var createdAt string
		if err := rows.Scan(&a.ID, &a.DisplayName, &a.BaseURL, &isActive, &createdAt); err != nil {
			return nil, newErr(KindStoreError, "scan account row", err)
		}
		a.IsActive = isActive != 0
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, newErr(KindStoreError, "iterate accounts", err)
	}
	return out, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.getAccountLocked(ctx, id)
}

func (s *Store) getAccountLocked(ctx context.Context, id string) (*Account, error) {
	query, _, err := s.goqu.From(tableAccounts).
		Select("id", "display_name", "base_url", "is_active", "created_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, newErr(KindStoreError, "build get account query", err)
	}

	var a Account
	var isActive int
	var createdAt string
	err = s.db.QueryRowContext(ctx, query).Scan(&a.ID, &a.DisplayName, &a.BaseURL, &isActive, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, newErr(KindStoreError, fmt.Sprintf("get account %q", id), err)
	}
	a.IsActive = isActive != 0
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &a, nil
}

// GetActiveAccount returns the single account with is_active = true, or a
// no_active_account error if none exists.
func (s *Store) GetActiveAccount(ctx context.Context) (*Account, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	query, _, err := s.goqu.From(tableAccounts).
		Select("id", "display_name", "base_url", "is_active", "created_at").
		Where(goqu.I("is_active").Eq(true)).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, newErr(KindStoreError, "build active account query", err)
	}

	var a Account
	var isActive int
	var createdAt string
	err = s.db.QueryRowContext(ctx, query).Scan(&a.ID, &a.DisplayName, &a.BaseURL, &isActive, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newErr(KindNoActiveAcct, "no active account", nil)
	}
	if err != nil {
		return nil, newErr(KindStoreError, "get active account", err)
	}
	a.IsActive = isActive != 0
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &a, nil
}

// CreateAccount inserts the account row and writes the key file atomically
// (spec §4.1). The caller supplies the API key separately from the row.
func (s *Store) CreateAccount(ctx context.Context, displayName, baseURL, apiKey string) (*Account, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	a := Account{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		BaseURL:     baseURL,
		IsActive:    false,
		CreatedAt:   time.Now().UTC(),
	}

	query, _, err := s.goqu.Insert(tableAccounts).Rows(goqu.Record{
		"id":           a.ID,
		"display_name": a.DisplayName,
		"base_url":     a.BaseURL,
		"is_active":    false,
		"created_at":   a.CreatedAt.Format(time.RFC3339),
	}).ToSQL()
	if err != nil {
		return nil, newErr(KindStoreError, "build create account query", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, newErr(KindStoreError, "create account", err)
	}

	if err := s.vault.SaveAPIKey(a.ID, apiKey); err != nil {
		return nil, newErr(KindStoreError, "save api key for new account", err)
	}

	return &a, nil
}

// SwitchAccount clears is_active on every row and sets it on id, inside a
// single transaction. The spec's original two-step version is not
// transactional and can expose a zero-active-accounts window to a
// concurrent reader; §9 calls this out as a redesign target.
func (s *Store) SwitchAccount(ctx context.Context, id string) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(KindStoreError, "begin switch_account transaction", err)
	}
	defer tx.Rollback()

	clearQuery, _, err := s.goqu.Update(tableAccounts).Set(goqu.Record{"is_active": false}).ToSQL()
	if err != nil {
		return newErr(KindStoreError, "build clear active query", err)
	}
	if _, err := tx.ExecContext(ctx, clearQuery); err != nil {
		return newErr(KindStoreError, "clear active accounts", err)
	}

	setQuery, _, err := s.goqu.Update(tableAccounts).
		Set(goqu.Record{"is_active": true}).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return newErr(KindStoreError, "build set active query", err)
	}
	res, err := tx.ExecContext(ctx, setQuery)
	if err != nil {
		return newErr(KindStoreError, "set active account", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return newErr(KindNotFound, fmt.Sprintf("account %q does not exist", id), nil)
	}

	if err := tx.Commit(); err != nil {
		return newErr(KindStoreError, "commit switch_account transaction", err)
	}
	return nil
}

// DeleteAccount cascades into the usage log and removes the vault entry.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(KindStoreError, "begin delete account transaction", err)
	}
	defer tx.Rollback()

	delUsage, _, err := s.goqu.Delete(tableUsageLog).Where(goqu.I("account_id").Eq(id)).ToSQL()
	if err != nil {
		return newErr(KindStoreError, "build delete usage query", err)
	}
	if _, err := tx.ExecContext(ctx, delUsage); err != nil {
		return newErr(KindStoreError, "cascade delete usage log", err)
	}

	delAccount, _, err := s.goqu.Delete(tableAccounts).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return newErr(KindStoreError, "build delete account query", err)
	}
	if _, err := tx.ExecContext(ctx, delAccount); err != nil {
		return newErr(KindStoreError, "delete account", err)
	}

	if err := tx.Commit(); err != nil {
		return newErr(KindStoreError, "commit delete account transaction", err)
	}

	if err := s.vault.DeleteAPIKey(id); err != nil {
		return newErr(KindStoreError, "delete api key", err)
	}
	return nil
}

func (s *Store) SaveAPIKey(accountID, key string) error {
	if err := s.vault.SaveAPIKey(accountID, key); err != nil {
		return newErr(KindStoreError, "save api key", err)
	}
	return nil
}

func (s *Store) GetAPIKey(accountID string) (string, error) {
	return s.vault.GetAPIKey(accountID)
}

func (s *Store) DeleteAPIKey(accountID string) error {
	if err := s.vault.DeleteAPIKey(accountID); err != nil {
		return newErr(KindStoreError, "delete api key", err)
	}
	return nil
}
