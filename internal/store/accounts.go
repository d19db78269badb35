package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Account statuses.
const (
	AccountActive       = "active"
	AccountSyncing      = "syncing"
	AccountError        = "error"
	AccountNeedsReauth  = "needs_reauth"
	AccountDisconnected = "disconnected"
)

// ErrAccountNotFound is returned when no account row exists for an id.
var ErrAccountNotFound = errors.New("account not found")

// Account is one connected remote mailbox identity.
type Account struct {
	ID             string
	Status         string
	StatusMessage  string
	RefreshToken   string
	LastFullSyncAt time.Time
}

// GetAccount loads one account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	var a Account
	var lastSync sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, status, status_message, refresh_token, last_full_sync_at
		FROM accounts WHERE id = ?
	`, id).Scan(&a.ID, &a.Status, &a.StatusMessage, &a.RefreshToken, &lastSync)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	a.LastFullSyncAt = unixOrZero(lastSync)
	return &a, nil
}

// UpsertAccount creates or refreshes an account row, preserving sync fields.
func (s *Store) UpsertAccount(ctx context.Context, id, refreshToken string) error {
	now := s.now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, status, refresh_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			refresh_token = excluded.refresh_token,
			updated_at = excluded.updated_at
	`, id, AccountActive, refreshToken, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// SetAccountStatus writes the account status and status message.
func (s *Store) SetAccountStatus(ctx context.Context, id, status, message string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET status = ?, status_message = ?, updated_at = ? WHERE id = ?
	`, status, message, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set account status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// MarkFullSync stamps the last successful full-account sync time.
func (s *Store) MarkFullSync(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET last_full_sync_at = ?, updated_at = ? WHERE id = ?
	`, at.Unix(), s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark full sync: %w", err)
	}
	return nil
}
