package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sync statuses for one (account, scope) pair.
const (
	SyncPending    = "pending"
	SyncInProgress = "in_progress"
	SyncCompleted  = "completed"
	SyncError      = "error"
)

// LeaseDuration bounds how long a claimed scope stays unavailable if its
// worker dies without releasing it.
const LeaseDuration = 15 * time.Minute

// ErrSyncInProgress is returned by ClaimSyncState when another caller holds
// the scope's lease.
var ErrSyncInProgress = errors.New("sync already in progress")

// SyncState is the per-(account, scope) cursor record.
type SyncState struct {
	AccountID    string
	Scope        string
	Cursor       string
	Status       string
	LastSyncAt   time.Time
	ErrorMessage string
}

// GetSyncState loads the state for a scope. A missing row yields a pending
// state with an empty cursor rather than an error.
func (s *Store) GetSyncState(ctx context.Context, accountID, scope string) (*SyncState, error) {
	st := &SyncState{AccountID: accountID, Scope: scope, Status: SyncPending}
	var cursor, errMsg sql.NullString
	var lastSync sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
		SELECT cursor, status, last_sync_at, error_message
		FROM sync_state WHERE account_id = ? AND scope = ?
	`, accountID, scope).Scan(&cursor, &st.Status, &lastSync, &errMsg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return st, nil
		}
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	st.Cursor = cursor.String
	st.ErrorMessage = errMsg.String
	st.LastSyncAt = unixOrZero(lastSync)
	return st, nil
}

// ListSyncStates returns every sync state row for an account.
func (s *Store) ListSyncStates(ctx context.Context, accountID string) ([]SyncState, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT scope, cursor, status, last_sync_at, error_message
		FROM sync_state WHERE account_id = ? ORDER BY scope
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync states: %w", err)
	}
	defer rows.Close()

	var states []SyncState
	for rows.Next() {
		st := SyncState{AccountID: accountID}
		var cursor, errMsg sql.NullString
		var lastSync sql.NullInt64
		if err := rows.Scan(&st.Scope, &cursor, &st.Status, &lastSync, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan sync state: %w", err)
		}
		st.Cursor = cursor.String
		st.ErrorMessage = errMsg.String
		st.LastSyncAt = unixOrZero(lastSync)
		states = append(states, st)
	}
	return states, rows.Err()
}

// ClaimSyncState atomically transitions a scope to in_progress and returns
// the cursor the sync must start from. The claim succeeds only when the
// scope is not already held by a live lease; a single conditional UPDATE is
// the serialization point, so two concurrent claimers cannot both enter the
// sync body. Losers get ErrSyncInProgress.
func (s *Store) ClaimSyncState(ctx context.Context, accountID, scope, owner string) (*SyncState, error) {
	now := s.now()

	// Ensure the row exists so the conditional update has something to claim.
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_state (account_id, scope, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, scope) DO NOTHING
	`, accountID, scope, SyncPending, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to seed sync state: %w", err)
	}

	res, err := s.DB.ExecContext(ctx, `
		UPDATE sync_state
		SET status = ?, lease_owner = ?, lease_expires_at = ?, updated_at = ?
		WHERE account_id = ? AND scope = ?
		  AND (status <> ? OR lease_expires_at < ?)
	`, SyncInProgress, owner, now.Add(LeaseDuration).Unix(), now.Unix(),
		accountID, scope, SyncInProgress, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to claim sync state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrSyncInProgress
	}

	return s.GetSyncState(ctx, accountID, scope)
}

// FinishSyncState releases a claimed scope, recording the outcome. The
// cursor argument is written only when advance is true: a failed delta run
// keeps the last good cursor so the next attempt replays from a safe
// position.
func (s *Store) FinishSyncState(ctx context.Context, accountID, scope, owner, status, cursor, errMsg string, advance bool) error {
	now := s.now().Unix()
	var res sql.Result
	var err error
	if advance {
		res, err = s.DB.ExecContext(ctx, `
			UPDATE sync_state
			SET cursor = ?, status = ?, last_sync_at = ?, error_message = ?,
			    lease_owner = '', lease_expires_at = 0, updated_at = ?
			WHERE account_id = ? AND scope = ? AND lease_owner = ?
		`, cursor, status, now, errMsg, now, accountID, scope, owner)
	} else {
		res, err = s.DB.ExecContext(ctx, `
			UPDATE sync_state
			SET status = ?, last_sync_at = ?, error_message = ?,
			    lease_owner = '', lease_expires_at = 0, updated_at = ?
			WHERE account_id = ? AND scope = ? AND lease_owner = ?
		`, status, now, errMsg, now, accountID, scope, owner)
	}
	if err != nil {
		return fmt.Errorf("failed to finish sync state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lease expired and was taken over; the new owner's result wins.
		return nil
	}
	return nil
}
