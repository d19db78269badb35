package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Webhook subscription statuses.
const (
	SubscriptionActive  = "active"
	SubscriptionExpired = "expired"
	SubscriptionDeleted = "deleted"
)

// ErrSubscriptionNotFound is returned when no subscription row exists.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// Subscription is one push-notification registration with the provider.
type Subscription struct {
	ID          string
	AccountID   string
	Resource    string
	ChangeTypes string
	NotifyURL   string
	ClientState string
	Status      string
	ExpiresAt   time.Time
	RenewedAt   time.Time
}

// SaveSubscription inserts or replaces a subscription row.
func (s *Store) SaveSubscription(ctx context.Context, sub *Subscription) error {
	now := s.now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, account_id, resource, change_types,
			notify_url, client_state, status, expires_at, renewed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			resource = excluded.resource,
			change_types = excluded.change_types,
			notify_url = excluded.notify_url,
			client_state = excluded.client_state,
			status = excluded.status,
			expires_at = excluded.expires_at,
			renewed_at = excluded.renewed_at
	`, sub.ID, sub.AccountID, sub.Resource, sub.ChangeTypes, sub.NotifyURL,
		sub.ClientState, sub.Status, sub.ExpiresAt.Unix(), nullableUnix(sub.RenewedAt), now)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// GetSubscription loads one subscription by remote id.
func (s *Store) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	sub := Subscription{ID: id}
	var expires int64
	var renewed sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
		SELECT account_id, resource, change_types, notify_url, client_state,
		       status, expires_at, renewed_at
		FROM webhook_subscriptions WHERE id = ?
	`, id).Scan(&sub.AccountID, &sub.Resource, &sub.ChangeTypes, &sub.NotifyURL,
		&sub.ClientState, &sub.Status, &expires, &renewed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	sub.ExpiresAt = time.Unix(expires, 0)
	sub.RenewedAt = unixOrZero(renewed)
	return &sub, nil
}

// SetSubscriptionStatus updates just the status of a subscription.
func (s *Store) SetSubscriptionStatus(ctx context.Context, id, status string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE webhook_subscriptions SET status = ? WHERE id = ?
	`, status, id)
	if err != nil {
		return fmt.Errorf("failed to set subscription status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// RenewSubscriptionRecord extends a subscription's expiry and stamps the
// renewal time.
func (s *Store) RenewSubscriptionRecord(ctx context.Context, id string, expiresAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET expires_at = ?, renewed_at = ?, status = ?
		WHERE id = ?
	`, expiresAt.Unix(), s.now().Unix(), SubscriptionActive, id)
	if err != nil {
		return fmt.Errorf("failed to renew subscription record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// ListActiveSubscriptions returns active subscriptions for an account.
func (s *Store) ListActiveSubscriptions(ctx context.Context, accountID string) ([]Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT id, account_id, resource, change_types, notify_url, client_state,
		       status, expires_at, renewed_at
		FROM webhook_subscriptions
		WHERE account_id = ? AND status = ? ORDER BY id
	`, accountID, SubscriptionActive)
}

// ListSubscriptionsExpiringBefore returns active subscriptions whose lease
// ends before the deadline, for the renewal sweep.
func (s *Store) ListSubscriptionsExpiringBefore(ctx context.Context, deadline time.Time) ([]Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT id, account_id, resource, change_types, notify_url, client_state,
		       status, expires_at, renewed_at
		FROM webhook_subscriptions
		WHERE status = ? AND expires_at < ? ORDER BY expires_at
	`, SubscriptionActive, deadline.Unix())
}

func (s *Store) querySubscriptions(ctx context.Context, query string, args ...any) ([]Subscription, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		var expires int64
		var renewed sql.NullInt64
		if err := rows.Scan(&sub.ID, &sub.AccountID, &sub.Resource, &sub.ChangeTypes,
			&sub.NotifyURL, &sub.ClientState, &sub.Status, &expires, &renewed); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		sub.ExpiresAt = time.Unix(expires, 0)
		sub.RenewedAt = unixOrZero(renewed)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
