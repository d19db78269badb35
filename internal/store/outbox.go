package store

import (
	"context"
	"fmt"
	"time"
)

// SyncTrigger is a pending targeted sync enqueued by the notification
// processor, drained by the dispatcher.
type SyncTrigger struct {
	ID             int64
	TriggerID      string
	AccountID      string
	Scope          string
	SubscriptionID string
	Attempts       int
}

// EnqueueSyncTrigger records a sync trigger. Duplicate trigger ids are
// ignored so redelivered notifications do not pile up work.
func (s *Store) EnqueueSyncTrigger(ctx context.Context, triggerID, accountID, scope, subscriptionID string) error {
	now := s.now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_triggers
			(trigger_id, account_id, scope, subscription_id, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, triggerID, accountID, scope, subscriptionID, now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue sync trigger: %w", err)
	}
	return nil
}

// DequeueSyncTriggers fetches due, unfinished triggers.
func (s *Store) DequeueSyncTriggers(ctx context.Context, limit int) ([]SyncTrigger, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, trigger_id, account_id, scope, subscription_id, attempts
		FROM sync_triggers
		WHERE done_at IS NULL AND next_attempt_at <= ?
		ORDER BY id LIMIT ?
	`, s.now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync triggers: %w", err)
	}
	defer rows.Close()

	var triggers []SyncTrigger
	for rows.Next() {
		var t SyncTrigger
		if err := rows.Scan(&t.ID, &t.TriggerID, &t.AccountID, &t.Scope, &t.SubscriptionID, &t.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan sync trigger: %w", err)
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

// MarkTriggerDone finishes a trigger.
func (s *Store) MarkTriggerDone(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE sync_triggers SET done_at = ? WHERE id = ?
	`, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark trigger done: %w", err)
	}
	return nil
}

// MarkTriggerRetry defers a failed trigger.
func (s *Store) MarkTriggerRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE sync_triggers
		SET attempts = attempts + 1, next_attempt_at = ?
		WHERE id = ?
	`, s.now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark trigger retry: %w", err)
	}
	return nil
}

// OutboxEvent is a mirror-change event awaiting publication.
type OutboxEvent struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// EnqueueEvent records a mirror-change event for the publisher loop.
// Duplicate msg ids are ignored.
func (s *Store) EnqueueEvent(ctx context.Context, subject string, payload []byte, msgID string) error {
	now := s.now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO event_outbox (subject, payload, msg_id, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, subject, payload, msgID, now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}

// DequeueEvents fetches due unpublished events.
func (s *Store) DequeueEvents(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM event_outbox
		WHERE published_at IS NULL AND next_attempt_at <= ?
		ORDER BY id LIMIT ?
	`, s.now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query event outbox: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.ID, &e.Subject, &e.Payload, &e.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkEventPublished finishes an outbox event.
func (s *Store) MarkEventPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE event_outbox SET published_at = ? WHERE id = ?
	`, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark event published: %w", err)
	}
	return nil
}

// MarkEventRetry defers a failed outbox event.
func (s *Store) MarkEventRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE event_outbox
		SET retries = retries + 1, next_attempt_at = ?
		WHERE id = ?
	`, s.now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark event retry: %w", err)
	}
	return nil
}

// Notification audit outcomes.
const (
	AuditAccepted            = "accepted"
	AuditUnknownSubscription = "unknown_subscription"
	AuditClientStateMismatch = "client_state_mismatch"
)

// AuditEntry records how one inbound notification envelope was handled.
type AuditEntry struct {
	SubscriptionID string
	AccountID      string
	Outcome        string
	ChangeType     string
	Resource       string
	CreatedAt      time.Time
}

// RecordNotificationAudit appends an audit entry.
func (s *Store) RecordNotificationAudit(ctx context.Context, e *AuditEntry) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO notification_audit
			(subscription_id, account_id, outcome, change_type, resource, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.SubscriptionID, e.AccountID, e.Outcome, e.ChangeType, e.Resource, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record notification audit: %w", err)
	}
	return nil
}

// ListNotificationAudit returns audit entries for a subscription, newest
// first.
func (s *Store) ListNotificationAudit(ctx context.Context, subscriptionID string) ([]AuditEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT subscription_id, account_id, outcome, change_type, resource, created_at
		FROM notification_audit WHERE subscription_id = ? ORDER BY id DESC
	`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification audit: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var created int64
		if err := rows.Scan(&e.SubscriptionID, &e.AccountID, &e.Outcome, &e.ChangeType, &e.Resource, &created); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.CreatedAt = time.Unix(created, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
