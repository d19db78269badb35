package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mirrorstack/mailmirror/internal/store"
)

// ErrInvalidEnvelope rejects a notification batch containing an envelope
// without a subscription id or client state. The whole batch is refused
// before any item is processed; a malformed delivery may be forged.
var ErrInvalidEnvelope = errors.New("notification envelope missing subscription id or client state")

// Notification is one inbound push-notification envelope.
type Notification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
}

// NotificationBatch is the provider's delivery shape.
type NotificationBatch struct {
	Value []Notification `json:"value"`
}

// Processor validates inbound notifications and converts accepted ones
// into sync triggers. It never runs a sync itself; the dispatcher drains
// the trigger outbox so the provider's delivery call is acknowledged
// without waiting on provider I/O.
type Processor struct {
	store  *store.Store
	logger *slog.Logger
}

// NewProcessor creates a notification processor.
func NewProcessor(st *store.Store, logger *slog.Logger) *Processor {
	return &Processor{store: st, logger: logger.With("component", "notifications")}
}

// HandleValidation echoes the provider's validation token. Subscription
// setup requires this exact synchronous echo.
func (p *Processor) HandleValidation(token string) string {
	return token
}

// HandleNotifications processes a batch of envelopes, returning how many
// were accepted. Unknown subscriptions and client-state mismatches are
// audited and skipped; notification content is never trusted without the
// client-state check.
func (p *Processor) HandleNotifications(ctx context.Context, batch *NotificationBatch) (int, error) {
	for _, n := range batch.Value {
		if n.SubscriptionID == "" || n.ClientState == "" {
			return 0, ErrInvalidEnvelope
		}
	}

	accepted := 0
	for _, n := range batch.Value {
		sub, err := p.store.GetSubscription(ctx, n.SubscriptionID)
		if err != nil {
			if errors.Is(err, store.ErrSubscriptionNotFound) {
				p.logger.Warn("notification for unknown subscription", "subscription", n.SubscriptionID)
				p.audit(ctx, n, "", store.AuditUnknownSubscription)
				continue
			}
			return accepted, fmt.Errorf("load subscription %s: %w", n.SubscriptionID, err)
		}

		if subtle.ConstantTimeCompare([]byte(sub.ClientState), []byte(n.ClientState)) != 1 {
			p.logger.Warn("notification client-state mismatch", "subscription", n.SubscriptionID)
			p.audit(ctx, n, sub.AccountID, store.AuditClientStateMismatch)
			continue
		}

		p.audit(ctx, n, sub.AccountID, store.AuditAccepted)

		scope := scopeForResource(sub.Resource)
		if err := p.store.EnqueueSyncTrigger(ctx, uuid.NewString(), sub.AccountID, scope, sub.ID); err != nil {
			p.logger.Error("failed to enqueue sync trigger", "subscription", sub.ID, "error", err)
			continue
		}
		accepted++
	}
	return accepted, nil
}

func (p *Processor) audit(ctx context.Context, n Notification, accountID, outcome string) {
	err := p.store.RecordNotificationAudit(ctx, &store.AuditEntry{
		SubscriptionID: n.SubscriptionID,
		AccountID:      accountID,
		Outcome:        outcome,
		ChangeType:     n.ChangeType,
		Resource:       n.Resource,
	})
	if err != nil {
		p.logger.Error("failed to record notification audit", "subscription", n.SubscriptionID, "error", err)
	}
}
