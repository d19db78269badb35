package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mirrorstack/mailmirror/internal/graph"
	"github.com/mirrorstack/mailmirror/internal/store"
	syncsvc "github.com/mirrorstack/mailmirror/internal/sync"
	"github.com/mirrorstack/mailmirror/internal/tokens"
)

// MaxLease is the provider's maximum subscription lifetime. Expirations
// are always capped to it.
const MaxLease = 72 * time.Hour

// defaultChangeTypes covers every change the mirror cares about.
const defaultChangeTypes = "created,updated,deleted"

// LifecycleError is a subscription create/renew/delete failure against the
// remote provider. The local record is never silently dropped; its status
// reflects the failure.
type LifecycleError struct {
	Op             string
	SubscriptionID string
	Err            error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("subscription %s %s: %v", e.SubscriptionID, e.Op, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// SubscriptionClient is the provider surface the manager needs.
type SubscriptionClient interface {
	Subscribe(ctx context.Context, token string, sub *graph.Subscription) (*graph.Subscription, error)
	Renew(ctx context.Context, token, subscriptionID string, expiresAt time.Time) error
	Unsubscribe(ctx context.Context, token, subscriptionID string) error
}

// Manager owns the webhook subscription lifecycle: create, renew, delete,
// and the expiring-soon sweep.
type Manager struct {
	store     *store.Store
	client    SubscriptionClient
	tokens    syncsvc.TokenProvider
	notifyURL string
	logger    *slog.Logger
}

// NewManager creates a subscription manager. notifyURL is the public
// endpoint the provider delivers notifications to.
func NewManager(st *store.Store, client SubscriptionClient, tp syncsvc.TokenProvider, notifyURL string, logger *slog.Logger) *Manager {
	return &Manager{
		store:     st,
		client:    client,
		tokens:    tp,
		notifyURL: notifyURL,
		logger:    logger.With("component", "webhook"),
	}
}

// resourceForType maps a caller-facing resource type to the provider's
// watched resource path.
func resourceForType(resourceType string) (string, error) {
	switch {
	case resourceType == "messages":
		return "me/messages", nil
	case strings.HasPrefix(resourceType, "messages:"):
		folderID := strings.TrimPrefix(resourceType, "messages:")
		if folderID == "" {
			return "", fmt.Errorf("invalid resource type %q", resourceType)
		}
		return fmt.Sprintf("me/mailFolders('%s')/messages", folderID), nil
	case resourceType == "calendar":
		return "me/events", nil
	case strings.HasPrefix(resourceType, "teams:"):
		parts := strings.Split(resourceType, ":")
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return "", fmt.Errorf("invalid resource type %q", resourceType)
		}
		return fmt.Sprintf("teams/%s/channels/%s/messages", parts[1], parts[2]), nil
	default:
		return "", fmt.Errorf("unsupported resource type %q", resourceType)
	}
}

var folderMessagesRe = regexp.MustCompile(`mailFolders\('([^']+)'\)/messages`)
var channelMessagesRe = regexp.MustCompile(`teams/([^/]+)/channels/([^/]+)/messages`)

// scopeForResource derives the sync scope a notification on a watched
// resource implies. The pseudo-scope "account" means a full-account run.
func scopeForResource(resource string) string {
	if m := folderMessagesRe.FindStringSubmatch(resource); m != nil {
		return syncsvc.MessagesScope(m[1]).String()
	}
	if m := channelMessagesRe.FindStringSubmatch(resource); m != nil {
		return syncsvc.ChannelScope(m[1], m[2]).String()
	}
	if strings.Contains(resource, "events") {
		return syncsvc.CalendarScope().String()
	}
	return ScopeAccount
}

// ScopeAccount is the pseudo-scope dispatched as a full-account sync.
const ScopeAccount = "account"

// Create registers a push-notification subscription for a resource type,
// generating a fresh client-state secret and capping the expiry at the
// provider's maximum lease.
func (m *Manager) Create(ctx context.Context, accountID, resourceType string) (*store.Subscription, error) {
	resource, err := resourceForType(resourceType)
	if err != nil {
		return nil, err
	}

	token, err := m.tokens.AccessToken(ctx, accountID)
	if err != nil {
		return nil, err
	}

	clientState := uuid.NewString()
	expiresAt := time.Now().Add(MaxLease)

	created, err := m.client.Subscribe(ctx, token, &graph.Subscription{
		ChangeType:         defaultChangeTypes,
		NotificationURL:    m.notifyURL,
		Resource:           resource,
		ExpirationDateTime: expiresAt,
		ClientState:        clientState,
	})
	if err != nil {
		return nil, &LifecycleError{Op: "create", SubscriptionID: "", Err: err}
	}

	sub := &store.Subscription{
		ID:          created.ID,
		AccountID:   accountID,
		Resource:    resource,
		ChangeTypes: defaultChangeTypes,
		NotifyURL:   m.notifyURL,
		ClientState: clientState,
		Status:      store.SubscriptionActive,
		ExpiresAt:   created.ExpirationDateTime,
	}
	if sub.ExpiresAt.IsZero() {
		sub.ExpiresAt = expiresAt
	}
	if err := m.store.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}

	m.logger.Info("subscription created", "account", accountID,
		"subscription", sub.ID, "resource", resource, "expires", sub.ExpiresAt)
	return sub, nil
}

// Renew extends a subscription by the full lease window. On remote failure
// the local record is marked expired so the sweep can recreate it rather
// than leaving it ambiguous. A transient token failure before any remote
// call leaves the record active for the next sweep pass; only a dead
// refresh grant expires it.
func (m *Manager) Renew(ctx context.Context, subscriptionID string) error {
	sub, err := m.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}

	token, err := m.tokens.AccessToken(ctx, sub.AccountID)
	if err != nil {
		if tokens.IsReauthRequired(err) {
			if markErr := m.store.SetSubscriptionStatus(ctx, subscriptionID, store.SubscriptionExpired); markErr != nil {
				m.logger.Error("failed to mark subscription expired", "subscription", subscriptionID, "error", markErr)
			}
		}
		return &LifecycleError{Op: "renew", SubscriptionID: subscriptionID, Err: err}
	}

	expiresAt := time.Now().Add(MaxLease)
	if err := m.client.Renew(ctx, token, subscriptionID, expiresAt); err != nil {
		if markErr := m.store.SetSubscriptionStatus(ctx, subscriptionID, store.SubscriptionExpired); markErr != nil {
			m.logger.Error("failed to mark subscription expired", "subscription", subscriptionID, "error", markErr)
		}
		return &LifecycleError{Op: "renew", SubscriptionID: subscriptionID, Err: err}
	}

	if err := m.store.RenewSubscriptionRecord(ctx, subscriptionID, expiresAt); err != nil {
		return err
	}
	m.logger.Info("subscription renewed", "subscription", subscriptionID, "expires", expiresAt)
	return nil
}

// Delete tears down a subscription. The remote call is best-effort (a
// provider 404 counts as success); the local record is always marked
// deleted.
func (m *Manager) Delete(ctx context.Context, subscriptionID string) error {
	sub, err := m.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}

	var remoteErr error
	token, err := m.tokens.AccessToken(ctx, sub.AccountID)
	if err != nil {
		remoteErr = err
	} else if err := m.client.Unsubscribe(ctx, token, subscriptionID); err != nil && !graph.IsNotFound(err) {
		remoteErr = err
	}

	if err := m.store.SetSubscriptionStatus(ctx, subscriptionID, store.SubscriptionDeleted); err != nil {
		return err
	}

	if remoteErr != nil {
		return &LifecycleError{Op: "delete", SubscriptionID: subscriptionID, Err: remoteErr}
	}
	m.logger.Info("subscription deleted", "subscription", subscriptionID)
	return nil
}

// ListActive returns the account's active subscriptions.
func (m *Manager) ListActive(ctx context.Context, accountID string) ([]store.Subscription, error) {
	return m.store.ListActiveSubscriptions(ctx, accountID)
}

// ListExpiringSoon returns active subscriptions expiring within horizon.
func (m *Manager) ListExpiringSoon(ctx context.Context, horizon time.Duration) ([]store.Subscription, error) {
	return m.store.ListSubscriptionsExpiringBefore(ctx, time.Now().Add(horizon))
}

// RenewDueSubscriptions renews everything expiring within horizon. Meant
// for a periodic external scheduler; failures are collected, not fatal.
func (m *Manager) RenewDueSubscriptions(ctx context.Context, horizon time.Duration) error {
	due, err := m.ListExpiringSoon(ctx, horizon)
	if err != nil {
		return err
	}

	var firstErr error
	for _, sub := range due {
		if err := m.Renew(ctx, sub.ID); err != nil {
			m.logger.Warn("renewal sweep failure", "subscription", sub.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
