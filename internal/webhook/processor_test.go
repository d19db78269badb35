package webhook

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorstack/mailmirror/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSubscription(t *testing.T, st *store.Store, id, accountID, resource, clientState string) {
	t.Helper()
	require.NoError(t, st.SaveSubscription(context.Background(), &store.Subscription{
		ID:          id,
		AccountID:   accountID,
		Resource:    resource,
		ChangeTypes: defaultChangeTypes,
		NotifyURL:   "https://example.com/webhooks/notify",
		ClientState: clientState,
		Status:      store.SubscriptionActive,
		ExpiresAt:   time.Now().Add(time.Hour),
	}))
}

func TestHandleValidationEchoes(t *testing.T) {
	p := NewProcessor(newTestStore(t), discardLogger())
	assert.Equal(t, "opaque-token-123", p.HandleValidation("opaque-token-123"))
}

func TestHandleNotificationsAccepts(t *testing.T) {
	st := newTestStore(t)
	p := NewProcessor(st, discardLogger())
	ctx := context.Background()
	seedSubscription(t, st, "sub1", "acc1", "me/mailFolders('F1')/messages", "secret")

	accepted, err := p.HandleNotifications(ctx, &NotificationBatch{Value: []Notification{
		{SubscriptionID: "sub1", ClientState: "secret", ChangeType: "created", Resource: "me/mailFolders('F1')/messages"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, accepted)

	triggers, err := st.DequeueSyncTriggers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, "acc1", triggers[0].AccountID)
	assert.Equal(t, "messages:F1", triggers[0].Scope)
	assert.Equal(t, "sub1", triggers[0].SubscriptionID)

	audit, err := st.ListNotificationAudit(ctx, "sub1")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, store.AuditAccepted, audit[0].Outcome)
}

func TestHandleNotificationsClientStateMismatch(t *testing.T) {
	st := newTestStore(t)
	p := NewProcessor(st, discardLogger())
	ctx := context.Background()
	seedSubscription(t, st, "sub1", "acc1", "me/events", "secret")

	accepted, err := p.HandleNotifications(ctx, &NotificationBatch{Value: []Notification{
		{SubscriptionID: "sub1", ClientState: "forged", ChangeType: "updated", Resource: "me/events"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 0, accepted)

	triggers, err := st.DequeueSyncTriggers(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, triggers)

	audit, err := st.ListNotificationAudit(ctx, "sub1")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, store.AuditClientStateMismatch, audit[0].Outcome)
}

func TestHandleNotificationsUnknownSubscription(t *testing.T) {
	st := newTestStore(t)
	p := NewProcessor(st, discardLogger())
	ctx := context.Background()
	seedSubscription(t, st, "sub1", "acc1", "me/events", "secret")

	// A batch with one unknown and one good envelope accepts only the
	// good one.
	accepted, err := p.HandleNotifications(ctx, &NotificationBatch{Value: []Notification{
		{SubscriptionID: "ghost", ClientState: "whatever", ChangeType: "created", Resource: "me/messages"},
		{SubscriptionID: "sub1", ClientState: "secret", ChangeType: "updated", Resource: "me/events"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, accepted)

	audit, err := st.ListNotificationAudit(ctx, "ghost")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, store.AuditUnknownSubscription, audit[0].Outcome)
}

func TestHandleNotificationsRejectsMalformedBatch(t *testing.T) {
	st := newTestStore(t)
	p := NewProcessor(st, discardLogger())
	ctx := context.Background()
	seedSubscription(t, st, "sub1", "acc1", "me/events", "secret")

	// One missing clientState poisons the whole batch before any
	// envelope is processed.
	accepted, err := p.HandleNotifications(ctx, &NotificationBatch{Value: []Notification{
		{SubscriptionID: "sub1", ClientState: "secret", ChangeType: "updated", Resource: "me/events"},
		{SubscriptionID: "sub2", ChangeType: "created", Resource: "me/messages"},
	}})
	require.ErrorIs(t, err, ErrInvalidEnvelope)
	assert.Equal(t, 0, accepted)

	triggers, err := st.DequeueSyncTriggers(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, triggers)
}

func TestScopeForResource(t *testing.T) {
	cases := map[string]string{
		"me/mailFolders('F1')/messages": "messages:F1",
		"teams/T1/channels/C1/messages": "teams:T1:C1",
		"me/events":                     "calendar",
		"me/messages":                   ScopeAccount,
		"something/else":                ScopeAccount,
	}
	for resource, want := range cases {
		assert.Equal(t, want, scopeForResource(resource), resource)
	}
}
