package webhook

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorstack/mailmirror/internal/store"
	syncsvc "github.com/mirrorstack/mailmirror/internal/sync"
)

type fakeRunner struct {
	mu       stdsync.Mutex
	accounts []string
	scopes   []string
	err      error
}

func (f *fakeRunner) SyncAccount(ctx context.Context, accountID string) (*syncsvc.AccountResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts = append(f.accounts, accountID)
	return &syncsvc.AccountResult{AccountID: accountID}, f.err
}

func (f *fakeRunner) SyncOne(ctx context.Context, accountID string, scope syncsvc.Scope) (*syncsvc.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scopes = append(f.scopes, scope.String())
	return &syncsvc.Result{Scope: scope.String()}, f.err
}

func (f *fakeRunner) calls() (accounts, scopes []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.accounts...), append([]string(nil), f.scopes...)
}

func TestExecuteRoutesScopes(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeRunner{}
	d := NewDispatcher(st, runner, 1, discardLogger())
	ctx := context.Background()

	require.NoError(t, st.EnqueueSyncTrigger(ctx, "t1", "acc1", ScopeAccount, "sub1"))
	require.NoError(t, st.EnqueueSyncTrigger(ctx, "t2", "acc1", "messages:F1", "sub1"))
	triggers, err := st.DequeueSyncTriggers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, triggers, 2)

	for _, trigger := range triggers {
		d.execute(ctx, trigger)
	}

	accounts, scopes := runner.calls()
	assert.Equal(t, []string{"acc1"}, accounts)
	assert.Equal(t, []string{"messages:F1"}, scopes)

	// Both triggers are finished.
	remaining, err := st.DequeueSyncTriggers(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestExecuteDropsAfterMaxAttempts(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeRunner{err: errors.New("persistent failure")}
	d := NewDispatcher(st, runner, 1, discardLogger())
	ctx := context.Background()

	require.NoError(t, st.EnqueueSyncTrigger(ctx, "t1", "acc1", "calendar", "sub1"))
	triggers, err := st.DequeueSyncTriggers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, triggers, 1)

	trigger := triggers[0]

	// Below the budget the trigger is left for redelivery.
	d.execute(ctx, trigger)
	var doneAt *int64
	require.NoError(t, st.DB.QueryRowContext(ctx,
		`SELECT done_at FROM sync_triggers WHERE id = ?`, trigger.ID).Scan(&doneAt))
	assert.Nil(t, doneAt)

	// At the budget it is dropped.
	trigger.Attempts = dispatchMaxAttempts - 1
	d.execute(ctx, trigger)
	require.NoError(t, st.DB.QueryRowContext(ctx,
		`SELECT done_at FROM sync_triggers WHERE id = ?`, trigger.ID).Scan(&doneAt))
	assert.NotNil(t, doneAt)
}

func TestExecuteDefersWhenSyncInProgress(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeRunner{err: store.ErrSyncInProgress}
	d := NewDispatcher(st, runner, 1, discardLogger())
	ctx := context.Background()

	require.NoError(t, st.EnqueueSyncTrigger(ctx, "t1", "acc1", "folders", "sub1"))
	triggers, err := st.DequeueSyncTriggers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, triggers, 1)

	d.execute(ctx, triggers[0])

	// Neither done nor attempt-counted; it simply waits for redelivery.
	var doneAt *int64
	var attempts int
	require.NoError(t, st.DB.QueryRowContext(ctx,
		`SELECT done_at, attempts FROM sync_triggers WHERE id = ?`, triggers[0].ID).Scan(&doneAt, &attempts))
	assert.Nil(t, doneAt)
	assert.Equal(t, 0, attempts)
}

func TestRunDrainsTriggers(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeRunner{}
	d := NewDispatcher(st, runner, 2, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, st.EnqueueSyncTrigger(ctx, "t1", "acc1", "messages:F1", "sub1"))
	require.NoError(t, st.EnqueueSyncTrigger(ctx, "t2", "acc2", ScopeAccount, "sub2"))

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		accounts, scopes := runner.calls()
		return len(accounts) == 1 && len(scopes) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestBackoffIsBounded(t *testing.T) {
	d := NewDispatcher(newTestStore(t), &fakeRunner{}, 1, discardLogger())
	assert.Equal(t, dispatchBackoffBase, d.backoff(0))
	assert.Equal(t, 2*dispatchBackoffBase, d.backoff(1))
	assert.Equal(t, dispatchBackoffMax, d.backoff(10))
	assert.Equal(t, dispatchBackoffMax, d.backoff(60))
}
