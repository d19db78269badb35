package tokens

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorstack/mailmirror/internal/store"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) (*Provider, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	p := NewProvider(st, "client-id", "client-secret", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if handler != nil {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		p.conf.Endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/token"}
	}
	p.backoffBase = time.Millisecond
	return p, st
}

func TestAccessTokenRefreshesAndCaches(t *testing.T) {
	var calls atomic.Int32
	p, st := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"access_token": "access-1",
			"token_type": "Bearer",
			"expires_in": 3600,
			"refresh_token": "refresh-2"
		}`)
	})
	ctx := context.Background()
	require.NoError(t, st.UpsertAccount(ctx, "acc1", "refresh-1"))

	tok, err := p.AccessToken(ctx, "acc1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)

	// The rotated refresh token is persisted.
	acct, err := st.GetAccount(ctx, "acc1")
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", acct.RefreshToken)

	// A second call hits the cache, not the token endpoint.
	tok, err = p.AccessToken(ctx, "acc1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAccessTokenRevokedGrant(t *testing.T) {
	var calls atomic.Int32
	p, st := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": "invalid_grant", "error_description": "token revoked"}`)
	})
	ctx := context.Background()
	require.NoError(t, st.UpsertAccount(ctx, "acc1", "refresh-1"))

	_, err := p.AccessToken(ctx, "acc1")
	require.Error(t, err)
	assert.True(t, IsReauthRequired(err))

	var reauth *ReauthRequiredError
	require.ErrorAs(t, err, &reauth)
	assert.Equal(t, "acc1", reauth.AccountID)
	assert.Equal(t, "invalid_grant", reauth.Reason)

	// A rejected grant is never retried.
	assert.Equal(t, int32(1), calls.Load())
}

func TestAccessTokenRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	p, st := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token": "access-1", "token_type": "Bearer", "expires_in": 3600}`)
	})
	ctx := context.Background()
	require.NoError(t, st.UpsertAccount(ctx, "acc1", "refresh-1"))

	tok, err := p.AccessToken(ctx, "acc1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAccessTokenGivesUpAfterTransientBudget(t *testing.T) {
	var calls atomic.Int32
	p, st := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	ctx := context.Background()
	require.NoError(t, st.UpsertAccount(ctx, "acc1", "refresh-1"))

	_, err := p.AccessToken(ctx, "acc1")
	require.Error(t, err)
	assert.False(t, IsReauthRequired(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestAccessTokenMissingRefreshToken(t *testing.T) {
	p, st := newTestProvider(t, nil)
	ctx := context.Background()
	require.NoError(t, st.UpsertAccount(ctx, "acc1", ""))

	_, err := p.AccessToken(ctx, "acc1")
	assert.True(t, IsReauthRequired(err))
}

func TestAccessTokenUnknownAccount(t *testing.T) {
	p, _ := newTestProvider(t, nil)
	_, err := p.AccessToken(context.Background(), "missing")
	require.Error(t, err)
	assert.False(t, IsReauthRequired(err))
	assert.ErrorIs(t, err, store.ErrAccountNotFound)
}

func TestInvalidateDropsCache(t *testing.T) {
	var calls atomic.Int32
	p, st := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token": "access-%d", "token_type": "Bearer", "expires_in": 3600}`, n)
	})
	ctx := context.Background()
	require.NoError(t, st.UpsertAccount(ctx, "acc1", "refresh-1"))

	tok, err := p.AccessToken(ctx, "acc1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)

	p.Invalidate("acc1")

	tok, err = p.AccessToken(ctx, "acc1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok)
}
