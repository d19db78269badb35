package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.backoffBase = time.Millisecond
	return c
}

func TestFoldersDeltaPaging(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/me/mailFolders/delta", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.RawQuery {
		case "":
			fmt.Fprintf(w, `{"value":[{"id":"F1","displayName":"Inbox","totalItemCount":5}],
				"@odata.nextLink":"%s/me/mailFolders/delta?$skiptoken=p2"}`, srvURL)
		case "$skiptoken=p2":
			fmt.Fprintf(w, `{"value":[{"id":"F2","@removed":{"reason":"deleted"}}],
				"@odata.deltaLink":"%s/me/mailFolders/delta?$deltatoken=d1"}`, srvURL)
		default:
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL
	c := NewClient(srv.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	page, err := c.FoldersDelta(ctx, "tok", "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Inbox", page.Items[0].DisplayName)
	assert.Nil(t, page.Items[0].Removed)
	require.NotEmpty(t, page.NextLink)
	assert.Empty(t, page.DeltaLink)

	// The next-page link is opaque and requested verbatim.
	page, err = c.FoldersDelta(ctx, "tok", page.NextLink)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.NotNil(t, page.Items[0].Removed)
	assert.Equal(t, "deleted", page.Items[0].Removed.Reason)
	assert.Empty(t, page.NextLink)
	assert.True(t, strings.HasSuffix(page.DeltaLink, "$deltatoken=d1"))
}

func TestDoRetriesTransientWithRetryAfter(t *testing.T) {
	var calls atomic.Int32
	start := time.Now()
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"value":[],"@odata.deltaLink":"x"}`)
	}))

	_, err := c.EventsDelta(context.Background(), "tok", "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream sad", http.StatusBadGateway)
	}))

	_, err := c.EventsDelta(context.Background(), "tok", "")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.True(t, apiErr.Transient())
}

func TestDoNeverRetriesReauth(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "token expired", http.StatusUnauthorized)
	}))

	_, err := c.FoldersDelta(context.Background(), "tok", "")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, IsReauth(err))
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad delta token", http.StatusBadRequest)
	}))

	_, err := c.MessagesDelta(context.Background(), "tok", "F1", "")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, IsReauth(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.False(t, apiErr.Transient())
}

func TestListChannelsDrainsBothLevels(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/me/joinedTeams", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery == "" {
			fmt.Fprintf(w, `{"value":[{"id":"T1","displayName":"Platform"}],
				"@odata.nextLink":"%s/me/joinedTeams?$skiptoken=p2"}`, srvURL)
			return
		}
		fmt.Fprint(w, `{"value":[{"id":"T2","displayName":"Infra"}]}`)
	})
	mux.HandleFunc("/teams/T1/channels", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":[{"id":"C1","displayName":"general"}]}`)
	})
	mux.HandleFunc("/teams/T2/channels", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":[{"id":"C2","displayName":"alerts"},{"id":"C3","displayName":"oncall"}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL
	c := NewClient(srv.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))

	byTeam, err := c.ListChannels(context.Background(), "tok")
	require.NoError(t, err)
	require.Len(t, byTeam, 2)
	assert.Len(t, byTeam[Team{ID: "T1", DisplayName: "Platform"}], 1)
	assert.Len(t, byTeam[Team{ID: "T2", DisplayName: "Infra"}], 2)
}

func TestGetAttachmentContentCeiling(t *testing.T) {
	big := strings.Repeat("x", MaxInlineAttachmentBytes+1)
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/attachments/small/"):
			fmt.Fprint(w, "hello")
		default:
			io.WriteString(w, big)
		}
	}))
	ctx := context.Background()

	data, err := c.GetAttachmentContent(ctx, "tok", "M1", "small")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	_, err = c.GetAttachmentContent(ctx, "tok", "M1", "huge")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds inline ceiling")
}

func TestSubscriptionLifecycle(t *testing.T) {
	var renewed renewRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /subscriptions", func(w http.ResponseWriter, r *http.Request) {
		var sub Subscription
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sub))
		assert.Equal(t, "me/messages", sub.Resource)
		assert.NotEmpty(t, sub.ClientState)
		sub.ID = "sub-123"
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(sub)
	})
	mux.HandleFunc("PATCH /subscriptions/sub-123", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&renewed))
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{}`)
	})
	mux.HandleFunc("DELETE /subscriptions/sub-123", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /subscriptions/gone", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	c := testClient(t, mux)
	ctx := context.Background()

	created, err := c.Subscribe(ctx, "tok", &Subscription{
		ChangeType:         "created,updated,deleted",
		NotificationURL:    "https://example.com/webhooks/notify",
		Resource:           "me/messages",
		ExpirationDateTime: time.Now().Add(time.Hour),
		ClientState:        "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "sub-123", created.ID)

	exp := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, c.Renew(ctx, "tok", "sub-123", exp))
	assert.Equal(t, exp, renewed.ExpirationDateTime.UTC())

	require.NoError(t, c.Unsubscribe(ctx, "tok", "sub-123"))

	err = c.Unsubscribe(ctx, "tok", "gone")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
