package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/mirrorstack/mailmirror/internal/store"
)

// ReauthRequiredError means the account's refresh token is gone or revoked
// and no amount of retrying will produce a usable access token.
type ReauthRequiredError struct {
	AccountID string
	Reason    string
}

func (e *ReauthRequiredError) Error() string {
	return fmt.Sprintf("account %s requires reauthorization: %s", e.AccountID, e.Reason)
}

// IsReauthRequired reports whether err is a reauthorization failure.
func IsReauthRequired(err error) bool {
	var reauth *ReauthRequiredError
	return errors.As(err, &reauth)
}

// expirySlack refreshes tokens slightly before their reported expiry.
const expirySlack = 2 * time.Minute

// Retry budget for transient refresh-grant failures. Rejected grants are
// never retried.
const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 500 * time.Millisecond
)

// Provider exchanges stored refresh tokens for access tokens, caching them
// until near expiry.
type Provider struct {
	store       *store.Store
	conf        *oauth2.Config
	logger      *slog.Logger
	maxAttempts int
	backoffBase time.Duration

	mu    sync.Mutex
	cache map[string]*oauth2.Token
}

// NewProvider builds a token provider using the common-tenant endpoint.
func NewProvider(st *store.Store, clientID, clientSecret string, logger *slog.Logger) *Provider {
	return &Provider{
		store: st,
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     microsoft.AzureADEndpoint("common"),
		},
		logger:      logger.With("component", "tokens"),
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		cache:       make(map[string]*oauth2.Token),
	}
}

// AccessToken returns a valid bearer token for the account, refreshing via
// the oauth2 refresh grant when the cached one is stale. A missing or
// revoked refresh token yields *ReauthRequiredError; transport failures
// during refresh come back wrapped and are retryable by the caller.
func (p *Provider) AccessToken(ctx context.Context, accountID string) (string, error) {
	p.mu.Lock()
	cached := p.cache[accountID]
	p.mu.Unlock()

	if cached != nil && cached.Expiry.After(time.Now().Add(expirySlack)) {
		return cached.AccessToken, nil
	}

	acct, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("load account: %w", err)
	}
	if acct.RefreshToken == "" {
		return "", &ReauthRequiredError{AccountID: accountID, Reason: "no refresh token on record"}
	}

	tok, err := p.refresh(ctx, accountID, acct.RefreshToken)
	if err != nil {
		return "", err
	}

	// The provider may rotate the refresh token on use.
	if tok.RefreshToken != "" && tok.RefreshToken != acct.RefreshToken {
		if err := p.store.UpsertAccount(ctx, accountID, tok.RefreshToken); err != nil {
			p.logger.Error("failed to persist rotated refresh token", "account", accountID, "error", err)
		}
	}

	p.mu.Lock()
	p.cache[accountID] = tok
	p.mu.Unlock()

	return tok.AccessToken, nil
}

// refresh runs the oauth2 refresh grant, retrying transient failures with
// exponential backoff. Grant rejections (400/401) become
// *ReauthRequiredError immediately; other client errors are not retried
// either.
func (p *Provider) refresh(ctx context.Context, accountID, refreshToken string) (*oauth2.Token, error) {
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := p.backoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		ts := p.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		tok, err := ts.Token()
		if err == nil {
			return tok, nil
		}

		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			code := retrieveErr.Response.StatusCode
			if code == http.StatusBadRequest || code == http.StatusUnauthorized {
				p.logger.Warn("refresh grant rejected", "account", accountID, "status", code)
				return nil, &ReauthRequiredError{AccountID: accountID, Reason: retrieveErr.ErrorCode}
			}
			if code < http.StatusInternalServerError {
				return nil, fmt.Errorf("refresh token for account %s: %w", accountID, err)
			}
		}

		lastErr = err
		p.logger.Warn("refresh grant attempt failed", "account", accountID, "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("refresh token for account %s: %w", accountID, lastErr)
}

// Invalidate drops the cached access token for an account.
func (p *Provider) Invalidate(accountID string) {
	p.mu.Lock()
	delete(p.cache, accountID)
	p.mu.Unlock()
}
